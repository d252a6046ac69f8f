package engine

import (
	"fmt"
	"sync"
)

// signalTable holds one one-shot completion signal per runtime module name.
// A signal is set exactly once, when the module's run-pass participation
// finishes, regardless of success, failure or abort-skip. Dependents block
// on Wait; setting is idempotent.
type signalTable struct {
	mu      sync.Mutex
	signals map[string]chan struct{}
	once    map[string]*sync.Once
}

func newSignalTable() *signalTable {
	return &signalTable{
		signals: make(map[string]chan struct{}),
		once:    make(map[string]*sync.Once),
	}
}

// Register creates the signal for a runtime name. Called for every module
// and preflight when the recipe is loaded, so waits never race with signal
// creation.
func (t *signalTable) Register(runtimeName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.signals[runtimeName]; exists {
		return
	}
	t.signals[runtimeName] = make(chan struct{})
	t.once[runtimeName] = &sync.Once{}
}

// Signal marks the runtime name complete. Safe to call more than once.
func (t *signalTable) Signal(runtimeName string) {
	t.mu.Lock()
	once, ok := t.once[runtimeName]
	ch := t.signals[runtimeName]
	t.mu.Unlock()
	if !ok {
		return
	}
	once.Do(func() { close(ch) })
}

// Wait blocks until the runtime name is signaled.
func (t *signalTable) Wait(runtimeName string) error {
	t.mu.Lock()
	ch, ok := t.signals[runtimeName]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no completion signal registered for %q", runtimeName)
	}
	<-ch
	return nil
}

// Done reports whether the runtime name has been signaled, without
// blocking.
func (t *signalTable) Done(runtimeName string) bool {
	t.mu.Lock()
	ch, ok := t.signals[runtimeName]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
