// Package progress implements a live, observe-only view of a pipeline run.
// The Tracker receives engine observation hooks and maintains a per-module
// and per-worker state machine that a display layer can snapshot. It never
// renders anything and never influences scheduling.
package progress

import (
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/engine"
)

// Message is one published human-facing message.
type Message struct {
	Source  string
	Text    string
	IsError bool
}

// WorkerView is the observable state of one item worker.
type WorkerView struct {
	ID            string
	Status        engine.Status
	Detail        string
	StepsTaken    int
	StepsExpected int
}

// ModuleView is the observable state of one module.
type ModuleView struct {
	Name          string
	RuntimeName   string
	Wants         []string
	Preflight     bool
	Status        engine.Status
	StepsTaken    int
	StepsExpected int
	ItemCount     int
	Errors        []string
	Workers       []WorkerView
}

type workerState struct {
	status        engine.Status
	detail        string
	stepsTaken    int
	stepsExpected int
}

type moduleState struct {
	name          string
	runtimeName   string
	wants         []string
	preflight     bool
	status        engine.Status
	stepsTaken    int
	stepsExpected int
	itemCount     int
	errors        []string
	workers       map[string]*workerState
	workerOrder   []string
}

// Tracker accumulates module and worker lifecycle state from engine hooks.
// All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	recipe  string
	modules map[string]*moduleState
	order   []string
	msgs    []Message
}

// Tracker implements all three hook surfaces.
var (
	_ engine.Hooks       = (*Tracker)(nil)
	_ engine.StatusHooks = (*Tracker)(nil)
	_ engine.RecipeHooks = (*Tracker)(nil)
)

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{modules: make(map[string]*moduleState)}
}

// SetRecipe records the recipe name.
func (t *Tracker) SetRecipe(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recipe = name
}

// EnqueueModule registers a module of the recipe in pending state.
func (t *Tracker) EnqueueModule(name, runtimeName string, wants []string, preflight bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.modules[runtimeName]; exists {
		return
	}
	t.modules[runtimeName] = &moduleState{
		name:        name,
		runtimeName: runtimeName,
		wants:       append([]string(nil), wants...),
		preflight:   preflight,
		status:      engine.StatusPending,
		workers:     make(map[string]*workerState),
	}
	t.order = append(t.order, runtimeName)
}

// PublishMessage appends the message to the tracker's message log.
func (t *Tracker) PublishMessage(source, message string, isError bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, Message{Source: source, Text: message, IsError: isError})
}

// ProgressUpdate records module-level progress.
func (t *Tracker) ProgressUpdate(moduleName string, stepsTaken, stepsExpected int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m := t.modules[moduleName]; m != nil {
		m.stepsTaken = stepsTaken
		m.stepsExpected = stepsExpected
	}
}

// ThreadProgressUpdate records per-worker progress.
func (t *Tracker) ThreadProgressUpdate(moduleName, workerID string, stepsTaken, stepsExpected int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.modules[moduleName]
	if m == nil {
		return
	}
	w := t.worker(m, workerID)
	w.stepsTaken = stepsTaken
	w.stepsExpected = stepsExpected
}

// Error records an error message against a module and flips it to the
// error state.
func (t *Tracker) Error(moduleName, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.modules[moduleName]
	if m == nil {
		return
	}
	m.errors = append(m.errors, message)
	m.status = engine.StatusError
}

// ModuleStatus records a lifecycle transition. A module that has already
// errored stays in the error state.
func (t *Tracker) ModuleStatus(moduleName string, status engine.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.modules[moduleName]
	if m == nil || m.status == engine.StatusError {
		return
	}
	m.status = status
}

// ThreadStatus records an item worker transition.
func (t *Tracker) ThreadStatus(moduleName, workerID string, status engine.Status, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.modules[moduleName]
	if m == nil {
		return
	}
	w := t.worker(m, workerID)
	w.status = status
	w.detail = detail
}

// ItemCount records how many items an item-parallel module retrieved.
func (t *Tracker) ItemCount(moduleName string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m := t.modules[moduleName]; m != nil {
		m.itemCount = count
	}
}

// Recipe returns the recipe name.
func (t *Tracker) Recipe() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recipe
}

// Messages returns a copy of the published messages, oldest first.
func (t *Tracker) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.msgs...)
}

// Snapshot returns the current state of every module, in enqueue order.
func (t *Tracker) Snapshot() []ModuleView {
	t.mu.Lock()
	defer t.mu.Unlock()

	views := make([]ModuleView, 0, len(t.order))
	for _, runtimeName := range t.order {
		m := t.modules[runtimeName]
		view := ModuleView{
			Name:          m.name,
			RuntimeName:   m.runtimeName,
			Wants:         append([]string(nil), m.wants...),
			Preflight:     m.preflight,
			Status:        m.status,
			StepsTaken:    m.stepsTaken,
			StepsExpected: m.stepsExpected,
			ItemCount:     m.itemCount,
			Errors:        append([]string(nil), m.errors...),
		}
		for _, id := range m.workerOrder {
			w := m.workers[id]
			view.Workers = append(view.Workers, WorkerView{
				ID:            id,
				Status:        w.status,
				Detail:        w.detail,
				StepsTaken:    w.stepsTaken,
				StepsExpected: w.stepsExpected,
			})
		}
		views = append(views, view)
	}
	return views
}

// worker returns the worker record, creating it in pending state on first
// sight. Caller holds the lock.
func (t *Tracker) worker(m *moduleState, workerID string) *workerState {
	w, ok := m.workers[workerID]
	if !ok {
		w = &workerState{status: engine.StatusPending}
		m.workers[workerID] = w
		m.workerOrder = append(m.workerOrder, workerID)
	}
	return w
}
