package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/containers"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/module"
	"github.com/wehubfusion/Daedalus/pkg/recipes"
)

// eventLog records lifecycle events across concurrently running fake
// modules so tests can assert ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) index(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == event {
			return i
		}
	}
	return -1
}

func (l *eventLog) has(event string) bool { return l.index(event) >= 0 }

// recordingHooks captures every hook notification for assertions.
type recordingHooks struct {
	mu         sync.Mutex
	messages   []string
	errs       map[string][]string
	statuses   map[string][]Status
	itemCounts map[string]int
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{
		errs:       make(map[string][]string),
		statuses:   make(map[string][]Status),
		itemCounts: make(map[string]int),
	}
}

func (h *recordingHooks) PublishMessage(source, message string, isError bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, source+": "+message)
}

func (h *recordingHooks) ProgressUpdate(moduleName string, stepsTaken, stepsExpected int) {}

func (h *recordingHooks) ThreadProgressUpdate(moduleName, workerID string, stepsTaken, stepsExpected int) {
}

func (h *recordingHooks) Error(moduleName, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs[moduleName] = append(h.errs[moduleName], message)
}

func (h *recordingHooks) ModuleStatus(moduleName string, status Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[moduleName] = append(h.statuses[moduleName], status)
}

func (h *recordingHooks) ThreadStatus(moduleName, workerID string, status Status, detail string) {}

func (h *recordingHooks) ItemCount(moduleName string, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.itemCounts[moduleName] = count
}

func (h *recordingHooks) errorsFor(moduleName string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.errs[moduleName]...)
}

func (h *recordingHooks) lastStatus(moduleName string) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	statuses := h.statuses[moduleName]
	if len(statuses) == 0 {
		return ""
	}
	return statuses[len(statuses)-1]
}

// fakeModule is a scriptable simple module.
type fakeModule struct {
	module.BaseModule
	events     *eventLog
	setupErr   error
	processErr error
	onSetUp    func(ctx context.Context, m *fakeModule) error
	onProcess  func(ctx context.Context, m *fakeModule) error
}

func (m *fakeModule) SetUp(ctx context.Context, args map[string]any) error {
	m.events.add(m.Name() + ":setup")
	if m.onSetUp != nil {
		return m.onSetUp(ctx, m)
	}
	return m.setupErr
}

func (m *fakeModule) Process(ctx context.Context) error {
	m.events.add(m.Name() + ":process")
	if m.onProcess != nil {
		return m.onProcess(ctx, m)
	}
	return m.processErr
}

func (m *fakeModule) CleanUp(ctx context.Context) error {
	m.events.add(m.Name() + ":cleanup")
	return nil
}

// fakeItemModule is a scriptable item-parallel module consuming files.
type fakeItemModule struct {
	fakeModule
	workers  int
	keep     bool
	itemErr  func(c containers.Container) error
	postErr  error
	preCount atomic.Int32
	postCnt  atomic.Int32

	processed   atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (m *fakeItemModule) ItemType() string { return containers.TypeFile }
func (m *fakeItemModule) WorkerCount() int { return m.workers }
func (m *fakeItemModule) KeepItems() bool  { return m.keep }

func (m *fakeItemModule) PreProcess(ctx context.Context) error {
	m.preCount.Add(1)
	m.events.add(m.Name() + ":preprocess")
	return nil
}

func (m *fakeItemModule) PostProcess(ctx context.Context) error {
	m.postCnt.Add(1)
	m.events.add(m.Name() + ":postprocess")
	return m.postErr
}

func (m *fakeItemModule) ProcessItem(ctx context.Context, c containers.Container) error {
	current := m.inFlight.Add(1)
	for {
		max := m.maxInFlight.Load()
		if current <= max || m.maxInFlight.CompareAndSwap(max, current) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	m.inFlight.Add(-1)
	m.processed.Add(1)
	if m.itemErr != nil {
		return m.itemErr(c)
	}
	return nil
}

func registerFake(t *testing.T, registry *module.Registry, name string, build func(state module.State, runtimeName string) module.Module) {
	t.Helper()
	err := registry.Register(name, func(state module.State, runtimeName string, logger *zap.Logger) module.Module {
		return build(state, runtimeName)
	})
	if err != nil {
		t.Fatalf("failed to register %s: %v", name, err)
	}
}

func simpleRecipe(defs ...recipes.ModuleDef) *recipes.Recipe {
	return &recipes.Recipe{Name: "test-recipe", Modules: defs}
}

func TestRunOrderRespectsWants(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()
	registerFake(t, registry, "A", func(state module.State, name string) module.Module {
		return &fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events}
	})
	registerFake(t, registry, "B", func(state module.State, name string) module.Module {
		return &fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events}
	})

	eng := New(registry)
	recipe := simpleRecipe(
		recipes.ModuleDef{Name: "B", Wants: []string{"A"}},
		recipes.ModuleDef{Name: "A"},
	)
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	a, b := events.index("A:process"), events.index("B:process")
	if a < 0 || b < 0 {
		t.Fatalf("both modules must run, events: %v", events.events)
	}
	if a > b {
		t.Fatalf("A must finish before B starts, events: %v", events.events)
	}
}

func TestCriticalSetupFailureStopsBeforeRunPass(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()
	registerFake(t, registry, "A", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			setupErr:   errors.New(name, "setup exploded", true),
		}
	})
	registerFake(t, registry, "B", func(state module.State, name string) module.Module {
		return &fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events}
	})

	eng := New(registry)
	recipe := simpleRecipe(
		recipes.ModuleDef{Name: "A"},
		recipes.ModuleDef{Name: "B", Wants: []string{"A"}},
	)
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}

	err := eng.Run(context.Background())
	if !stderrors.Is(err, errors.ErrCriticalFailure) {
		t.Fatalf("expected ErrCriticalFailure, got %v", err)
	}
	if events.has("A:process") || events.has("B:process") {
		t.Fatalf("no module may reach the run pass, events: %v", events.events)
	}
}

func TestCriticalRunFailureSkipsDependentsWithoutDeadlock(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()
	registerFake(t, registry, "A", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			processErr: errors.New(name, "process exploded", true),
		}
	})
	for _, name := range []string{"B", "C"} {
		registerFake(t, registry, name, func(state module.State, name string) module.Module {
			return &fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events}
		})
	}

	eng := New(registry)
	recipe := simpleRecipe(
		recipes.ModuleDef{Name: "A"},
		recipes.ModuleDef{Name: "B", Wants: []string{"A"}},
		recipes.ModuleDef{Name: "C", Wants: []string{"B"}},
	)
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background()) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run deadlocked")
	}

	if !stderrors.Is(err, errors.ErrCriticalFailure) {
		t.Fatalf("expected ErrCriticalFailure, got %v", err)
	}
	if events.has("B:process") || events.has("C:process") {
		t.Fatalf("dependents of a failed module must skip, events: %v", events.events)
	}
	for _, name := range []string{"A", "B", "C"} {
		if !eng.signals.Done(name) {
			t.Fatalf("signal for %s must be set even on failure or skip", name)
		}
	}
}

func TestNonCriticalFailureDoesNotAbortTheRun(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()
	registerFake(t, registry, "A", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			processErr: errors.New(name, "partial failure", false),
		}
	})
	registerFake(t, registry, "B", func(state module.State, name string) module.Module {
		return &fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events}
	})

	eng := New(registry)
	recipe := simpleRecipe(
		recipes.ModuleDef{Name: "A"},
		recipes.ModuleDef{Name: "B", Wants: []string{"A"}},
	)
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("non-critical failure must not fail the run: %v", err)
	}

	if !events.has("B:process") {
		t.Fatal("B must still run after A's non-critical failure")
	}
	if len(eng.Ledger().GlobalErrors()) != 1 {
		t.Fatalf("expected the failure to be durably recorded, got %v",
			eng.Ledger().GlobalErrors())
	}
}

func TestPlainErrorIsEscalatedToCriticalUnexpected(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()
	registerFake(t, registry, "A", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			processErr: fmt.Errorf("something the module did not classify"),
		}
	})
	registerFake(t, registry, "B", func(state module.State, name string) module.Module {
		return &fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events}
	})

	eng := New(registry)
	recipe := simpleRecipe(
		recipes.ModuleDef{Name: "A"},
		recipes.ModuleDef{Name: "B", Wants: []string{"A"}},
	)
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}

	err := eng.Run(context.Background())
	if !stderrors.Is(err, errors.ErrCriticalFailure) {
		t.Fatalf("expected ErrCriticalFailure, got %v", err)
	}

	recorded := eng.Ledger().GlobalErrors()
	if len(recorded) != 1 {
		t.Fatalf("expected 1 recorded error, got %d", len(recorded))
	}
	if !recorded[0].Critical || !recorded[0].Unexpected {
		t.Fatalf("plain errors must escalate to critical unexpected: %+v", recorded[0])
	}
	if events.has("B:process") {
		t.Fatal("B must skip after the escalated failure")
	}
	if !eng.signals.Done("B") {
		t.Fatal("B's signal must be set on skip")
	}
}

func TestPanicInProcessIsRecovered(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()
	registerFake(t, registry, "A", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			onProcess: func(ctx context.Context, m *fakeModule) error {
				panic("boom")
			},
		}
	})

	eng := New(registry)
	if err := eng.LoadRecipe(simpleRecipe(recipes.ModuleDef{Name: "A"})); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}

	err := eng.Run(context.Background())
	if !stderrors.Is(err, errors.ErrCriticalFailure) {
		t.Fatalf("expected ErrCriticalFailure, got %v", err)
	}

	recorded := eng.Ledger().GlobalErrors()
	if len(recorded) != 1 {
		t.Fatalf("expected 1 recorded error, got %d", len(recorded))
	}
	perr := recorded[0]
	if !perr.Critical || !perr.Unexpected || perr.Stacktrace == "" {
		t.Fatalf("panic must yield a critical unexpected record with a stack: %+v", perr)
	}
	if !strings.Contains(perr.Message, "panic") {
		t.Fatalf("unexpected message: %s", perr.Message)
	}
}

func TestItemFanOutProcessesEveryItemWithinWorkerBound(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()

	const itemCount = 9
	registerFake(t, registry, "Producer", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			onProcess: func(ctx context.Context, m *fakeModule) error {
				for i := 0; i < itemCount; i++ {
					m.State().StoreContainer(containers.NewFile(fmt.Sprintf("f%d", i), "/f"), m.Name())
				}
				return nil
			},
		}
	})

	var consumer *fakeItemModule
	registerFake(t, registry, "Consumer", func(state module.State, name string) module.Module {
		consumer = &fakeItemModule{
			fakeModule: fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events},
			workers:    3,
		}
		return consumer
	})

	hooks := newRecordingHooks()
	eng := New(registry, WithHooks(hooks))
	recipe := simpleRecipe(
		recipes.ModuleDef{Name: "Producer"},
		recipes.ModuleDef{Name: "Consumer", Wants: []string{"Producer"}},
	)
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := consumer.processed.Load(); got != itemCount {
		t.Fatalf("expected %d items processed, got %d", itemCount, got)
	}
	if got := consumer.maxInFlight.Load(); got > 3 {
		t.Fatalf("worker bound exceeded: %d concurrent items", got)
	}
	if consumer.preCount.Load() != 1 || consumer.postCnt.Load() != 1 {
		t.Fatalf("PreProcess and PostProcess must each run exactly once, got %d/%d",
			consumer.preCount.Load(), consumer.postCnt.Load())
	}
	if hooks.itemCounts["Consumer"] != itemCount {
		t.Fatalf("item count hook got %d", hooks.itemCounts["Consumer"])
	}

	// Consumed with pop (KeepItems false): nothing left in the store.
	if eng.Store().Count(containers.TypeFile) != 0 {
		t.Fatalf("expected popped store, have %d files", eng.Store().Count(containers.TypeFile))
	}
}

func TestItemFanOutWithZeroItems(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()

	var consumer *fakeItemModule
	registerFake(t, registry, "Consumer", func(state module.State, name string) module.Module {
		consumer = &fakeItemModule{
			fakeModule: fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events},
			workers:    2,
		}
		return consumer
	})

	eng := New(registry)
	if err := eng.LoadRecipe(simpleRecipe(recipes.ModuleDef{Name: "Consumer"})); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("zero items must not fail the run: %v", err)
	}

	if consumer.processed.Load() != 0 {
		t.Fatal("no items should have been processed")
	}
	if consumer.preCount.Load() != 1 || consumer.postCnt.Load() != 1 {
		t.Fatal("PreProcess and PostProcess must run even with zero items")
	}
}

func TestPostProcessErrorTakesPrecedenceOverItemError(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()

	registerFake(t, registry, "Producer", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			onProcess: func(ctx context.Context, m *fakeModule) error {
				m.State().StoreContainer(containers.NewFile("f", "/f"), m.Name())
				return nil
			},
		}
	})
	registerFake(t, registry, "Consumer", func(state module.State, name string) module.Module {
		return &fakeItemModule{
			fakeModule: fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events},
			workers:    1,
			itemErr: func(c containers.Container) error {
				return errors.New(name, "item failed", false)
			},
			postErr: errors.New(name, "post failed", false),
		}
	})

	eng := New(registry)
	recipe := simpleRecipe(
		recipes.ModuleDef{Name: "Producer"},
		recipes.ModuleDef{Name: "Consumer", Wants: []string{"Producer"}},
	)
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	recorded := eng.Ledger().GlobalErrors()
	if len(recorded) != 1 {
		t.Fatalf("expected 1 recorded error, got %d", len(recorded))
	}
	if recorded[0].Message != "post failed" {
		t.Fatalf("expected the postprocess failure to win, got %q", recorded[0].Message)
	}
}

func TestPanicInProcessItemFailsOnlyThatItem(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()

	registerFake(t, registry, "Producer", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			onProcess: func(ctx context.Context, m *fakeModule) error {
				m.State().StoreContainer(containers.NewFile("bad", "/bad"), m.Name())
				m.State().StoreContainer(containers.NewFile("good", "/good"), m.Name())
				return nil
			},
		}
	})

	var consumer *fakeItemModule
	registerFake(t, registry, "Consumer", func(state module.State, name string) module.Module {
		consumer = &fakeItemModule{
			fakeModule: fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events},
			workers:    1,
			itemErr: func(c containers.Container) error {
				if c.(*containers.File).Name == "bad" {
					panic("bad item")
				}
				return nil
			},
		}
		return consumer
	})

	eng := New(registry)
	recipe := simpleRecipe(
		recipes.ModuleDef{Name: "Producer"},
		recipes.ModuleDef{Name: "Consumer", Wants: []string{"Producer"}},
	)
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}

	err := eng.Run(context.Background())
	if !stderrors.Is(err, errors.ErrCriticalFailure) {
		t.Fatalf("expected escalated failure, got %v", err)
	}
	if got := consumer.processed.Load(); got != 2 {
		t.Fatalf("both items must be attempted, got %d", got)
	}
}

func TestStreamingDeliversToCallbacksRegisteredDuringSetup(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()

	var streamedMu sync.Mutex
	var streamed []string

	registerFake(t, registry, "Producer", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			onProcess: func(ctx context.Context, m *fakeModule) error {
				for _, n := range []string{"one", "two"} {
					m.State().StreamContainer(containers.NewFile(n, "/"+n), m.Name())
				}
				return nil
			},
		}
	})
	registerFake(t, registry, "Subscriber", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			onSetUp: func(ctx context.Context, m *fakeModule) error {
				m.State().RegisterStreamingCallback(containers.TypeFile, func(c containers.Container) {
					streamedMu.Lock()
					defer streamedMu.Unlock()
					streamed = append(streamed, c.(*containers.File).Name)
				})
				return nil
			},
		}
	})

	eng := New(registry)
	recipe := simpleRecipe(
		recipes.ModuleDef{Name: "Subscriber"},
		recipes.ModuleDef{Name: "Producer", Wants: []string{"Subscriber"}},
	)
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(streamed) != 2 || streamed[0] != "one" || streamed[1] != "two" {
		t.Fatalf("unexpected streamed containers: %v", streamed)
	}
}

func TestRunCache(t *testing.T) {
	eng := New(module.NewRegistry())

	if got := eng.GetFromCache("missing", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %v", got)
	}

	eng.AddToCache("token", "abc")
	if got := eng.GetFromCache("token", ""); got != "abc" {
		t.Fatalf("expected cached value, got %v", got)
	}

	eng.AddToCache("token", "def")
	if got := eng.GetFromCache("token", ""); got != "def" {
		t.Fatalf("cache overwrite failed, got %v", got)
	}
}

func TestPreflightFailureStopsRunBeforeSetup(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()
	registerFake(t, registry, "Check", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			processErr: errors.New(name, "environment unusable", true),
		}
	})
	registerFake(t, registry, "A", func(state module.State, name string) module.Module {
		return &fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events}
	})

	eng := New(registry)
	recipe := &recipes.Recipe{
		Name:       "with-preflight",
		Preflights: []recipes.ModuleDef{{Name: "Check"}},
		Modules:    []recipes.ModuleDef{{Name: "A"}},
	}
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}

	err := eng.Run(context.Background())
	if !stderrors.Is(err, errors.ErrCriticalFailure) {
		t.Fatalf("expected ErrCriticalFailure, got %v", err)
	}
	if events.has("A:setup") || events.has("A:process") {
		t.Fatalf("pipeline modules must not start after a failed preflight, events: %v", events.events)
	}
	if !events.has("Check:cleanup") {
		t.Fatal("preflight cleanup must run even when the preflight failed")
	}
}

func TestPreflightsRunBeforeModules(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()
	for _, name := range []string{"Check", "A"} {
		registerFake(t, registry, name, func(state module.State, name string) module.Module {
			return &fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events}
		})
	}

	eng := New(registry)
	recipe := &recipes.Recipe{
		Name:       "with-preflight",
		Preflights: []recipes.ModuleDef{{Name: "Check"}},
		Modules:    []recipes.ModuleDef{{Name: "A"}},
	}
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if events.index("Check:process") > events.index("A:setup") {
		t.Fatalf("preflight must complete before module setup, events: %v", events.events)
	}
}

func TestLoadRecipeRejectsUnknownModules(t *testing.T) {
	eng := New(module.NewRegistry())
	err := eng.LoadRecipe(simpleRecipe(recipes.ModuleDef{Name: "Missing"}))
	if !stderrors.Is(err, errors.ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
}

func TestLoadRecipeRejectsInvalidRecipes(t *testing.T) {
	eng := New(module.NewRegistry())
	if err := eng.LoadRecipe(&recipes.Recipe{Name: "empty"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestArgumentInterpolationFailureIsCritical(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()
	registerFake(t, registry, "A", func(state module.State, name string) module.Module {
		return &fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events}
	})

	eng := New(registry)
	recipe := simpleRecipe(recipes.ModuleDef{
		Name: "A",
		Args: map[string]any{"path": "@undefined"},
	})
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}

	err := eng.Run(context.Background())
	if !stderrors.Is(err, errors.ErrCriticalFailure) {
		t.Fatalf("expected ErrCriticalFailure, got %v", err)
	}
	if events.has("A:setup") {
		t.Fatal("SetUp must not run when arguments cannot be resolved")
	}
}

func TestFormatExecutionPlan(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()
	registerFake(t, registry, "A", func(state module.State, name string) module.Module {
		return &fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events}
	})

	eng := New(registry)
	recipe := simpleRecipe(
		recipes.ModuleDef{Name: "A", RuntimeName: "a-1", Args: map[string]any{"path": "/tmp"}},
	)
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}

	plan := eng.FormatExecutionPlan()
	if !strings.Contains(plan, "a-1 (A):") {
		t.Fatalf("plan missing module heading:\n%s", plan)
	}
	if !strings.Contains(plan, "path") || !strings.Contains(plan, "/tmp") {
		t.Fatalf("plan missing parameters:\n%s", plan)
	}
}

func TestModuleStatusTransitions(t *testing.T) {
	events := &eventLog{}
	registry := module.NewRegistry()
	registerFake(t, registry, "A", func(state module.State, name string) module.Module {
		return &fakeModule{BaseModule: module.NewBaseModule(state, name, nil), events: events}
	})
	registerFake(t, registry, "Broken", func(state module.State, name string) module.Module {
		return &fakeModule{
			BaseModule: module.NewBaseModule(state, name, nil),
			events:     events,
			processErr: errors.New(name, "boom", false),
		}
	})

	hooks := newRecordingHooks()
	eng := New(registry, WithHooks(hooks))
	recipe := simpleRecipe(
		recipes.ModuleDef{Name: "A"},
		recipes.ModuleDef{Name: "Broken"},
	)
	if err := eng.LoadRecipe(recipe); err != nil {
		t.Fatalf("LoadRecipe failed: %v", err)
	}
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := hooks.lastStatus("A"); got != StatusCompleted {
		t.Fatalf("expected A completed, got %s", got)
	}
	if got := hooks.lastStatus("Broken"); got != StatusError {
		t.Fatalf("expected Broken in error state, got %s", got)
	}
}

func TestPublishMessageReachesHooks(t *testing.T) {
	hooks := newRecordingHooks()
	eng := New(module.NewRegistry(), WithHooks(hooks))

	eng.PublishMessage("mod", "hello", false)

	if len(hooks.messages) != 1 || hooks.messages[0] != "mod: hello" {
		t.Fatalf("unexpected messages: %v", hooks.messages)
	}
}
