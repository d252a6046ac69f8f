package engine

import (
	"sync"

	"go.uber.org/zap"
)

// Status describes where a module (or one of its item workers) is in its
// lifecycle. Values are reported to StatusHooks implementations; they never
// influence scheduling.
type Status string

const (
	StatusPending        Status = "pending"
	StatusSettingUp      Status = "setting-up"
	StatusPreprocessing  Status = "preprocessing"
	StatusProcessing     Status = "processing"
	StatusPostprocessing Status = "postprocessing"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusError          Status = "error"
)

// Hooks is the injectable sink for human-facing messages, progress counters
// and error notifications. The engine calls hooks synchronously from
// arbitrary worker goroutines; implementations must be safe for concurrent
// use and must return quickly.
type Hooks interface {
	// PublishMessage receives a human-facing message from a module or the
	// engine.
	PublishMessage(source, message string, isError bool)

	// ProgressUpdate receives module-level progress.
	ProgressUpdate(moduleName string, stepsTaken, stepsExpected int)

	// ThreadProgressUpdate receives per-worker progress for item-parallel
	// modules.
	ThreadProgressUpdate(moduleName, workerID string, stepsTaken, stepsExpected int)

	// Error is notified of every error record added to the ledger.
	Error(moduleName, message string)
}

// StatusHooks is optionally implemented by hook sinks that track module
// lifecycle transitions, such as a live display.
type StatusHooks interface {
	// ModuleStatus reports a module lifecycle transition.
	ModuleStatus(moduleName string, status Status)

	// ThreadStatus reports an item worker transition, with a short
	// description of the item being processed.
	ThreadStatus(moduleName, workerID string, status Status, detail string)

	// ItemCount reports how many items an item-parallel module retrieved.
	ItemCount(moduleName string, count int)
}

// RecipeHooks is optionally implemented by hook sinks that want the module
// graph up front, before any pass starts.
type RecipeHooks interface {
	// SetRecipe announces the recipe about to run.
	SetRecipe(name string)

	// EnqueueModule announces one module of the recipe and its dependency
	// edges. Preflights are announced with preflight set to true.
	EnqueueModule(name, runtimeName string, wants []string, preflight bool)
}

// NopHooks is the default hook sink. Messages become log lines; progress
// updates log a single debug notice on first call, since progress has no
// meaning without an attached display.
type NopHooks struct {
	logger       *zap.Logger
	progressOnce sync.Once
}

// NewNopHooks creates the default hook sink.
func NewNopHooks(logger *zap.Logger) *NopHooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NopHooks{logger: logger}
}

func (h *NopHooks) PublishMessage(source, message string, isError bool) {
	if isError {
		h.logger.Error(message, zap.String("source", source))
		return
	}
	h.logger.Info(message, zap.String("source", source))
}

func (h *NopHooks) ProgressUpdate(moduleName string, stepsTaken, stepsExpected int) {
	h.progressNotice()
}

func (h *NopHooks) ThreadProgressUpdate(moduleName, workerID string, stepsTaken, stepsExpected int) {
	h.progressNotice()
}

func (h *NopHooks) Error(moduleName, message string) {}

func (h *NopHooks) progressNotice() {
	h.progressOnce.Do(func() {
		h.logger.Debug("progress update called without an attached display")
	})
}

// MultiHooks fans every notification out to several sinks in order. Optional
// interfaces are forwarded to the sinks that implement them.
type MultiHooks struct {
	sinks []Hooks
}

// NewMultiHooks combines several hook sinks into one.
func NewMultiHooks(sinks ...Hooks) *MultiHooks {
	return &MultiHooks{sinks: sinks}
}

func (m *MultiHooks) PublishMessage(source, message string, isError bool) {
	for _, s := range m.sinks {
		s.PublishMessage(source, message, isError)
	}
}

func (m *MultiHooks) ProgressUpdate(moduleName string, stepsTaken, stepsExpected int) {
	for _, s := range m.sinks {
		s.ProgressUpdate(moduleName, stepsTaken, stepsExpected)
	}
}

func (m *MultiHooks) ThreadProgressUpdate(moduleName, workerID string, stepsTaken, stepsExpected int) {
	for _, s := range m.sinks {
		s.ThreadProgressUpdate(moduleName, workerID, stepsTaken, stepsExpected)
	}
}

func (m *MultiHooks) Error(moduleName, message string) {
	for _, s := range m.sinks {
		s.Error(moduleName, message)
	}
}

func (m *MultiHooks) ModuleStatus(moduleName string, status Status) {
	for _, s := range m.sinks {
		if sh, ok := s.(StatusHooks); ok {
			sh.ModuleStatus(moduleName, status)
		}
	}
}

func (m *MultiHooks) ThreadStatus(moduleName, workerID string, status Status, detail string) {
	for _, s := range m.sinks {
		if sh, ok := s.(StatusHooks); ok {
			sh.ThreadStatus(moduleName, workerID, status, detail)
		}
	}
}

func (m *MultiHooks) ItemCount(moduleName string, count int) {
	for _, s := range m.sinks {
		if sh, ok := s.(StatusHooks); ok {
			sh.ItemCount(moduleName, count)
		}
	}
}

func (m *MultiHooks) SetRecipe(name string) {
	for _, s := range m.sinks {
		if rh, ok := s.(RecipeHooks); ok {
			rh.SetRecipe(name)
		}
	}
}

func (m *MultiHooks) EnqueueModule(name, runtimeName string, wants []string, preflight bool) {
	for _, s := range m.sinks {
		if rh, ok := s.(RecipeHooks); ok {
			rh.EnqueueModule(name, runtimeName, wants, preflight)
		}
	}
}
