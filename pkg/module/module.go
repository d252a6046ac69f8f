// Package module defines the capability contracts pipeline modules
// implement, the state interface they program against, and the registry
// that maps declared module names to factories.
package module

import (
	"context"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/containers"
	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// State is the engine surface exposed to modules: container exchange,
// streaming, the run cache and the observation hooks. All methods are safe
// for concurrent use from any module goroutine.
type State interface {
	// StoreContainer stores a container produced by sourceModule.
	StoreContainer(c containers.Container, sourceModule string)

	// GetContainers retrieves stored containers of a type, optionally
	// popping them and optionally filtered by a metadata pair.
	GetContainers(requestingModule, containerType string, pop bool, metadataKey, metadataValue string) ([]containers.Container, error)

	// StreamContainer pushes a container synchronously to every streaming
	// callback registered for its type.
	StreamContainer(c containers.Container, sourceModule string)

	// RegisterStreamingCallback subscribes fn to containers of the given
	// type streamed during the run.
	RegisterStreamingCallback(containerType string, fn func(containers.Container))

	// AddToCache stores a value in the run cache, overwriting any previous
	// value under the same name.
	AddToCache(name string, value any)

	// GetFromCache returns the cached value for name, or defaultValue if
	// the cache does not contain it.
	GetFromCache(name string, defaultValue any) any

	// PublishMessage forwards a human-facing message to the observation
	// hooks.
	PublishMessage(source, message string, isError bool)

	// ProgressUpdate reports module-level progress to the observation
	// hooks.
	ProgressUpdate(moduleName string, stepsTaken, stepsExpected int)

	// ThreadProgressUpdate reports per-worker progress to the observation
	// hooks.
	ThreadProgressUpdate(moduleName, workerID string, stepsTaken, stepsExpected int)
}

// Module is one pipeline stage. SetUp receives the module's resolved recipe
// arguments; Process performs the whole stage in a single call; CleanUp
// releases any resources SetUp acquired.
//
// Domain failures are returned as *errors.PipelineError with the Critical
// flag chosen by the module; any other error is escalated by the engine to
// a critical, unexpected failure.
type Module interface {
	Name() string
	SetUp(ctx context.Context, args map[string]any) error
	Process(ctx context.Context) error
	CleanUp(ctx context.Context) error
}

// ItemModule is a module that processes stored containers of one type
// item-by-item across a bounded worker pool instead of in a single Process
// call.
type ItemModule interface {
	Module

	// ItemType returns the container type the module consumes.
	ItemType() string

	// WorkerCount returns the maximum number of concurrent item workers.
	WorkerCount() int

	// KeepItems reports whether consumed containers remain visible in the
	// store after retrieval.
	KeepItems() bool

	// PreProcess runs once before any item is dispatched.
	PreProcess(ctx context.Context) error

	// PostProcess runs once after the worker pool has drained.
	PostProcess(ctx context.Context) error

	// ProcessItem is invoked once per retrieved container.
	ProcessItem(ctx context.Context, c containers.Container) error
}

// BaseModule carries the name, state reference and logger shared by module
// implementations. Embed it and implement the Module methods on top.
type BaseModule struct {
	name   string
	state  State
	logger *zap.Logger
}

// NewBaseModule creates the embedded base for a module instance.
func NewBaseModule(state State, name string, logger *zap.Logger) BaseModule {
	if logger == nil {
		logger = zap.NewNop()
	}
	return BaseModule{
		name:   name,
		state:  state,
		logger: logger.With(zap.String("module", name)),
	}
}

// Name returns the module's runtime name.
func (b *BaseModule) Name() string { return b.name }

// State returns the engine surface the module was constructed with.
func (b *BaseModule) State() State { return b.state }

// Logger returns the module's named logger.
func (b *BaseModule) Logger() *zap.Logger { return b.logger }

// PublishMessage logs the message and forwards it to the observation hooks.
func (b *BaseModule) PublishMessage(message string, isError bool) {
	if isError {
		b.logger.Error(message)
	} else {
		b.logger.Info(message)
	}
	b.state.PublishMessage(b.name, message, isError)
}

// CriticalError builds a critical pipeline error attributed to this module.
func (b *BaseModule) CriticalError(message string) *errors.PipelineError {
	return errors.New(b.name, message, true)
}

// ModuleError builds a non-critical pipeline error attributed to this
// module.
func (b *BaseModule) ModuleError(message string) *errors.PipelineError {
	return errors.New(b.name, message, false)
}
