// Package engine implements the pipeline orchestrator: it owns the module
// instance pool, drives the preflight, setup and run passes, performs
// dependency waiting over per-module completion signals, fans item-parallel
// modules out across bounded worker pools, and aggregates errors with
// critical/abort propagation.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Daedalus/pkg/containers"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/module"
	"github.com/wehubfusion/Daedalus/pkg/recipes"
)

// Engine is the pipeline orchestrator. Create one per run with New, load a
// recipe, then drive RunPreflights, SetupModules and RunModules in order,
// checking the ledger between passes (Run does all of this).
type Engine struct {
	logger   *zap.Logger
	registry *module.Registry
	store    *containers.Store
	hooks    Hooks
	reporter Reporter
	tracer   trace.Tracer
	options  map[string]string

	ledger  *Ledger
	signals *signalTable
	bus     *streamBus

	recipe   *recipes.Recipe
	pool     map[string]module.Module
	itemPool map[string]module.ItemModule

	cacheMu sync.Mutex
	cache   map[string]any
}

// Engine implements the state surface modules program against.
var _ module.State = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithHooks sets the observation hook sink. Defaults to NopHooks.
func WithHooks(hooks Hooks) Option {
	return func(e *Engine) { e.hooks = hooks }
}

// WithReporter sets the unexpected-error reporter.
func WithReporter(reporter Reporter) Option {
	return func(e *Engine) { e.reporter = reporter }
}

// WithStore sets the container store. Defaults to a fresh store scoped to
// this engine.
func WithStore(store *containers.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithOptions sets the run options used for "@option" argument
// interpolation.
func WithOptions(options map[string]string) Option {
	return func(e *Engine) { e.options = options }
}

// WithTracer sets the tracer used for pass and module spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// New creates an engine backed by the given module registry.
func New(registry *module.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		signals:  newSignalTable(),
		bus:      newStreamBus(),
		pool:     make(map[string]module.Module),
		itemPool: make(map[string]module.ItemModule),
		cache:    make(map[string]any),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.hooks == nil {
		e.hooks = NewNopHooks(e.logger)
	}
	if e.store == nil {
		e.store = containers.NewStore(e.logger)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("daedalus/engine")
	}
	e.ledger = NewLedger(e.logger, e.hooks, e.reporter)
	return e
}

// Ledger returns the engine's error ledger for caller inspection.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Store returns the engine's container store.
func (e *Engine) Store() *containers.Store { return e.store }

// LoadRecipe validates the recipe and populates the module pool, the
// completion signal table and the capability index. Module instances are
// created once and live for the whole run.
func (e *Engine) LoadRecipe(recipe *recipes.Recipe) error {
	if err := recipe.Validate(); err != nil {
		return err
	}
	e.recipe = recipe

	if rh, ok := e.hooks.(RecipeHooks); ok {
		rh.SetRecipe(recipe.Name)
		for _, def := range recipe.Preflights {
			rh.EnqueueModule(def.Name, def.Runtime(), def.Wants, true)
		}
		for _, def := range recipe.Modules {
			rh.EnqueueModule(def.Name, def.Runtime(), def.Wants, false)
		}
	}

	for _, def := range append(append([]recipes.ModuleDef{}, recipe.Preflights...), recipe.Modules...) {
		runtimeName := def.Runtime()
		factory, err := e.registry.Get(def.Name)
		if err != nil {
			return fmt.Errorf("in %s: %w", recipe.Name, err)
		}
		e.logger.Debug("loading module",
			zap.String("name", def.Name),
			zap.String("runtime_name", runtimeName))

		m := factory(e, runtimeName, e.logger)
		e.pool[runtimeName] = m
		if im, ok := m.(module.ItemModule); ok {
			e.itemPool[runtimeName] = im
		}
		e.signals.Register(runtimeName)
	}

	return nil
}

// FormatExecutionPlan returns a human-readable listing of the loaded
// modules and their resolved parameters.
func (e *Engine) FormatExecutionPlan() string {
	var plan strings.Builder
	maxlen := 0

	defs := append(append([]recipes.ModuleDef{}, e.recipe.Preflights...), e.recipe.Modules...)
	for _, def := range defs {
		for key := range def.Args {
			if len(key) > maxlen {
				maxlen = len(key)
			}
		}
	}

	for _, def := range defs {
		if def.RuntimeName != "" {
			fmt.Fprintf(&plan, "%s (%s):\n", def.RuntimeName, def.Name)
		} else {
			fmt.Fprintf(&plan, "%s:\n", def.Name)
		}
		if len(def.Args) == 0 {
			plan.WriteString("  *No params*\n")
			continue
		}
		for _, key := range sortedKeys(def.Args) {
			fmt.Fprintf(&plan, "  %-*s%v\n", maxlen+3, key, def.Args[key])
		}
	}

	return plan.String()
}

// RunPreflights runs preflight modules strictly sequentially: each one is
// set up and processed to completion before the next begins, and a critical
// failure stops the run immediately. Preflights never use the item-parallel
// path.
func (e *Engine) RunPreflights(ctx context.Context) error {
	for _, def := range e.recipe.Preflights {
		runtimeName := def.Runtime()
		m := e.pool[runtimeName]
		e.logger.Info("running preflight", zap.String("module", runtimeName))

		func() {
			defer e.recoverToLedger(runtimeName)
			defer e.signals.Signal(runtimeName)

			args, err := recipes.InterpolateArgs(def.Args, e.options)
			if err != nil {
				e.ledger.AddError(errors.Wrap(runtimeName, "argument resolution failed", true, err))
				return
			}
			e.moduleStatus(runtimeName, StatusSettingUp)
			if err := m.SetUp(ctx, args); err != nil {
				e.recordError(runtimeName, err)
				e.moduleStatus(runtimeName, StatusError)
				return
			}
			e.moduleStatus(runtimeName, StatusProcessing)
			if err := m.Process(ctx); err != nil {
				e.recordError(runtimeName, err)
				e.moduleStatus(runtimeName, StatusError)
				return
			}
			e.moduleStatus(runtimeName, StatusCompleted)
		}()

		e.ledger.CleanUp()
		if err := e.ledger.CheckErrors(true); err != nil {
			return err
		}
	}
	return nil
}

// CleanUpPreflights runs the cleanup step of every preflight module.
func (e *Engine) CleanUpPreflights(ctx context.Context) error {
	for _, def := range e.recipe.Preflights {
		runtimeName := def.Runtime()
		func() {
			defer e.recoverToLedger(runtimeName)
			if err := e.pool[runtimeName].CleanUp(ctx); err != nil {
				e.recordError(runtimeName, err)
			}
		}()
		e.ledger.CleanUp()
		if err := e.ledger.CheckErrors(true); err != nil {
			return err
		}
	}
	return nil
}

// SetupModules runs every declared module's SetUp concurrently. Setup has
// no dependency ordering: every module's SetUp is assumed independent and
// safe to run in parallel with every other module's SetUp. All tasks are
// joined before the ledger is checked.
func (e *Engine) SetupModules(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "daedalus.SetupModules")
	defer span.End()

	var wg sync.WaitGroup
	for _, def := range e.recipe.Modules {
		wg.Add(1)
		go func(def recipes.ModuleDef) {
			defer wg.Done()
			e.setupModuleTask(ctx, def)
		}(def)
	}
	wg.Wait()

	err := e.ledger.CheckErrors(true)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) setupModuleTask(ctx context.Context, def recipes.ModuleDef) {
	runtimeName := def.Runtime()
	e.logger.Info("setting up module", zap.String("module", runtimeName))

	func() {
		defer e.recoverToLedger(runtimeName)

		args, err := recipes.InterpolateArgs(def.Args, e.options)
		if err != nil {
			e.ledger.AddError(errors.Wrap(runtimeName, "argument resolution failed", true, err))
			return
		}
		e.moduleStatus(runtimeName, StatusSettingUp)
		if err := e.pool[runtimeName].SetUp(ctx, args); err != nil {
			e.recordError(runtimeName, err)
			e.moduleStatus(runtimeName, StatusError)
			return
		}
		e.moduleStatus(runtimeName, StatusPending)
	}()

	e.ledger.CleanUp()
}

// RunModules performs the run pass: one concurrent task per declared
// module, each waiting on its dependencies' completion signals before
// doing stage work. All tasks are joined before the ledger is checked.
func (e *Engine) RunModules(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "daedalus.RunModules")
	defer span.End()

	// Consumer registration happens here rather than at load time because
	// an item module's consumed type may depend on its SetUp arguments.
	for _, def := range e.recipe.Modules {
		if im, ok := e.itemPool[def.Runtime()]; ok {
			e.store.RegisterConsumer(im.ItemType(), def.Runtime())
		}
	}

	var wg sync.WaitGroup
	for _, def := range e.recipe.Modules {
		wg.Add(1)
		go func(def recipes.ModuleDef) {
			defer wg.Done()
			e.runModuleTask(ctx, def)
		}(def)
	}
	wg.Wait()

	err := e.ledger.CheckErrors(true)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) runModuleTask(ctx context.Context, def recipes.ModuleDef) {
	runtimeName := def.Runtime()

	for _, dep := range def.Wants {
		if err := e.signals.Wait(dep); err != nil {
			e.ledger.AddError(errors.Wrap(runtimeName, "dependency wait failed", true, err))
			break
		}
	}

	// The abort flag is consulted exactly once, before any stage work. A
	// module already running is never interrupted.
	if e.ledger.Aborted() {
		e.logger.Error("aborting module due to previous errors",
			zap.String("module", runtimeName))
		e.signals.Signal(runtimeName)
		e.ledger.CleanUp()
		return
	}

	e.logger.Info("running module", zap.String("module", runtimeName))

	func() {
		defer e.recoverToLedger(runtimeName)

		ctx, span := e.tracer.Start(ctx, "daedalus.Module",
			trace.WithAttributes(attribute.String("module", runtimeName)))
		defer span.End()

		var err error
		if im, ok := e.itemPool[runtimeName]; ok {
			err = e.runItemParallel(ctx, im)
		} else {
			e.moduleStatus(runtimeName, StatusProcessing)
			err = e.pool[runtimeName].Process(ctx)
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.recordError(runtimeName, err)
			e.moduleStatus(runtimeName, StatusError)
			return
		}
		e.moduleStatus(runtimeName, StatusCompleted)
	}()

	e.logger.Info("module finished execution", zap.String("module", runtimeName))

	// The signal is set on every path so a dependent never waits forever
	// on a failed dependency.
	e.signals.Signal(runtimeName)

	if err := e.store.CompleteModule(runtimeName); err != nil {
		e.logger.Warn("store completion hook failed",
			zap.String("module", runtimeName), zap.Error(err))
	}

	e.ledger.CleanUp()
}

// runItemParallel drives an item-parallel module: retrieve the module's
// items, PreProcess once, dispatch one task per item across a pool bounded
// at the module's worker count, drain, PostProcess once, then escalate the
// first failure. Zero items is not an error.
func (e *Engine) runItemParallel(ctx context.Context, im module.ItemModule) error {
	name := im.Name()

	items, err := e.store.GetContainers(name, im.ItemType(), !im.KeepItems(), "", "")
	if err != nil {
		return err
	}

	workers := im.WorkerCount()
	if workers <= 0 {
		workers = 1
	}

	e.logger.Info("running item fan-out",
		zap.String("module", name),
		zap.Int("items", len(items)),
		zap.Int("workers", workers))
	e.itemCount(name, len(items))

	e.moduleStatus(name, StatusPreprocessing)
	if err := im.PreProcess(ctx); err != nil {
		return err
	}
	e.moduleStatus(name, StatusProcessing)

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, item := range items {
		workerID := strconv.Itoa(i)
		g.Go(func() error {
			e.threadStatus(name, workerID, StatusRunning, item.String())

			var itemErr error
			func() {
				defer func() {
					if r := recover(); r != nil {
						itemErr = fmt.Errorf("panic processing %s: %v", item, r)
					}
				}()
				itemErr = im.ProcessItem(ctx, item)
			}()

			if itemErr != nil {
				e.logger.Error("item processing failed",
					zap.String("module", name),
					zap.String("item", item.String()),
					zap.Error(itemErr))
				e.threadStatus(name, workerID, StatusError, item.String())
				return itemErr
			}
			e.threadStatus(name, workerID, StatusCompleted, item.String())
			return nil
		})
	}
	firstErr := g.Wait()

	e.moduleStatus(name, StatusPostprocessing)
	if err := im.PostProcess(ctx); err != nil {
		return err
	}

	return firstErr
}

// Run drives the whole pipeline: preflights, setup pass, run pass, then
// preflight cleanup. It stops at the first barrier that reports a critical
// failure; preflight cleanup runs regardless.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if err := e.CleanUpPreflights(ctx); err != nil {
			e.logger.Error("preflight cleanup failed", zap.Error(err))
		}
	}()

	if err := e.RunPreflights(ctx); err != nil {
		return err
	}
	if err := e.SetupModules(ctx); err != nil {
		return err
	}
	return e.RunModules(ctx)
}

// recordError ledgers a module failure under the escalation policy: a
// *errors.PipelineError keeps the critical flag its raiser chose; any other
// error kind is forced to critical and unexpected.
func (e *Engine) recordError(runtimeName string, err error) {
	if perr := errors.AsPipelineError(err); perr != nil {
		if perr.Source == "" {
			perr.Source = runtimeName
		}
		if perr.Critical {
			e.logger.Error("critical error in module, aborting run",
				zap.String("module", runtimeName),
				zap.String("error", perr.Message))
		}
		e.ledger.AddError(perr)
		return
	}

	msg := fmt.Sprintf("unexpected error in module %s: %v", runtimeName, err)
	e.logger.Error(msg)
	e.ledger.AddError(&errors.PipelineError{
		Message:    msg,
		Source:     runtimeName,
		Critical:   true,
		Unexpected: true,
		Err:        err,
	})
}

// recoverToLedger converts a module panic into a critical unexpected error
// record, so a misbehaving module never crashes the whole process.
func (e *Engine) recoverToLedger(runtimeName string) {
	if r := recover(); r != nil {
		e.ledger.AddError(&errors.PipelineError{
			Message:    fmt.Sprintf("panic in module %s: %v", runtimeName, r),
			Source:     runtimeName,
			Critical:   true,
			Unexpected: true,
			Stacktrace: string(debug.Stack()),
		})
	}
}

func (e *Engine) moduleStatus(moduleName string, status Status) {
	if sh, ok := e.hooks.(StatusHooks); ok {
		sh.ModuleStatus(moduleName, status)
	}
}

func (e *Engine) threadStatus(moduleName, workerID string, status Status, detail string) {
	if sh, ok := e.hooks.(StatusHooks); ok {
		sh.ThreadStatus(moduleName, workerID, status, detail)
	}
}

func (e *Engine) itemCount(moduleName string, count int) {
	if sh, ok := e.hooks.(StatusHooks); ok {
		sh.ItemCount(moduleName, count)
	}
}

// StoreContainer stores a container produced by sourceModule.
func (e *Engine) StoreContainer(c containers.Container, sourceModule string) {
	e.store.StoreContainer(c, sourceModule)
}

// GetContainers retrieves previously stored containers.
func (e *Engine) GetContainers(requestingModule, containerType string, pop bool, metadataKey, metadataValue string) ([]containers.Container, error) {
	return e.store.GetContainers(requestingModule, containerType, pop, metadataKey, metadataValue)
}

// StreamContainer pushes a container synchronously to the streaming
// callbacks registered for its type, on the caller's own goroutine.
func (e *Engine) StreamContainer(c containers.Container, sourceModule string) {
	e.bus.Stream(c)
}

// RegisterStreamingCallback appends a subscriber for a container type.
func (e *Engine) RegisterStreamingCallback(containerType string, fn func(containers.Container)) {
	e.bus.Register(containerType, fn)
}

// AddToCache stores a value in the run cache, overwriting any previous
// value under the same name.
func (e *Engine) AddToCache(name string, value any) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache[name] = value
}

// GetFromCache returns the cached value for name, or defaultValue if not
// present.
func (e *Engine) GetFromCache(name string, defaultValue any) any {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if value, ok := e.cache[name]; ok {
		return value
	}
	return defaultValue
}

// PublishMessage logs a human-facing message and forwards it to the hooks.
func (e *Engine) PublishMessage(source, message string, isError bool) {
	if isError {
		e.logger.Error(message, zap.String("source", source))
	} else {
		e.logger.Info(message, zap.String("source", source))
	}
	e.hooks.PublishMessage(source, message, isError)
}

// ProgressUpdate forwards module-level progress to the hooks.
func (e *Engine) ProgressUpdate(moduleName string, stepsTaken, stepsExpected int) {
	e.hooks.ProgressUpdate(moduleName, stepsTaken, stepsExpected)
}

// ThreadProgressUpdate forwards per-worker progress to the hooks.
func (e *Engine) ThreadProgressUpdate(moduleName, workerID string, stepsTaken, stepsExpected int) {
	e.hooks.ThreadProgressUpdate(moduleName, workerID, stepsTaken, stepsExpected)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
