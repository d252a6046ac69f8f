// Package script provides an item-parallel module that evaluates a
// JavaScript expression against each consumed container and records the
// result as a ticket attribute.
package script

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/containers"
	"github.com/wehubfusion/Daedalus/pkg/module"
)

// Transform compiles the configured script once and evaluates it per item.
// The script sees the container's attributes as the global `item` and its
// final expression value becomes the stored attribute value.
//
// A goja runtime is not safe for concurrent use, so each item evaluation
// gets a fresh runtime over the shared compiled program.
type Transform struct {
	module.BaseModule
	program   *goja.Program
	itemType  string
	attribute string
	workers   int
	keep      bool
}

// NewTransform is the registry factory for the script transform.
func NewTransform(state module.State, name string, logger *zap.Logger) module.Module {
	return &Transform{BaseModule: module.NewBaseModule(state, name, logger)}
}

// SetUp compiles the "script" argument and resolves fan-out options.
func (t *Transform) SetUp(ctx context.Context, args map[string]any) error {
	src, err := module.StringArg(args, "script")
	if err != nil {
		return t.CriticalError(err.Error())
	}
	itemType, err := module.OptionalStringArg(args, "item_type", containers.TypeReport)
	if err != nil {
		return t.CriticalError(err.Error())
	}
	attribute, err := module.OptionalStringArg(args, "attribute", "annotation")
	if err != nil {
		return t.CriticalError(err.Error())
	}
	workers, err := module.IntArg(args, "workers", 2)
	if err != nil {
		return t.CriticalError(err.Error())
	}
	keep, err := module.BoolArg(args, "keep_items", true)
	if err != nil {
		return t.CriticalError(err.Error())
	}

	program, err := goja.Compile(t.Name()+".js", src, true)
	if err != nil {
		return t.CriticalError(fmt.Sprintf("script does not compile: %v", err))
	}

	t.program = program
	t.itemType = itemType
	t.attribute = attribute
	t.workers = workers
	t.keep = keep
	return nil
}

// Process is unused; the engine drives the item-parallel path.
func (t *Transform) Process(ctx context.Context) error { return nil }

// CleanUp implements module.Module.
func (t *Transform) CleanUp(ctx context.Context) error { return nil }

// ItemType implements module.ItemModule.
func (t *Transform) ItemType() string { return t.itemType }

// WorkerCount implements module.ItemModule.
func (t *Transform) WorkerCount() int { return t.workers }

// KeepItems implements module.ItemModule.
func (t *Transform) KeepItems() bool { return t.keep }

// PreProcess implements module.ItemModule.
func (t *Transform) PreProcess(ctx context.Context) error { return nil }

// PostProcess implements module.ItemModule.
func (t *Transform) PostProcess(ctx context.Context) error { return nil }

// ProcessItem evaluates the script against one container.
func (t *Transform) ProcessItem(ctx context.Context, c containers.Container) error {
	vm := goja.New()
	if err := vm.Set("item", itemValue(c)); err != nil {
		return t.ModuleError(fmt.Sprintf("cannot bind item: %v", err))
	}

	value, err := vm.RunProgram(t.program)
	if err != nil {
		return t.ModuleError(fmt.Sprintf("script failed on %s: %v", c, err))
	}

	attr := containers.NewTicketAttribute(t.attribute, value.String())
	attr.SetMetadata("scripted_by", t.Name())
	t.State().StoreContainer(attr, t.Name())

	t.Logger().Debug("script evaluated",
		zap.String("item", c.String()),
		zap.String("attribute", t.attribute))
	return nil
}

// itemValue exposes a container's attributes to the script.
func itemValue(c containers.Container) map[string]any {
	item := map[string]any{"type": c.ContainerType()}
	switch v := c.(type) {
	case *containers.File:
		item["name"] = v.Name
		item["path"] = v.Path
	case *containers.Report:
		item["title"] = v.Title
		item["text"] = v.Text
		item["source_module"] = v.SourceModule
	case *containers.Host:
		item["hostname"] = v.Hostname
	case *containers.TicketAttribute:
		item["name"] = v.Name
		item["value"] = v.Value
	default:
		item["description"] = c.String()
	}
	if meta := c.Metadata(); len(meta) > 0 {
		metadata := make(map[string]any, len(meta))
		for k, v := range meta {
			metadata[k] = v
		}
		item["metadata"] = metadata
	}
	return item
}
