package filesystem

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/containers"
	"github.com/wehubfusion/Daedalus/pkg/module"
)

// Exporter copies collected File containers into a destination directory,
// one worker per file up to the configured worker count.
type Exporter struct {
	module.BaseModule
	directory string
	workers   int
	keep      bool
	copied    atomic.Int64
}

// NewExporter is the registry factory for the filesystem exporter.
func NewExporter(state module.State, name string, logger *zap.Logger) module.Module {
	return &Exporter{BaseModule: module.NewBaseModule(state, name, logger)}
}

// SetUp resolves the destination directory and pool sizing arguments, and
// creates the directory.
func (e *Exporter) SetUp(ctx context.Context, args map[string]any) error {
	directory, err := module.StringArg(args, "directory")
	if err != nil {
		return e.CriticalError(err.Error())
	}
	workers, err := module.IntArg(args, "workers", 4)
	if err != nil {
		return e.CriticalError(err.Error())
	}
	keep, err := module.BoolArg(args, "keep_items", false)
	if err != nil {
		return e.CriticalError(err.Error())
	}

	if err := os.MkdirAll(directory, 0o755); err != nil {
		return e.CriticalError(fmt.Sprintf("cannot create directory %s: %v", directory, err))
	}

	e.directory = directory
	e.workers = workers
	e.keep = keep
	return nil
}

// Process is unused; the engine drives the item-parallel path.
func (e *Exporter) Process(ctx context.Context) error { return nil }

// CleanUp implements module.Module.
func (e *Exporter) CleanUp(ctx context.Context) error { return nil }

// ItemType implements module.ItemModule.
func (e *Exporter) ItemType() string { return containers.TypeFile }

// WorkerCount implements module.ItemModule.
func (e *Exporter) WorkerCount() int { return e.workers }

// KeepItems implements module.ItemModule.
func (e *Exporter) KeepItems() bool { return e.keep }

// PreProcess implements module.ItemModule.
func (e *Exporter) PreProcess(ctx context.Context) error {
	e.copied.Store(0)
	return nil
}

// ProcessItem copies a single file into the destination directory and
// stores a File container pointing at the copy.
func (e *Exporter) ProcessItem(ctx context.Context, c containers.Container) error {
	file, ok := c.(*containers.File)
	if !ok {
		return e.CriticalError(fmt.Sprintf("unexpected container %s", c))
	}

	dest := filepath.Join(e.directory, file.Name)
	if err := copyFile(file.Path, dest); err != nil {
		return e.ModuleError(fmt.Sprintf("cannot export %s: %v", file.Path, err))
	}

	exported := containers.NewFile(file.Name, dest)
	exported.SetMetadata("exported_by", e.Name())
	e.State().StoreContainer(exported, e.Name())

	e.copied.Add(1)
	e.State().ThreadProgressUpdate(e.Name(), file.Name, 1, 1)
	e.Logger().Debug("exported file",
		zap.String("source", file.Path), zap.String("dest", dest))
	return nil
}

// PostProcess publishes a summary of the copy run.
func (e *Exporter) PostProcess(ctx context.Context) error {
	e.PublishMessage(fmt.Sprintf("exported %d file(s) to %s", e.copied.Load(), e.directory), false)
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
