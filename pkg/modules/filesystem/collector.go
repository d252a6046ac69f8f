// Package filesystem provides the local-filesystem collector and exporter
// modules: the collector globs paths into file containers, the exporter
// copies collected files into a destination directory item by item.
package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/containers"
	"github.com/wehubfusion/Daedalus/pkg/module"
)

// Collector stores a File container for every local path matching its
// configured glob patterns. Each file is also streamed on the callback bus
// as it is found, so downstream subscribers see files before the stage
// finishes.
type Collector struct {
	module.BaseModule
	patterns []string
}

// NewCollector is the registry factory for the filesystem collector.
func NewCollector(state module.State, name string, logger *zap.Logger) module.Module {
	return &Collector{BaseModule: module.NewBaseModule(state, name, logger)}
}

// SetUp resolves the "paths" argument: a list of glob patterns.
func (c *Collector) SetUp(ctx context.Context, args map[string]any) error {
	patterns, err := module.StringListArg(args, "paths")
	if err != nil {
		return c.CriticalError(err.Error())
	}
	c.patterns = patterns
	return nil
}

// Process globs the configured patterns and stores one File container per
// match. Patterns that match nothing are logged; matching nothing at all
// is a critical failure since every later stage would be a no-op.
func (c *Collector) Process(ctx context.Context) error {
	found := 0
	for i, pattern := range c.patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return c.CriticalError(fmt.Sprintf("bad path pattern %q: %v", pattern, err))
		}
		if len(matches) == 0 {
			c.Logger().Warn("pattern matched no files", zap.String("pattern", pattern))
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				c.Logger().Warn("skipping unreadable path",
					zap.String("path", match), zap.Error(err))
				continue
			}
			if info.IsDir() {
				continue
			}
			file := containers.NewFile(filepath.Base(match), match)
			file.SetMetadata("collected_by", c.Name())
			c.State().StoreContainer(file, c.Name())
			c.State().StreamContainer(file, c.Name())
			found++
		}
		c.State().ProgressUpdate(c.Name(), i+1, len(c.patterns))
	}

	if found == 0 {
		return c.CriticalError("no files found for any configured path")
	}
	c.PublishMessage(fmt.Sprintf("collected %d file(s)", found), false)
	return nil
}

// CleanUp implements module.Module.
func (c *Collector) CleanUp(ctx context.Context) error { return nil }
