// Package envcheck provides a preflight module that verifies the process
// environment before any pipeline stage runs: required environment
// variables are set, and the scratch directory is writable.
package envcheck

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/containers"
	"github.com/wehubfusion/Daedalus/pkg/module"
)

// Preflight fails the run early when its environment requirements are not
// met. It also stores a Host container for the local machine so later
// stages can reference it.
type Preflight struct {
	module.BaseModule
	required   []string
	scratchDir string
}

// NewPreflight is the registry factory for the environment check.
func NewPreflight(state module.State, name string, logger *zap.Logger) module.Module {
	return &Preflight{BaseModule: module.NewBaseModule(state, name, logger)}
}

// SetUp resolves the optional "required_env" list and "scratch_directory".
func (p *Preflight) SetUp(ctx context.Context, args map[string]any) error {
	if _, ok := args["required_env"]; ok {
		required, err := module.StringListArg(args, "required_env")
		if err != nil {
			return p.CriticalError(err.Error())
		}
		p.required = required
	}
	scratch, err := module.OptionalStringArg(args, "scratch_directory", "")
	if err != nil {
		return p.CriticalError(err.Error())
	}
	p.scratchDir = scratch
	return nil
}

// Process performs the checks. Every failure here is critical: the run
// cannot meaningfully continue in a broken environment.
func (p *Preflight) Process(ctx context.Context) error {
	for _, name := range p.required {
		if os.Getenv(name) == "" {
			return p.CriticalError(fmt.Sprintf("required environment variable %s is not set", name))
		}
	}

	if p.scratchDir != "" {
		if err := os.MkdirAll(p.scratchDir, 0o755); err != nil {
			return p.CriticalError(fmt.Sprintf("cannot create scratch directory %s: %v", p.scratchDir, err))
		}
		probe := filepath.Join(p.scratchDir, ".daedalus-write-check")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return p.CriticalError(fmt.Sprintf("scratch directory %s is not writable: %v", p.scratchDir, err))
		}
		if err := os.Remove(probe); err != nil {
			p.Logger().Warn("could not remove write probe", zap.Error(err))
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		p.Logger().Warn("could not resolve hostname", zap.Error(err))
		hostname = "localhost"
	}
	p.State().StoreContainer(containers.NewHost(hostname), p.Name())

	p.PublishMessage("environment check passed", false)
	return nil
}

// CleanUp implements module.Module.
func (p *Preflight) CleanUp(ctx context.Context) error { return nil }
