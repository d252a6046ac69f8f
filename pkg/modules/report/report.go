// Package report provides the report builder module, which aggregates the
// run's collected files into a single human-readable Report container.
package report

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wehubfusion/Daedalus/pkg/containers"
	"github.com/wehubfusion/Daedalus/pkg/module"
)

// Builder summarizes every File container currently in the store into one
// Report container, which it both stores and streams.
type Builder struct {
	module.BaseModule
	title string
}

// NewBuilder is the registry factory for the report builder.
func NewBuilder(state module.State, name string, logger *zap.Logger) module.Module {
	return &Builder{BaseModule: module.NewBaseModule(state, name, logger)}
}

// SetUp resolves the optional "title" argument.
func (b *Builder) SetUp(ctx context.Context, args map[string]any) error {
	title, err := module.OptionalStringArg(args, "title", "collection summary")
	if err != nil {
		return b.CriticalError(err.Error())
	}
	b.title = title
	return nil
}

// Process builds and stores the report. A run with no files still produces
// a report saying so; an upstream collector is responsible for treating an
// empty collection as fatal if that matters.
func (b *Builder) Process(ctx context.Context) error {
	files, err := b.State().GetContainers(b.Name(), containers.TypeFile, false, "", "")
	if err != nil {
		return b.CriticalError(err.Error())
	}

	caser := cases.Title(language.English)
	var text strings.Builder
	fmt.Fprintf(&text, "%s\n\n", caser.String(b.title))
	fmt.Fprintf(&text, "%d file(s) collected:\n", len(files))
	for _, c := range files {
		file, ok := c.(*containers.File)
		if !ok {
			continue
		}
		fmt.Fprintf(&text, "  - %s (%s)\n", file.Name, file.Path)
	}

	rep := containers.NewReport(b.Name(), caser.String(b.title), text.String())
	b.State().StoreContainer(rep, b.Name())
	b.State().StreamContainer(rep, b.Name())

	b.PublishMessage(fmt.Sprintf("report %q covers %d file(s)", rep.Title, len(files)), false)
	return nil
}

// CleanUp implements module.Module.
func (b *Builder) CleanUp(ctx context.Context) error { return nil }
