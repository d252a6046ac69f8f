// Package recipes defines the declarative recipe schema: a named pipeline
// of preflight and module definitions with dependency edges, loaded from
// yaml documents.
package recipes

import (
	"fmt"
	"strings"
)

// ModuleDef declares one pipeline stage in a recipe.
type ModuleDef struct {
	// Name is the registered module name.
	Name string `yaml:"name"`

	// RuntimeName distinguishes multiple instances of the same module in
	// one recipe. Defaults to Name.
	RuntimeName string `yaml:"runtime_name,omitempty"`

	// Args maps module parameter names to values. String values of the
	// form "@option" are substituted from run options at load time.
	Args map[string]any `yaml:"args,omitempty"`

	// Wants lists the runtime names of modules whose run-pass completion
	// must precede this module's run-pass start.
	Wants []string `yaml:"wants,omitempty"`
}

// Runtime returns the definition's runtime name, defaulting to the module
// name.
func (d ModuleDef) Runtime() string {
	if d.RuntimeName != "" {
		return d.RuntimeName
	}
	return d.Name
}

// Recipe is the immutable declaration of a pipeline run.
type Recipe struct {
	// Name identifies the recipe.
	Name string `yaml:"name"`

	// Description is an optional human-readable summary.
	Description string `yaml:"description,omitempty"`

	// Preflights run sequentially, to completion, before the setup pass.
	Preflights []ModuleDef `yaml:"preflights,omitempty"`

	// Modules are the main pipeline stages.
	Modules []ModuleDef `yaml:"modules"`
}

// Validate checks the recipe for structural errors: missing names,
// duplicate runtime names, wants edges pointing at unknown runtime names,
// and dependency cycles. A cyclic wants graph would otherwise hang the run
// barrier forever, so it is rejected at load time.
func (r *Recipe) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("recipe has no name")
	}
	if len(r.Modules) == 0 {
		return fmt.Errorf("recipe %q declares no modules", r.Name)
	}

	runtimes := make(map[string]bool)
	for _, def := range append(append([]ModuleDef{}, r.Preflights...), r.Modules...) {
		if def.Name == "" {
			return fmt.Errorf("recipe %q: module definition with no name", r.Name)
		}
		runtime := def.Runtime()
		if runtimes[runtime] {
			return fmt.Errorf("recipe %q: duplicate runtime name %q", r.Name, runtime)
		}
		runtimes[runtime] = true
	}

	edges := make(map[string][]string)
	for _, def := range r.Modules {
		for _, want := range def.Wants {
			if !runtimes[want] {
				return fmt.Errorf("recipe %q: module %q wants unknown module %q",
					r.Name, def.Runtime(), want)
			}
			edges[def.Runtime()] = append(edges[def.Runtime()], want)
		}
	}
	for _, def := range r.Preflights {
		if len(def.Wants) > 0 {
			return fmt.Errorf("recipe %q: preflight %q cannot declare wants",
				r.Name, def.Runtime())
		}
	}

	if cycle := findCycle(edges); cycle != nil {
		return fmt.Errorf("recipe %q: dependency cycle: %s",
			r.Name, strings.Join(cycle, " -> "))
	}

	return nil
}

// findCycle runs a DFS over the wants edges and returns the first cycle
// found, or nil.
func findCycle(edges map[string][]string) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)

	var visit func(name string, path []string) []string
	visit = func(name string, path []string) []string {
		state[name] = visiting
		path = append(path, name)
		for _, dep := range edges[name] {
			switch state[dep] {
			case visiting:
				return append(path, dep)
			case unvisited:
				if cycle := visit(dep, path); cycle != nil {
					return cycle
				}
			}
		}
		state[name] = done
		return nil
	}

	for name := range edges {
		if state[name] == unvisited {
			if cycle := visit(name, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
