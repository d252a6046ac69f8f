// Package main provides the entry point for the Daedalus CLI.
//
// Daedalus runs container-passing pipelines described by recipe files.
//
// Usage:
//
//	daedalus run <recipe.yaml> [--option key=value]...
//	daedalus list
//
// See --help for all available options.
package main

func main() {
	Execute()
}
