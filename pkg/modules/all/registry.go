// Package all wires every built-in module into a registry.
package all

import (
	"github.com/wehubfusion/Daedalus/pkg/module"
	"github.com/wehubfusion/Daedalus/pkg/modules/blob"
	"github.com/wehubfusion/Daedalus/pkg/modules/envcheck"
	"github.com/wehubfusion/Daedalus/pkg/modules/filesystem"
	"github.com/wehubfusion/Daedalus/pkg/modules/natspub"
	"github.com/wehubfusion/Daedalus/pkg/modules/report"
	"github.com/wehubfusion/Daedalus/pkg/modules/script"
)

// NewRegistry creates a module registry with all built-in modules
// registered under their recipe names.
func NewRegistry() *module.Registry {
	registry := module.NewRegistry()

	registry.MustRegister("FilesystemCollector", filesystem.NewCollector)
	registry.MustRegister("FilesystemExporter", filesystem.NewExporter)
	registry.MustRegister("ReportBuilder", report.NewBuilder)
	registry.MustRegister("ScriptTransform", script.NewTransform)
	registry.MustRegister("NATSExporter", natspub.NewExporter)
	registry.MustRegister("AzureBlobUploader", blob.NewUploader)
	registry.MustRegister("EnvironmentCheck", envcheck.NewPreflight)

	return registry
}
