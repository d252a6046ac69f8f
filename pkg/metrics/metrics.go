// Package metrics exposes pipeline observation hooks as Prometheus
// collectors: module lifecycle states, progress counters and error counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wehubfusion/Daedalus/pkg/engine"
)

// Hooks routes engine observation calls to Prometheus collectors.
type Hooks struct {
	messagesTotal  *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	moduleStatus   *prometheus.GaugeVec
	moduleProgress *prometheus.GaugeVec
	itemsRetrieved *prometheus.GaugeVec
	itemsDone      *prometheus.CounterVec
}

// Hooks implements both hook surfaces the engine dispatches to.
var (
	_ engine.Hooks       = (*Hooks)(nil)
	_ engine.StatusHooks = (*Hooks)(nil)
)

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daedalus",
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "daedalus",
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewHooks creates the collectors and registers them with the given
// registerer (prometheus.DefaultRegisterer when nil).
func NewHooks(registerer prometheus.Registerer) (*Hooks, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	h := &Hooks{
		messagesTotal: newCounterVec("messages_total",
			"Messages published by modules.", []string{"source", "is_error"}),
		errorsTotal: newCounterVec("errors_total",
			"Error records added to the ledger.", []string{"module"}),
		moduleStatus: newGaugeVec("module_status",
			"Current module lifecycle state (1 for active state).", []string{"module", "status"}),
		moduleProgress: newGaugeVec("module_progress_steps",
			"Module progress steps.", []string{"module", "kind"}),
		itemsRetrieved: newGaugeVec("items_retrieved",
			"Items retrieved for an item-parallel fan-out.", []string{"module"}),
		itemsDone: newCounterVec("items_processed_total",
			"Item worker completions.", []string{"module", "outcome"}),
	}

	for _, c := range []prometheus.Collector{
		h.messagesTotal, h.errorsTotal, h.moduleStatus,
		h.moduleProgress, h.itemsRetrieved, h.itemsDone,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) PublishMessage(source, message string, isError bool) {
	label := "false"
	if isError {
		label = "true"
	}
	h.messagesTotal.WithLabelValues(source, label).Inc()
}

func (h *Hooks) ProgressUpdate(moduleName string, stepsTaken, stepsExpected int) {
	h.moduleProgress.WithLabelValues(moduleName, "taken").Set(float64(stepsTaken))
	h.moduleProgress.WithLabelValues(moduleName, "expected").Set(float64(stepsExpected))
}

// ThreadProgressUpdate is a no-op: per-worker series would explode
// cardinality, so item workers are only counted on completion.
func (h *Hooks) ThreadProgressUpdate(moduleName, workerID string, stepsTaken, stepsExpected int) {}

func (h *Hooks) Error(moduleName, message string) {
	h.errorsTotal.WithLabelValues(moduleName).Inc()
}

func (h *Hooks) ModuleStatus(moduleName string, status engine.Status) {
	for _, s := range []engine.Status{
		engine.StatusPending, engine.StatusSettingUp, engine.StatusPreprocessing,
		engine.StatusProcessing, engine.StatusPostprocessing,
		engine.StatusCompleted, engine.StatusError,
	} {
		value := 0.0
		if s == status {
			value = 1.0
		}
		h.moduleStatus.WithLabelValues(moduleName, string(s)).Set(value)
	}
}

func (h *Hooks) ThreadStatus(moduleName, workerID string, status engine.Status, detail string) {
	switch status {
	case engine.StatusCompleted:
		h.itemsDone.WithLabelValues(moduleName, "success").Inc()
	case engine.StatusError:
		h.itemsDone.WithLabelValues(moduleName, "error").Inc()
	}
}

func (h *Hooks) ItemCount(moduleName string, count int) {
	h.itemsRetrieved.WithLabelValues(moduleName).Set(float64(count))
}
