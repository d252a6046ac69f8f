package engine

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// reportURL is included in the escalation notice emitted when unexpected
// errors are found.
const reportURL = "https://github.com/wehubfusion/Daedalus/issues/new"

// Reporter receives unexpected errors for out-of-band reporting. Optional;
// see SentryReporter.
type Reporter interface {
	CaptureUnexpected(err *errors.PipelineError)
}

// Ledger accumulates error records for the run. Errors land in run scope
// and are moved to global scope at each module-completion boundary, so they
// are durably recorded even though run scope is logically "the current
// module's errors". A critical error sets the one-way abort flag.
type Ledger struct {
	mu            sync.Mutex
	runErrors     []*errors.PipelineError
	globalErrors  []*errors.PipelineError
	globalChecked int
	abort         bool

	logger   *zap.Logger
	hooks    Hooks
	reporter Reporter
}

// NewLedger creates an empty ledger. hooks and reporter may be nil.
func NewLedger(logger *zap.Logger, hooks Hooks, reporter Reporter) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{logger: logger, hooks: hooks, reporter: reporter}
}

// AddError appends an error record to run scope. A critical record sets
// the abort flag; once set, the flag never clears within the run.
func (l *Ledger) AddError(err *errors.PipelineError) {
	l.mu.Lock()
	if err.Critical {
		l.abort = true
	}
	l.runErrors = append(l.runErrors, err)
	hooks := l.hooks
	l.mu.Unlock()

	if hooks != nil {
		source := err.Source
		if source == "" {
			source = "unknown"
		}
		hooks.Error(source, err.Message)
	}
}

// Aborted reports whether a critical error has been recorded.
func (l *Ledger) Aborted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.abort
}

// CleanUp moves all run-scope errors into global scope. Called once per
// module task after it finishes.
func (l *Ledger) CleanUp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalErrors = append(l.globalErrors, l.runErrors...)
	l.runErrors = nil
}

// RunErrors returns a copy of the current run-scope errors.
func (l *Ledger) RunErrors() []*errors.PipelineError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*errors.PipelineError(nil), l.runErrors...)
}

// GlobalErrors returns a copy of the accumulated global errors.
func (l *Ledger) GlobalErrors() []*errors.PipelineError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*errors.PipelineError(nil), l.globalErrors...)
}

// CheckErrors logs every error in the requested scope and returns
// ErrCriticalFailure if any of them is critical. For global scope, only
// errors added since the previous check are examined, so a check with no
// new errors logs nothing and returns nil.
//
// Unexpected errors additionally emit an escalation notice and are passed
// to the reporter, if one is configured.
func (l *Ledger) CheckErrors(global bool) error {
	l.mu.Lock()
	var scope []*errors.PipelineError
	if global {
		scope = append(scope, l.globalErrors[l.globalChecked:]...)
		l.globalChecked = len(l.globalErrors)
	} else {
		scope = append(scope, l.runErrors...)
	}
	reporter := l.reporter
	l.mu.Unlock()

	if len(scope) == 0 {
		return nil
	}

	l.logger.Error("pipeline encountered one or more errors",
		zap.Int("count", len(scope)))

	critical := false
	unexpected := false
	for i, err := range scope {
		l.logger.Error(fmt.Sprintf("%d: error from %s: %s", i+1, err.Source, err.Message))
		if err.Stacktrace != "" {
			for _, line := range strings.Split(err.Stacktrace, "\n") {
				l.logger.Error(line)
			}
		}
		if err.Critical {
			critical = true
		}
		if err.Unexpected {
			unexpected = true
			if reporter != nil {
				reporter.CaptureUnexpected(err)
			}
		}
	}

	if unexpected {
		l.logger.Error("one or more unexpected errors occurred")
		l.logger.Error("please consider opening an issue: " + reportURL)
	}

	if critical {
		return errors.ErrCriticalFailure
	}
	return nil
}
