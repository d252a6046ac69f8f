package engine

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// SentryReporter forwards unexpected errors to Sentry. The engine works
// without one; wire it with WithReporter when a DSN is available.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter creates a reporter with its own hub, so captures do not
// interfere with any global Sentry state the embedding process maintains.
func NewSentryReporter(dsn, environment string) (*SentryReporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, err
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// CaptureUnexpected reports one unexpected pipeline error.
func (r *SentryReporter) CaptureUnexpected(err *errors.PipelineError) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("source_module", err.Source)
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent. Call before process exit.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
