// Package natspub provides an exporter module that publishes run reports
// to a NATS subject as JSON, both live (through the streaming callback
// bus) and at the end of its own stage for anything produced before it was
// set up.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/containers"
	"github.com/wehubfusion/Daedalus/pkg/module"
)

// reportPayload is the wire form of a published report.
type reportPayload struct {
	ID           string `json:"id"`
	SourceModule string `json:"source_module"`
	Title        string `json:"title"`
	Text         string `json:"text"`
}

// Exporter publishes Report containers to a NATS subject with bounded
// retry. SetUp registers a streaming callback so reports streamed mid-run
// go out immediately; Process sweeps the store for reports produced before
// setup completed.
type Exporter struct {
	module.BaseModule
	url        string
	subject    string
	maxRetries int
	retryDelay time.Duration
	conn       *nats.Conn

	mu        sync.Mutex
	published map[string]bool
}

// NewExporter is the registry factory for the NATS exporter.
func NewExporter(state module.State, name string, logger *zap.Logger) module.Module {
	return &Exporter{
		BaseModule: module.NewBaseModule(state, name, logger),
		published:  make(map[string]bool),
		retryDelay: time.Second,
	}
}

// SetUp connects to the NATS server and subscribes to streamed reports.
func (e *Exporter) SetUp(ctx context.Context, args map[string]any) error {
	url, err := module.OptionalStringArg(args, "url", nats.DefaultURL)
	if err != nil {
		return e.CriticalError(err.Error())
	}
	subject, err := module.StringArg(args, "subject")
	if err != nil {
		return e.CriticalError(err.Error())
	}
	maxRetries, err := module.IntArg(args, "max_retries", 3)
	if err != nil {
		return e.CriticalError(err.Error())
	}

	conn, err := nats.Connect(url,
		nats.Name("daedalus/"+e.Name()),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return e.CriticalError(fmt.Sprintf("cannot connect to NATS at %s: %v", url, err))
	}

	e.url = url
	e.subject = subject
	e.maxRetries = maxRetries
	e.conn = conn

	e.State().RegisterStreamingCallback(containers.TypeReport, func(c containers.Container) {
		rep, ok := c.(*containers.Report)
		if !ok {
			return
		}
		if err := e.publish(rep); err != nil {
			e.Logger().Error("streamed report publish failed",
				zap.String("report", rep.Title), zap.Error(err))
		}
	})

	return nil
}

// Process publishes any stored reports the streaming callback has not
// already sent.
func (e *Exporter) Process(ctx context.Context) error {
	reports, err := e.State().GetContainers(e.Name(), containers.TypeReport, false, "", "")
	if err != nil {
		return e.CriticalError(err.Error())
	}

	sent := 0
	for _, c := range reports {
		rep, ok := c.(*containers.Report)
		if !ok {
			continue
		}
		if err := e.publish(rep); err != nil {
			return e.ModuleError(fmt.Sprintf("publish failed for %q: %v", rep.Title, err))
		}
		sent++
	}

	if err := e.conn.Flush(); err != nil {
		return e.ModuleError(fmt.Sprintf("flush failed: %v", err))
	}
	e.PublishMessage(fmt.Sprintf("published %d report(s) to %s", sent, e.subject), false)
	return nil
}

// CleanUp drains the NATS connection.
func (e *Exporter) CleanUp(ctx context.Context) error {
	if e.conn == nil {
		return nil
	}
	if err := e.conn.Drain(); err != nil {
		return e.ModuleError(fmt.Sprintf("drain failed: %v", err))
	}
	return nil
}

// publish sends one report, retrying transient failures. Reports already
// published (for example through the streaming callback) are skipped.
func (e *Exporter) publish(rep *containers.Report) error {
	e.mu.Lock()
	if e.published[rep.ID] {
		e.mu.Unlock()
		return nil
	}
	e.published[rep.ID] = true
	e.mu.Unlock()

	data, err := json.Marshal(reportPayload{
		ID:           rep.ID,
		SourceModule: rep.SourceModule,
		Title:        rep.Title,
		Text:         rep.Text,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.retryDelay)
		}
		if lastErr = e.conn.Publish(e.subject, data); lastErr == nil {
			e.Logger().Debug("report published",
				zap.String("subject", e.subject), zap.String("report", rep.Title))
			return nil
		}
		e.Logger().Warn("publish attempt failed",
			zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}

	// Allow a later retry to attempt this report again.
	e.mu.Lock()
	delete(e.published, rep.ID)
	e.mu.Unlock()
	return lastErr
}
