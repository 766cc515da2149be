package routing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/lattice/internal/ids"
	"github.com/oriys/lattice/internal/invocation"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/metrics"
	"github.com/oriys/lattice/internal/observability"
)

// call tracks one routed invocation for tracing, metrics and the call log.
type call struct {
	strategy   string
	convention string
	app        string
	method     string
	targets    int
	start      time.Time
	span       trace.Span
	traceID    string
}

func begin(ctx context.Context, strategy, convention string, app ids.ApplicationID, inv *invocation.Invocation, targets int) (context.Context, *call) {
	c := &call{
		strategy:   strategy,
		convention: convention,
		method:     inv.FullName(),
		targets:    targets,
		start:      time.Now(),
	}
	if !app.IsZero() {
		c.app = app.String()
	}
	ctx, c.span = observability.StartSpan(ctx, "routing."+strategy,
		observability.AttrStrategy.String(strategy),
		observability.AttrConvention.String(convention),
		observability.AttrApplication.String(c.app),
		observability.AttrMethod.String(c.method),
		observability.AttrFanout.Int(targets),
	)
	c.traceID = observability.GetTraceID(ctx)
	return ctx, c
}

func (c *call) end(err error) {
	observability.End(c.span, err)
	d := time.Since(c.start)
	metrics.Global().RecordRouting(c.strategy, c.convention, c.targets, d, err)

	entry := &logging.CallLog{
		TraceID:     c.traceID,
		Strategy:    c.strategy,
		Convention:  c.convention,
		Application: c.app,
		Method:      c.method,
		Targets:     c.targets,
		DurationMs:  d.Milliseconds(),
		Success:     err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	logging.Default().Log(entry)
}
