package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpataki/agentrun/internal/models"
)

const meterName = "github.com/mpataki/agentrun/internal/orchestrator"

type instruments struct {
	spawned    metric.Int64Counter
	finished   metric.Int64Counter
	timeouts   metric.Int64Counter
	reconciled metric.Int64Counter
	cancels    metric.Int64Counter
}

// newInstruments registers counters on the global meter provider, which is
// a no-op unless the binary installs one. Registration errors leave a nil
// counter, which record skips.
func newInstruments() *instruments {
	meter := otel.Meter(meterName)
	i := &instruments{}
	i.spawned, _ = meter.Int64Counter("agentrun.runs.spawned",
		metric.WithDescription("Agent processes started"))
	i.finished, _ = meter.Int64Counter("agentrun.runs.finished",
		metric.WithDescription("Runs that reached a terminal status, by status"))
	i.timeouts, _ = meter.Int64Counter("agentrun.runs.startup_timeouts",
		metric.WithDescription("Runs killed for producing no output in time"))
	i.reconciled, _ = meter.Int64Counter("agentrun.runs.reconciled",
		metric.WithDescription("Running rows corrected by the liveness sweep"))
	i.cancels, _ = meter.Int64Counter("agentrun.runs.cancelled",
		metric.WithDescription("Cancellation requests that stopped a run"))
	return i
}

func record(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func statusAttr(s models.RunStatus) attribute.KeyValue {
	return attribute.String("status", string(s))
}
