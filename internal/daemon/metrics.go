package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dispatchd/dispatchd/internal/cmdqueue"
	"github.com/dispatchd/dispatchd/internal/detector"
)

const meterName = "github.com/dispatchd/dispatchd/daemon"

// daemonMetrics holds the OTel instruments for the control loop. All methods
// are nil-safe so callers don't need to guard against disabled telemetry.
type daemonMetrics struct {
	// tickTotal counts control-loop evaluations.
	tickTotal metric.Int64Counter

	// commandTotal counts issued commands, labeled by command and detector.
	commandTotal metric.Int64Counter
}

// newDaemonMetrics registers the instruments against the global
// MeterProvider. Must be called after telemetry.Init so the provider is set;
// returns no-op instruments when none is configured.
func newDaemonMetrics() (*daemonMetrics, error) {
	m := otel.GetMeterProvider().Meter(meterName)
	dm := &daemonMetrics{}

	var err error
	dm.tickTotal, err = m.Int64Counter("dispatchd.tick.total",
		metric.WithDescription("Total number of control-loop ticks"),
	)
	if err != nil {
		return nil, err
	}
	dm.commandTotal, err = m.Int64Counter("dispatchd.command.total",
		metric.WithDescription("Total number of commands issued to the fleet"),
	)
	if err != nil {
		return nil, err
	}
	return dm, nil
}

// IncTick records one control-loop evaluation.
func (m *daemonMetrics) IncTick(ctx context.Context) {
	if m == nil || m.tickTotal == nil {
		return
	}
	m.tickTotal.Add(ctx, 1)
}

// IncCommand records one issued command.
func (m *daemonMetrics) IncCommand(ctx context.Context, cmd cmdqueue.Kind, det detector.ID) {
	if m == nil || m.commandTotal == nil {
		return
	}
	m.commandTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", string(cmd)),
			attribute.String("detector", string(det)),
		),
	)
}
