package otel

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the instruments recorded across the service. All
// fields are non-nil after NewMetrics, including on a no-op meter.
type Metrics struct {
	RouteDuration     metric.Float64Histogram // end-to-end session routing time
	AgentCallDuration metric.Float64Histogram // agent subprocess wall time
	GuardDenials      metric.Int64Counter     // commands blocked by the policy guard
	RestartAttempts   metric.Int64Counter     // watchdog restart cycles started
}

// NewMetrics creates the service instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	routeDur, err := meter.Float64Histogram("tether.route.duration",
		metric.WithDescription("End-to-end session routing duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create route duration histogram: %w", err)
	}
	agentDur, err := meter.Float64Histogram("tether.agent.call.duration",
		metric.WithDescription("Agent subprocess wall-clock duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create agent duration histogram: %w", err)
	}
	denials, err := meter.Int64Counter("tether.guard.denials",
		metric.WithDescription("Commands denied by the policy guard"),
	)
	if err != nil {
		return nil, fmt.Errorf("create guard denial counter: %w", err)
	}
	restarts, err := meter.Int64Counter("tether.watchdog.restart.attempts",
		metric.WithDescription("Watchdog restart cycles started"),
	)
	if err != nil {
		return nil, fmt.Errorf("create restart counter: %w", err)
	}
	return &Metrics{
		RouteDuration:     routeDur,
		AgentCallDuration: agentDur,
		GuardDenials:      denials,
		RestartAttempts:   restarts,
	}, nil
}
