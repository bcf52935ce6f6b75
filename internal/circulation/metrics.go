// internal/circulation/metrics.go
package circulation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type engineMetrics struct {
	promotions  metric.Int64Counter
	expirations metric.Int64Counter
	fines       metric.Int64Counter
	failures    metric.Int64Counter
}

func newEngineMetrics(meter metric.Meter) (*engineMetrics, error) {
	promotions, err := meter.Int64Counter("circulation.promotions",
		metric.WithDescription("Copies handed out by the promotion engine"))
	if err != nil {
		return nil, err
	}
	expirations, err := meter.Int64Counter("circulation.reservations.expired",
		metric.WithDescription("Reservations expired by the sweeper"))
	if err != nil {
		return nil, err
	}
	fines, err := meter.Int64Counter("circulation.fines.updated",
		metric.WithDescription("Fines created or recomputed by accrual"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("circulation.job.failures",
		metric.WithDescription("Per-item failures in periodic jobs"))
	if err != nil {
		return nil, err
	}
	return &engineMetrics{
		promotions:  promotions,
		expirations: expirations,
		fines:       fines,
		failures:    failures,
	}, nil
}

func noopEngineMetrics() *engineMetrics {
	m, _ := newEngineMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

func outcomeAttr(o PromotionOutcome) metric.AddOption {
	return metric.WithAttributes(attribute.String("outcome", string(o)))
}

func jobAttr(job string) metric.AddOption {
	return metric.WithAttributes(attribute.String("job", job))
}
