package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"courtbot/court"
)

const meterName = "courtbot/scheduler"

type instruments struct {
	opened    metric.Int64Counter
	closed    metric.Int64Counter
	cancelled metric.Int64Counter
	votes     metric.Int64Counter
	open      metric.Int64UpDownCounter
}

func newInstruments(mp metric.MeterProvider) *instruments {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	inst, err := buildInstruments(mp.Meter(meterName))
	if err != nil {
		inst, _ = buildInstruments(noop.NewMeterProvider().Meter(meterName))
	}
	return inst
}

func buildInstruments(meter metric.Meter) (*instruments, error) {
	var (
		inst instruments
		err  error
	)
	if inst.opened, err = meter.Int64Counter("court.cases.opened",
		metric.WithDescription("Cases moved into voting"),
		metric.WithUnit("{case}"),
	); err != nil {
		return nil, err
	}
	if inst.closed, err = meter.Int64Counter("court.cases.closed",
		metric.WithDescription("Cases closed with a verdict"),
		metric.WithUnit("{case}"),
	); err != nil {
		return nil, err
	}
	if inst.cancelled, err = meter.Int64Counter("court.cases.cancelled",
		metric.WithDescription("Cases withdrawn before any vote"),
		metric.WithUnit("{case}"),
	); err != nil {
		return nil, err
	}
	if inst.votes, err = meter.Int64Counter("court.votes.recorded",
		metric.WithDescription("Accepted votes, including changed votes"),
		metric.WithUnit("{vote}"),
	); err != nil {
		return nil, err
	}
	if inst.open, err = meter.Int64UpDownCounter("court.cases.voting",
		metric.WithDescription("Cases currently in voting"),
		metric.WithUnit("{case}"),
	); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (m *instruments) caseOpened(ctx context.Context) {
	m.opened.Add(ctx, 1)
	m.open.Add(ctx, 1)
}

func (m *instruments) caseClosed(ctx context.Context, v court.Verdict, early bool) {
	m.closed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", string(v)),
		attribute.Bool("early", early),
	))
	m.open.Add(ctx, -1)
}

func (m *instruments) caseCancelled(ctx context.Context, wasVoting bool) {
	m.cancelled.Add(ctx, 1)
	if wasVoting {
		m.open.Add(ctx, -1)
	}
}

func (m *instruments) voteRecorded(ctx context.Context, changed bool) {
	m.votes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("changed", changed)))
}
