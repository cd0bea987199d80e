// Package telemetry wires OpenTelemetry metrics for skillsync.
//
// Metrics are off by default and cost nothing in that mode:
//
//	SKILLSYNC_OTEL_ENABLED=true   install an SDK meter provider
//	SKILLSYNC_OTEL_STDOUT=true    export metrics to stdout every 15s
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/agentworkforce/skillsync"

type Config struct {
	Enabled     bool
	Stdout      bool
	ServiceName string
	Version     string
	Interval    time.Duration
}

// Init installs the global meter provider and returns its shutdown func.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "skillsync"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval)),
		))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Metrics holds the counters shared by the sync and badge components.
type Metrics struct {
	SyncRuns         metric.Int64Counter
	SyncTimeouts     metric.Int64Counter
	TransferFailures metric.Int64Counter
	LedgerSaves      metric.Int64Counter
	SaveDuration     metric.Float64Histogram
	BadgesGranted    metric.Int64Counter
	GrantFailures    metric.Int64Counter
	LockContention   metric.Int64Counter
}

// NewMetrics creates the instruments on meter, or on the global provider when
// meter is nil. Instrument creation errors fall back to no-op instruments.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = Meter("")
	}
	noop := metricnoop.NewMeterProvider().Meter(instrumentationScope)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = noop.Int64Counter(name)
		}
		return c
	}
	saveDuration, err := meter.Float64Histogram("skillsync.ledger.save.duration",
		metric.WithDescription("Ledger save duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		saveDuration, _ = noop.Float64Histogram("skillsync.ledger.save.duration")
	}
	return &Metrics{
		SyncRuns:         counter("skillsync.sync.runs", "Cloud sync checks started"),
		SyncTimeouts:     counter("skillsync.sync.timeouts", "Cloud sync checks settled by the time budget"),
		TransferFailures: counter("skillsync.sync.transfer_failures", "Header transfers that fell back to identity mapping"),
		LedgerSaves:      counter("skillsync.ledger.saves", "Ledger snapshots persisted"),
		SaveDuration:     saveDuration,
		BadgesGranted:    counter("skillsync.badges.granted", "Badges sent to the grant backend"),
		GrantFailures:    counter("skillsync.badges.grant_failures", "Failed badge grant requests"),
		LockContention:   counter("skillsync.badges.lock_contention", "Issuance attempts skipped because a grant was in flight"),
	}
}

// OrNoop returns m, or no-op metrics when m is nil.
func OrNoop(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return NewMetrics(metricnoop.NewMeterProvider().Meter(instrumentationScope))
}
