// Package app wires the configuration into a running scheduler service.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartenergy/schedulerd/config"
	"github.com/smartenergy/schedulerd/core/dispatch"
	coremetrics "github.com/smartenergy/schedulerd/core/metrics"
	"github.com/smartenergy/schedulerd/core/schedule"
	"github.com/smartenergy/schedulerd/core/transport"
	"github.com/smartenergy/schedulerd/infra/logger"
	"github.com/smartenergy/schedulerd/infra/metrics"
	"github.com/smartenergy/schedulerd/infra/mqtt"
	"github.com/smartenergy/schedulerd/infra/nats"
	"github.com/smartenergy/schedulerd/infra/postgres"
	"github.com/smartenergy/schedulerd/internal/eventbus"
)

// Service orchestrates the schedule runner, the dispatcher and the reaper.
type Service struct {
	Runner     *schedule.Runner
	Dispatcher *dispatch.Dispatcher
	Reaper     *dispatch.Reaper

	pool        *pgxpool.Pool
	conn        transport.Connector
	bus         eventbus.EventBus
	log         logger.Logger
	promEnabled bool
	promAddr    string
}

// New creates a Service from the configuration.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database pool: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	conn, err := newConnector(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	sink, err := newMetricsSink(cfg)
	if err != nil {
		conn.Close()
		pool.Close()
		return nil, err
	}

	store := postgres.NewCommandStore(pool)
	auditSink := postgres.NewAuditStore(pool)
	schedules := postgres.NewScheduleRepo(pool)
	measurements := postgres.NewMeasurementRepo(pool)
	states := postgres.NewDeviceStateRepo(pool)
	bus := eventbus.New()

	svc := &Service{
		Runner:      schedule.NewRunner(schedules, measurements, store, auditSink, sink, bus, logger.New("schedule")),
		Dispatcher:  dispatch.NewDispatcher(store, conn, auditSink, states, sink, bus, logger.New("dispatcher"), cfg.Dispatch),
		Reaper:      dispatch.NewReaper(store, auditSink, sink, bus, logger.New("reaper"), cfg.Dispatch),
		pool:        pool,
		conn:        conn,
		bus:         bus,
		log:         logg,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promAddr:    cfg.Metrics.PrometheusAddr,
	}
	return svc, nil
}

func newConnector(cfg *config.Config) (transport.Connector, error) {
	switch cfg.Transport.Kind {
	case config.TransportMQTT:
		conn, err := mqtt.NewConnector(cfg.Transport.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt connector: %w", err)
		}
		return conn, nil
	default:
		conn, err := nats.Connect(cfg.Transport.NATS)
		if err != nil {
			return nil, fmt.Errorf("nats connector: %w", err)
		}
		return conn, nil
	}
}

func newMetricsSink(cfg *config.Config) (coremetrics.MetricsSink, error) {
	var sinks []coremetrics.MetricsSink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sink := metrics.NewInfluxSinkWithFallback(cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket)
		sinks = append(sinks, sink)
	}
	switch len(sinks) {
	case 0:
		return coremetrics.NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return metrics.NewMultiSink(sinks...), nil
	}
}

// Run starts the loops and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.Runner.Run(ctx)
	go s.Dispatcher.Run(ctx)
	go s.Reaper.Run(ctx)
	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	<-ctx.Done()
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.bus.Close()
	s.conn.Close()
	s.pool.Close()
	return nil
}
