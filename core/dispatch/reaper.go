package dispatch

import (
	"context"
	"time"

	"github.com/smartenergy/schedulerd/core/audit"
	"github.com/smartenergy/schedulerd/core/command"
	"github.com/smartenergy/schedulerd/core/events"
	coremetrics "github.com/smartenergy/schedulerd/core/metrics"
	"github.com/smartenergy/schedulerd/core/model"
	"github.com/smartenergy/schedulerd/core/logger"
	"github.com/smartenergy/schedulerd/internal/eventbus"
)

// Reaper transitions SENT commands whose ack deadline has passed to TIMEOUT.
// It is the safety net behind the dispatcher: a crash between publish and ack,
// or an ack that never arrives, always resolves through the persisted
// deadline.
type Reaper struct {
	store   command.Store
	audit   audit.Sink
	metrics coremetrics.MetricsSink
	bus     eventbus.EventBus
	logger  logger.Logger
	cfg     Config

	now func() time.Time
}

// NewReaper builds a reaper. Nil audit, metrics and bus dependencies are
// replaced with no-ops.
func NewReaper(store command.Store, auditSink audit.Sink, sink coremetrics.MetricsSink, bus eventbus.EventBus, log logger.Logger, cfg Config) *Reaper {
	cfg.SetDefaults()
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	return &Reaper{
		store:   store,
		audit:   auditSink,
		metrics: sink,
		bus:     bus,
		logger:  log,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run reaps expired commands on a fixed interval until the context is
// cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := time.Duration(r.cfg.ReaperIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Infof("reaper started, interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Infof("reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Errorf("reap pass failed: %v", err)
			}
		}
	}
}

// RunOnce reaps expired commands page by page until a page comes back short,
// returning the total number of commands timed out.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		reaped, err := r.store.ClaimTimeouts(ctx, r.now(), r.cfg.ReaperPageSize)
		if err != nil {
			return total, err
		}
		for _, cmd := range reaped {
			r.resolve(ctx, cmd)
		}
		total += len(reaped)
		if len(reaped) < r.cfg.ReaperPageSize {
			if total > 0 {
				r.logger.Infof("timed out %d commands", total)
			}
			return total, nil
		}
	}
}

func (r *Reaper) resolve(ctx context.Context, cmd model.Command) {
	r.logger.Warnf("command %s to device %d timed out waiting for ack", cmd.CommandID, cmd.DeviceID)
	r.audit.Record(ctx, audit.Entry{
		DeviceID:      cmd.DeviceID,
		EventName:     audit.EventAckFailed,
		TriggerReason: model.ReasonAckTimeout,
	})
	if err := r.metrics.RecordCommandEvent(coremetrics.CommandEvent{
		CommandID:           cmd.CommandID.String(),
		DeviceID:            cmd.DeviceID,
		MicrocontrollerUUID: cmd.MicrocontrollerUUID.String(),
		Action:              cmd.Action,
		Status:              cmd.Status,
		Attempt:             cmd.Attempt,
		Time:                r.now(),
	}); err != nil {
		r.logger.Warnf("command event record failed: %v", err)
	}
	if r.bus != nil {
		r.bus.Publish(events.TimeoutEvent{CommandID: cmd.CommandID, DeviceID: cmd.DeviceID})
	}
}
