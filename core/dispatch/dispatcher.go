// Package dispatch delivers claimed commands over the transport, correlates
// acknowledgements and reaps commands whose ack deadline has passed.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smartenergy/schedulerd/core/audit"
	"github.com/smartenergy/schedulerd/core/command"
	"github.com/smartenergy/schedulerd/core/events"
	coremetrics "github.com/smartenergy/schedulerd/core/metrics"
	"github.com/smartenergy/schedulerd/core/model"
	"github.com/smartenergy/schedulerd/core/transport"
	"github.com/smartenergy/schedulerd/core/logger"
	"github.com/smartenergy/schedulerd/internal/eventbus"
)

// DeviceStateSink records the confirmed device state after a successful
// acknowledgement.
type DeviceStateSink interface {
	UpdateDeviceState(ctx context.Context, deviceID int64, isOn bool, at time.Time) error
}

// NopDeviceStateSink discards state updates.
type NopDeviceStateSink struct{}

func (NopDeviceStateSink) UpdateDeviceState(context.Context, int64, bool, time.Time) error {
	return nil
}

// Dispatcher claims due commands and delivers them one goroutine per command,
// waiting synchronously for each acknowledgement. The store is the single
// source of truth: a command the dispatcher loses track of (crash, ack
// timeout) is picked up again by the reaper or the next claim pass.
type Dispatcher struct {
	store   command.Store
	conn    transport.Connector
	audit   audit.Sink
	states  DeviceStateSink
	metrics coremetrics.MetricsSink
	bus     eventbus.EventBus
	logger  logger.Logger
	cfg     Config

	now func() time.Time
}

// NewDispatcher builds a dispatcher. Nil audit, state, metrics and bus
// dependencies are replaced with no-ops.
func NewDispatcher(store command.Store, conn transport.Connector, auditSink audit.Sink, states DeviceStateSink, sink coremetrics.MetricsSink, bus eventbus.EventBus, log logger.Logger, cfg Config) *Dispatcher {
	cfg.SetDefaults()
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	if states == nil {
		states = NopDeviceStateSink{}
	}
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	return &Dispatcher{
		store:   store,
		conn:    conn,
		audit:   auditSink,
		states:  states,
		metrics: sink,
		bus:     bus,
		logger:  log,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run claims and delivers commands on a fixed interval until the context is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := time.Duration(d.cfg.ClaimIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.logger.Infof("dispatcher started, claim interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Infof("dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.logger.Errorf("claim pass failed: %v", err)
			}
		}
	}
}

// RunOnce performs a single claim-and-deliver pass. Delivery of the claimed
// batch runs concurrently; RunOnce returns once every command has resolved
// (acked, failed or timed out).
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	now := d.now()
	claimed, err := d.store.ClaimForDispatch(ctx, now, command.ClaimOptions{
		Limit:       d.cfg.ClaimLimit,
		AckTimeout:  time.Duration(d.cfg.AckTimeoutSeconds) * time.Second,
		MaxInflight: d.cfg.MaxInflightPerTarget,
	})
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	d.logger.Debugf("claimed %d commands", len(claimed))

	var wg sync.WaitGroup
	for _, cmd := range claimed {
		wg.Add(1)
		go func(cmd model.Command) {
			defer wg.Done()
			d.deliver(ctx, cmd)
		}(cmd)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, cmd model.Command) {
	payload := events.DeviceCommandPayload{
		CommandID:    cmd.CommandID.String(),
		DeviceID:     cmd.DeviceID,
		DeviceUUID:   cmd.DeviceUUID.String(),
		DeviceNumber: cmd.DeviceNumber,
		Command:      events.CommandSetState,
		Mode:         events.ModeSchedule,
		IsOn:         cmd.Action == model.ActionOn,
	}
	env, err := events.NewEnvelope(events.EventTypeDeviceCommand, "microcontroller", cmd.MicrocontrollerUUID.String(), d.cfg.Source, payload)
	if err != nil {
		d.logger.Errorf("command %s: envelope build failed: %v", cmd.CommandID, err)
		d.handlePublishFailure(ctx, cmd)
		return
	}

	subject := events.SubjectFor(d.cfg.Stream, cmd.MicrocontrollerUUID.String(), events.EventTypeDeviceCommand)
	ackSubject := events.AckSubjectFor(d.cfg.Stream, cmd.MicrocontrollerUUID.String(), events.EventTypeDeviceCommand)
	wantID := cmd.CommandID.String()
	pred := func(reply events.Envelope) bool {
		ack, ok := events.DecodeAck(reply)
		return ok && ack.CommandID == wantID
	}

	start := d.now()
	timeout := time.Duration(d.cfg.AckTimeoutSeconds) * time.Second
	reply, err := d.conn.PublishAndWaitForAck(ctx, subject, ackSubject, env, pred, timeout)
	latency := d.now().Sub(start)

	switch {
	case err == nil:
		d.handleAck(ctx, cmd, reply, latency)
	case errors.Is(err, transport.ErrAckTimeout):
		// Leave the row SENT; the reaper resolves it against the persisted
		// deadline, keeping crash recovery and slow acks on one path.
		d.logger.Warnf("command %s to %s: no ack within %s", cmd.CommandID, cmd.MicrocontrollerUUID, timeout)
	default:
		d.logger.Errorf("command %s publish failed: %v", cmd.CommandID, err)
		d.handlePublishFailure(ctx, cmd)
	}
}

func (d *Dispatcher) handleAck(ctx context.Context, cmd model.Command, reply events.Envelope, latency time.Duration) {
	ack, _ := events.DecodeAck(reply)
	updated, applied, err := d.store.MarkAck(ctx, cmd.CommandID, ack.OK, ack.IsOn, d.now())
	if err != nil {
		d.logger.Errorf("command %s: mark ack failed: %v", cmd.CommandID, err)
		return
	}
	if !applied || updated == nil {
		d.logger.Debugf("command %s: ack arrived after terminal state", cmd.CommandID)
		return
	}

	acknowledged := updated.Status == model.StatusAckOK
	d.recordCommandEvent(*updated)
	if err := d.metrics.RecordAckLatency(coremetrics.AckLatency{
		CommandID:    cmd.CommandID.String(),
		Action:       cmd.Action,
		Acknowledged: acknowledged,
		Latency:      latency,
	}); err != nil {
		d.logger.Warnf("ack latency record failed: %v", err)
	}
	d.publish(events.AckEvent{
		CommandID:    cmd.CommandID,
		DeviceID:     cmd.DeviceID,
		Action:       cmd.Action,
		Acknowledged: acknowledged,
		Latency:      latency,
	})

	if acknowledged {
		isOn := cmd.Action == model.ActionOn
		if ack.IsOn != nil {
			isOn = *ack.IsOn
		}
		if err := d.states.UpdateDeviceState(ctx, cmd.DeviceID, isOn, d.now()); err != nil {
			d.logger.Warnf("command %s: device state update failed: %v", cmd.CommandID, err)
		}
		name := audit.EventDeviceOn
		if !isOn {
			name = audit.EventDeviceOff
		}
		d.audit.Record(ctx, audit.Entry{
			DeviceID:      cmd.DeviceID,
			EventName:     name,
			TriggerReason: cmd.TriggerReason,
			MeasuredValue: cmd.MeasuredValue,
			MeasuredUnit:  cmd.MeasuredUnit,
			PinState:      &isOn,
		})
		return
	}

	d.audit.Record(ctx, audit.Entry{
		DeviceID:      cmd.DeviceID,
		EventName:     audit.EventAckFailed,
		TriggerReason: model.ReasonAckRejected,
		PinState:      ack.IsOn,
	})
}

func (d *Dispatcher) handlePublishFailure(ctx context.Context, cmd model.Command) {
	updated, err := d.store.MarkPublishFailure(ctx, cmd.CommandID, d.now(), command.RetryPolicy{
		MaxRetry: d.cfg.MaxRetry,
		Backoff:  time.Duration(d.cfg.RetryBackoffSeconds) * time.Second,
		Jitter:   time.Duration(d.cfg.RetryJitterSeconds) * time.Second,
	})
	if err != nil {
		d.logger.Errorf("command %s: mark publish failure failed: %v", cmd.CommandID, err)
		return
	}
	if updated == nil {
		return
	}

	exhausted := updated.Status == model.StatusAckFail
	d.recordCommandEvent(*updated)
	d.publish(events.RetryEvent{
		CommandID: cmd.CommandID,
		Attempt:   updated.Attempt,
		Exhausted: exhausted,
	})
	if exhausted {
		d.logger.Warnf("command %s: retry budget exhausted after %d attempts", cmd.CommandID, updated.Attempt)
		d.audit.Record(ctx, audit.Entry{
			DeviceID:      cmd.DeviceID,
			EventName:     audit.EventAckFailed,
			TriggerReason: model.ReasonRetriesExhausted,
		})
	}
}

func (d *Dispatcher) recordCommandEvent(cmd model.Command) {
	if err := d.metrics.RecordCommandEvent(coremetrics.CommandEvent{
		CommandID:           cmd.CommandID.String(),
		DeviceID:            cmd.DeviceID,
		MicrocontrollerUUID: cmd.MicrocontrollerUUID.String(),
		Action:              cmd.Action,
		Status:              cmd.Status,
		Attempt:             cmd.Attempt,
		Time:                d.now(),
	}); err != nil {
		d.logger.Warnf("command event record failed: %v", err)
	}
}

func (d *Dispatcher) publish(e eventbus.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}
