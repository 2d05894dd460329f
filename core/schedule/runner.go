// Package schedule drives the minute tick: fetch due slots, evaluate the
// threshold gate and hand allowed actions to the command store.
package schedule

import (
	"context"
	"time"

	"github.com/smartenergy/schedulerd/core/audit"
	"github.com/smartenergy/schedulerd/core/decision"
	"github.com/smartenergy/schedulerd/core/events"
	coremetrics "github.com/smartenergy/schedulerd/core/metrics"
	"github.com/smartenergy/schedulerd/core/model"
	"github.com/smartenergy/schedulerd/core/logger"
	"github.com/smartenergy/schedulerd/internal/eventbus"
)

// ScheduleSource resolves the slots due to start or end at a given day and
// HH:MM minute.
type ScheduleSource interface {
	FetchDueEntries(ctx context.Context, dow model.DayOfWeek, hhmm string) ([]model.DueSlotEntry, error)
	FetchEndEntries(ctx context.Context, dow model.DayOfWeek, hhmm string) ([]model.DueSlotEntry, error)
}

// MeasurementSource resolves a slot's power data source and its latest
// reading.
type MeasurementSource interface {
	DataSource(ctx context.Context, id int64) (*model.DataSource, error)
	LatestMeasurement(ctx context.Context, dataSourceID int64) (*model.Measurement, error)
}

// Enqueuer is the subset of the command store the runner needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, minuteKey time.Time, entry model.DueSlotEntry, action model.Action, triggerReason string, measuredValue *float64, measuredUnit *string) (bool, error)
}

// Runner evaluates the schedule once per minute. Each pass keys its commands
// to the UTC-truncated minute so a restarted or doubled tick re-evaluating
// the same minute never enqueues twice.
type Runner struct {
	schedules    ScheduleSource
	measurements MeasurementSource
	store        Enqueuer
	engine       decision.Engine
	audit        audit.Sink
	metrics      coremetrics.MetricsSink
	bus          eventbus.EventBus
	logger       logger.Logger

	now func() time.Time
}

// NewRunner builds a runner. Nil audit, metrics and bus dependencies are
// replaced with no-ops.
func NewRunner(schedules ScheduleSource, measurements MeasurementSource, store Enqueuer, auditSink audit.Sink, sink coremetrics.MetricsSink, bus eventbus.EventBus, log logger.Logger) *Runner {
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	return &Runner{
		schedules:    schedules,
		measurements: measurements,
		store:        store,
		audit:        auditSink,
		metrics:      sink,
		bus:          bus,
		logger:       log,
		now:          time.Now,
	}
}

// Run evaluates the schedule on every minute boundary until the context is
// cancelled. The first pass waits for the next boundary so every evaluation
// sees a freshly started minute.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Infof("schedule runner started")
	for {
		now := r.now().UTC()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Infof("schedule runner stopped")
			return
		case <-timer.C:
			if err := r.Tick(ctx, next); err != nil {
				r.logger.Errorf("tick %s failed: %v", next.Format("15:04"), err)
			}
		}
	}
}

// Tick evaluates all slots due at the given instant. The instant is truncated
// to the UTC minute; passing the same minute twice is harmless.
func (r *Runner) Tick(ctx context.Context, at time.Time) error {
	minuteKey := at.UTC().Truncate(time.Minute)
	dow := model.DayOfWeekAt(minuteKey)
	hhmm := minuteKey.Format("15:04")

	due, err := r.schedules.FetchDueEntries(ctx, dow, hhmm)
	if err != nil {
		return err
	}
	for _, entry := range due {
		r.evaluateStart(ctx, minuteKey, entry)
	}

	ending, err := r.schedules.FetchEndEntries(ctx, dow, hhmm)
	if err != nil {
		return err
	}
	for _, entry := range ending {
		r.enqueue(ctx, minuteKey, entry, model.ActionOff, model.ReasonSchedulerEnd, nil, nil)
	}

	if len(due) > 0 || len(ending) > 0 {
		r.logger.Debugf("tick %s %s: %d starting, %d ending", dow, hhmm, len(due), len(ending))
	}
	return nil
}

func (r *Runner) evaluateStart(ctx context.Context, minuteKey time.Time, entry model.DueSlotEntry) {
	var (
		source *model.DataSource
		latest *model.Measurement
	)
	if entry.UsePowerThreshold && entry.DataSourceID != nil {
		var err error
		source, err = r.measurements.DataSource(ctx, *entry.DataSourceID)
		if err != nil {
			r.logger.Warnf("device %d: data source lookup failed: %v", entry.DeviceID, err)
		} else if source != nil {
			latest, err = r.measurements.LatestMeasurement(ctx, source.ID)
			if err != nil {
				r.logger.Warnf("device %d: measurement lookup failed: %v", entry.DeviceID, err)
				latest = nil
			}
		}
	}

	dec := r.engine.Decide(entry, minuteKey, source, latest)
	switch dec.Kind {
	case model.DecisionAllowOn:
		r.enqueue(ctx, minuteKey, entry, model.ActionOn, dec.TriggerReason, dec.MeasuredValue, dec.MeasuredUnit)
	case model.DecisionSkipNoPowerData:
		r.skip(ctx, entry, dec, audit.EventSkippedNoPowerData)
	case model.DecisionSkipThresholdUnmet:
		r.skip(ctx, entry, dec, audit.EventSkippedThresholdNotMet)
	}
}

func (r *Runner) enqueue(ctx context.Context, minuteKey time.Time, entry model.DueSlotEntry, action model.Action, triggerReason string, measuredValue *float64, measuredUnit *string) {
	inserted, err := r.store.Enqueue(ctx, minuteKey, entry, action, triggerReason, measuredValue, measuredUnit)
	if err != nil {
		r.logger.Errorf("device %d slot %d: enqueue %s failed: %v", entry.DeviceID, entry.SlotID, action, err)
		return
	}
	if !inserted {
		r.logger.Debugf("device %d slot %d: %s already enqueued for this minute", entry.DeviceID, entry.SlotID, action)
		return
	}
	if action == model.ActionOn {
		r.audit.Record(ctx, audit.Entry{
			DeviceID:      entry.DeviceID,
			EventName:     audit.EventTriggerOn,
			TriggerReason: triggerReason,
			MeasuredValue: measuredValue,
			MeasuredUnit:  measuredUnit,
		})
	}
	if r.bus != nil {
		r.bus.Publish(events.EnqueuedEvent{DeviceID: entry.DeviceID, SlotID: entry.SlotID, Action: action})
	}
}

func (r *Runner) skip(ctx context.Context, entry model.DueSlotEntry, dec model.Decision, name audit.EventName) {
	r.logger.Infof("device %d slot %d skipped: %s", entry.DeviceID, entry.SlotID, dec.TriggerReason)
	r.audit.Record(ctx, audit.Entry{
		DeviceID:      entry.DeviceID,
		EventName:     name,
		TriggerReason: dec.TriggerReason,
		MeasuredValue: dec.MeasuredValue,
		MeasuredUnit:  dec.MeasuredUnit,
	})
	if err := r.metrics.RecordSkip(coremetrics.SkipEvent{
		DeviceID: entry.DeviceID,
		Kind:     dec.Kind,
		Reason:   dec.TriggerReason,
		Time:     r.now(),
	}); err != nil {
		r.logger.Warnf("skip record failed: %v", err)
	}
	if r.bus != nil {
		r.bus.Publish(events.SkipEvent{
			DeviceID: entry.DeviceID,
			SlotID:   entry.SlotID,
			Kind:     dec.Kind,
			Reason:   dec.TriggerReason,
		})
	}
}
