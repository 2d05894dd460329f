// Package decision implements the threshold gate deciding whether a due slot
// produces a device command.
package decision

import (
	"time"

	"github.com/smartenergy/schedulerd/core/model"
)

// Engine evaluates due slots against their power-threshold gate. It performs
// no I/O; the caller supplies the data source and its latest measurement.
type Engine struct{}

// Decide returns the outcome for a due slot at the given instant.
//
// Ungated slots always allow. Gated slots allow only when a fresh measurement
// exists and its value meets the configured threshold (inclusive). Every
// incomplete-configuration and staleness case skips with a reason code so the
// audit trail records why no command was enqueued.
func (Engine) Decide(entry model.DueSlotEntry, now time.Time, source *model.DataSource, latest *model.Measurement) model.Decision {
	if !entry.UsePowerThreshold {
		return model.Decision{Kind: model.DecisionAllowOn, TriggerReason: model.ReasonSchedulerMatch}
	}

	if entry.PowerThresholdValue == nil {
		return skip(model.ReasonThresholdConfigMissing)
	}
	if source == nil || !source.Enabled {
		return skip(model.ReasonPowerProviderUnavailable)
	}
	if source.ExpectedIntervalSec == nil || *source.ExpectedIntervalSec <= 0 {
		return skip(model.ReasonPowerIntervalMissing)
	}
	if latest == nil {
		return skip(model.ReasonPowerMissing)
	}

	age := now.Sub(latest.MeasuredAt.UTC())
	if age > time.Duration(*source.ExpectedIntervalSec)*time.Second {
		return skip(model.ReasonPowerStale)
	}
	if latest.Value == nil {
		return skip(model.ReasonPowerMissing)
	}

	value := *latest.Value
	unit := reconcileUnit(latest.Unit, source.Unit, entry.PowerThresholdUnit)

	if value >= *entry.PowerThresholdValue {
		return model.Decision{
			Kind:          model.DecisionAllowOn,
			TriggerReason: model.ReasonSchedulerMatch,
			MeasuredValue: &value,
			MeasuredUnit:  unit,
		}
	}
	return model.Decision{
		Kind:          model.DecisionSkipThresholdUnmet,
		TriggerReason: model.ReasonThresholdNotMet,
		MeasuredValue: &value,
		MeasuredUnit:  unit,
	}
}

func skip(reason string) model.Decision {
	return model.Decision{Kind: model.DecisionSkipNoPowerData, TriggerReason: reason}
}

// reconcileUnit picks the unit in order of specificity: the measurement's own
// unit, the data source's declared unit, then the slot's threshold unit.
func reconcileUnit(measurement, source, slot *string) *string {
	if measurement != nil && *measurement != "" {
		return measurement
	}
	if source != nil && *source != "" {
		return source
	}
	return slot
}
