package decision

import (
	"testing"
	"time"

	"github.com/smartenergy/schedulerd/core/model"
)

func fptr(v float64) *float64 { return &v }
func sptr(v string) *string   { return &v }
func iptr(v int) *int         { return &v }

func gatedEntry() model.DueSlotEntry {
	return model.DueSlotEntry{
		DeviceID:            1,
		SlotID:              10,
		UsePowerThreshold:   true,
		PowerThresholdValue: fptr(500),
		PowerThresholdUnit:  sptr("W"),
	}
}

func enabledSource() *model.DataSource {
	return &model.DataSource{ID: 7, Enabled: true, ExpectedIntervalSec: iptr(120), Unit: sptr("W")}
}

func TestDecideUngatedAlwaysAllows(t *testing.T) {
	var e Engine
	d := e.Decide(model.DueSlotEntry{UsePowerThreshold: false}, time.Now(), nil, nil)
	if d.Kind != model.DecisionAllowOn {
		t.Fatalf("expected ALLOW_ON got %s", d.Kind)
	}
	if d.TriggerReason != model.ReasonSchedulerMatch {
		t.Fatalf("unexpected reason %s", d.TriggerReason)
	}
	if d.MeasuredValue != nil {
		t.Fatalf("ungated decision must not carry provenance")
	}
}

func TestDecideSkipReasons(t *testing.T) {
	var e Engine
	now := time.Now().UTC()
	fresh := &model.Measurement{Value: fptr(480), Unit: sptr("W"), MeasuredAt: now.Add(-30 * time.Second)}

	cases := []struct {
		name   string
		entry  model.DueSlotEntry
		source *model.DataSource
		latest *model.Measurement
		reason string
	}{
		{
			name: "threshold config missing",
			entry: model.DueSlotEntry{
				UsePowerThreshold: true,
			},
			reason: model.ReasonThresholdConfigMissing,
		},
		{
			name:   "no data source",
			entry:  gatedEntry(),
			reason: model.ReasonPowerProviderUnavailable,
		},
		{
			name:   "data source disabled",
			entry:  gatedEntry(),
			source: &model.DataSource{Enabled: false, ExpectedIntervalSec: iptr(120)},
			reason: model.ReasonPowerProviderUnavailable,
		},
		{
			name:   "interval unset",
			entry:  gatedEntry(),
			source: &model.DataSource{Enabled: true},
			reason: model.ReasonPowerIntervalMissing,
		},
		{
			name:   "interval not positive",
			entry:  gatedEntry(),
			source: &model.DataSource{Enabled: true, ExpectedIntervalSec: iptr(0)},
			reason: model.ReasonPowerIntervalMissing,
		},
		{
			name:   "no measurement",
			entry:  gatedEntry(),
			source: enabledSource(),
			reason: model.ReasonPowerMissing,
		},
		{
			name:   "stale measurement",
			entry:  gatedEntry(),
			source: enabledSource(),
			latest: &model.Measurement{Value: fptr(600), MeasuredAt: now.Add(-3 * time.Minute)},
			reason: model.ReasonPowerStale,
		},
		{
			name:   "measurement without value",
			entry:  gatedEntry(),
			source: enabledSource(),
			latest: &model.Measurement{MeasuredAt: now.Add(-10 * time.Second)},
			reason: model.ReasonPowerMissing,
		},
		{
			name:   "threshold not met",
			entry:  gatedEntry(),
			source: enabledSource(),
			latest: fresh,
			reason: model.ReasonThresholdNotMet,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Decide(tc.entry, now, tc.source, tc.latest)
			if d.Kind == model.DecisionAllowOn {
				t.Fatalf("expected a skip, got ALLOW_ON")
			}
			if d.TriggerReason != tc.reason {
				t.Fatalf("expected reason %s got %s", tc.reason, d.TriggerReason)
			}
		})
	}
}

func TestDecideThresholdMetInclusive(t *testing.T) {
	var e Engine
	now := time.Now().UTC()
	entry := gatedEntry()
	source := enabledSource()

	for _, value := range []float64{500, 520} {
		latest := &model.Measurement{Value: fptr(value), Unit: sptr("W"), MeasuredAt: now.Add(-30 * time.Second)}
		d := e.Decide(entry, now, source, latest)
		if d.Kind != model.DecisionAllowOn {
			t.Fatalf("value %v: expected ALLOW_ON got %s", value, d.Kind)
		}
		if d.MeasuredValue == nil || *d.MeasuredValue != value {
			t.Fatalf("value %v: missing provenance", value)
		}
		if d.MeasuredUnit == nil || *d.MeasuredUnit != "W" {
			t.Fatalf("value %v: wrong unit", value)
		}
	}
}

func TestDecideBelowThresholdCarriesProvenance(t *testing.T) {
	var e Engine
	now := time.Now().UTC()
	latest := &model.Measurement{Value: fptr(480), Unit: sptr("W"), MeasuredAt: now.Add(-30 * time.Second)}
	d := e.Decide(gatedEntry(), now, enabledSource(), latest)
	if d.Kind != model.DecisionSkipThresholdUnmet {
		t.Fatalf("expected SKIP_THRESHOLD_NOT_MET got %s", d.Kind)
	}
	if d.MeasuredValue == nil || *d.MeasuredValue != 480 {
		t.Fatalf("skip must carry the measured value")
	}
}

func TestDecideUnitReconciliation(t *testing.T) {
	var e Engine
	now := time.Now().UTC()
	entry := gatedEntry()

	cases := []struct {
		name        string
		measurement *string
		source      *string
		want        string
	}{
		{"measurement unit wins", sptr("kW"), sptr("W"), "kW"},
		{"source unit next", nil, sptr("MW"), "MW"},
		{"slot unit last", nil, nil, "W"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := enabledSource()
			source.Unit = tc.source
			latest := &model.Measurement{Value: fptr(900), Unit: tc.measurement, MeasuredAt: now}
			d := e.Decide(entry, now, source, latest)
			if d.MeasuredUnit == nil || *d.MeasuredUnit != tc.want {
				t.Fatalf("expected unit %s got %v", tc.want, d.MeasuredUnit)
			}
		})
	}
}
