// Package audit defines the append-only device event trail consumed by
// reporting. Writes are best effort and must never block the dispatch path.
package audit

import "context"

// EventName identifies the audited occurrence.
type EventName string

const (
	EventDeviceOn               EventName = "DEVICE_ON"
	EventDeviceOff              EventName = "DEVICE_OFF"
	EventTriggerOn              EventName = "SCHEDULER_TRIGGER_ON"
	EventSkippedNoPowerData     EventName = "SCHEDULER_SKIPPED_NO_POWER_DATA"
	EventSkippedThresholdNotMet EventName = "SCHEDULER_SKIPPED_THRESHOLD_NOT_MET"
	EventAckFailed              EventName = "SCHEDULER_ACK_FAILED"
)

// Entry is one audit record. PinState, when set, carries the device pin level
// confirmed by the acknowledgement.
type Entry struct {
	DeviceID      int64
	EventName     EventName
	TriggerReason string
	MeasuredValue *float64
	MeasuredUnit  *string
	PinState      *bool
}

// Sink records audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// NopSink discards all entries.
type NopSink struct{}

func (NopSink) Record(context.Context, Entry) {}
