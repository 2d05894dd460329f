// Package metrics defines the sinks recording command lifecycle events for
// observability.
package metrics

import (
	"time"

	"github.com/smartenergy/schedulerd/core/model"
)

// CommandEvent is a per-command lifecycle record.
type CommandEvent struct {
	CommandID           string
	DeviceID            int64
	MicrocontrollerUUID string
	Action              model.Action
	Status              model.Status
	Attempt             int
	Time                time.Time
}

// AckLatency measures the time between publish and acknowledgement.
type AckLatency struct {
	CommandID    string
	Action       model.Action
	Acknowledged bool
	Latency      time.Duration
}

// SkipEvent records a due slot that produced no command.
type SkipEvent struct {
	DeviceID int64
	Kind     model.DecisionKind
	Reason   string
	Time     time.Time
}

// MetricsSink records command lifecycle events.
type MetricsSink interface {
	RecordCommandEvent(ev CommandEvent) error
	RecordAckLatency(lat AckLatency) error
	RecordSkip(ev SkipEvent) error
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) RecordCommandEvent(CommandEvent) error { return nil }
func (NopSink) RecordAckLatency(AckLatency) error     { return nil }
func (NopSink) RecordSkip(SkipEvent) error            { return nil }
