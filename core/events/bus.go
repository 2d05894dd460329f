package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/smartenergy/schedulerd/core/model"
)

// SkipEvent is published when a due slot is evaluated but no command is
// enqueued.
type SkipEvent struct {
	DeviceID int64
	SlotID   int64
	Kind     model.DecisionKind
	Reason   string
}

// EnqueuedEvent is published for each newly inserted command.
type EnqueuedEvent struct {
	DeviceID int64
	SlotID   int64
	Action   model.Action
}

// AckEvent is published for each resolved acknowledgement.
type AckEvent struct {
	CommandID    uuid.UUID
	DeviceID     int64
	Action       model.Action
	Acknowledged bool
	Latency      time.Duration
	Err          error
}

// RetryEvent is published when a publish failure schedules another attempt or
// exhausts the retry budget.
type RetryEvent struct {
	CommandID uuid.UUID
	Attempt   int
	Exhausted bool
}

// TimeoutEvent is published for each command reaped past its ack deadline.
type TimeoutEvent struct {
	CommandID uuid.UUID
	DeviceID  int64
}
