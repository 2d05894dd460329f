package model

import (
	"time"

	"github.com/google/uuid"
)

// Action is the device state change a command requests.
type Action string

const (
	ActionOn  Action = "ON"
	ActionOff Action = "OFF"
)

// Status tracks a command through its delivery lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusAckOK     Status = "ACK_OK"
	StatusAckFail   Status = "ACK_FAIL"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is permitted on a command
// in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAckOK, StatusAckFail, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Command is an outbound device-control command tracked through delivery.
// The tuple (DeviceID, SlotID, MinuteKey, Action) is the idempotency key; a
// minute tick can be re-run or double-triggered without producing duplicates.
// CommandID is the only identifier placed on the wire for ack correlation.
type Command struct {
	ID                  int64
	CommandID           uuid.UUID
	MinuteKey           time.Time
	DeviceID            int64
	DeviceUUID          uuid.UUID
	DeviceNumber        int
	MicrocontrollerUUID uuid.UUID
	SchedulerID         int64
	SlotID              int64
	UserID              int64
	Action              Action
	Status              Status
	Attempt             int
	NextRetryAt         *time.Time
	AckDeadlineAt       *time.Time
	TriggerReason       string
	MeasuredValue       *float64
	MeasuredUnit        *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ActionMatchesState reports whether the device state reported in an ack
// satisfies the command's action. An unknown state never matches.
func ActionMatchesState(action Action, actual *bool) bool {
	if actual == nil {
		return false
	}
	if action == ActionOn {
		return *actual
	}
	return !*actual
}
