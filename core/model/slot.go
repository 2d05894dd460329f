package model

import (
	"time"

	"github.com/google/uuid"
)

// DayOfWeek mirrors the day names stored with scheduler slots.
type DayOfWeek string

const (
	Monday    DayOfWeek = "MONDAY"
	Tuesday   DayOfWeek = "TUESDAY"
	Wednesday DayOfWeek = "WEDNESDAY"
	Thursday  DayOfWeek = "THURSDAY"
	Friday    DayOfWeek = "FRIDAY"
	Saturday  DayOfWeek = "SATURDAY"
	Sunday    DayOfWeek = "SUNDAY"
)

// DayOfWeekAt returns the slot day name for the given instant.
func DayOfWeekAt(t time.Time) DayOfWeek {
	switch t.Weekday() {
	case time.Monday:
		return Monday
	case time.Tuesday:
		return Tuesday
	case time.Wednesday:
		return Wednesday
	case time.Thursday:
		return Thursday
	case time.Friday:
		return Friday
	case time.Saturday:
		return Saturday
	default:
		return Sunday
	}
}

// DueSlotEntry describes a slot that is due at a given minute, denormalized
// with everything needed to route and audit a command without joining back to
// the owning aggregates.
type DueSlotEntry struct {
	DeviceID            int64
	DeviceUUID          uuid.UUID
	DeviceNumber        int
	MicrocontrollerUUID uuid.UUID
	DataSourceID        *int64
	SchedulerID         int64
	SlotID              int64
	UserID              int64
	UsePowerThreshold   bool
	PowerThresholdValue *float64
	PowerThresholdUnit  *string
}
