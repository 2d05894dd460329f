package model

import "time"

// DataSource is the power-measurement feed gating a threshold slot.
type DataSource struct {
	ID                  int64
	Enabled             bool
	ExpectedIntervalSec *int
	Unit                *string
}

// Measurement is the most recent reading reported by a data source.
type Measurement struct {
	Value      *float64
	Unit       *string
	MeasuredAt time.Time
}
