package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartenergy/schedulerd/core/model"
)

// ScheduleRepo reads due slots from the schedule-configuration tables owned
// by the configuration service.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo wraps the pool.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

// Slots may predate the UTC migration; the stored local time is the fallback.
const dueEntryColumns = `
  d.id, d.uuid, d.device_number, m.uuid, m.data_source_id,
  s.id, sl.id, s.user_id, sl.use_power_threshold,
  sl.power_threshold_value, sl.power_threshold_unit`

const fetchDueEntriesSQL = `
SELECT ` + dueEntryColumns + `
FROM devices d
JOIN microcontrollers m ON d.microcontroller_id = m.id
JOIN schedulers s ON d.scheduler_id = s.id
JOIN scheduler_slots sl ON sl.scheduler_id = s.id
WHERE d.mode = 'SCHEDULE'
  AND m.enabled
  AND sl.day_of_week = $1
  AND COALESCE(sl.start_utc_time, sl.start_time) <= $2
  AND $2 < COALESCE(sl.end_utc_time, sl.end_time)`

const fetchEndEntriesSQL = `
SELECT ` + dueEntryColumns + `
FROM devices d
JOIN microcontrollers m ON d.microcontroller_id = m.id
JOIN schedulers s ON d.scheduler_id = s.id
JOIN scheduler_slots sl ON sl.scheduler_id = s.id
WHERE d.mode = 'SCHEDULE'
  AND m.enabled
  AND sl.day_of_week = $1
  AND COALESCE(sl.end_utc_time, sl.end_time) = $2`

// FetchDueEntries returns the slots active at hhmm on the given day.
func (r *ScheduleRepo) FetchDueEntries(ctx context.Context, dow model.DayOfWeek, hhmm string) ([]model.DueSlotEntry, error) {
	return r.fetchEntries(ctx, fetchDueEntriesSQL, dow, hhmm)
}

// FetchEndEntries returns the slots whose window closes exactly at hhmm.
func (r *ScheduleRepo) FetchEndEntries(ctx context.Context, dow model.DayOfWeek, hhmm string) ([]model.DueSlotEntry, error) {
	return r.fetchEntries(ctx, fetchEndEntriesSQL, dow, hhmm)
}

func (r *ScheduleRepo) fetchEntries(ctx context.Context, query string, dow model.DayOfWeek, hhmm string) ([]model.DueSlotEntry, error) {
	rows, err := r.pool.Query(ctx, query, string(dow), hhmm)
	if err != nil {
		return nil, fmt.Errorf("fetch slot entries: %w", err)
	}
	defer rows.Close()

	var out []model.DueSlotEntry
	for rows.Next() {
		var (
			e    model.DueSlotEntry
			unit *string
		)
		err := rows.Scan(
			&e.DeviceID, &e.DeviceUUID, &e.DeviceNumber, &e.MicrocontrollerUUID,
			&e.DataSourceID, &e.SchedulerID, &e.SlotID, &e.UserID,
			&e.UsePowerThreshold, &e.PowerThresholdValue, &unit,
		)
		if err != nil {
			return nil, fmt.Errorf("scan slot entry: %w", err)
		}
		e.PowerThresholdUnit = normalizeUnit(unit)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MeasurementRepo reads power data sources and their latest readings, owned
// by the measurement-ingestion subsystem.
type MeasurementRepo struct {
	pool *pgxpool.Pool
}

// NewMeasurementRepo wraps the pool.
func NewMeasurementRepo(pool *pgxpool.Pool) *MeasurementRepo {
	return &MeasurementRepo{pool: pool}
}

// DataSource returns the data source, or nil when it does not exist.
func (r *MeasurementRepo) DataSource(ctx context.Context, id int64) (*model.DataSource, error) {
	var src model.DataSource
	var unit *string
	err := r.pool.QueryRow(ctx,
		`SELECT id, enabled, expected_interval_sec, unit FROM data_sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.Enabled, &src.ExpectedIntervalSec, &unit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load data source: %w", err)
	}
	src.Unit = normalizeUnit(unit)
	return &src, nil
}

// LatestMeasurement returns the most recent reading for the data source, or
// nil when none exists.
func (r *MeasurementRepo) LatestMeasurement(ctx context.Context, dataSourceID int64) (*model.Measurement, error) {
	var m model.Measurement
	var unit *string
	err := r.pool.QueryRow(ctx,
		`SELECT measured_value, measured_unit, measured_at
		 FROM data_source_measurements
		 WHERE data_source_id = $1
		 ORDER BY measured_at DESC
		 LIMIT 1`, dataSourceID,
	).Scan(&m.Value, &unit, &m.MeasuredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest measurement: %w", err)
	}
	m.Unit = normalizeUnit(unit)
	return &m, nil
}

// DeviceStateRepo updates the device row after a confirmed acknowledgement.
type DeviceStateRepo struct {
	pool *pgxpool.Pool
}

// NewDeviceStateRepo wraps the pool.
func NewDeviceStateRepo(pool *pgxpool.Pool) *DeviceStateRepo {
	return &DeviceStateRepo{pool: pool}
}

// UpdateDeviceState records the confirmed pin state on the device.
func (r *DeviceStateRepo) UpdateDeviceState(ctx context.Context, deviceID int64, isOn bool, changedAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE devices SET manual_state = $2, last_state_change_at = $3 WHERE id = $1`,
		deviceID, isOn, changedAt,
	)
	if err != nil {
		return fmt.Errorf("update device state: %w", err)
	}
	return nil
}

// normalizeUnit trims the stored unit and fixes common casing variants.
func normalizeUnit(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	switch strings.ToLower(trimmed) {
	case "w":
		trimmed = "W"
	case "kw":
		trimmed = "kW"
	case "mw":
		trimmed = "MW"
	}
	return &trimmed
}
