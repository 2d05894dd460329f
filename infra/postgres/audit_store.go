package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartenergy/schedulerd/core/audit"
	"github.com/smartenergy/schedulerd/infra/logger"
)

const insertDeviceEventSQL = `
INSERT INTO device_events (
  device_id, event_type, event_name, device_state, pin_state,
  measured_value, measured_unit, trigger_reason, source, created_at
)
VALUES ($1, 'SCHEDULER', $2, $3, $4, $5, $6, $7, 'scheduler', $8)`

// AuditStore writes device events to the device_events table. Writes are best
// effort: failures are logged and swallowed so the dispatch path never blocks
// on the audit trail.
type AuditStore struct {
	pool    *pgxpool.Pool
	log     logger.Logger
	timeout time.Duration
}

// NewAuditStore wraps the pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool, log: logger.New("audit-store"), timeout: 2 * time.Second}
}

var _ audit.Sink = (*AuditStore)(nil)

// Record inserts one device event.
func (s *AuditStore) Record(ctx context.Context, e audit.Entry) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, insertDeviceEventSQL,
		e.DeviceID, string(e.EventName), deviceStateFromPin(e.PinState), e.PinState,
		e.MeasuredValue, e.MeasuredUnit, e.TriggerReason, time.Now().UTC(),
	)
	if err != nil {
		s.log.Errorf("audit write failed: %v", err)
	}
}

func deviceStateFromPin(pin *bool) *string {
	if pin == nil {
		return nil
	}
	state := "OFF"
	if *pin {
		state = "ON"
	}
	return &state
}
