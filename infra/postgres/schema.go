package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The command table owns the idempotency key and the claim protocol. The
// unique constraint on (device_id, slot_id, minute_key, action) is what makes
// enqueueing commutative under re-evaluation; the partial indexes back the
// claim and reaper scans.
const createCommandsTableSQL = `
CREATE TABLE IF NOT EXISTS scheduler_commands (
  id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  command_id uuid NOT NULL UNIQUE,
  minute_key timestamptz NOT NULL,
  device_id bigint NOT NULL,
  device_uuid uuid NOT NULL,
  device_number integer NOT NULL,
  microcontroller_uuid uuid NOT NULL,
  scheduler_id bigint NOT NULL,
  slot_id bigint NOT NULL,
  user_id bigint NOT NULL,
  action text NOT NULL,
  status text NOT NULL DEFAULT 'PENDING',
  attempt integer NOT NULL DEFAULT 0,
  next_retry_at timestamptz,
  ack_deadline_at timestamptz,
  trigger_reason text,
  measured_value numeric(12,4),
  measured_unit varchar(16),
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  CONSTRAINT uq_scheduler_commands_idempotency UNIQUE (device_id, slot_id, minute_key, action)
)`

const createCommandsPendingIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_scheduler_commands_pending
ON scheduler_commands (status, next_retry_at, minute_key)`

const createCommandsTargetIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_scheduler_commands_mc
ON scheduler_commands (microcontroller_uuid, status)`

const createDeviceEventsTableSQL = `
CREATE TABLE IF NOT EXISTS device_events (
  id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  device_id bigint NOT NULL,
  event_type text NOT NULL,
  event_name text NOT NULL,
  device_state text,
  pin_state boolean,
  measured_value numeric(12,4),
  measured_unit varchar(16),
  trigger_reason text,
  source text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createDeviceEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_device_events_device
ON device_events (device_id, created_at)`

// EnsureSchema creates the tables owned by this subsystem. The schedule,
// device and measurement tables belong to other services and are only read
// here.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		createCommandsTableSQL,
		createCommandsPendingIndexSQL,
		createCommandsTargetIndexSQL,
		createDeviceEventsTableSQL,
		createDeviceEventsIndexSQL,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
