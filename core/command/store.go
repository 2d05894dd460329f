// Package command defines the authoritative store of in-flight and historical
// device commands: idempotent enqueueing, claim-based dispatch, retry
// bookkeeping and terminal-state invariants.
package command

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/smartenergy/schedulerd/core/model"
)

// RetryPolicy controls the publish-failure retry path. The retry schedule is
// persisted on the row (next_retry_at), not kept in memory, so it survives
// process restarts.
type RetryPolicy struct {
	MaxRetry int
	Backoff  time.Duration
	Jitter   time.Duration
}

// ClaimOptions parameterize a dispatch claim pass.
type ClaimOptions struct {
	Limit       int
	AckTimeout  time.Duration
	MaxInflight int
}

// Store is the command table. All operations are individual transactions and
// every mutating operation is guarded by a terminal-state check, so concurrent
// dispatcher, reaper and ack-handler passes can never regress a finished
// command.
type Store interface {
	// Enqueue inserts a new PENDING command. Inserting the same logical
	// decision twice is a no-op: it returns false without error when the
	// (device, slot, minute, action) idempotency key already exists.
	Enqueue(ctx context.Context, minuteKey time.Time, entry model.DueSlotEntry, action model.Action, triggerReason string, measuredValue *float64, measuredUnit *string) (bool, error)

	// ClaimForDispatch locks due PENDING rows, admits them up to opts.Limit
	// overall and opts.MaxInflight per microcontroller (counting rows already
	// SENT for that target), and stamps the admitted rows SENT with an ack
	// deadline of now+AckTimeout in the locking transaction. Rows locked but
	// not admitted stay PENDING. Concurrent claimers skip each other's locks.
	ClaimForDispatch(ctx context.Context, now time.Time, opts ClaimOptions) ([]model.Command, error)

	// MarkPublishFailure records a transport-level publish failure. Below the
	// retry ceiling the command returns to PENDING with a persisted backoff
	// plus jitter; past the ceiling it becomes ACK_FAIL. Terminal rows are
	// left untouched. Returns nil when the command does not exist.
	MarkPublishFailure(ctx context.Context, commandID uuid.UUID, now time.Time, policy RetryPolicy) (*model.Command, error)

	// MarkAck resolves an acknowledgement. The command becomes ACK_OK only
	// when the transport succeeded and the reported device state matches the
	// action; otherwise ACK_FAIL. Returns applied=false when the row was
	// already terminal or does not exist.
	MarkAck(ctx context.Context, commandID uuid.UUID, transportOK bool, actualState *bool, now time.Time) (*model.Command, bool, error)

	// ClaimTimeouts locks SENT rows whose ack deadline has passed and
	// transitions them to TIMEOUT, clearing the timing fields.
	ClaimTimeouts(ctx context.Context, now time.Time, limit int) ([]model.Command, error)
}
