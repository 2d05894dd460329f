package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartenergy/schedulerd/core/command"
	"github.com/smartenergy/schedulerd/core/model"
)

// Candidate rows are over-fetched by this factor before the in-memory
// inflight filter, since row locking and the per-target aggregate cannot be
// expressed as a single atomic query.
const claimOverfetchFactor = 4

const commandColumns = `id, command_id, minute_key, device_id, device_uuid, device_number,
	microcontroller_uuid, scheduler_id, slot_id, user_id, action, status, attempt,
	next_retry_at, ack_deadline_at, trigger_reason, measured_value, measured_unit,
	created_at, updated_at`

// CommandStore implements command.Store on a pgx pool.
type CommandStore struct {
	pool *pgxpool.Pool
}

// NewCommandStore wraps the pool.
func NewCommandStore(pool *pgxpool.Pool) *CommandStore {
	return &CommandStore{pool: pool}
}

var _ command.Store = (*CommandStore)(nil)

const enqueueSQL = `
INSERT INTO scheduler_commands (
  command_id, minute_key, device_id, device_uuid, device_number,
  microcontroller_uuid, scheduler_id, slot_id, user_id, action, status,
  attempt, next_retry_at, trigger_reason, measured_value, measured_unit,
  created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'PENDING', 0, $11, $12, $13, $14, $15, $15)
ON CONFLICT ON CONSTRAINT uq_scheduler_commands_idempotency DO NOTHING`

// Enqueue inserts a PENDING command, returning false when the idempotency key
// already exists. Duplicates are expected under re-evaluation and are never
// an error.
func (s *CommandStore) Enqueue(ctx context.Context, minuteKey time.Time, entry model.DueSlotEntry, action model.Action, triggerReason string, measuredValue *float64, measuredUnit *string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, enqueueSQL,
		uuid.New(), minuteKey, entry.DeviceID, entry.DeviceUUID, entry.DeviceNumber,
		entry.MicrocontrollerUUID, entry.SchedulerID, entry.SlotID, entry.UserID,
		string(action), now, triggerReason, measuredValue, measuredUnit, now,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue command: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const claimCandidatesSQL = `
SELECT ` + commandColumns + `
FROM scheduler_commands
WHERE status = 'PENDING' AND (next_retry_at IS NULL OR next_retry_at <= $1)
ORDER BY minute_key ASC, id ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`

const inflightCountsSQL = `
SELECT microcontroller_uuid, COUNT(id)
FROM scheduler_commands
WHERE status = 'SENT' AND microcontroller_uuid = ANY($1)
GROUP BY microcontroller_uuid`

const stampSentSQL = `
UPDATE scheduler_commands
SET status = 'SENT', ack_deadline_at = $1, updated_at = $2
WHERE id = ANY($3)`

// ClaimForDispatch locks a superset of due PENDING rows with SKIP LOCKED,
// reads the current SENT count per microcontroller, then greedily admits
// candidates up to the per-target inflight cap and the overall limit in
// (minute_key, id) order. Admitted rows are stamped SENT inside the locking
// transaction; the rest keep their PENDING status and are released with the
// commit.
func (s *CommandStore) ClaimForDispatch(ctx context.Context, now time.Time, opts command.ClaimOptions) ([]model.Command, error) {
	limit := opts.Limit
	if limit < 1 {
		limit = 1
	}
	inflightCap := opts.MaxInflight
	if inflightCap < 1 {
		inflightCap = 1
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout < time.Second {
		ackTimeout = time.Second
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	candidateLimit := limit * claimOverfetchFactor
	rows, err := tx.Query(ctx, claimCandidatesSQL, now, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("lock candidates: %w", err)
	}
	candidates, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, tx.Commit(ctx)
	}

	targets := make([]uuid.UUID, 0, len(candidates))
	seen := make(map[uuid.UUID]struct{}, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c.MicrocontrollerUUID]; !ok {
			seen[c.MicrocontrollerUUID] = struct{}{}
			targets = append(targets, c.MicrocontrollerUUID)
		}
	}
	inflight := make(map[uuid.UUID]int, len(targets))
	countRows, err := tx.Query(ctx, inflightCountsSQL, targets)
	if err != nil {
		return nil, fmt.Errorf("count inflight: %w", err)
	}
	for countRows.Next() {
		var mc uuid.UUID
		var n int64
		if err := countRows.Scan(&mc, &n); err != nil {
			countRows.Close()
			return nil, err
		}
		inflight[mc] = int(n)
	}
	countRows.Close()
	if err := countRows.Err(); err != nil {
		return nil, err
	}

	deadline := now.Add(ackTimeout)
	chosen := make([]model.Command, 0, limit)
	chosenIDs := make([]int64, 0, limit)
	chosenPer := make(map[uuid.UUID]int)
	for _, c := range candidates {
		if inflight[c.MicrocontrollerUUID]+chosenPer[c.MicrocontrollerUUID] >= inflightCap {
			continue
		}
		c.Status = model.StatusSent
		c.AckDeadlineAt = &deadline
		c.UpdatedAt = now
		chosen = append(chosen, c)
		chosenIDs = append(chosenIDs, c.ID)
		chosenPer[c.MicrocontrollerUUID]++
		if len(chosen) >= limit {
			break
		}
	}
	if len(chosen) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, stampSentSQL, deadline, now, chosenIDs); err != nil {
		return nil, fmt.Errorf("stamp sent: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return chosen, nil
}

const selectForUpdateSQL = `
SELECT ` + commandColumns + `
FROM scheduler_commands
WHERE command_id = $1
FOR UPDATE`

const retryUpdateSQL = `
UPDATE scheduler_commands
SET status = 'PENDING', attempt = $2, next_retry_at = $3, ack_deadline_at = NULL, updated_at = $4
WHERE command_id = $1`

const exhaustUpdateSQL = `
UPDATE scheduler_commands
SET status = 'ACK_FAIL', attempt = $2, next_retry_at = NULL, ack_deadline_at = NULL, updated_at = $3
WHERE command_id = $1`

// MarkPublishFailure increments the attempt counter and either schedules a
// retry (PENDING with a persisted backoff+jitter) or, past the ceiling,
// finishes the command as ACK_FAIL. Terminal rows are returned unchanged.
func (s *CommandStore) MarkPublishFailure(ctx context.Context, commandID uuid.UUID, now time.Time, policy command.RetryPolicy) (*model.Command, error) {
	var result *model.Command
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cmd, err := getForUpdate(ctx, tx, commandID)
		if err != nil {
			return err
		}
		if cmd == nil {
			return nil
		}
		if cmd.Status.IsTerminal() {
			result = cmd
			return nil
		}

		cmd.Attempt++
		cmd.UpdatedAt = now
		maxRetry := policy.MaxRetry
		if maxRetry < 0 {
			maxRetry = 0
		}
		if cmd.Attempt <= maxRetry {
			delay := policy.Backoff
			if delay < 0 {
				delay = 0
			}
			if policy.Jitter > 0 {
				delay += time.Duration(rand.Int63n(int64(policy.Jitter) + 1))
			}
			retryAt := now.Add(delay)
			cmd.Status = model.StatusPending
			cmd.NextRetryAt = &retryAt
			cmd.AckDeadlineAt = nil
			if _, err := tx.Exec(ctx, retryUpdateSQL, commandID, cmd.Attempt, retryAt, now); err != nil {
				return fmt.Errorf("schedule retry: %w", err)
			}
			result = cmd
			return nil
		}

		cmd.Status = model.StatusAckFail
		cmd.NextRetryAt = nil
		cmd.AckDeadlineAt = nil
		if _, err := tx.Exec(ctx, exhaustUpdateSQL, commandID, cmd.Attempt, now); err != nil {
			return fmt.Errorf("exhaust retries: %w", err)
		}
		result = cmd
		return nil
	})
	return result, err
}

const ackUpdateSQL = `
UPDATE scheduler_commands
SET status = $2, next_retry_at = NULL, ack_deadline_at = NULL, updated_at = $3
WHERE command_id = $1`

// MarkAck resolves an acknowledgement. ACK_OK requires both transport success
// and a reported state matching the action; anything else, including an
// unknown state, is ACK_FAIL. Already-terminal rows are untouched and
// reported with applied=false so a losing racer becomes a no-op.
func (s *CommandStore) MarkAck(ctx context.Context, commandID uuid.UUID, transportOK bool, actualState *bool, now time.Time) (*model.Command, bool, error) {
	var (
		result  *model.Command
		applied bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cmd, err := getForUpdate(ctx, tx, commandID)
		if err != nil {
			return err
		}
		if cmd == nil {
			return nil
		}
		if cmd.Status.IsTerminal() {
			result = cmd
			return nil
		}

		status := model.StatusAckFail
		if transportOK && model.ActionMatchesState(cmd.Action, actualState) {
			status = model.StatusAckOK
		}
		cmd.Status = status
		cmd.NextRetryAt = nil
		cmd.AckDeadlineAt = nil
		cmd.UpdatedAt = now
		if _, err := tx.Exec(ctx, ackUpdateSQL, commandID, string(status), now); err != nil {
			return fmt.Errorf("mark ack: %w", err)
		}
		result = cmd
		applied = true
		return nil
	})
	return result, applied, err
}

const claimTimeoutsSQL = `
SELECT ` + commandColumns + `
FROM scheduler_commands
WHERE status = 'SENT' AND ack_deadline_at IS NOT NULL AND ack_deadline_at < $1
ORDER BY ack_deadline_at ASC, id ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`

const reapUpdateSQL = `
UPDATE scheduler_commands
SET status = 'TIMEOUT', next_retry_at = NULL, ack_deadline_at = NULL, updated_at = $1
WHERE id = ANY($2)`

// ClaimTimeouts locks SENT rows past their ack deadline and transitions them
// to TIMEOUT. The lock re-checks status inside the transaction, so a command
// acked concurrently between read and reap is skipped by whichever
// transaction commits second.
func (s *CommandStore) ClaimTimeouts(ctx context.Context, now time.Time, limit int) ([]model.Command, error) {
	if limit < 1 {
		limit = 1
	}
	var reaped []model.Command
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claimTimeoutsSQL, now, limit)
		if err != nil {
			return fmt.Errorf("lock timeouts: %w", err)
		}
		cmds, err := scanCommands(rows)
		if err != nil {
			return err
		}
		if len(cmds) == 0 {
			return nil
		}
		ids := make([]int64, len(cmds))
		for i := range cmds {
			cmds[i].Status = model.StatusTimeout
			cmds[i].NextRetryAt = nil
			cmds[i].AckDeadlineAt = nil
			cmds[i].UpdatedAt = now
			ids[i] = cmds[i].ID
		}
		if _, err := tx.Exec(ctx, reapUpdateSQL, now, ids); err != nil {
			return fmt.Errorf("reap timeouts: %w", err)
		}
		reaped = cmds
		return nil
	})
	return reaped, err
}

// GetByCommandID loads a single command without locking it. Used by tests and
// operational tooling.
func (s *CommandStore) GetByCommandID(ctx context.Context, commandID uuid.UUID) (*model.Command, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+commandColumns+` FROM scheduler_commands WHERE command_id = $1`, commandID)
	if err != nil {
		return nil, err
	}
	cmds, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, nil
	}
	return &cmds[0], nil
}

func getForUpdate(ctx context.Context, tx pgx.Tx, commandID uuid.UUID) (*model.Command, error) {
	rows, err := tx.Query(ctx, selectForUpdateSQL, commandID)
	if err != nil {
		return nil, fmt.Errorf("lock command: %w", err)
	}
	cmds, err := scanCommands(rows)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, nil
	}
	return &cmds[0], nil
}

func scanCommands(rows pgx.Rows) ([]model.Command, error) {
	defer rows.Close()
	var out []model.Command
	for rows.Next() {
		var (
			c      model.Command
			action string
			status string
			reason *string
		)
		err := rows.Scan(
			&c.ID, &c.CommandID, &c.MinuteKey, &c.DeviceID, &c.DeviceUUID, &c.DeviceNumber,
			&c.MicrocontrollerUUID, &c.SchedulerID, &c.SlotID, &c.UserID, &action, &status,
			&c.Attempt, &c.NextRetryAt, &c.AckDeadlineAt, &reason, &c.MeasuredValue,
			&c.MeasuredUnit, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		c.Action = model.Action(action)
		c.Status = model.Status(status)
		if reason != nil {
			c.TriggerReason = *reason
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
