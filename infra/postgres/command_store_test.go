package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/smartenergy/schedulerd/core/command"
	"github.com/smartenergy/schedulerd/core/model"
)

// startPostgres spins up a disposable PostgreSQL container and returns a
// connected pool with the schema applied.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("DOCKER_AVAILABLE") != "true" && os.Getenv("DOCKER_AVAILABLE") != "1" {
		t.Skip("docker not available")
	}
	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "scheduler",
			"POSTGRES_PASSWORD": "scheduler",
			"POSTGRES_DB":       "smartenergy",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://scheduler:scheduler@%s:%s/smartenergy", host, port.Port())
	var pool *pgxpool.Pool
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err = NewPool(ctx, Config{URL: url, MaxConns: 8})
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres not reachable: %v", err)
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Cleanup(pool.Close)
	require.NoError(t, EnsureSchema(ctx, pool))
	return pool
}

func entryFor(deviceID, slotID int64, mc uuid.UUID) model.DueSlotEntry {
	return model.DueSlotEntry{
		DeviceID:            deviceID,
		DeviceUUID:          uuid.New(),
		DeviceNumber:        1,
		MicrocontrollerUUID: mc,
		SchedulerID:         1,
		SlotID:              slotID,
		UserID:              1,
	}
}

func TestCommandStoreIntegration(t *testing.T) {
	pool := startPostgres(t)
	store := NewCommandStore(pool)
	ctx := context.Background()

	minute := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	claimOpts := func(limit, inflight int) command.ClaimOptions {
		return command.ClaimOptions{Limit: limit, AckTimeout: 5 * time.Second, MaxInflight: inflight}
	}
	reset := func(t *testing.T) {
		t.Helper()
		_, err := pool.Exec(ctx, "TRUNCATE scheduler_commands")
		require.NoError(t, err)
	}

	t.Run("enqueue is idempotent per minute and action", func(t *testing.T) {
		reset(t)
		entry := entryFor(100, 100, uuid.New())
		inserted, err := store.Enqueue(ctx, minute, entry, model.ActionOn, model.ReasonSchedulerMatch, nil, nil)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = store.Enqueue(ctx, minute, entry, model.ActionOn, model.ReasonSchedulerMatch, nil, nil)
		require.NoError(t, err)
		assert.False(t, inserted)

		// A different action at the same minute is a distinct command.
		inserted, err = store.Enqueue(ctx, minute, entry, model.ActionOff, model.ReasonSchedulerEnd, nil, nil)
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("claim stamps sent and enforces inflight cap", func(t *testing.T) {
		reset(t)
		mc := uuid.New()
		for i := int64(0); i < 3; i++ {
			_, err := store.Enqueue(ctx, minute, entryFor(200+i, 200+i, mc), model.ActionOn, model.ReasonSchedulerMatch, nil, nil)
			require.NoError(t, err)
		}

		now := time.Now().UTC()
		claimed, err := store.ClaimForDispatch(ctx, now, claimOpts(10, 2))
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		for _, c := range claimed {
			assert.Equal(t, model.StatusSent, c.Status)
			require.NotNil(t, c.AckDeadlineAt)
			assert.WithinDuration(t, now.Add(5*time.Second), *c.AckDeadlineAt, time.Second)
		}

		// The two SENT rows fill the cap; the third stays PENDING.
		claimed, err = store.ClaimForDispatch(ctx, now, claimOpts(10, 2))
		require.NoError(t, err)
		assert.Empty(t, claimed)

		// Resolving one frees a slot.
		isOn := true
		_, applied, err := store.MarkAck(ctx, claimed0(t, store, ctx, 200).CommandID, true, &isOn, now)
		require.NoError(t, err)
		require.True(t, applied)

		claimed, err = store.ClaimForDispatch(ctx, now, claimOpts(10, 2))
		require.NoError(t, err)
		assert.Len(t, claimed, 1)
	})

	t.Run("concurrent claimers never share a command", func(t *testing.T) {
		reset(t)
		mcA, mcB := uuid.New(), uuid.New()
		for i := int64(0); i < 4; i++ {
			mc := mcA
			if i%2 == 1 {
				mc = mcB
			}
			_, err := store.Enqueue(ctx, minute, entryFor(300+i, 300+i, mc), model.ActionOn, model.ReasonSchedulerMatch, nil, nil)
			require.NoError(t, err)
		}

		now := time.Now().UTC()
		var (
			mu      sync.Mutex
			claimed []model.Command
			wg      sync.WaitGroup
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				batch, err := store.ClaimForDispatch(ctx, now, claimOpts(2, 4))
				assert.NoError(t, err)
				mu.Lock()
				claimed = append(claimed, batch...)
				mu.Unlock()
			}()
		}
		wg.Wait()

		ids := make(map[uuid.UUID]struct{})
		for _, c := range claimed {
			_, dup := ids[c.CommandID]
			assert.False(t, dup, "command %s claimed twice", c.CommandID)
			ids[c.CommandID] = struct{}{}
		}
		assert.Len(t, ids, 4)
	})

	t.Run("publish failure retries then exhausts", func(t *testing.T) {
		reset(t)
		entry := entryFor(400, 400, uuid.New())
		_, err := store.Enqueue(ctx, minute, entry, model.ActionOn, model.ReasonSchedulerMatch, nil, nil)
		require.NoError(t, err)

		now := time.Now().UTC()
		claimed, err := store.ClaimForDispatch(ctx, now, claimOpts(1, 1))
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		cmd := claimed[0]

		policy := command.RetryPolicy{MaxRetry: 2, Backoff: time.Minute}
		updated, err := store.MarkPublishFailure(ctx, cmd.CommandID, now, policy)
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, model.StatusPending, updated.Status)
		assert.Equal(t, 1, updated.Attempt)
		require.NotNil(t, updated.NextRetryAt)
		assert.True(t, updated.NextRetryAt.After(now))
		assert.Nil(t, updated.AckDeadlineAt)

		// Backed-off command is not claimable before its retry time.
		claimed, err = store.ClaimForDispatch(ctx, now, claimOpts(1, 1))
		require.NoError(t, err)
		assert.Empty(t, claimed)

		// But is claimable once the backoff elapses.
		later := now.Add(2 * time.Minute)
		claimed, err = store.ClaimForDispatch(ctx, later, claimOpts(1, 1))
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		updated, err = store.MarkPublishFailure(ctx, cmd.CommandID, later, policy)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, updated.Status)
		assert.Equal(t, 2, updated.Attempt)

		final := later.Add(2 * time.Minute)
		claimed, err = store.ClaimForDispatch(ctx, final, claimOpts(1, 1))
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		updated, err = store.MarkPublishFailure(ctx, cmd.CommandID, final, policy)
		require.NoError(t, err)
		assert.Equal(t, model.StatusAckFail, updated.Status)
		assert.Equal(t, 3, updated.Attempt)
		assert.Nil(t, updated.NextRetryAt)

		// Terminal rows are immutable.
		updated, err = store.MarkPublishFailure(ctx, cmd.CommandID, final, policy)
		require.NoError(t, err)
		assert.Equal(t, model.StatusAckFail, updated.Status)
		assert.Equal(t, 3, updated.Attempt)
	})

	t.Run("ack requires transport success and matching state", func(t *testing.T) {
		reset(t)
		mc := uuid.New()
		enqueueAndClaim := func(deviceID, slotID int64) model.Command {
			_, err := store.Enqueue(ctx, minute, entryFor(deviceID, slotID, mc), model.ActionOn, model.ReasonSchedulerMatch, nil, nil)
			require.NoError(t, err)
			claimed, err := store.ClaimForDispatch(ctx, time.Now().UTC(), claimOpts(1, 10))
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			return claimed[0]
		}

		now := time.Now().UTC()
		on, off := true, false

		cmd := enqueueAndClaim(500, 500)
		updated, applied, err := store.MarkAck(ctx, cmd.CommandID, true, &on, now)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, model.StatusAckOK, updated.Status)
		assert.Nil(t, updated.AckDeadlineAt)

		// A second resolution of the same command is a no-op.
		updated, applied, err = store.MarkAck(ctx, cmd.CommandID, true, &off, now)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, model.StatusAckOK, updated.Status)

		// Reported state contradicting the action fails the command.
		cmd = enqueueAndClaim(501, 501)
		updated, applied, err = store.MarkAck(ctx, cmd.CommandID, true, &off, now)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, model.StatusAckFail, updated.Status)

		// Unknown state never matches.
		cmd = enqueueAndClaim(502, 502)
		updated, applied, err = store.MarkAck(ctx, cmd.CommandID, true, nil, now)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, model.StatusAckFail, updated.Status)
	})

	t.Run("reaper times out expired commands", func(t *testing.T) {
		reset(t)
		_, err := store.Enqueue(ctx, minute, entryFor(600, 600, uuid.New()), model.ActionOn, model.ReasonSchedulerMatch, nil, nil)
		require.NoError(t, err)

		now := time.Now().UTC()
		claimed, err := store.ClaimForDispatch(ctx, now, claimOpts(1, 1))
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		cmd := claimed[0]

		// Nothing to reap before the deadline.
		reaped, err := store.ClaimTimeouts(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, reaped)

		past := now.Add(time.Minute)
		reaped, err = store.ClaimTimeouts(ctx, past, 10)
		require.NoError(t, err)
		require.Len(t, reaped, 1)
		assert.Equal(t, cmd.CommandID, reaped[0].CommandID)
		assert.Equal(t, model.StatusTimeout, reaped[0].Status)
		assert.Nil(t, reaped[0].AckDeadlineAt)

		// A late ack after the reap loses the race.
		on := true
		_, applied, err := store.MarkAck(ctx, cmd.CommandID, true, &on, past)
		require.NoError(t, err)
		assert.False(t, applied)
	})
}

// claimed0 loads the first command enqueued for the device, used to resolve a
// row by device id when the claim result is not at hand.
func claimed0(t *testing.T, store *CommandStore, ctx context.Context, deviceID int64) model.Command {
	t.Helper()
	rows, err := store.pool.Query(ctx, `SELECT `+commandColumns+` FROM scheduler_commands WHERE device_id = $1 ORDER BY id ASC LIMIT 1`, deviceID)
	require.NoError(t, err)
	cmds, err := scanCommands(rows)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	return cmds[0]
}
