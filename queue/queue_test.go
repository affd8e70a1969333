package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/model"
	"github.com/openfinancebr/receptor/store"
)

func newQueue(t *testing.T) (*Queue, *clock.Fake) {
	var clk = clock.NewFake(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	var st, err = store.Open(":memory:", clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, clk, DefaultBackoff), clk
}

func job(consentID, accountID string, priority int) model.SyncJob {
	return model.SyncJob{
		Kind:           model.JobAccountSync,
		ConsentID:      consentID,
		AccountID:      accountID,
		OrganisationID: "O1",
		ClientID:       "client-1",
		Priority:       priority,
		RunID:          "run-1",
	}
}

func TestEnqueueDedupRaisesPriority(t *testing.T) {
	var q, _ = newQueue(t)
	var ctx = context.Background()

	first, created, err := q.Enqueue(ctx, job("C1", "A1", 3))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := q.Enqueue(ctx, job("C1", "A1", 7))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.JobID, second.JobID)
	require.Equal(t, 7, second.Priority)

	// Lower priority does not lower the stored one.
	third, created, err := q.Enqueue(ctx, job("C1", "A1", 1))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 7, third.Priority)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestEnqueueAfterTerminalCreatesFresh(t *testing.T) {
	var q, _ = newQueue(t)
	var ctx = context.Background()

	_, _, err := q.Enqueue(ctx, job("C1", "A1", 1))
	require.NoError(t, err)

	leased, err := q.Lease(ctx, 1, "node-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, q.Ack(ctx, leased[0]))

	fresh, created, err := q.Enqueue(ctx, job("C1", "A1", 1))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, leased[0].Job.JobID, fresh.JobID)
}

func TestLeaseOrdersByPriorityThenAge(t *testing.T) {
	var q, clk = newQueue(t)
	var ctx = context.Background()

	_, _, err := q.Enqueue(ctx, job("C1", "A1", 1))
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, _, err = q.Enqueue(ctx, job("C2", "A2", 9))
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, _, err = q.Enqueue(ctx, job("C3", "A3", 9))
	require.NoError(t, err)

	leased, err := q.Lease(ctx, 3, "node-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 3)
	require.Equal(t, "C2", leased[0].Job.ConsentID)
	require.Equal(t, "C3", leased[1].Job.ConsentID)
	require.Equal(t, "C1", leased[2].Job.ConsentID)

	for _, l := range leased {
		require.Equal(t, model.JobLeased, l.Job.Status)
		require.Equal(t, "node-a", l.Job.Lease.Node)
	}
}

func TestLeasedJobsInvisibleToOtherNodes(t *testing.T) {
	var q, _ = newQueue(t)
	var ctx = context.Background()

	_, _, err := q.Enqueue(ctx, job("C1", "A1", 1))
	require.NoError(t, err)

	leased, err := q.Lease(ctx, 1, "node-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	other, err := q.Lease(ctx, 1, "node-b", time.Minute)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestNackRetrySchedule(t *testing.T) {
	var q, clk = newQueue(t)
	var ctx = context.Background()

	var j = job("C1", "A1", 1)
	j.MaxAttempts = 3
	_, _, err := q.Enqueue(ctx, j)
	require.NoError(t, err)

	leased, err := q.Lease(ctx, 1, "node-a", time.Minute)
	require.NoError(t, err)
	dead, err := q.Nack(ctx, leased[0], "transmitter unavailable", true)
	require.NoError(t, err)
	require.False(t, dead)

	// Invisible until the backoff elapses.
	got, err := q.Lease(ctx, 1, "node-a", time.Minute)
	require.NoError(t, err)
	require.Empty(t, got)

	clk.Advance(DefaultBackoff.Delay(1) + time.Second)
	got, err = q.Lease(ctx, 1, "node-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].Job.Attempts)
}

func TestNackExhaustionDeadLetters(t *testing.T) {
	var q, clk = newQueue(t)
	var ctx = context.Background()

	var j = job("C1", "A1", 1)
	j.MaxAttempts = 2
	_, _, err := q.Enqueue(ctx, j)
	require.NoError(t, err)

	for attempt := 0; attempt < 2; attempt++ {
		clk.Advance(DefaultBackoff.Max)
		var leased, err = q.Lease(ctx, 1, "node-a", time.Minute)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		dead, err := q.Nack(ctx, leased[0], "boom", true)
		require.NoError(t, err)
		// Only the final attempt terminates the job.
		require.Equal(t, attempt == 1, dead)
	}

	// DEAD is terminal: never re-leased.
	clk.Advance(time.Hour)
	leased, err := q.Lease(ctx, 1, "node-a", time.Minute)
	require.NoError(t, err)
	require.Empty(t, leased)
}

func TestNackNonRetryableDeadLettersImmediately(t *testing.T) {
	var q, _ = newQueue(t)
	var ctx = context.Background()

	_, _, err := q.Enqueue(ctx, job("C1", "A1", 1))
	require.NoError(t, err)

	leased, err := q.Lease(ctx, 1, "node-a", time.Minute)
	require.NoError(t, err)
	dead, err := q.Nack(ctx, leased[0], "malformed request", false)
	require.NoError(t, err)
	require.True(t, dead)

	got, err := q.Lease(ctx, 1, "node-a", time.Minute)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLeaseRecoveryKeepsAttempts(t *testing.T) {
	var q, clk = newQueue(t)
	var ctx = context.Background()

	_, _, err := q.Enqueue(ctx, job("C1", "A1", 1))
	require.NoError(t, err)

	// node-a leases for 2s and crashes without acking.
	leased, err := q.Lease(ctx, 1, "node-a", 2*time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	// Before expiry nothing recovers.
	n, err := q.RecoverExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(3 * time.Second)
	n, err = q.RecoverExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A new node picks the job up with attempts unchanged.
	recovered, err := q.Lease(ctx, 1, "node-b", time.Minute)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Zero(t, recovered[0].Job.Attempts)
	require.Equal(t, "node-b", recovered[0].Job.Lease.Node)
}

func TestAckAfterLeaseLossIsHarmless(t *testing.T) {
	var q, clk = newQueue(t)
	var ctx = context.Background()

	_, _, err := q.Enqueue(ctx, job("C1", "A1", 1))
	require.NoError(t, err)

	stale, err := q.Lease(ctx, 1, "node-a", time.Second)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	_, err = q.RecoverExpired(ctx)
	require.NoError(t, err)

	fresh, err := q.Lease(ctx, 1, "node-b", time.Minute)
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	// The stale ack no longer owns the row and must not clobber it:
	// the fresh lease still acks successfully.
	require.NoError(t, q.Ack(ctx, stale[0]))
	require.NoError(t, q.Ack(ctx, fresh[0]))
}
