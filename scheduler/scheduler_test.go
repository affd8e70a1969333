package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfinancebr/receptor/cache"
	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/consent"
	"github.com/openfinancebr/receptor/events"
	"github.com/openfinancebr/receptor/model"
	"github.com/openfinancebr/receptor/queue"
	"github.com/openfinancebr/receptor/report"
	"github.com/openfinancebr/receptor/store"
)

type rig struct {
	clk     *clock.Fake
	engine  *consent.Engine
	queue   *queue.Queue
	reports *report.Aggregator
	bus     *events.Local
	sched   *Scheduler
}

func newRig(t *testing.T) *rig {
	var clk = clock.NewFake(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	var st, err = store.Open(":memory:", clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c, err := cache.New(256, clk)
	require.NoError(t, err)

	var bus = events.NewLocal()
	var engine = consent.NewEngine(st, c, bus, nil, clk, consent.DefaultConfig)
	var q = queue.New(st, clk, queue.DefaultBackoff)
	var reports = report.New(st, clk)

	return &rig{
		clk:     clk,
		engine:  engine,
		queue:   q,
		reports: reports,
		bus:     bus,
		sched:   New(engine, q, reports, bus, clk, DefaultConfig),
	}
}

func (r *rig) seedAuthorised(t *testing.T, consentID string, permissions, accounts []string) model.Consent {
	var created = r.clk.Now().Add(-24 * time.Hour)
	var c = model.Consent{
		ConsentID:        consentID,
		ClientID:         "client-1",
		OrganisationID:   "O1",
		Status:           model.ConsentAuthorised,
		CreatedAt:        created,
		StatusUpdatedAt:  created,
		Permissions:      permissions,
		LinkedAccountIDs: accounts,
	}
	require.NoError(t, r.engine.Ingest(context.Background(), c, ""))
	return c
}

var allPermissions = []string{
	model.PermissionAccountsRead,
	model.PermissionBalancesRead,
	model.PermissionTransactionsRead,
}

func TestRunBatchFansOutPerAccount(t *testing.T) {
	var r = newRig(t)
	var ctx = context.Background()

	r.seedAuthorised(t, "C1", allPermissions, []string{"A1", "A2"})

	runID, err := r.sched.RunBatch(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	// Two accounts, each with an account sync and a transaction sync.
	depth, err := r.queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), depth)

	rep, err := r.reports.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, int64(4), rep.Dispatched)

	var started = r.bus.OfType(model.EventBatchStarted)
	require.Len(t, started, 1)
	require.Equal(t, runID, started[0].Event.Key)
}

func TestPermissionsGateJobKinds(t *testing.T) {
	var r = newRig(t)
	var ctx = context.Background()

	r.seedAuthorised(t, "C1", []string{model.PermissionAccountsRead}, []string{"A1"})

	_, err := r.sched.RunBatch(ctx)
	require.NoError(t, err)

	leased, err := r.queue.Lease(ctx, 10, "node-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, model.JobAccountSync, leased[0].Job.Kind)
}

func TestCooldownSkipsRecentlySynced(t *testing.T) {
	var r = newRig(t)
	var ctx = context.Background()

	var c = r.seedAuthorised(t, "C1", allPermissions, []string{"A1"})
	require.NoError(t, r.engine.MarkProcessed(ctx, c.ClientID, c.ConsentID, r.clk.Now().Add(-time.Hour)))

	runID, err := r.sched.RunBatch(ctx)
	require.NoError(t, err)

	rep, err := r.reports.Get(ctx, runID)
	require.NoError(t, err)
	require.Zero(t, rep.Dispatched)

	// Past the cooldown the consent is due again.
	r.clk.Advance(6 * time.Hour)
	runID, err = r.sched.RunBatch(ctx)
	require.NoError(t, err)
	rep, err = r.reports.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, int64(2), rep.Dispatched)
}

func TestDispatchDedupsAcrossRuns(t *testing.T) {
	var r = newRig(t)
	var ctx = context.Background()

	r.seedAuthorised(t, "C1", allPermissions, []string{"A1"})

	first, err := r.sched.RunBatch(ctx)
	require.NoError(t, err)
	rep, err := r.reports.Get(ctx, first)
	require.NoError(t, err)
	require.Equal(t, int64(2), rep.Dispatched)

	// The consent is still due, but its jobs are already queued.
	second, err := r.sched.RunBatch(ctx)
	require.NoError(t, err)
	rep, err = r.reports.Get(ctx, second)
	require.NoError(t, err)
	require.Zero(t, rep.Dispatched)

	depth, err := r.queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)
}

func TestStarvedConsentLeasesFirst(t *testing.T) {
	var r = newRig(t)
	var ctx = context.Background()

	var fresh = r.seedAuthorised(t, "C-fresh", []string{model.PermissionAccountsRead}, []string{"A1"})
	require.NoError(t, r.engine.MarkProcessed(ctx, fresh.ClientID, fresh.ConsentID, r.clk.Now().Add(-7*time.Hour)))

	var starved = model.Consent{
		ConsentID:        "C-starved",
		ClientID:         "client-1",
		OrganisationID:   "O1",
		Status:           model.ConsentAuthorised,
		CreatedAt:        r.clk.Now().Add(-4 * 24 * time.Hour),
		StatusUpdatedAt:  r.clk.Now().Add(-4 * 24 * time.Hour),
		Permissions:      []string{model.PermissionAccountsRead},
		LinkedAccountIDs: []string{"A2"},
	}
	require.NoError(t, r.engine.Ingest(ctx, starved, ""))

	_, err := r.sched.RunBatch(ctx)
	require.NoError(t, err)

	leased, err := r.queue.Lease(ctx, 1, "node-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, "C-starved", leased[0].Job.ConsentID)
}

func TestFinalizePublishesBatchCompleted(t *testing.T) {
	var r = newRig(t)
	var ctx = context.Background()

	r.seedAuthorised(t, "C1", []string{model.PermissionAccountsRead}, []string{"A1"})

	runID, err := r.sched.RunBatch(ctx)
	require.NoError(t, err)

	require.NoError(t, r.reports.RecordOutcome(ctx, runID, "O1", report.OutcomeSuccess, "", 150*time.Millisecond))
	require.NoError(t, r.sched.FinalizeWhenDrained(ctx, runID))

	var completed = r.bus.OfType(model.EventBatchCompleted)
	require.Len(t, completed, 1)
	var payload = completed[0].Event.Payload.(model.BatchCompleted)
	require.Equal(t, runID, payload.RunID)
	require.Equal(t, int64(1), payload.TotalProcessed)
	require.Equal(t, int64(1), payload.TotalSuccess)
	require.Zero(t, payload.TotalErrors)

	rep, err := r.reports.Get(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, rep.CompletedAt)
}

func TestRequestResyncEnqueuesAtMaxPriority(t *testing.T) {
	var r = newRig(t)
	var ctx = context.Background()

	// A batch-dispatched job for another consent sits in the queue.
	r.seedAuthorised(t, "C-batch", []string{model.PermissionAccountsRead}, []string{"A1"})
	_, err := r.sched.RunBatch(ctx)
	require.NoError(t, err)

	var c = r.seedAuthorised(t, "C-manual", []string{model.PermissionBalancesRead}, []string{"A2"})
	require.NoError(t, r.engine.MarkProcessed(ctx, c.ClientID, c.ConsentID, r.clk.Now()))

	job, err := r.sched.RequestResync(ctx, model.JobBalanceSync, c.ClientID, c.ConsentID, "A2")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig.MaxPriority, job.Priority)

	// The manual job jumps ahead of the batch job.
	leased, err := r.queue.Lease(ctx, 1, "node-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, "C-manual", leased[0].Job.ConsentID)
	require.Equal(t, model.JobBalanceSync, leased[0].Job.Kind)
}

func TestRequestResyncRejectsUnauthorisedConsent(t *testing.T) {
	var r = newRig(t)
	var ctx = context.Background()

	var c = r.seedAuthorised(t, "C1", allPermissions, []string{"A1"})
	_, err := r.engine.Revoke(ctx, c.ClientID, c.ConsentID, &model.Rejection{
		Code: "CUSTOMER_MANUALLY_REVOKED",
	})
	require.NoError(t, err)

	_, err = r.sched.RequestResync(ctx, model.JobAccountSync, c.ClientID, c.ConsentID, "A1")
	require.Error(t, err)

	depth, err := r.queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestUntilNextWindow(t *testing.T) {
	var r = newRig(t)

	// 12:00 with windows at 02:00 and 14:00: the 14:00 window is next.
	require.Equal(t, 2*time.Hour,
		r.sched.untilNextWindow(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)))

	// 15:00: next is 02:00 the following day.
	require.Equal(t, 11*time.Hour,
		r.sched.untilNextWindow(time.Date(2026, 4, 1, 15, 0, 0, 0, time.UTC)))
}
