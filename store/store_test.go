package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/model"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func openTest(t *testing.T) (*Store, *clock.Fake) {
	var clk = clock.NewFake(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	var s, err = Open(":memory:", clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func TestUpsertVersioning(t *testing.T) {
	var s, _ = openTest(t)
	var ctx = context.Background()

	// First insert requires the row be absent.
	v, err := s.Upsert(ctx, "consents", "client-1", "C1", testDoc{"a", 1}, Meta{Status: "AUTHORISED"}, VersionAbsent)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	// A second insert-only write conflicts.
	_, err = s.Upsert(ctx, "consents", "client-1", "C1", testDoc{"b", 2}, Meta{}, VersionAbsent)
	require.ErrorIs(t, err, ErrConflict)

	// Conditional update with the right version succeeds and bumps it.
	v, err = s.Upsert(ctx, "consents", "client-1", "C1", testDoc{"b", 2}, Meta{Status: "AUTHORISED"}, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	// A stale version conflicts.
	_, err = s.Upsert(ctx, "consents", "client-1", "C1", testDoc{"c", 3}, Meta{}, 1)
	require.ErrorIs(t, err, ErrConflict)

	var got testDoc
	v, err = s.Get(ctx, "consents", "client-1", "C1", &got)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
	require.Equal(t, testDoc{"b", 2}, got)
}

func TestUpsertVersionAnyInsertsOrReplaces(t *testing.T) {
	var s, _ = openTest(t)
	var ctx = context.Background()

	v, err := s.Upsert(ctx, "runs", "r1", "r1", testDoc{"x", 0}, Meta{}, VersionAny)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = s.Upsert(ctx, "runs", "r1", "r1", testDoc{"y", 1}, Meta{}, VersionAny)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}

func TestGetAbsentAndSoftDelete(t *testing.T) {
	var s, _ = openTest(t)
	var ctx = context.Background()

	_, err := s.Get(ctx, "accounts", "p", "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Upsert(ctx, "accounts", "p", "A1", testDoc{"a", 1}, Meta{}, VersionAbsent)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "accounts", "p", "A1"))

	_, err = s.Get(ctx, "accounts", "p", "A1", nil)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "accounts", "p", "A1"), ErrNotFound)
}

func TestQueryPagingIsDeterministic(t *testing.T) {
	var s, _ = openTest(t)
	var ctx = context.Background()

	for _, key := range []string{"C3", "C1", "C2", "C5", "C4"} {
		var _, err = s.Upsert(ctx, "consents", "client-1", key, testDoc{key, 0}, Meta{Status: "AUTHORISED"}, VersionAbsent)
		require.NoError(t, err)
	}

	docs, next, err := s.RunQuery(ctx, Query{Collection: "consents", Status: "AUTHORISED", Limit: 2})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.NotEmpty(t, next)
	require.Equal(t, "C1", docs[0].Key)
	require.Equal(t, "C2", docs[1].Key)

	docs, _, err = s.RunQuery(ctx, Query{Collection: "consents", Status: "AUTHORISED", Limit: 10, PageToken: next})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	require.Equal(t, "C3", docs[0].Key)
	require.Equal(t, "C5", docs[2].Key)
}

func TestQueryByPriority(t *testing.T) {
	var s, clk = openTest(t)
	var ctx = context.Background()

	_, err := s.Upsert(ctx, "jobs", "org-1", "j-low", testDoc{}, Meta{Status: "PENDING", Priority: 1}, VersionAbsent)
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = s.Upsert(ctx, "jobs", "org-1", "j-high", testDoc{}, Meta{Status: "PENDING", Priority: 9}, VersionAbsent)
	require.NoError(t, err)

	docs, _, err := s.RunQuery(ctx, Query{
		Collection: "jobs", Status: "PENDING",
		VisibleBefore: clk.Now(), Order: OrderByPriority, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "j-high", docs[0].Key)
}

func TestSweepRetention(t *testing.T) {
	var s, clk = openTest(t)
	var ctx = context.Background()

	var soon = clk.Now().Add(time.Hour)
	_, err := s.Upsert(ctx, "consents", "p", "expiring", testDoc{}, Meta{ExpiresAt: &soon}, VersionAbsent)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "consents", "p", "keeper", testDoc{}, Meta{}, VersionAbsent)
	require.NoError(t, err)

	n, err := s.SweepRetention(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(2 * time.Hour)
	n, err = s.SweepRetention(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "consents", "p", "keeper", nil)
	require.NoError(t, err)
}

func TestPutTransactionIdempotent(t *testing.T) {
	var s, clk = openTest(t)
	var ctx = context.Background()

	var tx = model.Transaction{
		AccountID:  "A1",
		ExternalID: "T1",
		ClientID:   "client-1",
		Amount:     "10.00",
		AmountMinor: 1000,
		Currency:   "BRL",
		BookedAt:   clk.Now(),
	}

	inserted, err := s.PutTransaction(ctx, tx)
	require.NoError(t, err)
	require.True(t, inserted)

	first, err := s.ListTransactions(ctx, "A1", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A replay of the same row is ignored and createdAt is unchanged.
	clk.Advance(time.Hour)
	inserted, err = s.PutTransaction(ctx, tx)
	require.NoError(t, err)
	require.False(t, inserted)

	second, err := s.ListTransactions(ctx, "A1", time.Time{}, 10)
	require.NoError(t, err)
	require.Equal(t, first, second)

	n, err := s.CountTransactions(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
