package directory

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfinancebr/receptor/clock"
)

func TestResolveLazyRefreshOnMiss(t *testing.T) {
	var clk = clock.NewFake(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	var fetches atomic.Int32

	var r = NewCached(func(context.Context) ([]Endpoint, error) {
		fetches.Add(1)
		return []Endpoint{{
			OrganisationID:   "O1",
			BaseURL:          "https://o1.example/open-banking",
			AuthURL:          "https://auth.o1.example/token",
			Families:         []string{FamilyAccounts, FamilyConsents},
			ClientAuthMethod: AuthMethodTLSClientAuth,
		}}, nil
	}, clk, 2*time.Hour)

	var ep, err = r.Resolve(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, "https://o1.example/open-banking", ep.BaseURL)
	require.True(t, ep.Supports(FamilyAccounts))
	require.Equal(t, int32(1), fetches.Load())

	// A fresh entry is served without refetching.
	_, err = r.Resolve(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, int32(1), fetches.Load())

	// An unknown org triggers a refresh, then still fails.
	_, err = r.Resolve(context.Background(), "O9")
	require.ErrorIs(t, err, ErrUnknownOrganisation)
	require.Equal(t, int32(2), fetches.Load())
}

func TestResolveRefreshesWhenDue(t *testing.T) {
	var clk = clock.NewFake(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	var fetches atomic.Int32

	var r = NewCached(func(context.Context) ([]Endpoint, error) {
		fetches.Add(1)
		return []Endpoint{{OrganisationID: "O1", BaseURL: "https://o1"}}, nil
	}, clk, time.Hour)

	_, err := r.Resolve(context.Background(), "O1")
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	_, err = r.Resolve(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, int32(2), fetches.Load())
}

func TestResolveStaleServeUnderDirectoryFailure(t *testing.T) {
	var clk = clock.NewFake(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	var fail atomic.Bool

	var r = NewCached(func(context.Context) ([]Endpoint, error) {
		if fail.Load() {
			return nil, fmt.Errorf("directory down")
		}
		return []Endpoint{{OrganisationID: "O1", BaseURL: "https://o1"}}, nil
	}, clk, time.Hour)

	_, err := r.Resolve(context.Background(), "O1")
	require.NoError(t, err)

	fail.Store(true)

	// Past the refresh interval but within the stale allowance.
	clk.Advance(90 * time.Minute)
	ep, err := r.Resolve(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, "https://o1", ep.BaseURL)

	// Past the stale allowance the failure surfaces.
	clk.Advance(time.Hour)
	_, err = r.Resolve(context.Background(), "O1")
	require.Error(t, err)
}

func TestStaticResolver(t *testing.T) {
	var r = Static{"O1": {OrganisationID: "O1", BaseURL: "https://o1"}}

	var ep, err = r.Resolve(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, "https://o1", ep.BaseURL)

	_, err = r.Resolve(context.Background(), "O2")
	require.ErrorIs(t, err, ErrUnknownOrganisation)
}
