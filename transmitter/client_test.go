package transmitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfinancebr/receptor/auth"
	"github.com/openfinancebr/receptor/cache"
	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/directory"
	"github.com/openfinancebr/receptor/ofb"
)

// testRig wires a Client against httptest auth and data servers.
func testRig(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int32) {
	var tokenFetches atomic.Int32

	var authServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenFetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	t.Cleanup(authServer.Close)

	var dataServer = httptest.NewServer(handler)
	t.Cleanup(dataServer.Close)

	var clk = clock.Real{}
	c, err := cache.New(64, clk)
	require.NoError(t, err)

	var resolver = directory.Static{"O1": {
		OrganisationID:   "O1",
		BaseURL:          dataServer.URL,
		AuthURL:          authServer.URL,
		Families:         []string{directory.FamilyAccounts, directory.FamilyConsents},
		ClientAuthMethod: directory.AuthMethodTLSClientAuth,
	}}

	var tokens = auth.NewProvider(resolver,
		func(string) (auth.Credential, error) { return auth.Credential{OAuthClientID: "cid"}, nil },
		c, clk, dataServer.Client())

	var retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return NewClient(resolver, tokens, dataServer.Client(), clk, retry, 1000, 100), &tokenFetches
}

func envelope(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	var raw, err = json.Marshal(data)
	require.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ofb.Envelope{Data: raw})
}

func TestAccountCallCarriesFAPIHeaders(t *testing.T) {
	var seenInteraction atomic.Value

	var client, _ = testRig(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		require.NotEmpty(t, r.Header.Get("x-fapi-auth-date"))
		seenInteraction.Store(r.Header.Get("x-fapi-interaction-id"))
		require.Equal(t, "/open-banking/accounts/v2/accounts/A1", r.URL.Path)

		envelope(t, w, ofb.AccountData{AccountID: "A1", CompeCode: "001", Currency: "BRL"})
	})

	var acct, err = client.Account(context.Background(), Caller{"client-1", "O1"}, "A1")
	require.NoError(t, err)
	require.Equal(t, "A1", acct.AccountID)
	require.NotEmpty(t, seenInteraction.Load())
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	var client, _ = testRig(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		envelope(t, w, ofb.BalancesData{
			AvailableAmount: ofb.Amount{Amount: "100.00", Currency: "BRL"},
		})
	})

	var bal, err = client.Balances(context.Background(), Caller{"client-1", "O1"}, "A1")
	require.NoError(t, err)
	require.Equal(t, "100.00", bal.AvailableAmount.Amount)
	require.Equal(t, int32(3), calls.Load())
}

func TestExhaustedRetriesReturnTypedError(t *testing.T) {
	var client, _ = testRig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	var _, err = client.Account(context.Background(), Caller{"client-1", "O1"}, "A1")
	var te, ok = AsError(err)
	require.True(t, ok)
	require.Equal(t, KindServerError, te.Kind)
	require.True(t, te.Retryable)
}

func TestBadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	var client, _ = testRig(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	var _, err = client.Account(context.Background(), Caller{"client-1", "O1"}, "A1")
	var te, ok = AsError(err)
	require.True(t, ok)
	require.Equal(t, KindBadRequest, te.Kind)
	require.False(t, te.Retryable)
	require.Equal(t, int32(1), calls.Load())
}

func TestNotFoundSurfacesImmediately(t *testing.T) {
	var client, _ = testRig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	var _, err = client.Account(context.Background(), Caller{"client-1", "O1"}, "missing")
	var te, ok = AsError(err)
	require.True(t, ok)
	require.Equal(t, KindNotFound, te.Kind)
}

func TestStaleTokenInvalidatedAndRetriedOnce(t *testing.T) {
	var calls atomic.Int32

	var client, tokenFetches = testRig(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		envelope(t, w, ofb.AccountData{AccountID: "A1"})
	})

	var _, err = client.Account(context.Background(), Caller{"client-1", "O1"}, "A1")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, int32(2), tokenFetches.Load())
}

func TestPersistentUnauthorizedIsAuthError(t *testing.T) {
	var client, _ = testRig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	var _, err = client.Account(context.Background(), Caller{"client-1", "O1"}, "A1")
	var te, ok = AsError(err)
	require.True(t, ok)
	require.Equal(t, KindAuth, te.Kind)
}

func TestZeroRetryPolicyTakesDefaults(t *testing.T) {
	var client = NewClient(nil, nil, nil, clock.Real{}, RetryPolicy{}, 10, 0)
	require.Equal(t, DefaultRetryPolicy, client.retry)
	require.Equal(t, 1, client.burst)
}

func TestBackoffHandlesTinyDelays(t *testing.T) {
	var p = RetryPolicy{MaxAttempts: 3, BaseDelay: 1, MaxDelay: 1}
	for attempt := 1; attempt <= 3; attempt++ {
		require.NotPanics(t, func() { _ = p.Backoff(attempt) })
	}

	p = DefaultRetryPolicy
	for attempt := 1; attempt <= 5; attempt++ {
		var d = p.Backoff(attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, p.MaxDelay)
	}
}

func TestTransactionsPaging(t *testing.T) {
	var client, _ = testRig(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "2026-01-01", r.URL.Query().Get("fromBookingDate"))

		var txs = []ofb.TransactionData{{TransactionID: "T1", TransactionAmount: ofb.Amount{Amount: "1.00", Currency: "BRL"}}}
		var raw, _ = json.Marshal(txs)
		var env = ofb.Envelope{Data: raw}
		if r.URL.Query().Get("page") == "" {
			env.Links.Next = "page=2"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(env)
	})

	var from = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var to = from.AddDate(0, 0, 90)

	txs, more, err := client.Transactions(context.Background(), Caller{"client-1", "O1"}, "A1", from, to, 1)
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, txs, 1)

	_, more, err = client.Transactions(context.Background(), Caller{"client-1", "O1"}, "A1", from, to, 2)
	require.NoError(t, err)
	require.False(t, more)
}
