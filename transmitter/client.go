// Package transmitter is the typed HTTP client for holder
// institutions' Open Finance APIs. Every call carries FAPI headers and
// a bearer token, and is shielded by a per-organisation rate limiter
// and circuit breaker plus a jittered retry loop.
package transmitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/openfinancebr/receptor/auth"
	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/directory"
	"github.com/openfinancebr/receptor/ofb"
)

// Caller identifies the tenant on whose behalf a call is made.
type Caller struct {
	ClientID       string
	OrganisationID string
}

// Client issues typed calls against transmitters. Safe for concurrent
// use; per-organisation state is created on first touch.
type Client struct {
	resolver   directory.Resolver
	tokens     *auth.Provider
	httpClient *http.Client
	clock      clock.Clock
	retry      RetryPolicy

	// CustomerIP is forwarded as x-fapi-customer-ip-address when the
	// collection was customer-initiated; batch runs leave it empty.
	CustomerIP string

	qps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*breaker
}

// NewClient builds a Client. |qps| bounds per-organisation call rate.
// Zero fields of |retry| take the DefaultRetryPolicy values, so a
// zero policy never disables the call loop.
func NewClient(resolver directory.Resolver, tokens *auth.Provider, httpClient *http.Client, clk clock.Clock, retry RetryPolicy, qps float64, burst int) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		resolver:   resolver,
		tokens:     tokens,
		httpClient: httpClient,
		clock:      clk,
		retry:      retry,
		qps:        rate.Limit(qps),
		burst:      burst,
		limiters:   map[string]*rate.Limiter{},
		breakers:   map[string]*breaker{},
	}
}

func (c *Client) limiter(org string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	var l, ok = c.limiters[org]
	if !ok {
		l = rate.NewLimiter(c.qps, c.burst)
		c.limiters[org] = l
	}
	return l
}

func (c *Client) breaker(org string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b, ok = c.breakers[org]
	if !ok {
		b = newBreaker(org, c.clock)
		c.breakers[org] = b
	}
	return b
}

// Account fetches an account's identification resource.
func (c *Client) Account(ctx context.Context, caller Caller, accountID string) (ofb.AccountData, error) {
	var out ofb.AccountData
	var err = c.get(ctx, caller, "/open-banking/accounts/v2/accounts/"+url.PathEscape(accountID), nil, &out)
	return out, err
}

// Balances fetches an account's balance snapshot.
func (c *Client) Balances(ctx context.Context, caller Caller, accountID string) (ofb.BalancesData, error) {
	var out ofb.BalancesData
	var err = c.get(ctx, caller, "/open-banking/accounts/v2/accounts/"+url.PathEscape(accountID)+"/balances", nil, &out)
	return out, err
}

// Limits fetches an account's overdraft-limits snapshot.
func (c *Client) Limits(ctx context.Context, caller Caller, accountID string) (ofb.LimitsData, error) {
	var out ofb.LimitsData
	var err = c.get(ctx, caller, "/open-banking/accounts/v2/accounts/"+url.PathEscape(accountID)+"/overdraft-limits", nil, &out)
	return out, err
}

// Transactions fetches one page of an account's transactions within
// the booking-date window. It reports whether further pages remain.
func (c *Client) Transactions(ctx context.Context, caller Caller, accountID string, from, to time.Time, page int) ([]ofb.TransactionData, bool, error) {
	var query = url.Values{
		"fromBookingDate": {from.Format("2006-01-02")},
		"toBookingDate":   {to.Format("2006-01-02")},
	}
	if page > 1 {
		query.Set("page", fmt.Sprint(page))
	}

	var out []ofb.TransactionData
	var env, err = c.do(ctx, caller, http.MethodGet,
		"/open-banking/accounts/v2/accounts/"+url.PathEscape(accountID)+"/transactions", query, nil)
	if err != nil {
		return nil, false, err
	}
	if err = json.Unmarshal(env.Data, &out); err != nil {
		return nil, false, fmt.Errorf("decoding transactions page: %w", err)
	}
	return out, env.Links.Next != "", nil
}

// Consent fetches a consent resource from the transmitter.
func (c *Client) Consent(ctx context.Context, caller Caller, consentID string) (ofb.ConsentData, error) {
	var out ofb.ConsentData
	var err = c.get(ctx, caller, "/open-banking/consents/v3/consents/"+url.PathEscape(consentID), nil, &out)
	return out, err
}

// ExtendConsent posts a consent extension and returns the updated
// consent resource.
func (c *Client) ExtendConsent(ctx context.Context, caller Caller, consentID string, req ofb.ConsentExtensionRequest) (ofb.ConsentData, error) {
	var body, err = json.Marshal(req)
	if err != nil {
		return ofb.ConsentData{}, fmt.Errorf("encoding extension request: %w", err)
	}

	var out ofb.ConsentData
	env, err := c.doWithBody(ctx, caller, http.MethodPost,
		"/open-banking/consents/v3/consents/"+url.PathEscape(consentID)+"/extensions", nil, body)
	if err != nil {
		return ofb.ConsentData{}, err
	}
	if err = json.Unmarshal(env.Data, &out); err != nil {
		return ofb.ConsentData{}, fmt.Errorf("decoding extension response: %w", err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, caller Caller, path string, query url.Values, out any) error {
	var env, err = c.do(ctx, caller, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, caller Caller, method, path string, query url.Values, body []byte) (ofb.Envelope, error) {
	return c.doWithBody(ctx, caller, method, path, query, body)
}

// doWithBody runs the retry loop around one logical call.
func (c *Client) doWithBody(ctx context.Context, caller Caller, method, path string, query url.Values, body []byte) (ofb.Envelope, error) {
	var org = caller.OrganisationID

	var ep, err = c.resolver.Resolve(ctx, org)
	if err != nil {
		return ofb.Envelope{}, &Error{Kind: KindUnavailable, Retryable: true, OrganisationID: org, cause: err}
	}

	var brk = c.breaker(org)
	var lim = c.limiter(org)
	var authRetried bool
	var lastErr *Error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			retriesCounter.WithLabelValues(org).Inc()
			select {
			case <-c.clock.After(c.retry.Backoff(attempt - 1)):
			case <-ctx.Done():
				return ofb.Envelope{}, &Error{Kind: KindNetwork, Retryable: true, OrganisationID: org, cause: ctx.Err()}
			}
		}

		if !brk.allow() {
			callsCounter.WithLabelValues(org, "short_circuit").Inc()
			return ofb.Envelope{}, &Error{Kind: KindUnavailable, Retryable: true, OrganisationID: org,
				cause: fmt.Errorf("circuit breaker open")}
		}
		if err = lim.Wait(ctx); err != nil {
			return ofb.Envelope{}, &Error{Kind: KindNetwork, Retryable: true, OrganisationID: org, cause: err}
		}

		tok, err := c.tokens.Token(ctx, caller.ClientID, org)
		if err != nil {
			brk.record(true)
			lastErr = &Error{Kind: KindAuth, Retryable: true, OrganisationID: org, cause: err}
			continue
		}

		var env, status, callErr = c.roundTrip(ctx, ep, tok.AccessToken, method, path, query, body)

		switch {
		case callErr != nil:
			// Transport-level failure.
			brk.record(true)
			lastErr = &Error{Kind: KindNetwork, Retryable: true, OrganisationID: org, cause: callErr}
			continue

		case status >= 200 && status < 300:
			brk.record(false)
			callsCounter.WithLabelValues(org, "success").Inc()
			return env, nil

		case status == 401 && !authRetried:
			// Stale token: invalidate and retry exactly once with a
			// fresh one, without consuming a retry attempt.
			c.tokens.Invalidate(caller.ClientID, org)
			authRetried = true
			brk.record(false)
			attempt--
			continue

		default:
			var kind, retryCall = classify(status)
			brk.record(kind == KindServerError || kind == KindRateLimited || kind == KindNetwork)

			lastErr = &Error{Kind: kind, Retryable: kind.Retryable(), OrganisationID: org, Status: status}
			if !retryCall {
				callsCounter.WithLabelValues(org, string(kind)).Inc()
				return ofb.Envelope{}, lastErr
			}
			continue
		}
	}

	callsCounter.WithLabelValues(org, string(lastErr.Kind)).Inc()
	log.WithFields(log.Fields{
		"organisationId": org,
		"path":           path,
		"kind":           lastErr.Kind,
	}).Warn("transmitter call failed after retries")
	return ofb.Envelope{}, lastErr
}

// roundTrip performs one HTTP exchange with FAPI headers applied.
func (c *Client) roundTrip(ctx context.Context, ep directory.Endpoint, token, method, path string, query url.Values, body []byte) (ofb.Envelope, int, error) {
	var u = ep.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return ofb.Envelope{}, 0, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-fapi-interaction-id", clock.NewID())
	req.Header.Set("x-fapi-auth-date", c.clock.Now().Format(http.TimeFormat))
	if c.CustomerIP != "" {
		req.Header.Set("x-fapi-customer-ip-address", c.CustomerIP)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var started = time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ofb.Envelope{}, 0, err
	}
	defer resp.Body.Close()
	callLatency.WithLabelValues(ep.OrganisationID).Observe(time.Since(started).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection is reusable.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return ofb.Envelope{}, resp.StatusCode, nil
	}

	var env ofb.Envelope
	if err = json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return ofb.Envelope{}, 0, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, resp.StatusCode, nil
}
