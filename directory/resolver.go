// Package directory resolves organisation ids to transmitter endpoints.
// The participants-directory wire protocol is deliberately kept behind
// a fetch function; this package owns the refresh cadence, miss
// handling, and stale-serve behaviour.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/openfinancebr/receptor/clock"
)

// Client auth methods an organisation may support.
const (
	AuthMethodTLSClientAuth = "tls_client_auth"
	AuthMethodPrivateKeyJWT = "private_key_jwt"
)

// API family names used to gate calls per organisation.
const (
	FamilyAccounts = "accounts"
	FamilyConsents = "consents"
)

// Endpoint is one organisation's resolved connection details.
type Endpoint struct {
	OrganisationID   string
	BaseURL          string
	AuthURL          string
	Families         []string
	ClientAuthMethod string
}

// Supports reports whether the endpoint exposes |family|.
func (e Endpoint) Supports(family string) bool {
	for _, f := range e.Families {
		if f == family {
			return true
		}
	}
	return false
}

// ErrUnknownOrganisation is returned when an organisation id resolves
// to nothing even after a refresh.
var ErrUnknownOrganisation = errors.New("unknown organisation")

// Resolver maps an organisation id to its endpoint.
type Resolver interface {
	Resolve(ctx context.Context, organisationID string) (Endpoint, error)
}

// FetchFunc retrieves the full participants listing. Implementations
// wrap the directory HTTP API; tests supply a literal slice.
type FetchFunc func(ctx context.Context) ([]Endpoint, error)

// Cached is a Resolver that refreshes the participants listing on an
// interval, refreshes lazily on a miss, and serves stale entries while
// the directory is unreachable for up to one interval past the last
// successful refresh.
type Cached struct {
	fetch    FetchFunc
	clock    clock.Clock
	interval time.Duration

	group singleflight.Group

	mu          sync.RWMutex
	byOrg       map[string]Endpoint
	refreshedAt time.Time
}

// NewCached builds a Cached resolver. A non-positive interval selects
// the default of two hours.
func NewCached(fetch FetchFunc, clk clock.Clock, interval time.Duration) *Cached {
	if interval <= 0 {
		interval = 2 * time.Hour
	}
	return &Cached{
		fetch:    fetch,
		clock:    clk,
		interval: interval,
		byOrg:    map[string]Endpoint{},
	}
}

// Resolve returns the endpoint of |organisationID|, refreshing the
// listing if it is due or if the organisation is unknown.
func (c *Cached) Resolve(ctx context.Context, organisationID string) (Endpoint, error) {
	c.mu.RLock()
	var ep, ok = c.byOrg[organisationID]
	var fresh = c.clock.Now().Before(c.refreshedAt.Add(c.interval))
	c.mu.RUnlock()

	if ok && fresh {
		return ep, nil
	}

	// Miss or due: coalesce concurrent refreshes onto one fetch.
	var _, err, _ = c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err != nil {
		// Stale-serve: a known entry remains valid for one further
		// interval past its refresh deadline.
		var staleLimit = c.refreshedAt.Add(2 * c.interval)
		if ok && c.clock.Now().Before(staleLimit) {
			log.WithFields(log.Fields{
				"organisationId": organisationID,
				"err":            err,
			}).Warn("directory refresh failed; serving stale endpoint")
			return ep, nil
		}
		return Endpoint{}, fmt.Errorf("resolving organisation %s: %w", organisationID, err)
	}

	if ep, ok = c.byOrg[organisationID]; !ok {
		return Endpoint{}, fmt.Errorf("resolving organisation %s: %w", organisationID, ErrUnknownOrganisation)
	}
	return ep, nil
}

// RunRefreshLoop eagerly refreshes on the configured interval until
// |ctx| is cancelled. Failures are logged and retried next interval;
// Resolve continues to stale-serve meanwhile.
func (c *Cached) RunRefreshLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(c.interval):
		}
		if err := c.refresh(ctx); err != nil {
			log.WithField("err", err).Warn("scheduled directory refresh failed")
		}
	}
}

func (c *Cached) refresh(ctx context.Context) error {
	var listing, err = c.fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetching participants: %w", err)
	}

	var next = make(map[string]Endpoint, len(listing))
	for _, ep := range listing {
		next[ep.OrganisationID] = ep
	}

	c.mu.Lock()
	c.byOrg = next
	c.refreshedAt = c.clock.Now()
	c.mu.Unlock()

	log.WithField("participants", len(next)).Debug("directory refreshed")
	return nil
}

// Static is a fixed Resolver for tests and single-org deployments.
type Static map[string]Endpoint

func (s Static) Resolve(_ context.Context, organisationID string) (Endpoint, error) {
	var ep, ok = s[organisationID]
	if !ok {
		return Endpoint{}, fmt.Errorf("resolving organisation %s: %w", organisationID, ErrUnknownOrganisation)
	}
	return ep, nil
}
