// Package consent applies the consent status machine and runs the
// engine's sweeps. All writes are optimistic: a version conflict
// refetches the document and replays the pure transition while it
// remains legal.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openfinancebr/receptor/cache"
	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/events"
	"github.com/openfinancebr/receptor/model"
	"github.com/openfinancebr/receptor/ofb"
	"github.com/openfinancebr/receptor/store"
	"github.com/openfinancebr/receptor/transmitter"
)

// Retention windows applied to stored consents.
const (
	rejectedRetention = 24 * time.Hour
	expiredRetention  = 30 * 24 * time.Hour
	// defaultRetention caps expiry-based retention: a consent row never
	// outlives its last status change by more than this.
	defaultRetention = 365 * 24 * time.Hour
	// MaxExtension bounds how far a renewal may push expiry.
	MaxExtension = 365 * 24 * time.Hour
	// conflictReplays bounds optimistic-write retries.
	conflictReplays = 3
	// hotConsentTTL is the read-path cache lifetime.
	hotConsentTTL = time.Hour
	// idempotencyTTL covers replayed consent-create deliveries.
	idempotencyTTL = 24 * time.Hour
)

// TransmitterAPI is the slice of the transmitter client the engine
// needs; *transmitter.Client satisfies it.
type TransmitterAPI interface {
	Consent(ctx context.Context, caller transmitter.Caller, consentID string) (ofb.ConsentData, error)
	ExtendConsent(ctx context.Context, caller transmitter.Caller, consentID string, req ofb.ConsentExtensionRequest) (ofb.ConsentData, error)
}

// Config tunes the engine's sweep loops.
type Config struct {
	ExpirySweepInterval time.Duration
	SyncSweepInterval   time.Duration
	// AwaitingThreshold is how old an AWAITING_AUTHORISATION consent
	// must be before the sync sweep reconciles it remotely.
	AwaitingThreshold time.Duration
	SweepPageSize     int
}

// DefaultConfig matches the regulated cadences.
var DefaultConfig = Config{
	ExpirySweepInterval: time.Hour,
	SyncSweepInterval:   30 * time.Minute,
	AwaitingThreshold:   15 * time.Minute,
	SweepPageSize:       200,
}

// Engine owns consent state.
type Engine struct {
	store     *store.Store
	cache     *cache.Cache
	publisher events.Publisher
	remote    TransmitterAPI
	clock     clock.Clock
	config    Config
}

// NewEngine wires an Engine.
func NewEngine(st *store.Store, c *cache.Cache, pub events.Publisher, remote TransmitterAPI, clk clock.Clock, cfg Config) *Engine {
	if cfg.SweepPageSize <= 0 {
		cfg.SweepPageSize = DefaultConfig.SweepPageSize
	}
	return &Engine{store: st, cache: c, publisher: pub, remote: remote, clock: clk, config: cfg}
}

// docMeta derives the indexed columns and retention TTL of a consent
// document. NextVisibleAt carries the instant scheduling queries
// compare against: lastProcessedAt for AUTHORISED consents (zero when
// never processed) and statusUpdatedAt for AWAITING ones.
func docMeta(c *model.Consent) store.Meta {
	var m = store.Meta{Status: string(c.Status), OrgKey: c.OrganisationID}

	switch {
	case c.Status == model.ConsentRejected || c.Status == model.ConsentRevoked:
		var exp = c.StatusUpdatedAt.Add(rejectedRetention)
		m.ExpiresAt = &exp
	case c.ExpiresAt != nil:
		var exp = c.ExpiresAt.Add(expiredRetention)
		if bound := c.StatusUpdatedAt.Add(defaultRetention); exp.After(bound) {
			exp = bound
		}
		m.ExpiresAt = &exp
	}

	switch {
	case c.LastProcessedAt != nil:
		m.NextVisibleAt = *c.LastProcessedAt
	case c.Status == model.ConsentAwaitingAuthorisation:
		m.NextVisibleAt = c.StatusUpdatedAt
	}
	return m
}

// Ingest stores a consent delivered by the consent-creation flow.
// Re-deliveries bearing the same idempotency key are acknowledged
// without effect.
func (e *Engine) Ingest(ctx context.Context, c model.Consent, idempotencyKey string) error {
	if idempotencyKey != "" {
		if _, seen := e.cache.Get(cache.PrefixIdempotency + idempotencyKey); seen {
			return nil
		}
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(c.CreatedAt) {
		return &ValidationError{Code: CodeInvalidExpiry,
			Detail: fmt.Sprintf("consent %s expires before creation", c.ConsentID)}
	}

	var _, err = e.store.Upsert(ctx, store.CollectionConsents, c.ClientID, c.ConsentID, &c, docMeta(&c), store.VersionAbsent)
	if errors.Is(err, store.ErrConflict) {
		// Already ingested; treat as a replay.
		err = nil
	}
	if err == nil && idempotencyKey != "" {
		e.cache.Put(cache.PrefixIdempotency+idempotencyKey, []byte{1}, idempotencyTTL)
	}
	return err
}

// Find reads one consent, serving hot documents from cache.
func (e *Engine) Find(ctx context.Context, clientID, consentID string) (model.Consent, error) {
	var key = cache.PrefixConsent + clientID + "/" + consentID
	if blob, ok := e.cache.Get(key); ok {
		var c model.Consent
		if err := json.Unmarshal(blob, &c); err == nil {
			return c, nil
		}
	}

	var c model.Consent
	var version, err = e.store.Get(ctx, store.CollectionConsents, clientID, consentID, &c)
	if err != nil {
		return model.Consent{}, err
	}
	c.Version = version

	if blob, err := json.Marshal(c); err == nil {
		e.cache.Put(key, blob, hotConsentTTL)
	}
	return c, nil
}

// FindByClient pages one tenant's consents in key order.
func (e *Engine) FindByClient(ctx context.Context, clientID string, limit int, pageToken string) ([]model.Consent, string, error) {
	var docs, next, err = e.store.RunQuery(ctx, store.Query{
		Collection: store.CollectionConsents,
		Partition:  clientID,
		Limit:      limit,
		PageToken:  pageToken,
	})
	if err != nil {
		return nil, "", err
	}
	var out = make([]model.Consent, 0, len(docs))
	for i := range docs {
		var c model.Consent
		if err = docs[i].Decode(&c); err != nil {
			return nil, "", err
		}
		c.Version = docs[i].Version
		out = append(out, c)
	}
	return out, next, nil
}

// FindDue pages AUTHORISED consents not processed since |before|, in
// partition-key order. This is the scheduler's feeder.
func (e *Engine) FindDue(ctx context.Context, before time.Time, limit int, pageToken string) ([]model.Consent, string, error) {
	var docs, next, err = e.store.RunQuery(ctx, store.Query{
		Collection:    store.CollectionConsents,
		Status:        string(model.ConsentAuthorised),
		VisibleBefore: before,
		Limit:         limit,
		PageToken:     pageToken,
	})
	if err != nil {
		return nil, "", err
	}
	var out = make([]model.Consent, 0, len(docs))
	for i := range docs {
		var c model.Consent
		if err = docs[i].Decode(&c); err != nil {
			return nil, "", err
		}
		c.Version = docs[i].Version
		out = append(out, c)
	}
	return out, next, nil
}

// mutate refetches-and-replays |fn| over the stored consent until the
// conditional write lands or the transition stops being legal.
func (e *Engine) mutate(ctx context.Context, clientID, consentID string, fn func(*model.Consent) error) (model.Consent, error) {
	for i := 0; i < conflictReplays; i++ {
		var c model.Consent
		var version, err = e.store.Get(ctx, store.CollectionConsents, clientID, consentID, &c)
		if err != nil {
			return model.Consent{}, err
		}

		if err = fn(&c); err != nil {
			return model.Consent{}, err
		}

		newVersion, err := e.store.Upsert(ctx, store.CollectionConsents, clientID, consentID, &c, docMeta(&c), version)
		if errors.Is(err, store.ErrConflict) {
			continue
		} else if err != nil {
			return model.Consent{}, err
		}
		c.Version = newVersion

		e.cache.Evict(cache.PrefixConsent + clientID + "/" + consentID)
		return c, nil
	}
	return model.Consent{}, fmt.Errorf("updating consent %s: %w", consentID, store.ErrConflict)
}

// UpdateStatus applies one transition and publishes the change.
func (e *Engine) UpdateStatus(ctx context.Context, clientID, consentID string, to model.ConsentStatus, rejection *model.Rejection) (model.Consent, error) {
	var previous model.ConsentStatus

	var updated, err = e.mutate(ctx, clientID, consentID, func(c *model.Consent) error {
		previous = c.Status
		return ApplyTransition(c, to, e.clock.Now(), rejection)
	})
	if err != nil {
		return model.Consent{}, err
	}

	e.publishStatusChange(ctx, &updated, previous)
	return updated, nil
}

// Authorise moves the consent into AUTHORISED.
func (e *Engine) Authorise(ctx context.Context, clientID, consentID string) (model.Consent, error) {
	return e.UpdateStatus(ctx, clientID, consentID, model.ConsentAuthorised, nil)
}

// Reject terminates the consent with the holder's rejection reason.
func (e *Engine) Reject(ctx context.Context, clientID, consentID string, rejection *model.Rejection) (model.Consent, error) {
	return e.UpdateStatus(ctx, clientID, consentID, model.ConsentRejected, rejection)
}

// Revoke terminates an authorised consent at the customer's request.
func (e *Engine) Revoke(ctx context.Context, clientID, consentID string, rejection *model.Rejection) (model.Consent, error) {
	return e.UpdateStatus(ctx, clientID, consentID, model.ConsentRevoked, rejection)
}

// Expire terminates the consent whose expiry instant has passed.
func (e *Engine) Expire(ctx context.Context, clientID, consentID string) (model.Consent, error) {
	return e.UpdateStatus(ctx, clientID, consentID, model.ConsentExpired, nil)
}

// MarkProcessed advances lastProcessedAt after a successful sync pass.
func (e *Engine) MarkProcessed(ctx context.Context, clientID, consentID string, at time.Time) error {
	var _, err = e.mutate(ctx, clientID, consentID, func(c *model.Consent) error {
		if c.LastProcessedAt == nil || c.LastProcessedAt.Before(at) {
			c.LastProcessedAt = &at
		}
		return nil
	})
	return err
}

// LinkAccounts adds newly discovered account ids to an AUTHORISED
// consent. The linked set only grows.
func (e *Engine) LinkAccounts(ctx context.Context, clientID, consentID string, accountIDs []string) (model.Consent, error) {
	return e.mutate(ctx, clientID, consentID, func(c *model.Consent) error {
		if c.Status != model.ConsentAuthorised {
			return &InvalidStateError{Code: CodeInvalidState,
				Detail: fmt.Sprintf("consent %s is %s; accounts may only link while AUTHORISED", consentID, c.Status)}
		}
		for _, id := range accountIDs {
			if !c.LinksAccount(id) {
				c.LinkedAccountIDs = append(c.LinkedAccountIDs, id)
			}
		}
		return nil
	})
}

func (e *Engine) publishStatusChange(ctx context.Context, c *model.Consent, previous model.ConsentStatus) {
	var err = e.publisher.Publish(ctx, model.TopicConsentEvents, model.Event{
		Type:       model.EventConsentStatusChanged,
		Key:        c.ConsentID,
		OccurredAt: e.clock.Now(),
		Payload: model.ConsentStatusChanged{
			ConsentID:      c.ConsentID,
			ClientID:       c.ClientID,
			OrganisationID: c.OrganisationID,
			Previous:       previous,
			New:            c.Status,
		},
	})
	if err != nil {
		log.WithFields(log.Fields{"consentId": c.ConsentID, "err": err}).
			Error("publishing consent status change")
	}

	log.WithFields(log.Fields{
		"consentId": c.ConsentID,
		"previous":  previous,
		"new":       c.Status,
	}).Info("consent status changed")
}
