package consent

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/openfinancebr/receptor/model"
	"github.com/openfinancebr/receptor/store"
	"github.com/openfinancebr/receptor/transmitter"
)

// RunExpirySweep expires overdue consents on the configured interval
// until |ctx| is cancelled.
func (e *Engine) RunExpirySweep(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(e.config.ExpirySweepInterval):
		}
		if n, err := e.SweepExpiredOnce(ctx); err != nil {
			log.WithField("err", err).Warn("expiry sweep failed")
		} else if n > 0 {
			log.WithField("expired", n).Info("expiry sweep transitioned consents")
		}
	}
}

// SweepExpiredOnce expires every AUTHORISED consent whose expiry has
// passed, returning how many transitioned.
func (e *Engine) SweepExpiredOnce(ctx context.Context) (int, error) {
	var now = e.clock.Now()
	var expired int
	var pageToken string

	for {
		var docs, next, err = e.store.RunQuery(ctx, store.Query{
			Collection: store.CollectionConsents,
			Status:     string(model.ConsentAuthorised),
			Limit:      e.config.SweepPageSize,
			PageToken:  pageToken,
		})
		if err != nil {
			return expired, err
		}

		for i := range docs {
			var c model.Consent
			if err = docs[i].Decode(&c); err != nil {
				return expired, err
			}
			if c.ExpiresAt == nil || !c.ExpiresAt.Before(now) {
				continue
			}
			if _, err = e.UpdateStatus(ctx, c.ClientID, c.ConsentID, model.ConsentExpired, nil); err != nil {
				// A concurrent transition beat the sweep; the next pass
				// sees the settled state.
				var ise *InvalidStateError
				if errors.As(err, &ise) {
					continue
				}
				return expired, err
			}
			expired++
		}

		if next == "" {
			return expired, nil
		}
		pageToken = next
	}
}

// RunSyncSweep reconciles stale AWAITING_AUTHORISATION consents
// against the transmitter on the configured interval.
func (e *Engine) RunSyncSweep(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(e.config.SyncSweepInterval):
		}
		if n, err := e.SweepAwaitingOnce(ctx); err != nil {
			log.WithField("err", err).Warn("sync sweep failed")
		} else if n > 0 {
			log.WithField("reconciled", n).Info("sync sweep reconciled consents")
		}
	}
}

// SweepAwaitingOnce fetches the transmitter-side status of every
// AWAITING_AUTHORISATION consent older than the threshold and
// reconciles local state. Returns how many consents changed status.
func (e *Engine) SweepAwaitingOnce(ctx context.Context) (int, error) {
	var cutoff = e.clock.Now().Add(-e.config.AwaitingThreshold)
	var changed int
	var pageToken string

	for {
		var docs, next, err = e.store.RunQuery(ctx, store.Query{
			Collection:    store.CollectionConsents,
			Status:        string(model.ConsentAwaitingAuthorisation),
			VisibleBefore: cutoff,
			Limit:         e.config.SweepPageSize,
			PageToken:     pageToken,
		})
		if err != nil {
			return changed, err
		}

		for i := range docs {
			var c model.Consent
			if err = docs[i].Decode(&c); err != nil {
				return changed, err
			}
			var did bool
			if did, err = e.Sync(ctx, c.ClientID, c.ConsentID); err != nil {
				log.WithFields(log.Fields{"consentId": c.ConsentID, "err": err}).
					Warn("consent reconcile failed")
				continue
			}
			if did {
				changed++
			}
		}

		if next == "" {
			return changed, nil
		}
		pageToken = next
	}
}

// Sync reconciles one consent against the transmitter's view. Returns
// whether a status change was applied. A transmitter 404 revokes the
// local consent; an unchanged remote status is a no-op.
func (e *Engine) Sync(ctx context.Context, clientID, consentID string) (bool, error) {
	var local, err = e.Find(ctx, clientID, consentID)
	if err != nil {
		return false, err
	}
	if local.Status.Terminal() {
		return false, nil
	}

	var caller = transmitter.Caller{ClientID: clientID, OrganisationID: local.OrganisationID}
	remote, err := e.remote.Consent(ctx, caller, consentID)

	if te, ok := transmitter.AsError(err); ok && te.Kind == transmitter.KindNotFound {
		_, err = e.UpdateStatus(ctx, clientID, consentID, model.ConsentRevoked, &model.Rejection{
			Code: "CONSENT_NOT_FOUND", Info: "consent absent at transmitter",
		})
		return err == nil, err
	} else if err != nil {
		return false, err
	}

	var target = mapRemoteStatus(remote.Status)
	if target == "" || target == local.Status {
		return false, nil
	}
	if !CanTransition(local.Status, target) {
		return false, nil
	}

	var rejection *model.Rejection
	if remote.Rejection != nil {
		rejection = &model.Rejection{
			Code: remote.Rejection.Reason.Code,
			Info: remote.Rejection.Reason.AdditionalInformation,
		}
	}

	if _, err = e.UpdateStatus(ctx, clientID, consentID, target, rejection); err != nil {
		return false, err
	}
	return true, nil
}

func mapRemoteStatus(s string) model.ConsentStatus {
	switch s {
	case "AWAITING_AUTHORISATION":
		return model.ConsentAwaitingAuthorisation
	case "AUTHORISED":
		return model.ConsentAuthorised
	case "REJECTED":
		return model.ConsentRejected
	case "REVOKED":
		return model.ConsentRevoked
	case "EXPIRED":
		return model.ConsentExpired
	}
	return ""
}
