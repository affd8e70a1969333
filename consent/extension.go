package consent

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/model"
	"github.com/openfinancebr/receptor/ofb"
	"github.com/openfinancebr/receptor/store"
	"github.com/openfinancebr/receptor/transmitter"
)

// ExtensionRequest is a renewal request from the logged customer.
type ExtensionRequest struct {
	ClientID      string
	ConsentID     string
	NewExpiresAt  time.Time
	LoggedUserID  string
	LoggedUserRel string
	IPAddress     string
	UserAgent     string
}

// Extend validates a renewal, forwards it to the transmitter, and on
// acceptance records the extension audit row and advances the parent's
// expiry, publishing ConsentExtended.
func (e *Engine) Extend(ctx context.Context, req ExtensionRequest) (model.ConsentExtension, error) {
	var now = e.clock.Now()

	var parent, err = e.Find(ctx, req.ClientID, req.ConsentID)
	if err != nil {
		return model.ConsentExtension{}, err
	}

	if parent.Status != model.ConsentAuthorised {
		return model.ConsentExtension{}, &InvalidStateError{Code: CodeInvalidState,
			Detail: fmt.Sprintf("consent %s is %s; only AUTHORISED consents extend", req.ConsentID, parent.Status)}
	}
	if parent.MultipleApprovalRequired {
		return model.ConsentExtension{}, &InvalidStateError{Code: CodeMultipleApproval,
			Detail: fmt.Sprintf("consent %s requires multiple approvals", req.ConsentID)}
	}
	if !req.NewExpiresAt.After(now) {
		return model.ConsentExtension{}, &ValidationError{Code: CodeInvalidExpiry,
			Detail: "new expiry is not in the future"}
	}
	if req.NewExpiresAt.After(now.Add(MaxExtension)) {
		return model.ConsentExtension{}, &ValidationError{Code: CodeInvalidExpiry,
			Detail: "new expiry exceeds the one-year limit"}
	}

	var wire ofb.ConsentExtensionRequest
	wire.Data.ExpirationDateTime = req.NewExpiresAt
	wire.Data.LoggedUser.Document.Identification = req.LoggedUserID
	wire.Data.LoggedUser.Document.Rel = req.LoggedUserRel

	var caller = transmitter.Caller{ClientID: req.ClientID, OrganisationID: parent.OrganisationID}
	if _, err = e.remote.ExtendConsent(ctx, caller, req.ConsentID, wire); err != nil {
		return model.ConsentExtension{}, fmt.Errorf("extending consent %s at transmitter: %w", req.ConsentID, err)
	}

	var extension = model.ConsentExtension{
		ID:                clock.NewID(),
		ConsentID:         req.ConsentID,
		PreviousExpiresAt: parent.ExpiresAt,
		NewExpiresAt:      req.NewExpiresAt,
		RequestedAt:       now,
		LoggedUserID:      req.LoggedUserID,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
	}

	if _, err = e.store.Upsert(ctx, store.CollectionConsentExtensions, req.ClientID, extension.ID,
		&extension, store.Meta{OrgKey: req.ConsentID}, store.VersionAbsent); err != nil {
		return model.ConsentExtension{}, fmt.Errorf("saving extension: %w", err)
	}

	if _, err = e.mutate(ctx, req.ClientID, req.ConsentID, func(c *model.Consent) error {
		if c.Status != model.ConsentAuthorised {
			return &InvalidStateError{Code: CodeInvalidState,
				Detail: fmt.Sprintf("consent %s left AUTHORISED during extension", req.ConsentID)}
		}
		var exp = req.NewExpiresAt
		c.ExpiresAt = &exp
		return nil
	}); err != nil {
		return model.ConsentExtension{}, err
	}

	if err = e.publisher.Publish(ctx, model.TopicConsentEvents, model.Event{
		Type:       model.EventConsentExtended,
		Key:        req.ConsentID,
		OccurredAt: now,
		Payload: model.ConsentExtended{
			ConsentID:         req.ConsentID,
			ClientID:          req.ClientID,
			PreviousExpiresAt: extension.PreviousExpiresAt,
			NewExpiresAt:      req.NewExpiresAt,
		},
	}); err != nil {
		log.WithFields(log.Fields{"consentId": req.ConsentID, "err": err}).
			Error("publishing consent extension")
	}

	return extension, nil
}

// Extensions lists a consent's extension audit rows.
func (e *Engine) Extensions(ctx context.Context, clientID, consentID string) ([]model.ConsentExtension, error) {
	var docs, _, err = e.store.RunQuery(ctx, store.Query{
		Collection: store.CollectionConsentExtensions,
		Partition:  clientID,
		OrgKey:     consentID,
		Limit:      500,
	})
	if err != nil {
		return nil, err
	}
	var out = make([]model.ConsentExtension, 0, len(docs))
	for i := range docs {
		var ext model.ConsentExtension
		if err = docs[i].Decode(&ext); err != nil {
			return nil, err
		}
		out = append(out, ext)
	}
	return out, nil
}
