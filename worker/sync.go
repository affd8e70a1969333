package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/model"
	"github.com/openfinancebr/receptor/ofb"
	"github.com/openfinancebr/receptor/store"
	"github.com/openfinancebr/receptor/transmitter"
)

const (
	// conflictReplays bounds optimistic-write retries within one job;
	// past it the job nacks and the backoff absorbs the contention.
	conflictReplays = 3
	// txBootstrapWindow is how far back the first transaction sync of
	// an account reaches.
	txBootstrapWindow = 90 * 24 * time.Hour
	// txReplayOverlap rewinds the cursor on each sync so late-posted
	// transactions inside the overlap are still picked up; the ledger's
	// put-if-absent makes the re-read harmless.
	txReplayOverlap = 3 * 24 * time.Hour
	// maxTxPages bounds one job's paging.
	maxTxPages = 1000
)

func accountKey(job *model.SyncJob) string {
	return job.OrganisationID + "/" + job.AccountID
}

func accountMeta(a *model.Account) store.Meta {
	return store.Meta{Status: string(a.Status), OrgKey: a.OrganisationID}
}

func isNotFound(err error) bool {
	var te, ok = transmitter.AsError(err)
	return ok && te.Kind == transmitter.KindNotFound
}

// authorisedConsent loads the job's consent and skips the job unless
// it is still AUTHORISED. A consent revoked between dispatch and
// execution settles the job as skipped, never as an error.
func (p *Pool) authorisedConsent(ctx context.Context, job *model.SyncJob) (model.Consent, error) {
	var c, err = p.consents.Find(ctx, job.ClientID, job.ConsentID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Consent{}, errSkip
	} else if err != nil {
		return model.Consent{}, err
	}
	if c.Status != model.ConsentAuthorised {
		log.WithFields(log.Fields{
			"jobId":     job.JobID,
			"consentId": job.ConsentID,
			"status":    c.Status,
		}).Info("consent no longer authorised; skipping sync")
		return model.Consent{}, errSkip
	}
	return c, nil
}

// handleAccountSync refreshes one account's identification, balance,
// and overdraft-limit snapshots.
func (p *Pool) handleAccountSync(ctx context.Context, job *model.SyncJob) error {
	var c, err = p.authorisedConsent(ctx, job)
	if err != nil {
		return err
	}

	var caller = transmitter.Caller{ClientID: job.ClientID, OrganisationID: job.OrganisationID}
	var now = p.clock.Now()

	if c.HasPermission(model.PermissionAccountsRead) {
		data, err := p.remote.Account(ctx, caller, job.AccountID)
		if isNotFound(err) {
			return p.deactivateAccount(ctx, job)
		} else if err != nil {
			return err
		}
		if _, err = p.upsertAccount(ctx, job, &data, now); err != nil {
			return err
		}
	} else if _, err = p.ensureAccount(ctx, job, now); err != nil {
		return err
	}

	if c.HasPermission(model.PermissionBalancesRead) {
		bal, err := p.remote.Balances(ctx, caller, job.AccountID)
		if isNotFound(err) {
			return p.deactivateAccount(ctx, job)
		} else if err != nil {
			return err
		}
		if err = p.upsertBalance(ctx, job, &bal); err != nil {
			return err
		}
	}

	if c.HasPermission(model.PermissionLimitsRead) {
		lim, err := p.remote.Limits(ctx, caller, job.AccountID)
		switch {
		case isNotFound(err):
			// The account carries no overdraft product.
		case err != nil:
			return err
		default:
			if err = p.upsertLimits(ctx, job, &lim, now); err != nil {
				return err
			}
		}
	}

	if err = p.consents.MarkProcessed(ctx, job.ClientID, job.ConsentID, now); err != nil {
		return err
	}
	p.publishSynced(ctx, job, now)
	return nil
}

// handleBalanceSync is the narrow refresh behind manual, high-priority
// balance resyncs.
func (p *Pool) handleBalanceSync(ctx context.Context, job *model.SyncJob) error {
	var c, err = p.authorisedConsent(ctx, job)
	if err != nil {
		return err
	}
	if !c.HasPermission(model.PermissionBalancesRead) {
		return errSkip
	}

	var caller = transmitter.Caller{ClientID: job.ClientID, OrganisationID: job.OrganisationID}
	var now = p.clock.Now()

	bal, err := p.remote.Balances(ctx, caller, job.AccountID)
	if isNotFound(err) {
		return p.deactivateAccount(ctx, job)
	} else if err != nil {
		return err
	}
	if err = p.upsertBalance(ctx, job, &bal); err != nil {
		return err
	}
	p.publishSynced(ctx, job, now)
	return nil
}

// handleTxSync pulls the account's transactions forward from its
// booking cursor, bootstrapping ninety days back on first sync.
func (p *Pool) handleTxSync(ctx context.Context, job *model.SyncJob) error {
	var c, err = p.authorisedConsent(ctx, job)
	if err != nil {
		return err
	}
	if !c.HasPermission(model.PermissionTransactionsRead) {
		return errSkip
	}

	var now = p.clock.Now()
	var acct model.Account
	if _, err = p.store.Get(ctx, store.CollectionAccounts, job.ClientID, accountKey(job), &acct); errors.Is(err, store.ErrNotFound) {
		if acct, err = p.ensureAccount(ctx, job, now); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	var from = now.Add(-txBootstrapWindow)
	if acct.LastBookedAtSynced != nil {
		from = acct.LastBookedAtSynced.Add(-txReplayOverlap)
	}
	if c.TransactionFrom != nil && c.TransactionFrom.After(from) {
		from = *c.TransactionFrom
	}
	var to = now
	if c.TransactionTo != nil && c.TransactionTo.Before(to) {
		to = *c.TransactionTo
	}
	if !to.After(from) {
		return p.consents.MarkProcessed(ctx, job.ClientID, job.ConsentID, now)
	}

	var caller = transmitter.Caller{ClientID: job.ClientID, OrganisationID: job.OrganisationID}
	var ingested int
	for page := 1; page <= maxTxPages; page++ {
		var txs, more, err = p.remote.Transactions(ctx, caller, job.AccountID, from, to, page)
		if isNotFound(err) {
			return p.deactivateAccount(ctx, job)
		} else if err != nil {
			return err
		}

		for i := range txs {
			var inserted bool
			if inserted, err = p.ingestTransaction(ctx, job, &txs[i]); err != nil {
				return err
			}
			if inserted {
				ingested++
			}
		}
		if !more {
			break
		}
	}

	if err = p.advanceCursor(ctx, job, to, now); err != nil {
		return err
	}
	if err = p.consents.MarkProcessed(ctx, job.ClientID, job.ConsentID, now); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"accountId": job.AccountID,
		"ingested":  ingested,
		"through":   to,
	}).Debug("transaction sync advanced")
	return nil
}

// handleConsentSync reconciles the consent itself against the
// transmitter's view.
func (p *Pool) handleConsentSync(ctx context.Context, job *model.SyncJob) error {
	var _, err = p.consents.Sync(ctx, job.ClientID, job.ConsentID)
	if errors.Is(err, store.ErrNotFound) {
		return errSkip
	}
	return err
}

// upsertAccount merges the identification payload into the stored
// account, minting the internal id on first ingest and preserving it
// thereafter.
func (p *Pool) upsertAccount(ctx context.Context, job *model.SyncJob, data *ofb.AccountData, now time.Time) (model.Account, error) {
	if data.CompanyCnpj != "" {
		if err := ofb.ValidateCNPJ(data.CompanyCnpj); err != nil {
			return model.Account{}, fmt.Errorf("account %s: %w", job.AccountID, err)
		}
	}

	var key = accountKey(job)
	for i := 0; i < conflictReplays; i++ {
		var acct model.Account
		var version, err = p.store.Get(ctx, store.CollectionAccounts, job.ClientID, key, &acct)
		if errors.Is(err, store.ErrNotFound) {
			acct = model.Account{
				AccountID:      job.AccountID,
				InternalID:     clock.NewID(),
				ConsentID:      job.ConsentID,
				ClientID:       job.ClientID,
				OrganisationID: job.OrganisationID,
			}
			version = store.VersionAbsent
		} else if err != nil {
			return model.Account{}, err
		}

		acct.Brand = data.BrandName
		acct.CNPJ = data.CompanyCnpj
		acct.Type = data.Type
		acct.Subtype = data.Subtype
		acct.Currency = data.Currency
		acct.CompeCode = data.CompeCode
		acct.BranchCode = data.BranchCode
		acct.Number = data.Number
		acct.CheckDigit = data.CheckDigit
		acct.Status = model.AccountActive
		if acct.LastSyncedAt == nil || acct.LastSyncedAt.Before(now) {
			acct.LastSyncedAt = &now
		}

		newVersion, err := p.store.Upsert(ctx, store.CollectionAccounts, job.ClientID, key, &acct, accountMeta(&acct), version)
		if errors.Is(err, store.ErrConflict) {
			continue
		} else if err != nil {
			return model.Account{}, err
		}
		acct.Version = newVersion
		return acct, nil
	}
	return model.Account{}, fmt.Errorf("updating account %s: %w", job.AccountID, store.ErrConflict)
}

// ensureAccount creates a minimal ACTIVE row when a job runs before
// any identification sync has stored one.
func (p *Pool) ensureAccount(ctx context.Context, job *model.SyncJob, now time.Time) (model.Account, error) {
	var key = accountKey(job)
	var acct model.Account
	var version, err = p.store.Get(ctx, store.CollectionAccounts, job.ClientID, key, &acct)
	if err == nil {
		acct.Version = version
		return acct, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.Account{}, err
	}

	acct = model.Account{
		AccountID:      job.AccountID,
		InternalID:     clock.NewID(),
		ConsentID:      job.ConsentID,
		ClientID:       job.ClientID,
		OrganisationID: job.OrganisationID,
		Status:         model.AccountActive,
		LastSyncedAt:   &now,
	}
	newVersion, err := p.store.Upsert(ctx, store.CollectionAccounts, job.ClientID, key, &acct, accountMeta(&acct), store.VersionAbsent)
	if errors.Is(err, store.ErrConflict) {
		// Raced another job; reread the winner.
		return p.ensureAccount(ctx, job, now)
	} else if err != nil {
		return model.Account{}, err
	}
	acct.Version = newVersion
	return acct, nil
}

// deactivateAccount marks the stored row INACTIVE after the
// transmitter reported the account gone, then settles as a skip.
func (p *Pool) deactivateAccount(ctx context.Context, job *model.SyncJob) error {
	log.WithFields(log.Fields{
		"accountId":      job.AccountID,
		"organisationId": job.OrganisationID,
	}).Info("account absent at transmitter; deactivating")

	var key = accountKey(job)
	for i := 0; i < conflictReplays; i++ {
		var acct model.Account
		var version, err = p.store.Get(ctx, store.CollectionAccounts, job.ClientID, key, &acct)
		if errors.Is(err, store.ErrNotFound) {
			return errSkip
		} else if err != nil {
			return err
		}
		if acct.Status == model.AccountInactive {
			return errSkip
		}

		acct.Status = model.AccountInactive
		_, err = p.store.Upsert(ctx, store.CollectionAccounts, job.ClientID, key, &acct, accountMeta(&acct), version)
		if errors.Is(err, store.ErrConflict) {
			continue
		} else if err != nil {
			return err
		}
		return errSkip
	}
	return fmt.Errorf("deactivating account %s: %w", job.AccountID, store.ErrConflict)
}

// upsertBalance overwrites the balance snapshot unless the stored one
// is newer; transmitter snapshots may arrive out of order across
// retried jobs.
func (p *Pool) upsertBalance(ctx context.Context, job *model.SyncJob, data *ofb.BalancesData) error {
	for _, a := range []ofb.Amount{data.AvailableAmount, data.BlockedAmount, data.AutomaticallyInvestedAmount} {
		if err := ofb.ValidateAmount(a, false); err != nil {
			return fmt.Errorf("balance of account %s: %w", job.AccountID, err)
		}
	}
	availableMinor, _ := ofb.ParseMinor(data.AvailableAmount.Amount)
	blockedMinor, _ := ofb.ParseMinor(data.BlockedAmount.Amount)

	var key = accountKey(job)
	for i := 0; i < conflictReplays; i++ {
		var existing model.Balance
		var version, err = p.store.Get(ctx, store.CollectionBalances, job.ClientID, key, &existing)
		if errors.Is(err, store.ErrNotFound) {
			version = store.VersionAbsent
		} else if err != nil {
			return err
		} else if existing.UpdatedAt.After(data.UpdateDateTime) {
			return nil
		}

		var bal = model.Balance{
			AccountID:             job.AccountID,
			ClientID:              job.ClientID,
			Available:             data.AvailableAmount.Amount,
			AvailableMinor:        availableMinor,
			Blocked:               data.BlockedAmount.Amount,
			BlockedMinor:          blockedMinor,
			AutomaticallyInvested: data.AutomaticallyInvestedAmount.Amount,
			Currency:              data.AvailableAmount.Currency,
			UpdatedAt:             data.UpdateDateTime,
		}
		_, err = p.store.Upsert(ctx, store.CollectionBalances, job.ClientID, key, &bal, store.Meta{OrgKey: job.OrganisationID}, version)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("updating balance of %s: %w", job.AccountID, store.ErrConflict)
}

// upsertLimits overwrites the overdraft-limits snapshot. Only the
// unarranged overdraft amount may be negative.
func (p *Pool) upsertLimits(ctx context.Context, job *model.SyncJob, data *ofb.LimitsData, now time.Time) error {
	var lim = model.Limit{
		AccountID: job.AccountID,
		ClientID:  job.ClientID,
		UpdatedAt: now,
	}
	var fields = []struct {
		amount        *ofb.Amount
		allowNegative bool
		dst           *string
	}{
		{data.OverdraftContractedLimit, false, &lim.OverdraftContracted},
		{data.OverdraftUsedLimit, false, &lim.OverdraftUsed},
		{data.UnarrangedOverdraftAmount, true, &lim.UnarrangedOverdraft},
	}
	for _, f := range fields {
		if f.amount == nil {
			continue
		}
		if err := ofb.ValidateAmount(*f.amount, f.allowNegative); err != nil {
			return fmt.Errorf("limits of account %s: %w", job.AccountID, err)
		}
		*f.dst = f.amount.Amount
		lim.Currency = f.amount.Currency
	}

	var _, err = p.store.Upsert(ctx, store.CollectionLimits, job.ClientID, accountKey(job), &lim, store.Meta{OrgKey: job.OrganisationID}, store.VersionAny)
	return err
}

// ingestTransaction validates and inserts one ledger entry; replays of
// an already-stored entry report inserted=false.
func (p *Pool) ingestTransaction(ctx context.Context, job *model.SyncJob, td *ofb.TransactionData) (bool, error) {
	if err := ofb.ValidateAmount(td.TransactionAmount, false); err != nil {
		return false, fmt.Errorf("transaction %s: %w", td.TransactionID, err)
	}
	var minor, _ = ofb.ParseMinor(td.TransactionAmount.Amount)

	return p.store.PutTransaction(ctx, model.Transaction{
		AccountID:   job.AccountID,
		ExternalID:  td.TransactionID,
		ClientID:    job.ClientID,
		Type:        td.Type,
		CreditDebit: td.CreditDebitType,
		Name:        td.TransactionName,
		Amount:      td.TransactionAmount.Amount,
		AmountMinor: minor,
		Currency:    td.TransactionAmount.Currency,
		BookedAt:    td.TransactionDateTime,
		PartieDoc:   td.PartieCnpjCpf,
	})
}

// advanceCursor moves lastBookedAtSynced forward to |through|, never
// backward.
func (p *Pool) advanceCursor(ctx context.Context, job *model.SyncJob, through, now time.Time) error {
	var key = accountKey(job)
	for i := 0; i < conflictReplays; i++ {
		var acct model.Account
		var version, err = p.store.Get(ctx, store.CollectionAccounts, job.ClientID, key, &acct)
		if err != nil {
			return err
		}
		if acct.LastBookedAtSynced != nil && !acct.LastBookedAtSynced.Before(through) {
			return nil
		}

		acct.LastBookedAtSynced = &through
		if acct.LastSyncedAt == nil || acct.LastSyncedAt.Before(now) {
			acct.LastSyncedAt = &now
		}
		_, err = p.store.Upsert(ctx, store.CollectionAccounts, job.ClientID, key, &acct, accountMeta(&acct), version)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("advancing cursor of %s: %w", job.AccountID, store.ErrConflict)
}

func (p *Pool) publishSynced(ctx context.Context, job *model.SyncJob, now time.Time) {
	var err = p.publisher.Publish(ctx, model.TopicAccountUpdates, model.Event{
		Type:       model.EventAccountSynced,
		Key:        job.AccountID,
		OccurredAt: now,
		Payload: model.AccountSynced{
			OrganisationID: job.OrganisationID,
			AccountID:      job.AccountID,
			ConsentID:      job.ConsentID,
			RunID:          job.RunID,
			Outcome:        "success",
		},
	})
	if err != nil {
		log.WithFields(log.Fields{"accountId": job.AccountID, "err": err}).
			Error("publishing account sync event")
	}
}
