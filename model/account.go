package model

import "time"

// AccountStatus is the receptor-side lifecycle of an account row.
type AccountStatus string

const (
	AccountActive   AccountStatus = "ACTIVE"
	AccountInactive AccountStatus = "INACTIVE"
)

// Account is one holder-side account collected under a consent.
// AccountID is the transmitter's identifier; InternalID is minted on
// first ingest and never changes.
type Account struct {
	AccountID      string        `json:"accountId"`
	InternalID     string        `json:"internalId"`
	ConsentID      string        `json:"consentId"`
	ClientID       string        `json:"clientId"`
	OrganisationID string        `json:"organisationId"`
	Brand          string        `json:"brand,omitempty"`
	CNPJ           string        `json:"cnpj,omitempty"`
	Type           string        `json:"type,omitempty"`
	Subtype        string        `json:"subtype,omitempty"`
	CompeCode      string        `json:"compeCode,omitempty"`
	BranchCode     string        `json:"branchCode,omitempty"`
	Number         string        `json:"number,omitempty"`
	CheckDigit     string        `json:"checkDigit,omitempty"`
	Currency       string        `json:"currency,omitempty"`
	Status         AccountStatus `json:"status"`
	LastSyncedAt   *time.Time    `json:"lastSyncedAt,omitempty"`

	// LastBookedAtSynced is the transaction-paging cursor: the booking
	// date through which transactions have been ingested.
	LastBookedAtSynced *time.Time `json:"lastBookedAtSynced,omitempty"`

	Version int64 `json:"version"`
}

// Balance is the latest balance snapshot of an account, overwritten on
// each sync. Amounts are kept in minor units alongside the original
// string form so stored state is byte-stable across identical syncs.
type Balance struct {
	AccountID            string    `json:"accountId"`
	ClientID             string    `json:"clientId"`
	Available            string    `json:"available"`
	AvailableMinor       int64     `json:"availableMinor"`
	Blocked              string    `json:"blocked"`
	BlockedMinor         int64     `json:"blockedMinor"`
	AutomaticallyInvested string   `json:"automaticallyInvested"`
	Currency             string    `json:"currency"`
	UpdatedAt            time.Time `json:"updatedAt"`
	Version              int64     `json:"version"`
}

// Limit is the latest overdraft-limit snapshot of an account.
// UnarrangedOverdraft is the one amount permitted to be negative.
type Limit struct {
	AccountID           string    `json:"accountId"`
	ClientID            string    `json:"clientId"`
	OverdraftContracted string    `json:"overdraftContracted,omitempty"`
	OverdraftUsed       string    `json:"overdraftUsed,omitempty"`
	UnarrangedOverdraft string    `json:"unarrangedOverdraft,omitempty"`
	Currency            string    `json:"currency,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
	Version             int64     `json:"version"`
}

// Transaction is one append-only ledger entry of an account, unique by
// (AccountID, ExternalID) and ordered by BookedAt.
type Transaction struct {
	AccountID   string    `json:"accountId"`
	ExternalID  string    `json:"externalId"`
	ClientID    string    `json:"clientId"`
	Type        string    `json:"type,omitempty"`
	CreditDebit string    `json:"creditDebit"`
	Name        string    `json:"name,omitempty"`
	Amount      string    `json:"amount"`
	AmountMinor int64     `json:"amountMinor"`
	Currency    string    `json:"currency"`
	BookedAt    time.Time `json:"bookedAt"`
	PartieDoc   string    `json:"partieDoc,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
