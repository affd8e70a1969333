// Package model defines the receptor's domain entities and the events
// it publishes. Entities are plain versioned records; relationships are
// expressed as ids, never as pointers, and all instants are UTC.
package model

import "time"

// ConsentStatus enumerates the consent status machine. AUTHORISED is
// the only status under which data collection is permitted.
type ConsentStatus string

const (
	ConsentAwaitingAuthorisation ConsentStatus = "AWAITING_AUTHORISATION"
	ConsentAuthorised            ConsentStatus = "AUTHORISED"
	ConsentRejected              ConsentStatus = "REJECTED"
	ConsentRevoked               ConsentStatus = "REVOKED"
	ConsentExpired               ConsentStatus = "EXPIRED"
)

// Terminal reports whether no further transition may leave |s|.
func (s ConsentStatus) Terminal() bool {
	switch s {
	case ConsentRejected, ConsentRevoked, ConsentExpired:
		return true
	}
	return false
}

// Consent is the authorisation of record for pulling one customer's
// data from one holder organisation.
type Consent struct {
	ConsentID        string        `json:"consentId"`
	ClientID         string        `json:"clientId"`
	OrganisationID   string        `json:"organisationId"`
	Status           ConsentStatus `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
	StatusUpdatedAt  time.Time     `json:"statusUpdatedAt"`
	ExpiresAt        *time.Time    `json:"expiresAt,omitempty"`
	Permissions      []string      `json:"permissions"`
	LoggedUserID     string        `json:"loggedUserId"`
	BusinessEntityID string        `json:"businessEntityId,omitempty"`
	LinkedAccountIDs []string      `json:"linkedAccountIds,omitempty"`
	TransactionFrom  *time.Time    `json:"transactionFrom,omitempty"`
	TransactionTo    *time.Time    `json:"transactionTo,omitempty"`

	// MultipleApprovalRequired marks consents whose renewal depends on
	// more than one approver and therefore cannot be extended here.
	MultipleApprovalRequired bool `json:"multipleApprovalRequired,omitempty"`

	Rejection       *Rejection `json:"rejection,omitempty"`
	LastProcessedAt *time.Time `json:"lastProcessedAt,omitempty"`
	Version         int64      `json:"version"`
}

// Rejection records why a consent left the active path.
type Rejection struct {
	Code string `json:"code"`
	Info string `json:"info,omitempty"`
}

// HasPermission reports whether the consent grants |perm|.
func (c *Consent) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// LinksAccount reports whether |accountID| is linked to the consent.
func (c *Consent) LinksAccount(accountID string) bool {
	for _, id := range c.LinkedAccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// ConsentExtension is the audit row written for each accepted renewal.
type ConsentExtension struct {
	ID                string     `json:"id"`
	ConsentID         string     `json:"consentId"`
	PreviousExpiresAt *time.Time `json:"previousExpiresAt,omitempty"`
	NewExpiresAt      time.Time  `json:"newExpiresAt"`
	RequestedAt       time.Time  `json:"requestedAt"`
	LoggedUserID      string     `json:"loggedUserId"`
	IPAddress         string     `json:"ipAddress,omitempty"`
	UserAgent         string     `json:"userAgent,omitempty"`
}

// Permission names used by the receptor's own gating.
const (
	PermissionAccountsRead     = "ACCOUNTS_READ"
	PermissionBalancesRead     = "ACCOUNTS_BALANCES_READ"
	PermissionLimitsRead       = "ACCOUNTS_OVERDRAFT_LIMITS_READ"
	PermissionTransactionsRead = "ACCOUNTS_TRANSACTIONS_READ"
)
