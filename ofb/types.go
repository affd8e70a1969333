// Package ofb holds the Open Finance Brasil wire types exchanged with
// transmitter institutions, plus validation helpers for the identifiers
// and monetary amounts those payloads carry. Payloads are plain records;
// normalisation into domain entities is done by pure functions elsewhere.
package ofb

import (
	"encoding/json"
	"time"
)

// Envelope is the standard Open Finance response wrapper.
type Envelope struct {
	Data  json.RawMessage `json:"data"`
	Links Links           `json:"links,omitempty"`
	Meta  Meta            `json:"meta,omitempty"`
}

// Links carries pagination URLs of a paged response.
type Links struct {
	Self  string `json:"self,omitempty"`
	First string `json:"first,omitempty"`
	Prev  string `json:"prev,omitempty"`
	Next  string `json:"next,omitempty"`
	Last  string `json:"last,omitempty"`
}

// Meta carries record and page totals of a paged response.
type Meta struct {
	TotalRecords    int       `json:"totalRecords,omitempty"`
	TotalPages      int       `json:"totalPages,omitempty"`
	RequestDateTime time.Time `json:"requestDateTime,omitempty"`
}

// Amount is a monetary value as transmitted: a fixed-point decimal
// string with an explicit currency code.
type Amount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// ConsentStatus values of the consents API.
const (
	ConsentAwaitingAuthorisation = "AWAITING_AUTHORISATION"
	ConsentAuthorised            = "AUTHORISED"
	ConsentRejected              = "REJECTED"
	ConsentRevoked               = "REVOKED"
	ConsentExpired               = "EXPIRED"
)

// ConsentData is the consents/v3 consent resource.
type ConsentData struct {
	ConsentID            string    `json:"consentId"`
	Status               string    `json:"status"`
	CreationDateTime     time.Time `json:"creationDateTime"`
	StatusUpdateDateTime time.Time `json:"statusUpdateDateTime"`
	ExpirationDateTime   time.Time `json:"expirationDateTime,omitempty"`
	Permissions          []string  `json:"permissions"`
	Rejection            *struct {
		RejectedBy string `json:"rejectedBy,omitempty"`
		Reason     struct {
			Code                 string `json:"code"`
			AdditionalInformation string `json:"additionalInformation,omitempty"`
		} `json:"reason"`
	} `json:"rejection,omitempty"`
}

// ConsentExtensionRequest is the consents/v3 extension request body.
type ConsentExtensionRequest struct {
	Data struct {
		ExpirationDateTime time.Time `json:"expirationDateTime"`
		LoggedUser         struct {
			Document struct {
				Identification string `json:"identification"`
				Rel            string `json:"rel"`
			} `json:"document"`
		} `json:"loggedUser"`
	} `json:"data"`
}

// AccountData is the accounts/v2 identification resource.
type AccountData struct {
	AccountID   string `json:"accountId"`
	BrandName   string `json:"brandName"`
	CompanyCnpj string `json:"companyCnpj"`
	Type        string `json:"type"`
	Subtype     string `json:"subtype"`
	Currency    string `json:"currency"`
	CompeCode   string `json:"compeCode"`
	BranchCode  string `json:"branchCode,omitempty"`
	Number      string `json:"number"`
	CheckDigit  string `json:"checkDigit"`
}

// BalancesData is the accounts/v2 balances resource. All three amounts
// are always present; only the unarranged overdraft may be negative.
type BalancesData struct {
	AvailableAmount           Amount    `json:"availableAmount"`
	BlockedAmount             Amount    `json:"blockedAmount"`
	AutomaticallyInvestedAmount Amount  `json:"automaticallyInvestedAmount"`
	UpdateDateTime            time.Time `json:"updateDateTime"`
}

// LimitsData is the accounts/v2 overdraft-limits resource.
type LimitsData struct {
	OverdraftContractedLimit *Amount `json:"overdraftContractedLimit,omitempty"`
	OverdraftUsedLimit       *Amount `json:"overdraftUsedLimit,omitempty"`
	UnarrangedOverdraftAmount *Amount `json:"unarrangedOverdraftAmount,omitempty"`
}

// TransactionData is one entry of the accounts/v2 transactions resource.
type TransactionData struct {
	TransactionID                string    `json:"transactionId"`
	CompletedAuthorisedPaymentType string  `json:"completedAuthorisedPaymentType,omitempty"`
	CreditDebitType              string    `json:"creditDebitType"`
	TransactionName              string    `json:"transactionName"`
	Type                         string    `json:"type"`
	TransactionAmount            Amount    `json:"transactionAmount"`
	TransactionDateTime          time.Time `json:"transactionDateTime"`
	PartieCnpjCpf                string    `json:"partieCnpjCpf,omitempty"`
}

// TokenResponse is the OAuth2 token endpoint response shape. Access
// tokens are opaque; only the expiry is interpreted.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}
