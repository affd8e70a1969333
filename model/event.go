package model

import "time"

// Event topic names.
const (
	TopicConsentEvents  = "consent-events"
	TopicAccountUpdates = "account-updates"
	TopicBatchCompleted = "batch-completed"
)

// Event is the envelope published to the bus. Key is the aggregate id
// (consentId, accountId, or runId per topic); delivery is at-least-once
// so consumers dedup on (Type, Key, OccurredAt).
type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload"`
}

// Event type names.
const (
	EventConsentStatusChanged = "ConsentStatusChanged"
	EventConsentExtended      = "ConsentExtended"
	EventAccountSynced        = "AccountSynced"
	EventBatchStarted         = "BatchStarted"
	EventBatchCompleted       = "BatchCompleted"
)

// ConsentStatusChanged is published on every consent transition.
type ConsentStatusChanged struct {
	ConsentID      string        `json:"consentId"`
	ClientID       string        `json:"clientId"`
	OrganisationID string        `json:"organisationId"`
	Previous       ConsentStatus `json:"previous"`
	New            ConsentStatus `json:"new"`
}

// ConsentExtended is published when a renewal is accepted.
type ConsentExtended struct {
	ConsentID         string     `json:"consentId"`
	ClientID          string     `json:"clientId"`
	PreviousExpiresAt *time.Time `json:"previousExpiresAt,omitempty"`
	NewExpiresAt      time.Time  `json:"newExpiresAt"`
}

// AccountSynced is published after each account sync attempt resolves.
type AccountSynced struct {
	OrganisationID string `json:"organisationId"`
	AccountID      string `json:"accountId"`
	ConsentID      string `json:"consentId"`
	RunID          string `json:"runId,omitempty"`
	Outcome        string `json:"outcome"`
}

// BatchStarted is published when a scheduler run begins producing.
type BatchStarted struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	Dispatched int       `json:"dispatched"`
}

// BatchCompleted is published when every job of a run has terminated.
type BatchCompleted struct {
	RunID          string         `json:"runId"`
	TotalProcessed int64          `json:"totalProcessed"`
	TotalSuccess   int64          `json:"totalSuccess"`
	TotalErrors    int64          `json:"totalErrors"`
	TotalSkipped   int64          `json:"totalSkipped"`
	ErrorsByKind   map[string]int64 `json:"errorsByKind,omitempty"`
}
