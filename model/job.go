package model

import "time"

// JobKind selects the handler a SyncJob is dispatched to.
type JobKind string

const (
	JobAccountSync JobKind = "ACCOUNT_SYNC"
	JobBalanceSync JobKind = "BALANCE_SYNC"
	JobTxSync      JobKind = "TX_SYNC"
	JobConsentSync JobKind = "CONSENT_SYNC"
)

// JobStatus is the queue lifecycle of a SyncJob.
type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobLeased  JobStatus = "LEASED"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
	JobDead    JobStatus = "DEAD"
)

// Terminal reports whether the job can never run again.
func (s JobStatus) Terminal() bool { return s == JobDone || s == JobDead }

// Lease is a worker node's exclusive, time-bounded claim on a job.
type Lease struct {
	Node  string    `json:"node"`
	Until time.Time `json:"until"`
}

// SyncJob is one queued unit of collection work.
type SyncJob struct {
	JobID          string    `json:"jobId"`
	Kind           JobKind   `json:"kind"`
	ConsentID      string    `json:"consentId"`
	AccountID      string    `json:"accountId,omitempty"`
	OrganisationID string    `json:"organisationId"`
	ClientID       string    `json:"clientId"`
	Priority       int       `json:"priority"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"maxAttempts"`
	Status         JobStatus `json:"status"`
	Lease          *Lease    `json:"lease,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
	NextVisibleAt  time.Time `json:"nextVisibleAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	RunID          string    `json:"runId,omitempty"`
}

// DedupKey identifies the at-most-one non-terminal job constraint.
func (j *SyncJob) DedupKey() string {
	return string(j.Kind) + "/" + j.ConsentID + "/" + j.AccountID
}
