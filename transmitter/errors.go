package transmitter

import (
	"errors"
	"fmt"
)

// Kind is the closed classification of transmitter call failures.
type Kind string

const (
	KindAuth        Kind = "Auth"
	KindRateLimited Kind = "RateLimited"
	KindUnavailable Kind = "Unavailable"
	KindBadRequest  Kind = "BadRequest"
	KindNotFound    Kind = "NotFound"
	KindServerError Kind = "ServerError"
	KindNetwork     Kind = "Network"
)

// Error is the typed failure returned by every transmitter call once
// retries are exhausted. Retryable tells the queue whether to nack the
// owning job back to PENDING or let it die.
type Error struct {
	Kind           Kind
	Retryable      bool
	OrganisationID string
	Status         int
	cause          error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("transmitter %s: %s (status %d): %v", e.OrganisationID, e.Kind, e.Status, e.cause)
	}
	return fmt.Sprintf("transmitter %s: %s (status %d)", e.OrganisationID, e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.cause }

// AsError extracts a transmitter *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Retryable reports whether a job failing with this kind should be
// nacked back to the queue. Distinct from call-level retry: a 401 is
// never re-sent by the client beyond its fresh-token attempt, yet the
// owning job backs off and tries again.
func (k Kind) Retryable() bool {
	switch k {
	case KindAuth, KindRateLimited, KindUnavailable, KindServerError, KindNetwork:
		return true
	}
	return false
}

// classify maps an HTTP status to its error kind and whether the call
// itself may be re-attempted within the retry loop.
func classify(status int) (kind Kind, retryCall bool) {
	switch {
	case status == 401 || status == 403:
		return KindAuth, false
	case status == 404:
		return KindNotFound, false
	case status == 408:
		return KindNetwork, true
	case status == 429:
		return KindRateLimited, true
	case status >= 500:
		return KindServerError, true
	case status >= 400:
		return KindBadRequest, false
	}
	return KindServerError, true
}
