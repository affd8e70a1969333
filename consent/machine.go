package consent

import (
	"fmt"
	"time"

	"github.com/openfinancebr/receptor/model"
)

// Error codes surfaced to the public API, per the Open Finance
// extension contract.
const (
	CodeInvalidState     = "ESTADO_CONSENTIMENTO_INVALIDO"
	CodeInvalidExpiry    = "DATA_EXPIRACAO_INVALIDA"
	CodeMultipleApproval = "DEPENDE_MULTIPLA_ALCADA"
)

// InvalidStateError rejects an illegal consent transition or an
// operation against a consent in the wrong status. Never retried.
type InvalidStateError struct {
	Code   string
	Detail string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid consent state: %s: %s", e.Code, e.Detail)
}

// ValidationError rejects malformed input. Never retried.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Code, e.Detail)
}

// legalEdges is the complete consent status machine. A status absent
// from the map is terminal.
var legalEdges = map[model.ConsentStatus][]model.ConsentStatus{
	model.ConsentAwaitingAuthorisation: {
		model.ConsentAuthorised,
		model.ConsentRejected,
		model.ConsentRevoked,
		model.ConsentExpired,
	},
	model.ConsentAuthorised: {
		model.ConsentRejected,
		model.ConsentRevoked,
		model.ConsentExpired,
	},
}

// CanTransition reports whether status may move from |from| to |to|.
func CanTransition(from, to model.ConsentStatus) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplyTransition mutates |c| to status |to| at |now|, or returns an
// InvalidStateError. Status history stays monotone: a terminal status
// is never left, and statusUpdatedAt always advances.
func ApplyTransition(c *model.Consent, to model.ConsentStatus, now time.Time, rejection *model.Rejection) error {
	if c.Status == to {
		return &InvalidStateError{Code: CodeInvalidState,
			Detail: fmt.Sprintf("consent %s already %s", c.ConsentID, to)}
	}
	if !CanTransition(c.Status, to) {
		return &InvalidStateError{Code: CodeInvalidState,
			Detail: fmt.Sprintf("consent %s cannot move %s -> %s", c.ConsentID, c.Status, to)}
	}

	c.Status = to
	c.StatusUpdatedAt = now
	if rejection != nil {
		c.Rejection = rejection
	}
	return nil
}
