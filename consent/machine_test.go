package consent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfinancebr/receptor/model"
)

func TestLegalEdges(t *testing.T) {
	var legal = [][2]model.ConsentStatus{
		{model.ConsentAwaitingAuthorisation, model.ConsentAuthorised},
		{model.ConsentAwaitingAuthorisation, model.ConsentRejected},
		{model.ConsentAwaitingAuthorisation, model.ConsentExpired},
		{model.ConsentAuthorised, model.ConsentRejected},
		{model.ConsentAuthorised, model.ConsentRevoked},
		{model.ConsentAuthorised, model.ConsentExpired},
	}
	for _, edge := range legal {
		require.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	var illegal = [][2]model.ConsentStatus{
		{model.ConsentAuthorised, model.ConsentAwaitingAuthorisation},
		{model.ConsentRejected, model.ConsentAuthorised},
		{model.ConsentRevoked, model.ConsentAuthorised},
		{model.ConsentExpired, model.ConsentAwaitingAuthorisation},
		{model.ConsentExpired, model.ConsentAuthorised},
	}
	for _, edge := range illegal {
		require.False(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestApplyTransitionAdvancesStatusUpdatedAt(t *testing.T) {
	var created = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	var c = model.Consent{
		ConsentID:       "C1",
		Status:          model.ConsentAwaitingAuthorisation,
		CreatedAt:       created,
		StatusUpdatedAt: created,
	}

	var now = created.Add(time.Hour)
	require.NoError(t, ApplyTransition(&c, model.ConsentAuthorised, now, nil))
	require.Equal(t, model.ConsentAuthorised, c.Status)
	require.Equal(t, now, c.StatusUpdatedAt)

	// Out of a terminal status is rejected.
	require.NoError(t, ApplyTransition(&c, model.ConsentRevoked, now.Add(time.Hour), nil))
	var err = ApplyTransition(&c, model.ConsentAuthorised, now.Add(2*time.Hour), nil)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	require.Equal(t, CodeInvalidState, ise.Code)
}

func TestApplyTransitionSelfEdgeRejected(t *testing.T) {
	var c = model.Consent{Status: model.ConsentAuthorised}
	require.Error(t, ApplyTransition(&c, model.ConsentAuthorised, time.Now(), nil))
}

func TestApplyTransitionRecordsRejection(t *testing.T) {
	var c = model.Consent{Status: model.ConsentAuthorised}
	require.NoError(t, ApplyTransition(&c, model.ConsentRejected, time.Now(),
		&model.Rejection{Code: "CUSTOMER_MANUALLY_REJECTED"}))
	require.NotNil(t, c.Rejection)
	require.Equal(t, "CUSTOMER_MANUALLY_REJECTED", c.Rejection.Code)
}
