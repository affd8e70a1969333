package ofb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMinor(t *testing.T) {
	var cases = []struct {
		in   string
		want int64
		ok   bool
	}{
		{"100.00", 10000, true},
		{"0.01", 1, true},
		{"7", 700, true},
		{"-12.5", -1250, true},
		{"1000000000.00", 100000000000, true},
		{"", 0, false},
		{".5", 0, false},
		{"1.234", 0, false},
		{"12a.00", 0, false},
	}
	for _, tc := range cases {
		var got, err = ParseMinor(tc.in)
		if !tc.ok {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestValidateAmount(t *testing.T) {
	require.NoError(t, ValidateAmount(Amount{"100.00", "BRL"}, false))
	require.Error(t, ValidateAmount(Amount{"-1.00", "BRL"}, false))
	require.NoError(t, ValidateAmount(Amount{"-1.00", "BRL"}, true))
	require.Error(t, ValidateAmount(Amount{"1.00", "REAIS"}, false))
}

func TestValidateCPF(t *testing.T) {
	require.NoError(t, ValidateCPF("52998224725"))
	require.Error(t, ValidateCPF("52998224724"))
	require.Error(t, ValidateCPF("11111111111"))
	require.Error(t, ValidateCPF("123"))
}

func TestValidateCNPJ(t *testing.T) {
	require.NoError(t, ValidateCNPJ("11222333000181"))
	require.Error(t, ValidateCNPJ("11222333000182"))
	require.Error(t, ValidateCNPJ("00000000000000"))
	require.Error(t, ValidateCNPJ("1122233300018"))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	var raw = []byte(`{"data":{"accountId":"A1"},"links":{"next":"u"},"meta":{"totalRecords":1}}`)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, "u", env.Links.Next)
	require.Equal(t, 1, env.Meta.TotalRecords)

	var acct AccountData
	require.NoError(t, json.Unmarshal(env.Data, &acct))
	require.Equal(t, "A1", acct.AccountID)
}
