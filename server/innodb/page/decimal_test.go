package page

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecimalRoundTrip(t *testing.T) {
	cases := []string{"0", "1", "-1", "19.99", "-1234.5678", "0.0001", "100000000000.5"}
	for _, s := range cases {
		want, err := decimal.NewFromString(s)
		require.NoError(t, err)

		got, err := DecodeDecimal(EncodeDecimal(want))
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "%s round-tripped as %s", want, got)
	}
}

func TestDecodeDecimalRejectsTruncatedInput(t *testing.T) {
	_, err := DecodeDecimal([]byte{1, 2, 3})
	assert.Error(t, err)
}
