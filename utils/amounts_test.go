package utils

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crynk/paysplit/units"
)

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr bool
	}{
		{"integer", "100", false},
		{"decimal", "10.5", false},
		{"zero", "0", false},
		{"empty", "", true},
		{"negative", "-1", true},
		{"garbage", "ten", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateAmount(tt.amount)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseAmountWithDecimals(t *testing.T) {
	v, err := ParseAmountWithDecimals("10.5", 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10_500_000), v)

	v, err = ParseAmountWithDecimals("1", 18)
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("1000000000000000000", 10)
	assert.Equal(t, want, v)

	_, err = ParseAmountWithDecimals("0.0000001", 6)
	assert.Error(t, err, "more decimal places than the token carries")
}

func TestFormatAmountFromBigInt(t *testing.T) {
	assert.Equal(t, "10.5", FormatAmountFromBigInt(big.NewInt(10_500_000), 6))
	assert.Equal(t, "0", FormatAmountFromBigInt(big.NewInt(0), 6))
}

func TestParseFormatUSD(t *testing.T) {
	u, err := ParseUSD("10.1")
	require.NoError(t, err)
	assert.Equal(t, "10100000000000000000", u.String())
	assert.Equal(t, "10.1", FormatUSD(u))
}

func TestFormatNative(t *testing.T) {
	n := units.NativeFromBig(big.NewInt(10_000_000), 6)
	assert.Equal(t, "10", FormatNative(n))
}
