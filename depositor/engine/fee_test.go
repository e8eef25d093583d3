package engine_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/piggyvault/piggy-hub/depositor/engine"
	"github.com/shopspring/decimal"
	"github.com/zeebo/assert"
)

func TestComputeFee(t *testing.T) {
	fee := engine.ComputeFee(uint256.NewInt(1_000_000), decimal.RequireFromString("0.92"), decimal.RequireFromString("0.05"))
	assert.Equal(t, fee.RawFee.Uint64(), uint64(46_000))
	assert.Equal(t, fee.NetPredicted.Uint64(), uint64(954_000))
}

func TestComputeFeeScalesBeforeDividing(t *testing.T) {
	total := uint256.MustFromDecimal("1000000000000000000")
	fee := engine.ComputeFee(total, decimal.RequireFromString("0.999999"), decimal.RequireFromString("0.1"))

	// floor(0.999999 * 0.1 * 1e6) = 99999
	assert.Equal(t, engine.ScaledFeeFactor(decimal.RequireFromString("0.999999"), decimal.RequireFromString("0.1")).Uint64(), uint64(99_999))
	assert.Equal(t, fee.RawFee.Dec(), "99999000000000000")

	float := uint64(float64(1e18) * 0.999999 * 0.1)
	assert.NotEqual(t, fee.RawFee.Uint64(), float)
}

func TestComputeFeeEdges(t *testing.T) {
	tests := []struct {
		name  string
		total *uint256.Int
		price string
		rate  string
		want  string
	}{
		{name: "zero price", total: uint256.NewInt(1_000_000), price: "0", rate: "0.05", want: "0"},
		{name: "negative price", total: uint256.NewInt(1_000_000), price: "-3", rate: "0.05", want: "0"},
		{name: "nil total", total: nil, price: "1", rate: "0.05", want: "0"},
		{name: "factor truncates to zero", total: uint256.NewInt(1_000_000), price: "0.0000001", rate: "0.05", want: "0"},
		{name: "clamped to total", total: uint256.NewInt(500), price: "40", rate: "0.5", want: "500"},
		{
			name:  "large total does not overflow",
			total: new(uint256.Int).SetAllOne(),
			price: "1",
			rate:  "0.5",
			want:  new(uint256.Int).Rsh(new(uint256.Int).SetAllOne(), 1).Dec(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee := engine.ComputeFee(tt.total, decimal.RequireFromString(tt.price), decimal.RequireFromString(tt.rate))
			assert.Equal(t, fee.RawFee.Dec(), tt.want)
		})
	}
}
