package engine

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FeeScale is the fixed-point scale of the fee factor
const FeeScale = 1_000_000

// FeeQuote is the fee skimmed from the destination proceeds, in destination
// token minor units.
type FeeQuote struct {
	RawFee       *uint256.Int
	NetPredicted *uint256.Int
}

// ScaledFeeFactor returns floor(price * feeRate * FeeScale). The product is
// exact decimal arithmetic; no binary floating point is involved.
func ScaledFeeFactor(price, feeRate decimal.Decimal) *uint256.Int {
	factor := price.Mul(feeRate).Mul(decimal.NewFromInt(FeeScale)).Floor()
	if !factor.IsPositive() {
		return new(uint256.Int)
	}
	v, overflow := uint256.FromBig(factor.BigInt())
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return v
}

// ComputeFee derives the fee as total * factor / FeeScale with truncating
// integer division. The fee never exceeds the total.
func ComputeFee(total *uint256.Int, price, feeRate decimal.Decimal) FeeQuote {
	if total == nil {
		total = new(uint256.Int)
	}
	factor := ScaledFeeFactor(price, feeRate)

	raw, overflow := new(uint256.Int).MulDivOverflow(total, factor, uint256.NewInt(FeeScale))
	if overflow || raw.Gt(total) {
		raw = new(uint256.Int).Set(total)
	}
	return FeeQuote{
		RawFee:       raw,
		NetPredicted: new(uint256.Int).Sub(total, raw),
	}
}
