package units

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrDecimalsMismatch = errors.New("amounts have different decimals")
	ErrUnderflow        = errors.New("amount underflow")
)

// Amount is a token quantity in minor units tagged with the token's decimals.
// All conversions between minor and whole units go through this type.
type Amount struct {
	Minor    *uint256.Int
	Decimals uint8
}

// Zero returns an empty amount for a token with the given decimals.
func Zero(decimals uint8) Amount {
	return Amount{Minor: new(uint256.Int), Decimals: decimals}
}

// New wraps an existing minor unit value. The value is copied.
func New(minor *uint256.Int, decimals uint8) Amount {
	if minor == nil {
		return Zero(decimals)
	}
	return Amount{Minor: new(uint256.Int).Set(minor), Decimals: decimals}
}

// ParseMinor parses a base-10 integer string of minor units.
// An empty string is treated as zero.
func ParseMinor(s string, decimals uint8) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero(decimals), nil
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Amount{}, fmt.Errorf("%w: %q is not a non-negative integer", ErrInvalidAmount, s)
		}
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return Amount{Minor: v, Decimals: decimals}, nil
}

// FromWhole converts a whole unit value into minor units, truncating any
// precision beyond the token's decimals.
func FromWhole(whole decimal.Decimal, decimals uint8) (Amount, error) {
	if whole.IsNegative() {
		return Amount{}, fmt.Errorf("%w: negative value %s", ErrInvalidAmount, whole.String())
	}
	minor := whole.Shift(int32(decimals)).Truncate(0).BigInt()
	v, overflow := uint256.FromBig(minor)
	if overflow {
		return Amount{}, fmt.Errorf("%w: %s overflows 256 bits", ErrInvalidAmount, whole.String())
	}
	return Amount{Minor: v, Decimals: decimals}, nil
}

// Whole returns the amount normalized to whole token units.
func (a Amount) Whole() decimal.Decimal {
	if a.Minor == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(a.Minor.ToBig(), -int32(a.Decimals))
}

// Format renders the whole unit value with a fixed number of places, truncated.
func (a Amount) Format(places int32) string {
	return a.Whole().Truncate(places).StringFixed(places)
}

func (a Amount) IsZero() bool {
	return a.Minor == nil || a.Minor.IsZero()
}

// String returns the minor unit integer.
func (a Amount) String() string {
	if a.Minor == nil {
		return "0"
	}
	return a.Minor.Dec()
}

func (a Amount) Add(b Amount) (Amount, error) {
	if a.Decimals != b.Decimals {
		return Amount{}, fmt.Errorf("%w: %d vs %d", ErrDecimalsMismatch, a.Decimals, b.Decimals)
	}
	sum, overflow := new(uint256.Int).AddOverflow(a.minor(), b.minor())
	if overflow {
		return Amount{}, fmt.Errorf("%w: sum overflows 256 bits", ErrInvalidAmount)
	}
	return Amount{Minor: sum, Decimals: a.Decimals}, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Decimals != b.Decimals {
		return Amount{}, fmt.Errorf("%w: %d vs %d", ErrDecimalsMismatch, a.Decimals, b.Decimals)
	}
	diff, underflow := new(uint256.Int).SubOverflow(a.minor(), b.minor())
	if underflow {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrUnderflow, a.String(), b.String())
	}
	return Amount{Minor: diff, Decimals: a.Decimals}, nil
}

func (a Amount) minor() *uint256.Int {
	if a.Minor == nil {
		return new(uint256.Int)
	}
	return a.Minor
}
