// Package fixed implements the scaled-integer arithmetic used everywhere
// money, size, leverage or rates appear. Prices and sizes carry 18 decimals,
// leverage and basis points carry 4. All operations are checked: anything
// that would overflow 256 bits (or divide by zero) returns
// ErrArithmeticOverflow instead of wrapping.
package fixed

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrArithmeticOverflow is returned on any overflow, underflow or division
// by zero. Callers treat it as a fatal invariant violation, not a
// recoverable input error.
var ErrArithmeticOverflow = errors.New("arithmetic overflow")

// Scale constants. Leverage 5x is 50_000; a fee of 0.05% is 5 bps.
const (
	PriceDecimals = 18
	SizeDecimals  = 18

	LeverageScale uint64 = 10_000 // 1e4, 1x = 10_000
	BpsScale      uint64 = 10_000 // 1e4, 100% = 10_000
)

var (
	priceScale    = uint256.NewInt(1_000_000_000_000_000_000) // 1e18
	leverageScale = uint256.NewInt(LeverageScale)
	bpsScale      = uint256.NewInt(BpsScale)
)

// Amount is an unsigned scaled integer backed by a 256-bit word. The zero
// value is zero. Amount is a value type; methods never mutate the receiver.
type Amount struct {
	u uint256.Int
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// FromUint64 builds an Amount from a raw (already scaled) uint64.
func FromUint64(v uint64) Amount {
	var a Amount
	a.u.SetUint64(v)
	return a
}

// FromDecimal parses a base-10 unsigned integer string (the wire encoding).
func FromDecimal(s string) (Amount, error) {
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{u: *u}, nil
}

// MustDecimal is FromDecimal that panics. Tests and static parameter
// tables only.
func MustDecimal(s string) Amount {
	a, err := FromDecimal(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Dec renders the amount as a base-10 integer string.
func (a Amount) Dec() string { return a.u.Dec() }

func (a Amount) String() string { return a.u.Dec() }

// Uint64 returns the low 64 bits. Only meaningful for small-scale values
// (leverage, bps); callers must know the value fits.
func (a Amount) Uint64() uint64 { return a.u.Uint64() }

func (a Amount) IsZero() bool       { return a.u.IsZero() }
func (a Amount) Eq(b Amount) bool   { return a.u.Eq(&b.u) }
func (a Amount) Lt(b Amount) bool   { return a.u.Lt(&b.u) }
func (a Amount) Gt(b Amount) bool   { return a.u.Gt(&b.u) }
func (a Amount) Cmp(b Amount) int   { return a.u.Cmp(&b.u) }
func (a Amount) Lte(b Amount) bool  { return !a.u.Gt(&b.u) }
func (a Amount) Gte(b Amount) bool  { return !a.u.Lt(&b.u) }

// Add returns a+b, failing on 256-bit overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, carry := out.u.AddOverflow(&a.u, &b.u); carry {
		return Amount{}, ErrArithmeticOverflow
	}
	return out, nil
}

// Sub returns a−b, failing on underflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, borrow := out.u.SubOverflow(&a.u, &b.u); borrow {
		return Amount{}, ErrArithmeticOverflow
	}
	return out, nil
}

// SatSub returns a−b, or zero when b > a.
func (a Amount) SatSub(b Amount) Amount {
	if a.u.Lt(&b.u) {
		return Amount{}
	}
	var out Amount
	out.u.Sub(&a.u, &b.u)
	return out
}

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if a.u.Lt(&b.u) {
		return a
	}
	return b
}

// MulDiv computes a×b/denom with 512-bit intermediate precision, truncating
// toward zero.
func MulDiv(a, b, denom Amount) (Amount, error) {
	if denom.u.IsZero() {
		return Amount{}, ErrArithmeticOverflow
	}
	var out Amount
	if _, overflow := out.u.MulDivOverflow(&a.u, &b.u, &denom.u); overflow {
		return Amount{}, ErrArithmeticOverflow
	}
	return out, nil
}

// MulDivCeil is MulDiv rounding away from zero. Used for fees so that dust
// rounds in the protocol's favor.
func MulDivCeil(a, b, denom Amount) (Amount, error) {
	q, err := MulDiv(a, b, denom)
	if err != nil {
		return Amount{}, err
	}
	var rem uint256.Int
	rem.MulMod(&a.u, &b.u, &denom.u)
	if rem.IsZero() {
		return q, nil
	}
	one := FromUint64(1)
	return q.Add(one)
}

// Notional returns size×price/1e18: the quote-asset value of a position.
func Notional(size, price Amount) (Amount, error) {
	return MulDiv(size, price, Amount{u: *priceScale})
}

// Collateral returns the initial margin for a position:
// notional × 1e4 / leverage. With leverage 5x (50_000) on a 2e18 notional
// this is 4e17.
func Collateral(size, price, leverage Amount) (Amount, error) {
	if leverage.IsZero() {
		return Amount{}, ErrArithmeticOverflow
	}
	n, err := Notional(size, price)
	if err != nil {
		return Amount{}, err
	}
	return MulDiv(n, Amount{u: *leverageScale}, leverage)
}

// FeeOn returns notional×bps/1e4, rounded up.
func FeeOn(notional, bps Amount) (Amount, error) {
	return MulDivCeil(notional, bps, Amount{u: *bpsScale})
}

// PriceScale returns 1e18 as an Amount.
func PriceScale() Amount { return Amount{u: *priceScale} }

// BpsOf returns value×bps/1e4, truncating. Used for ratio thresholds where
// rounding down is the conservative direction.
func BpsOf(value, bps Amount) (Amount, error) {
	return MulDiv(value, bps, Amount{u: *bpsScale})
}

// Mod returns a mod m; zero modulus yields ErrArithmeticOverflow.
func (a Amount) Mod(m Amount) (Amount, error) {
	if m.u.IsZero() {
		return Amount{}, ErrArithmeticOverflow
	}
	var out Amount
	out.u.Mod(&a.u, &m.u)
	return out, nil
}

// MarshalText encodes the amount as its decimal string, matching the wire
// format of the submission message.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.u.Dec()), nil
}

func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := FromDecimal(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
