// Package money provides the fixed-point currency type used by every ledger,
// escrow, and payment component.
//
// Amounts are stored as int64 counts of the minor unit (kobo for NGN,
// 1 NGN = 100 kobo). Arithmetic never wraps or clamps: overflow and
// negative results are reported as errors.
package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits in a major unit.
const Decimals = 2

// DefaultCurrency is the only currency wallets are opened in.
const DefaultCurrency = "NGN"

var (
	ErrAmountOverflow = errors.New("money: amount overflow")
	ErrNegativeResult = errors.New("money: negative result")
	ErrInvalidAmount  = errors.New("money: invalid amount")
)

// Amount is a quantity of money in minor units.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// FromMajor converts whole naira to an Amount, e.g. FromMajor(500000) is ₦500,000.
func FromMajor(n int64) (Amount, error) {
	if n > math.MaxInt64/100 || n < math.MinInt64/100 {
		return 0, ErrAmountOverflow
	}
	return Amount(n * 100), nil
}

// MustMajor is FromMajor for constants and tests.
func MustMajor(n int64) Amount {
	a, err := FromMajor(n)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse converts a decimal string ("350000", "350000.5", "350000.50") into an
// Amount. Negative values, exponents, and more than two fractional digits are
// rejected rather than rounded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" || (hasDot && frac == "") || len(frac) > Decimals {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, ErrAmountOverflow
		}
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount(v), nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String formats the amount with exactly two decimals, e.g. "44750.00".
func (a Amount) String() string {
	neg := a < 0
	u := uint64(a)
	if neg {
		u = uint64(-(a + 1)) + 1
	}
	s := strconv.FormatUint(u, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	out := s[:len(s)-Decimals] + "." + s[len(s)-Decimals:]
	if neg {
		out = "-" + out
	}
	return out
}

// Kobo returns the raw minor-unit count.
func (a Amount) Kobo() int64 { return int64(a) }

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool { return a > 0 }

// Add returns a+b or ErrAmountOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}

// Sub returns a-b. A result below zero is ErrNegativeResult: no balance,
// escrow, or fee in this system can go negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b < 0 {
		return a.Add(-b)
	}
	if a < b {
		return 0, ErrNegativeResult
	}
	return a - b, nil
}

// Sum adds all amounts, failing on the first overflow.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// MulRate multiplies a by rate and rounds half-up to the nearest minor unit.
func (a Amount) MulRate(rate decimal.Decimal) (Amount, error) {
	if rate.IsNegative() {
		return 0, ErrNegativeResult
	}
	product := decimal.NewFromInt(int64(a)).Mul(rate)
	// decimal.Round rounds half away from zero, which is half-up for
	// the non-negative values that reach here.
	rounded := product.Round(0)
	if !rounded.IsInteger() || rounded.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, ErrAmountOverflow
	}
	return Amount(rounded.IntPart()), nil
}

// Fee is the platform fee rule: round_half_up(amount * rate). Every fee in
// the system is derived through this function once and stored.
func Fee(amount Amount, rate decimal.Decimal) (Amount, error) {
	if amount < 0 {
		return 0, ErrNegativeResult
	}
	return amount.MulRate(rate)
}

// ParseRate parses a fee rate such as "0.015". Rates must lie in [0, 1).
func ParseRate(s string) (decimal.Decimal, error) {
	r, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: invalid rate %q: %w", s, err)
	}
	if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("money: rate %s out of range [0, 1)", r)
	}
	return r, nil
}

// MarshalJSON encodes the amount as a decimal string so clients never see
// a float.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number
// in major units.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
