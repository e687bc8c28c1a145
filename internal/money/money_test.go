package money

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Amount
	}{
		{"whole naira", "350000", 35_000_000},
		{"two decimals", "350000.50", 35_000_050},
		{"one decimal", "0.5", 50},
		{"smallest unit", "0.01", 1},
		{"zero", "0", 0},
		{"leading zeros", "007.25", 725},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, input := range []string{"", "-1", "+1", "1.234", "1.", ".5", "1e5", "abc", "1.2.3", "1,000"} {
		if _, err := Parse(input); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalidAmount", input, err)
		}
	}
}

func TestParse_Overflow(t *testing.T) {
	if _, err := Parse("999999999999999999999"); !errors.Is(err, ErrAmountOverflow) {
		t.Errorf("expected ErrAmountOverflow, got %v", err)
	}
}

func TestString(t *testing.T) {
	tests := map[Amount]string{
		0:          "0.00",
		1:          "0.01",
		4_475_000:  "44750.00",
		35_000_050: "350000.50",
		-150:       "-1.50",
	}
	for in, want := range tests {
		if got := in.String(); got != want {
			t.Errorf("Amount(%d).String() = %q, want %q", int64(in), got, want)
		}
	}
	if got := Amount(math.MinInt64).String(); got != "-92233720368547758.08" {
		t.Errorf("MinInt64 formatted as %q", got)
	}
}

func TestAddSub(t *testing.T) {
	a := MustMajor(400_000)
	b := MustMajor(355_250)

	diff, err := a.Sub(b)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	if diff != MustMajor(44_750) {
		t.Errorf("400000 - 355250 = %s", diff)
	}

	if _, err := b.Sub(a); !errors.Is(err, ErrNegativeResult) {
		t.Errorf("expected ErrNegativeResult, got %v", err)
	}
	if _, err := Amount(math.MaxInt64).Add(1); !errors.Is(err, ErrAmountOverflow) {
		t.Errorf("expected ErrAmountOverflow, got %v", err)
	}
	if _, err := Amount(math.MinInt64).Add(-1); !errors.Is(err, ErrAmountOverflow) {
		t.Errorf("expected ErrAmountOverflow on underflow, got %v", err)
	}
}

func TestSum(t *testing.T) {
	total, err := Sum(MustMajor(350_000), MustMajor(5_250))
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if total != MustMajor(355_250) {
		t.Errorf("Sum = %s", total)
	}
	if _, err := Sum(Amount(math.MaxInt64), 1); !errors.Is(err, ErrAmountOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
}

func TestFee_RoundHalfUp(t *testing.T) {
	rate := decimal.RequireFromString("0.015")
	tests := []struct {
		amount Amount
		want   Amount
	}{
		{MustMajor(350_000), MustMajor(5_250)},
		{100, 2}, // 1.5 kobo rounds up
		{33, 0},  // 0.495 rounds down
		{34, 1},  // 0.51
		{0, 0},
	}
	for _, tt := range tests {
		got, err := Fee(tt.amount, rate)
		if err != nil {
			t.Fatalf("Fee(%d) failed: %v", tt.amount, err)
		}
		if got != tt.want {
			t.Errorf("Fee(%d) = %d, want %d", tt.amount, got, tt.want)
		}
	}
}

func TestFee_Rejects(t *testing.T) {
	if _, err := Fee(-1, decimal.RequireFromString("0.015")); !errors.Is(err, ErrNegativeResult) {
		t.Errorf("negative amount: got %v", err)
	}
	if _, err := Amount(100).MulRate(decimal.RequireFromString("-0.1")); !errors.Is(err, ErrNegativeResult) {
		t.Errorf("negative rate: got %v", err)
	}
	if _, err := Amount(math.MaxInt64).MulRate(decimal.NewFromInt(2)); !errors.Is(err, ErrAmountOverflow) {
		t.Errorf("overflow: got %v", err)
	}
}

func TestParseRate(t *testing.T) {
	r, err := ParseRate("0.015")
	if err != nil {
		t.Fatalf("ParseRate failed: %v", err)
	}
	if !r.Equal(decimal.RequireFromString("0.015")) {
		t.Errorf("rate = %s", r)
	}
	for _, bad := range []string{"-0.01", "1", "1.5", "x"} {
		if _, err := ParseRate(bad); err == nil {
			t.Errorf("ParseRate(%q) should fail", bad)
		}
	}
}

func TestJSON(t *testing.T) {
	var body struct {
		Amount Amount `json:"amount"`
	}
	if err := json.Unmarshal([]byte(`{"amount":"350000.50"}`), &body); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if body.Amount != 35_000_050 {
		t.Errorf("amount = %d", body.Amount)
	}
	if err := json.Unmarshal([]byte(`{"amount":500000}`), &body); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if body.Amount != MustMajor(500_000) {
		t.Errorf("amount = %d", body.Amount)
	}
	if err := json.Unmarshal([]byte(`{"amount":0.001}`), &body); err == nil {
		t.Error("expected error for sub-kobo precision")
	}

	out, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"amount":"500000.00"}` {
		t.Errorf("marshal = %s", out)
	}
}
