package types

import (
	"encoding/json"
	"testing"
)

func TestMoneyDisplay(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		display string
	}{
		{"USD", USD(4900), "$49.00"},
		{"EUR", EUR(19905), "€199.05"},
		{"GBP", GBP(9900), "£99.00"},
		{"Negative USD", USD(-250), "$-2.50"},
		{"Zero USD", Zero("USD"), "$0.00"},
		{"JPY", Money{Amount: 100, Currency: "jpy"}, "¥100"},
		{"Unknown currency", Money{Amount: 1234, Currency: "sek"}, "SEK 12.34"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.String(); got != tt.display {
				t.Errorf("Display: got %s, want %s", got, tt.display)
			}
		})
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for currency mismatch")
		}
	}()

	_ = USD(100).Add(EUR(100))
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(USD(1999))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Money
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Equal(USD(1999)) {
		t.Errorf("got %v, want %v", decoded, USD(1999))
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["display"] != "$19.99" {
		t.Errorf("display: got %v", raw["display"])
	}
}

func TestSumByCurrency(t *testing.T) {
	totals := SumByCurrency(USD(100), EUR(50), USD(250), Money{Amount: 5, Currency: "EUR"})

	if got := totals["usd"]; !got.Equal(USD(350)) {
		t.Errorf("usd total: got %v", got)
	}
	if got := totals["eur"]; !got.Equal(EUR(55)) {
		t.Errorf("eur total: got %v", got)
	}
}
