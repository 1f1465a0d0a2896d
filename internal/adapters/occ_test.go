package adapters

import (
	"testing"
	"time"

	"github.com/tradeforge/options-engine/internal/pricing"
)

func TestOCCSymbol(t *testing.T) {
	et := easternTime()
	expiry := time.Date(2026, 3, 20, 16, 0, 0, 0, et)

	tests := []struct {
		underlying string
		typ        pricing.OptionType
		strike     float64
		want       string
	}{
		{"SPY", pricing.Put, 560, "SPY260320P00560000"},
		{"SPY", pricing.Call, 560, "SPY260320C00560000"},
		{"AAPL", pricing.Call, 210.50, "AAPL260320C00210500"},
		{"IWM", pricing.Put, 67.5, "IWM260320P00067500"},
		{"qqq", pricing.Call, 480, "QQQ260320C00480000"},
	}

	for _, tt := range tests {
		if got := OCCSymbol(tt.underlying, expiry, tt.typ, tt.strike); got != tt.want {
			t.Errorf("OCCSymbol(%s, %v, %v) = %q, want %q",
				tt.underlying, tt.typ, tt.strike, got, tt.want)
		}
	}
}

func TestParseOCCSymbolRoundTrip(t *testing.T) {
	et := easternTime()
	expiry := time.Date(2026, 3, 20, 16, 0, 0, 0, et)

	for _, tt := range []struct {
		underlying string
		typ        pricing.OptionType
		strike     float64
	}{
		{"SPY", pricing.Put, 560},
		{"AAPL", pricing.Call, 210.50},
		{"IWM", pricing.Put, 67.5},
	} {
		sym := OCCSymbol(tt.underlying, expiry, tt.typ, tt.strike)
		gotU, gotExp, gotTyp, gotStrike, err := ParseOCCSymbol(sym)
		if err != nil {
			t.Fatalf("ParseOCCSymbol(%q) error = %v", sym, err)
		}
		if gotU != tt.underlying {
			t.Errorf("%q: underlying = %q, want %q", sym, gotU, tt.underlying)
		}
		if gotTyp != tt.typ {
			t.Errorf("%q: type = %v, want %v", sym, gotTyp, tt.typ)
		}
		if gotStrike != tt.strike {
			t.Errorf("%q: strike = %v, want %v", sym, gotStrike, tt.strike)
		}
		y, m, d := gotExp.Date()
		if y != 2026 || m != time.March || d != 20 {
			t.Errorf("%q: expiry = %v, want 2026-03-20", sym, gotExp)
		}
	}
}

func TestParseOCCSymbolErrors(t *testing.T) {
	tests := []struct {
		name   string
		symbol string
	}{
		{"too short", "SPY"},
		{"exactly the tail with no underlying", "260320C00560000"},
		{"bad contract code", "SPY260320X00560000"},
		{"bad strike digits", "SPY260320C0056000Z"},
		{"bad expiry digits", "SPY26AB20C00560000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, _, err := ParseOCCSymbol(tt.symbol); err == nil {
				t.Errorf("ParseOCCSymbol(%q) expected error", tt.symbol)
			}
		})
	}
}
