package adapters

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tradeforge/options-engine/internal/pricing"
)

// OCCSymbol builds a standard OCC option symbol: underlying, expiry as
// YYMMDD, C or P, then strike in mills zero-padded to 8 digits.
func OCCSymbol(underlying string, expiry time.Time, typ pricing.OptionType, strike float64) string {
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(strings.TrimSpace(underlying)),
		expiry.In(easternTime()).Format("060102"),
		typ.Code(),
		int64(math.Round(strike*1000)))
}

// ParseOCCSymbol splits an OCC symbol into its parts. The underlying is
// whatever precedes the trailing 15 characters.
func ParseOCCSymbol(symbol string) (underlying string, expiry time.Time, typ pricing.OptionType, strike float64, err error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if len(symbol) < 16 {
		err = fmt.Errorf("occ symbol %q too short", symbol)
		return
	}
	tail := symbol[len(symbol)-15:]
	underlying = symbol[:len(symbol)-15]

	mills, perr := strconv.ParseInt(tail[7:], 10, 64)
	if perr != nil {
		err = fmt.Errorf("occ symbol %q: bad strike field: %w", symbol, perr)
		return
	}
	strike = float64(mills) / 1000

	switch tail[6] {
	case 'C':
		typ = pricing.Call
	case 'P':
		typ = pricing.Put
	default:
		err = fmt.Errorf("occ symbol %q: bad contract code %q", symbol, tail[6])
		return
	}

	expiry, perr = time.ParseInLocation("060102", tail[:6], easternTime())
	if perr != nil {
		err = fmt.Errorf("occ symbol %q: bad expiry field: %w", symbol, perr)
		return
	}
	if underlying == "" {
		err = fmt.Errorf("occ symbol %q: empty underlying", symbol)
	}
	return
}
