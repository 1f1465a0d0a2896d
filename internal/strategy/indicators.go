package strategy

// Bar is one OHLCV aggregation interval, one minute in practice.
type Bar struct {
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// BarHistory is a bounded trailing bar series.
type BarHistory struct {
	bars []Bar
	max  int
}

// NewBarHistory creates a history capped at max bars.
func NewBarHistory(max int) *BarHistory {
	if max <= 0 {
		max = 390
	}
	return &BarHistory{max: max}
}

// Add appends a bar, dropping the oldest past the cap.
func (h *BarHistory) Add(b Bar) {
	h.bars = append(h.bars, b)
	if len(h.bars) > h.max {
		h.bars = h.bars[len(h.bars)-h.max:]
	}
}

// Bars returns the trailing bars, oldest first.
func (h *BarHistory) Bars() []Bar { return h.bars }

// Len returns the number of stored bars.
func (h *BarHistory) Len() int { return len(h.bars) }

// Closes returns the closing prices, oldest first.
func (h *BarHistory) Closes() []float64 {
	out := make([]float64, len(h.bars))
	for i, b := range h.bars {
		out[i] = b.Close
	}
	return out
}

// EMA computes an exponential moving average seeded with the simple
// mean of the first period prices. Reports false with fewer prices
// than the period.
func EMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	sum := 0.0
	for _, p := range prices[:period] {
		sum += p
	}
	ema := sum / float64(period)
	mult := 2.0 / float64(period+1)
	for _, p := range prices[period:] {
		ema = (p-ema)*mult + ema
	}
	return ema, true
}

// RSI computes the relative strength index over the last period price
// changes. With no losses in the window it saturates at 100 (or reads
// 50 when there are no gains either). Needs period+1 prices.
func RSI(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}
	deltas := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		deltas = append(deltas, prices[i]-prices[i-1])
	}
	window := deltas[len(deltas)-period:]

	var gains, losses float64
	for _, d := range window {
		if d > 0 {
			gains += d
		} else {
			losses -= d
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		if avgGain > 0 {
			return 100, true
		}
		return 50, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// VWAP computes the volume-weighted average of typical prices
// (H+L+C)/3. Reports false on empty input or zero cumulative volume.
func VWAP(bars []Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	var tpv float64
	var vol int64
	for _, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3
		tpv += typical * float64(b.Volume)
		vol += b.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return tpv / float64(vol), true
}

// RelativeVolume compares the latest bar's volume against the average
// of the bars before it. Needs at least two bars.
func RelativeVolume(bars []Bar) (float64, bool) {
	if len(bars) < 2 {
		return 0, false
	}
	var sum float64
	for _, b := range bars[:len(bars)-1] {
		sum += float64(b.Volume)
	}
	avg := sum / float64(len(bars)-1)
	if avg == 0 {
		return 0, false
	}
	return float64(bars[len(bars)-1].Volume) / avg, true
}

// Cross is the EMA crossover state between two consecutive readings.
type Cross int

const (
	CrossNone Cross = iota
	CrossBullish
	CrossBearish
)

// DetectCross reports a bullish cross when the fast EMA moves from at
// or below the slow EMA to above it, and the mirror for bearish.
func DetectCross(prevFast, prevSlow, fast, slow float64) Cross {
	switch {
	case prevFast <= prevSlow && fast > slow:
		return CrossBullish
	case prevFast >= prevSlow && fast < slow:
		return CrossBearish
	default:
		return CrossNone
	}
}
