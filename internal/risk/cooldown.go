package risk

import (
	"sync"
	"time"

	"github.com/tradeforge/options-engine/internal/observ"
)

// Cooldown blocks re-entry on a symbol for a fixed window after a
// losing close, so a strategy cannot immediately chase the move it
// just lost on. Exits are never blocked; only new entries consult it.
type Cooldown struct {
	mu     sync.Mutex
	until  map[string]time.Time
	window time.Duration
}

// NewCooldown builds a cooldown with the given window in minutes.
func NewCooldown(minutes int) *Cooldown {
	if minutes <= 0 {
		minutes = 30
	}
	return &Cooldown{
		until:  make(map[string]time.Time),
		window: time.Duration(minutes) * time.Minute,
	}
}

// RecordLoss starts (or restarts) the re-entry window for the symbol.
func (c *Cooldown) RecordLoss(symbol string, at time.Time) {
	c.mu.Lock()
	c.until[symbol] = at.Add(c.window)
	c.mu.Unlock()

	observ.IncCounter("risk_cooldowns_started_total", map[string]string{"symbol": symbol})
	observ.Log("risk_cooldown_started", map[string]any{
		"symbol":  symbol,
		"minutes": int(c.window.Minutes()),
	})
}

// Blocked reports whether the symbol is still cooling down, and until
// when. Expired entries are dropped on the way out.
func (c *Cooldown) Blocked(symbol string, now time.Time) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[symbol]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(until) {
		delete(c.until, symbol)
		return time.Time{}, false
	}
	return until, true
}
