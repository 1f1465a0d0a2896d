package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/tradeforge/options-engine/internal/observ"
	"github.com/tradeforge/options-engine/internal/strategy"
)

// PaperConfig tunes the simulated broker. Seed zero seeds from the
// clock; tests pin it for reproducible rejection draws.
type PaperConfig struct {
	SlippageBps float64 `yaml:"slippage_bps"`
	RejectRate  float64 `yaml:"reject_rate"`
	Seed        int64   `yaml:"seed"`
}

// PaperBroker fills every valid order at the limit price moved by the
// configured slippage, adversely: buys pay up, sells receive less. A
// configurable fraction of orders is rejected to exercise the partial
// fill reconcile paths.
type PaperBroker struct {
	mu  sync.Mutex
	cfg PaperConfig
	rng *rand.Rand
}

// NewPaperBroker creates the simulated broker.
func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperBroker{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Submit fills or rejects the order synchronously.
func (b *PaperBroker) Submit(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, &ExecutionError{Op: "submit", Symbol: req.Symbol, Cause: err}
	}
	if err := ctx.Err(); err != nil {
		return OrderResult{}, &ExecutionError{Op: "submit", Symbol: req.Symbol, Cause: err}
	}

	b.mu.Lock()
	rejected := b.cfg.RejectRate > 0 && b.rng.Float64() < b.cfg.RejectRate
	b.mu.Unlock()

	id := fmt.Sprintf("order_%s_%d", req.Symbol, time.Now().UnixNano())
	if rejected {
		observ.IncCounter("execution_orders_total", map[string]string{"broker": "paper", "status": string(OrderRejected)})
		observ.Log("paper_order_rejected", map[string]any{
			"order_id": id,
			"symbol":   req.Symbol,
			"side":     string(req.Side),
		})
		return OrderResult{OrderID: id, Status: OrderRejected}, nil
	}

	observ.IncCounter("execution_orders_total", map[string]string{"broker": "paper", "status": string(OrderFilled)})
	return OrderResult{OrderID: id, Status: OrderFilled, FillPrice: b.fillPrice(req)}, nil
}

func (b *PaperBroker) fillPrice(req OrderRequest) float64 {
	m := 1 + b.cfg.SlippageBps/10000
	if req.Side == strategy.SideBuy {
		return req.LimitPrice * m
	}
	return req.LimitPrice / m
}
