// Package execution turns approved signals into broker orders and
// positions. Multi-leg entries are dispatched as a coordinated batch
// and reconciled per leg; a partial fill is unwound, never booked as a
// short-legged position.
package execution

import (
	"context"
	"fmt"

	"github.com/tradeforge/options-engine/internal/strategy"
)

// OrderStatus is the broker's verdict on one order.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
)

// Order types. Every order this engine submits carries a limit price.
const (
	OrderTypeLimit = "limit"
)

// OrderRequest is one leg's submission. Quantity is whole contracts.
type OrderRequest struct {
	Symbol     string        `json:"symbol"`
	Side       strategy.Side `json:"side"`
	Quantity   int           `json:"quantity"`
	OrderType  string        `json:"order_type"`
	LimitPrice float64       `json:"limit_price"`
}

// Validate rejects structurally bad requests before they reach a
// broker.
func (r *OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order has no symbol")
	}
	if r.Side != strategy.SideBuy && r.Side != strategy.SideSell {
		return fmt.Errorf("order %s: bad side %q", r.Symbol, r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order %s: quantity %d not positive", r.Symbol, r.Quantity)
	}
	if r.OrderType != OrderTypeLimit {
		return fmt.Errorf("order %s: unsupported type %q", r.Symbol, r.OrderType)
	}
	if r.LimitPrice <= 0 {
		return fmt.Errorf("order %s: limit price %.4f not positive", r.Symbol, r.LimitPrice)
	}
	return nil
}

// OrderResult is the broker's answer. A rejection is a result, not an
// error; errors mean the submission itself could not complete.
type OrderResult struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	FillPrice float64     `json:"fill_price,omitempty"`
}

// Filled reports whether the order traded.
func (r OrderResult) Filled() bool { return r.Status == OrderFilled }

// Broker submits one order and reports its outcome. Implementations
// must respect ctx cancellation and deadlines.
type Broker interface {
	Submit(ctx context.Context, req OrderRequest) (OrderResult, error)
}
