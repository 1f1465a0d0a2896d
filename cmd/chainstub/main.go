// The chainstub binary runs the local market gateway: simulated
// quotes, chains, and marks over REST, a websocket mark stream, paper
// order fills, and scenario endpoints for staging spots and halts.
// Point the engine's http provider and http broker at it for
// end-to-end runs without a real market.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/execution"
	"github.com/tradeforge/options-engine/internal/observ"
	"github.com/tradeforge/options-engine/internal/stubs"
)

func main() {
	var addr string
	var seed int64
	var intervalMs int
	var slippageBps float64
	var rejectRate float64
	flag.StringVar(&addr, "addr", ":8091", "listen address")
	flag.Int64Var(&seed, "seed", 0, "sim walk seed (0 seeds from the clock)")
	flag.IntVar(&intervalMs, "interval-ms", 1000, "mark broadcast interval")
	flag.Float64Var(&slippageBps, "slippage-bps", 5, "paper fill slippage")
	flag.Float64Var(&rejectRate, "reject-rate", 0, "fraction of orders rejected")
	flag.Parse()

	sim := adapters.NewSim(seed)
	broker := execution.NewPaperBroker(execution.PaperConfig{
		SlippageBps: slippageBps,
		RejectRate:  rejectRate,
		Seed:        seed,
	})
	server := stubs.NewServer(sim, broker, time.Duration(intervalMs)*time.Millisecond)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go server.Run(ctx)

	observ.Log("chainstub_listen", map[string]any{
		"addr":    addr,
		"symbols": sim.Symbols(),
		"seed":    seed,
	})

	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("chainstub server: %v", err)
	}
}
