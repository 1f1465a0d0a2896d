// The engine binary wires the whole trading loop: market data, the
// three strategies, the risk gate, execution, the position monitor,
// and the admin/metrics surface. One process, two loops: entries in
// the engine, exits in the monitor.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/alerts"
	"github.com/tradeforge/options-engine/internal/config"
	"github.com/tradeforge/options-engine/internal/engine"
	"github.com/tradeforge/options-engine/internal/execution"
	"github.com/tradeforge/options-engine/internal/ledger"
	"github.com/tradeforge/options-engine/internal/monitor"
	"github.com/tradeforge/options-engine/internal/observ"
	"github.com/tradeforge/options-engine/internal/outbox"
	"github.com/tradeforge/options-engine/internal/risk"
	"github.com/tradeforge/options-engine/internal/strategy"
)

var version = "dev" // set via -ldflags "-X main.version=..."

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.Parse()
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		cfgPath = env
	}

	// .env is optional; deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}

	observ.SetVersion(version)
	observ.Log("startup", map[string]any{
		"version":   version,
		"mode":      cfg.Engine.Mode,
		"provider":  cfg.Market.Provider,
		"broker":    cfg.Execution.Broker,
		"symbols":   cfg.Engine.Symbols,
		"benchmark": cfg.Engine.Benchmark,
		"equity":    cfg.Engine.Equity,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	market, err := adapters.NewFactory(cfg.Market).Create(ctx)
	if err != nil {
		log.Fatalf("create market data provider: %v", err)
	}
	defer market.Close()

	journal, err := outbox.Open(cfg.Storage.JournalPath, cfg.Storage.DedupeWindowSeconds)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}

	store, err := ledger.Open(cfg.Storage.LedgerPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	recovered, err := store.RecoverStuckClosing()
	if err != nil {
		log.Fatalf("recover ledger: %v", err)
	}
	if len(recovered) > 0 {
		observ.Log("boot_recovered_closing", map[string]any{"positions": recovered})
	}

	broker, err := buildBroker(cfg.Execution)
	if err != nil {
		log.Fatalf("create broker: %v", err)
	}
	adapter := execution.NewAdapter(broker, market, journal, cfg.Execution.Adapter)

	notifier := alerts.New(cfg.Alerts)
	defer notifier.Close()
	observ.Log("alerts_init", map[string]any{"enabled": notifier.Enabled()})

	state := risk.NewState(cfg.Engine.Equity, adapters.SessionDate(time.Now()))
	gate := risk.NewGate(cfg.Risk)
	cooldown := risk.NewCooldown(cfg.Engine.CooldownMinutes)

	mon := monitor.New(cfg.Monitor, monitor.Deps{
		Store:    store,
		Marks:    market,
		Closer:   adapter,
		Risk:     state,
		Cooldown: cooldown,
		Alerter:  notifier,
		Journal:  journal,
	})

	meanRev, condor, momentum := buildStrategies(cfg.Strategies)
	eng := engine.New(engine.Config{
		Symbols:             cfg.Engine.Symbols,
		Benchmark:           cfg.Engine.Benchmark,
		EvalIntervalSeconds: cfg.Engine.EvalIntervalSeconds,
	}, engine.Deps{
		Market:   market,
		MeanRev:  meanRev,
		Condor:   condor,
		Momentum: momentum,
		Gate:     gate,
		State:    state,
		Cooldown: cooldown,
		Broker:   adapter,
		Store:    store,
		Journal:  journal,
		Alerter:  notifier,
	})

	go serveAdmin(cfg.Engine, mon, state, store)
	go mon.Run(ctx)
	eng.Run(ctx)

	// Signal received; make sure in-memory ledger rows reach disk.
	if err := store.Flush(); err != nil {
		observ.LogError("shutdown_flush_failed", err, nil)
	}
	observ.Log("shutdown", map[string]any{"open_positions": len(store.OpenPositions())})
}

func buildBroker(cfg config.Execution) (execution.Broker, error) {
	switch cfg.Broker {
	case "http":
		return execution.NewHTTPBroker(cfg.HTTP)
	default:
		return execution.NewPaperBroker(cfg.Paper), nil
	}
}

// buildStrategies constructs the enabled signal generators; a disabled
// strategy comes back nil and the engine skips it.
func buildStrategies(cfg config.Strategies) (*strategy.MeanReversion, *strategy.Condor, *strategy.Momentum) {
	var meanRev *strategy.MeanReversion
	var condor *strategy.Condor
	var momentum *strategy.Momentum
	if cfg.Enabled(strategy.KindMeanReversion) {
		meanRev = strategy.NewMeanReversion(cfg.MeanReversion)
	}
	if cfg.Enabled(strategy.KindCondor) {
		condor = strategy.NewCondor(cfg.Condor)
	}
	if cfg.Enabled(strategy.KindMomentum) {
		momentum = strategy.NewMomentum(cfg.Momentum)
	}
	observ.Log("strategies_init", map[string]any{
		"mean_reversion": meanRev != nil,
		"iron_condor":    condor != nil,
		"momentum":       momentum != nil,
	})
	return meanRev, condor, momentum
}

// serveAdmin exposes metrics, health, and the two operator commands.
// Admin commands require the bearer token from the configured
// environment variable; with no token set they stay locked.
func serveAdmin(cfg config.Engine, mon *monitor.Monitor, state *risk.State, store *ledger.Store) {
	token := os.Getenv(cfg.AdminTokenEnv)
	if token == "" {
		observ.Log("admin_commands_locked", map[string]any{"token_env": cfg.AdminTokenEnv})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.HealthHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "GET only", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"open":      store.OpenPositions(),
			"portfolio": state.Snapshot(),
		})
	})
	mux.HandleFunc("/admin/close-all", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !authorized(r, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mon.TriggerEmergency(r.URL.Query().Get("reason"))
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "close-all triggered; %d open\n", len(store.OpenPositions()))
	})
	mux.HandleFunc("/admin/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !authorized(r, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		cleared := mon.Reset()
		fmt.Fprintf(w, "reset; %d escalations cleared\n", cleared)
	})

	observ.Log("admin_listen", map[string]any{"addr": cfg.ListenAddr})
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatalf("admin server: %v", err)
	}
}

func authorized(r *http.Request, token string) bool {
	return token != "" && r.Header.Get("Authorization") == "Bearer "+token
}
