// Package config loads the engine's YAML configuration. Components
// apply their own defaults in their constructors; this package only
// fills the top-level wiring fields and rejects configurations the
// engine could not safely run with.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/alerts"
	"github.com/tradeforge/options-engine/internal/execution"
	"github.com/tradeforge/options-engine/internal/monitor"
	"github.com/tradeforge/options-engine/internal/risk"
	"github.com/tradeforge/options-engine/internal/strategy"
)

// Engine holds the top-level run parameters.
type Engine struct {
	Mode                string   `yaml:"mode"` // paper | live
	Equity              float64  `yaml:"equity"`
	Symbols             []string `yaml:"symbols"`
	Benchmark           string   `yaml:"benchmark"` // momentum's relative-strength reference
	EvalIntervalSeconds int      `yaml:"eval_interval_seconds"`
	CooldownMinutes     int      `yaml:"cooldown_minutes"`
	ListenAddr          string   `yaml:"listen_addr"`
	AdminTokenEnv       string   `yaml:"admin_token_env"`
	DataDir             string   `yaml:"data_dir"`
}

// Strategies collects the per-strategy tuning blocks. A strategy named
// in Disabled is built but never evaluated.
type Strategies struct {
	MeanReversion strategy.MeanReversionConfig `yaml:"mean_reversion"`
	Condor        strategy.CondorConfig        `yaml:"iron_condor"`
	Momentum      strategy.MomentumConfig      `yaml:"momentum"`
	Disabled      []string                     `yaml:"disabled"`
}

// Enabled reports whether the strategy kind is not disabled.
func (s *Strategies) Enabled(kind strategy.Kind) bool {
	for _, name := range s.Disabled {
		if strings.EqualFold(name, string(kind)) {
			return false
		}
	}
	return true
}

// Execution selects and tunes the broker.
type Execution struct {
	Broker  string                     `yaml:"broker"` // paper | http
	Adapter execution.Config           `yaml:"adapter"`
	Paper   execution.PaperConfig      `yaml:"paper"`
	HTTP    execution.HTTPBrokerConfig `yaml:"http"`
}

// Storage locates the position ledger and the session journal.
type Storage struct {
	LedgerPath          string `yaml:"ledger_path"`
	JournalPath         string `yaml:"journal_path"`
	DedupeWindowSeconds int    `yaml:"dedupe_window_seconds"`
}

// Root is the whole configuration file.
type Root struct {
	Engine     Engine          `yaml:"engine"`
	Market     adapters.Config `yaml:"market_data"`
	Strategies Strategies      `yaml:"strategies"`
	Risk       risk.GateConfig `yaml:"risk"`
	Execution  Execution       `yaml:"execution"`
	Monitor    monitor.Config  `yaml:"monitor"`
	Alerts     alerts.Config   `yaml:"alerts"`
	Storage    Storage         `yaml:"storage"`
}

// Load reads, defaults, and validates the configuration at path.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func (c *Root) setDefaults() {
	if c.Engine.Mode == "" {
		c.Engine.Mode = "paper"
	}
	if c.Engine.Equity == 0 {
		c.Engine.Equity = 100_000
	}
	if len(c.Engine.Symbols) == 0 {
		c.Engine.Symbols = []string{"SPY", "QQQ"}
	}
	for i, s := range c.Engine.Symbols {
		c.Engine.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if c.Engine.Benchmark == "" {
		c.Engine.Benchmark = "SPY"
	}
	c.Engine.Benchmark = strings.ToUpper(strings.TrimSpace(c.Engine.Benchmark))
	if c.Engine.EvalIntervalSeconds == 0 {
		c.Engine.EvalIntervalSeconds = 60
	}
	if c.Engine.CooldownMinutes == 0 {
		c.Engine.CooldownMinutes = 30
	}
	if c.Engine.ListenAddr == "" {
		c.Engine.ListenAddr = ":8080"
	}
	if c.Engine.AdminTokenEnv == "" {
		c.Engine.AdminTokenEnv = "ADMIN_TOKEN"
	}
	if c.Engine.DataDir == "" {
		c.Engine.DataDir = "data"
	}
	if c.Market.Provider == "" {
		c.Market.Provider = "sim"
	}
	if c.Execution.Broker == "" {
		c.Execution.Broker = "paper"
	}
	if c.Storage.LedgerPath == "" {
		c.Storage.LedgerPath = filepath.Join(c.Engine.DataDir, "positions.json")
	}
	if c.Storage.JournalPath == "" {
		c.Storage.JournalPath = filepath.Join(c.Engine.DataDir, "outbox.jsonl")
	}
	if c.Storage.DedupeWindowSeconds == 0 {
		c.Storage.DedupeWindowSeconds = 90
	}
}

// Validate rejects configurations the engine could not run with.
// Component-level ranges are enforced by the component constructors;
// this covers the wiring-level mistakes.
func (c *Root) Validate() error {
	switch c.Engine.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("engine.mode %q, want paper or live", c.Engine.Mode)
	}
	if c.Engine.Equity <= 0 {
		return fmt.Errorf("engine.equity %.2f not positive", c.Engine.Equity)
	}
	if c.Engine.EvalIntervalSeconds < 0 {
		return fmt.Errorf("engine.eval_interval_seconds %d negative", c.Engine.EvalIntervalSeconds)
	}
	for _, s := range c.Engine.Symbols {
		if s == "" {
			return fmt.Errorf("engine.symbols contains an empty symbol")
		}
	}
	switch c.Execution.Broker {
	case "paper":
	case "http":
		if c.Execution.HTTP.BaseURL == "" {
			return fmt.Errorf("execution.broker http needs execution.http.base_url")
		}
	default:
		return fmt.Errorf("execution.broker %q, want paper or http", c.Execution.Broker)
	}
	if c.Engine.Mode == "live" && c.Execution.Broker == "paper" {
		return fmt.Errorf("engine.mode live cannot run on the paper broker")
	}
	return nil
}
