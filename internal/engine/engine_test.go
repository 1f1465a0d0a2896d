package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/alerts"
	"github.com/tradeforge/options-engine/internal/execution"
	"github.com/tradeforge/options-engine/internal/ledger"
	"github.com/tradeforge/options-engine/internal/outbox"
	"github.com/tradeforge/options-engine/internal/pricing"
	"github.com/tradeforge/options-engine/internal/risk"
	"github.com/tradeforge/options-engine/internal/strategy"
)

func loadET(t *testing.T) *time.Location {
	t.Helper()
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	return et
}

// midSession is a Monday mid-morning instant inside regular hours.
func midSession(et *time.Location) time.Time {
	return time.Date(2025, 6, 2, 10, 30, 0, 0, et)
}

type fakeMarket struct {
	quotes     map[string]*adapters.Quote
	chains     map[string]*adapters.Chain
	quoteErr   map[string]error
	quoteCalls int
	chainCalls int
}

func (f *fakeMarket) Quote(ctx context.Context, symbol string) (*adapters.Quote, error) {
	f.quoteCalls++
	if err, ok := f.quoteErr[symbol]; ok {
		return nil, err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote scripted for %s", symbol)
	}
	copy := *q
	return &copy, nil
}

func (f *fakeMarket) Chain(ctx context.Context, underlying string) (*adapters.Chain, error) {
	f.chainCalls++
	ch, ok := f.chains[underlying]
	if !ok {
		return nil, fmt.Errorf("no chain scripted for %s", underlying)
	}
	return ch, nil
}

func (f *fakeMarket) Mark(ctx context.Context, symbol string) (*adapters.Mark, error) {
	return nil, fmt.Errorf("marks not scripted")
}

func (f *fakeMarket) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeMarket) Close() error                          { return nil }

type fakeBroker struct {
	calls int
	err   error
	id    string
}

func (b *fakeBroker) OpenPosition(ctx context.Context, sig strategy.Signal, contracts int) (*ledger.Position, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	legs := make([]ledger.Leg, len(sig.Legs))
	for i, pl := range sig.Legs {
		legs[i] = ledger.Leg{
			Symbol:     pl.Symbol,
			Side:       pl.Side,
			Type:       pl.Type,
			Strike:     pl.Strike,
			Expiry:     pl.Expiry,
			Quantity:   contracts,
			EntryPrice: pl.LimitPrice,
		}
	}
	id := b.id
	if id == "" {
		id = ledger.NewPositionID(sig.Underlying)
	}
	return &ledger.Position{
		ID:         id,
		Strategy:   sig.Strategy,
		Underlying: sig.Underlying,
		Legs:       legs,
		Quantity:   contracts,
		Status:     ledger.StatusOpen,
		OpenedAt:   time.Now().UTC(),
		Exit:       sig.Exit,
	}, nil
}

type recordingAlerter struct {
	sent []alerts.Alert
}

func (r *recordingAlerter) Send(a alerts.Alert) { r.sent = append(r.sent, a) }

func (r *recordingAlerter) byKind(kind alerts.Kind) int {
	n := 0
	for _, a := range r.sent {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// quoteFor builds a quote that passes fail-closed validation.
func quoteFor(symbol string, last float64, volume int64) *adapters.Quote {
	return &adapters.Quote{
		Symbol:    symbol,
		Bid:       last - 0.02,
		Ask:       last + 0.02,
		Last:      last,
		Volume:    volume,
		Timestamp: time.Now().UTC(),
		Session:   "RTH",
		Source:    "sim",
	}
}

// lowIVChain builds a chain whose at-the-money call sits in the
// mean-reversion DTE window with implied vol far below a seeded
// history, so the strategy emits BUY once its window is warm.
func lowIVChain(now time.Time, underlying string, spot float64) *adapters.Chain {
	expiry := now.AddDate(0, 0, 35)
	return &adapters.Chain{
		Underlying: underlying,
		Spot:       spot,
		Timestamp:  now,
		Contracts: []adapters.Contract{{
			Symbol:     adapters.OCCSymbol(underlying, expiry, pricing.Call, spot),
			Underlying: underlying,
			Type:       pricing.Call,
			Strike:     spot,
			Expiry:     expiry,
			Bid:        1.98,
			Ask:        2.02,
			Last:       2.00,
			IV:         0.10,
			Delta:      0.50,
		}},
	}
}

type fixture struct {
	engine  *Engine
	market  *fakeMarket
	broker  *fakeBroker
	store   *ledger.Store
	state   *risk.State
	cool    *risk.Cooldown
	journal *outbox.Journal
	alerter *recordingAlerter
	meanRev *strategy.MeanReversion
}

// newFixture wires the engine with the mean-reversion strategy warm
// and ready to fire on SPY's low-IV chain.
func newFixture(t *testing.T, at time.Time) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := ledger.Open(filepath.Join(dir, "positions.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	journal, err := outbox.Open(filepath.Join(dir, "outbox.jsonl"), 90)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	mr := strategy.NewMeanReversion(strategy.MeanReversionConfig{})
	ivs := make([]float64, 90)
	for i := range ivs {
		ivs[i] = 0.30
	}
	mr.Seed("SPY", ivs)

	market := &fakeMarket{
		quotes: map[string]*adapters.Quote{
			"SPY": quoteFor("SPY", 560.00, 1_000_000),
		},
		chains: map[string]*adapters.Chain{
			"SPY": lowIVChain(at, "SPY", 560.00),
		},
		quoteErr: map[string]error{},
	}
	broker := &fakeBroker{}
	state := risk.NewState(100_000, adapters.SessionDate(at))
	cool := risk.NewCooldown(30)
	alerter := &recordingAlerter{}

	e := New(Config{Symbols: []string{"SPY"}, Benchmark: "SPY"}, Deps{
		Market:   market,
		MeanRev:  mr,
		Gate:     risk.NewGate(risk.GateConfig{}),
		State:    state,
		Cooldown: cool,
		Broker:   broker,
		Store:    store,
		Journal:  journal,
		Alerter:  alerter,
	})
	e.now = func() time.Time { return at }

	return &fixture{
		engine:  e,
		market:  market,
		broker:  broker,
		store:   store,
		state:   state,
		cool:    cool,
		journal: journal,
		alerter: alerter,
		meanRev: mr,
	}
}

func journalCount(t *testing.T, j *outbox.Journal, kind string) int {
	t.Helper()
	entries, err := j.Entries()
	if err != nil {
		t.Fatalf("journal entries: %v", err)
	}
	n := 0
	for _, e := range entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestCycleOpensApprovedEntry(t *testing.T) {
	et := loadET(t)
	at := midSession(et)
	f := newFixture(t, at)

	f.engine.Cycle(context.Background())

	if f.broker.calls != 1 {
		t.Fatalf("broker calls = %d, want 1", f.broker.calls)
	}
	open := f.store.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(open))
	}
	pos := open[0]
	if pos.Strategy != strategy.KindMeanReversion || pos.Underlying != "SPY" {
		t.Errorf("booked %s on %s", pos.Strategy, pos.Underlying)
	}
	// $100k equity, 2% per-trade cap, $200 unit cost.
	if pos.Quantity != 10 {
		t.Errorf("quantity = %d, want 10", pos.Quantity)
	}
	if pos.Exit == nil || pos.Exit.Kind != strategy.KindMeanReversion {
		t.Error("booked position carries no mean-reversion exit plan")
	}
	if got := f.state.Snapshot().OpenPositions; got != 1 {
		t.Errorf("state open positions = %d, want 1", got)
	}
	if n := journalCount(t, f.journal, outbox.KindSignal); n != 1 {
		t.Errorf("journaled signals = %d, want 1", n)
	}
}

func TestCycleSkipsOutsideRegularHours(t *testing.T) {
	et := loadET(t)
	saturday := time.Date(2025, 6, 7, 10, 30, 0, 0, et)
	f := newFixture(t, saturday)

	f.engine.Cycle(context.Background())

	if f.market.quoteCalls != 0 || f.market.chainCalls != 0 {
		t.Errorf("market touched off hours: %d quotes, %d chains",
			f.market.quoteCalls, f.market.chainCalls)
	}
	if f.broker.calls != 0 {
		t.Errorf("broker calls = %d, want 0", f.broker.calls)
	}
}

func TestCycleDeduplicatesRetriedSignal(t *testing.T) {
	et := loadET(t)
	at := midSession(et)
	f := newFixture(t, at)
	f.broker.err = &execution.ExecutionError{Op: "open", Symbol: "SPY", Cause: fmt.Errorf("broker down")}

	f.engine.Cycle(context.Background())
	if f.broker.calls != 1 {
		t.Fatalf("broker calls after first cycle = %d, want 1", f.broker.calls)
	}

	// Same minute, same signal: the journaled attempt blocks the retry
	// even though no position was opened.
	f.engine.Cycle(context.Background())
	if f.broker.calls != 1 {
		t.Errorf("broker calls after retry = %d, want 1", f.broker.calls)
	}
	if n := journalCount(t, f.journal, outbox.KindSignal); n != 1 {
		t.Errorf("journaled signals = %d, want 1", n)
	}
}

func TestCycleHonorsCooldown(t *testing.T) {
	et := loadET(t)
	at := midSession(et)
	f := newFixture(t, at)
	f.cool.RecordLoss("SPY", at.Add(-5*time.Minute))

	f.engine.Cycle(context.Background())

	if f.broker.calls != 0 {
		t.Errorf("broker calls = %d, want 0 during cooldown", f.broker.calls)
	}
	if f.market.chainCalls != 0 {
		t.Errorf("chain fetched for cooling symbol")
	}
}

func TestCycleSkipsUnderlyingWithOpenPosition(t *testing.T) {
	et := loadET(t)
	at := midSession(et)
	f := newFixture(t, at)

	f.engine.Cycle(context.Background())
	if f.broker.calls != 1 {
		t.Fatalf("broker calls = %d, want 1", f.broker.calls)
	}

	// Next minute: no dedupe hit, but the open position blocks stacking.
	f.engine.now = func() time.Time { return at.Add(time.Minute) }
	f.engine.Cycle(context.Background())
	if f.broker.calls != 1 {
		t.Errorf("broker calls = %d, want 1 with position open", f.broker.calls)
	}
}

func TestCycleSuppressedEntriesKeepBarsWarm(t *testing.T) {
	et := loadET(t)
	at := midSession(et)
	f := newFixture(t, at)
	f.state.SuppressEntries("emergency_close_all")

	f.engine.Cycle(context.Background())

	if f.broker.calls != 0 {
		t.Errorf("broker calls = %d, want 0 while suppressed", f.broker.calls)
	}
	if f.market.chainCalls != 0 {
		t.Errorf("chain fetched while suppressed")
	}
	if hist, ok := f.engine.bars["SPY"]; !ok || hist.Len() != 1 {
		t.Error("bar history did not advance while suppressed")
	}
}

func TestCycleIsolatesQuoteFailures(t *testing.T) {
	et := loadET(t)
	at := midSession(et)
	f := newFixture(t, at)
	f.engine.cfg.Symbols = []string{"QQQ", "SPY"}
	f.market.quoteErr["QQQ"] = adapters.NewNetworkError("QQQ", "connection refused", nil)

	f.engine.Cycle(context.Background())

	if f.broker.calls != 1 {
		t.Errorf("broker calls = %d, want 1; QQQ failure must not block SPY", f.broker.calls)
	}
}

func TestRefreshBarsVolumeDelta(t *testing.T) {
	et := loadET(t)
	at := midSession(et)
	f := newFixture(t, at)

	f.market.quotes["SPY"] = quoteFor("SPY", 560.00, 1000)
	f.engine.refreshBars(context.Background(), "SPY")
	f.market.quotes["SPY"] = quoteFor("SPY", 560.50, 1500)
	f.engine.refreshBars(context.Background(), "SPY")
	// Counter reset, e.g. the provider rolled its session.
	f.market.quotes["SPY"] = quoteFor("SPY", 560.25, 200)
	f.engine.refreshBars(context.Background(), "SPY")

	bars := f.engine.bars["SPY"].Bars()
	if len(bars) != 3 {
		t.Fatalf("bars = %d, want 3", len(bars))
	}
	if bars[0].Volume != 0 {
		t.Errorf("first bar volume = %d, want 0", bars[0].Volume)
	}
	if bars[1].Volume != 500 {
		t.Errorf("second bar volume = %d, want 500", bars[1].Volume)
	}
	if bars[2].Volume != 200 {
		t.Errorf("post-reset bar volume = %d, want 200", bars[2].Volume)
	}
}

func TestCycleRejectedInsertEscalates(t *testing.T) {
	et := loadET(t)
	at := midSession(et)
	f := newFixture(t, at)

	// Occupy the id the broker will return so the ledger refuses the
	// booking while the broker already holds the fill.
	f.broker.id = "pos_dup"
	occupied := ledger.Position{
		ID:         "pos_dup",
		Strategy:   strategy.KindMomentum,
		Underlying: "QQQ",
		Legs: []ledger.Leg{{
			Symbol:   "QQQ250707C00480000",
			Side:     strategy.SideBuy,
			Type:     pricing.Call,
			Strike:   480,
			Expiry:   at.AddDate(0, 0, 35),
			Quantity: 1,
		}},
		Quantity: 1,
		Status:   ledger.StatusOpen,
		OpenedAt: at.UTC(),
		Exit: &strategy.ExitPlan{
			Kind: strategy.KindMomentum,
			Momentum: &strategy.MomentumExit{
				Direction:        strategy.ActionBuy,
				EntryUnderlying:  480,
				Tier1Price:       483.6,
				Tier2Price:       487.2,
				StopPrice:        477.6,
				ForceCloseMinute: 690,
			},
		},
	}
	if err := f.store.Insert(occupied); err != nil {
		t.Fatalf("seed occupied id: %v", err)
	}

	f.engine.Cycle(context.Background())

	if f.broker.calls != 1 {
		t.Fatalf("broker calls = %d, want 1", f.broker.calls)
	}
	if n := f.alerter.byKind(alerts.KindManualIntervention); n != 1 {
		t.Errorf("manual intervention alerts = %d, want 1", n)
	}
}

func TestCycleUnwindFailureEscalates(t *testing.T) {
	et := loadET(t)
	at := midSession(et)
	f := newFixture(t, at)
	f.broker.err = &execution.LegFailureError{
		Underlying: "SPY",
		Op:         "open",
		Filled:     []string{"SPY250707C00560000"},
		Failed:     []string{"SPY250707P00545000"},
		Manual:     []string{"SPY250707C00560000"},
		Reason:     "unwind rejected",
	}

	f.engine.Cycle(context.Background())

	if n := f.alerter.byKind(alerts.KindManualIntervention); n != 1 {
		t.Errorf("manual intervention alerts = %d, want 1", n)
	}
	if len(f.store.OpenPositions()) != 0 {
		t.Error("failed entry must not book a position")
	}
}
