package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/alerts"
	"github.com/tradeforge/options-engine/internal/execution"
	"github.com/tradeforge/options-engine/internal/ledger"
	"github.com/tradeforge/options-engine/internal/outbox"
	"github.com/tradeforge/options-engine/internal/risk"
	"github.com/tradeforge/options-engine/internal/strategy"
)

type closeCall struct {
	id       string
	quantity int
	reason   string
}

// fakeCloser scripts the execution adapter: the first failTimes calls
// fail with err, later calls fill at pnl. block, when set, holds a
// call open until released so tests can overlap evaluations.
type fakeCloser struct {
	mu        sync.Mutex
	calls     []closeCall // successful closes
	attempts  int         // every call, failed or not
	failTimes int
	err       error
	pnl       decimal.Decimal

	block   chan struct{}
	started chan struct{}
}

func (f *fakeCloser) ClosePosition(ctx context.Context, pos *ledger.Position, reason string) (*execution.CloseReport, error) {
	return f.CloseQuantity(ctx, pos, pos.Quantity, reason)
}

func (f *fakeCloser) CloseQuantity(ctx context.Context, pos *ledger.Position, quantity int, reason string) (*execution.CloseReport, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failTimes != 0 {
		if f.failTimes > 0 {
			f.failTimes--
		}
		err := f.err
		if err == nil {
			err = &execution.ExecutionError{Op: "close", Symbol: pos.ID, Cause: fmt.Errorf("broker unavailable")}
		}
		return nil, err
	}
	f.calls = append(f.calls, closeCall{id: pos.ID, quantity: quantity, reason: reason})
	return &execution.CloseReport{
		PositionID:  pos.ID,
		Contracts:   quantity,
		Reason:      reason,
		RealizedPnL: f.pnl,
	}, nil
}

func (f *fakeCloser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCloser) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeCloser) lastCall() (closeCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return closeCall{}, false
	}
	return f.calls[len(f.calls)-1], true
}

type fakeMarks struct {
	mu    sync.Mutex
	marks map[string]adapters.Mark
	errs  map[string]error
}

func (f *fakeMarks) Mark(ctx context.Context, symbol string) (*adapters.Mark, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	m, ok := f.marks[symbol]
	if !ok {
		return nil, fmt.Errorf("no mark for %s", symbol)
	}
	return &m, nil
}

func (f *fakeMarks) set(marks map[string]adapters.Mark) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = marks
	f.errs = nil
}

func (f *fakeMarks) fail(symbol string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	f.errs[symbol] = err
}

type recordingAlerter struct {
	mu    sync.Mutex
	sent  []alerts.Alert
}

func (r *recordingAlerter) Send(a alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
}

func (r *recordingAlerter) byKind(kind alerts.Kind) []alerts.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alerts.Alert
	for _, a := range r.sent {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

type fixture struct {
	m       *Monitor
	store   *ledger.Store
	closer  *fakeCloser
	marks   *fakeMarks
	state   *risk.State
	alerter *recordingAlerter
	journal *outbox.Journal
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := ledger.Open(filepath.Join(dir, "positions.json"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	journal, err := outbox.Open(filepath.Join(dir, "outbox.jsonl"), 60)
	if err != nil {
		t.Fatalf("outbox.Open: %v", err)
	}

	f := &fixture{
		store:   store,
		closer:  &fakeCloser{pnl: decimal.NewFromFloat(125)},
		marks:   &fakeMarks{},
		state:   risk.NewState(100_000, "2025-06-02"),
		alerter: &recordingAlerter{},
		journal: journal,
	}
	f.m = New(cfg, Deps{
		Store:   store,
		Marks:   f.marks,
		Closer:  f.closer,
		Risk:    f.state,
		Alerter: f.alerter,
		Journal: journal,
	})
	return f
}

// insert books the position and registers the entry with risk state,
// the way the entry pipeline does.
func (f *fixture) insert(t *testing.T, pos ledger.Position) {
	t.Helper()
	if err := f.store.Insert(pos); err != nil {
		t.Fatalf("store.Insert: %v", err)
	}
	f.state.RecordEntry()
}

func (f *fixture) position(t *testing.T, id string) ledger.Position {
	t.Helper()
	pos, ok := f.store.Get(id)
	if !ok {
		t.Fatalf("position %s not in store", id)
	}
	return pos
}

func TestSweepClosesOnProfitTarget(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{})
	f.m.now = func() time.Time { return midSession(et) }

	pos := mrPosition(et, strategy.ActionSell, 2)
	f.insert(t, pos)
	f.marks.set(markAt(&pos, 0.95, 560)) // short premium at half entry

	f.m.Sweep(context.Background())

	if got := f.closer.callCount(); got != 1 {
		t.Fatalf("closer calls = %d, want 1", got)
	}
	call, _ := f.closer.lastCall()
	if call.reason != ReasonProfitTarget || call.quantity != 2 {
		t.Errorf("close call = %+v, want full close on profit_target", call)
	}

	got := f.position(t, pos.ID)
	if got.Status != ledger.StatusClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	if got.ExitReason != ReasonProfitTarget {
		t.Errorf("exit reason = %q, want %q", got.ExitReason, ReasonProfitTarget)
	}
	if got.ClosedAt.IsZero() {
		t.Error("closed position has zero ClosedAt")
	}

	snap := f.state.Snapshot()
	if snap.OpenPositions != 0 {
		t.Errorf("open positions = %d, want 0", snap.OpenPositions)
	}
	if snap.DailyPnL != 125 {
		t.Errorf("daily pnl = %.2f, want 125", snap.DailyPnL)
	}
}

func TestSweepHoldsInsideBands(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{})
	f.m.now = func() time.Time { return midSession(et) }

	pos := mrPosition(et, strategy.ActionSell, 2)
	f.insert(t, pos)
	f.marks.set(markAt(&pos, 2.10, 560))

	f.m.Sweep(context.Background())

	if got := f.closer.callCount(); got != 0 {
		t.Fatalf("closer calls = %d, want 0", got)
	}
	if got := f.position(t, pos.ID); got.Status != ledger.StatusOpen {
		t.Errorf("status = %s, want open", got.Status)
	}
}

func TestSweepSkipsPositionOnMarkFailure(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{})
	f.m.now = func() time.Time { return midSession(et) }

	pos := mrPosition(et, strategy.ActionSell, 2)
	f.insert(t, pos)
	f.marks.set(markAt(&pos, 0.95, 560))
	f.marks.fail(pos.Legs[0].Symbol, fmt.Errorf("provider timeout"))

	f.m.Sweep(context.Background())
	if got := f.closer.callCount(); got != 0 {
		t.Fatalf("closer calls after failed fetch = %d, want 0", got)
	}
	if got := f.position(t, pos.ID); got.Status != ledger.StatusOpen {
		t.Fatalf("status = %s, want open", got.Status)
	}

	// Marks recover; the next sweep closes normally.
	f.marks.set(markAt(&pos, 0.95, 560))
	f.m.Sweep(context.Background())
	if got := f.position(t, pos.ID); got.Status != ledger.StatusClosed {
		t.Errorf("status after recovery = %s, want closed", got.Status)
	}
}

// One failing position must not stop the rest of the sweep.
func TestSweepIsolatesFailures(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{})
	f.m.now = func() time.Time { return midSession(et) }

	bad := mrPosition(et, strategy.ActionSell, 2)
	bad.ID = "pos-mr-bad"
	good := momentumPosition(et, strategy.ActionBuy, 4)
	good.ID = "pos-mom-good"
	f.insert(t, bad)
	f.insert(t, good)

	marks := markAt(&bad, 0.95, 560)
	for sym, m := range markAt(&good, 3.10, 556.5) { // momentum stop hit
		marks[sym] = m
	}
	f.marks.set(marks)
	f.marks.fail(bad.Legs[0].Symbol, fmt.Errorf("provider timeout"))

	f.m.Sweep(context.Background())

	if got := f.position(t, bad.ID); got.Status != ledger.StatusOpen {
		t.Errorf("failed-fetch position status = %s, want open", got.Status)
	}
	if got := f.position(t, good.ID); got.Status != ledger.StatusClosed {
		t.Errorf("healthy position status = %s, want closed", got.Status)
	}
	if got := f.position(t, good.ID); got.ExitReason != ReasonStopLoss {
		t.Errorf("healthy position exit reason = %q, want %q", got.ExitReason, ReasonStopLoss)
	}
}

func TestCloseFailureRevertsAndRetriesNextSweep(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{})
	f.m.now = func() time.Time { return midSession(et) }

	pos := mrPosition(et, strategy.ActionSell, 2)
	f.insert(t, pos)
	f.marks.set(markAt(&pos, 0.95, 560))
	f.closer.failTimes = 1

	f.m.Sweep(context.Background())

	got := f.position(t, pos.ID)
	if got.Status != ledger.StatusOpen {
		t.Fatalf("status after failed close = %s, want open", got.Status)
	}
	if got.CloseAttempts != 1 {
		t.Fatalf("close attempts = %d, want 1", got.CloseAttempts)
	}
	if got.Escalated {
		t.Fatal("escalated after a single failure")
	}

	f.m.Sweep(context.Background())
	got = f.position(t, pos.ID)
	if got.Status != ledger.StatusClosed {
		t.Fatalf("status after retry = %s, want closed", got.Status)
	}
	if got.ExitReason != ReasonProfitTarget {
		t.Errorf("exit reason = %q, want %q", got.ExitReason, ReasonProfitTarget)
	}
}

func TestExhaustedRetriesEscalate(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{MaxCloseAttempts: 3})
	f.m.now = func() time.Time { return midSession(et) }

	pos := mrPosition(et, strategy.ActionSell, 2)
	f.insert(t, pos)
	f.marks.set(markAt(&pos, 0.95, 560))
	f.closer.failTimes = -1 // never succeed

	for i := 0; i < 3; i++ {
		f.m.Sweep(context.Background())
	}

	got := f.position(t, pos.ID)
	if !got.Escalated {
		t.Fatal("position not escalated after three failed attempts")
	}
	if got.Status != ledger.StatusOpen {
		t.Fatalf("status = %s, want open", got.Status)
	}
	if got.CloseAttempts != 3 {
		t.Errorf("close attempts = %d, want 3", got.CloseAttempts)
	}
	if n := len(f.alerter.byKind(alerts.KindCloseRetryExhausted)); n != 1 {
		t.Errorf("retry-exhausted alerts = %d, want 1", n)
	}

	entries, err := f.journal.Entries()
	if err != nil {
		t.Fatalf("journal.Entries: %v", err)
	}
	escalations := 0
	for _, e := range entries {
		if e.Kind == outbox.KindEscalation {
			escalations++
		}
	}
	if escalations != 1 {
		t.Errorf("journaled escalations = %d, want 1", escalations)
	}

	// Parked: more sweeps drive no further attempts.
	before := f.closer.attemptCount()
	f.m.Sweep(context.Background())
	if got := f.closer.attemptCount(); got != before {
		t.Fatalf("escalated position still attempted: attempts %d -> %d", before, got)
	}

	// Operator reset clears the flag; a fixed broker drains it.
	if cleared := f.m.Reset(); cleared != 1 {
		t.Fatalf("Reset cleared %d, want 1", cleared)
	}
	f.closer.mu.Lock()
	f.closer.failTimes = 0
	f.closer.mu.Unlock()
	f.m.Sweep(context.Background())
	if got := f.position(t, pos.ID); got.Status != ledger.StatusClosed {
		t.Errorf("status after reset+retry = %s, want closed", got.Status)
	}
}

func TestManualInterventionEscalatesImmediately(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{MaxCloseAttempts: 5})
	f.m.now = func() time.Time { return midSession(et) }

	pos := condorPosition(et, 1)
	f.insert(t, pos)
	f.marks.set(condorMarks(&pos, [4]float64{0.60, 0.10, 0.30, 0.15}, 560))
	f.closer.failTimes = -1
	f.closer.err = &execution.LegFailureError{
		Underlying: "SPY",
		Op:         "close",
		Filled:     []string{pos.Legs[0].Symbol},
		Failed:     []string{pos.Legs[1].Symbol},
		Manual:     []string{pos.Legs[0].Symbol},
		Reason:     "restore rejected",
	}

	f.m.Sweep(context.Background())

	got := f.position(t, pos.ID)
	if !got.Escalated {
		t.Fatal("position not escalated on manual-intervention failure")
	}
	if got.CloseAttempts != 1 {
		t.Errorf("close attempts = %d, want 1", got.CloseAttempts)
	}
	if n := len(f.alerter.byKind(alerts.KindManualIntervention)); n != 1 {
		t.Errorf("manual-intervention alerts = %d, want 1", n)
	}
}

func TestMomentumTierOnePartialThenTierTwo(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{})
	f.m.now = func() time.Time { return midSession(et) }

	pos := momentumPosition(et, strategy.ActionBuy, 4)
	f.insert(t, pos)
	f.marks.set(markAt(&pos, 3.60, 564.5)) // tier one

	f.m.Sweep(context.Background())

	call, ok := f.closer.lastCall()
	if !ok || call.quantity != 2 || call.reason != ReasonTierOne {
		t.Fatalf("tier-one call = %+v, want 2 contracts %s", call, ReasonTierOne)
	}
	got := f.position(t, pos.ID)
	if got.Status != ledger.StatusOpen {
		t.Fatalf("status after partial = %s, want open", got.Status)
	}
	if got.Quantity != 2 {
		t.Fatalf("quantity after partial = %d, want 2", got.Quantity)
	}
	if !got.Exit.Momentum.Tier1Done {
		t.Fatal("tier1 not marked done")
	}
	if snap := f.state.Snapshot(); snap.OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1 after partial", snap.OpenPositions)
	}

	// Same price again: no second scalp.
	f.m.Sweep(context.Background())
	if got := f.closer.callCount(); got != 1 {
		t.Fatalf("closer calls after repeat sweep = %d, want 1", got)
	}

	// Tier two flattens the remainder.
	f.marks.set(markAt(&pos, 4.20, 569))
	f.m.Sweep(context.Background())
	call, _ = f.closer.lastCall()
	if call.quantity != 2 || call.reason != ReasonProfitTarget {
		t.Fatalf("tier-two call = %+v, want 2 contracts %s", call, ReasonProfitTarget)
	}
	if got := f.position(t, pos.ID); got.Status != ledger.StatusClosed {
		t.Errorf("status after tier two = %s, want closed", got.Status)
	}
}

// At most one close per position, no matter how evaluations overlap.
func TestInFlightGuardBlocksConcurrentClose(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{})
	f.m.now = func() time.Time { return midSession(et) }

	pos := mrPosition(et, strategy.ActionSell, 2)
	f.insert(t, pos)
	f.marks.set(markAt(&pos, 0.95, 560))

	f.closer.block = make(chan struct{})
	f.closer.started = make(chan struct{}, 1)

	first := f.position(t, pos.ID)
	second := f.position(t, pos.ID)
	done := make(chan struct{})
	go func() {
		f.m.evaluate(context.Background(), first)
		close(done)
	}()
	<-f.closer.started // first close is in flight

	// Second evaluation of the same position must bounce off the flag.
	f.m.evaluate(context.Background(), second)

	close(f.closer.block)
	<-done

	if got := f.closer.callCount(); got != 1 {
		t.Fatalf("closer calls = %d, want 1", got)
	}
	if got := f.position(t, pos.ID); got.Status != ledger.StatusClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}

	// Closed is terminal: further sweeps never touch it again.
	f.m.Sweep(context.Background())
	if got := f.closer.callCount(); got != 1 {
		t.Errorf("closer calls after extra sweep = %d, want 1", got)
	}
}

func TestEmergencyCloseAll(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{})
	f.m.now = func() time.Time { return midSession(et) }

	mr := mrPosition(et, strategy.ActionSell, 2)
	ic := condorPosition(et, 1)
	f.insert(t, mr)
	f.insert(t, ic)

	// Both inside their bands: only the emergency can close them.
	marks := markAt(&mr, 2.10, 560)
	for sym, m := range condorMarks(&ic, [4]float64{1.00, 0.30, 1.10, 0.40}, 560) {
		marks[sym] = m
	}
	f.marks.set(marks)

	f.m.TriggerEmergency("drawdown breaker")
	if !f.m.EmergencyActive() {
		t.Fatal("emergency latch not set")
	}
	if snap := f.state.Snapshot(); !snap.EntriesSuppressed {
		t.Fatal("entries not suppressed on trigger")
	}

	f.m.closeAll(context.Background())

	for _, id := range []string{mr.ID, ic.ID} {
		got := f.position(t, id)
		if got.Status != ledger.StatusClosed {
			t.Fatalf("position %s status = %s, want closed", id, got.Status)
		}
		if got.ExitReason != ReasonEmergency {
			t.Errorf("position %s exit reason = %q, want %q", id, got.ExitReason, ReasonEmergency)
		}
	}
	if n := len(f.alerter.byKind(alerts.KindEmergencyCloseAll)); n != 1 {
		t.Errorf("emergency alerts = %d, want 1", n)
	}

	entries, err := f.journal.Entries()
	if err != nil {
		t.Fatalf("journal.Entries: %v", err)
	}
	emergencies := 0
	for _, e := range entries {
		if e.Kind == outbox.KindEmergency {
			emergencies++
		}
	}
	if emergencies != 1 {
		t.Errorf("journaled emergencies = %d, want 1", emergencies)
	}

	// Latch holds until the operator resets; then entries resume.
	if !f.m.EmergencyActive() {
		t.Fatal("latch cleared without reset")
	}
	f.m.Reset()
	if f.m.EmergencyActive() {
		t.Error("latch still set after reset")
	}
	if snap := f.state.Snapshot(); snap.EntriesSuppressed {
		t.Error("entries still suppressed after reset")
	}
}

func TestEmergencyRetriesLeftovers(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{})
	f.m.now = func() time.Time { return midSession(et) }

	pos := mrPosition(et, strategy.ActionSell, 2)
	f.insert(t, pos)
	f.marks.set(markAt(&pos, 2.10, 560))
	f.closer.failTimes = 1

	f.m.TriggerEmergency("operator")
	f.m.closeAll(context.Background())

	got := f.position(t, pos.ID)
	if got.Status != ledger.StatusOpen || got.CloseAttempts != 1 {
		t.Fatalf("after failed emergency close: status %s attempts %d, want open/1", got.Status, got.CloseAttempts)
	}

	// Next cycle chases the leftover without re-announcing.
	f.m.closeAll(context.Background())
	if got := f.position(t, pos.ID); got.Status != ledger.StatusClosed {
		t.Fatalf("status after retry = %s, want closed", got.Status)
	}
	if n := len(f.alerter.byKind(alerts.KindEmergencyCloseAll)); n != 1 {
		t.Errorf("emergency alerts = %d, want 1 announcement", n)
	}
}

func TestRunWakesOnEmergency(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{SweepIntervalSeconds: 60})
	f.m.now = func() time.Time { return midSession(et) }

	pos := mrPosition(et, strategy.ActionSell, 2)
	f.insert(t, pos)
	f.marks.set(markAt(&pos, 2.10, 560))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.m.Run(ctx)
		close(done)
	}()

	// The wake channel must preempt the 60s ticker.
	f.m.TriggerEmergency("operator")

	deadline := time.After(2 * time.Second)
	for {
		if got := f.position(t, pos.ID); got.Status == ledger.StatusClosed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("emergency close did not run before the first tick")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestUnknownPayloadEscalates(t *testing.T) {
	et := loadET(t)
	f := newFixture(t, Config{})
	f.m.now = func() time.Time { return midSession(et) }

	pos := mrPosition(et, strategy.ActionSell, 2)
	f.insert(t, pos)
	f.marks.set(markAt(&pos, 2.10, 560))

	// Corrupt the plan kind on the stored copy the sweep will read.
	broken := f.position(t, pos.ID)
	broken.Exit.Kind = strategy.Kind("calendar")
	f.m.evaluate(context.Background(), broken)

	if n := len(f.alerter.byKind(alerts.KindManualIntervention)); n != 1 {
		t.Fatalf("manual-intervention alerts = %d, want 1", n)
	}
	if got := f.position(t, pos.ID); !got.Escalated {
		t.Error("position not escalated on unknown payload")
	}
	if got := f.closer.callCount(); got != 0 {
		t.Errorf("closer calls = %d, want 0", got)
	}
}
