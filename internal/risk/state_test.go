package risk

import "testing"

func TestStateExitBookkeeping(t *testing.T) {
	s := NewState(100000, "2026-03-02")
	for i := 0; i < 3; i++ {
		s.RecordEntry()
	}
	if got := s.Snapshot().OpenPositions; got != 3 {
		t.Fatalf("OpenPositions = %d, want 3", got)
	}

	s.RecordExit(-50)
	s.RecordExit(-100)
	s.RecordExit(-25)

	p := s.Snapshot()
	if p.ConsecutiveLosses != 3 {
		t.Errorf("ConsecutiveLosses = %d, want 3", p.ConsecutiveLosses)
	}
	if p.DailyPnL != -175 {
		t.Errorf("DailyPnL = %v, want -175", p.DailyPnL)
	}
	if p.Equity != 99825 {
		t.Errorf("Equity = %v, want 99825", p.Equity)
	}
	if p.OpenPositions != 0 {
		t.Errorf("OpenPositions = %d, want 0", p.OpenPositions)
	}
}

func TestStateWinResetsStreakScratchDoesNot(t *testing.T) {
	s := NewState(100000, "2026-03-02")
	s.RecordExit(-50)
	s.RecordExit(0)
	if got := s.Snapshot().ConsecutiveLosses; got != 1 {
		t.Errorf("after scratch: streak = %d, want 1", got)
	}
	s.RecordExit(200)
	if got := s.Snapshot().ConsecutiveLosses; got != 0 {
		t.Errorf("after win: streak = %d, want 0", got)
	}
}

func TestStateRollover(t *testing.T) {
	s := NewState(100000, "2026-03-02")
	s.RecordExit(-500)
	s.RecordExit(-300)

	if s.Rollover("2026-03-02") {
		t.Error("rollover fired on the same session date")
	}
	if s.Rollover("") {
		t.Error("rollover fired on an empty session date")
	}
	if !s.Rollover("2026-03-03") {
		t.Fatal("rollover did not fire on a new session date")
	}

	p := s.Snapshot()
	if p.DailyPnL != 0 || p.ConsecutiveLosses != 0 {
		t.Errorf("daily counters = %v/%d, want reset", p.DailyPnL, p.ConsecutiveLosses)
	}
	if p.Equity != 99200 {
		t.Errorf("Equity = %v, want 99200 carried across sessions", p.Equity)
	}
	if p.SessionDate != "2026-03-03" {
		t.Errorf("SessionDate = %s, want 2026-03-03", p.SessionDate)
	}
}

func TestStateSuppression(t *testing.T) {
	s := NewState(100000, "2026-03-02")
	if s.Snapshot().EntriesSuppressed {
		t.Fatal("fresh state is suppressed")
	}
	s.SuppressEntries("emergency close-all")
	s.SuppressEntries("repeat") // idempotent
	if !s.Snapshot().EntriesSuppressed {
		t.Fatal("suppression did not stick")
	}
	s.ResumeEntries()
	if s.Snapshot().EntriesSuppressed {
		t.Fatal("resume did not clear suppression")
	}
}
