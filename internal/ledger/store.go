package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tradeforge/options-engine/internal/observ"
)

// PersistenceError wraps a ledger storage failure. Retryable failures
// (disk IO) get bounded retry with backoff; corrupt state does not.
type PersistenceError struct {
	Op        string
	Path      string
	Retryable bool
	Cause     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

type storeState struct {
	Version   int64               `json:"version"`
	UpdatedAt string              `json:"updated_at"`
	Positions map[string]Position `json:"positions"`
}

// Store persists positions to a single JSON file with atomic
// temp-and-rename writes. All access serializes on one mutex; readers
// get deep copies so nothing outside the store mutates shared state.
type Store struct {
	path  string
	mu    sync.RWMutex
	state storeState
}

// Open loads the ledger at path, creating an empty one when the file
// does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path:  path,
		state: storeState{Positions: make(map[string]Position)},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := s.saveLocked(); err != nil {
				return nil, err
			}
			return s, nil
		}
		return nil, &PersistenceError{Op: "read", Path: path, Retryable: true, Cause: err}
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, &PersistenceError{Op: "decode", Path: path, Retryable: false, Cause: err}
	}
	if s.state.Positions == nil {
		s.state.Positions = make(map[string]Position)
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Insert adds a freshly opened position. The record must validate and
// the id must be new.
func (s *Store) Insert(p Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Status != StatusOpen {
		return fmt.Errorf("ledger insert: position %s status %s, want open", p.ID, p.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state.Positions[p.ID]; exists {
		return fmt.Errorf("ledger insert: duplicate position id %s", p.ID)
	}
	s.state.Positions[p.ID] = p.Clone()
	return s.saveLocked()
}

// Update replaces a position record, enforcing the status machine at
// the storage boundary: a closed row never changes, and open to closed
// must pass through closing.
func (s *Store) Update(p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.state.Positions[p.ID]
	if !exists {
		return fmt.Errorf("ledger update: unknown position id %s", p.ID)
	}
	if err := legalEdge(existing.Status, p.Status); err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	s.state.Positions[p.ID] = p.Clone()
	return s.saveLocked()
}

// Flush rewrites the backing file from the in-memory state. Update
// applies to memory before saving, so after a transient disk failure
// callers retry durability here instead of replaying the status edge.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func legalEdge(from, to Status) error {
	if from == StatusClosed {
		return ErrClosedTerminal
	}
	switch {
	case from == to:
		return nil
	case from == StatusOpen && to == StatusClosing:
		return nil
	case from == StatusClosing && to == StatusClosed:
		return nil
	case from == StatusClosing && to == StatusOpen: // failed-close revert
		return nil
	}
	return fmt.Errorf("illegal transition %s -> %s", from, to)
}

// Get returns a copy of one position.
func (s *Store) Get(id string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.Positions[id]
	if !ok {
		return Position{}, false
	}
	return p.Clone(), true
}

// OpenPositions returns copies of every position with status open,
// oldest first.
func (s *Store) OpenPositions() []Position {
	return s.byStatus(StatusOpen)
}

// ClosedPositions returns copies of every closed position, oldest
// first.
func (s *Store) ClosedPositions() []Position {
	return s.byStatus(StatusClosed)
}

func (s *Store) byStatus(status Status) []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Position
	for _, p := range s.state.Positions {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Count returns how many positions hold the given status.
func (s *Store) Count(status Status) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.state.Positions {
		if p.Status == status {
			n++
		}
	}
	return n
}

// RecoverStuckClosing reverts any position left in closing by a crash
// back to open so the monitor retries it. Returns the reverted ids.
func (s *Store) RecoverStuckClosing() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reverted []string
	for id, p := range s.state.Positions {
		if p.Status != StatusClosing {
			continue
		}
		if err := p.RevertClosing(); err != nil {
			return reverted, err
		}
		s.state.Positions[id] = p
		reverted = append(reverted, id)
		observ.Log("ledger_recovered_closing", map[string]any{
			"position_id": id,
			"attempts":    p.CloseAttempts,
		})
	}
	if len(reverted) == 0 {
		return nil, nil
	}
	sort.Strings(reverted)
	return reverted, s.saveLocked()
}

// saveLocked writes the state file atomically. Caller holds the write
// lock.
func (s *Store) saveLocked() error {
	s.state.Version++
	s.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode", Path: s.path, Retryable: false, Cause: err}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &PersistenceError{Op: "write", Path: tmp, Retryable: true, Cause: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return &PersistenceError{Op: "rename", Path: s.path, Retryable: true, Cause: err}
	}
	observ.SetGauge("ledger_version", float64(s.state.Version), nil)
	return nil
}
