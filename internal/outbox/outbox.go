// Package outbox is the append-only session journal: every signal,
// order, fill, close, and escalation is written as one JSON line so a
// crashed session can be audited and replayed offline. The journal is
// also the idempotency record that keeps a retried entry from being
// submitted twice.
package outbox

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry wraps one journaled record with its kind and write time.
type Entry struct {
	Kind string          `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Journal appends entries to a JSONL file. Appends are serialized;
// reads scan the whole file, which stays small for a single session.
type Journal struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
}

// Open creates the journal file's directory if needed and returns a
// journal appending to path. dedupeWindowSecs bounds how far back
// HasRecent looks for a matching idempotency key.
func Open(path string, dedupeWindowSecs int) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if dedupeWindowSecs <= 0 {
		dedupeWindowSecs = 60
	}
	return &Journal{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
	}, nil
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// Append journals one record under the given kind.
func (j *Journal) Append(kind string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", kind, err)
	}
	line, err := json.Marshal(Entry{Kind: kind, At: time.Now().UTC(), Data: data})
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// HasRecent reports whether an entry of the given kind carrying the
// idempotency key was journaled inside the dedupe window.
func (j *Journal) HasRecent(kind, idempotencyKey string) (bool, error) {
	entries, err := j.Entries()
	if err != nil {
		return false, err
	}

	cutoff := time.Now().UTC().Add(-j.dedupeWindow)
	for _, entry := range entries {
		if entry.Kind != kind || entry.At.Before(cutoff) {
			continue
		}
		var keyed struct {
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := json.Unmarshal(entry.Data, &keyed); err != nil {
			continue
		}
		if keyed.IdempotencyKey == idempotencyKey {
			return true, nil
		}
	}
	return false, nil
}

// Entries reads the whole journal in write order. A missing file is an
// empty journal, not an error.
func (j *Journal) Entries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn final line from a crash mid-append is skipped,
			// not fatal.
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

// IdempotencyKey derives a stable key for one logical entry attempt.
// The timestamp is truncated to the minute so retries inside the same
// evaluation cycle collide on purpose.
func IdempotencyKey(strategy, underlying, action string, at time.Time) string {
	data := fmt.Sprintf("%s-%s-%s-%d", strategy, underlying, action, at.Truncate(time.Minute).Unix())
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}
