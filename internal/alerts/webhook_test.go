package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type webhookSink struct {
	mu       sync.Mutex
	messages []webhookMessage
	failures int // fail this many requests before succeeding
}

func (s *webhookSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failures > 0 {
			s.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var msg webhookMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.messages = append(s.messages, msg)
	}
}

func (s *webhookSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *webhookSink) last() webhookMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[len(s.messages)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNotifierDelivers(t *testing.T) {
	sink := &webhookSink{}
	server := httptest.NewServer(sink.handler())
	defer server.Close()

	n := New(Config{WebhookURL: server.URL, Channel: "#ops"})
	defer n.Close()

	n.Send(Alert{
		Kind:       KindCloseRetryExhausted,
		PositionID: "pos_SPY_1",
		Summary:    "close failed 5 times",
		Fields:     map[string]string{"Reason": "stop_loss"},
	})

	waitFor(t, "delivery", func() bool { return sink.count() == 1 })
	msg := sink.last()
	if !strings.Contains(msg.Text, string(KindCloseRetryExhausted)) || !strings.Contains(msg.Text, "close failed 5 times") {
		t.Errorf("text = %q", msg.Text)
	}
	if msg.Channel != "#ops" {
		t.Errorf("channel = %q, want #ops", msg.Channel)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Color != "warning" {
		t.Errorf("attachments = %+v", msg.Attachments)
	}
}

func TestNotifierCriticalColor(t *testing.T) {
	sink := &webhookSink{}
	server := httptest.NewServer(sink.handler())
	defer server.Close()

	n := New(Config{WebhookURL: server.URL})
	defer n.Close()

	n.Send(Alert{Kind: KindManualIntervention, PositionID: "pos_SPY_2", Summary: "leg left on book"})
	waitFor(t, "delivery", func() bool { return sink.count() == 1 })
	if got := sink.last().Attachments[0].Color; got != "danger" {
		t.Errorf("critical alert color = %q, want danger", got)
	}
}

func TestNotifierDisabledIsNoOp(t *testing.T) {
	n := New(Config{})
	defer n.Close()

	if n.Enabled() {
		t.Fatal("notifier with no URL reports enabled")
	}
	// Must not panic or block.
	n.Send(Alert{Kind: KindEmergencyCloseAll, Summary: "ignored"})
}

func TestNotifierDedupes(t *testing.T) {
	sink := &webhookSink{}
	server := httptest.NewServer(sink.handler())
	defer server.Close()

	n := New(Config{WebhookURL: server.URL, DedupeWindowSeconds: 60})
	defer n.Close()

	alert := Alert{Kind: KindBreakerTripped, Summary: "daily loss limit hit"}
	n.Send(alert)
	n.Send(alert)
	n.Send(Alert{Kind: KindBreakerTripped, Summary: "consecutive losses"})

	waitFor(t, "two deliveries", func() bool { return sink.count() == 2 })
	time.Sleep(50 * time.Millisecond)
	if sink.count() != 2 {
		t.Errorf("deliveries = %d, want duplicate suppressed", sink.count())
	}
}

func TestNotifierRetriesWithBackoff(t *testing.T) {
	sink := &webhookSink{failures: 2}
	server := httptest.NewServer(sink.handler())
	defer server.Close()

	n := New(Config{WebhookURL: server.URL, MaxAttempts: 3})
	n.backoffBase = time.Millisecond
	defer n.Close()

	n.Send(Alert{Kind: KindPersistenceFailure, Summary: "ledger save failed"})
	waitFor(t, "delivery after retries", func() bool { return sink.count() == 1 })
}

func TestNotifierGivesUpAfterMaxAttempts(t *testing.T) {
	sink := &webhookSink{failures: 10}
	server := httptest.NewServer(sink.handler())
	defer server.Close()

	n := New(Config{WebhookURL: server.URL, MaxAttempts: 2})
	n.backoffBase = time.Millisecond
	defer n.Close()

	n.Send(Alert{Kind: KindPersistenceFailure, Summary: "ledger save failed"})
	time.Sleep(200 * time.Millisecond)
	if sink.count() != 0 {
		t.Errorf("deliveries = %d, want abandoned after max attempts", sink.count())
	}
}

// The overflow policy is exercised directly against the queue so the
// test does not race the delivery worker.
func TestNotifierOverflowPolicy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := &Notifier{
		cfg:    Config{QueueSize: 1},
		queue:  make(chan queuedAlert, 1),
		dedupe: make(map[string]time.Time),
		ctx:    ctx,
	}

	info := queuedAlert{alert: Alert{Kind: KindBreakerTripped, Summary: "info"}}
	critical := queuedAlert{alert: Alert{Kind: KindEmergencyCloseAll, Summary: "critical"}}

	// A critical alert displaces a queued informational one.
	n.enqueue(info)
	n.enqueue(critical)
	if got := <-n.queue; !got.alert.Kind.Critical() {
		t.Fatalf("queue head = %s, want the critical alert", got.alert.Kind)
	}

	// An informational alert never displaces a queued critical one.
	n.enqueue(critical)
	n.enqueue(info)
	if got := <-n.queue; !got.alert.Kind.Critical() {
		t.Fatalf("queue head = %s, want the critical alert kept", got.alert.Kind)
	}
}

func TestNotifierRateLimitSparesCritical(t *testing.T) {
	sink := &webhookSink{}
	server := httptest.NewServer(sink.handler())
	defer server.Close()

	n := New(Config{WebhookURL: server.URL, RateLimitPerMinute: 1})
	defer n.Close()

	n.Send(Alert{Kind: KindBreakerTripped, Summary: "first"})
	n.Send(Alert{Kind: KindBreakerTripped, Summary: "second"})        // over the limit
	n.Send(Alert{Kind: KindManualIntervention, Summary: "leg stuck"}) // critical bypasses

	waitFor(t, "two deliveries", func() bool { return sink.count() == 2 })
	time.Sleep(50 * time.Millisecond)
	if sink.count() != 2 {
		t.Errorf("deliveries = %d, want rate-limited informational dropped", sink.count())
	}
}
