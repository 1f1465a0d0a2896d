// Package alerts delivers operator escalations to a Slack-compatible
// webhook. Sends never block the trading path: alerts pass through a
// bounded queue with a single delivery worker, duplicates inside a
// short window are suppressed, and when the queue overflows the oldest
// informational alert is sacrificed before anything critical.
package alerts

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tradeforge/options-engine/internal/observ"
)

// Kind classifies an escalation.
type Kind string

const (
	KindCloseRetryExhausted Kind = "close_retry_exhausted"
	KindManualIntervention  Kind = "manual_intervention"
	KindPersistenceFailure  Kind = "persistence_failure"
	KindBreakerTripped      Kind = "breaker_tripped"
	KindEmergencyCloseAll   Kind = "emergency_close_all"
)

// Critical kinds demand an operator and are never dropped in favor of
// informational ones.
func (k Kind) Critical() bool {
	return k == KindManualIntervention || k == KindEmergencyCloseAll
}

// Alert is one escalation event.
type Alert struct {
	Kind       Kind
	PositionID string
	Summary    string
	Fields     map[string]string
	At         time.Time
}

// Config tunes the notifier. An empty webhook URL (after env
// resolution) disables delivery entirely.
type Config struct {
	WebhookURL          string `yaml:"-"`
	WebhookURLEnv       string `yaml:"webhook_url_env"`
	Channel             string `yaml:"channel"`
	QueueSize           int    `yaml:"queue_size"`
	DedupeWindowSeconds int    `yaml:"dedupe_window_seconds"`
	MaxAttempts         int    `yaml:"max_attempts"`
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
}

func (c *Config) setDefaults() {
	if c.WebhookURL == "" && c.WebhookURLEnv != "" {
		c.WebhookURL = os.Getenv(c.WebhookURLEnv)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DedupeWindowSeconds <= 0 {
		c.DedupeWindowSeconds = 60
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 30
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
}

type queuedAlert struct {
	alert     Alert
	attempts  int
	nextRetry time.Time
}

// Notifier is the webhook client. Construct with New; the zero value
// is not usable.
type Notifier struct {
	cfg    Config
	client *resty.Client
	queue  chan queuedAlert

	mu     sync.Mutex
	dedupe map[string]time.Time
	recent []time.Time

	backoffBase time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the notifier's delivery worker. With no webhook URL
// configured the notifier is inert and Send is a no-op.
func New(cfg Config) *Notifier {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	n := &Notifier{
		cfg:         cfg,
		queue:       make(chan queuedAlert, cfg.QueueSize),
		dedupe:      make(map[string]time.Time),
		backoffBase: time.Second,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if cfg.WebhookURL != "" {
		n.client = resty.New().
			SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)
	}

	go n.worker()
	go n.cleanup()
	return n
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n.client != nil }

// Send enqueues the alert for delivery. It never blocks: a full queue
// drops the oldest informational alert to make room, and an alert that
// duplicates one sent inside the dedupe window is suppressed.
func (n *Notifier) Send(alert Alert) {
	if !n.Enabled() {
		return
	}
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}

	hash := alert.hash()
	n.mu.Lock()
	if last, ok := n.dedupe[hash]; ok && time.Since(last) < n.dedupeWindow() {
		n.mu.Unlock()
		observ.IncCounter("alerts_deduped_total", map[string]string{"kind": string(alert.Kind)})
		return
	}
	n.dedupe[hash] = time.Now()
	limited := !alert.Kind.Critical() && n.rateLimitedLocked()
	n.mu.Unlock()

	if limited {
		observ.IncCounter("alerts_rate_limited_total", map[string]string{"kind": string(alert.Kind)})
		return
	}

	n.enqueue(queuedAlert{alert: alert, nextRetry: time.Now()})
}

func (n *Notifier) dedupeWindow() time.Duration {
	return time.Duration(n.cfg.DedupeWindowSeconds) * time.Second
}

// rateLimitedLocked applies the global per-minute cap to informational
// alerts. Callers hold n.mu.
func (n *Notifier) rateLimitedLocked() bool {
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	filtered := n.recent[:0]
	for _, t := range n.recent {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	n.recent = filtered
	if len(n.recent) >= n.cfg.RateLimitPerMinute {
		return true
	}
	n.recent = append(n.recent, now)
	return false
}

// enqueue applies the overflow policy: the queue sheds its oldest
// informational alert before a new one, and an informational alert is
// dropped rather than displacing a critical one.
func (n *Notifier) enqueue(q queuedAlert) {
	select {
	case n.queue <- q:
		observ.SetGauge("alerts_queue_depth", float64(len(n.queue)), nil)
		return
	default:
	}

	select {
	case oldest := <-n.queue:
		if oldest.alert.Kind.Critical() && !q.alert.Kind.Critical() {
			// Put the critical one back and drop the newcomer.
			n.requeueOrDrop(oldest)
			n.drop(q)
			return
		}
		n.drop(oldest)
		n.requeueOrDrop(q)
	default:
		// Queue drained between checks; try once more.
		n.requeueOrDrop(q)
	}
}

func (n *Notifier) requeueOrDrop(q queuedAlert) {
	select {
	case n.queue <- q:
		observ.SetGauge("alerts_queue_depth", float64(len(n.queue)), nil)
	default:
		n.drop(q)
	}
}

func (n *Notifier) drop(q queuedAlert) {
	observ.IncCounter("alerts_dropped_total", map[string]string{"kind": string(q.alert.Kind)})
	observ.Log("alert_dropped", map[string]any{
		"kind":    string(q.alert.Kind),
		"summary": q.alert.Summary,
	})
}

func (n *Notifier) worker() {
	defer close(n.done)
	for {
		select {
		case <-n.ctx.Done():
			return
		case q := <-n.queue:
			observ.SetGauge("alerts_queue_depth", float64(len(n.queue)), nil)
			if wait := time.Until(q.nextRetry); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-n.ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}

			if err := n.post(q.alert); err != nil {
				q.attempts++
				if q.attempts >= n.cfg.MaxAttempts {
					observ.IncCounter("alerts_webhook_errors_total", map[string]string{"kind": string(q.alert.Kind)})
					observ.LogError("alert_delivery_failed", err, map[string]any{
						"kind":     string(q.alert.Kind),
						"attempts": q.attempts,
					})
					continue
				}
				backoff := time.Duration(math.Pow(2, float64(q.attempts))) * n.backoffBase
				jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
				q.nextRetry = time.Now().Add(backoff + jitter)
				n.enqueue(q)
				continue
			}
			observ.IncCounter("alerts_sent_total", map[string]string{"kind": string(q.alert.Kind)})
		}
	}
}

func (n *Notifier) post(alert Alert) error {
	resp, err := n.client.R().
		SetContext(n.ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(alert.message(n.cfg.Channel)).
		Post(n.cfg.WebhookURL)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("webhook status %d", resp.StatusCode())
	}
	return nil
}

// cleanup prunes expired dedupe entries so the map cannot grow without
// bound across a long session.
func (n *Notifier) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			n.mu.Lock()
			for hash, at := range n.dedupe {
				if at.Before(cutoff) {
					delete(n.dedupe, hash)
				}
			}
			n.mu.Unlock()
		}
	}
}

// Close stops the worker. Queued alerts not yet delivered are
// abandoned.
func (n *Notifier) Close() {
	n.cancel()
	<-n.done
}

func (a Alert) hash() string {
	data := fmt.Sprintf("%s:%s:%s", a.Kind, a.PositionID, a.Summary)
	sum := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", sum)[:16]
}

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type webhookAttachment struct {
	Color  string         `json:"color"`
	Fields []webhookField `json:"fields"`
}

type webhookMessage struct {
	Channel     string              `json:"channel,omitempty"`
	Text        string              `json:"text"`
	Attachments []webhookAttachment `json:"attachments,omitempty"`
}

func (a Alert) message(channel string) webhookMessage {
	color := "warning"
	if a.Kind.Critical() {
		color = "danger"
	}

	fields := []webhookField{
		{Title: "Kind", Value: string(a.Kind), Short: true},
		{Title: "Time", Value: a.At.Format("15:04:05 MST"), Short: true},
	}
	if a.PositionID != "" {
		fields = append(fields, webhookField{Title: "Position", Value: a.PositionID, Short: true})
	}
	for title, value := range a.Fields {
		fields = append(fields, webhookField{Title: title, Value: value, Short: true})
	}

	return webhookMessage{
		Channel: channel,
		Text:    fmt.Sprintf("[%s] %s", a.Kind, a.Summary),
		Attachments: []webhookAttachment{{
			Color:  color,
			Fields: fields,
		}},
	}
}
