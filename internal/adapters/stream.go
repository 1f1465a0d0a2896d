package adapters

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeforge/options-engine/internal/observ"
)

const (
	streamReconnectMin = 1 * time.Second
	streamReconnectMax = 30 * time.Second
	streamWriteTimeout = 5 * time.Second
)

// StreamConfig selects the websocket endpoint and how long a streamed
// mark stays eligible for serving before we fall back to REST.
type StreamConfig struct {
	URL           string   `yaml:"url"`
	Symbols       []string `yaml:"symbols"`
	MaxAgeSeconds int      `yaml:"max_age_seconds"`
}

func (c *StreamConfig) maxAge() time.Duration {
	if c.MaxAgeSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

// streamSubscribe is the client-to-server subscription frame.
type streamSubscribe struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// Stream layers a websocket mark feed over a REST provider. Mark is
// answered from the live cache while the cached mark is fresh; quotes,
// chains, and stale or unknown symbols pass through to the underlying
// provider. The read loop reconnects with capped backoff until Close.
type Stream struct {
	rest MarketData
	cfg  StreamConfig

	mu    sync.RWMutex
	cache map[string]Mark
	subs  map[string]bool

	connMu sync.Mutex
	conn   *websocket.Conn

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewStream wraps a REST provider with a mark stream. Call Start to
// open the feed; until then every call passes through.
func NewStream(rest MarketData, cfg StreamConfig) *Stream {
	subs := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		subs[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return &Stream{
		rest:  rest,
		cfg:   cfg,
		cache: make(map[string]Mark),
		subs:  subs,
	}
}

// Start opens the websocket feed and keeps it alive until Close or
// context cancellation.
func (s *Stream) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	backoff := streamReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			observ.LogError("stream_dial_failed", err, map[string]any{"url": s.cfg.URL, "retry_in": backoff.String()})
			observ.IncCounter("stream_reconnects_total", map[string]string{"reason": "dial"})
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		if err := s.sendSubscribe(conn); err != nil {
			observ.LogError("stream_subscribe_failed", err, map[string]any{"url": s.cfg.URL})
			conn.Close()
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		observ.Log("stream_connected", map[string]any{"url": s.cfg.URL, "symbols": len(s.subs)})
		backoff = streamReconnectMin

		s.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		observ.IncCounter("stream_reconnects_total", map[string]string{"reason": "read"})
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				observ.LogError("stream_read_failed", err, map[string]any{"url": s.cfg.URL})
			}
			return
		}

		var mark Mark
		if err := json.Unmarshal(payload, &mark); err != nil {
			observ.IncCounter("stream_decode_errors_total", nil)
			continue
		}
		if mark.Symbol == "" {
			continue
		}
		if mark.Timestamp.IsZero() {
			mark.Timestamp = time.Now()
		}

		s.mu.Lock()
		s.cache[mark.Symbol] = mark
		s.mu.Unlock()
		observ.IncCounter("stream_marks_total", nil)
	}
}

func (s *Stream) sendSubscribe(conn *websocket.Conn) error {
	s.mu.RLock()
	symbols := make([]string, 0, len(s.subs))
	for sym := range s.subs {
		symbols = append(symbols, sym)
	}
	s.mu.RUnlock()

	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(streamSubscribe{Op: "subscribe", Symbols: symbols})
}

// Subscribe adds symbols to the live subscription, resending the
// subscribe frame when the feed is connected. New position legs call
// this so their marks ride the stream instead of REST.
func (s *Stream) Subscribe(symbols ...string) {
	s.mu.Lock()
	changed := false
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || s.subs[sym] {
			continue
		}
		s.subs[sym] = true
		changed = true
	}
	s.mu.Unlock()
	if !changed {
		return
	}

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		if err := s.sendSubscribe(conn); err != nil {
			observ.LogError("stream_subscribe_failed", err, map[string]any{"url": s.cfg.URL})
		}
	}
}

// Mark serves the streamed mark when fresh, otherwise falls through to
// the REST provider.
func (s *Stream) Mark(ctx context.Context, symbol string) (*Mark, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	s.mu.RLock()
	mark, ok := s.cache[symbol]
	s.mu.RUnlock()
	if ok && time.Since(mark.Timestamp) <= s.cfg.maxAge() {
		observ.IncCounter("stream_cache_hits_total", nil)
		out := mark
		return &out, nil
	}

	return s.rest.Mark(ctx, symbol)
}

// Quote passes through to the REST provider.
func (s *Stream) Quote(ctx context.Context, symbol string) (*Quote, error) {
	return s.rest.Quote(ctx, symbol)
}

// Chain passes through to the REST provider.
func (s *Stream) Chain(ctx context.Context, underlying string) (*Chain, error) {
	return s.rest.Chain(ctx, underlying)
}

// HealthCheck passes through to the REST provider.
func (s *Stream) HealthCheck(ctx context.Context) error {
	return s.rest.HealthCheck(ctx)
}

// Close stops the feed and closes the underlying provider.
func (s *Stream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
	if s.done != nil {
		<-s.done
	}
	return s.rest.Close()
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > streamReconnectMax {
		return streamReconnectMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
