// Package stubs hosts the local market gateway: a REST surface over
// the sim adapter plus a websocket mark stream, speaking the same
// shapes the ChainHTTP client and the HTTP broker consume. cmd/chainstub
// serves it standalone; tests mount the handler on httptest.
package stubs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/execution"
	"github.com/tradeforge/options-engine/internal/observ"
)

const streamWriteTimeout = 5 * time.Second

// Server is the stub gateway. Quotes, chains, and marks come straight
// from the sim so REST and stream consumers see coherent prices; orders
// fill through the paper broker at the posted limit.
type Server struct {
	sim      *adapters.Sim
	broker   execution.Broker
	interval time.Duration
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]bool
}

// NewServer creates the gateway. broadcastInterval paces the mark
// stream; zero means one second.
func NewServer(sim *adapters.Sim, broker execution.Broker, broadcastInterval time.Duration) *Server {
	if broadcastInterval <= 0 {
		broadcastInterval = time.Second
	}
	return &Server{
		sim:      sim,
		broker:   broker,
		interval: broadcastInterval,
		clients:  make(map[*streamClient]bool),
	}
}

// Handler returns the REST + websocket mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/quote", s.handleQuote)
	mux.HandleFunc("/v1/chain", s.handleChain)
	mux.HandleFunc("/v1/mark", s.handleMark)
	mux.HandleFunc("/v1/orders", s.handleOrders)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.HandleFunc("/v1/scenario/spot", s.handleSpot)
	mux.HandleFunc("/v1/scenario/halt", s.handleHalt)
	return mux
}

// Run paces the mark broadcast until ctx is done. Without it the REST
// surface still works; only the stream stays silent.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(ctx)
		}
	}
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	quote, err := s.sim.Quote(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, quote)
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	chain, err := s.sim.Chain(r.Context(), r.URL.Query().Get("underlying"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, chain)
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	mark, err := s.sim.Mark(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, mark)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req execution.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.broker.Submit(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	observ.Log("stub_order", map[string]any{
		"symbol":   req.Symbol,
		"side":     string(req.Side),
		"quantity": req.Quantity,
		"status":   string(result.Status),
	})
	writeJSON(w, result)
}

func (s *Server) handleSpot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req struct {
		Symbol string  `json:"symbol"`
		Spot   float64 `json:"spot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Symbol == "" || req.Spot <= 0 {
		http.Error(w, "symbol and positive spot required", http.StatusBadRequest)
		return
	}
	s.sim.SetSpot(req.Symbol, req.Spot)
	observ.Log("stub_scenario_spot", map[string]any{"symbol": req.Symbol, "spot": req.Spot})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req struct {
		Symbol string `json:"symbol"`
		Halted bool   `json:"halted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		http.Error(w, "symbol required", http.StatusBadRequest)
		return
	}
	s.sim.SetHalted(req.Symbol, req.Halted)
	observ.Log("stub_scenario_halt", map[string]any{"symbol": req.Symbol, "halted": req.Halted})
	w.WriteHeader(http.StatusOK)
}

// streamClient is one websocket consumer. Each subscribe frame replaces
// the whole subscription set, matching the client's resend-all
// behavior.
type streamClient struct {
	conn *websocket.Conn

	mu   sync.Mutex
	subs map[string]bool
}

func (c *streamClient) symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for sym := range c.subs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (c *streamClient) replaceSubs(symbols []string) {
	subs := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			subs[sym] = true
		}
	}
	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()
}

func (c *streamClient) send(mark *adapters.Mark) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return c.conn.WriteJSON(mark)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observ.LogError("stub_stream_upgrade_failed", err, nil)
		return
	}

	c := &streamClient{conn: conn, subs: make(map[string]bool)}
	s.mu.Lock()
	s.clients[c] = true
	n := len(s.clients)
	s.mu.Unlock()
	observ.Log("stub_stream_connected", map[string]any{"clients": n})

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
		observ.Log("stub_stream_disconnected", nil)
	}()

	for {
		var frame struct {
			Op      string   `json:"op"`
			Symbols []string `json:"symbols"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Op != "subscribe" {
			continue
		}
		c.replaceSubs(frame.Symbols)
	}
}

// broadcast sends each client the current mark for every symbol it
// subscribed. Marks are fetched once per symbol per round; a dead
// connection is closed so its read loop unregisters it.
func (s *Server) broadcast(ctx context.Context) {
	s.mu.Lock()
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	if len(clients) == 0 {
		return
	}

	marks := make(map[string]*adapters.Mark)
	for _, c := range clients {
		for _, sym := range c.symbols() {
			mark, ok := marks[sym]
			if !ok {
				m, err := s.sim.Mark(ctx, sym)
				if err != nil {
					continue // unknown symbols simply do not stream
				}
				marks[sym] = m
				mark = m
			}
			if err := c.send(mark); err != nil {
				c.conn.Close()
				break
			}
			observ.IncCounter("stub_stream_marks_total", nil)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.LogError("stub_write_failed", err, nil)
	}
}

// writeError maps sim errors onto the status codes the ChainHTTP client
// distinguishes: unknown symbols are 404, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	var qe *adapters.QuoteError
	if errors.As(err, &qe) && qe.Type == "bad_symbol" {
		http.Error(w, qe.Message, http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
