// Package sseserver implements the SSE transport: an HTTP listener that
// multiplexes many concurrent client sessions over GET /sse (the event
// stream) and POST /message (inbound JSON-RPC), against a shared
// [proxycore.Core].
package sseserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onmcp/onmcp/internal/observe"
	"github.com/onmcp/onmcp/internal/protocol"
	"github.com/onmcp/onmcp/internal/proxycore"
)

const (
	defaultPingInterval  = 15 * time.Second
	defaultSessionMaxIdle = 5 * time.Minute
	defaultReapInterval  = 60 * time.Second
	defaultReadTimeout   = 10 * time.Second

	keepAliveIdle     = 15 * time.Second
	keepAliveInterval = 5 * time.Second
	keepAliveCount    = 3
)

// Server is the SSE transport's HTTP handler and session registry.
type Server struct {
	core  *proxycore.Core
	token string

	pingInterval  time.Duration
	sessionMaxIdle time.Duration
	reapInterval  time.Duration
	readTimeout   time.Duration

	mu       sync.RWMutex
	sessions map[string]*session

	reapStop chan struct{}
	reapOnce sync.Once

	metrics *observe.Metrics
}

// WithMetrics attaches an observe.Metrics instance that session lifecycle
// events are recorded against.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Option configures a [Server].
type Option func(*Server)

// WithPingInterval overrides the default 15s keepalive ping cadence.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithSessionMaxIdle overrides the default 5-minute session staleness window.
func WithSessionMaxIdle(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.sessionMaxIdle = d
		}
	}
}

// WithReapInterval overrides the default 60s session-reaper scan cadence.
func WithReapInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.reapInterval = d
		}
	}
}

// New creates a Server bound to core, authenticating /sse and /message with
// token (an empty token disables auth, e.g. for a local-only dashboard).
func New(core *proxycore.Core, token string, opts ...Option) *Server {
	s := &Server{
		core:          core,
		token:         token,
		pingInterval:  defaultPingInterval,
		sessionMaxIdle: defaultSessionMaxIdle,
		reapInterval:  defaultReapInterval,
		readTimeout:   defaultReadTimeout,
		sessions:      make(map[string]*session),
		reapStop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the http.Handler to mount, routing /sse, /message, and the
// CORS preflight.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", s.handleSSE)
	mux.HandleFunc("/message", s.handleMessage)
	return withCORSPreflight(mux)
}

// Listen opens a TCP listener on addr with the keepalive tuning spec.md §4.7
// requires (probe after 15s idle, 5s between probes, 3 retries).
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     keepAliveIdle,
			Interval: keepAliveInterval,
			Count:    keepAliveCount,
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

// StartReaper launches the background session reaper.
func (s *Server) StartReaper() {
	go s.reapLoop()
}

// StopReaper halts the session reaper. Safe to call multiple times.
func (s *Server) StopReaper() {
	s.reapOnce.Do(func() { close(s.reapStop) })
}

func withCORSPreflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	want := "Bearer " + s.token
	got := r.Header.Get("Authorization")
	return subtleEqual(got, want)
}

// subtleEqual avoids a length-revealing short-circuit on the token compare.
func subtleEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	sess := newSession(id)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SSESessions.Add(r.Context(), 1)
	}
	defer s.dropSession(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /message?sessionId=%s\n\n", id)
	flusher.Flush()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sess.outbound:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

// dropSession removes a session from the table and cancels any in-flight
// request it originated, since MCP's cancellation semantics say a dropped
// transport should cancel its correlated child-side calls.
func (s *Server) dropSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.SSESessions.Add(context.Background(), -1)
	}
	for _, reqID := range sess.originatedRequestIDs() {
		s.cancelRequest(reqID)
	}
}

func (s *Server) cancelRequest(requestID string) {
	params, _ := json.Marshal(map[string]any{"requestId": json.RawMessage(requestID)})
	s.core.Dispatch(context.Background(), protocol.NewNotification("notifications/cancelled", params))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}

	body, err := readBodyWithTimeout(r, s.readTimeout)
	if err != nil {
		http.Error(w, "incomplete body", http.StatusBadRequest)
		return
	}
	sess.touch()

	msg, err := protocol.Decode(body)
	if err != nil {
		http.Error(w, "malformed json-rpc message", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	go s.dispatchToSession(sess, msg)
}

func (s *Server) dispatchToSession(sess *session, msg protocol.Message) {
	if msg.Kind() == protocol.KindRequest {
		key := string(msg.ID)
		sess.addRequestID(key)
		defer sess.removeRequestID(key)
	}

	reply := s.core.Dispatch(context.Background(), msg)
	if reply == nil {
		return
	}
	wire, err := protocol.Encode(*reply)
	if err != nil {
		slog.Error("sseserver: encode reply", "err", err)
		return
	}
	sess.send(wire)
}

// readBodyWithTimeout reads exactly Content-Length bytes from the request
// body, failing if that does not complete within timeout.
func readBodyWithTimeout(r *http.Request, timeout time.Duration) ([]byte, error) {
	if r.ContentLength < 0 {
		return nil, fmt.Errorf("sseserver: missing Content-Length")
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, r.ContentLength)
		_, err := io.ReadFull(r.Body, buf)
		done <- result{data: buf, err: err}
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("sseserver: body read timed out")
	}
}

func (s *Server) reapLoop() {
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.reapStop:
			return
		case <-ticker.C:
			s.reapScan()
		}
	}
}

func (s *Server) reapScan() {
	s.mu.RLock()
	stale := make([]string, 0)
	for id, sess := range s.sessions {
		if sess.stale() || sess.idleSince() > s.sessionMaxIdle {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		slog.Info("sseserver: reaping stale session", "session", id)
		s.closeSession(id)
	}
}

func (s *Server) closeSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.SSESessions.Add(context.Background(), -1)
	}
	sess.close()
	for _, reqID := range sess.originatedRequestIDs() {
		s.cancelRequest(reqID)
	}
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
