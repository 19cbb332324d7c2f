package childmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/observe"
	"github.com/onmcp/onmcp/internal/protocol"
	"github.com/onmcp/onmcp/internal/resilience"
)

const (
	defaultShutdownGrace = 2 * time.Second
	defaultReapInterval  = 30 * time.Second
)

// ChildLogFunc receives a notifications/message forwarded from a child,
// destined for the proxy's log bus.
type ChildLogFunc func(server, level, logger string, data json.RawMessage)

// Manager owns every [ChildPool], keyed by lower-cased server name.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*ChildPool

	startupTimeout time.Duration
	shutdownGrace  time.Duration
	idleTimeout    time.Duration

	onChildLog   ChildLogFunc
	stderrDir    string // if set, per-server stderr is appended to files here; otherwise discarded
	reapInterval time.Duration

	reapStop chan struct{}
	reapOnce sync.Once

	metrics *observe.Metrics
}

// WithMetrics attaches an observe.Metrics instance that child lifecycle
// events are recorded against.
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// Option configures a [Manager].
type Option func(*Manager)

// WithStartupTimeout overrides the default 30s child startup window.
func WithStartupTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.startupTimeout = d
		}
	}
}

// WithIdleTimeout sets the global default idle timeout used when a
// ServerSpec does not declare its own.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithChildLogFunc installs the callback invoked for every
// notifications/message received from a child.
func WithChildLogFunc(fn ChildLogFunc) Option {
	return func(m *Manager) { m.onChildLog = fn }
}

// WithStderrDir directs each child's stderr to <dir>/<server>.stderr.log
// instead of discarding it.
func WithStderrDir(dir string) Option {
	return func(m *Manager) { m.stderrDir = dir }
}

// WithReapInterval overrides the default 30s idle-reaper scan cadence.
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reapInterval = d
		}
	}
}

// New creates a Manager with one pool per entry in servers.
func New(servers []config.ServerSpec, opts ...Option) *Manager {
	m := &Manager{
		pools:          make(map[string]*ChildPool, len(servers)),
		startupTimeout: config.DefaultStartupTimeout,
		shutdownGrace:  defaultShutdownGrace,
		idleTimeout:    config.DefaultIdleTimeout,
		reapInterval:   defaultReapInterval,
		reapStop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, spec := range servers {
		m.pools[strings.ToLower(spec.Name)] = newPool(spec)
	}
	return m
}

// StartReaper launches the idle reaper background task.
func (m *Manager) StartReaper() {
	go m.reapLoop(m.reapInterval)
}

// StopReaper halts the idle reaper. Safe to call multiple times.
func (m *Manager) StopReaper() {
	m.reapOnce.Do(func() { close(m.reapStop) })
}

func (m *Manager) pool(server string) (*ChildPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[strings.ToLower(server)]
	return pool, ok
}

// AddServer registers a new pool at runtime — used when a hot reload adds a
// server. The new server starts Empty (lazy); nothing is spawned here.
func (m *Manager) AddServer(spec config.ServerSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[strings.ToLower(spec.Name)] = newPool(spec)
}

// RemoveServer stops and deletes server's pool entirely — used on hot
// reload removal, or when a server's launch configuration changed and the
// pool must be rebuilt from scratch on next use.
func (m *Manager) RemoveServer(ctx context.Context, server string) {
	m.mu.Lock()
	pool, ok := m.pools[strings.ToLower(server)]
	delete(m.pools, strings.ToLower(server))
	m.mu.Unlock()
	if ok {
		m.stopPool(pool)
	}
}

// ensure returns a Ready slot for server, starting one if necessary.
func (m *Manager) ensure(ctx context.Context, server string) (*ChildSlot, error) {
	pool, ok := m.pool(server)
	if !ok {
		return nil, fmt.Errorf("childmanager: %w: no such server %q", protocol.ErrServerUnavailable, server)
	}

	if slot := pool.readySlot(); slot != nil {
		return slot, nil
	}

	slot := pool.emptySlot()
	if slot == nil {
		// Every slot is Starting/Draining; wait briefly for one to become
		// Ready rather than failing outright.
		return m.awaitAnyReady(ctx, pool, server)
	}

	var startErr error
	breakerErr := pool.breaker.Execute(func() error {
		startErr = m.start(ctx, pool, slot)
		return startErr
	})
	if errors.Is(breakerErr, resilience.ErrCircuitOpen) {
		if m.metrics != nil {
			m.metrics.RecordChildSpawn(ctx, server, "failed")
		}
		return nil, fmt.Errorf("childmanager: %w: %s startup circuit open after repeated failures", protocol.ErrServerUnavailable, server)
	}
	if startErr != nil {
		if m.metrics != nil {
			m.metrics.RecordChildSpawn(ctx, server, "failed")
		}
		return nil, fmt.Errorf("childmanager: %w: %s failed to start: %v", protocol.ErrServerUnavailable, server, startErr)
	}
	if m.metrics != nil {
		m.metrics.RecordChildSpawn(ctx, server, "ready")
		m.metrics.ChildPoolInFlight.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
	}
	return slot, nil
}

func (m *Manager) awaitAnyReady(ctx context.Context, pool *ChildPool, server string) (*ChildSlot, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(m.startupTimeout)
	for {
		select {
		case <-ticker.C:
			if slot := pool.readySlot(); slot != nil {
				return slot, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("childmanager: %w: %s: timed out waiting for a pool slot", protocol.ErrServerUnavailable, server)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ensure is the exported entry point for [ensure], used by cold-cache
// generation to start a server without issuing a call against it yet.
func (m *Manager) Ensure(ctx context.Context, server string) error {
	_, err := m.ensure(ctx, server)
	return err
}

// Call invokes method against server with params, retrying once against a
// freshly restarted slot on a transport-level failure (write error, EOF,
// unexpected exit). On the second failure it returns
// [protocol.ErrServerUnavailable].
func (m *Manager) Call(ctx context.Context, server, method string, params json.RawMessage) (json.RawMessage, error) {
	return m.CallCancellable(ctx, server, method, params, nil)
}

// TrackFunc receives the exact slot and child-scoped request ID assigned to
// an in-flight call as soon as both are known, well before the response
// arrives. A caller uses this to remember where to forward a later
// notifications/cancelled.
type TrackFunc func(slot *ChildSlot, childRequestID string)

// CallCancellable behaves like Call, additionally invoking track (if
// non-nil) with the slot and child-scoped request ID once the request has
// been written, for every retry attempt.
func (m *Manager) CallCancellable(ctx context.Context, server, method string, params json.RawMessage, track TrackFunc) (json.RawMessage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		result, err := m.callOnce(ctx, server, method, params, track)
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		if attempt == 1 {
			return nil, fmt.Errorf("childmanager: %w: %s: %v", protocol.ErrServerUnavailable, server, err)
		}
		slog.Warn("childmanager: retrying call after transport failure", "server", server, "method", method, "err", err)
	}
	return nil, fmt.Errorf("childmanager: %w: %s: exhausted retries", protocol.ErrServerUnavailable, server)
}

func isRetryable(err error) bool {
	return errors.Is(err, errTransport)
}

var errTransport = errors.New("childmanager: transport failure")

func (m *Manager) callOnce(ctx context.Context, server, method string, params json.RawMessage, track TrackFunc) (json.RawMessage, error) {
	slot, err := m.ensure(ctx, server)
	if err != nil {
		return nil, err
	}

	atomicAddInFlight(slot, 1)
	defer atomicAddInFlight(slot, -1)

	id := fmt.Sprintf("%d", nextRequestID(slot))
	sink := slot.registerPending(id)

	if err := slot.writeMessage(protocol.NewRequest(json.RawMessage(id), method, params)); err != nil {
		slot.releasePending(id)
		return nil, fmt.Errorf("%w: write to %s: %v", errTransport, server, err)
	}

	if track != nil {
		track(slot, id)
	}

	select {
	case resp, ok := <-sink:
		if !ok {
			return nil, fmt.Errorf("%w: %s closed before responding", errTransport, server)
		}
		if resp.Error != nil && resp.Error.Code == protocol.CodeServerUnavailable {
			// failAllPending synthesizes exactly this code when the reader
			// observes the child died before answering — that is a
			// transport failure eligible for the one retry, not a real
			// application-level error from a live child.
			return nil, fmt.Errorf("%w: %s: %s", errTransport, server, resp.Error.Message)
		}
		slot.touchActivity()
		if resp.Error != nil {
			return nil, &protocol.Error{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		return resp.Result, nil
	case <-slot.done:
		return nil, fmt.Errorf("%w: %s exited before responding", errTransport, server)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DiscoverTools sends tools/list to server and returns the raw result.
func (m *Manager) DiscoverTools(ctx context.Context, server string) (json.RawMessage, error) {
	return m.Call(ctx, server, "tools/list", json.RawMessage(`{}`))
}

// FanOutEligible reports whether server should be included in a
// resources/list or prompts/list aggregate without forcing an on-demand
// spawn: either it already has a Ready slot, or it is a persistent server,
// meant to always be running anyway.
func (m *Manager) FanOutEligible(server string) bool {
	pool, ok := m.pool(server)
	if !ok {
		return false
	}
	if pool.spec.Persistent {
		return true
	}
	return pool.readySlot() != nil
}

// AnyChildDeclares reports whether any currently Ready child declared
// capability during its initialize handshake.
func (m *Manager) AnyChildDeclares(capability string) bool {
	m.mu.RLock()
	pools := make([]*ChildPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, pool := range pools {
		for _, slot := range pool.all() {
			if slot.State() != StateReady {
				continue
			}
			if slot.declares(capability) {
				return true
			}
		}
	}
	return false
}

// Stop shuts down every slot in server's pool: close stdin, wait up to the
// shutdown grace period, then signal termination, then kill.
func (m *Manager) Stop(server string) {
	pool, ok := m.pool(server)
	if !ok {
		return
	}
	m.stopPool(pool)
}

func (m *Manager) stopPool(pool *ChildPool) {
	for _, slot := range pool.all() {
		m.stopSlot(slot)
	}
}

func (m *Manager) stopSlot(slot *ChildSlot) {
	if slot.State() != StateReady && slot.State() != StateStarting {
		return
	}
	wasReady := slot.State() == StateReady
	slot.setState(StateDraining)
	if wasReady && m.metrics != nil {
		m.metrics.ChildPoolInFlight.Add(context.Background(), -1,
			metric.WithAttributes(attribute.String("server", slot.server)))
	}

	slot.mu.Lock()
	stdin := slot.stdin
	cmd := slot.cmd
	slot.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd == nil || cmd.Process == nil {
		slot.setState(StateEmpty)
		return
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-time.After(m.shutdownGrace):
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-exited:
		case <-time.After(m.shutdownGrace):
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	slot.failAllPending()
	slot.setState(StateEmpty)
}

func (m *Manager) killSlot(slot *ChildSlot) {
	slot.mu.Lock()
	cmd := slot.cmd
	stdin := slot.stdin
	slot.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// StopAll stops every pool concurrently, used at daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	pools := make([]*ChildPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, pool := range pools {
		pool := pool
		g.Go(func() error {
			m.stopPool(pool)
			return nil
		})
	}
	_ = g.Wait() // stopPool never returns an error; Group just bounds the fan-out
}

// reapLoop scans every pool at interval and stops slots idle past their
// effective timeout with zero in-flight calls. Persistent servers are
// exempt.
func (m *Manager) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.reapStop:
			return
		case <-ticker.C:
			m.reapScan()
		}
	}
}

func (m *Manager) reapScan() {
	m.mu.RLock()
	pools := make([]*ChildPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, pool := range pools {
		if pool.spec.Persistent {
			continue
		}
		timeout := pool.spec.EffectiveIdleTimeout(m.idleTimeout)
		for _, slot := range pool.all() {
			if slot.State() != StateReady {
				continue
			}
			if slot.InFlight() > 0 {
				continue
			}
			if time.Since(slot.idleSince()) < timeout {
				continue
			}
			slog.Info("childmanager: reaping idle server", "server", pool.spec.Name, "idle_for", time.Since(slot.idleSince()))
			m.stopSlot(slot)
		}
	}
}

// childStderr returns the writer for a spawned child's stderr: a per-server
// log file under stderrDir when configured, otherwise discarded (spec
// reserves stdio stderr for the proxy's own diagnostics, not the child's).
func (m *Manager) childStderr(server string) io.Writer {
	if m.stderrDir == "" {
		return io.Discard
	}
	f, err := os.OpenFile(m.stderrDir+"/"+strings.ToLower(server)+".stderr.log",
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return io.Discard
	}
	return f
}

func atomicAddInFlight(slot *ChildSlot, delta int64) {
	atomic.AddInt64(&slot.inFlight, delta)
}
