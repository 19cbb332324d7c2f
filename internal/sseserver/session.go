package sseserver

import (
	"sync"
	"time"
)

// outboundQueueSize bounds how many frames a session's writer task can fall
// behind the core before new sends are dropped and the session is marked
// stale for the reaper to collect.
const outboundQueueSize = 64

// session is one connected SSE client: its outbound frame queue, the set of
// child-bound request IDs it originated (for cancel-on-disconnect), and its
// liveness bookkeeping.
type session struct {
	id string

	outbound chan []byte

	mu         sync.Mutex
	lastSeen   time.Time
	overflowed bool
	closed     bool
	requestIDs map[string]struct{}
}

func newSession(id string) *session {
	return &session{
		id:         id,
		outbound:   make(chan []byte, outboundQueueSize),
		lastSeen:   time.Now(),
		requestIDs: make(map[string]struct{}),
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen)
}

func (s *session) stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowed
}

// send enqueues frame without blocking. If the queue is full, the session is
// flagged overflowed rather than dropping silently forever — the reaper
// closes it on the next scan, per the "queue sends are non-blocking; on
// queue-full the session is marked stale" rule. A session already closed by
// the reaper silently drops the frame instead of sending on a closed
// channel.
func (s *session) send(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.outbound <- frame:
	default:
		s.overflowed = true
	}
}

// close marks the session closed and closes its outbound queue. Idempotent
// and mutually exclusive with send, so a dispatch goroutine racing a reaper
// sweep never sends on a closed channel.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbound)
}

func (s *session) addRequestID(id string) {
	s.mu.Lock()
	s.requestIDs[id] = struct{}{}
	s.mu.Unlock()
}

func (s *session) removeRequestID(id string) {
	s.mu.Lock()
	delete(s.requestIDs, id)
	s.mu.Unlock()
}

// originatedRequestIDs returns a snapshot of every request ID this session
// has in flight, used to cancel them all when the session drops.
func (s *session) originatedRequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.requestIDs))
	for id := range s.requestIDs {
		ids = append(ids, id)
	}
	return ids
}
