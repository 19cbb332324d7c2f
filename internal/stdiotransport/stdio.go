// Package stdiotransport implements the line-framed JSON-RPC transport over
// the host's standard streams: one peer, one JSON document per line, stderr
// reserved for diagnostics.
package stdiotransport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/onmcp/onmcp/internal/protocol"
	"github.com/onmcp/onmcp/internal/proxycore"
)

// maxLineBytes bounds a single incoming JSON-RPC document; generous enough
// for large tool-call arguments without letting a runaway peer exhaust
// memory one line at a time.
const maxLineBytes = 16 * 1024 * 1024

// Server drives one stdio peer against a [proxycore.Core]. There is exactly
// one peer for the lifetime of the process, so unlike sseserver there is no
// session table: request IDs are whatever the peer supplies, and replies
// are written back in whatever order the core produces them.
type Server struct {
	core *proxycore.Core
	in   io.Reader
	out  io.Writer

	writeMu sync.Mutex
}

// New creates a Server reading newline-delimited JSON-RPC from in and
// writing framed responses to out.
func New(core *proxycore.Core, in io.Reader, out io.Writer) *Server {
	return &Server{core: core, in: in, out: out}
}

// Run reads lines from in until EOF, ctx cancellation, or a read error,
// dispatching each decoded message to the core and writing back any reply.
// Requests are handled concurrently (one goroutine per line) so a slow
// tool call does not stall unrelated notifications or later requests;
// responses may therefore be written out of order, which MCP permits since
// clients correlate by ID.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			slog.Warn("stdiotransport: discarding unparseable line", "err", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, msg)
		}()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdiotransport: read: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, msg protocol.Message) {
	reply := s.core.Dispatch(ctx, msg)
	if reply == nil {
		return
	}
	if err := s.write(*reply); err != nil {
		slog.Error("stdiotransport: write reply", "err", err)
	}
}

func (s *Server) write(msg protocol.Message) error {
	wire, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(wire); err != nil {
		return err
	}
	_, err = s.out.Write([]byte("\n"))
	return err
}
