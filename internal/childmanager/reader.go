package childmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/onmcp/onmcp/internal/protocol"
)

// readLoop is the slot's single reader task: it parses the child's stdout
// line by line and routes each message to its reply sink (responses) or the
// log bus (notifications/message). It exits when stdout reaches EOF or a
// read error occurs, at which point every pending reply sink is resolved
// with server_unavailable and the slot is marked Failed.
func (m *Manager) readLoop(pool *ChildPool, slot *ChildSlot, stdout io.Reader) {
	defer close(slot.done)

	scanner := newLineScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			slog.Debug("childmanager: discarding unparseable line from child", "server", slot.server, "err", err)
			continue
		}

		slot.touchActivity()

		switch msg.Kind() {
		case protocol.KindResponse:
			id := string(msg.ID)
			if sink, ok := slot.takePending(id); ok {
				sink <- msg
				close(sink)
			}
		case protocol.KindNotification:
			m.routeChildNotification(slot.server, msg)
		default:
			slog.Debug("childmanager: ignoring message of unexpected shape from child", "server", slot.server)
		}
	}

	failErr := scanner.Err()
	if failErr == nil {
		failErr = fmt.Errorf("childmanager: %s: stdout closed", slot.server)
	}
	slot.setFailed(failErr)
	slot.failAllPending()
	if m.metrics != nil {
		m.metrics.RecordChildCrash(context.Background(), slot.server)
	}
}

// routeChildNotification forwards notifications/message to the log bus and
// discards anything else with a debug record, per spec 4.4's correlation
// rule.
func (m *Manager) routeChildNotification(server string, msg protocol.Message) {
	if msg.Method != "notifications/message" {
		slog.Debug("childmanager: discarding unrecognized child notification", "server", server, "method", msg.Method)
		return
	}
	if m.onChildLog == nil {
		return
	}
	var payload struct {
		Level  string          `json:"level"`
		Logger string          `json:"logger"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg.Params, &payload); err != nil {
		return
	}
	m.onChildLog(server, payload.Level, payload.Logger, payload.Data)
}
