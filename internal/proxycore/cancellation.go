package proxycore

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/onmcp/onmcp/internal/childmanager"
	"github.com/onmcp/onmcp/internal/protocol"
)

// activeCall tracks the child a forwarded tools/call was dispatched to, so a
// notifications/cancelled arriving for the client's request ID can be
// forwarded to the right process instead of only cancelling a local context.
type activeCall struct {
	mu        sync.Mutex
	slot      *childmanager.ChildSlot
	childID   string
	cancelled bool
}

// set records the slot and child-scoped request ID a call was dispatched
// to. It returns true if notifications/cancelled already arrived for this
// call before the dispatch finished, in which case the caller must forward
// the cancellation itself.
func (a *activeCall) set(slot *childmanager.ChildSlot, childID string) (alreadyCancelled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slot = slot
	a.childID = childID
	return a.cancelled
}

// markCancelled records that the client requested cancellation. It returns
// the slot and child-scoped request ID to forward to, if dispatch has
// already assigned them.
func (a *activeCall) markCancelled() (slot *childmanager.ChildSlot, childID string, ready bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = true
	return a.slot, a.childID, a.slot != nil
}

// trackCall registers a new activeCall for reqID and returns it along with a
// func that must be deferred to deregister it once the call completes. A nil
// reqID (a malformed or notification-shaped request) tracks nothing.
func (c *Core) trackCall(reqID json.RawMessage) (*activeCall, func()) {
	if reqID == nil {
		return &activeCall{}, func() {}
	}
	key := string(reqID)
	call := &activeCall{}

	c.cancelMu.Lock()
	c.activeCalls[key] = call
	c.cancelMu.Unlock()

	return call, func() {
		c.cancelMu.Lock()
		delete(c.activeCalls, key)
		c.cancelMu.Unlock()
	}
}

// handleCancelled honors an incoming notifications/cancelled by forwarding
// notifications/cancelled to the child a matching in-flight call was
// dispatched to. The call's reply sink is not resolved here: per MCP, a
// cancelled call whose child answers anyway still delivers that answer to
// the client.
func (c *Core) handleCancelled(msg protocol.Message) {
	var payload struct {
		RequestID json.RawMessage `json:"requestId"`
	}
	if err := json.Unmarshal(msg.Params, &payload); err != nil || payload.RequestID == nil {
		return
	}
	key := string(payload.RequestID)

	c.cancelMu.Lock()
	call, ok := c.activeCalls[key]
	c.cancelMu.Unlock()
	if !ok {
		return
	}

	slot, childID, ready := call.markCancelled()
	if !ready {
		// Dispatch has not yet assigned a child; activeCall.set will notice
		// the cancelled flag and forward it itself once it does.
		return
	}
	if err := slot.Cancel(childID); err != nil {
		slog.Warn("proxycore: failed to forward cancellation to child", "err", err)
	}
}
