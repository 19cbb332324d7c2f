package childmanager

import "strings"

// SlotStatus is a point-in-time snapshot of one ChildSlot's state, for the
// status CLI.
type SlotStatus struct {
	State     string
	InFlight  int
	LastError string // empty unless the slot's most recent start/run attempt failed
}

// ServerStatus summarizes one pool for the status CLI: every slot's state
// plus whether the server is exempt from idle reaping.
type ServerStatus struct {
	Server      string
	Persistent  bool
	PoolSize    int
	Slots       []SlotStatus
	BreakerOpen bool
}

// Status returns a snapshot of every known pool, sorted by the caller if
// desired (callers typically sort by Server for stable CLI output).
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	pools := make([]*ChildPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(pools))
	for _, pool := range pools {
		slots := pool.all()
		status := ServerStatus{
			Server:      pool.spec.Name,
			Persistent:  pool.spec.Persistent,
			PoolSize:    len(slots),
			Slots:       make([]SlotStatus, len(slots)),
			BreakerOpen: pool.breaker.State().String() == "open",
		}
		for i, slot := range slots {
			slotStatus := SlotStatus{State: slot.State().String(), InFlight: slot.InFlight()}
			if lastErr := slot.LastError(); lastErr != nil {
				slotStatus.LastError = lastErr.Error()
			}
			status.Slots[i] = slotStatus
		}
		out = append(out, status)
	}
	return out
}

// ServerState returns the state of the first slot in server's pool, as a
// string, or "" if the server is unknown. Tests and the status CLI use this
// for a quick single-slot check; [Status] is the full multi-slot view.
func (m *Manager) ServerState(server string) string {
	pool, ok := m.pool(server)
	if !ok {
		return ""
	}
	slots := pool.all()
	if len(slots) == 0 {
		return ""
	}
	return strings.ToLower(slots[0].State().String())
}
