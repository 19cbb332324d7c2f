package childmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync/atomic"

	"github.com/onmcp/onmcp/internal/protocol"
)

// initializeResult is the subset of an MCP initialize response this manager
// cares about.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
}

// start launches the slot's process, performs the initialize handshake
// within startupTimeout, and transitions the slot to Ready. On any failure
// the slot is left in Failed state (not latched — a later ensure() call may
// retry) and the process, if started, is killed.
func (m *Manager) start(ctx context.Context, pool *ChildPool, slot *ChildSlot) error {
	slot.setState(StateStarting)

	startCtx, cancel := context.WithTimeout(ctx, m.startupTimeout)
	defer cancel()

	cmd := exec.Command(pool.spec.Command, pool.spec.Args...)
	for k, v := range pool.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = m.childStderr(pool.spec.Name)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		failErr := fmt.Errorf("childmanager: %s: stdin pipe: %w", pool.spec.Name, err)
		slot.setFailed(failErr)
		return failErr
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		failErr := fmt.Errorf("childmanager: %s: stdout pipe: %w", pool.spec.Name, err)
		slot.setFailed(failErr)
		return failErr
	}

	if err := cmd.Start(); err != nil {
		failErr := fmt.Errorf("childmanager: %s: start: %w", pool.spec.Name, err)
		slot.setFailed(failErr)
		return failErr
	}

	slot.mu.Lock()
	slot.cmd = cmd
	slot.stdin = stdin
	slot.mu.Unlock()
	slot.done = make(chan struct{})

	go m.readLoop(pool, slot, stdout)

	initID := fmt.Sprintf("%d", nextRequestID(slot))
	sink := slot.registerPending(initID)
	initParams, _ := json.Marshal(map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "onmcp", "version": "1"},
	})
	if err := slot.writeMessage(protocol.NewRequest(json.RawMessage(initID), "initialize", initParams)); err != nil {
		slot.releasePending(initID)
		m.killSlot(slot)
		failErr := fmt.Errorf("childmanager: %s: write initialize: %w", pool.spec.Name, err)
		slot.setFailed(failErr)
		return failErr
	}

	var resp protocol.Message
	select {
	case resp = <-sink:
	case <-startCtx.Done():
		slot.releasePending(initID)
		m.killSlot(slot)
		failErr := fmt.Errorf("childmanager: %s: initialize timed out: %w", pool.spec.Name, startCtx.Err())
		slot.setFailed(failErr)
		return failErr
	}

	if resp.Error != nil {
		m.killSlot(slot)
		failErr := fmt.Errorf("childmanager: %s: initialize error: %s", pool.spec.Name, resp.Error.Message)
		slot.setFailed(failErr)
		return failErr
	}

	var result initializeResult
	if len(resp.Result) > 0 {
		_ = json.Unmarshal(resp.Result, &result)
	}
	capabilities := make(map[string]bool, len(result.Capabilities))
	for name := range result.Capabilities {
		capabilities[name] = true
	}
	slot.mu.Lock()
	slot.protocolVersion = result.ProtocolVersion
	slot.capabilities = capabilities
	slot.mu.Unlock()

	if err := slot.writeMessage(protocol.NewNotification("notifications/initialized", nil)); err != nil {
		m.killSlot(slot)
		failErr := fmt.Errorf("childmanager: %s: write initialized notification: %w", pool.spec.Name, err)
		slot.setFailed(failErr)
		return failErr
	}

	slot.touchActivity()
	slot.setState(StateReady)
	return nil
}

func nextRequestID(slot *ChildSlot) int64 {
	return atomic.AddInt64(&slot.nextID, 1)
}
