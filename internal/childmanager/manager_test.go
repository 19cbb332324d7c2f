package childmanager_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/onmcp/onmcp/internal/childmanager"
	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/protocol"
)

// TestMain re-execs the test binary as a fake MCP server when
// GO_WANT_HELPER_PROCESS is set, following the standard library's
// os/exec helper-process technique — there is no stdio-MCP-server stub
// anywhere in the reference corpus, so the process under test here really
// is this binary, driven over its own stdin/stdout.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runFakeServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runFakeServer implements just enough of MCP to exercise the manager:
// initialize, tools/list (one tool "echo"), and tools/call (echoes its
// arguments back as the result).
//
// If GO_HELPER_CRASH_SENTINEL names a file that does not yet exist, the
// first tools/call creates that file and exits without responding —
// simulating a crash mid-call. Because the sentinel survives the process,
// the respawned instance the manager starts on retry behaves normally,
// modeling a backend that crashes exactly once across its process lifetime
// rather than on every invocation.
func runFakeServer() {
	sentinel := os.Getenv("GO_HELPER_CRASH_SENTINEL")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		msg, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		switch msg.Method {
		case "initialize":
			result, _ := json.Marshal(map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": map[string]any{}},
			})
			writeMsg(protocol.NewResult(msg.ID, result))
		case "notifications/initialized":
			// no reply
		case "tools/list":
			result, _ := json.Marshal(map[string]any{
				"tools": []map[string]any{
					{"name": "echo", "description": "echoes its input"},
				},
			})
			writeMsg(protocol.NewResult(msg.ID, result))
		case "tools/call":
			if sentinel != "" {
				if _, err := os.Stat(sentinel); os.IsNotExist(err) {
					_ = os.WriteFile(sentinel, []byte("crashed"), 0o644)
					os.Exit(1) // crash before responding
				}
			}
			writeMsg(protocol.NewResult(msg.ID, msg.Params))
		default:
			writeMsg(protocol.NewError(msg.ID, protocol.CodeMethodNotFound, "unknown method", nil))
		}
	}
}

func writeMsg(msg protocol.Message) {
	wire, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	fmt.Fprintf(os.Stdout, "%s\n", wire)
}

func helperCommand(t *testing.T, env ...string) (string, []string, map[string]string) {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	envMap := map[string]string{"GO_WANT_HELPER_PROCESS": "1"}
	for i := 0; i+1 < len(env); i += 2 {
		envMap[env[i]] = env[i+1]
	}
	return self, []string{"-test.run=^TestMain$"}, envMap
}

func newTestManager(t *testing.T, name string, env ...string) *childmanager.Manager {
	t.Helper()
	self, args, envMap := helperCommand(t, env...)
	spec := config.ServerSpec{
		Name:    name,
		Command: self,
		Args:    args,
		Env:     envMap,
	}
	return childmanager.New([]config.ServerSpec{spec}, childmanager.WithStartupTimeout(5*time.Second))
}

func TestManager_EnsureAndCall(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		t.Skip()
	}
	m := newTestManager(t, "echo-srv")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := m.Call(ctx, "echo-srv", "tools/call", json.RawMessage(`{"name":"echo","arguments":{"text":"hi"}}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded["name"] != "echo" {
		t.Errorf("expected echoed name field, got %+v", decoded)
	}
	m.StopAll()
}

func TestManager_CaseInsensitiveServerLookup(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		t.Skip()
	}
	m := newTestManager(t, "GitHub")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := m.Call(ctx, "github", "tools/list", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("lower-case lookup: %v", err)
	}
	if _, err := m.Call(ctx, "GITHUB", "tools/list", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("upper-case lookup: %v", err)
	}
	m.StopAll()
}

func TestManager_UnknownServer(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		t.Skip()
	}
	m := childmanager.New(nil)
	_, err := m.Call(context.Background(), "nope", "tools/list", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestManager_CrashRetrySucceeds(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		t.Skip()
	}
	sentinel := t.TempDir() + "/crashed-once"
	m := newTestManager(t, "flaky-srv", "GO_HELPER_CRASH_SENTINEL", sentinel)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The first process instance crashes mid-call; the manager's
	// retry-once logic must mask this entirely from the caller.
	_, err1 := m.Call(ctx, "flaky-srv", "tools/call", json.RawMessage(`{"name":"echo","arguments":{}}`))
	if err1 != nil {
		t.Fatalf("first call should succeed via internal restart-and-retry, got: %v", err1)
	}

	_, err2 := m.Call(ctx, "flaky-srv", "tools/call", json.RawMessage(`{"name":"echo","arguments":{}}`))
	if err2 != nil {
		t.Fatalf("second call should succeed against the now-stable respawned process: %v", err2)
	}
	m.StopAll()
}

func TestManager_IdleReap(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		t.Skip()
	}
	self, args, envMap := helperCommand(t)
	spec := config.ServerSpec{
		Name:    "idle-srv",
		Command: self,
		Args:    args,
		Env:     envMap,
	}
	m := childmanager.New([]config.ServerSpec{spec},
		childmanager.WithStartupTimeout(5*time.Second),
		childmanager.WithIdleTimeout(100*time.Millisecond),
		childmanager.WithReapInterval(50*time.Millisecond),
	)
	defer m.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.Call(ctx, "idle-srv", "tools/list", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("call: %v", err)
	}

	m.StartReaper()
	defer m.StopReaper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.ServerState("idle-srv") != childmanager.StateReady.String() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected idle-srv slot to be reaped within the deadline")
}
