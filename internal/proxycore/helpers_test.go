package proxycore_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/onmcp/onmcp/internal/childmanager"
	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/protocol"
)

// TestMain re-execs this binary as a fake MCP server when
// GO_WANT_HELPER_PROCESS is set, the same technique used in
// internal/childmanager's tests, since the reference corpus has no
// stdio-MCP-server stub to drive these fan-out and discovery paths against.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runFakeMathServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runFakeMathServer exposes one tool ("add") and one resource/prompt, enough
// to exercise discover search, execute forwarding, and the resources/prompts
// aggregation fan-out.
func runFakeMathServer() {
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
		case "tools/list":
			result, _ := json.Marshal(map[string]any{
				"tools": []map[string]any{
					{"name": "add", "description": "adds two integers together"},
				},
			})
			writeMsg(protocol.NewResult(msg.ID, result))
		case "tools/call":
			var call struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			_ = json.Unmarshal(msg.Params, &call)
			result, _ := json.Marshal(map[string]any{"content": []map[string]any{{"type": "text", "text": "4"}}})
			writeMsg(protocol.NewResult(msg.ID, result))
		case "resources/list":
			result, _ := json.Marshal(map[string]any{
				"resources": []map[string]any{{"uri": "notes.txt", "name": "notes"}},
			})
			writeMsg(protocol.NewResult(msg.ID, result))
		case "prompts/list":
			result, _ := json.Marshal(map[string]any{
				"prompts": []map[string]any{{"name": "greeting"}},
			})
			writeMsg(protocol.NewResult(msg.ID, result))
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

func mathServerSpec(t *testing.T, name string) config.ServerSpec {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return config.ServerSpec{
		Name:    name,
		Command: self,
		Args:    []string{"-test.run=^TestMain$"},
		Env:     map[string]string{"GO_WANT_HELPER_PROCESS": "1"},
	}
}

func newTestManager(t *testing.T, specs ...config.ServerSpec) *childmanager.Manager {
	t.Helper()
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		return nil
	}
	return childmanager.New(specs, childmanager.WithStartupTimeout(5*time.Second))
}
