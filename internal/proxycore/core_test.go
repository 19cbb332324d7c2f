package proxycore_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/protocol"
	"github.com/onmcp/onmcp/internal/proxycore"
	"github.com/onmcp/onmcp/internal/schemacache"
)

func newCoreWithMathServer(t *testing.T, mode config.Mode) (*proxycore.Core, func()) {
	t.Helper()
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		t.Skip()
	}
	spec := mathServerSpec(t, "math-srv")
	children := newTestManager(t, spec)
	cache := schemacache.New(t.TempDir() + "/cache.json")

	core := proxycore.New(cache, children, config.Settings{Mode: mode})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	core.Generate(ctx, []config.ServerSpec{spec})

	return core, children.StopAll
}

func callRequest(t *testing.T, core *proxycore.Core, method string, params json.RawMessage) *protocol.Message {
	t.Helper()
	msg := protocol.NewRequest(json.RawMessage(`1`), method, params)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply := core.Dispatch(ctx, msg)
	if reply == nil {
		t.Fatalf("Dispatch(%s) returned no reply", method)
	}
	return reply
}

func TestToolsList_DiscoverMode_ExposesMetaToolsOnly(t *testing.T) {
	core, stop := newCoreWithMathServer(t, config.ModeDiscover)
	defer stop()

	reply := callRequest(t, core, "tools/list", json.RawMessage(`{}`))
	if reply.Error != nil {
		t.Fatalf("unexpected error: %v", reply.Error)
	}
	var page struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(reply.Result, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Tools) != 2 {
		t.Fatalf("expected exactly 2 meta-tools, got %d: %+v", len(page.Tools), page.Tools)
	}
	names := map[string]bool{}
	for _, tool := range page.Tools {
		names[tool.Name] = true
	}
	if !names["discover"] || !names["execute"] {
		t.Fatalf("expected discover and execute, got %+v", names)
	}
}

func TestToolsList_PassthroughMode_ExposesRealTools(t *testing.T) {
	core, stop := newCoreWithMathServer(t, config.ModePassthrough)
	defer stop()

	reply := callRequest(t, core, "tools/list", json.RawMessage(`{}`))
	var page struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(reply.Result, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Tools) != 1 || page.Tools[0].Name != "add" {
		t.Fatalf("expected single unprefixed tool 'add', got %+v", page.Tools)
	}
}

func TestToolsCall_Discover_FindsToolByKeyword(t *testing.T) {
	core, stop := newCoreWithMathServer(t, config.ModeDiscover)
	defer stop()

	reply := callRequest(t, core, "tools/call", json.RawMessage(`{"name":"discover","arguments":{"query":"add integers"}}`))
	if reply.Error != nil {
		t.Fatalf("unexpected error: %v", reply.Error)
	}
	var result struct {
		Query   string `json:"query"`
		Total   int    `json:"total"`
		Matches []struct {
			Server string `json:"server"`
			Tool   string `json:"tool_name"`
		} `json:"matches"`
	}
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Query != "add integers" {
		t.Fatalf("expected query echoed back, got %+v", result)
	}
	if len(result.Matches) == 0 || result.Matches[0].Tool != "add" {
		t.Fatalf("expected 'add' to be found, got %+v", result.Matches)
	}
	if result.Total != len(result.Matches) {
		t.Fatalf("expected total %d to match returned matches %d", result.Total, len(result.Matches))
	}
}

func TestToolsCall_Execute_ForwardsToChild(t *testing.T) {
	core, stop := newCoreWithMathServer(t, config.ModeDiscover)
	defer stop()

	params := json.RawMessage(`{"name":"execute","arguments":{"server":"math-srv","tool":"add","arguments":{"a":2,"b":2}}}`)
	reply := callRequest(t, core, "tools/call", params)
	if reply.Error != nil {
		t.Fatalf("unexpected error: %v", reply.Error)
	}
	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Content) == 0 || result.Content[0].Text != "4" {
		t.Fatalf("expected echoed result '4', got %+v", result.Content)
	}
}

func TestToolsCall_Execute_UnknownToolIsToolNotFound(t *testing.T) {
	core, stop := newCoreWithMathServer(t, config.ModeDiscover)
	defer stop()

	params := json.RawMessage(`{"name":"execute","arguments":{"server":"math-srv","tool":"nope","arguments":{}}}`)
	reply := callRequest(t, core, "tools/call", params)
	if reply.Error == nil {
		t.Fatal("expected tool_not_found error")
	}
	if reply.Error.Code != protocol.CodeToolNotFound {
		t.Fatalf("expected CodeToolNotFound, got %d: %s", reply.Error.Code, reply.Error.Message)
	}
}

func TestToolsCall_Discover_UnknownMetaToolIsToolNotFound(t *testing.T) {
	core, stop := newCoreWithMathServer(t, config.ModeDiscover)
	defer stop()

	reply := callRequest(t, core, "tools/call", json.RawMessage(`{"name":"subtract","arguments":{}}`))
	if reply.Error == nil || reply.Error.Code != protocol.CodeToolNotFound {
		t.Fatalf("expected tool_not_found for unrecognised meta-tool name, got %+v", reply.Error)
	}
}

func TestResourcesList_AggregatesAcrossServers(t *testing.T) {
	core, stop := newCoreWithMathServer(t, config.ModeDiscover)
	defer stop()

	// Warm math-srv first: Generate stops every server again once it has
	// harvested its schema, so the aggregate fan-out would otherwise skip it
	// as not ready and not persistent.
	warm := callRequest(t, core, "tools/call", json.RawMessage(`{"name":"execute","arguments":{"server":"math-srv","tool":"add","arguments":{"a":1,"b":1}}}`))
	if warm.Error != nil {
		t.Fatalf("unexpected warm-up error: %v", warm.Error)
	}

	reply := callRequest(t, core, "resources/list", json.RawMessage(`{}`))
	if reply.Error != nil {
		t.Fatalf("unexpected error: %v", reply.Error)
	}
	var page struct {
		Resources []struct {
			URI string `json:"uri"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(reply.Result, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Resources) != 1 || page.Resources[0].URI != "math-srv/notes.txt" {
		t.Fatalf("expected one server-prefixed resource, got %+v", page.Resources)
	}
}

func TestUnknownMethod_ReturnsMethodNotFound(t *testing.T) {
	core, stop := newCoreWithMathServer(t, config.ModeDiscover)
	defer stop()

	reply := callRequest(t, core, "totally/bogus", json.RawMessage(`{}`))
	if reply.Error == nil || reply.Error.Code != protocol.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", reply.Error)
	}
}
