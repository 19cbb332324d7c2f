package stdiotransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/proxycore"
	"github.com/onmcp/onmcp/internal/schemacache"
	"github.com/onmcp/onmcp/internal/stdiotransport"
)

func TestServer_Run_EchoesInitializeResponse(t *testing.T) {
	cache := schemacache.New(t.TempDir() + "/cache.json")
	core := proxycore.New(cache, nil, config.Settings{Mode: config.ModeDiscover})
	core.RebuildIndex()

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n")
	var out bytes.Buffer

	srv := stdiotransport.New(core, in, &out)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var resp struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal reply: %v (raw: %s)", err, out.String())
	}
	if resp.ID != 1 {
		t.Fatalf("expected id 1, got %d", resp.ID)
	}
	var result struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ServerInfo.Name != "onmcp" {
		t.Fatalf("expected serverInfo.name=onmcp, got %q", result.ServerInfo.Name)
	}
}

func TestServer_Run_DiscardsUnparseableLines(t *testing.T) {
	cache := schemacache.New(t.TempDir() + "/cache.json")
	core := proxycore.New(cache, nil, config.Settings{Mode: config.ModeDiscover})

	in := strings.NewReader("not json\n{\"jsonrpc\":\"2.0\",\"method\":\"notifications/cancelled\",\"params\":{}}\n")
	var out bytes.Buffer

	srv := stdiotransport.New(core, in, &out)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output for a garbage line and a notification, got %q", out.String())
	}
}
