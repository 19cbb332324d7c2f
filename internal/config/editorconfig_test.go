package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/onmcp/onmcp/internal/config"
)

func withFakeHome(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("editor config precedence list targets darwin/linux home layouts")
	}
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	return dir
}

func TestDetectEditorConfigs_NoneFound(t *testing.T) {
	withFakeHome(t)
	servers, path, err := config.DetectEditorConfigs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if servers != nil || path != "" {
		t.Fatalf("expected no editor config found, got servers=%v path=%q", servers, path)
	}
}

func TestDetectEditorConfigs_CursorImport(t *testing.T) {
	home := withFakeHome(t)
	cursorDir := filepath.Join(home, ".cursor")
	if err := os.MkdirAll(cursorDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	doc := `{"mcpServers":{
		"real":{"command":"/usr/bin/real-mcp","args":["--flag"]},
		"_hidden":{"command":"/usr/bin/hidden-mcp"},
		"disabled-one":{"command":"/usr/bin/x","disabled":true},
		"remote":{"url":"https://example.com/mcp"},
		"self":{"command":"/usr/bin/onmcp"}
	}}`
	if err := os.WriteFile(filepath.Join(cursorDir, "mcp.json"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write mcp.json: %v", err)
	}

	servers, path, err := config.DetectEditorConfigs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path == "" {
		t.Fatal("expected a non-empty source path")
	}
	if len(servers) != 1 {
		t.Fatalf("got %d servers, want exactly 1 (real): %+v", len(servers), servers)
	}
	got, ok := servers["real"]
	if !ok {
		t.Fatalf("expected 'real' server in result, got %+v", servers)
	}
	if got.Command != "/usr/bin/real-mcp" {
		t.Errorf("command: got %q, want /usr/bin/real-mcp", got.Command)
	}
}

func TestDetectEditorConfigs_ServersKeyFallback(t *testing.T) {
	home := withFakeHome(t)
	vscodeDir := filepath.Join(home, ".vscode")
	if err := os.MkdirAll(vscodeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	doc := `{"servers":{"alt":{"command":"/usr/bin/alt-mcp"}}}`
	if err := os.WriteFile(filepath.Join(vscodeDir, "mcp.json"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write mcp.json: %v", err)
	}

	servers, _, err := config.DetectEditorConfigs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(servers) != 1 || servers["alt"].Command != "/usr/bin/alt-mcp" {
		t.Fatalf("got %+v, want exactly alt", servers)
	}
}
