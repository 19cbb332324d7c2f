package config_test

import (
	"strings"
	"testing"

	"github.com/onmcp/onmcp/internal/config"
)

func TestLoadFromReader_Minimal(t *testing.T) {
	t.Parallel()
	doc := `{"servers":{"echo-srv":{"command":"/bin/echo-mcp"}}}`
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Servers) != 1 {
		t.Fatalf("servers: got %d, want 1", len(cfg.Servers))
	}
	if cfg.Settings.ModeOrDefault() != config.ModeDiscover {
		t.Errorf("default mode: got %q, want discover", cfg.Settings.ModeOrDefault())
	}
}

func TestLoadFromReader_UnknownFieldsIgnored(t *testing.T) {
	t.Parallel()
	doc := `{"servers":{},"settings":{"mode":"discover"},"dashboard":{"theme":"dark"}}`
	if _, err := config.LoadFromReader(strings.NewReader(doc)); err != nil {
		t.Fatalf("unexpected error for unknown top-level field: %v", err)
	}
}

func TestLoadFromReader_InvalidMode(t *testing.T) {
	t.Parallel()
	doc := `{"servers":{},"settings":{"mode":"bananas"}}`
	_, err := config.LoadFromReader(strings.NewReader(doc))
	if err == nil {
		t.Fatal("expected error for invalid mode")
	}
	if !strings.Contains(err.Error(), "mode") {
		t.Errorf("error should mention mode, got: %v", err)
	}
}

func TestLoadFromReader_MissingCommand(t *testing.T) {
	t.Parallel()
	doc := `{"servers":{"broken":{}}}`
	_, err := config.LoadFromReader(strings.NewReader(doc))
	if err == nil {
		t.Fatal("expected error for missing command")
	}
	if !strings.Contains(err.Error(), "command") {
		t.Errorf("error should mention command, got: %v", err)
	}
}

func TestLoadFromReader_DisabledServerSkipsCommandCheck(t *testing.T) {
	t.Parallel()
	doc := `{"servers":{"off":{"disabled":true}}}`
	if _, err := config.LoadFromReader(strings.NewReader(doc)); err != nil {
		t.Fatalf("disabled server without command should not fail validation: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnabledServers_ExcludesDisabled(t *testing.T) {
	t.Parallel()
	doc := `{"servers":{"a":{"command":"x"},"b":{"command":"y","disabled":true}}}`
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	enabled := cfg.EnabledServers()
	if len(enabled) != 1 || enabled[0].Name != "a" {
		t.Fatalf("enabled servers: got %+v, want exactly [a]", enabled)
	}
}
