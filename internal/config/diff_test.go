package config_test

import (
	"strings"
	"testing"

	"github.com/onmcp/onmcp/internal/config"
)

func mustLoad(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

func TestDiff_AddedRemovedChanged(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, `{"servers":{
		"keep":{"command":"a"},
		"drop":{"command":"b"},
		"mutate":{"command":"c","args":["--v1"]}
	}}`)
	updated := mustLoad(t, `{"servers":{
		"keep":{"command":"a"},
		"mutate":{"command":"c","args":["--v2"]},
		"new":{"command":"d"}
	}}`)

	d := config.Diff(old, updated)

	if !containsString(d.Added, "new") {
		t.Errorf("expected Added to contain 'new', got %v", d.Added)
	}
	if !containsString(d.Removed, "drop") {
		t.Errorf("expected Removed to contain 'drop', got %v", d.Removed)
	}
	if !containsString(d.Changed, "mutate") {
		t.Errorf("expected Changed to contain 'mutate', got %v", d.Changed)
	}
	if containsString(d.Changed, "keep") || containsString(d.Added, "keep") || containsString(d.Removed, "keep") {
		t.Errorf("'keep' should not appear in any diff bucket, got %+v", d)
	}
	if !d.ServersChanged() {
		t.Error("ServersChanged() should be true")
	}
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, `{"servers":{"a":{"command":"x"}}}`)
	d := config.Diff(cfg, cfg)
	if d.ServersChanged() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_DisablingServerIsRemoval(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, `{"servers":{"a":{"command":"x"}}}`)
	updated := mustLoad(t, `{"servers":{"a":{"command":"x","disabled":true}}}`)
	d := config.Diff(old, updated)
	if !containsString(d.Removed, "a") {
		t.Errorf("disabling a server should surface as Removed, got %+v", d)
	}
}

func containsString(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
