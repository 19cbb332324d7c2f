package config_test

import (
	"testing"
	"time"

	"github.com/onmcp/onmcp/internal/config"
)

func TestServerSpec_EffectivePoolSize(t *testing.T) {
	t.Parallel()
	if got := (config.ServerSpec{}).EffectivePoolSize(); got != config.DefaultPoolSize {
		t.Errorf("got %d, want default %d", got, config.DefaultPoolSize)
	}
	if got := (config.ServerSpec{PoolSize: 4}).EffectivePoolSize(); got != 4 {
		t.Errorf("got %d, want 4", got)
	}
}

func TestServerSpec_EffectiveIdleTimeout(t *testing.T) {
	t.Parallel()
	global := 300 * time.Second
	if got := (config.ServerSpec{}).EffectiveIdleTimeout(global); got != global {
		t.Errorf("got %v, want global default %v", got, global)
	}
	spec := config.ServerSpec{IdleTimeoutSeconds: 5}
	if got := spec.EffectiveIdleTimeout(global); got != 5*time.Second {
		t.Errorf("got %v, want 5s override", got)
	}
}

func TestServerSpec_Equal(t *testing.T) {
	t.Parallel()
	a := config.ServerSpec{Command: "x", Args: []string{"--a"}, Env: map[string]string{"K": "V"}}
	b := config.ServerSpec{Command: "x", Args: []string{"--a"}, Env: map[string]string{"K": "V"}}
	if !a.Equal(b) {
		t.Fatal("expected equal specs to compare equal")
	}
	b.Args = []string{"--b"}
	if a.Equal(b) {
		t.Fatal("expected differing args to compare unequal")
	}
}

func TestSettings_Defaults(t *testing.T) {
	t.Parallel()
	var s config.Settings
	if s.IdleTimeout() != config.DefaultIdleTimeout {
		t.Errorf("IdleTimeout: got %v, want %v", s.IdleTimeout(), config.DefaultIdleTimeout)
	}
	if s.StartupTimeout() != config.DefaultStartupTimeout {
		t.Errorf("StartupTimeout: got %v, want %v", s.StartupTimeout(), config.DefaultStartupTimeout)
	}
	if s.ModeOrDefault() != config.ModeDiscover {
		t.Errorf("ModeOrDefault: got %v, want discover", s.ModeOrDefault())
	}
}

func TestConfig_EnabledServers_SortedByName(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Servers: map[string]config.ServerSpec{
		"zebra": {Command: "z"},
		"alpha": {Command: "a"},
		"mid":   {Command: "m"},
	}}
	got := cfg.EnabledServers()
	want := []string{"alpha", "mid", "zebra"}
	if len(got) != len(want) {
		t.Fatalf("got %d servers, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("position %d: got %q, want %q", i, got[i].Name, name)
		}
	}
}
