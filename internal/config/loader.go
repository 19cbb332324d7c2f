package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Load reads the JSON configuration file at path and returns a validated
// [Config]. Load does not consult editor configs: if path does not exist,
// the returned error wraps [os.ErrNotExist], and cmd/onmcp reports it as a
// usage error without calling [DetectEditorConfigs].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a JSON config from r and validates the result.
// Unlike the strict decoder this proxy's config once used in an earlier
// life, unknown fields are tolerated by design (spec section 6: "Unknown
// fields are ignored") since this file is often shared with other MCP
// clients that stash their own keys alongside ours.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := json.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode json: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes is a convenience wrapper used by the watcher, which already
// holds the file contents in memory for hashing.
func LoadFromBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every hard failure found; soft problems (an unusual
// but not invalid setting) are logged via slog.Warn instead of rejected,
// matching this proxy's tolerant config philosophy.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Settings.LogLevel != "" && !cfg.Settings.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("settings.logLevel %q is invalid; valid values: debug, info, warn, error, silent", cfg.Settings.LogLevel))
	}
	if cfg.Settings.Mode != "" && !cfg.Settings.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("settings.mode %q is invalid; valid values: discover, passthrough", cfg.Settings.Mode))
	}

	for name, srv := range cfg.Servers {
		prefix := fmt.Sprintf("servers[%s]", name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s: server name must not be empty", prefix))
		}
		if srv.Disabled {
			continue
		}
		if srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required", prefix))
		}
		if srv.PoolSize < 0 {
			errs = append(errs, fmt.Errorf("%s.pool_size must be >= 0, got %d", prefix, srv.PoolSize))
		}
		if srv.PoolSize > 8 {
			slog.Warn("server declares an unusually large pool — each slot is a live subprocess",
				"server", name, "pool_size", srv.PoolSize)
		}
	}

	return errors.Join(errs...)
}
