// Package config provides the configuration schema, loader, editor-config
// detection, and hot-reload diffing for the on-demand MCP proxy.
package config

import "time"

// DefaultIdleTimeout is applied to a server with no per-server or global
// idleTimeout set.
const DefaultIdleTimeout = 300 * time.Second

// DefaultStartupTimeout bounds how long the child manager waits for a
// freshly spawned child to answer "initialize".
const DefaultStartupTimeout = 30 * time.Second

// DefaultPoolSize is used when a ServerSpec omits pool_size.
const DefaultPoolSize = 1

// Mode selects how tools are surfaced to the upstream client.
type Mode string

const (
	// ModeDiscover exposes exactly the two meta-tools (discover, execute).
	ModeDiscover Mode = "discover"

	// ModePassthrough exposes every cached tool directly, prefixed on collision.
	ModePassthrough Mode = "passthrough"
)

// IsValid reports whether m is a recognised mode. The empty mode is not
// valid here; callers should apply [Settings.ModeOrDefault] first.
func (m Mode) IsValid() bool {
	return m == ModeDiscover || m == ModePassthrough
}

// LogLevel controls slog verbosity, including the silent level this proxy
// adds for embedding in editors that dislike stderr chatter.
type LogLevel string

const (
	LogLevelDebug  LogLevel = "debug"
	LogLevelInfo   LogLevel = "info"
	LogLevelWarn   LogLevel = "warn"
	LogLevelError  LogLevel = "error"
	LogLevelSilent LogLevel = "silent"
)

// IsValid reports whether l is one of the five recognised levels (or empty).
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelSilent, "":
		return true
	default:
		return false
	}
}

// Config is the root configuration document, decoded from the primary
// config file described in spec section 6. Unknown JSON fields are ignored
// by design (see [LoadFromReader]) so that editors sharing this file with
// their own extensions do not trip validation.
type Config struct {
	Servers  map[string]ServerSpec `json:"servers"`
	Settings Settings              `json:"settings"`
}

// ServerSpec is the declared, immutable-within-an-epoch configuration for
// one backend MCP server.
type ServerSpec struct {
	// Name is populated from the map key during decode; it is not itself a
	// JSON field. Kept here so a ServerSpec can travel alone (e.g. in a
	// hot-reload diff) without losing its identity.
	Name string `json:"-"`

	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// PoolSize is the number of concurrent ChildSlots this server may run.
	// Zero means unset; callers should use [ServerSpec.EffectivePoolSize].
	PoolSize int `json:"pool_size,omitempty"`

	// Persistent servers are exempt from idle reaping.
	Persistent bool `json:"persistent,omitempty"`

	Disabled bool `json:"disabled,omitempty"`

	// IdleTimeoutSeconds overrides settings.idleTimeout for this server.
	// Zero means "inherit the global default".
	IdleTimeoutSeconds int `json:"idleTimeout,omitempty"`
}

// EffectivePoolSize returns s.PoolSize, or [DefaultPoolSize] if unset.
func (s ServerSpec) EffectivePoolSize() int {
	if s.PoolSize <= 0 {
		return DefaultPoolSize
	}
	return s.PoolSize
}

// EffectiveIdleTimeout returns the idle timeout that applies to this
// server: its own override if set, otherwise globalDefault.
func (s ServerSpec) EffectiveIdleTimeout(globalDefault time.Duration) time.Duration {
	if s.IdleTimeoutSeconds <= 0 {
		return globalDefault
	}
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// Equal reports whether s and other describe the same launch configuration
// (used by the hot-reload diff to decide whether a server "changed").
func (s ServerSpec) Equal(other ServerSpec) bool {
	if s.Command != other.Command || s.PoolSize != other.PoolSize ||
		s.Persistent != other.Persistent || s.Disabled != other.Disabled ||
		s.IdleTimeoutSeconds != other.IdleTimeoutSeconds {
		return false
	}
	if len(s.Args) != len(other.Args) {
		return false
	}
	for i := range s.Args {
		if s.Args[i] != other.Args[i] {
			return false
		}
	}
	if len(s.Env) != len(other.Env) {
		return false
	}
	for k, v := range s.Env {
		if other.Env[k] != v {
			return false
		}
	}
	return true
}

// Settings holds proxy-wide tunables.
type Settings struct {
	Mode               Mode     `json:"mode,omitempty"`
	IdleTimeoutSeconds int      `json:"idleTimeout,omitempty"`
	StartupTimeoutMs   int      `json:"startupTimeout,omitempty"`
	PrefixTools        bool     `json:"prefixTools,omitempty"`
	LogLevel           LogLevel `json:"logLevel,omitempty"`
	Health             Health   `json:"health,omitempty"`
}

// Health configures the child-manager's auto-restart circuit breaker.
type Health struct {
	CheckIntervalSeconds int  `json:"checkInterval,omitempty"`
	AutoRestart          bool `json:"autoRestart,omitempty"`
}

// ModeOrDefault returns s.Mode, defaulting to [ModeDiscover].
func (s Settings) ModeOrDefault() Mode {
	if s.Mode == "" {
		return ModeDiscover
	}
	return s.Mode
}

// IdleTimeout returns the configured global idle timeout, or
// [DefaultIdleTimeout] if unset.
func (s Settings) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds <= 0 {
		return DefaultIdleTimeout
	}
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// StartupTimeout returns the configured child-startup window, or
// [DefaultStartupTimeout] if unset.
func (s Settings) StartupTimeout() time.Duration {
	if s.StartupTimeoutMs <= 0 {
		return DefaultStartupTimeout
	}
	return time.Duration(s.StartupTimeoutMs) * time.Millisecond
}

// CheckInterval returns the configured health-check cadence, defaulting to
// 30s — the same cadence spec section 4.4 mandates for the idle reaper.
func (h Health) CheckInterval() time.Duration {
	if h.CheckIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(h.CheckIntervalSeconds) * time.Second
}

// EnabledServers returns a name-sorted snapshot of every non-disabled
// server in cfg, with Name populated from the map key.
func (c *Config) EnabledServers() []ServerSpec {
	out := make([]ServerSpec, 0, len(c.Servers))
	for name, spec := range c.Servers {
		if spec.Disabled {
			continue
		}
		spec.Name = name
		out = append(out, spec)
	}
	sortServerSpecs(out)
	return out
}

// AllServers is like [Config.EnabledServers] but includes disabled entries,
// used by the "status" CLI surface to report everything it knows about.
func (c *Config) AllServers() []ServerSpec {
	out := make([]ServerSpec, 0, len(c.Servers))
	for name, spec := range c.Servers {
		spec.Name = name
		out = append(out, spec)
	}
	sortServerSpecs(out)
	return out
}

func sortServerSpecs(specs []ServerSpec) {
	// Simple insertion sort: server counts are small (tens, not thousands)
	// and this keeps config-order-independent callers (diffing, cold-cache
	// generation) deterministic without pulling in "sort" for one call site.
	for i := 1; i < len(specs); i++ {
		j := i
		for j > 0 && specs[j-1].Name > specs[j].Name {
			specs[j-1], specs[j] = specs[j], specs[j-1]
			j--
		}
	}
}
