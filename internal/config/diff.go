package config

// ConfigDiff describes what changed between two configs, applying spec
// section 4.5's hot-reload rule: "removed servers are stopped; added
// servers are left empty (lazy); changed servers are stopped so the next
// request re-spawns with new arguments."
type ConfigDiff struct {
	Added           []string // server names present only in the new config
	Removed         []string // server names present only in the old config
	Changed         []string // server names present in both but with a different launch configuration
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// ServersChanged reports whether any server was added, removed, or changed.
func (d ConfigDiff) ServersChanged() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Changed) > 0
}

// Diff compares old and new configs and returns what changed. Disabled
// servers are treated as absent, so enabling or disabling a server surfaces
// as Added/Removed rather than Changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Settings.LogLevel != new.Settings.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Settings.LogLevel
	}

	oldServers := indexByName(old.EnabledServers())
	newServers := indexByName(new.EnabledServers())

	for name, oldSpec := range oldServers {
		newSpec, ok := newServers[name]
		if !ok {
			d.Removed = append(d.Removed, name)
			continue
		}
		if !oldSpec.Equal(newSpec) {
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range newServers {
		if _, ok := oldServers[name]; !ok {
			d.Added = append(d.Added, name)
		}
	}

	return d
}

func indexByName(specs []ServerSpec) map[string]ServerSpec {
	m := make(map[string]ServerSpec, len(specs))
	for _, s := range specs {
		m[s.Name] = s
	}
	return m
}
