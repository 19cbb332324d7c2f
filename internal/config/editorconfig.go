package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// selfReferenceNeedles are substrings that mark a candidate server entry as
// referring to this proxy itself — importing it would spawn the proxy
// inside the proxy.
var selfReferenceNeedles = []string{"onmcp", "mcp-on-demand", "on-demand-mcp"}

// editorConfigCandidate names one well-known editor config file and how to
// locate it. Entries are tried in order; the first that exists and parses
// wins (spec section 4.8: "a fixed precedence list").
type editorConfigCandidate struct {
	Editor string
	Path   func() (string, error)
}

// editorConfigPrecedence lists the editor configs this proxy knows how to
// import from, in lookup order.
var editorConfigPrecedence = []editorConfigCandidate{
	{Editor: "claude-desktop", Path: claudeDesktopConfigPath},
	{Editor: "cursor", Path: dotfilePath(".cursor", "mcp.json")},
	{Editor: "windsurf", Path: dotfilePath(".codeium", "windsurf", "mcp_config.json")},
	{Editor: "vscode", Path: dotfilePath(".vscode", "mcp.json")},
}

func dotfilePath(parts ...string) func() (string, error) {
	return func() (string, error) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(append([]string{home}, parts...)...), nil
	}
}

func claudeDesktopConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Claude", "claude_desktop_config.json"), nil
	default:
		return filepath.Join(home, ".config", "Claude", "claude_desktop_config.json"), nil
	}
}

// rawEditorServerEntry is the lowest-common-denominator shape shared by
// every editor's MCP server block: command, args, env, and an optional
// disabled/url flag. DetectEditorConfigs decodes each candidate file with
// encoding/json into this shape.
type rawEditorServerEntry struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	URL      string            `json:"url"`
	Disabled bool              `json:"disabled"`
}

// rawEditorDocument covers the two key names editors use for their server
// map ("mcpServers" is the Claude Desktop / Cursor convention; "servers" is
// ours and a few others').
type rawEditorDocument struct {
	MCPServers map[string]rawEditorServerEntry `json:"mcpServers"`
	Servers    map[string]rawEditorServerEntry `json:"servers"`
}

// DetectEditorConfigs scans [editorConfigPrecedence] and returns the server
// map imported from the first well-known editor config file found, applying
// the exclusion rules from spec section 4.8: self-referencing entries,
// URL-only (remote) entries, disabled entries, and names starting with "_".
//
// Returns (nil, "", nil) if no editor config was found — this is not an
// error, since a fresh install legitimately has none yet.
func DetectEditorConfigs() (map[string]ServerSpec, string, error) {
	for _, candidate := range editorConfigPrecedence {
		path, err := candidate.Path()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Debug("editor config candidate unreadable", "editor", candidate.Editor, "path", path, "err", err)
			}
			continue
		}

		var doc rawEditorDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			slog.Warn("editor config candidate found but failed to parse — skipping", "editor", candidate.Editor, "path", path, "err", err)
			continue
		}

		merged := doc.MCPServers
		if len(merged) == 0 {
			merged = doc.Servers
		}
		if len(merged) == 0 {
			continue
		}

		servers := make(map[string]ServerSpec, len(merged))
		for name, raw := range merged {
			if shouldExcludeEditorEntry(name, raw) {
				continue
			}
			servers[name] = ServerSpec{
				Name:    name,
				Command: raw.Command,
				Args:    raw.Args,
				Env:     raw.Env,
			}
		}

		slog.Info("imported servers from editor config", "editor", candidate.Editor, "path", path, "count", len(servers))
		return servers, path, nil
	}

	return nil, "", nil
}

func shouldExcludeEditorEntry(name string, raw rawEditorServerEntry) bool {
	if raw.Disabled {
		return true
	}
	if strings.HasPrefix(name, "_") {
		return true
	}
	if raw.Command == "" && raw.URL != "" {
		// URL-only entries describe a remote server this proxy cannot spawn.
		return true
	}
	lowerName := strings.ToLower(name)
	lowerCmd := strings.ToLower(raw.Command)
	for _, needle := range selfReferenceNeedles {
		if strings.Contains(lowerName, needle) || strings.Contains(lowerCmd, needle) {
			return true
		}
	}
	return false
}
