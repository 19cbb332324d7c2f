package proxycore

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/schemacache"
)

// toolListEntry is the wire shape of one entry in tools/list's result.
type toolListEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// handleToolsList returns the two meta-tools in discover mode, or the full
// flattened catalog (prefixed on collision) in passthrough mode.
func (c *Core) handleToolsList() (json.RawMessage, error) {
	settings := c.currentSettings()
	if settings.ModeOrDefault() == config.ModePassthrough {
		return c.passthroughToolsList(settings)
	}
	return c.discoverToolsList()
}

func (c *Core) discoverToolsList() (json.RawMessage, error) {
	idx := c.currentIndex()
	catalog := ""
	if idx != nil {
		catalog = idx.Catalog(catalogCharBudget)
	}

	discoverDesc := "Search the available tool catalog by keyword and return the best-matching tools, " +
		"each with its full input schema. Use this before calling execute. " +
		"Known servers and tools: " + catalog
	executeDesc := "Invoke a tool previously returned by discover. Provide the exact server and tool " +
		"names from the discover result along with the arguments the tool's schema requires."

	tools := []toolListEntry{
		{
			Name:        toolDiscover,
			Description: discoverDesc,
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":      map[string]any{"type": "string", "description": "keywords describing the desired capability"},
					"max_results": map[string]any{"type": "integer", "description": "maximum number of tools to return (default 10, max 30)"},
				},
				"required": []string{"query"},
			}),
		},
		{
			Name:        toolExecute,
			Description: executeDesc,
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"server":    map[string]any{"type": "string"},
					"tool":      map[string]any{"type": "string"},
					"arguments": map[string]any{"type": "object"},
				},
				"required": []string{"server", "tool", "arguments"},
			}),
		},
	}
	return json.Marshal(map[string]any{"tools": tools})
}

func (c *Core) passthroughToolsList(settings config.Settings) (json.RawMessage, error) {
	all := c.cache.All()

	servers := make([]string, 0, len(all))
	for server := range all {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	counts := make(map[string]int)
	for _, server := range servers {
		for _, tool := range all[server] {
			counts[strings.ToLower(tool.Name)]++
		}
	}

	var tools []toolListEntry
	for _, server := range servers {
		for _, tool := range all[server] {
			name := tool.Name
			if settings.PrefixTools || counts[strings.ToLower(tool.Name)] > 1 {
				name = prefixedName(server, tool.Name)
			}
			tools = append(tools, toolListEntry{
				Name:        name,
				Description: tool.Description,
				InputSchema: schemaToRaw(tool),
			})
		}
	}
	return json.Marshal(map[string]any{"tools": tools})
}

func schemaToRaw(tool schemacache.ToolSchema) json.RawMessage {
	if tool.InputSchema == nil {
		return nil
	}
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil
	}
	return raw
}

func mustSchema(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
