package search

import (
	"fmt"
	"sort"
	"strings"
)

// Catalog renders a compact, human-readable summary of every indexed tool
// grouped by server, for embedding in the discover meta-tool's own
// description so an LLM can browse servers without issuing a call.
//
// maxChars, when positive, truncates the rendered catalog at that many
// characters and appends a truncation marker, per spec section 9's mitigation
// for oversized deployments. A non-positive maxChars disables truncation.
func (idx *Index) Catalog(maxChars int) string {
	byServer := make(map[string][]string)
	for _, doc := range idx.docs {
		byServer[doc.Server] = append(byServer[doc.Server], doc.Tool)
	}

	servers := make([]string, 0, len(byServer))
	for server := range byServer {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	var b strings.Builder
	for i, server := range servers {
		tools := byServer[server]
		sort.Strings(tools)
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", server, strings.Join(tools, ", "))
	}

	out := b.String()
	if maxChars > 0 && len(out) > maxChars {
		out = out[:maxChars] + " …(truncated)"
	}
	return out
}
