// Package search implements the BM25 ranking engine over the tool catalog:
// one document per (server, tool) pair, tokenized from the server name,
// tool name, and description. A Jaro-Winkler fuzzy pass backs up BM25 when
// the query matches nothing exactly — useful for typo'd tool names.
package search

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/onmcp/onmcp/internal/schemacache"
)

const (
	k1 = 1.2
	b  = 0.75

	// fuzzyThreshold is the minimum Jaro-Winkler similarity accepted for the
	// no-exact-hits fallback pass.
	fuzzyThreshold = 0.80
)

// Document is one indexed tool.
type Document struct {
	Server      string
	Tool        string
	Description string
	Schema      schemacache.ToolSchema

	tokens    []string
	termFreq  map[string]int
}

// Match is one ranked search result.
type Match struct {
	Server      string
	Tool        string
	Description string
	Schema      schemacache.ToolSchema
	Relevance   float64
}

// Index is a built BM25 index over a snapshot of the schema cache. It is
// immutable once built; callers rebuild it whenever the cache changes.
type Index struct {
	docs       []Document
	postings   map[string][]int // token -> document indices containing it
	avgDocLen  float64
	docFreq    map[string]int // token -> number of documents containing it
}

// Build constructs an [Index] from every (server, tool) pair in catalog, as
// produced by [schemacache.Cache.All].
func Build(catalog map[string][]schemacache.ToolSchema) *Index {
	idx := &Index{
		postings: make(map[string][]int),
		docFreq:  make(map[string]int),
	}

	for server, tools := range catalog {
		for _, tool := range tools {
			doc := Document{
				Server:      server,
				Tool:        tool.Name,
				Description: tool.Description,
				Schema:      tool,
			}
			doc.tokens = documentTokens(server, tool.Name, tool.Description)
			doc.termFreq = termFrequencies(doc.tokens)
			idx.docs = append(idx.docs, doc)
		}
	}

	var totalLen int
	for i, doc := range idx.docs {
		totalLen += len(doc.tokens)
		seen := make(map[string]struct{}, len(doc.termFreq))
		for term := range doc.termFreq {
			idx.postings[term] = append(idx.postings[term], i)
			if _, ok := seen[term]; !ok {
				idx.docFreq[term]++
				seen[term] = struct{}{}
			}
		}
	}
	if len(idx.docs) > 0 {
		idx.avgDocLen = float64(totalLen) / float64(len(idx.docs))
	}
	return idx
}

// documentTokens builds the token bag for one tool: server and tool name
// tokens are included once more than the description to weight identifier
// matches above prose matches, per spec 4.3's requirement that an exact
// tool-name match outranks a description-only match.
func documentTokens(server, tool, description string) []string {
	identTokens := append(tokenize(server), tokenize(tool)...)
	tokens := append(append([]string{}, identTokens...), identTokens...)
	tokens = append(tokens, tokenize(description)...)
	return tokens
}

func termFrequencies(tokens []string) map[string]int {
	freq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	return freq
}

// Search ranks the catalog against query and returns the top maxResults
// documents. A non-positive maxResults means 10, and values above 30 are
// clamped to 30. An empty or whitespace-only
// query returns an error rather than a silent empty list.
func (idx *Index) Search(query string, maxResults int) ([]Match, error) {
	matches, _, err := idx.SearchWithTotal(query, maxResults)
	return matches, err
}

// SearchWithTotal behaves like Search but also reports the total number of
// documents that matched before truncation to maxResults, for callers that
// need to tell a client how many results were omitted.
func (idx *Index) SearchWithTotal(query string, maxResults int) ([]Match, int, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, 0, fmt.Errorf("search: query must not be empty")
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	if maxResults > 30 {
		maxResults = 30
	}

	queryTokens := tokenize(trimmed)
	if len(queryTokens) == 0 {
		return nil, 0, fmt.Errorf("search: query %q contains no indexable terms", query)
	}

	scores := make(map[int]float64)
	for _, term := range queryTokens {
		postings, ok := idx.postings[term]
		if !ok {
			continue
		}
		idf := idf(len(idx.docs), idx.docFreq[term])
		for _, docIdx := range postings {
			doc := idx.docs[docIdx]
			tf := float64(doc.termFreq[term])
			docLen := float64(len(doc.tokens))
			denom := tf + k1*(1-b+b*docLen/idx.avgDocLenOrOne())
			scores[docIdx] += idf * (tf * (k1 + 1) / denom)
		}
	}

	if len(scores) == 0 {
		fallback := idx.fuzzyFallback(trimmed, maxResults)
		return fallback, len(fallback), nil
	}

	matches := make([]Match, 0, len(scores))
	for docIdx, score := range scores {
		doc := idx.docs[docIdx]
		matches = append(matches, Match{
			Server:      doc.Server,
			Tool:        doc.Tool,
			Description: doc.Description,
			Schema:      doc.Schema,
			Relevance:   score,
		})
	}
	sortMatches(matches)
	total := len(matches)
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches, total, nil
}

func (idx *Index) avgDocLenOrOne() float64 {
	if idx.avgDocLen == 0 {
		return 1
	}
	return idx.avgDocLen
}

func idf(totalDocs, docFreq int) float64 {
	if docFreq == 0 {
		return 0
	}
	return math.Log(1 + (float64(totalDocs)-float64(docFreq)+0.5)/(float64(docFreq)+0.5))
}

// fuzzyFallback runs when BM25 finds zero postings for every query token —
// typically a typo'd tool name. It scores every document's tool name
// against the raw query with Jaro-Winkler similarity and keeps matches
// above fuzzyThreshold.
func (idx *Index) fuzzyFallback(query string, maxResults int) []Match {
	lowerQuery := strings.ToLower(query)
	var matches []Match
	for _, doc := range idx.docs {
		score := matchr.JaroWinkler(lowerQuery, strings.ToLower(doc.Tool), false)
		if s := matchr.JaroWinkler(lowerQuery, strings.ToLower(doc.Server+" "+doc.Tool), false); s > score {
			score = s
		}
		if score < fuzzyThreshold {
			continue
		}
		matches = append(matches, Match{
			Server:      doc.Server,
			Tool:        doc.Tool,
			Description: doc.Description,
			Schema:      doc.Schema,
			Relevance:   score,
		})
	}
	sortMatches(matches)
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches
}

// sortMatches orders by descending relevance; ties break by shorter tool
// name, then lexicographic, per spec 4.3.
func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Relevance != matches[j].Relevance {
			return matches[i].Relevance > matches[j].Relevance
		}
		if len(matches[i].Tool) != len(matches[j].Tool) {
			return len(matches[i].Tool) < len(matches[j].Tool)
		}
		return matches[i].Tool < matches[j].Tool
	})
}

// DocumentCount returns the number of indexed tools, used by the status CLI.
func (idx *Index) DocumentCount() int {
	return len(idx.docs)
}

// TokenCount returns the total number of indexed tokens across all
// documents, used by the status CLI.
func (idx *Index) TokenCount() int {
	total := 0
	for _, doc := range idx.docs {
		total += len(doc.tokens)
	}
	return total
}
