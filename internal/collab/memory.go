package collab

import (
	"context"
	"sort"
	"strings"
	"sync"

	"conductor/internal/domain"
)

// MemoryRetrieval keeps memory in-process, ranked by token overlap. It is
// a real implementation, not a mock: ingested content is searchable and
// namespaces are isolated. It backs simulate mode and tests.
type MemoryRetrieval struct {
	mu    sync.RWMutex
	items map[string][]memoryItem
}

type memoryItem struct {
	content  string
	tokens   map[string]int
	metadata map[string]any
}

func NewMemoryRetrieval() *MemoryRetrieval {
	return &MemoryRetrieval{items: make(map[string][]memoryItem)}
}

func (m *MemoryRetrieval) Ingest(_ context.Context, namespace, content string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[namespace] = append(m.items[namespace], memoryItem{
		content:  content,
		tokens:   tokenize(content),
		metadata: metadata,
	})
	return nil
}

func (m *MemoryRetrieval) Search(_ context.Context, namespace, query string, topK int) ([]domain.SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	queryTokens := tokenize(query)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []domain.SearchResult
	for _, item := range m.items[namespace] {
		score := overlap(queryTokens, item.tokens)
		if score == 0 {
			continue
		}
		results = append(results, domain.SearchResult{
			Content:  item.content,
			Score:    score,
			Metadata: item.metadata,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Len reports how many items a namespace holds.
func (m *MemoryRetrieval) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items[namespace])
}

func tokenize(text string) map[string]int {
	tokens := make(map[string]int)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		token := strings.Trim(field, ".,;:!?()[]{}\"'`")
		if len(token) < 2 {
			continue
		}
		tokens[token]++
	}
	return tokens
}

func overlap(query, doc map[string]int) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for token := range query {
		if doc[token] > 0 {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}
