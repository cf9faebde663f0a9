package vectorsearch

import (
	"context"
	"sort"
	"strings"

	"github.com/jhd3197/cachibot/internal/model"
	"github.com/jhd3197/cachibot/internal/store"
)

// LocalSearcher ranks knowledge chunks by plain term overlap against the
// query text instead of cosine similarity over an embedding. It is the
// default when no vector backend is configured (Backend: "none"), and the
// automatic fallback when a backend is configured but no Embedder was
// supplied to turn query text into a vector.
type LocalSearcher struct {
	store store.KnowledgeStorer
}

func (l *LocalSearcher) Search(ctx context.Context, botID, query string, topK int) ([]model.KnowledgeChunk, error) {
	if l.store == nil {
		return nil, nil
	}
	chunks, _, err := l.store.ListKnowledgeChunks(ctx, botID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		chunk model.KnowledgeChunk
		hits  int
	}
	ranked := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		haystack := strings.ToLower(c.Content)
		hits := 0
		for _, t := range terms {
			if len(t) < 3 {
				continue
			}
			hits += strings.Count(haystack, t)
		}
		ranked = append(ranked, scored{chunk: c, hits: hits})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].hits > ranked[j].hits })

	if topK <= 0 || topK > len(ranked) {
		topK = len(ranked)
	}

	out := make([]model.KnowledgeChunk, 0, topK)
	maxHits := 0
	for _, r := range ranked {
		if r.hits > maxHits {
			maxHits = r.hits
		}
	}
	for i := 0; i < topK; i++ {
		c := ranked[i].chunk
		if maxHits > 0 {
			c.Score = float64(ranked[i].hits) / float64(maxHits)
		} else {
			c.Score = 0
		}
		out = append(out, c)
	}
	return out, nil
}
