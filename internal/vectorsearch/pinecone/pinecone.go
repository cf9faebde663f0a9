// Package pinecone implements the vectorsearch backend for a Pinecone
// index, selected by config.VectorSearch.Backend == "pinecone".
package pinecone

import (
	"context"
	"fmt"

	pc "github.com/pinecone-io/go-pinecone/pinecone"

	"github.com/jhd3197/cachibot/internal/model"
)

// Searcher queries a Pinecone index by vector, scoped to one bot via a
// "bot_id" metadata filter.
type Searcher struct {
	index *pc.IndexConnection
}

func New(apiKey, host string) (*Searcher, error) {
	if apiKey == "" || host == "" {
		return nil, fmt.Errorf("pinecone: api key and host are required")
	}
	client, err := pc.NewClient(pc.NewClientParams{ApiKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("pinecone: build client: %w", err)
	}
	idx, err := client.Index(pc.NewIndexConnParams{Host: host})
	if err != nil {
		return nil, fmt.Errorf("pinecone: connect index: %w", err)
	}
	return &Searcher{index: idx}, nil
}

func (s *Searcher) Search(ctx context.Context, botID string, queryEmbedding []float32, topK int) ([]model.KnowledgeChunk, error) {
	res, err := s.index.QueryByVectorValues(ctx, &pc.QueryByVectorValuesRequest{
		Vector:          queryEmbedding,
		TopK:            uint32(topK),
		IncludeMetadata: true,
		MetadataFilter: map[string]interface{}{
			"bot_id": botID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone: query: %w", err)
	}

	var chunks []model.KnowledgeChunk
	for _, match := range res.Matches {
		chunk := model.KnowledgeChunk{ID: match.Vector.Id, BotID: botID, Score: float64(match.Score)}
		if match.Vector.Metadata != nil {
			fields := match.Vector.Metadata.AsMap()
			if v, ok := fields["filename"].(string); ok {
				chunk.Filename = v
			}
			if v, ok := fields["content"].(string); ok {
				chunk.Content = v
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
