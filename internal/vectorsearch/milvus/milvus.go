// Package milvus implements the vectorsearch backend for a Milvus
// collection, selected by config.VectorSearch.Backend == "milvus".
package milvus

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/jhd3197/cachibot/internal/model"
)

// Searcher queries a Milvus collection for the nearest chunks to a query
// embedding, scoped to one bot via a "bot_id" scalar field filter.
type Searcher struct {
	collection string
	client     client.Client
}

func New(address, collection string) (*Searcher, error) {
	if address == "" || collection == "" {
		return nil, fmt.Errorf("milvus: address and collection are required")
	}
	c, err := client.NewGrpcClient(context.Background(), address)
	if err != nil {
		return nil, fmt.Errorf("milvus: connect: %w", err)
	}
	return &Searcher{collection: collection, client: c}, nil
}

func (s *Searcher) Search(ctx context.Context, botID string, queryEmbedding []float32, topK int) ([]model.KnowledgeChunk, error) {
	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, fmt.Errorf("milvus: build search param: %w", err)
	}

	results, err := s.client.Search(ctx, s.collection, nil, fmt.Sprintf("bot_id == %q", botID),
		[]string{"id", "filename", "content"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding", entity.L2, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("milvus: search: %w", err)
	}

	var chunks []model.KnowledgeChunk
	for _, r := range results {
		idCol := r.Fields.GetColumn("id")
		filenameCol := r.Fields.GetColumn("filename")
		contentCol := r.Fields.GetColumn("content")
		for i := 0; i < r.ResultCount; i++ {
			chunk := model.KnowledgeChunk{BotID: botID}
			if idCol != nil {
				if v, err := idCol.GetAsString(i); err == nil {
					chunk.ID = v
				}
			}
			if filenameCol != nil {
				if v, err := filenameCol.GetAsString(i); err == nil {
					chunk.Filename = v
				}
			}
			if contentCol != nil {
				if v, err := contentCol.GetAsString(i); err == nil {
					chunk.Content = v
				}
			}
			if i < len(r.Scores) {
				chunk.Score = float64(r.Scores[i])
			}
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}
