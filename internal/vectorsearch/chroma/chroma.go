// Package chroma implements the vectorsearch backend for a Chroma
// collection, selected by config.VectorSearch.Backend == "chroma".
package chroma

import (
	"context"
	"fmt"

	chromago "github.com/amikos-tech/chroma-go"
	"github.com/amikos-tech/chroma-go/types"

	"github.com/jhd3197/cachibot/internal/model"
)

// Searcher queries a Chroma collection by embedding, scoped to one bot via
// a "bot_id" metadata where-filter.
type Searcher struct {
	collectionName string
	client         *chromago.Client
}

func New(baseURL, collection string) (*Searcher, error) {
	if baseURL == "" || collection == "" {
		return nil, fmt.Errorf("chroma: base url and collection are required")
	}
	client, err := chromago.NewClient(chromago.WithBasePath(baseURL))
	if err != nil {
		return nil, fmt.Errorf("chroma: build client: %w", err)
	}
	return &Searcher{collectionName: collection, client: client}, nil
}

func (s *Searcher) Search(ctx context.Context, botID string, queryEmbedding []float32, topK int) ([]model.KnowledgeChunk, error) {
	col, err := s.client.GetCollection(ctx, s.collectionName, nil)
	if err != nil {
		return nil, fmt.Errorf("chroma: get collection: %w", err)
	}

	queryResult, err := col.QueryWithOptions(ctx,
		types.WithQueryEmbeddings(types.NewEmbeddingsFromFloat32([][]float32{queryEmbedding})),
		types.WithNResults(int32(topK)),
		types.WithWhereQuery(types.EqString("bot_id", botID)),
	)
	if err != nil {
		return nil, fmt.Errorf("chroma: query: %w", err)
	}

	var chunks []model.KnowledgeChunk
	if len(queryResult.Ids) == 0 {
		return chunks, nil
	}
	for i, id := range queryResult.Ids[0] {
		chunk := model.KnowledgeChunk{ID: id, BotID: botID}
		if i < len(queryResult.Documents[0]) {
			chunk.Content = queryResult.Documents[0][i]
		}
		if i < len(queryResult.Metadatas[0]) {
			if v, ok := queryResult.Metadatas[0][i]["filename"].(string); ok {
				chunk.Filename = v
			}
		}
		if i < len(queryResult.Distances[0]) {
			chunk.Score = 1 - float64(queryResult.Distances[0][i])
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
