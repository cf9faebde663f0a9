// Package weaviate implements the vectorsearch backend for a Weaviate
// class, selected by config.VectorSearch.Backend == "weaviate".
package weaviate

import (
	"context"
	"fmt"

	wvt "github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/jhd3197/cachibot/internal/model"
)

// Searcher queries a Weaviate class with a nearVector search, scoped to
// one bot via a "botId" property filter.
type Searcher struct {
	class  string
	client *wvt.Client
}

func New(scheme, host, class string) (*Searcher, error) {
	if host == "" || class == "" {
		return nil, fmt.Errorf("weaviate: host and class are required")
	}
	if scheme == "" {
		scheme = "http"
	}
	c, err := wvt.NewClient(wvt.Config{Scheme: scheme, Host: host})
	if err != nil {
		return nil, fmt.Errorf("weaviate: build client: %w", err)
	}
	return &Searcher{class: class, client: c}, nil
}

func (s *Searcher) Search(ctx context.Context, botID string, queryEmbedding []float32, topK int) ([]model.KnowledgeChunk, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(queryEmbedding)
	where := filters.Where().
		WithPath([]string{"botId"}).
		WithOperator(filters.Equal).
		WithValueString(botID)

	result, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithNearVector(nearVector).
		WithWhere(where).
		WithFields(
			graphql.Field{Name: "filename"},
			graphql.Field{Name: "content"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
		).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate: search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate: graphql error: %v", result.Errors[0].Message)
	}

	return parseResult(result.Data, s.class, botID), nil
}

// parseResult walks the untyped GraphQL response shape
// (Get.<class>[].{filename, content, _additional.{id, distance}}) into
// KnowledgeChunk values.
func parseResult(data map[string]interface{}, class, botID string) []model.KnowledgeChunk {
	var chunks []model.KnowledgeChunk

	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return chunks
	}
	rows, ok := get[class].([]interface{})
	if !ok {
		return chunks
	}

	for _, row := range rows {
		obj, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		chunk := model.KnowledgeChunk{BotID: botID}
		if v, ok := obj["filename"].(string); ok {
			chunk.Filename = v
		}
		if v, ok := obj["content"].(string); ok {
			chunk.Content = v
		}
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			if id, ok := additional["id"].(string); ok {
				chunk.ID = id
			}
			if distance, ok := additional["distance"].(float64); ok {
				chunk.Score = 1 - distance // cosine distance -> similarity
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
