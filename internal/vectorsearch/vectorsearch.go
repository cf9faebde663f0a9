// Package vectorsearch wires the knowledge context builder's relevant-
// document retrieval (spec.md §4.5 item 5) to a pluggable vector-store
// backend. The vector store and embedding model are out of this system's
// scope (spec.md's Non-goals) — the core only consumes them through the
// knowledge.VectorSearcher interface — so this package's job is narrow:
// select a backend from config.VectorSearch.Backend, embed the query text
// if an Embedder is configured, and delegate the similarity search.
package vectorsearch

import (
	"context"
	"fmt"

	"github.com/jhd3197/cachibot/internal/config"
	"github.com/jhd3197/cachibot/internal/knowledge"
	"github.com/jhd3197/cachibot/internal/model"
	"github.com/jhd3197/cachibot/internal/store"
	"github.com/jhd3197/cachibot/internal/vectorsearch/chroma"
	"github.com/jhd3197/cachibot/internal/vectorsearch/milvus"
	"github.com/jhd3197/cachibot/internal/vectorsearch/pgvector"
	"github.com/jhd3197/cachibot/internal/vectorsearch/pinecone"
	"github.com/jhd3197/cachibot/internal/vectorsearch/weaviate"
)

// Embedder turns query text into the embedding space a configured vector
// backend was populated with. Supplying one is the caller's responsibility
// (embedding model selection is out of scope here); New degrades to the
// lexical fallback when embedder is nil.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// backend is what each vectorsearch/<name> subpackage implements: a
// similarity search over a pre-computed query embedding.
type backend interface {
	Search(ctx context.Context, botID string, queryEmbedding []float32, topK int) ([]model.KnowledgeChunk, error)
}

// searcher adapts a backend (or the lexical fallback) to
// knowledge.VectorSearcher.
type searcher struct {
	embedder Embedder
	backend  backend
	fallback *LocalSearcher
}

var _ knowledge.VectorSearcher = (*searcher)(nil)

func (s *searcher) Search(ctx context.Context, botID, query string, topK int) ([]model.KnowledgeChunk, error) {
	if s.backend == nil || s.embedder == nil {
		return s.fallback.Search(ctx, botID, query, topK)
	}
	queryEmbedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vectorsearch: embed query: %w", err)
	}
	return s.backend.Search(ctx, botID, queryEmbedding, topK)
}

// New builds the configured backend, falling back to a lexical in-process
// search over store.KnowledgeStorer when backend is "none", unset, or no
// Embedder is supplied.
func New(cfg config.VectorSearch, embedder Embedder, chunkStore store.KnowledgeStorer) (knowledge.VectorSearcher, error) {
	fallback := &LocalSearcher{store: chunkStore}

	var b backend
	var err error
	switch cfg.Backend {
	case "", "none":
		return fallback, nil
	case "milvus":
		if cfg.Milvus == nil {
			return nil, fmt.Errorf("vectorsearch: milvus backend selected without milvus config")
		}
		b, err = milvus.New(cfg.Milvus.Address, cfg.Milvus.Collection)
	case "weaviate":
		if cfg.Weaviate == nil {
			return nil, fmt.Errorf("vectorsearch: weaviate backend selected without weaviate config")
		}
		b, err = weaviate.New(cfg.Weaviate.Scheme, cfg.Weaviate.Host, cfg.Weaviate.Class)
	case "pinecone":
		if cfg.Pinecone == nil {
			return nil, fmt.Errorf("vectorsearch: pinecone backend selected without pinecone config")
		}
		b, err = pinecone.New(cfg.Pinecone.APIKey, cfg.Pinecone.Host)
	case "chroma":
		if cfg.Chroma == nil {
			return nil, fmt.Errorf("vectorsearch: chroma backend selected without chroma config")
		}
		b, err = chroma.New(cfg.Chroma.BaseURL, cfg.Chroma.Collection)
	case "pgvector":
		if cfg.PGVector == nil {
			return nil, fmt.Errorf("vectorsearch: pgvector backend selected without pgvector config")
		}
		b, err = pgvector.New(cfg.PGVector.Datasource, cfg.PGVector.Table)
	default:
		return nil, fmt.Errorf("vectorsearch: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return &searcher{embedder: embedder, backend: b, fallback: fallback}, nil
}
