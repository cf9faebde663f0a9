package vectorsearch

import (
	"context"
	"testing"

	"github.com/jhd3197/cachibot/internal/config"
	"github.com/jhd3197/cachibot/internal/model"
)

type fakeKnowledgeStore struct {
	chunks []model.KnowledgeChunk
}

func (f *fakeKnowledgeStore) ListNotes(ctx context.Context, botID string) ([]model.Note, error) { return nil, nil }
func (f *fakeKnowledgeStore) CreateNote(ctx context.Context, n model.Note) (*model.Note, error) {
	return nil, nil
}
func (f *fakeKnowledgeStore) DeleteNote(ctx context.Context, id string) error { return nil }
func (f *fakeKnowledgeStore) ListContacts(ctx context.Context, botID string) ([]model.Contact, error) {
	return nil, nil
}
func (f *fakeKnowledgeStore) CreateContact(ctx context.Context, c model.Contact) (*model.Contact, error) {
	return nil, nil
}
func (f *fakeKnowledgeStore) DeleteContact(ctx context.Context, id string) error { return nil }
func (f *fakeKnowledgeStore) ListKnowledgeChunks(ctx context.Context, botID string) ([]model.KnowledgeChunk, [][]float32, error) {
	return f.chunks, make([][]float32, len(f.chunks)), nil
}
func (f *fakeKnowledgeStore) CreateKnowledgeChunk(ctx context.Context, c model.KnowledgeChunk, embedding []float32) (*model.KnowledgeChunk, error) {
	return nil, nil
}
func (f *fakeKnowledgeStore) DeleteKnowledgeChunksByFilename(ctx context.Context, botID, filename string) error {
	return nil
}

func TestLocalSearcher_RanksByTermOverlap(t *testing.T) {
	store := &fakeKnowledgeStore{chunks: []model.KnowledgeChunk{
		{ID: "1", Filename: "handbook.pdf", Content: "our refund policy allows returns within 30 days"},
		{ID: "2", Filename: "unrelated.pdf", Content: "shipping rates vary by region"},
	}}
	l := &LocalSearcher{store: store}

	results, err := l.Search(context.Background(), "bot-1", "what is the refund policy", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "1" {
		t.Errorf("expected refund chunk ranked first, got %+v", results[0])
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("expected matched chunk to score higher than unrelated chunk")
	}
}

func TestLocalSearcher_NoMatchesScoreZero(t *testing.T) {
	store := &fakeKnowledgeStore{chunks: []model.KnowledgeChunk{
		{ID: "1", Filename: "a.pdf", Content: "completely unrelated text"},
	}}
	l := &LocalSearcher{store: store}

	results, err := l.Search(context.Background(), "bot-1", "something else entirely", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Score != 0 {
		t.Errorf("expected a single zero-score result, got %+v", results)
	}
}

func TestNew_DefaultsToLocalFallbackWhenBackendNone(t *testing.T) {
	store := &fakeKnowledgeStore{}
	s, err := New(config.VectorSearch{Backend: "none"}, nil, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*LocalSearcher); !ok {
		t.Errorf("expected LocalSearcher for backend \"none\", got %T", s)
	}
}

func TestNew_UnknownBackendErrors(t *testing.T) {
	store := &fakeKnowledgeStore{}
	if _, err := New(config.VectorSearch{Backend: "not-a-real-backend"}, nil, store); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNew_MilvusWithoutConfigErrors(t *testing.T) {
	store := &fakeKnowledgeStore{}
	if _, err := New(config.VectorSearch{Backend: "milvus"}, nil, store); err == nil {
		t.Error("expected error when milvus backend selected without milvus config")
	}
}
