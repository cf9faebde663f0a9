package sqlite3

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"

	"github.com/jhd3197/cachibot/internal/model"
)

// ─── Notes ───

// ListNotes returns every note for botID. Ranking against the inbound
// message (text-match then recency) happens in internal/knowledge, which
// keeps the store free of query-time relevance logic.
func (s *SQLite) ListNotes(ctx context.Context, botID string) ([]model.Note, error) {
	query, _, err := s.goqu.From(s.tableNotes).
		Select("id", "bot_id", "title", "content", "tags_json", "updated_at").
		Where(goqu.I("bot_id").Eq(botID)).
		Order(goqu.I("updated_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list notes query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var result []model.Note
	for rows.Next() {
		var n model.Note
		var tagsJSON, updatedAt string
		if err := rows.Scan(&n.ID, &n.BotID, &n.Title, &n.Content, &tagsJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan note row: %w", err)
		}
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &n.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal note tags: %w", err)
			}
		}
		n.UpdatedAt = parseTime(updatedAt)
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *SQLite) CreateNote(ctx context.Context, n model.Note) (*model.Note, error) {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	tagsJSON, err := json.Marshal(n.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal note tags: %w", err)
	}
	query, _, err := s.goqu.Insert(s.tableNotes).Rows(goqu.Record{
		"id":         n.ID,
		"bot_id":     n.BotID,
		"title":      n.Title,
		"content":    n.Content,
		"tags_json":  string(tagsJSON),
		"updated_at": formatTime(n.UpdatedAt),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create note query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}
	return &n, nil
}

func (s *SQLite) DeleteNote(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableNotes).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete note query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete note %s: %w", id, err)
	}
	return nil
}

// ─── Contacts ───

func (s *SQLite) ListContacts(ctx context.Context, botID string) ([]model.Contact, error) {
	query, _, err := s.goqu.From(s.tableContacts).
		Select("id", "bot_id", "name", "details").
		Where(goqu.I("bot_id").Eq(botID)).
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list contacts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var result []model.Contact
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.ID, &c.BotID, &c.Name, &c.Details); err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *SQLite) CreateContact(ctx context.Context, c model.Contact) (*model.Contact, error) {
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	query, _, err := s.goqu.Insert(s.tableContacts).Rows(goqu.Record{
		"id":      c.ID,
		"bot_id":  c.BotID,
		"name":    c.Name,
		"details": c.Details,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create contact query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return &c, nil
}

func (s *SQLite) DeleteContact(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableContacts).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete contact query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete contact %s: %w", id, err)
	}
	return nil
}

// ─── Knowledge chunks ───

// ListKnowledgeChunks returns every chunk for botID along with its stored
// embedding, for the in-process cosine-similarity fallback backend
// (internal/vectorsearch) to score against the query embedding.
func (s *SQLite) ListKnowledgeChunks(ctx context.Context, botID string) ([]model.KnowledgeChunk, [][]float32, error) {
	query, _, err := s.goqu.From(s.tableKnowledge).
		Select("id", "bot_id", "filename", "content", "embedding_json").
		Where(goqu.I("bot_id").Eq(botID)).
		ToSQL()
	if err != nil {
		return nil, nil, fmt.Errorf("build list knowledge chunks query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("list knowledge chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.KnowledgeChunk
	var embeddings [][]float32
	for rows.Next() {
		var c model.KnowledgeChunk
		var embeddingJSON string
		if err := rows.Scan(&c.ID, &c.BotID, &c.Filename, &c.Content, &embeddingJSON); err != nil {
			return nil, nil, fmt.Errorf("scan knowledge chunk row: %w", err)
		}
		var embedding []float32
		if embeddingJSON != "" {
			if err := json.Unmarshal([]byte(embeddingJSON), &embedding); err != nil {
				return nil, nil, fmt.Errorf("unmarshal knowledge chunk embedding: %w", err)
			}
		}
		chunks = append(chunks, c)
		embeddings = append(embeddings, embedding)
	}
	return chunks, embeddings, rows.Err()
}

func (s *SQLite) CreateKnowledgeChunk(ctx context.Context, c model.KnowledgeChunk, embedding []float32) (*model.KnowledgeChunk, error) {
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("marshal knowledge chunk embedding: %w", err)
	}
	query, _, err := s.goqu.Insert(s.tableKnowledge).Rows(goqu.Record{
		"id":             c.ID,
		"bot_id":         c.BotID,
		"filename":       c.Filename,
		"content":        c.Content,
		"embedding_json": string(embeddingJSON),
		"created_at":     formatTime(time.Now().UTC()),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create knowledge chunk query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create knowledge chunk: %w", err)
	}
	return &c, nil
}

func (s *SQLite) DeleteKnowledgeChunksByFilename(ctx context.Context, botID, filename string) error {
	query, _, err := s.goqu.Delete(s.tableKnowledge).
		Where(goqu.I("bot_id").Eq(botID), goqu.I("filename").Eq(filename)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete knowledge chunks query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete knowledge chunks for %s/%s: %w", botID, filename, err)
	}
	return nil
}
