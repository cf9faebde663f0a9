// Package pgvector implements the vectorsearch backend for a pgvector-
// enabled Postgres table, selected by config.VectorSearch.Backend ==
// "pgvector". Unlike the other backends this one is a plain SQL query
// using database/sql plus pgvector-go's Vector wire encoding, since
// pgvector is a Postgres extension rather than a standalone service.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/jhd3197/cachibot/internal/model"
)

// Searcher queries table for the nearest rows to a query embedding using
// pgvector's `<=>` cosine-distance operator, scoped to one bot via a
// "bot_id" column.
type Searcher struct {
	db    *sql.DB
	table string
}

func New(datasource, table string) (*Searcher, error) {
	if datasource == "" || table == "" {
		return nil, fmt.Errorf("pgvector: datasource and table are required")
	}
	db, err := sql.Open("pgx", datasource)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open connection: %w", err)
	}
	return &Searcher{db: db, table: table}, nil
}

func (s *Searcher) Search(ctx context.Context, botID string, queryEmbedding []float32, topK int) ([]model.KnowledgeChunk, error) {
	vec := pgvector.NewVector(queryEmbedding)

	query := fmt.Sprintf(
		`SELECT id, filename, content, 1 - (embedding <=> $1) AS similarity
		 FROM %s WHERE bot_id = $2 ORDER BY embedding <=> $1 LIMIT $3`, s.table)

	rows, err := s.db.QueryContext(ctx, query, vec, botID, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector: query: %w", err)
	}
	defer rows.Close()

	var chunks []model.KnowledgeChunk
	for rows.Next() {
		chunk := model.KnowledgeChunk{BotID: botID}
		if err := rows.Scan(&chunk.ID, &chunk.Filename, &chunk.Content, &chunk.Score); err != nil {
			return nil, fmt.Errorf("pgvector: scan row: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}
