package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"

	"github.com/jhd3197/cachibot/internal/model"
)

func (p *Postgres) GetChatByPlatform(ctx context.Context, botID, platformKind, platformChatID string) (*model.Chat, error) {
	query, _, err := p.goqu.From(p.tableChats).
		Select("id", "bot_id", "title", "platform_kind", "platform_chat_id", "pinned", "archived", "created_at", "updated_at").
		Where(goqu.I("bot_id").Eq(botID), goqu.I("platform_kind").Eq(platformKind), goqu.I("platform_chat_id").Eq(platformChatID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get chat by platform query: %w", err)
	}

	c, err := scanChat(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat by platform %s/%s/%s: %w", botID, platformKind, platformChatID, err)
	}
	return c, nil
}

func (p *Postgres) CreateChat(ctx context.Context, chat model.Chat) (*model.Chat, error) {
	id := chat.ID
	if id == "" {
		id = ulid.Make().String()
	}
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = now

	query, _, err := p.goqu.Insert(p.tableChats).Rows(goqu.Record{
		"id":               id,
		"bot_id":           chat.BotID,
		"title":            chat.Title,
		"platform_kind":    chat.PlatformKind,
		"platform_chat_id": chat.PlatformChatID,
		"pinned":           chat.Pinned,
		"archived":         chat.Archived,
		"created_at":       formatTime(chat.CreatedAt),
		"updated_at":       formatTime(chat.UpdatedAt),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert chat query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}

	chat.ID = id
	return &chat, nil
}

func (p *Postgres) TouchChat(ctx context.Context, id string) error {
	query, _, err := p.goqu.Update(p.tableChats).Set(goqu.Record{
		"updated_at": formatTime(time.Now().UTC()),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build touch chat query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("touch chat %s: %w", id, err)
	}
	return nil
}

// ListRecentMessages returns the most recent limit messages for chatID in
// chronological (oldest-first) order, matching the knowledge builder's
// history-section expectation.
func (p *Postgres) ListRecentMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 10
	}

	query, _, err := p.goqu.From(p.tableMessages).
		Select("id", "bot_id", "chat_id", "role", "content", "reply_to_id", "metadata_json", "timestamp").
		Where(goqu.I("chat_id").Eq(chatID)).
		Order(goqu.I("timestamp").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list recent messages query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var result []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

func (p *Postgres) CreateMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	id := msg.ID
	if id == "" {
		id = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal message metadata: %w", err)
	}

	query, _, err := p.goqu.Insert(p.tableMessages).Rows(goqu.Record{
		"id":            id,
		"bot_id":        msg.BotID,
		"chat_id":       msg.ChatID,
		"role":          msg.Role,
		"content":       msg.Content,
		"reply_to_id":   msg.ReplyToID,
		"metadata_json": string(metadataJSON),
		"timestamp":     formatTime(msg.Timestamp),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert message query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	msg.ID = id
	return &msg, nil
}

func scanChat(row scannable) (*model.Chat, error) {
	var c model.Chat
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.BotID, &c.Title, &c.PlatformKind, &c.PlatformChatID,
		&c.Pinned, &c.Archived, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func scanMessage(row scannable) (*model.Message, error) {
	var m model.Message
	var metadataJSON, timestamp string
	err := row.Scan(&m.ID, &m.BotID, &m.ChatID, &m.Role, &m.Content, &m.ReplyToID, &metadataJSON, &timestamp)
	if err != nil {
		return nil, err
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	m.Timestamp = parseTime(timestamp)
	return &m, nil
}
