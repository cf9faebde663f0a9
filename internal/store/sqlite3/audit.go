package sqlite3

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"

	"github.com/jhd3197/cachibot/internal/model"
)

func (s *SQLite) WriteAudit(ctx context.Context, entry model.AuditEntry) error {
	id := entry.ID
	if id == "" {
		id = ulid.Make().String()
	}

	detailsJSON := "{}"
	if entry.Details != nil {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		detailsJSON = string(b)
	}

	query, _, err := s.goqu.Insert(s.tableAudit).Rows(goqu.Record{
		"id":           id,
		"bot_id":       entry.BotID,
		"user_id":      entry.UserID,
		"action":       entry.Action,
		"key_name":     entry.KeyName,
		"source":       entry.Source,
		"ip_address":   entry.IPAddress,
		"details_json": detailsJSON,
		"timestamp":    formatTime(entry.Timestamp),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert audit entry query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *SQLite) ListAudit(ctx context.Context, botID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	ds := s.goqu.From(s.tableAudit).
		Select("id", "bot_id", "user_id", "action", "key_name", "source", "ip_address", "details_json", "timestamp").
		Order(goqu.I("timestamp").Desc()).
		Limit(uint(limit))
	if botID != "" {
		ds = ds.Where(goqu.I("bot_id").Eq(botID))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var result []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var detailsJSON, timestamp string
		if err := rows.Scan(&e.ID, &e.BotID, &e.UserID, &e.Action, &e.KeyName, &e.Source,
			&e.IPAddress, &detailsJSON, &timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry row: %w", err)
		}
		if detailsJSON != "" && detailsJSON != "{}" {
			if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details: %w", err)
			}
		}
		e.Timestamp = parseTime(timestamp)
		result = append(result, e)
	}
	return result, rows.Err()
}
