package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/jhd3197/cachibot/internal/model"
)

// ListSubscribers returns the subscribers for botID whose event filter is
// either empty (subscribed to everything) or contains event.
func (p *Postgres) ListSubscribers(ctx context.Context, botID, event string) ([]model.OutboundWebhookSubscriber, error) {
	query, _, err := p.goqu.From(p.tableSubscribers).
		Select("id", "bot_id", "url", "event_filter_json", "secret", "failure_count", "last_triggered_at", "created_at").
		Where(goqu.I("bot_id").Eq(botID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list webhook subscribers query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscribers: %w", err)
	}
	defer rows.Close()

	var result []model.OutboundWebhookSubscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		if len(sub.EventFilter) == 0 || containsEvent(sub.EventFilter, event) {
			result = append(result, *sub)
		}
	}
	return result, rows.Err()
}

func (p *Postgres) RecordDeliverySuccess(ctx context.Context, id string) error {
	query, _, err := p.goqu.Update(p.tableSubscribers).Set(goqu.Record{
		"failure_count":     0,
		"last_triggered_at": formatTime(time.Now().UTC()),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build record delivery success query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("record delivery success %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) RecordDeliveryFailure(ctx context.Context, id string) error {
	query, _, err := p.goqu.Update(p.tableSubscribers).Set(goqu.Record{
		"failure_count":     goqu.L("failure_count + 1"),
		"last_triggered_at": formatTime(time.Now().UTC()),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build record delivery failure query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("record delivery failure %s: %w", id, err)
	}
	return nil
}

func scanSubscriber(row scannable) (*model.OutboundWebhookSubscriber, error) {
	var sub model.OutboundWebhookSubscriber
	var eventFilterJSON, createdAt string
	var lastTriggered sql.NullString
	err := row.Scan(&sub.ID, &sub.BotID, &sub.URL, &eventFilterJSON, &sub.Secret,
		&sub.FailureCount, &lastTriggered, &createdAt)
	if err != nil {
		return nil, err
	}
	if eventFilterJSON != "" && eventFilterJSON != "[]" {
		if err := json.Unmarshal([]byte(eventFilterJSON), &sub.EventFilter); err != nil {
			return nil, fmt.Errorf("unmarshal event filter: %w", err)
		}
	}
	sub.LastTriggeredAt = parseNullTime(lastTriggered)
	sub.CreatedAt = parseTime(createdAt)
	return &sub, nil
}

func containsEvent(filter []string, event string) bool {
	for _, f := range filter {
		if f == event {
			return true
		}
	}
	return false
}
