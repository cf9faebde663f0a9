package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/jhd3197/cachibot/internal/model"
)

func (p *Postgres) GetBot(ctx context.Context, id string) (*model.Bot, error) {
	query, _, err := p.goqu.From(p.tableBots).
		Select("id", "name", "model", "system_prompt", "capabilities_json", "models_json", "owner_user_id", "created_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get bot query: %w", err)
	}

	var b model.Bot
	var capabilitiesJSON, modelsJSON, createdAt string
	err = p.db.QueryRowContext(ctx, query).Scan(&b.ID, &b.Name, &b.Model, &b.SystemPrompt,
		&capabilitiesJSON, &modelsJSON, &b.OwnerUserID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %s: %w", id, err)
	}

	if capabilitiesJSON != "" {
		if err := json.Unmarshal([]byte(capabilitiesJSON), &b.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal bot capabilities: %w", err)
		}
	}
	if modelsJSON != "" {
		if err := json.Unmarshal([]byte(modelsJSON), &b.Models); err != nil {
			return nil, fmt.Errorf("unmarshal bot models: %w", err)
		}
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

func (p *Postgres) ListConnections(ctx context.Context, botID string) ([]model.Connection, error) {
	query, _, err := p.goqu.From(p.tableConnections).
		Select("id", "bot_id", "platform_kind", "display_name", "status", "config_ciphertext", "config_nonce",
			"config_salt", "message_count", "last_activity", "error_message", "auto_connect").
		Where(goqu.I("bot_id").Eq(botID)).
		Order(goqu.I("platform_kind").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list connections query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var result []model.Connection
	for rows.Next() {
		c, err := scanConnectionRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

// ListAllConnections returns every connection across every bot, used by the
// adapter manager's startup reconnect sweep (auto_connect=true filtering
// happens in the caller).
func (p *Postgres) ListAllConnections(ctx context.Context) ([]model.Connection, error) {
	query, _, err := p.goqu.From(p.tableConnections).
		Select("id", "bot_id", "platform_kind", "display_name", "status", "config_ciphertext", "config_nonce",
			"config_salt", "message_count", "last_activity", "error_message", "auto_connect").
		Order(goqu.I("bot_id").Asc(), goqu.I("platform_kind").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list all connections query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list all connections: %w", err)
	}
	defer rows.Close()

	var result []model.Connection
	for rows.Next() {
		c, err := scanConnectionRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (p *Postgres) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	query, _, err := p.goqu.From(p.tableConnections).
		Select("id", "bot_id", "platform_kind", "display_name", "status", "config_ciphertext", "config_nonce",
			"config_salt", "message_count", "last_activity", "error_message", "auto_connect").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get connection query: %w", err)
	}

	row := p.db.QueryRowContext(ctx, query)
	c, err := scanConnectionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", id, err)
	}
	return c, nil
}

func (p *Postgres) UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, errMsg string) error {
	query, _, err := p.goqu.Update(p.tableConnections).Set(goqu.Record{
		"status":        status,
		"error_message": errMsg,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update connection status query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update connection status %s: %w", id, err)
	}
	return nil
}

// ResetAllConnectionStatuses flips every connection to disconnected on
// process startup, before the manager reconnects auto_connect connections.
func (p *Postgres) ResetAllConnectionStatuses(ctx context.Context) error {
	query, _, err := p.goqu.Update(p.tableConnections).Set(goqu.Record{
		"status": model.StatusDisconnected,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build reset connection statuses query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("reset connection statuses: %w", err)
	}
	return nil
}

func (p *Postgres) TouchConnection(ctx context.Context, id string) error {
	query, _, err := p.goqu.Update(p.tableConnections).Set(goqu.Record{
		"last_activity": formatTime(time.Now().UTC()),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build touch connection query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("touch connection %s: %w", id, err)
	}
	return nil
}

func scanConnectionRow(row scannable) (*model.Connection, error) {
	var c model.Connection
	var lastActivity sql.NullString
	err := row.Scan(&c.ID, &c.BotID, &c.PlatformKind, &c.DisplayName, &c.Status,
		&c.ConfigEncrypted.Ciphertext, &c.ConfigEncrypted.Nonce, &c.ConfigEncrypted.Salt,
		&c.MessageCount, &lastActivity, &c.ErrorMessage, &c.AutoConnect)
	if err != nil {
		return nil, err
	}
	c.LastActivity = parseNullTime(lastActivity)
	return &c, nil
}
