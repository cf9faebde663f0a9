// Package sqlite3 is the default, zero-config persistence backend: a
// single embedded pure-Go SQLite file storing bots, connections, encrypted
// credential entries, chats, messages, skills, and webhook subscribers.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jhd3197/cachibot/internal/config"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "cachibot_"

type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableBots        exp.IdentifierExpression
	tableConnections exp.IdentifierExpression
	tableBotEnv      exp.IdentifierExpression
	tablePlatformEnv exp.IdentifierExpression
	tableSkillConfig exp.IdentifierExpression
	tableAudit       exp.IdentifierExpression
	tableChats       exp.IdentifierExpression
	tableMessages    exp.IdentifierExpression
	tableSkills      exp.IdentifierExpression
	tableSubscribers exp.IdentifierExpression
	tableNotes       exp.IdentifierExpression
	tableContacts    exp.IdentifierExpression
	tableKnowledge   exp.IdentifierExpression
}

func New(ctx context.Context, cfg *config.StoreSQLite) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:               db,
		goqu:             dbGoqu,
		tableBots:        goqu.T(tablePrefix + "bots"),
		tableConnections: goqu.T(tablePrefix + "connections"),
		tableBotEnv:      goqu.T(tablePrefix + "bot_environment"),
		tablePlatformEnv: goqu.T(tablePrefix + "platform_environment"),
		tableSkillConfig: goqu.T(tablePrefix + "skill_configs"),
		tableAudit:       goqu.T(tablePrefix + "audit_entries"),
		tableChats:       goqu.T(tablePrefix + "chats"),
		tableMessages:    goqu.T(tablePrefix + "messages"),
		tableSkills:      goqu.T(tablePrefix + "skills"),
		tableSubscribers: goqu.T(tablePrefix + "webhook_subscribers"),
		tableNotes:       goqu.T(tablePrefix + "notes"),
		tableContacts:    goqu.T(tablePrefix + "contacts"),
		tableKnowledge:   goqu.T(tablePrefix + "knowledge_chunks"),
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}
