// Package postgres is the multi-instance persistence backend: a shared
// Postgres database storing bots, connections, encrypted credential entries,
// chats, messages, skills, and webhook subscribers, suitable for a fleet of
// CachiBot processes coordinating over internal/cluster.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jhd3197/cachibot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "cachibot_"
)

type Postgres struct {
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

func New(ctx context.Context, cfg *config.StorePostgres) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
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
	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
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

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}
