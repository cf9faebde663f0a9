package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"

	"github.com/jhd3197/cachibot/internal/model"
)

// ─── BotEnvironment ───

func (s *SQLite) ListBotEnvironment(ctx context.Context, botID string) ([]model.BotEnvironment, error) {
	query, _, err := s.goqu.From(s.tableBotEnv).
		Select("id", "bot_id", "key", "ciphertext", "nonce", "salt", "source", "updated_by", "updated_at").
		Where(goqu.I("bot_id").Eq(botID)).
		Order(goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list bot environment query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list bot environment: %w", err)
	}
	defer rows.Close()

	var result []model.BotEnvironment
	for rows.Next() {
		var e model.BotEnvironment
		var updatedAt string
		if err := rows.Scan(&e.ID, &e.BotID, &e.Key, &e.EncryptedValue.Ciphertext, &e.EncryptedValue.Nonce,
			&e.EncryptedValue.Salt, &e.Source, &e.UpdatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan bot environment row: %w", err)
		}
		e.UpdatedAt = parseTime(updatedAt)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLite) GetBotEnvironment(ctx context.Context, botID, key string) (*model.BotEnvironment, error) {
	query, _, err := s.goqu.From(s.tableBotEnv).
		Select("id", "bot_id", "key", "ciphertext", "nonce", "salt", "source", "updated_by", "updated_at").
		Where(goqu.I("bot_id").Eq(botID), goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get bot environment query: %w", err)
	}

	var e model.BotEnvironment
	var updatedAt string
	err = s.db.QueryRowContext(ctx, query).Scan(&e.ID, &e.BotID, &e.Key, &e.EncryptedValue.Ciphertext,
		&e.EncryptedValue.Nonce, &e.EncryptedValue.Salt, &e.Source, &e.UpdatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bot environment %s/%s: %w", botID, key, err)
	}
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func (s *SQLite) UpsertBotEnvironment(ctx context.Context, entry model.BotEnvironment) error {
	existing, err := s.GetBotEnvironment(ctx, entry.BotID, entry.Key)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if existing == nil {
		id := entry.ID
		if id == "" {
			id = ulid.Make().String()
		}
		query, _, err := s.goqu.Insert(s.tableBotEnv).Rows(goqu.Record{
			"id":         id,
			"bot_id":     entry.BotID,
			"key":        entry.Key,
			"ciphertext": entry.EncryptedValue.Ciphertext,
			"nonce":      entry.EncryptedValue.Nonce,
			"salt":       entry.EncryptedValue.Salt,
			"source":     entry.Source,
			"updated_by": entry.UpdatedBy,
			"updated_at": now,
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert bot environment query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("insert bot environment %s/%s: %w", entry.BotID, entry.Key, err)
		}
		return nil
	}

	query, _, err := s.goqu.Update(s.tableBotEnv).Set(goqu.Record{
		"ciphertext": entry.EncryptedValue.Ciphertext,
		"nonce":      entry.EncryptedValue.Nonce,
		"salt":       entry.EncryptedValue.Salt,
		"source":     entry.Source,
		"updated_by": entry.UpdatedBy,
		"updated_at": now,
	}).Where(goqu.I("bot_id").Eq(entry.BotID), goqu.I("key").Eq(entry.Key)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update bot environment query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update bot environment %s/%s: %w", entry.BotID, entry.Key, err)
	}
	return nil
}

func (s *SQLite) DeleteBotEnvironment(ctx context.Context, botID, key string) error {
	query, _, err := s.goqu.Delete(s.tableBotEnv).
		Where(goqu.I("bot_id").Eq(botID), goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete bot environment query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete bot environment %s/%s: %w", botID, key, err)
	}
	return nil
}

func (s *SQLite) ResetBotEnvironment(ctx context.Context, botID string) error {
	query, _, err := s.goqu.Delete(s.tableBotEnv).
		Where(goqu.I("bot_id").Eq(botID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build reset bot environment query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("reset bot environment for %s: %w", botID, err)
	}
	return nil
}

func (s *SQLite) ListAllBotEnvironment(ctx context.Context) ([]model.BotEnvironment, error) {
	query, _, err := s.goqu.From(s.tableBotEnv).
		Select("id", "bot_id", "key", "ciphertext", "nonce", "salt", "source", "updated_by", "updated_at").
		Order(goqu.I("bot_id").Asc(), goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list all bot environment query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list all bot environment: %w", err)
	}
	defer rows.Close()

	var result []model.BotEnvironment
	for rows.Next() {
		var e model.BotEnvironment
		var updatedAt string
		if err := rows.Scan(&e.ID, &e.BotID, &e.Key, &e.EncryptedValue.Ciphertext, &e.EncryptedValue.Nonce,
			&e.EncryptedValue.Salt, &e.Source, &e.UpdatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan bot environment row: %w", err)
		}
		e.UpdatedAt = parseTime(updatedAt)
		result = append(result, e)
	}
	return result, rows.Err()
}

// ─── PlatformEnvironment ───

func (s *SQLite) ListPlatformEnvironment(ctx context.Context, platform string) ([]model.PlatformEnvironment, error) {
	query, _, err := s.goqu.From(s.tablePlatformEnv).
		Select("id", "platform", "key", "ciphertext", "nonce", "salt", "updated_by", "updated_at").
		Where(goqu.I("platform").Eq(platform)).
		Order(goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list platform environment query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list platform environment: %w", err)
	}
	defer rows.Close()

	var result []model.PlatformEnvironment
	for rows.Next() {
		var e model.PlatformEnvironment
		var updatedAt string
		if err := rows.Scan(&e.ID, &e.Platform, &e.Key, &e.EncryptedValue.Ciphertext, &e.EncryptedValue.Nonce,
			&e.EncryptedValue.Salt, &e.UpdatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan platform environment row: %w", err)
		}
		e.UpdatedAt = parseTime(updatedAt)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLite) GetPlatformEnvironment(ctx context.Context, platform, key string) (*model.PlatformEnvironment, error) {
	query, _, err := s.goqu.From(s.tablePlatformEnv).
		Select("id", "platform", "key", "ciphertext", "nonce", "salt", "updated_by", "updated_at").
		Where(goqu.I("platform").Eq(platform), goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get platform environment query: %w", err)
	}

	var e model.PlatformEnvironment
	var updatedAt string
	err = s.db.QueryRowContext(ctx, query).Scan(&e.ID, &e.Platform, &e.Key, &e.EncryptedValue.Ciphertext,
		&e.EncryptedValue.Nonce, &e.EncryptedValue.Salt, &e.UpdatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get platform environment %s/%s: %w", platform, key, err)
	}
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func (s *SQLite) UpsertPlatformEnvironment(ctx context.Context, entry model.PlatformEnvironment) error {
	existing, err := s.GetPlatformEnvironment(ctx, entry.Platform, entry.Key)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if existing == nil {
		id := entry.ID
		if id == "" {
			id = ulid.Make().String()
		}
		query, _, err := s.goqu.Insert(s.tablePlatformEnv).Rows(goqu.Record{
			"id":         id,
			"platform":   entry.Platform,
			"key":        entry.Key,
			"ciphertext": entry.EncryptedValue.Ciphertext,
			"nonce":      entry.EncryptedValue.Nonce,
			"salt":       entry.EncryptedValue.Salt,
			"updated_by": entry.UpdatedBy,
			"updated_at": now,
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert platform environment query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("insert platform environment %s/%s: %w", entry.Platform, entry.Key, err)
		}
		return nil
	}

	query, _, err := s.goqu.Update(s.tablePlatformEnv).Set(goqu.Record{
		"ciphertext": entry.EncryptedValue.Ciphertext,
		"nonce":      entry.EncryptedValue.Nonce,
		"salt":       entry.EncryptedValue.Salt,
		"updated_by": entry.UpdatedBy,
		"updated_at": now,
	}).Where(goqu.I("platform").Eq(entry.Platform), goqu.I("key").Eq(entry.Key)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update platform environment query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update platform environment %s/%s: %w", entry.Platform, entry.Key, err)
	}
	return nil
}

func (s *SQLite) DeletePlatformEnvironment(ctx context.Context, platform, key string) error {
	query, _, err := s.goqu.Delete(s.tablePlatformEnv).
		Where(goqu.I("platform").Eq(platform), goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete platform environment query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete platform environment %s/%s: %w", platform, key, err)
	}
	return nil
}

func (s *SQLite) ListAllPlatformEnvironment(ctx context.Context) ([]model.PlatformEnvironment, error) {
	query, _, err := s.goqu.From(s.tablePlatformEnv).
		Select("id", "platform", "key", "ciphertext", "nonce", "salt", "updated_by", "updated_at").
		Order(goqu.I("platform").Asc(), goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list all platform environment query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list all platform environment: %w", err)
	}
	defer rows.Close()

	var result []model.PlatformEnvironment
	for rows.Next() {
		var e model.PlatformEnvironment
		var updatedAt string
		if err := rows.Scan(&e.ID, &e.Platform, &e.Key, &e.EncryptedValue.Ciphertext, &e.EncryptedValue.Nonce,
			&e.EncryptedValue.Salt, &e.UpdatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan platform environment row: %w", err)
		}
		e.UpdatedAt = parseTime(updatedAt)
		result = append(result, e)
	}
	return result, rows.Err()
}

// ─── SkillConfig (plaintext) ───

func (s *SQLite) ListSkillConfigs(ctx context.Context, botID string) ([]model.SkillConfig, error) {
	query, _, err := s.goqu.From(s.tableSkillConfig).
		Select("id", "bot_id", "skill_name", "config_json", "updated_at").
		Where(goqu.I("bot_id").Eq(botID)).
		Order(goqu.I("skill_name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list skill configs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list skill configs: %w", err)
	}
	defer rows.Close()

	var result []model.SkillConfig
	for rows.Next() {
		var c model.SkillConfig
		var updatedAt string
		if err := rows.Scan(&c.ID, &c.BotID, &c.SkillName, &c.ConfigJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan skill config row: %w", err)
		}
		c.UpdatedAt = parseTime(updatedAt)
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *SQLite) GetSkillConfig(ctx context.Context, botID, skillName string) (*model.SkillConfig, error) {
	query, _, err := s.goqu.From(s.tableSkillConfig).
		Select("id", "bot_id", "skill_name", "config_json", "updated_at").
		Where(goqu.I("bot_id").Eq(botID), goqu.I("skill_name").Eq(skillName)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get skill config query: %w", err)
	}

	var c model.SkillConfig
	var updatedAt string
	err = s.db.QueryRowContext(ctx, query).Scan(&c.ID, &c.BotID, &c.SkillName, &c.ConfigJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get skill config %s/%s: %w", botID, skillName, err)
	}
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (s *SQLite) UpsertSkillConfig(ctx context.Context, entry model.SkillConfig) error {
	existing, err := s.GetSkillConfig(ctx, entry.BotID, entry.SkillName)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if existing == nil {
		id := entry.ID
		if id == "" {
			id = ulid.Make().String()
		}
		query, _, err := s.goqu.Insert(s.tableSkillConfig).Rows(goqu.Record{
			"id":          id,
			"bot_id":      entry.BotID,
			"skill_name":  entry.SkillName,
			"config_json": entry.ConfigJSON,
			"updated_at":  now,
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert skill config query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("insert skill config %s/%s: %w", entry.BotID, entry.SkillName, err)
		}
		return nil
	}

	query, _, err := s.goqu.Update(s.tableSkillConfig).Set(goqu.Record{
		"config_json": entry.ConfigJSON,
		"updated_at":  now,
	}).Where(goqu.I("bot_id").Eq(entry.BotID), goqu.I("skill_name").Eq(entry.SkillName)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update skill config query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update skill config %s/%s: %w", entry.BotID, entry.SkillName, err)
	}
	return nil
}

func (s *SQLite) DeleteSkillConfig(ctx context.Context, botID, skillName string) error {
	query, _, err := s.goqu.Delete(s.tableSkillConfig).
		Where(goqu.I("bot_id").Eq(botID), goqu.I("skill_name").Eq(skillName)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete skill config query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete skill config %s/%s: %w", botID, skillName, err)
	}
	return nil
}

func parseTime(s string) (t time.Time) {
	if s == "" {
		return t
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return t
	}
	return parsed
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
