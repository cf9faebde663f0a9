package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/jhd3197/cachibot/internal/model"
)

func (p *Postgres) ListSkills(ctx context.Context) ([]model.Skill, error) {
	query, _, err := p.goqu.From(p.tableSkills).
		Select("id", "name", "description", "instructions", "js_handler", "created_at", "updated_at").
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list skills query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var result []model.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sk)
	}
	return result, rows.Err()
}

func (p *Postgres) GetSkill(ctx context.Context, name string) (*model.Skill, error) {
	query, _, err := p.goqu.From(p.tableSkills).
		Select("id", "name", "description", "instructions", "js_handler", "created_at", "updated_at").
		Where(goqu.I("name").Eq(name)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get skill query: %w", err)
	}

	sk, err := scanSkill(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get skill %s: %w", name, err)
	}
	return sk, nil
}

func scanSkill(row scannable) (*model.Skill, error) {
	var sk model.Skill
	var createdAt, updatedAt string
	err := row.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Instructions, &sk.JSHandler, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sk.CreatedAt = parseTime(createdAt)
	sk.UpdatedAt = parseTime(updatedAt)
	return &sk, nil
}
