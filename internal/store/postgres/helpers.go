package postgres

import (
	"database/sql"
	"time"
)

type scannable interface {
	Scan(dest ...interface{}) error
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
