package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

const toolPermissionsKey = "tool_permissions"

// GetToolPermissions returns ErrNotFound when no config was ever written.
func (s *Store) GetToolPermissions(ctx context.Context) (ToolPermissionsConfig, error) {
	raw, err := s.getSetting(ctx, toolPermissionsKey)
	if err != nil {
		return ToolPermissionsConfig{}, err
	}
	var cfg ToolPermissionsConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return ToolPermissionsConfig{}, fmt.Errorf("decode tool permissions: %w", err)
	}
	if cfg.Permissions == nil {
		cfg.Permissions = map[string]ToolPermission{}
	}
	// session approvals are never part of the persisted row
	cfg.SessionApprovals = nil
	return cfg, nil
}

func (s *Store) PutToolPermissions(ctx context.Context, cfg ToolPermissionsConfig) error {
	cfg.SessionApprovals = nil
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal tool permissions: %w", err)
	}
	return s.putSetting(ctx, toolPermissionsKey, string(b), cfg.LastModified)
}

func (s *Store) DeleteToolPermissions(ctx context.Context) error {
	q := s.sql.Delete("settings").Where(sq.Eq{"key": toolPermissionsKey})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete setting query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	return nil
}

func (s *Store) getSetting(ctx context.Context, key string) (string, error) {
	q := s.sql.Select("value_json").From("settings").Where(sq.Eq{"key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get setting query: %w", err)
	}
	var raw string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return raw, nil
}

func (s *Store) putSetting(ctx context.Context, key, value string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	q := s.sql.Insert("settings").
		Columns("key", "value_json", "updated_at").
		Values(key, value, toMillis(at)).
		Suffix("ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build put setting query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}
