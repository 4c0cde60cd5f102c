package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// NewSourceID returns a short stable id like "s1a2b3c4d".
func NewSourceID() string {
	return "s" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *Store) AddSource(ctx context.Context, src Source) (Source, error) {
	if strings.TrimSpace(src.Content) == "" {
		return Source{}, fmt.Errorf("add source: content is empty")
	}
	if src.ID == "" {
		src.ID = NewSourceID()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now()
	}
	q := s.sql.Insert("sources").
		Columns("id", "notebook_id", "title", "content", "created_at").
		Values(src.ID, src.NotebookID, src.Title, src.Content, toMillis(src.CreatedAt))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Source{}, fmt.Errorf("build add source query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Source{}, fmt.Errorf("add source: %w", err)
	}
	return src, nil
}

func (s *Store) GetSource(ctx context.Context, notebookID, id string) (Source, error) {
	q := s.sql.Select("id", "notebook_id", "title", "content", "created_at").
		From("sources").
		Where(sq.Eq{"notebook_id": notebookID, "id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Source{}, fmt.Errorf("build get source query: %w", err)
	}
	src, err := scanSource(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Source{}, ErrNotFound
		}
		return Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListSources returns the notebook's sources in insertion order.
func (s *Store) ListSources(ctx context.Context, notebookID string) ([]Source, error) {
	q := s.sql.Select("id", "notebook_id", "title", "content", "created_at").
		From("sources").
		Where(sq.Eq{"notebook_id": notebookID}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sources query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	out := make([]Source, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteSource(ctx context.Context, notebookID, id string) error {
	q := s.sql.Delete("sources").Where(sq.Eq{"notebook_id": notebookID, "id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete source query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	n, err := affected(res, "delete source")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSource(r rowScanner) (Source, error) {
	var (
		src     Source
		created int64
	)
	if err := r.Scan(&src.ID, &src.NotebookID, &src.Title, &src.Content, &created); err != nil {
		return Source{}, err
	}
	src.CreatedAt = fromMillis(created)
	return src, nil
}
