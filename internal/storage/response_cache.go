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

func (s *Store) GetCachedResponse(ctx context.Context, key string) (CachedResponse, error) {
	q := s.sql.Select("cache_key", "notebook_id", "query", "source_ids_json", "response", "citations_json", "created_at").
		From("response_cache").
		Where(sq.Eq{"cache_key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return CachedResponse{}, fmt.Errorf("build get cached response query: %w", err)
	}

	var (
		out       CachedResponse
		sourceIDs string
		citations string
		created   int64
	)
	err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&out.CacheKey, &out.NotebookID, &out.Query, &sourceIDs, &out.Response, &citations, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CachedResponse{}, ErrNotFound
		}
		return CachedResponse{}, fmt.Errorf("get cached response: %w", err)
	}
	if err := json.Unmarshal([]byte(sourceIDs), &out.SourceIDs); err != nil {
		return CachedResponse{}, fmt.Errorf("decode cached source ids: %w", err)
	}
	if err := json.Unmarshal([]byte(citations), &out.Citations); err != nil {
		return CachedResponse{}, fmt.Errorf("decode cached citations: %w", err)
	}
	out.CreatedAt = fromMillis(created)
	return out, nil
}

func (s *Store) PutCachedResponse(ctx context.Context, r CachedResponse) error {
	if r.SourceIDs == nil {
		r.SourceIDs = []string{}
	}
	if r.Citations == nil {
		r.Citations = []Citation{}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	sourceIDs, err := json.Marshal(r.SourceIDs)
	if err != nil {
		return fmt.Errorf("marshal cached source ids: %w", err)
	}
	citations, err := json.Marshal(r.Citations)
	if err != nil {
		return fmt.Errorf("marshal cached citations: %w", err)
	}

	q := s.sql.Insert("response_cache").
		Columns("cache_key", "notebook_id", "query", "source_ids_json", "response", "citations_json", "created_at").
		Values(r.CacheKey, r.NotebookID, r.Query, string(sourceIDs), r.Response, string(citations), toMillis(r.CreatedAt)).
		Suffix("ON CONFLICT(cache_key) DO UPDATE SET notebook_id=excluded.notebook_id, query=excluded.query, source_ids_json=excluded.source_ids_json, response=excluded.response, citations_json=excluded.citations_json, created_at=excluded.created_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build cached response upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert cached response: %w", err)
	}
	return nil
}

// DeleteCachedResponses drops a notebook's entries; an empty notebookID clears everything.
func (s *Store) DeleteCachedResponses(ctx context.Context, notebookID string) (int64, error) {
	q := s.sql.Delete("response_cache")
	if notebookID != "" {
		q = q.Where(sq.Eq{"notebook_id": notebookID})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete cached responses query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("delete cached responses: %w", err)
	}
	return affected(res, "delete cached responses")
}

func (s *Store) PruneCachedResponses(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.sql.Delete("response_cache").Where(sq.Lt{"created_at": toMillis(cutoff)})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build prune cached responses query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("prune cached responses: %w", err)
	}
	return affected(res, "prune cached responses")
}
