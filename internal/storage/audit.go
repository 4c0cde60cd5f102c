package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("notebook_id", "user_id", "action", "meta_json", "created_at").
		Values(e.NotebookID, e.UserID, e.Action, e.MetaJSON, toMillis(time.Now()))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
