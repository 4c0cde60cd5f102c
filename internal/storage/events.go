package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) AppendEvent(ctx context.Context, e ChatEvent) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("append event: id is empty")
	}
	if e.Payload == nil {
		return fmt.Errorf("append event %s: payload is nil", e.ID)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", e.Type(), err)
	}

	q := s.sql.Insert("chat_events").
		Columns("id", "notebook_id", "type", "ts", "payload_json").
		Values(e.ID, e.NotebookID, string(e.Type()), toMillis(e.Timestamp), string(payload))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build append event query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the notebook's events oldest first. limit <= 0 returns all of them;
// otherwise only the newest limit events are returned, still oldest first.
func (s *Store) ListEvents(ctx context.Context, notebookID string, limit int) ([]ChatEvent, error) {
	q := s.sql.Select("id", "notebook_id", "type", "ts", "payload_json").
		From("chat_events").
		Where(sq.Eq{"notebook_id": notebookID}).
		OrderBy("seq DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list events query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]ChatEvent, 0)
	for rows.Next() {
		var (
			e       ChatEvent
			typ     string
			ts      int64
			payload string
		)
		if err := rows.Scan(&e.ID, &e.NotebookID, &typ, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Timestamp = fromMillis(ts)
		e.Payload, err = decodePayload(EventType(typ), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode event %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) CountEvents(ctx context.Context, notebookID string, typ EventType) (int, error) {
	q := s.sql.Select("COUNT(*)").From("chat_events").Where(sq.Eq{"notebook_id": notebookID, "type": string(typ)})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count events query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// DeleteEvents is the bulk history clear for one notebook.
func (s *Store) DeleteEvents(ctx context.Context, notebookID string) (int64, error) {
	q := s.sql.Delete("chat_events").Where(sq.Eq{"notebook_id": notebookID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete events query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return affected(res, "delete events")
}

func decodePayload(typ EventType, raw []byte) (EventPayload, error) {
	switch typ {
	case EventUser:
		var p UserMessage
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventAssistant:
		var p AssistantMessage
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventToolResult:
		var p ToolResult
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", typ)
	}
}
