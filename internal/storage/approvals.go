package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrAlreadyResolved = errors.New("approval already resolved")

var approvalColumns = []string{
	"id", "notebook_id", "session_id", "tool_call_id", "tool_name",
	"args_json", "reason", "status", "created_at", "responded_at",
}

func (s *Store) CreateApproval(ctx context.Context, a ApprovalRequest) error {
	args := string(a.Args)
	if args == "" {
		args = "{}"
	}
	if a.Status == "" {
		a.Status = ApprovalPending
	}
	q := s.sql.Insert("approval_requests").
		Columns(approvalColumns[:9]...).
		Values(a.ID, a.NotebookID, a.SessionID, a.ToolCallID, a.ToolName, args, a.Reason, string(a.Status), toMillis(a.Timestamp))
	sqlStr, qargs, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create approval query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, qargs...); err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (ApprovalRequest, error) {
	q := s.sql.Select(approvalColumns...).From("approval_requests").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("build get approval query: %w", err)
	}
	a, err := scanApproval(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ApprovalRequest{}, ErrNotFound
		}
		return ApprovalRequest{}, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

// ResolveApproval moves a pending request to approved or rejected. A request
// leaves pending exactly once; later calls get ErrAlreadyResolved.
func (s *Store) ResolveApproval(ctx context.Context, id string, status ApprovalStatus, reason string, at time.Time) error {
	if status != ApprovalApproved && status != ApprovalRejected {
		return fmt.Errorf("resolve approval: invalid status %q", status)
	}
	q := s.sql.Update("approval_requests").
		Set("status", string(status)).
		Set("responded_at", toMillis(at)).
		Where(sq.Eq{"id": id, "status": string(ApprovalPending)})
	if reason != "" {
		q = q.Set("reason", reason)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build resolve approval query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	n, err := affected(res, "resolve approval")
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetApproval(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyResolved
}

// ListPendingApprovals returns pending requests oldest first. An empty
// notebookID lists every notebook.
func (s *Store) ListPendingApprovals(ctx context.Context, notebookID string) ([]ApprovalRequest, error) {
	where := sq.Eq{"status": string(ApprovalPending)}
	if notebookID != "" {
		where["notebook_id"] = notebookID
	}
	q := s.sql.Select(approvalColumns...).From("approval_requests").Where(where).OrderBy("seq ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list pending approvals query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	out := make([]ApprovalRequest, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval rows: %w", err)
	}
	return out, nil
}

// PruneResolvedApprovals deletes resolved requests answered before cutoff.
func (s *Store) PruneResolvedApprovals(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.sql.Delete("approval_requests").
		Where(sq.NotEq{"status": string(ApprovalPending)}).
		Where(sq.Lt{"responded_at": toMillis(cutoff)})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build prune approvals query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("prune approvals: %w", err)
	}
	return affected(res, "prune approvals")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(r rowScanner) (ApprovalRequest, error) {
	var (
		a         ApprovalRequest
		args      string
		status    string
		created   int64
		responded sql.NullInt64
	)
	if err := r.Scan(&a.ID, &a.NotebookID, &a.SessionID, &a.ToolCallID, &a.ToolName, &args, &a.Reason, &status, &created, &responded); err != nil {
		return ApprovalRequest{}, err
	}
	a.Args = []byte(args)
	a.Status = ApprovalStatus(status)
	a.Timestamp = fromMillis(created)
	if responded.Valid {
		t := fromMillis(responded.Int64)
		a.RespondedAt = &t
	}
	return a, nil
}
