package repo

import (
	"context"
	"database/sql"
	"strings"

	"relay/internal/domain"
)

const sessionColumns = `id,pool_id,project_id,status,context_used_tokens,context_max_tokens,context_percent,current_task_id,tasks_completed,handoff_from,handoff_to,handoff_summary,error_message,last_heartbeat_at,created_at,updated_at,retired_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var currentTask, handoffFrom, handoffTo, heartbeat, retiredAt sql.NullString
	err := row.Scan(&s.ID, &s.PoolID, &s.ProjectID, &s.Status, &s.ContextUsedTokens, &s.ContextMaxTokens, &s.ContextPercent,
		&currentTask, &s.TasksCompleted, &handoffFrom, &handoffTo, &s.HandoffSummary, &s.ErrorMessage, &heartbeat,
		&s.CreatedAt, &s.UpdatedAt, &retiredAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CurrentTaskID = stringPtr(currentTask)
	s.HandoffFrom = stringPtr(handoffFrom)
	s.HandoffTo = stringPtr(handoffTo)
	s.LastHeartbeatAt = stringPtr(heartbeat)
	s.RetiredAt = stringPtr(retiredAt)
	return s, nil
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.PoolID, s.ProjectID, s.Status, s.ContextUsedTokens, s.ContextMaxTokens, s.ContextPercent,
		nullableStringPtr(s.CurrentTaskID), s.TasksCompleted, nullableStringPtr(s.HandoffFrom), nullableStringPtr(s.HandoffTo),
		s.HandoffSummary, s.ErrorMessage, nullableStringPtr(s.LastHeartbeatAt), s.CreatedAt, s.UpdatedAt, nullableStringPtr(s.RetiredAt))
	return err
}

func (r Repo) UpdateSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, context_used_tokens=?, context_max_tokens=?, context_percent=?, current_task_id=?, tasks_completed=?, handoff_from=?, handoff_to=?, handoff_summary=?, error_message=?, last_heartbeat_at=?, updated_at=?, retired_at=? WHERE id=?`,
		s.Status, s.ContextUsedTokens, s.ContextMaxTokens, s.ContextPercent, nullableStringPtr(s.CurrentTaskID), s.TasksCompleted,
		nullableStringPtr(s.HandoffFrom), nullableStringPtr(s.HandoffTo), s.HandoffSummary, s.ErrorMessage,
		nullableStringPtr(s.LastHeartbeatAt), s.UpdatedAt, nullableStringPtr(s.RetiredAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

// SessionFilters narrows session listings.
type SessionFilters struct {
	ProjectID string
	PoolID    string
	Statuses  []domain.SessionStatus
	Limit     int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	return listSessions(ctx, r.DB, f)
}

func (r Repo) ListSessionsTx(ctx context.Context, tx *sql.Tx, f SessionFilters) ([]domain.Session, error) {
	return listSessions(ctx, tx, f)
}

func listSessions(ctx context.Context, q queryer, f SessionFilters) ([]domain.Session, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.PoolID != "" {
		clauses = append(clauses, "pool_id=?")
		args = append(args, f.PoolID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
