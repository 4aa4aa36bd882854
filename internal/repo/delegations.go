package repo

import (
	"context"
	"database/sql"
	"strings"

	"relay/internal/domain"
)

const delegationColumns = `id,project_id,work_item_id,session_id,status,reason,created_at,updated_at,claimed_at,completed_at`

func scanDelegation(row rowScanner) (domain.DelegationRequest, error) {
	var d domain.DelegationRequest
	var sessionID, claimedAt, completedAt sql.NullString
	err := row.Scan(&d.ID, &d.ProjectID, &d.WorkItemID, &sessionID, &d.Status, &d.Reason, &d.CreatedAt, &d.UpdatedAt, &claimedAt, &completedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.SessionID = stringPtr(sessionID)
	d.ClaimedAt = stringPtr(claimedAt)
	d.CompletedAt = stringPtr(completedAt)
	return d, nil
}

func (r Repo) InsertDelegationTx(ctx context.Context, tx *sql.Tx, d domain.DelegationRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO delegation_requests(`+delegationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.WorkItemID, nullableStringPtr(d.SessionID), d.Status, d.Reason, d.CreatedAt, d.UpdatedAt,
		nullableStringPtr(d.ClaimedAt), nullableStringPtr(d.CompletedAt))
	return err
}

// UpdateDelegationTx saves d only if its stored status still equals from.
// It reports false when another writer moved the request first.
func (r Repo) UpdateDelegationTx(ctx context.Context, tx *sql.Tx, d domain.DelegationRequest, from domain.DelegationStatus) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE delegation_requests SET session_id=?, status=?, reason=?, updated_at=?, claimed_at=?, completed_at=? WHERE id=? AND status=?`,
		nullableStringPtr(d.SessionID), d.Status, d.Reason, d.UpdatedAt, nullableStringPtr(d.ClaimedAt), nullableStringPtr(d.CompletedAt), d.ID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetDelegation(ctx context.Context, id string) (domain.DelegationRequest, error) {
	return scanDelegation(r.DB.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegation_requests WHERE id=?`, id))
}

func (r Repo) GetDelegationTx(ctx context.Context, tx *sql.Tx, id string) (domain.DelegationRequest, error) {
	return scanDelegation(tx.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegation_requests WHERE id=?`, id))
}

// ClaimedDelegationTx returns the claimed request for a work item, if any.
func (r Repo) ClaimedDelegationTx(ctx context.Context, tx *sql.Tx, workItemID string) (domain.DelegationRequest, error) {
	return scanDelegation(tx.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegation_requests WHERE work_item_id=? AND status='claimed'`, workItemID))
}

// HasClaimedDelegation reports whether a work item currently has a claimed request.
func (r Repo) HasClaimedDelegation(ctx context.Context, workItemID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM delegation_requests WHERE work_item_id=? AND status='claimed'`, workItemID).Scan(&n)
	return n > 0, err
}

// OpenDelegationTx returns the oldest pending or approved request for a work item.
func (r Repo) OpenDelegationTx(ctx context.Context, tx *sql.Tx, workItemID string) (domain.DelegationRequest, error) {
	return scanDelegation(tx.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegation_requests WHERE work_item_id=? AND status IN ('pending','approved') ORDER BY created_at ASC, id ASC LIMIT 1`, workItemID))
}

// ClaimedBySessionTx returns the claimed request held by a session, if any.
func (r Repo) ClaimedBySessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (domain.DelegationRequest, error) {
	return scanDelegation(tx.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegation_requests WHERE session_id=? AND status='claimed' ORDER BY claimed_at DESC LIMIT 1`, sessionID))
}

// DelegationFilters narrows delegation listings.
type DelegationFilters struct {
	ProjectID     string
	WorkItemID    string
	SessionID     string
	Statuses      []domain.DelegationStatus
	CreatedBefore string
	Limit         int
}

func (r Repo) ListDelegations(ctx context.Context, f DelegationFilters) ([]domain.DelegationRequest, error) {
	return listDelegations(ctx, r.DB, f)
}

func (r Repo) ListDelegationsTx(ctx context.Context, tx *sql.Tx, f DelegationFilters) ([]domain.DelegationRequest, error) {
	return listDelegations(ctx, tx, f)
}

func listDelegations(ctx context.Context, q queryer, f DelegationFilters) ([]domain.DelegationRequest, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.WorkItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, f.WorkItemID)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.CreatedBefore != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.CreatedBefore)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + delegationColumns + ` FROM delegation_requests ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DelegationRequest
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
