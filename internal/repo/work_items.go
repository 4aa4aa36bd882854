package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"relay/internal/domain"
)

const workItemColumns = `id,project_id,parent_id,title,description,status,dependency_class,priority,client_id,version,created_at,updated_at,completed_at`

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var parentID, clientID, completedAt sql.NullString
	err := row.Scan(&w.ID, &w.ProjectID, &parentID, &w.Title, &w.Description, &w.Status, &w.DependencyClass, &w.Priority,
		&clientID, &w.Version, &w.CreatedAt, &w.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.ParentID = stringPtr(parentID)
	w.ClientID = stringPtr(clientID)
	w.CompletedAt = stringPtr(completedAt)
	return w, nil
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, nullableStringPtr(w.ParentID), w.Title, w.Description, w.Status, w.DependencyClass, w.Priority,
		nullableStringPtr(w.ClientID), w.Version, w.CreatedAt, w.UpdatedAt, nullableStringPtr(w.CompletedAt))
	if err != nil {
		return err
	}
	return r.AddBlockersTx(ctx, tx, w.ID, w.BlockedBy)
}

// UpdateWorkItemTx saves w if the stored version still equals expectedVersion.
// The stored version becomes expectedVersion+1; the caller sets w.Version.
func (r Repo) UpdateWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET parent_id=?, title=?, description=?, status=?, dependency_class=?, priority=?, client_id=?, version=version+1, updated_at=?, completed_at=? WHERE id=? AND version=?`,
		nullableStringPtr(w.ParentID), w.Title, w.Description, w.Status, w.DependencyClass, w.Priority,
		nullableStringPtr(w.ClientID), w.UpdatedAt, nullableStringPtr(w.CompletedAt), w.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM work_items WHERE id=?`, w.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("work item %s at version %d: %w", w.ID, expectedVersion, ErrVersionConflict)
	}
	return nil
}

// BumpWorkItemVersionTx increments the version without touching other fields.
func (r Repo) BumpWorkItemVersionTx(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET version=version+1, updated_at=? WHERE id=? AND version=?`, updatedAt, id, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("work item %s at version %d: %w", id, expectedVersion, ErrVersionConflict)
	}
	return nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return getWorkItem(ctx, r.DB, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return getWorkItem(ctx, tx, id)
}

func getWorkItem(ctx context.Context, q queryer, id string) (domain.WorkItem, error) {
	w, err := scanWorkItem(q.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	w.BlockedBy, err = listBlockers(ctx, q, id)
	return w, err
}

// WorkItemFilters narrows work item listings. Cursor fields page by created_at, id.
type WorkItemFilters struct {
	ProjectID       string
	Status          string
	ParentID        string
	DependencyClass string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	return listWorkItems(ctx, r.DB, f)
}

func (r Repo) ListWorkItemsTx(ctx context.Context, tx *sql.Tx, f WorkItemFilters) ([]domain.WorkItem, error) {
	return listWorkItems(ctx, tx, f)
}

func listWorkItems(ctx context.Context, q queryer, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.DependencyClass != "" {
		clauses = append(clauses, "dependency_class=?")
		args = append(args, f.DependencyClass)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].BlockedBy, err = listBlockers(ctx, q, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func listBlockers(ctx context.Context, q queryer, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT blocked_by_id FROM work_item_blockers WHERE work_item_id=? ORDER BY blocked_by_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		ids = append(ids, dep)
	}
	return ids, rows.Err()
}

func (r Repo) AddBlockersTx(ctx context.Context, tx *sql.Tx, id string, blockers []string) error {
	for _, b := range blockers {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO work_item_blockers(work_item_id, blocked_by_id) VALUES (?,?)`, id, b); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RemoveBlockersTx(ctx context.Context, tx *sql.Tx, id string, blockers []string) error {
	for _, b := range blockers {
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_item_blockers WHERE work_item_id=? AND blocked_by_id=?`, id, b); err != nil {
			return err
		}
	}
	return nil
}

// BlockerStatusesTx maps each blocker of id to its current status.
func (r Repo) BlockerStatusesTx(ctx context.Context, tx *sql.Tx, id string) (map[string]domain.WorkItemStatus, error) {
	rows, err := tx.QueryContext(ctx, `SELECT w.id, w.status FROM work_item_blockers b JOIN work_items w ON w.id=b.blocked_by_id WHERE b.work_item_id=?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.WorkItemStatus{}
	for rows.Next() {
		var bid string
		var st domain.WorkItemStatus
		if err := rows.Scan(&bid, &st); err != nil {
			return nil, err
		}
		res[bid] = st
	}
	return res, rows.Err()
}

// DependentsTx lists the items that name id as a blocker.
func (r Repo) DependentsTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT work_item_id FROM work_item_blockers WHERE blocked_by_id=? ORDER BY work_item_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		ids = append(ids, dep)
	}
	return ids, rows.Err()
}

func (r Repo) ParentIDTx(ctx context.Context, tx *sql.Tx, id string) (*string, error) {
	var parent sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT parent_id FROM work_items WHERE id=?`, id).Scan(&parent)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return stringPtr(parent), nil
}

// SubtaskCounts returns how many children id has and how many are completed.
func (r Repo) SubtaskCounts(ctx context.Context, id string) (total, completed int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT count(*), COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0) FROM work_items WHERE parent_id=?`, id).
		Scan(&total, &completed)
	return total, completed, err
}

func (r Repo) InsertAuditEntryTx(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO work_item_audit(work_item_id,ts,note,agent_id) VALUES (?,?,?,?)`,
		e.WorkItemID, e.TS, e.Note, nullableStringPtr(e.AgentID))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListAuditEntries(ctx context.Context, workItemID string) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,work_item_id,ts,note,agent_id FROM work_item_audit WHERE work_item_id=? ORDER BY id ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var agent sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkItemID, &e.TS, &e.Note, &agent); err != nil {
			return nil, err
		}
		e.AgentID = stringPtr(agent)
		res = append(res, e)
	}
	return res, rows.Err()
}
