package repo

import (
	"context"
	"database/sql"

	"relay/internal/domain"
)

const poolColumns = `id,project_id,status,warm_pool_size,max_pool_size,context_threshold_percent,auto_delegate_enabled,skip_user_required,last_activity_at,created_at,updated_at`

func scanPool(row *sql.Row) (domain.Pool, error) {
	var p domain.Pool
	var lastActivity sql.NullString
	var autoDelegate, skipUser int
	err := row.Scan(&p.ID, &p.ProjectID, &p.Status, &p.WarmPoolSize, &p.MaxPoolSize, &p.ContextThresholdPercent,
		&autoDelegate, &skipUser, &lastActivity, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.AutoDelegateEnabled = autoDelegate != 0
	p.SkipUserRequired = skipUser != 0
	p.LastActivityAt = stringPtr(lastActivity)
	return p, nil
}

func (r Repo) InsertPoolTx(ctx context.Context, tx *sql.Tx, p domain.Pool) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pools(`+poolColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.Status, p.WarmPoolSize, p.MaxPoolSize, p.ContextThresholdPercent,
		boolInt(p.AutoDelegateEnabled), boolInt(p.SkipUserRequired), nullableStringPtr(p.LastActivityAt), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdatePoolTx(ctx context.Context, tx *sql.Tx, p domain.Pool) error {
	res, err := tx.ExecContext(ctx, `UPDATE pools SET status=?, warm_pool_size=?, max_pool_size=?, context_threshold_percent=?, auto_delegate_enabled=?, skip_user_required=?, last_activity_at=?, updated_at=? WHERE id=?`,
		p.Status, p.WarmPoolSize, p.MaxPoolSize, p.ContextThresholdPercent, boolInt(p.AutoDelegateEnabled), boolInt(p.SkipUserRequired),
		nullableStringPtr(p.LastActivityAt), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchPoolActivityTx stamps last_activity_at on the pool.
func (r Repo) TouchPoolActivityTx(ctx context.Context, tx *sql.Tx, poolID, ts string) error {
	_, err := tx.ExecContext(ctx, `UPDATE pools SET last_activity_at=? WHERE id=?`, ts, poolID)
	return err
}

func (r Repo) GetPoolByProject(ctx context.Context, projectID string) (domain.Pool, error) {
	return scanPool(r.DB.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE project_id=?`, projectID))
}

func (r Repo) GetPoolByProjectTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Pool, error) {
	return scanPool(tx.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE project_id=?`, projectID))
}

func (r Repo) GetPoolTx(ctx context.Context, tx *sql.Tx, id string) (domain.Pool, error) {
	return scanPool(tx.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE id=?`, id))
}

// CountSessions groups a pool's sessions by status.
func (r Repo) CountSessions(ctx context.Context, poolID string) (domain.PoolCounts, error) {
	return countSessions(ctx, r.DB, poolID)
}

func (r Repo) CountSessionsTx(ctx context.Context, tx *sql.Tx, poolID string) (domain.PoolCounts, error) {
	return countSessions(ctx, tx, poolID)
}

func countSessions(ctx context.Context, q queryer, poolID string) (domain.PoolCounts, error) {
	var counts domain.PoolCounts
	rows, err := q.QueryContext(ctx, `SELECT status, count(*) FROM sessions WHERE pool_id=? GROUP BY status`, poolID)
	if err != nil {
		return counts, err
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.SessionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		counts.Add(status, n)
	}
	return counts, rows.Err()
}

func (r Repo) GetPool(ctx context.Context, id string) (domain.Pool, error) {
	return scanPool(r.DB.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE id=?`, id))
}
