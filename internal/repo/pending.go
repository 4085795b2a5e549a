package repo

import (
	"context"
	"database/sql"

	"gateline/internal/domain"
)

// EnqueuePending records an offline-issued admission for later
// reconciliation against the authoritative ledger.
func (r Repo) EnqueuePending(ctx context.Context, tx *sql.Tx, p domain.PendingAdmission) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_admissions(decision_id,ticket_id,event_id,created_at) VALUES (?,?,?,?)`,
		p.DecisionID, p.TicketID, p.EventID, p.CreatedAt)
	return err
}

// ListPending returns queued offline admissions oldest first.
func (r Repo) ListPending(ctx context.Context, limit int) ([]domain.PendingAdmission, error) {
	query := `SELECT id,decision_id,ticket_id,event_id,created_at FROM pending_admissions ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingAdmission
	for rows.Next() {
		var p domain.PendingAdmission
		if err := rows.Scan(&p.ID, &p.DecisionID, &p.TicketID, &p.EventID, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// PendingForTicket reports whether an offline admission for the ticket is
// already queued. The offline path uses this to keep local single-use.
func (r Repo) PendingForTicket(ctx context.Context, ticketID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM pending_admissions WHERE ticket_id=? LIMIT 1`, ticketID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// DeletePending removes a reconciled queue entry.
func (r Repo) DeletePending(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pending_admissions WHERE id=?`, id)
	return err
}

// CountPending returns the reconciliation backlog size.
func (r Repo) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_admissions`).Scan(&n)
	return n, err
}
