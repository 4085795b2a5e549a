package repo

import (
	"context"
	"database/sql"

	"gateline/internal/domain"
)

// Lookup validates that the ticket exists and belongs to the claimed
// event/org before any admission attempt.
func (r Repo) Lookup(ctx context.Context, ticketID, eventID, orgID string) (domain.Ticket, error) {
	t, err := r.GetTicket(ctx, ticketID)
	if err != nil {
		return t, err
	}
	if t.EventID != eventID || t.OrgID != orgID {
		return t, ErrMismatch
	}
	return t, nil
}

// Admit transitions a ticket from issued to validated. The single UPDATE
// with a status guard is the serialization point: among concurrent admits
// on the same ticket exactly one sees an affected row. Admitted reports
// whether this caller won; false means the ticket was already used.
func (r Repo) Admit(ctx context.Context, tx *sql.Tx, ticketID, validatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tickets SET status='validated', validated_at=? WHERE id=? AND status='issued'`,
		validatedAt, ticketID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
