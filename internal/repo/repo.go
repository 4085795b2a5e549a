package repo

import (
	"context"
	"database/sql"
	"errors"

	"gateline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrMismatch means the ticket exists but belongs to a different event or org.
var ErrMismatch = errors.New("ticket does not belong to claimed event/org")

func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(id,name,org_id,created_at) VALUES (?,?,?,?)`,
		e.ID, e.Name, e.OrgID, e.CreatedAt)
	return err
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	var e domain.Event
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,org_id,created_at FROM events WHERE id=?`, id).
		Scan(&e.ID, &e.Name, &e.OrgID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) ListEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,org_id,created_at FROM events ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.Name, &e.OrgID, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tickets(id,event_id,org_id,status,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.EventID, t.OrgID, t.Status, t.CreatedAt)
	return err
}

func scanTicket(row *sql.Row) (domain.Ticket, error) {
	var t domain.Ticket
	var validatedAt sql.NullString
	err := row.Scan(&t.ID, &t.EventID, &t.OrgID, &t.Status, &validatedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if validatedAt.Valid {
		t.ValidatedAt = &validatedAt.String
	}
	return t, err
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	return scanTicket(r.DB.QueryRowContext(ctx,
		`SELECT id,event_id,org_id,status,validated_at,created_at FROM tickets WHERE id=?`, id))
}

func (r Repo) ListTickets(ctx context.Context, eventID string, limit int) ([]domain.Ticket, error) {
	query := `SELECT id,event_id,org_id,status,validated_at,created_at FROM tickets WHERE event_id=? ORDER BY id`
	args := []any{eventID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		var validatedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.EventID, &t.OrgID, &t.Status, &validatedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		if validatedAt.Valid {
			t.ValidatedAt = &validatedAt.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
