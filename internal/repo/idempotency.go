package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Reservation is the outcome of ReserveOrGet: either this caller holds the
// reservation and must Finalize it, or another caller's finalized decision
// is returned.
type Reservation struct {
	Reserved   bool
	DecisionID string
}

const reservePollInterval = 10 * time.Millisecond

// ReserveOrGet atomically claims an idempotency key. Exactly one caller
// among concurrent callers with the same key gets Reserved; the rest get
// the winner's decision id. A caller racing a reservation that has not
// been finalized yet polls until the decision lands (the winner's
// transaction finalizes in the same commit that creates the decision, so
// the wait is bounded by that commit).
func (r Repo) ReserveOrGet(ctx context.Context, key, createdAt string) (Reservation, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys(key,decision_id,created_at) VALUES (?,NULL,?)`,
		key, createdAt)
	if err != nil {
		return Reservation{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return Reservation{}, err
	} else if n == 1 {
		return Reservation{Reserved: true}, nil
	}
	for {
		var decisionID sql.NullString
		err := r.DB.QueryRowContext(ctx, `SELECT decision_id FROM idempotency_keys WHERE key=?`, key).Scan(&decisionID)
		if err == sql.ErrNoRows {
			// Evicted between insert and read; reclaim.
			return r.ReserveOrGet(ctx, key, createdAt)
		}
		if err != nil {
			return Reservation{}, err
		}
		if decisionID.Valid {
			return Reservation{DecisionID: decisionID.String}, nil
		}
		select {
		case <-ctx.Done():
			return Reservation{}, ctx.Err()
		case <-time.After(reservePollInterval):
		}
	}
}

// Finalize commits the decision for a previously reserved key. It is a
// no-op if the key is already finalized.
func (r Repo) Finalize(ctx context.Context, tx *sql.Tx, key, decisionID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE idempotency_keys SET decision_id=? WHERE key=? AND decision_id IS NULL`,
		decisionID, key)
	if err != nil {
		return fmt.Errorf("finalize idempotency key: %w", err)
	}
	return nil
}

// ReleaseReservation drops an unfinalized reservation so a retry can
// claim the key again. Used when the reserving request dies before it can
// produce a decision.
func (r Repo) ReleaseReservation(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key=? AND decision_id IS NULL`, key)
	return err
}

// PurgeIdempotencyBefore evicts finalized records older than the cutoff.
// Retention must outlive any plausible client retry window.
func (r Repo) PurgeIdempotencyBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < ? AND decision_id IS NOT NULL`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
