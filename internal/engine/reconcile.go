package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"gateline/internal/domain"
)

// ReconcileResult summarizes one reconciliation pass over the offline
// admission queue.
type ReconcileResult struct {
	Synced    int `json:"synced"`
	Conflicts int `json:"conflicts"`
}

// Reconcile replays queued offline admissions through the authoritative
// ledger. Each entry yields a fresh audited decision: ok_synced when the
// ledger accepts the offline admission, replay_on_sync when the ticket
// turns out to have been used elsewhere. Conflicts are flagged in the
// audit trail, never silently resolved.
func (e Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	pending, err := e.Repo.ListPending(ctx, 0)
	if err != nil {
		return res, err
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		synced, err := e.reconcileOne(ctx, p)
		if err != nil {
			return res, fmt.Errorf("reconcile decision %s: %w", p.DecisionID, err)
		}
		if synced {
			res.Synced++
		} else {
			res.Conflicts++
		}
	}
	return res, nil
}

func (e Engine) reconcileOne(ctx context.Context, p domain.PendingAdmission) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	admitted, err := e.Repo.Admit(ctx, tx, p.TicketID, now)
	if err != nil {
		return false, err
	}
	d := domain.Decision{
		ID:        uuid.New().String(),
		TicketID:  &p.TicketID,
		EventID:   p.EventID,
		CreatedAt: now,
	}
	if admitted {
		d.Status, d.ReasonCode = domain.StatusAccepted, domain.ReasonOKSynced
	} else {
		d.Status, d.ReasonCode = domain.StatusRejected, domain.ReasonReplayOnSync
	}
	if err := e.Repo.AppendAudit(ctx, tx, d); err != nil {
		return false, err
	}
	if err := e.Repo.DeletePending(ctx, tx, p.ID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return admitted, nil
}

// RejectRateLimited records an audited rejection for a scan refused by
// the rate limiter before it reached the state machine proper. The caller
// gets a structured decision rather than a bare fault, and a later retry
// is a fresh attempt.
func (e Engine) RejectRateLimited(ctx context.Context, eventID, remoteAddr, userAgent string) (domain.Decision, error) {
	ctx = context.WithoutCancel(ctx)
	d := domain.Decision{
		ID:         uuid.New().String(),
		EventID:    eventID,
		Status:     domain.StatusRejected,
		ReasonCode: domain.ReasonRateLimited,
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
		CreatedAt:  e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AppendAudit(ctx, tx, d); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}
	return d, nil
}
