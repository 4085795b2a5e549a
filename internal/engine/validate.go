package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gateline/internal/domain"
	"gateline/internal/repo"
	"gateline/internal/token"
)

// ValidateOptions carry one scan through the admission state machine.
type ValidateOptions struct {
	QRToken        string
	EventID        string
	IdempotencyKey string
	RemoteAddr     string
	UserAgent      string
}

// Validate runs one admission attempt to a final, audited decision.
//
// Strict path: verify token, resolve ticket, claim the idempotency key,
// admit through the ledger, then write decision + audit + finalization in
// a single transaction. Degraded path (offline flag set): verification is
// unchanged, single-use is enforced against last-known local state plus
// the pending queue, the admission is queued for reconciliation, and
// idempotency falls back to a local-only cache.
func (e Engine) Validate(ctx context.Context, opts ValidateOptions) (domain.Decision, error) {
	// The decision is authoritative whether or not the caller sticks
	// around to see it; an abandoned request still runs to finality.
	ctx = context.WithoutCancel(ctx)

	if opts.QRToken == "" {
		return domain.Decision{}, InvalidInputError{Msg: "qr_token is required"}
	}
	if opts.EventID == "" {
		return domain.Decision{}, InvalidInputError{Msg: "event_id is required"}
	}

	offline, err := e.Offline(ctx)
	if err != nil {
		return domain.Decision{}, err
	}

	d := domain.Decision{
		ID:         uuid.New().String(),
		EventID:    opts.EventID,
		RemoteAddr: opts.RemoteAddr,
		UserAgent:  opts.UserAgent,
	}

	// Token verification is local and identical on both paths.
	codec := e.Codec
	codec.Now = e.Now
	claims, verr := codec.Verify(opts.QRToken)
	rejected := false
	switch {
	case errors.Is(verr, token.ErrExpired):
		d.Status, d.ReasonCode, rejected = domain.StatusRejected, domain.ReasonExpiredToken, true
	case verr != nil:
		d.Status, d.ReasonCode, rejected = domain.StatusRejected, domain.ReasonInvalidToken, true
	case claims.EventID != opts.EventID:
		d.TicketID = optionalString(claims.TicketID)
		d.Status, d.ReasonCode, rejected = domain.StatusRejected, domain.ReasonTicketMismatch, true
	default:
		d.TicketID = optionalString(claims.TicketID)
	}

	// Resolve the ticket before touching the idempotency store so a
	// replayed key short-circuits without re-running admission.
	if !rejected {
		_, lerr := e.Repo.Lookup(ctx, claims.TicketID, claims.EventID, claims.OrgID)
		if errors.Is(lerr, repo.ErrNotFound) || errors.Is(lerr, repo.ErrMismatch) {
			d.Status, d.ReasonCode, rejected = domain.StatusRejected, domain.ReasonTicketMismatch, true
		} else if lerr != nil {
			return domain.Decision{}, lerr
		}
	}

	if offline {
		return e.decideOffline(ctx, opts, d, rejected)
	}
	return e.decideStrict(ctx, opts, d, rejected)
}

// decideStrict finishes a validation against the authoritative stores.
// Rejections established earlier still pass through idempotency
// reservation and finalization when a key was given.
func (e Engine) decideStrict(ctx context.Context, opts ValidateOptions, d domain.Decision, rejected bool) (domain.Decision, error) {
	reserved := false
	if opts.IdempotencyKey != "" {
		rv, err := e.Repo.ReserveOrGet(ctx, opts.IdempotencyKey, e.timestamp())
		if err != nil {
			return domain.Decision{}, err
		}
		if !rv.Reserved {
			return e.replay(ctx, rv.DecisionID)
		}
		reserved = true
	}

	finalized := false
	defer func() {
		// A reservation that never produced a decision must not wedge the
		// key for honest retries.
		if reserved && !finalized {
			_ = e.Repo.ReleaseReservation(ctx, opts.IdempotencyKey)
		}
	}()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	if !rejected {
		admitted, err := e.Repo.Admit(ctx, tx, *d.TicketID, now)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("ledger admit: %w", err)
		}
		if admitted {
			d.Status, d.ReasonCode = domain.StatusAccepted, domain.ReasonOK
		} else {
			d.Status, d.ReasonCode = domain.StatusRejected, domain.ReasonAlreadyUsed
		}
	}
	d.CreatedAt = now

	if err := e.Repo.AppendAudit(ctx, tx, d); err != nil {
		return domain.Decision{}, err
	}
	if reserved {
		if err := e.Repo.Finalize(ctx, tx, opts.IdempotencyKey, d.ID); err != nil {
			return domain.Decision{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}
	finalized = true
	return d, nil
}

// decideOffline finishes a validation without the authoritative ledger.
// Known-good, unexpired tokens are admitted on last-known local state and
// queued for reconciliation; the bounded double-admission risk is
// detected and reported by Reconcile, never discarded.
func (e Engine) decideOffline(ctx context.Context, opts ValidateOptions, d domain.Decision, rejected bool) (domain.Decision, error) {
	if opts.IdempotencyKey != "" {
		if cached, ok := e.offlineIdem.Get(opts.IdempotencyKey); ok {
			dup := cached
			dup.Status = domain.StatusDuplicate
			dup.ReasonCode = domain.ReasonIdempotentReplay
			return dup, nil
		}
	}

	if !rejected {
		// Local single-use: the last-known ledger copy plus anything this
		// process admitted offline since.
		t, err := e.Repo.GetTicket(ctx, *d.TicketID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Decision{}, err
		}
		queued := false
		if err == nil {
			queued, err = e.Repo.PendingForTicket(ctx, t.ID)
			if err != nil {
				return domain.Decision{}, err
			}
		}
		if err == nil && (t.Status == "validated" || queued) {
			d.Status, d.ReasonCode, rejected = domain.StatusRejected, domain.ReasonAlreadyUsed, true
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()

	d.CreatedAt = e.timestamp()
	if !rejected {
		d.Status, d.ReasonCode = domain.StatusAccepted, domain.ReasonOKOffline
		if err := e.Repo.EnqueuePending(ctx, tx, domain.PendingAdmission{
			DecisionID: d.ID,
			TicketID:   *d.TicketID,
			EventID:    d.EventID,
			CreatedAt:  d.CreatedAt,
		}); err != nil {
			return domain.Decision{}, fmt.Errorf("enqueue pending admission: %w", err)
		}
	}
	if err := e.Repo.AppendAudit(ctx, tx, d); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}

	if opts.IdempotencyKey != "" {
		e.offlineIdem.Add(opts.IdempotencyKey, d)
	}
	return d, nil
}

// replay echoes a finalized decision for a reused idempotency key. The
// engine never re-runs admission for a replayed key, even if the ticket
// state has since changed.
func (e Engine) replay(ctx context.Context, decisionID string) (domain.Decision, error) {
	orig, err := e.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("load replayed decision %s: %w", decisionID, err)
	}
	dup := orig
	dup.Status = domain.StatusDuplicate
	dup.ReasonCode = domain.ReasonIdempotentReplay
	return dup, nil
}
