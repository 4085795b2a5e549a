package domain

type Event struct {
	ID        string `json:"event_id"`
	Name      string `json:"name"`
	OrgID     string `json:"org_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Ticket struct {
	ID          string  `json:"ticket_id"`
	EventID     string  `json:"event_id"`
	OrgID       string  `json:"org_id"`
	Status      string  `json:"status" enum:"issued,validated"`
	ValidatedAt *string `json:"validated_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Decision is the immutable outcome of one validation attempt. It is the
// only record appended to the audit log.
type Decision struct {
	ID         string  `json:"decision_id"`
	TicketID   *string `json:"ticket_id,omitempty"`
	EventID    string  `json:"event_id"`
	Status     string  `json:"status" enum:"accepted,rejected,duplicate"`
	ReasonCode string  `json:"reason_code"`
	RemoteAddr string  `json:"remote_addr,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// Decision statuses.
const (
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusDuplicate = "duplicate"
)

// Reason codes carried on decisions.
const (
	ReasonOK               = "ok"
	ReasonOKOffline        = "ok_offline"
	ReasonOKSynced         = "ok_synced"
	ReasonIdempotentReplay = "idempotent_replay"
	ReasonInvalidToken     = "invalid_token"
	ReasonExpiredToken     = "expired_token"
	ReasonTicketMismatch   = "ticket_mismatch"
	ReasonAlreadyUsed      = "already_used"
	ReasonReplayOnSync     = "replay_on_sync"
	ReasonRateLimited      = "rate_limited"
)

// PendingAdmission is an offline-issued admission awaiting reconciliation
// against the authoritative ledger.
type PendingAdmission struct {
	ID         int64  `json:"id"`
	DecisionID string `json:"decision_id"`
	TicketID   string `json:"ticket_id"`
	EventID    string `json:"event_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
