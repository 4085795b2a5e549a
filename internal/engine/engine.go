package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/repo"
	"gateline/internal/token"
)

// offlineCacheSize bounds the local-only idempotency cache used while the
// authoritative stores are unreachable.
const offlineCacheSize = 4096

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Codec  token.Codec
	Config *config.Config
	Now    func() time.Time

	// offlineIdem deduplicates retried requests while offline. It gives
	// no cross-process guarantee and is never promoted to the strict
	// idempotency contract of the backing store.
	offlineIdem *expirable.LRU[string, domain.Decision]
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Codec:       token.Codec{Secret: cfg.Gate.SigningSecret},
		Config:      cfg,
		Now:         time.Now,
		offlineIdem: expirable.NewLRU[string, domain.Decision](offlineCacheSize, nil, 12*time.Hour),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

// InvalidInputError is a caller error rejected at the boundary, before the
// validation state machine; it never reaches the audit log.
type InvalidInputError struct {
	Msg string
}

func (e InvalidInputError) Error() string { return e.Msg }

// MintToken signs a time-bounded credential binding a ticket to its event
// and org. The token is handed to whoever asked; the engine never stores
// it.
func (e Engine) MintToken(ctx context.Context, ticketID, eventID, orgID string, ttl time.Duration) (string, error) {
	if ticketID == "" || eventID == "" || orgID == "" {
		return "", InvalidInputError{Msg: "ticket_id, event_id and org_id are required"}
	}
	if ttl <= 0 {
		return "", InvalidInputError{Msg: "ttl must be positive"}
	}
	codec := e.Codec
	codec.Now = e.Now
	return codec.Mint(ticketID, eventID, orgID, ttl)
}

// Offline reads the process-wide offline flag.
func (e Engine) Offline(ctx context.Context) (bool, error) {
	return e.Repo.OfflineMode(ctx, e.Config.Gate.OfflineDefault)
}

// SetOffline toggles degraded admission. In-flight validations finish
// under the policy they started with.
func (e Engine) SetOffline(ctx context.Context, enabled bool) error {
	return e.Repo.SetOfflineMode(ctx, enabled)
}

var ticketWords = []string{
	"alpha", "beta", "gamma", "delta", "omega",
	"llama", "panda", "tiger", "eagle", "otter",
	"nova", "comet", "orbit", "pixel", "spark",
	"jade", "ember", "cobalt", "onyx", "ivory",
}

// CreateEventOptions are parameters for provisioning an event with its
// ticket inventory.
type CreateEventOptions struct {
	Name        string
	OrgID       string
	TicketCount int
}

// CreateEvent provisions an event and its tickets in one transaction.
// Ticket ids embed the event's short code and a word so operators can
// read them off a list out loud.
func (e Engine) CreateEvent(ctx context.Context, opts CreateEventOptions) (domain.Event, error) {
	if opts.Name == "" {
		return domain.Event{}, InvalidInputError{Msg: "name is required"}
	}
	if opts.TicketCount < 1 || opts.TicketCount > 5000 {
		return domain.Event{}, InvalidInputError{Msg: "ticket_count must be between 1 and 5000"}
	}
	if opts.OrgID == "" {
		opts.OrgID = "org_1"
	}
	short := uuid.New().String()[:8]
	ev := domain.Event{
		ID:        "evt_" + short,
		Name:      opts.Name,
		OrgID:     opts.OrgID,
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvent(ctx, tx, ev); err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	for i := 1; i <= opts.TicketCount; i++ {
		t := domain.Ticket{
			ID:        fmt.Sprintf("ticket-%s-%s-%03d", short[:4], ticketWords[(i-1)%len(ticketWords)], i),
			EventID:   ev.ID,
			OrgID:     ev.OrgID,
			Status:    "issued",
			CreatedAt: ev.CreatedAt,
		}
		if err := e.Repo.InsertTicket(ctx, tx, t); err != nil {
			return domain.Event{}, fmt.Errorf("insert ticket %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// Scan is the operator-desk path: mint a short-lived token for a known
// ticket and run it through the real gate. No idempotency key; every scan
// is an independent admission attempt.
func (e Engine) Scan(ctx context.Context, eventID, ticketID, orgID string, remoteAddr, userAgent string) (domain.Decision, error) {
	if orgID == "" {
		orgID = "org_1"
	}
	tok, err := e.MintToken(ctx, ticketID, eventID, orgID, e.Config.DefaultTTL())
	if err != nil {
		return domain.Decision{}, err
	}
	return e.Validate(ctx, ValidateOptions{
		QRToken:    tok,
		EventID:    eventID,
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
	})
}

// PurgeIdempotency evicts finalized idempotency records older than the
// configured retention.
func (e Engine) PurgeIdempotency(ctx context.Context) (int64, error) {
	cutoff := e.now().UTC().Add(-e.Config.IdempotencyRetention()).Format(time.RFC3339Nano)
	return e.Repo.PurgeIdempotencyBefore(ctx, cutoff)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
