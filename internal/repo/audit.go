package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"gateline/internal/domain"
)

// AppendAudit appends a decision to the audit log inside the caller's
// transaction. The unique decision_id makes the append idempotent: a
// replayed insert for the same decision is a no-op rather than a second
// row.
func (r Repo) AppendAudit(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_logs(decision_id,ticket_id,event_id,status,reason_code,remote_addr,user_agent,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, nullableStringPtr(d.TicketID), d.EventID, d.Status, d.ReasonCode, d.RemoteAddr, d.UserAgent, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditCursor points past the last row a previous page returned.
type AuditCursor struct {
	CreatedAt string
	ID        int64
}

// EncodeAuditCursor renders a cursor for the query string.
func EncodeAuditCursor(c AuditCursor) string {
	return c.CreatedAt + "," + strconv.FormatInt(c.ID, 10)
}

// DecodeAuditCursor parses a cursor produced by EncodeAuditCursor.
func DecodeAuditCursor(s string) (AuditCursor, error) {
	idx := strings.LastIndex(s, ",")
	if idx <= 0 {
		return AuditCursor{}, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return AuditCursor{}, fmt.Errorf("invalid cursor")
	}
	return AuditCursor{CreatedAt: s[:idx], ID: id}, nil
}

// QueryAudit returns decisions most recent first, optionally scoped to an
// event, paginated by (created_at, id) keyset rather than offset. The
// returned cursor points at the next page; empty when exhausted.
func (r Repo) QueryAudit(ctx context.Context, eventID string, limit int, cursor *AuditCursor) ([]domain.Decision, string, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	args := []any{}
	if eventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, eventID)
	}
	if cursor != nil {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	query := `SELECT id,decision_id,ticket_id,event_id,status,reason_code,remote_addr,user_agent,created_at
FROM audit_logs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var res []domain.Decision
	var lastRow AuditCursor
	for rows.Next() {
		var d domain.Decision
		var rowID int64
		var ticketID sql.NullString
		if err := rows.Scan(&rowID, &d.ID, &ticketID, &d.EventID, &d.Status, &d.ReasonCode, &d.RemoteAddr, &d.UserAgent, &d.CreatedAt); err != nil {
			return nil, "", err
		}
		if ticketID.Valid {
			d.TicketID = &ticketID.String
		}
		res = append(res, d)
		lastRow = AuditCursor{CreatedAt: d.CreatedAt, ID: rowID}
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(res) == limit {
		next = EncodeAuditCursor(lastRow)
	}
	return res, next, nil
}

// GetDecision fetches a single audited decision by id.
func (r Repo) GetDecision(ctx context.Context, decisionID string) (domain.Decision, error) {
	var d domain.Decision
	var ticketID sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT decision_id,ticket_id,event_id,status,reason_code,remote_addr,user_agent,created_at FROM audit_logs WHERE decision_id=?`,
		decisionID).
		Scan(&d.ID, &ticketID, &d.EventID, &d.Status, &d.ReasonCode, &d.RemoteAddr, &d.UserAgent, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if ticketID.Valid {
		d.TicketID = &ticketID.String
	}
	return d, err
}
