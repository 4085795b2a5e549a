package server

import (
	"gateline/internal/domain"
)

// Request payloads

type MintRequest struct {
	TicketID   string `json:"ticket_id"`
	EventID    string `json:"event_id"`
	OrgID      string `json:"org_id"`
	TTLMinutes int    `json:"ttl_minutes"`
}

type ValidateRequest struct {
	QRToken string `json:"qr_token"`
	EventID string `json:"event_id"`
}

type CreateEventRequest struct {
	Name        string `json:"name"`
	TicketCount int    `json:"ticket_count"`
	OrgID       string `json:"org_id,omitempty"`
}

type ScanRequest struct {
	EventID  string `json:"event_id"`
	TicketID string `json:"ticket_id"`
	OrgID    string `json:"org_id,omitempty"`
}

type OfflineRequest struct {
	Enabled bool `json:"enabled"`
}

// Response payloads

type MintResponse struct {
	Token string `json:"token"`
}

type DecisionResponse struct {
	DecisionID string  `json:"decision_id"`
	TicketID   *string `json:"ticket_id,omitempty"`
	EventID    string  `json:"event_id"`
	Status     string  `json:"status" enum:"accepted,rejected,duplicate"`
	ReasonCode string  `json:"reason_code"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type AuditResponse struct {
	Decisions  []DecisionResponse `json:"decisions"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type OfflineResponse struct {
	Offline bool `json:"offline"`
}

type EventResponse struct {
	EventID     string `json:"event_id"`
	Name        string `json:"name"`
	OrgID       string `json:"org_id"`
	TicketCount int    `json:"ticket_count,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TicketResponse struct {
	TicketID    string  `json:"ticket_id"`
	EventID     string  `json:"event_id"`
	OrgID       string  `json:"org_id"`
	Status      string  `json:"status" enum:"issued,validated"`
	ValidatedAt *string `json:"validated_at,omitempty" format:"date-time"`
}

func decisionResponse(d domain.Decision) DecisionResponse {
	return DecisionResponse{
		DecisionID: d.ID,
		TicketID:   d.TicketID,
		EventID:    d.EventID,
		Status:     d.Status,
		ReasonCode: d.ReasonCode,
		CreatedAt:  d.CreatedAt,
	}
}

func eventResponse(ev domain.Event, ticketCount int) EventResponse {
	return EventResponse{
		EventID:     ev.ID,
		Name:        ev.Name,
		OrgID:       ev.OrgID,
		TicketCount: ticketCount,
		CreatedAt:   ev.CreatedAt,
	}
}

func ticketResponse(t domain.Ticket) TicketResponse {
	return TicketResponse{
		TicketID:    t.ID,
		EventID:     t.EventID,
		OrgID:       t.OrgID,
		Status:      t.Status,
		ValidatedAt: t.ValidatedAt,
	}
}
