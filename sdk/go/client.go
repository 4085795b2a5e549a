package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Decision is the API decision model.
type Decision struct {
	DecisionID string  `json:"decision_id"`
	TicketID   *string `json:"ticket_id,omitempty"`
	EventID    string  `json:"event_id"`
	Status     string  `json:"status"`
	ReasonCode string  `json:"reason_code"`
	CreatedAt  string  `json:"created_at"`
}

// Event is the API event model.
type Event struct {
	EventID     string `json:"event_id"`
	Name        string `json:"name"`
	OrgID       string `json:"org_id"`
	TicketCount int    `json:"ticket_count,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Ticket is the API ticket model.
type Ticket struct {
	TicketID    string  `json:"ticket_id"`
	EventID     string  `json:"event_id"`
	OrgID       string  `json:"org_id"`
	Status      string  `json:"status"`
	ValidatedAt *string `json:"validated_at,omitempty"`
}

// AuditPage wraps the audit listing with its cursor.
type AuditPage struct {
	Decisions  []Decision `json:"decisions"`
	NextCursor string     `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Mint requests a signed token for a ticket.
func (c *Client) Mint(ctx context.Context, ticketID, eventID, orgID string, ttlMinutes int) (string, error) {
	body := map[string]any{
		"ticket_id":   ticketID,
		"event_id":    eventID,
		"org_id":      orgID,
		"ttl_minutes": ttlMinutes,
	}
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v0/mint", body, nil, &resp)
	return resp.Token, err
}

// Validate submits a scanned token. An empty idempotencyKey means the
// request is an independent admission attempt.
func (c *Client) Validate(ctx context.Context, qrToken, eventID, idempotencyKey string) (Decision, error) {
	body := map[string]any{
		"qr_token": qrToken,
		"event_id": eventID,
	}
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/validate", body, headers, &resp)
	return resp, err
}

// Scan runs the operator mint-and-validate path.
func (c *Client) Scan(ctx context.Context, eventID, ticketID, orgID string) (Decision, error) {
	body := map[string]any{
		"event_id":  eventID,
		"ticket_id": ticketID,
		"org_id":    orgID,
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/admin/scan", body, nil, &resp)
	return resp, err
}

// Audit returns recent decisions, most recent first.
func (c *Client) Audit(ctx context.Context, limit int, cursor string) (AuditPage, error) {
	endpoint := "v0/audit"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// CreateEvent provisions an event with tickets.
func (c *Client) CreateEvent(ctx context.Context, name string, ticketCount int, orgID string) (Event, error) {
	body := map[string]any{
		"name":         name,
		"ticket_count": ticketCount,
		"org_id":       orgID,
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, "v0/admin/events", body, nil, &resp)
	return resp, err
}

// Tickets lists an event's tickets.
func (c *Client) Tickets(ctx context.Context, eventID string, limit int) ([]Ticket, error) {
	endpoint := fmt.Sprintf("v0/admin/events/%s/tickets", url.PathEscape(eventID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Ticket
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// SetOffline toggles degraded admission on the server.
func (c *Client) SetOffline(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPut, "v0/admin/offline", map[string]any{"enabled": enabled}, nil, nil)
}

// Offline reads the server's offline flag.
func (c *Client) Offline(ctx context.Context) (bool, error) {
	var resp struct {
		Offline bool `json:"offline"`
	}
	err := c.do(ctx, http.MethodGet, "v0/admin/offline", nil, nil, &resp)
	return resp.Offline, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
