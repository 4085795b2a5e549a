package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
)

type testServer struct {
	URL     string
	Engine  engine.Engine
	Event   domain.Event
	Tickets []domain.Ticket
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Gate.SigningSecret = "test-secret"
	for _, fn := range mutate {
		fn(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn.SetMaxOpenConns(1)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ev, err := e.CreateEvent(context.Background(), engine.CreateEventOptions{Name: "Launch Night", TicketCount: 10})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	tickets, err := e.Repo.ListTickets(context.Background(), ev.ID, 0)
	if err != nil {
		t.Fatalf("list tickets: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AdminSecret: cfg.API.AdminSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Event:   ev,
		Tickets: tickets,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func mintOverHTTP(t *testing.T, srv *testServer, ticketID string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/mint", map[string]any{
		"ticket_id":   ticketID,
		"event_id":    srv.Event.ID,
		"org_id":      srv.Event.OrgID,
		"ttl_minutes": 60,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mint status %d: %s", res.StatusCode, string(data))
	}
	var out MintResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal mint: %v", err)
	}
	if out.Token == "" {
		t.Fatal("empty token")
	}
	return out.Token
}

func TestMintValidateFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	tok := mintOverHTTP(t, srv, srv.Tickets[0].ID)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/validate", map[string]any{
		"qr_token": tok,
		"event_id": srv.Event.ID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var d DecisionResponse
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if d.Status != domain.StatusAccepted || d.ReasonCode != domain.ReasonOK {
		t.Fatalf("first scan: %s/%s", d.Status, d.ReasonCode)
	}
	if d.TicketID == nil || *d.TicketID != srv.Tickets[0].ID {
		t.Fatalf("decision ticket: %v", d.TicketID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/validate", map[string]any{
		"qr_token": mintOverHTTP(t, srv, srv.Tickets[0].ID),
		"event_id": srv.Event.ID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revalidate status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if d.Status != domain.StatusRejected || d.ReasonCode != domain.ReasonAlreadyUsed {
		t.Fatalf("second scan: %s/%s", d.Status, d.ReasonCode)
	}
}

func TestValidateIdempotencyKeyHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	tok := mintOverHTTP(t, srv, srv.Tickets[0].ID)
	headers := map[string]string{"Idempotency-Key": "req-1"}

	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/validate", map[string]any{
		"qr_token": tok,
		"event_id": srv.Event.ID,
	}, headers)
	var first DecisionResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal first: %v", err)
	}
	if first.Status != domain.StatusAccepted {
		t.Fatalf("first: %s/%s", first.Status, first.ReasonCode)
	}

	_, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/validate", map[string]any{
		"qr_token": tok,
		"event_id": srv.Event.ID,
	}, headers)
	var replay DecisionResponse
	if err := json.Unmarshal(data, &replay); err != nil {
		t.Fatalf("unmarshal replay: %v", err)
	}
	if replay.DecisionID != first.DecisionID {
		t.Fatalf("replay decision %s, want %s", replay.DecisionID, first.DecisionID)
	}
	if replay.Status != domain.StatusDuplicate || replay.ReasonCode != domain.ReasonIdempotentReplay {
		t.Fatalf("replay: %s/%s", replay.Status, replay.ReasonCode)
	}
}

func TestValidateBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/validate", map[string]any{
		"event_id": srv.Event.ID,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error code %q: %s", envelope.Error.Code, string(data))
	}
}

func TestAuditEndpointPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admin/scan", map[string]any{
			"event_id":  srv.Event.ID,
			"ticket_id": srv.Tickets[i].ID,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("scan %d status %d: %s", i, res.StatusCode, string(data))
		}
		time.Sleep(2 * time.Millisecond)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit?limit=2&event_id="+srv.Event.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var page AuditResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(page.Decisions) != 2 || page.NextCursor == "" {
		t.Fatalf("page: %d rows, cursor %q", len(page.Decisions), page.NextCursor)
	}
	if page.Decisions[0].CreatedAt < page.Decisions[1].CreatedAt {
		t.Fatalf("audit out of order: %s then %s", page.Decisions[0].CreatedAt, page.Decisions[1].CreatedAt)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit?limit=2&event_id="+srv.Event.ID+"&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit page 2 status %d: %s", res.StatusCode, string(data))
	}
	var page2 AuditResponse
	if err := json.Unmarshal(data, &page2); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(page2.Decisions) != 1 {
		t.Fatalf("page 2: %d rows", len(page2.Decisions))
	}
	if page2.Decisions[0].DecisionID == page.Decisions[0].DecisionID || page2.Decisions[0].DecisionID == page.Decisions[1].DecisionID {
		t.Fatal("cursor returned an already seen decision")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit?cursor=garbage", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor status %d: %s", res.StatusCode, string(data))
	}
}

func TestOfflineToggleAndReconcile(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/admin/offline", map[string]any{"enabled": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set offline status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/admin/offline", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get offline status %d: %s", res.StatusCode, string(data))
	}
	var off OfflineResponse
	if err := json.Unmarshal(data, &off); err != nil {
		t.Fatalf("unmarshal offline: %v", err)
	}
	if !off.Offline {
		t.Fatal("offline flag not set")
	}

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/validate", map[string]any{
		"qr_token": mintOverHTTP(t, srv, srv.Tickets[0].ID),
		"event_id": srv.Event.ID,
	}, nil)
	var d DecisionResponse
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if d.Status != domain.StatusAccepted || d.ReasonCode != domain.ReasonOKOffline {
		t.Fatalf("offline scan: %s/%s", d.Status, d.ReasonCode)
	}

	if _, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/admin/offline", map[string]any{"enabled": false}, nil); len(data) == 0 {
		t.Fatal("empty set-offline response")
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/reconcile", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status %d: %s", res.StatusCode, string(data))
	}
	var rec engine.ReconcileResult
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal reconcile: %v", err)
	}
	if rec.Synced != 1 || rec.Conflicts != 0 {
		t.Fatalf("reconcile: %+v", rec)
	}
}

func TestCreateEventAndListTickets(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admin/events", map[string]any{
		"name":         "Encore",
		"ticket_count": 3,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create event status %d: %s", res.StatusCode, string(data))
	}
	var ev EventResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.EventID == "" || ev.TicketCount != 3 {
		t.Fatalf("event: %+v", ev)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/admin/events/"+ev.EventID+"/tickets", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tickets status %d: %s", res.StatusCode, string(data))
	}
	var tickets []TicketResponse
	if err := json.Unmarshal(data, &tickets); err != nil {
		t.Fatalf("unmarshal tickets: %v", err)
	}
	if len(tickets) != 3 {
		t.Fatalf("got %d tickets", len(tickets))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/admin/events/evt_missing/tickets", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing event status %d: %s", res.StatusCode, string(data))
	}
}

func TestAdminAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *config.Config) {
		cfg.API.AdminSecret = "admin-secret"
	})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/admin/offline", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/admin/offline", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("admin-secret"))
	if err != nil {
		t.Fatalf("sign admin token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/admin/offline", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid token status %d: %s", res.StatusCode, string(data))
	}

	// Scanner routes stay open.
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/validate", map[string]any{
		"qr_token": mintOverHTTP(t, srv, srv.Tickets[0].ID),
		"event_id": srv.Event.ID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate without auth status %d", res.StatusCode)
	}
}

func TestValidateRateLimited(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Capacity = 2
		cfg.RateLimit.RefillPerSec = 0.001
	})
	defer cleanup()

	var last DecisionResponse
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/validate", map[string]any{
			"qr_token": mintOverHTTP(t, srv, srv.Tickets[i].ID),
			"event_id": srv.Event.ID,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("validate %d status %d: %s", i, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("unmarshal decision %d: %v", i, err)
		}
	}
	if last.Status != domain.StatusRejected || last.ReasonCode != domain.ReasonRateLimited {
		t.Fatalf("third scan: %s/%s", last.Status, last.ReasonCode)
	}
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("openapi not json: %v", err)
	}
}
