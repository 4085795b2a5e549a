package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gateline/internal/engine"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"ttl must be positive"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	limiter := newRateLimiter(cfg.Engine.Config.RateLimit.Capacity, cfg.Engine.Config.RateLimit.RefillPerSec)

	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerMint(group, cfg.Engine)
	registerValidate(group, cfg.Engine, limiter)
	registerAudit(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ie engine.InvalidInputError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestFromContext(ctx context.Context) *http.Request {
	r, _ := ctx.Value(requestKey{}).(*http.Request)
	return r
}

func clientInfo(ctx context.Context) (remoteAddr, userAgent string) {
	r := requestFromContext(ctx)
	if r == nil {
		return "", ""
	}
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		addr = addr[:i]
	}
	return addr, r.UserAgent()
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMint(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "mint-token",
		Method:      http.MethodPost,
		Path:        "/mint",
		Summary:     "Mint a signed ticket token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body MintRequest `json:"body"`
	}) (*struct {
		Body MintResponse `json:"body"`
	}, error) {
		ttl := time.Duration(input.Body.TTLMinutes) * time.Minute
		tok, err := e.MintToken(ctx, input.Body.TicketID, input.Body.EventID, input.Body.OrgID, ttl)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MintResponse `json:"body"`
		}{Body: MintResponse{Token: tok}}, nil
	})
}

func registerValidate(api huma.API, e engine.Engine, limiter *rateLimiter) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-ticket",
		Method:      http.MethodPost,
		Path:        "/validate",
		Summary:     "Validate a scanned ticket token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string          `header:"Idempotency-Key"`
		Body           ValidateRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		remoteAddr, userAgent := clientInfo(ctx)
		if !limiter.allow(remoteAddr, time.Now()) {
			d, err := e.RejectRateLimited(ctx, input.Body.EventID, remoteAddr, userAgent)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body DecisionResponse `json:"body"`
			}{Body: decisionResponse(d)}, nil
		}
		d, err := e.Validate(ctx, engine.ValidateOptions{
			QRToken:        input.Body.QRToken,
			EventID:        input.Body.EventID,
			IdempotencyKey: input.IdempotencyKey,
			RemoteAddr:     remoteAddr,
			UserAgent:      userAgent,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit trail, most recent first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit   int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor  string `query:"cursor"`
		EventID string `query:"event_id"`
	}) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		var cursor *repo.AuditCursor
		if input.Cursor != "" {
			c, err := repo.DecodeAuditCursor(input.Cursor)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			cursor = &c
		}
		items, next, err := e.Repo.QueryAudit(ctx, input.EventID, input.Limit, cursor)
		if err != nil {
			return nil, handleError(err)
		}
		out := AuditResponse{NextCursor: next, Decisions: make([]DecisionResponse, 0, len(items))}
		for _, d := range items {
			out.Decisions = append(out.Decisions, decisionResponse(d))
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-offline",
		Method:      http.MethodGet,
		Path:        "/admin/offline",
		Summary:     "Read the offline admission flag",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OfflineResponse `json:"body"`
	}, error) {
		offline, err := e.Offline(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OfflineResponse `json:"body"`
		}{Body: OfflineResponse{Offline: offline}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-offline",
		Method:      http.MethodPut,
		Path:        "/admin/offline",
		Summary:     "Toggle degraded (offline) admission",
	}, func(ctx context.Context, input *struct {
		Body OfflineRequest `json:"body"`
	}) (*struct {
		Body OfflineResponse `json:"body"`
	}, error) {
		if err := e.SetOffline(ctx, input.Body.Enabled); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OfflineResponse `json:"body"`
		}{Body: OfflineResponse{Offline: input.Body.Enabled}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-event",
		Method:        http.MethodPost,
		Path:          "/admin/events",
		Summary:       "Create an event with its ticket inventory",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateEventRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		ev, err := e.CreateEvent(ctx, engine.CreateEventOptions{
			Name:        input.Body.Name,
			OrgID:       input.Body.OrgID,
			TicketCount: input.Body.TicketCount,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev, input.Body.TicketCount)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/admin/events",
		Summary:     "List events",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			out = append(out, eventResponse(ev, 0))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/admin/events/{event_id}/tickets",
		Summary:     "List an event's tickets",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
		Limit   int    `query:"limit" default:"500" minimum:"1" maximum:"5000"`
	}) (*struct {
		Body []TicketResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEvent(ctx, input.EventID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTickets(ctx, input.EventID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TicketResponse, 0, len(items))
		for _, t := range items {
			out = append(out, ticketResponse(t))
		}
		return &struct {
			Body []TicketResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scan-ticket",
		Method:      http.MethodPost,
		Path:        "/admin/scan",
		Summary:     "Operator scan: mint and validate in one step",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ScanRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		remoteAddr, userAgent := clientInfo(ctx)
		d, err := e.Scan(ctx, input.Body.EventID, input.Body.TicketID, input.Body.OrgID, remoteAddr, userAgent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/admin/reconcile",
		Summary:     "Replay queued offline admissions through the ledger",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.ReconcileResult `json:"body"`
	}, error) {
		res, err := e.Reconcile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReconcileResult `json:"body"`
		}{Body: res}, nil
	})
}
