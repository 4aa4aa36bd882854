package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"relay/internal/engine"
	"relay/internal/events"
	"relay/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Bus      *events.Bus
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"pool_at_capacity"`
	Message string         `json:"message" example:"pool has 5/5 live sessions"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"retryable\":true}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Relay API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Relay API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPool(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerWorkItems(group, cfg.Engine)
	registerDelegations(group, cfg.Engine)
	registerEvents(group, cfg.Engine, cfg.Bus)
	registerOpenAPI(router, api, basePath, cfg.Auth)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var it *engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"entity": it.Entity, "id": it.ID, "from": it.From, "to": it.To})
	}
	var pv *engine.PolicyViolationError
	if errors.As(err, &pv) {
		return newAPIError(http.StatusBadRequest, "policy_violation", err.Error(), map[string]any{"field": pv.Field, "reason": pv.Reason})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, engine.ErrPoolAtCapacity):
		return newAPIError(http.StatusConflict, "pool_at_capacity", err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, engine.ErrPoolNotAccepting):
		return newAPIError(http.StatusConflict, "pool_not_accepting", err.Error(), nil)
	case errors.Is(err, engine.ErrNotDelegable):
		return newAPIError(http.StatusUnprocessableEntity, "not_delegable", err.Error(), nil)
	case repo.IsBusy(err):
		return newAPIError(http.StatusServiceUnavailable, "busy", "database busy, retry later", map[string]any{"retryable": true})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cycle"),
		strings.Contains(lowered, "blocker"),
		strings.Contains(lowered, "different project"),
		strings.Contains(lowered, "cannot"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "must") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	page := strings.Replace(docsPage, "{{SPEC_URL}}", path.Join("/", basePath, "openapi.json"), 1)
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, auth AuthConfig) {
	var doc []byte
	var once sync.Once
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, basePath, auth)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// decorateOpenAPI documents the error envelope on every operation and the
// identity scheme the server actually enforces: a bearer JWT when a secret is
// configured, the X-Actor-Id header otherwise. Health needs neither.
func decorateOpenAPI(oas *huma.OpenAPI, basePath string, auth AuthConfig) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	scheme := "actorHeader"
	if strings.TrimSpace(auth.JWTSecret) != "" {
		scheme = "bearerAuth"
		oas.Components.SecuritySchemes[scheme] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	} else {
		oas.Components.SecuritySchemes[scheme] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Actor-Id"}
	}
	security := []map[string][]string{{scheme: {}}}
	oas.Security = security
	errorResponse := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errorResponse
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>Relay API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
  <script>window.onload = () => SwaggerUIBundle({url: '{{SPEC_URL}}', dom_id: '#swagger-ui'});</script>
</body>
</html>`

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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

// inProject hides entities of other projects behind a not found.
func inProject(kind, id, want, got string) error {
	if want != got {
		return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
	}
	return nil
}
