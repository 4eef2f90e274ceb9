package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"aegis/internal/app"
	"aegis/internal/catalog"
	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/engine"
	"aegis/internal/repo"
	"aegis/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid step status transition: pending -> completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"step_id\":\"lockdown\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Aegis API.
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
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	registry := newClearanceRegistry()
	if cfg.Engine.Clearance == nil {
		cfg.Engine.Clearance = registry.Allows
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, registry))
	hcfg := huma.DefaultConfig("Aegis API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAlerts(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerProtocols(group, cfg.Engine)
	registerSiteConfig(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, repo.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, catalog.ErrNoProtocol):
		return newAPIError(http.StatusUnprocessableEntity, "no_matching_protocol", msg, nil)
	case errors.Is(err, engine.ErrAlreadyActive), errors.Is(err, engine.ErrExecutionClosed):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrDependenciesNotMet):
		return newAPIError(http.StatusUnprocessableEntity, "dependencies_not_met", msg, nil)
	case errors.Is(err, engine.ErrClearance):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Aegis API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

func registerAlerts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "trigger-alert",
		Method:        http.MethodPost,
		Path:          "/alerts",
		Summary:       "Trigger an alert",
		Description:   "Selects the best-fit protocol for the alert and starts an execution.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body TriggerAlertRequest `json:"body"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		alert := domain.Alert{
			ID:       input.Body.ID,
			Type:     input.Body.Type,
			Priority: input.Body.Priority,
			Location: input.Body.Location,
			Source:   input.Body.Source,
		}
		if alert.ID == "" {
			alert.ID = uuid.New().String()
		}
		if alert.Source == "" {
			alert.Source = actorID
		}
		exec, err := e.Initiate(ctx, alert)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})
}

func registerExecutions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List active executions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Execution `json:"body"`
	}, error) {
		items := e.ListActive()
		if items == nil {
			items = []domain.Execution{}
		}
		return &struct {
			Body []domain.Execution `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{id}",
		Summary:     "Get execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		exec, err := e.GetExecution(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{id}/escalate",
		Summary:     "Escalate execution",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body EscalateRequest `json:"body"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		exec, err := e.Escalate(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{id}/abort",
		Summary:     "Abort execution",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body AbortRequest `json:"body"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		exec, err := e.Abort(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execution-report",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/report",
		Summary:     "Compliance report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ComplianceReport `json:"body"`
	}, error) {
		report, err := e.Report(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ComplianceReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerSteps(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "available-steps",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/steps/available",
		Summary:     "List steps ready to begin",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Step `json:"body"`
	}, error) {
		steps, err := e.AvailableSteps(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if steps == nil {
			steps = []domain.Step{}
		}
		return &struct {
			Body []domain.Step `json:"body"`
		}{Body: steps}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-step",
		Method:      http.MethodPatch,
		Path:        "/executions/{id}/steps/{step_id}",
		Summary:     "Update step status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID     string            `path:"id"`
		StepID string            `path:"step_id"`
		Body   UpdateStepRequest `json:"body"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exec, err := e.UpdateStepStatus(ctx, engine.StepUpdateOptions{
			ExecutionID: input.ID,
			StepID:      input.StepID,
			Status:      domain.StepStatus(input.Body.Status),
			Notes:       input.Body.Notes,
			Evidence:    input.Body.Evidence,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-step",
		Method:      http.MethodPost,
		Path:        "/executions/{id}/steps/{step_id}/assign",
		Summary:     "Assign step to an operator",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID     string            `path:"id"`
		StepID string            `path:"step_id"`
		Body   AssignStepRequest `json:"body"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		if input.Body.OperatorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "operator_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		exec, err := e.AssignOperator(ctx, input.ID, input.StepID, input.Body.OperatorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})
}

func registerProtocols(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-protocols",
		Method:      http.MethodGet,
		Path:        "/protocols",
		Summary:     "List protocols",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProtocolSummary `json:"body"`
	}, error) {
		items, err := e.Catalog.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProtocolSummary `json:"body"`
		}{Body: mapProtocolSummaries(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-protocol",
		Method:      http.MethodGet,
		Path:        "/protocols/select",
		Summary:     "Select protocol for an alert shape",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AlertType     string `query:"alert_type"`
		AlertPriority string `query:"alert_priority"`
	}) (*struct {
		Body domain.Protocol `json:"body"`
	}, error) {
		if input.AlertType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "alert_type is required", nil)
		}
		p, err := e.SelectProtocol(ctx, input.AlertType, input.AlertPriority)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Protocol `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-protocol",
		Method:      http.MethodGet,
		Path:        "/protocols/{id}",
		Summary:     "Get protocol",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Protocol `json:"body"`
	}, error) {
		p, err := e.Catalog.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Protocol `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-protocol-active",
		Method:      http.MethodPatch,
		Path:        "/protocols/{id}",
		Summary:     "Activate or retire a protocol",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body SetProtocolActiveRequest `json:"body"`
	}) (*struct {
		Body domain.Protocol `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.SetProtocolActive(ctx, input.ID, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Catalog.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Protocol `json:"body"`
		}{Body: p}, nil
	})
}

func registerSiteConfig(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "import-config",
		Method:      http.MethodPost,
		Path:        "/config/import",
		Summary:     "Import site config",
		Description: "Validates the YAML, stores it for the site, and upserts its protocols into the catalog.",
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body ImportConfigRequest `json:"body"`
	}) (*struct {
		Body ImportConfigResponse `json:"body"`
	}, error) {
		if input.Body.YAML == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "yaml is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := app.ImportConfig(ctx, e.Repo, cfg.Site.ID, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportConfigResponse `json:"body"`
		}{Body: ImportConfigResponse{SiteID: cfg.Site.ID, Protocols: len(cfg.Protocols)}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit journal events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		siteID := ""
		if e.Config != nil {
			siteID = e.Config.Site.ID
		}
		items, err := e.Repo.LatestEventsFrom(ctx, input.Limit, input.Cursor, siteID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
