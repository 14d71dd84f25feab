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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"revline/internal/domain"
	"revline/internal/engine"
	"revline/internal/engine/auth"
	"revline/internal/repo"
	"revline/internal/routing"
	"revline/internal/rules"
	"revline/internal/scoring"
	"revline/internal/workqueue"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// RateLimit is requests per second per client address; zero disables it.
	RateLimit float64
	RateBurst int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"claim_conflict"`
	Message string         `json:"message" example:"task already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"amount\"}"`
}

type bodyBytesKey struct{}

// maxBodyBytes caps request bodies; rule set imports are the largest payloads.
const maxBodyBytes = 1 << 20

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Revline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			// Schema validation failures are client errors.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if cfg.RateLimit > 0 {
		router.Use(newRateLimiter(cfg.RateLimit, cfg.RateBurst).middleware)
	}
	router.Use(bufferBody)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Revline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerScoring(group, cfg.Engine)
	registerOpportunities(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerMe(group, cfg.Engine)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		if _, ok := se.(*apiError); ok {
			return se
		}
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var te *workqueue.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	var nm *routing.NoMatchingRuleError
	if errors.As(err, &nm) {
		return newAPIError(http.StatusUnprocessableEntity, "no_matching_rule", err.Error(), map[string]any{
			"type":     nm.Type,
			"amount":   nm.Amount,
			"rule_set": nm.RuleSet,
		})
	}
	var rv *rules.ValidationError
	if errors.As(err, &rv) {
		return newAPIError(http.StatusInternalServerError, "rules_invalid", err.Error(), map[string]any{"problems": rv.Problems})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrClaimConflict):
		return newAPIError(http.StatusConflict, "claim_conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrTaskClosed):
		return newAPIError(http.StatusConflict, "task_closed", err.Error(), nil)
	case errors.Is(err, repo.ErrStaleWrite):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
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

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
    <title>Revline API Docs</title>
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

func registerScoring(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-scoring",
		Method:      http.MethodPost,
		Path:        "/scoring/runs",
		Summary:     "Recompute constituent scores",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body *ScoringRunRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body scoring.Result `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ScoringOptions{ActorID: principal.UserID}
		if input.Body != nil {
			opts.ConstituentIDs = input.Body.ConstituentIDs
			opts.BatchSize = input.Body.BatchSize
			opts.AsOf = input.Body.AsOf
		}
		res, err := e.RunScoring(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body scoring.Result `json:"body"`
		}{Body: res}, nil
	})
}

type routeResponse struct {
	Body engine.RouteResult `json:"body"`
}

func registerOpportunities(api huma.API, e engine.Engine) {
	routeErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusUnprocessableEntity,
	}
	huma.Register(api, huma.Operation{
		OperationID: "route-opportunity",
		Method:      http.MethodPost,
		Path:        "/opportunities/route",
		Summary:     "Create and route an opportunity",
		Errors:      routeErrors,
	}, func(ctx context.Context, input *struct {
		Body RouteOpportunityRequest `json:"body"`
	}) (*routeResponse, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := e.RouteOpportunity(ctx, engine.RouteRequest{
			ConstituentID: strings.TrimSpace(input.Body.ConstituentID),
			Type:          domain.OpportunityType(input.Body.Type),
			Amount:        input.Body.Amount,
			Override:      input.Body.Override,
			ActorID:       principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &routeResponse{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reroute-opportunity",
		Method:      http.MethodPost,
		Path:        "/opportunities/{id}/route",
		Summary:     "Route an existing opportunity again",
		Errors:      routeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body *RerouteOpportunityRequest `json:"body,omitempty" required:"false"`
	}) (*routeResponse, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req := engine.RouteRequest{OpportunityID: input.ID, ActorID: principal.UserID}
		if input.Body != nil {
			req.Override = input.Body.Override
		}
		res, err := e.RouteOpportunity(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &routeResponse{Body: res}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "work-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Tasks assigned to the caller or the caller's roles",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Mode     string   `query:"mode" enum:"user,role,combined" default:"combined"`
		Status   []string `query:"status"`
		Page     int      `query:"page" default:"1"`
		PageSize int      `query:"page_size" default:"50"`
	}) (*struct {
		Body QueueResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := e.GetWorkQueue(ctx, engine.QueueRequest{
			Mode:     input.Mode,
			Actor:    principal.actor(),
			Statuses: input.Status,
			Page:     input.Page,
			PageSize: input.PageSize,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueResponse `json:"body"`
		}{Body: queueResponse(page)}, nil
	})
}

type taskResult struct {
	Body TaskResponse `json:"body"`
}

type taskPath struct {
	ID string `path:"id"`
}

func registerTasks(api huma.API, e engine.Engine) {
	taskErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusConflict,
	}
	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/claim",
		Summary:     "Claim an unassigned task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*taskResult, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ClaimTask(ctx, input.ID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/status",
		Summary:     "Move a claimed task through its lifecycle",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TaskStatusRequest `json:"body"`
	}) (*taskResult, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTaskStatus(ctx, input.ID, principal.UserID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/release",
		Summary:     "Return a claimed task to the role queue",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*taskResult, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ReleaseTask(ctx, input.ID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskResult{Body: taskResponse(t)}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "Active rule set and stored versions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		History int `query:"history" default:"10" minimum:"0" maximum:"100"`
	}) (*struct {
		Body RulesResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		info, err := e.DescribeRules(ctx, input.History)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RulesResponse `json:"body"`
		}{Body: info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-rules",
		Method:      http.MethodPut,
		Path:        "/rules",
		Summary:     "Import a new rule set version",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ImportRulesRequest `json:"body"`
	}) (*struct {
		Body RulesResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.ImportRuleSet(ctx, engine.ImportRequest{
			Data:   []byte(input.Body.Document),
			Format: input.Body.Format,
			Actor:  principal.actor(),
		}); err != nil {
			return nil, handleError(err)
		}
		info, err := e.DescribeRules(ctx, 10)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RulesResponse `json:"body"`
		}{Body: info}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"constituent,opportunity,task,rule_set,scoring,user,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	adminErrors := []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden}
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/roles/grants",
		Summary:       "Grant a role to a user",
		DefaultStatus: http.StatusNoContent,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, principal.actor(), input.Body.UserID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodPost,
		Path:          "/roles/revocations",
		Summary:       "Revoke a role from a user",
		DefaultStatus: http.StatusNoContent,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, principal.actor(), input.Body.UserID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body *CreateAPIKeyRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var req CreateAPIKeyRequest
		if input.Body != nil {
			req = *input.Body
		}
		plain, key, err := e.CreateAPIKey(ctx, principal.actor(), strings.TrimSpace(req.UserID), req.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = plain
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys for a user",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID := input.UserID
		if userID == "" {
			userID = principal.UserID
		}
		keys, err := e.ListAPIKeys(ctx, principal.actor(), userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        append(adminErrors, http.StatusNotFound),
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, principal.actor(), input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.Whoami(ctx, principal.actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID: who.UserID,
			Roles:  nonNilSlice(who.Roles),
			Source: principal.Source,
		}}, nil
	})
}

// bufferBody keeps a copy of the request body so handlers can tell an absent
// body from one that decoded to zero values.
func bufferBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", nil))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, raw)))
	})
}

func bodyBytes(ctx context.Context) []byte {
	raw, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return raw
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
