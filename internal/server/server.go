package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/engine/auth"
	"taskrelay/internal/realtime"
	"taskrelay/internal/repo"
	"taskrelay/internal/vault"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Hub feeds the realtime event streams. Streams are not registered when nil.
	Hub         *realtime.Hub
	SettleDelay time.Duration
	CORSOrigins []string
	Logger      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"work unit not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"collection_id\":\"c1\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the taskrelay API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
			MaxAge:         300,
		}))
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("taskrelay API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCredentials(group, cfg.Engine)
	registerCollections(group, cfg.Engine)
	registerWorkUnits(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerWebhook(group, cfg.Engine)
	if cfg.Hub != nil {
		registerStreams(group, cfg.Engine, streamer{
			hub:    cfg.Hub,
			fetch:  realtime.FetcherFunc(cfg.Engine.Repo.GetMessage),
			settle: cfg.SettleDelay,
			logger: logger,
		})
	}
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
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"collection_id": fe.CollectionID})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrValidation), errors.Is(err, vault.ErrEmptyValue):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, vault.ErrKeyNotConfigured), errors.Is(err, vault.ErrInvalidKey):
		return newAPIError(http.StatusServiceUnavailable, "not_configured", "credential vault is not configured", nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireCollectionMember resolves the caller and checks they belong to an
// existing collection.
func requireCollectionMember(ctx context.Context, e engine.Engine, collectionID string) (string, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if _, err := e.Repo.GetCollection(ctx, collectionID); err != nil {
		return "", err
	}
	if err := e.Auth.RequireMember(ctx, collectionID, actorID); err != nil {
		return "", err
	}
	return actorID, nil
}

// requireWorkUnitMember loads a live work unit and checks the caller belongs
// to its collection.
func requireWorkUnitMember(ctx context.Context, e engine.Engine, workUnitID string) (domain.WorkUnit, string, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return domain.WorkUnit{}, "", authErr
	}
	w, err := e.GetWorkUnit(ctx, workUnitID)
	if err != nil {
		return domain.WorkUnit{}, "", err
	}
	if err := e.Auth.RequireMember(ctx, w.CollectionID, actorID); err != nil {
		return domain.WorkUnit{}, "", err
	}
	return w, actorID, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):  true,
		path.Join("/", basePath, "webhook"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>taskrelay API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerCredentials(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-credential",
		Method:      http.MethodPut,
		Path:        "/me/credentials/{provider}",
		Summary:     "Store an identity provider access token",
		Description: "The token is encrypted with the active vault key before it is persisted and is never returned.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Provider string               `path:"provider"`
		Body     SetCredentialRequest `json:"body"`
	}) (*struct {
		Body CredentialResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acct, err := e.SetCredential(ctx, actorID, input.Provider, input.Body.Handle, input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CredentialResponse `json:"body"`
		}{Body: CredentialResponse{
			ActorID:   acct.ActorID,
			Provider:  acct.Provider,
			Handle:    acct.Handle,
			UpdatedAt: acct.UpdatedAt,
		}}, nil
	})
}

func registerCollections(api huma.API, e engine.Engine) {
	type collectionPath struct {
		CollectionID string `path:"collection_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-collection",
		Method:        http.MethodPost,
		Path:          "/collections",
		Summary:       "Create collection",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCollectionRequest `json:"body"`
	}) (*struct {
		Body CollectionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCollection(ctx, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CollectionResponse `json:"body"`
		}{Body: collectionResponse(c, []string{actorID})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-collection",
		Method:      http.MethodGet,
		Path:        "/collections/{collection_id}",
		Summary:     "Get collection",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *collectionPath) (*struct {
		Body CollectionResponse `json:"body"`
	}, error) {
		if _, err := requireCollectionMember(ctx, e, input.CollectionID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetCollection(ctx, input.CollectionID)
		if err != nil {
			return nil, handleError(err)
		}
		members, err := e.Repo.ListMembers(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CollectionResponse `json:"body"`
		}{Body: collectionResponse(c, nonNilSlice(members))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-collection-member",
		Method:        http.MethodPost,
		Path:          "/collections/{collection_id}/members",
		Summary:       "Add collection member",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CollectionID string           `path:"collection_id"`
		Body         AddMemberRequest `json:"body"`
	}) (*struct{}, error) {
		if _, err := requireCollectionMember(ctx, e, input.CollectionID); err != nil {
			return nil, handleError(err)
		}
		member := strings.TrimSpace(input.Body.ActorID)
		if member == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if err := e.AddMember(ctx, input.CollectionID, member); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-collection-infrastructure",
		Method:      http.MethodPut,
		Path:        "/collections/{collection_id}/infrastructure",
		Summary:     "Set execution infrastructure for a collection",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CollectionID string                   `path:"collection_id"`
		Body         SetInfrastructureRequest `json:"body"`
	}) (*struct {
		Body domain.Infrastructure `json:"body"`
	}, error) {
		if _, err := requireCollectionMember(ctx, e, input.CollectionID); err != nil {
			return nil, handleError(err)
		}
		inf, err := e.SetInfrastructure(ctx, domain.Infrastructure{
			CollectionID: input.CollectionID,
			SandboxURL:   stringOrEmpty(input.Body.SandboxURL),
			SecretAlias:  stringOrEmpty(input.Body.SecretAlias),
			PoolID:       stringOrEmpty(input.Body.PoolID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Infrastructure `json:"body"`
		}{Body: inf}, nil
	})
}

func registerWorkUnits(api huma.API, e engine.Engine) {
	type workUnitPath struct {
		WorkUnitID string `path:"work_unit_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-unit",
		Method:        http.MethodPost,
		Path:          "/collections/{collection_id}/work-units",
		Summary:       "Create a work unit and dispatch its first message",
		Description:   "A failed dispatch is reported in the dispatch field; the work unit and message are kept.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CollectionID string                `path:"collection_id"`
		Body         CreateWorkUnitRequest `json:"body"`
	}) (*struct {
		Body DispatchOutcomeResponse `json:"body"`
	}, error) {
		actorID, err := requireCollectionMember(ctx, e, input.CollectionID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.CreateWorkUnitAndDispatch(ctx, engine.CreateWorkUnitOptions{
			Title:         input.Body.Title,
			Description:   stringOrEmpty(input.Body.Description),
			CollectionID:  input.CollectionID,
			CreatorID:     actorID,
			Message:       input.Body.Message,
			AssigneeID:    stringOrEmpty(input.Body.AssigneeID),
			RepositoryRef: stringOrEmpty(input.Body.RepositoryRef),
			Estimate:      input.Body.Estimate,
			Mode:          input.Body.Mode,
			ContextTags:   input.Body.Context,
			ExtraContext:  input.Body.ExtraContext,
			Attachments:   attachments(input.Body.Attachments),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchOutcomeResponse `json:"body"`
		}{Body: dispatchOutcome(res.WorkUnit, res.Message, res.Dispatch)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-unit",
		Method:      http.MethodGet,
		Path:        "/work-units/{work_unit_id}",
		Summary:     "Get work unit",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *workUnitPath) (*struct {
		Body WorkUnitResponse `json:"body"`
	}, error) {
		w, _, err := requireWorkUnitMember(ctx, e, input.WorkUnitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkUnitResponse `json:"body"`
		}{Body: workUnitResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-unit",
		Method:      http.MethodPatch,
		Path:        "/work-units/{work_unit_id}",
		Summary:     "Rename work unit",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		WorkUnitID string                `path:"work_unit_id"`
		Body       UpdateWorkUnitRequest `json:"body"`
	}) (*struct {
		Body WorkUnitResponse `json:"body"`
	}, error) {
		_, actorID, err := requireWorkUnitMember(ctx, e, input.WorkUnitID)
		if err != nil {
			return nil, handleError(err)
		}
		w, err := e.UpdateTitle(ctx, input.WorkUnitID, input.Body.Title, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkUnitResponse `json:"body"`
		}{Body: workUnitResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-work-unit",
		Method:        http.MethodDelete,
		Path:          "/work-units/{work_unit_id}",
		Summary:       "Soft delete work unit",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *workUnitPath) (*struct{}, error) {
		_, actorID, err := requireWorkUnitMember(ctx, e, input.WorkUnitID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.SoftDelete(ctx, input.WorkUnitID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "continue-work-unit",
		Method:        http.MethodPost,
		Path:          "/work-units/{work_unit_id}/messages",
		Summary:       "Add a message to a work unit and dispatch it",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		WorkUnitID string                  `path:"work_unit_id"`
		Body       ContinueWorkUnitRequest `json:"body"`
	}) (*struct {
		Body DispatchOutcomeResponse `json:"body"`
	}, error) {
		_, actorID, err := requireWorkUnitMember(ctx, e, input.WorkUnitID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ContinueWorkUnit(ctx, engine.ContinueOptions{
			WorkUnitID:   input.WorkUnitID,
			Body:         input.Body.Body,
			CreatorID:    actorID,
			Mode:         input.Body.Mode,
			ContextTags:  input.Body.Context,
			ExtraContext: input.Body.ExtraContext,
			Attachments:  attachments(input.Body.Attachments),
			ReplyTo:      stringOrEmpty(input.Body.ReplyTo),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchOutcomeResponse `json:"body"`
		}{Body: dispatchOutcome(res.WorkUnit, res.Message, res.Dispatch)}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-message",
		Method:      http.MethodGet,
		Path:        "/messages/{message_id}",
		Summary:     "Get message with artifacts",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		MessageID string `path:"message_id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		m, err := e.Repo.GetMessage(ctx, input.MessageID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, _, err := requireWorkUnitMember(ctx, e, m.WorkUnitID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})
}

func registerWebhook(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "engine-callback",
		Method:      http.MethodPost,
		Path:        "/webhook",
		Summary:     "Workflow engine progress callback",
		Description: "Authenticated by the per work unit token embedded in the webhook URL. Redelivered messages are acknowledged without being stored twice.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		WorkUnitID string `query:"work_unit_id" required:"true"`
		Token      string `query:"token"`
		RawBody    []byte
	}) (*struct {
		Body CallbackResponse `json:"body"`
	}, error) {
		if !e.VerifyCallbackToken(input.WorkUnitID, input.Token) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_token", "invalid callback token", nil)
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		var payload engine.CallbackPayload
		if err := json.Unmarshal(input.RawBody, &payload); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid callback body", map[string]any{"error": err.Error()})
		}
		res, err := e.HandleCallback(ctx, input.WorkUnitID, payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CallbackResponse `json:"body"`
		}{Body: CallbackResponse{
			WorkUnitID:     res.WorkUnit.ID,
			WorkflowStatus: res.WorkUnit.WorkflowStatus,
			MessageIDs:     nonNilSlice(res.MessageIDs),
			Duplicates:     res.Duplicates,
			StatusApplied:  res.StatusApplied,
		}}, nil
	})
}
