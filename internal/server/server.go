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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"atelier/internal/domain"
	"atelier/internal/engine"
	"atelier/internal/engine/auth"
	"atelier/internal/repo"
	"atelier/internal/storage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Store    *storage.Store
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"rejection requires a comment"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Atelier API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Atelier API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine, cfg.Store)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Atelier API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, defaultProjectID(e))
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":  p.ID,
			"lead_id":     p.LeadID,
			"task_counts": counts,
		}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		leadID := actorID
		if input.Body.LeadID != nil && *input.Body.LeadID != "" {
			leadID = *input.Body.LeadID
		}
		p, err := e.InitProject(ctx, input.Body.ID, input.Body.Name, leadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, projectFromPathOrHeader(ctx, input.ProjectID, defaultProjectID(e)))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-member",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/members",
		Summary:     "Add project member",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      MemberRequest `json:"body"`
	}) (*struct {
		Body MemberResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		m, err := e.AddMember(ctx, input.ProjectID, input.Body.ActorID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemberResponse `json:"body"`
		}{Body: memberResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/members",
		Summary:     "List project members",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []MemberResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListMembers(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]MemberResponse, 0, len(items))
		for _, m := range items {
			res = append(res, memberResponse(m))
		}
		return &struct {
			Body []MemberResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-activity",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/activities",
		Summary:     "Create activity",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateActivityRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateActivity(ctx, engine.ActivityCreateOptions{
			ID:          input.Body.ID,
			ProjectID:   projectFromPathOrHeader(ctx, input.ProjectID, defaultProjectID(e)),
			Name:        input.Body.Name,
			Description: input.Body.Description,
			ParentID:    input.Body.ParentID,
			Status:      input.Body.Status,
			StartsOn:    input.Body.StartsOn,
			EndsOn:      input.Body.EndsOn,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/activities",
		Summary:     "List activities",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListActivities(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivities(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activity-tree",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/activities/tree",
		Summary:     "Nested activity tree",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ActivityNode `json:"body"`
	}, error) {
		items, err := e.Repo.ListActivities(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivityNode `json:"body"`
		}{Body: buildActivityTree(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-activity",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/activities/{activity_id}",
		Summary:     "Update activity",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID  string                `path:"project_id"`
		ActivityID string                `path:"activity_id"`
		Body       UpdateActivityRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := rawBodyMap(ctx)
		opts := engine.ActivityUpdateOptions{
			ID:       input.ActivityID,
			ActorID:  actorID,
			Name:     input.Body.Name,
			Status:   input.Body.Status,
			StartsOn: input.Body.StartsOn,
			EndsOn:   input.Body.EndsOn,
		}
		if _, ok := raw["description"]; ok {
			opts.Description = input.Body.Description
			opts.DescriptionSet = true
		}
		if _, ok := raw["starts_on"]; ok {
			opts.StartsOnSet = true
		}
		if _, ok := raw["ends_on"]; ok {
			opts.EndsOnSet = true
		}
		a, err := e.UpdateActivity(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-activity",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/activities/{activity_id}",
		Summary:     "Delete activity",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		ActivityID string `path:"activity_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteActivity(ctx, input.ActivityID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-activity",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/activities/{activity_id}/reorder",
		Summary:     "Reorder activity among its siblings",
		Description: "Moves the dragged activity to the target's position. Cross-parent pairs are a no-op.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID  string                 `path:"project_id"`
		ActivityID string                 `path:"activity_id"`
		Body       ReorderActivityRequest `json:"body"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.TargetID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_id is required", nil)
		}
		siblings, err := e.ReorderActivities(ctx, engine.ReorderOptions{
			ProjectID: projectFromPathOrHeader(ctx, input.ProjectID, defaultProjectID(e)),
			DraggedID: input.ActivityID,
			TargetID:  input.Body.TargetID,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivities(siblings)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "Create task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:             input.Body.ID,
			ProjectID:      projectFromPathOrHeader(ctx, input.ProjectID, defaultProjectID(e)),
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			ActivityID:     input.Body.ActivityID,
			ParentTaskID:   input.Body.ParentTaskID,
			Priority:       input.Body.Priority,
			Compartment:    input.Body.Compartment,
			StartsOn:       input.Body.StartsOn,
			DueOn:          input.Body.DueOn,
			EstimatedHours: input.Body.EstimatedHours,
			Assignees:      input.Body.Assignees,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		Status      string `query:"status" enum:"todo,in_progress,in_review,correction,validated,completed,cancelled,"`
		ActivityID  string `query:"activity_id"`
		Unlinked    bool   `query:"unlinked"`
		AssigneeID  string `query:"assignee_id"`
		Compartment string `query:"compartment"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID:   projectFromPathOrHeader(ctx, input.ProjectID, defaultProjectID(e)),
			Status:      input.Status,
			ActivityID:  input.ActivityID,
			Unlinked:    input.Unlinked,
			AssigneeID:  input.AssigneeID,
			Compartment: input.Compartment,
			Limit:       limit + 1,
			CursorTS:    cursorTS,
			CursorID:    cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapTasks(items)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grouped-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/grouped",
		Summary:     "Tasks grouped for board views",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		By        string `query:"by" enum:"status,compartment,assignee" default:"status"`
	}) (*struct {
		Body map[string][]TaskResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID: projectFromPathOrHeader(ctx, input.ProjectID, defaultProjectID(e)),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string][]TaskResponse `json:"body"`
		}{Body: groupTasks(items, input.By)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TaskID    string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(projectFromPathOrHeader(ctx, input.ProjectID, defaultProjectID(e)), t.ProjectID) {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/tasks/{task_id}",
		Summary:     "Update task fields",
		Description: "Edits descriptive fields. Status only changes through lifecycle actions.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		TaskID    string            `path:"task_id"`
		Body      UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := rawBodyMap(ctx)
		opts := engine.TaskUpdateOptions{
			ID:              input.TaskID,
			ActorID:         actorID,
			Title:           input.Body.Title,
			Priority:        input.Body.Priority,
			ExpectedVersion: input.Body.ExpectedVersion,
		}
		if _, ok := raw["description"]; ok {
			opts.Description = input.Body.Description
			opts.DescriptionSet = true
		}
		if rawVal, ok := raw["activity_id"]; ok {
			opts.ActivitySet = true
			if !isNullRaw(rawVal) {
				var id string
				if err := json.Unmarshal(rawVal, &id); err != nil {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid activity_id", nil)
				}
				opts.ActivityID = &id
			}
		}
		if _, ok := raw["compartment"]; ok {
			opts.Compartment = input.Body.Compartment
			opts.CompartmentSet = true
		}
		if _, ok := raw["starts_on"]; ok {
			opts.StartsOn = input.Body.StartsOn
			opts.StartsOnSet = true
		}
		if _, ok := raw["due_on"]; ok {
			opts.DueOn = input.Body.DueOn
			opts.DueOnSet = true
		}
		if _, ok := raw["estimated_hours"]; ok {
			opts.EstimatedHours = input.Body.EstimatedHours
			opts.EstimatedHoursSet = true
		}
		if _, ok := raw["actual_hours"]; ok {
			opts.ActualHours = input.Body.ActualHours
			opts.ActualHoursSet = true
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/assign",
		Summary:     "Add assignee",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		TaskID    string        `path:"task_id"`
		Body      AssignRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		t, err := e.AssignTask(ctx, input.TaskID, input.Body.ActorID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/unassign",
		Summary:     "Remove assignee",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		TaskID    string        `path:"task_id"`
		Body      AssignRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UnassignTask(ctx, input.TaskID, input.Body.ActorID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	lifecycleErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/start",
		Summary:     "Start task (assignee)",
		Description: "Moves todo to in_progress. Writes no ledger entry.",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		TaskID    string           `path:"task_id"`
		Body      LifecycleRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.StartTask(ctx, engine.StartOptions{
			TaskID:          input.TaskID,
			ActorID:         actorID,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/submit",
		Summary:     "Submit work for review (assignee)",
		Description: "Moves in_progress or correction to in_review and appends one submission ledger entry.",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		TaskID    string        `path:"task_id"`
		Body      SubmitRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body LifecycleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, sub, err := e.SubmitTask(ctx, engine.SubmitOptions{
			TaskID:          input.TaskID,
			ActorID:         actorID,
			Comment:         input.Body.Comment,
			Attachments:     attachmentsFromPayload(input.Body.Attachments),
			ClientToken:     input.Body.ClientToken,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		subResp := submissionResponse(sub)
		return &struct {
			Body LifecycleResponse `json:"body"`
		}{Body: LifecycleResponse{Task: taskResponse(t), Submission: &subResp}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/validate",
		Summary:     "Validate submitted work (project lead)",
		Description: "Moves in_review to completed, stamps completed_at and records the mandatory 1..4 rating.",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		TaskID    string          `path:"task_id"`
		Body      ValidateRequest `json:"body"`
	}) (*struct {
		Body LifecycleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, sub, err := e.ValidateTask(ctx, engine.ValidateOptions{
			TaskID:          input.TaskID,
			ActorID:         actorID,
			Rating:          input.Body.Rating,
			Comment:         input.Body.Comment,
			Attachments:     attachmentsFromPayload(input.Body.Attachments),
			ClientToken:     input.Body.ClientToken,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		subResp := submissionResponse(sub)
		return &struct {
			Body LifecycleResponse `json:"body"`
		}{Body: LifecycleResponse{Task: taskResponse(t), Submission: &subResp}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/reject",
		Summary:     "Reject submitted work (project lead)",
		Description: "Moves in_review to correction. The comment is mandatory.",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		TaskID    string        `path:"task_id"`
		Body      RejectRequest `json:"body"`
	}) (*struct {
		Body LifecycleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, sub, err := e.RejectTask(ctx, engine.RejectOptions{
			TaskID:          input.TaskID,
			ActorID:         actorID,
			Comment:         input.Body.Comment,
			Attachments:     attachmentsFromPayload(input.Body.Attachments),
			ClientToken:     input.Body.ClientToken,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		subResp := submissionResponse(sub)
		return &struct {
			Body LifecycleResponse `json:"body"`
		}{Body: LifecycleResponse{Task: taskResponse(t), Submission: &subResp}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/cancel",
		Summary:     "Cancel task (project lead)",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		TaskID    string           `path:"task_id"`
		Body      LifecycleRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelTask(ctx, engine.CancelOptions{
			TaskID:          input.TaskID,
			ActorID:         actorID,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine, store *storage.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task_id}/submissions",
		Summary:     "Review ledger, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TaskID    string `path:"task_id"`
	}) (*struct {
		Body []SubmissionResponse `json:"body"`
	}, error) {
		items, err := e.ListSubmissions(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SubmissionResponse `json:"body"`
		}{Body: mapSubmissions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-files",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task_id}/files",
		Summary:     "Flattened ledger attachments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TaskID    string `path:"task_id"`
	}) (*struct {
		Body []LedgerFileResponse `json:"body"`
	}, error) {
		files, err := e.TaskFiles(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]LedgerFileResponse, 0, len(files))
		for _, f := range files {
			res = append(res, ledgerFileResponse(f))
		}
		return &struct {
			Body []LedgerFileResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upload-attachment",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/attachments",
		Summary:     "Upload an attachment for a later submission",
		Description: "Streams the request body to object storage and returns the descriptor to embed in a submit/validate/reject call.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		TaskID      string `path:"task_id"`
		Name        string `query:"name"`
		ContentType string `header:"Content-Type"`
		RawBody     []byte
	}) (*struct {
		Body AttachmentPayload `json:"body"`
	}, error) {
		if store == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "storage_unconfigured", "object storage is not configured", nil)
		}
		if input.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name query parameter is required", nil)
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		key, err := store.Upload(ctx, input.TaskID, input.Name, bytes.NewReader(input.RawBody), int64(len(input.RawBody)), input.ContentType)
		if err != nil {
			// Failed uploads abort the enclosing review action; nothing
			// was recorded in the ledger.
			return nil, handleError(err)
		}
		return &struct {
			Body AttachmentPayload `json:"body"`
		}{Body: AttachmentPayload{
			Name:     input.Name,
			Path:     key,
			Size:     int64(len(input.RawBody)),
			MimeType: input.ContentType,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attachment-url",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/files/url",
		Summary:     "Presigned download URL for a stored attachment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Path      string `query:"path"`
		ExpirySec int    `query:"expiry_seconds" default:"900"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if store == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "storage_unconfigured", "object storage is not configured", nil)
		}
		if input.Path == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "path query parameter is required", nil)
		}
		url, err := store.PresignedURL(ctx, input.Path, time.Duration(input.ExpirySec)*time.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"url": url}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Audit event log, newest first",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,member,activity,task,"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, defaultProjectID(e))
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, projectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// The listing filters with id < cursor, so the cursor must be
			// the last id returned on this page, not the first of the next.
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"actor_id": p.ActorID, "source": p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

// ---- helpers ----

func buildActivityTree(items []domain.Activity) []ActivityNode {
	byParent := map[string][]domain.Activity{}
	var roots []domain.Activity
	for _, a := range items {
		if a.ParentID == nil {
			roots = append(roots, a)
			continue
		}
		byParent[*a.ParentID] = append(byParent[*a.ParentID], a)
	}
	var build func(list []domain.Activity) []ActivityNode
	build = func(list []domain.Activity) []ActivityNode {
		nodes := make([]ActivityNode, 0, len(list))
		for _, a := range list {
			nodes = append(nodes, ActivityNode{
				ActivityResponse: activityResponse(a),
				Children:         build(byParent[a.ID]),
			})
		}
		return nodes
	}
	return build(roots)
}

func groupTasks(items []domain.Task, by string) map[string][]TaskResponse {
	groups := map[string][]TaskResponse{}
	switch by {
	case "compartment":
		for _, t := range items {
			key := "uncategorized"
			if t.Compartment != nil && *t.Compartment != "" {
				key = *t.Compartment
			}
			groups[key] = append(groups[key], taskResponse(t))
		}
	case "assignee":
		for _, t := range items {
			if len(t.Assignees) == 0 {
				groups["unassigned"] = append(groups["unassigned"], taskResponse(t))
				continue
			}
			for _, a := range t.Assignees {
				groups[a] = append(groups[a], taskResponse(t))
			}
		}
	default:
		// Board columns exist even when empty.
		for _, status := range domain.TaskStatuses {
			groups[status] = []TaskResponse{}
		}
		for _, t := range items {
			groups[t.Status] = append(groups[t.Status], taskResponse(t))
		}
	}
	return groups
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	if inner, ok := outer["body"]; ok {
		var innerMap map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerMap); err == nil {
			return innerMap
		}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
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

func defaultProjectID(e engine.Engine) string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Project.ID
}

func projectFromPathOrHeader(ctx context.Context, pathProjectID, fallback string) string {
	if pathProjectID != "" {
		return pathProjectID
	}
	return projectFromHeader(ctx, fallback)
}

func projectMatches(expected, actual string) bool {
	if expected == "" {
		return true
	}
	return expected == actual
}

func projectFromHeader(ctx context.Context, fallback string) string {
	if h, ok := ctx.(interface{ Header(string) string }); ok {
		if v := strings.TrimSpace(h.Header("X-Project-Id")); v != "" {
			return v
		}
	}
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Project-Id")); v != "" {
			return v
		}
	}
	return fallback
}
