// Package server exposes the orchestration engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/probeworks/gauntlet/internal/engine"
	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/registry"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Registry *registry.Registry
	BasePath string
	Version  string
}

// New returns an HTTP handler exposing the analysis API under cfg.BasePath.
func New(cfg Config) http.Handler {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	hcfg := huma.DefaultConfig("Gauntlet API", version)
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerServices(group, cfg.Registry)
	registerAnalyses(group, cfg.Engine)
	registerTasks(group, cfg.Engine)

	return router
}

// handleError maps engine errors onto HTTP statuses.
func handleError(err error) huma.StatusError {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, model.ErrUnknownTool), errors.Is(err, model.ErrEmptyRequest):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, model.ErrInvalidTransition):
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError("internal error", err)
	}
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

func registerServices(api huma.API, reg *registry.Registry) {
	type serviceEntry struct {
		Service string   `json:"service"`
		Tools   []string `json:"tools"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/services",
		Summary:     "List registered services and the tools they own",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []serviceEntry `json:"body"`
	}, error) {
		out := []serviceEntry{}
		for _, svc := range reg.Services() {
			out = append(out, serviceEntry{Service: svc, Tools: reg.ToolsOf(svc)})
		}
		return &struct {
			Body []serviceEntry `json:"body"`
		}{Body: out}, nil
	})
}

func registerAnalyses(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-analysis",
		Method:        http.MethodPost,
		Path:          "/analyses",
		Summary:       "Dispatch an analysis",
		Description:   "Validates the tool list, creates the task hierarchy and starts execution. Returns immediately with the main task id.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AnalysisRequest `json:"body"`
	}) (*struct {
		Body AnalysisAccepted `json:"body"`
	}, error) {
		id, err := e.Analyze(ctx, input.Body.Target, input.Body.Tools)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnalysisAccepted `json:"body"`
		}{Body: AnalysisAccepted{MainTaskID: id.String()}}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	type taskPath struct {
		ID string `path:"id" format:"uuid"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List main tasks, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TaskSummary `json:"body"`
	}, error) {
		mains, err := e.Tasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := []TaskSummary{}
		for _, t := range mains {
			out = append(out, taskSummary(t))
		}
		return &struct {
			Body []TaskSummary `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task with its subtasks and progress",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		id, err := uuid.Parse(input.ID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid task id")
		}
		view, err := e.TaskView(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel a running analysis",
		Description: "Marks the main task CANCELLED and signals its running units. Cancellation of running work is best-effort; already terminal tasks return 409.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body CancelResponse `json:"body"`
	}, error) {
		id, err := uuid.Parse(input.ID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid task id")
		}
		if err := e.Cancel(ctx, id); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CancelResponse `json:"body"`
		}{Body: CancelResponse{ID: input.ID, Status: "CANCELLED"}}, nil
	})
}
