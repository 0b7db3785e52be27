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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/events"
	applog "caseline/internal/log"
	"caseline/internal/metrics"
	"caseline/internal/store"
)

// Version is reported by GET /version.
var Version = "0.3.0"

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"stage 1 is NOT_STARTED; it must be DONE before promotion"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the caseline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Log
	if logger == nil {
		logger = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(applog.Requests(logger))
	hcfg := huma.DefaultConfig("Caseline API", Version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerMetrics(router, cfg.Metrics)
	registerHealth(group)
	registerVersion(group, e)
	registerCases(group, e)
	registerStages(group, e)
	registerJobs(group, e)
	registerTimeline(group, e)
	registerReset(group, e)
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
	var pe *engine.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusConflict, "precondition_failed", pe.Reason, map[string]any{
			"case_id":   pe.CaseID,
			"operation": pe.Op,
		})
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if len(ve.Fields) > 0 {
			fields := make(map[string]any, len(ve.Fields))
			for k, v := range ve.Fields {
				fields[k] = v
			}
			details = map[string]any{"fields": fields}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), details)
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "request_canceled", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
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

func registerMetrics(r chi.Router, m *metrics.Metrics) {
	if m == nil || m.Registry == nil {
		return
	}
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Caseline API Docs</title>
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

func registerVersion(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "version",
		Method:      http.MethodGet,
		Path:        "/version",
		Summary:     "Server version and simulation settings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		sim := e.Config.Simulation
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: VersionResponse{
			Version:    Version,
			Simulation: sim.Enabled,
			Speed:      sim.Speed,
			BaseDate:   e.Config.Seed.BaseDate,
		}}, nil
	})
}

type casePath struct {
	CaseID string `path:"case_id" example:"CASE-2025-0001"`
}

type caseBody struct {
	Body domain.Case `json:"body"`
}

type jobBody struct {
	Body domain.ModelJob `json:"body"`
}

func registerCases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage string `query:"stage" enum:"STAGE1,STAGE2,STAGE3" doc:"Only cases currently on this stage"`
	}) (*struct {
		Body CaseListResponse `json:"body"`
	}, error) {
		items, err := e.ListCases(ctx, domain.Stage(input.Stage))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Case{}
		}
		return &struct {
			Body CaseListResponse `json:"body"`
		}{Body: CaseListResponse{Items: items, Count: len(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case with person, jobs and timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body engine.CaseDetail `json:"body"`
	}, error) {
		detail, err := e.GetCaseDetail(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CaseDetail `json:"body"`
		}{Body: detail}, nil
	})
}

func registerStages(api huma.API, e *engine.Engine) {
	stageErrors := []int{http.StatusNotFound, http.StatusConflict}
	runs := []struct {
		id  string
		pth string
		sum string
		fn  func(context.Context, string) (domain.ModelJob, error)
	}{
		{"run-stage1", "/cases/{case_id}/stage1/run", "Request the stage 1 risk model", e.RunStage1Model},
		{"run-stage2", "/cases/{case_id}/stage2/run", "Request the stage 2 classification model", e.RunStage2Model},
		{"run-stage3", "/cases/{case_id}/stage3/run", "Request the stage 3 conversion model", e.RunStage3Model},
	}
	for _, r := range runs {
		run := r.fn
		huma.Register(api, huma.Operation{
			OperationID:   r.id,
			Method:        http.MethodPost,
			Path:          r.pth,
			Summary:       r.sum,
			DefaultStatus: http.StatusAccepted,
			Errors:        stageErrors,
		}, func(ctx context.Context, input *casePath) (*jobBody, error) {
			job, err := run(ctx, input.CaseID)
			if err != nil {
				return nil, handleError(err)
			}
			return &jobBody{Body: job}, nil
		})
	}

	promotions := []struct {
		id  string
		pth string
		sum string
		fn  func(context.Context, string) (domain.Case, error)
	}{
		{"promote-stage2", "/cases/{case_id}/stage2/promote", "Promote a case to stage 2", e.PromoteToStage2},
		{"promote-stage3", "/cases/{case_id}/stage3/promote", "Promote a case to stage 3", e.PromoteToStage3},
	}
	for _, p := range promotions {
		promote := p.fn
		huma.Register(api, huma.Operation{
			OperationID: p.id,
			Method:      http.MethodPost,
			Path:        p.pth,
			Summary:     p.sum,
			Errors:      stageErrors,
		}, func(ctx context.Context, input *casePath) (*caseBody, error) {
			c, err := promote(ctx, input.CaseID)
			if err != nil {
				return nil, handleError(err)
			}
			return &caseBody{Body: c}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "submit-stage2-labs",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/stage2/labs",
		Summary:     "Submit stage 2 lab results",
		Description: "Without a body, a deterministic lab payload is generated for the case.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CaseID string       `path:"case_id"`
		Body   *LabsRequest `json:"body" required:"false"`
	}) (*caseBody, error) {
		var labs *domain.Labs
		if input.Body != nil {
			l := input.Body.toDomain()
			labs = &l
		}
		c, err := e.SubmitStage2Labs(ctx, input.CaseID, labs)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseBody{Body: c}, nil
	})
}

func registerJobs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get model job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*jobBody, error) {
		job, err := e.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: job}, nil
	})

	type stagePath struct {
		CaseID string `path:"case_id"`
		Stage  string `path:"stage" doc:"STAGE1, stage1 or 1"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/jobs/{stage}/complete",
		Summary:     "Finish the latest job of a stage now",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *stagePath) (*jobBody, error) {
		stage, err := domain.ParseStage(input.Stage)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"stage": input.Stage})
		}
		job, err := e.InstantCompleteLatestJob(ctx, input.CaseID, stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-job",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/jobs/{stage}/fail",
		Summary:     "Mark the latest job of a stage FAILED",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CaseID string          `path:"case_id"`
		Stage  string          `path:"stage"`
		Body   *FailJobRequest `json:"body" required:"false"`
	}) (*jobBody, error) {
		stage, err := domain.ParseStage(input.Stage)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"stage": input.Stage})
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		job, err := e.FailLatestJob(ctx, input.CaseID, stage, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: job}, nil
	})
}

func registerTimeline(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-timeline",
		Method:      http.MethodGet,
		Path:        "/timeline",
		Summary:     "List timeline events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Type   string `query:"type" doc:"Comma separated event types"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body TimelineResponse `json:"body"`
	}, error) {
		var types []string
		for _, t := range strings.Split(input.Type, ",") {
			if t = strings.TrimSpace(t); t == "" {
				continue
			}
			if !domain.EventType(t).Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown event type", map[string]any{"type": t})
			}
			types = append(types, t)
		}
		items, err := e.ListTimeline(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		resp := TimelineResponse{Items: []domain.TimelineEvent{}}
		for _, evt := range items {
			if !events.Matches(types, evt) {
				continue
			}
			if len(resp.Items) == limit {
				resp.Truncated = true
				break
			}
			resp.Items = append(resp.Items, evt)
		}
		resp.Count = len(resp.Items)
		return &struct {
			Body TimelineResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerReset(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reset-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/reset",
		Summary:     "Restore one case to its seeded state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*caseBody, error) {
		c, err := e.ResetOneCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-all",
		Method:      http.MethodPost,
		Path:        "/reset",
		Summary:     "Reseed every case",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ResetResponse `json:"body"`
	}, error) {
		if err := e.ResetAll(ctx); err != nil {
			return nil, handleError(err)
		}
		cases, err := e.Store.ListCases(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResetResponse `json:"body"`
		}{Body: ResetResponse{Status: "reset", Cases: len(cases)}}, nil
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
