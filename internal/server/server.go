// Package server is the HTTP Bridge (C5): the REST surface executors and the
// Answer Runner use to exchange Asks and Answers with the Job Manager, plus
// job status/history/event-stream reads, per spec §4.5.
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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskrelay/internal/bus"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/repo"
	"taskrelay/internal/wireschema"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	Bus            *bus.Bus
	BasePath       string
	LongPollWindow time.Duration
	SSEHeartbeat   time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"job_id is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required {error:{code,message,details}} envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the scheduler's Bridge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.LongPollWindow <= 0 {
		cfg.LongPollWindow = 30 * time.Second
	}
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = 15 * time.Second
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})

	hcfg := huma.DefaultConfig("Task Relay Bridge", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerOpenAPI(router, api, basePath)
	registerHealth(group)
	registerAsks(group, cfg)
	registerAnswers(group, cfg.Engine)
	registerJobAsks(group, cfg.Engine)
	registerJobEvents(router, basePath, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// handleError maps engine/repo errors to a generic error code (not_found,
// bad_request, conflict, internal_error) and the corresponding HTTP status.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidState) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrAskNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "conflict") || strings.Contains(lowered, "state_version"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "transition:") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	case http.StatusServiceUnavailable:
		return "shutting_down"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Task Relay Bridge Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
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

// registerAsks implements POST /asks and the GET /asks/{id}/answer long-poll.
func registerAsks(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-ask",
		Method:        http.MethodPost,
		Path:          "/asks",
		Summary:       "Raise an Ask against a running job",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body AskRequest `json:"body"`
	}) (*struct {
		Body     AskResponse `json:"body"`
		Status   int
		Location string `header:"Location"`
	}, error) {
		raw := bodyBytes(ctx)
		if len(raw) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if wireschema.MissingContextEnvelope(raw) {
			return nil, newAPIError(http.StatusBadRequest, string(domain.ReasonNoContextEnvelope), "ask missing required context_envelope", nil)
		}
		if err := wireschema.ValidateAskPayload(raw); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		b := input.Body
		ask := domain.Ask{
			AskID:           domain.NewAskID(),
			JobID:           b.JobID,
			StepID:          b.StepID,
			AskType:         b.AskType,
			Prompt:          b.Prompt,
			ContextEnvelope: b.ContextEnvelope,
			ContextHash:     b.ContextHash,
			Constraints:     b.Constraints,
			RoleID:          b.RoleID,
			Meta:            b.Meta,
		}
		created, err := e.CreateAsk(ctx, ask)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body     AskResponse `json:"body"`
			Status   int
			Location string `header:"Location"`
		}{
			Body:     askResponse(created),
			Status:   http.StatusAccepted,
			Location: path.Join("/asks", created.AskID, "answer"),
		}, nil
	})

	type answerPath struct {
		AskID string `path:"id"`
		WaitS int    `query:"wait"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-ask-answer",
		Method:      http.MethodGet,
		Path:        "/asks/{id}/answer",
		Summary:     "Long-poll for an Ask's Answer",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *answerPath) (*struct {
		Body   *AnswerResponse `json:"body,omitempty"`
		Status int
	}, error) {
		if _, err := e.Repo.GetAsk(ctx, input.AskID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown ask id %q", input.AskID), nil)
			}
			return nil, handleError(err)
		}
		window := cfg.LongPollWindow
		if input.WaitS > 0 {
			window = time.Duration(input.WaitS) * time.Second
		}
		if window > cfg.LongPollWindow {
			window = cfg.LongPollWindow
		}
		answer, found, err := awaitAnswer(ctx, e, cfg.Bus, input.AskID, window)
		if err != nil {
			return nil, handleError(err)
		}
		if !found {
			return &struct {
				Body   *AnswerResponse `json:"body,omitempty"`
				Status int
			}{Status: http.StatusNoContent}, nil
		}
		resp := answerResponse(answer)
		return &struct {
			Body   *AnswerResponse `json:"body,omitempty"`
			Status int
		}{Body: &resp, Status: http.StatusOK}, nil
	})
}

// awaitAnswer implements the long-poll algorithm from spec §4.5: check the
// database first, else register a bus waiter until the window elapses or
// the caller disconnects.
func awaitAnswer(ctx context.Context, e engine.Engine, b *bus.Bus, askID string, window time.Duration) (domain.Answer, bool, error) {
	if a, err := e.Repo.GetAnswer(ctx, askID); err == nil {
		return a, true, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Answer{}, false, err
	}

	ch := make(chan domain.Answer, 1)
	if b != nil {
		subID := b.OnAnswerRecorded(func(evt bus.AnswerRecorded) {
			if evt.Answer.AskID == askID {
				select {
				case ch <- evt.Answer:
				default:
				}
			}
		})
		defer b.Unsubscribe(subID)
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case a := <-ch:
		return a, true, nil
	case <-timer.C:
		return domain.Answer{}, false, nil
	case <-ctx.Done():
		return domain.Answer{}, false, nil
	}
}

func registerAnswers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-answer",
		Method:        http.MethodPost,
		Path:          "/answers",
		Summary:       "Record an Answer for a pending Ask",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body AnswerRequest `json:"body"`
	}) (*struct {
		Body AnswerResponse `json:"body"`
	}, error) {
		if raw := bodyBytes(ctx); len(raw) > 0 {
			if err := wireschema.ValidateAnswerPayload(raw); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		}
		b := input.Body
		cacheable := true
		if b.Cacheable != nil {
			cacheable = *b.Cacheable
		}
		answer := domain.Answer{
			AskID:       b.AskID,
			Status:      b.Status,
			AnswerText:  b.AnswerText,
			AnswerJSON:  b.AnswerJSON,
			Attestation: b.Attestation,
			Artifacts:   b.Artifacts,
			PolicyTrace: b.PolicyTrace,
			Cacheable:   cacheable,
			AskBack:     b.AskBack,
			Error:       b.Error,
		}
		recorded, err := e.RecordAnswer(ctx, answer)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnswerResponse `json:"body"`
		}{Body: answerResponse(recorded)}, nil
	})
}

func registerJobAsks(api huma.API, e engine.Engine) {
	type jobPath struct {
		JobID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-job-asks",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/asks",
		Summary:     "List every Ask raised by a job, in creation order",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body JobAsksResponse `json:"body"`
	}, error) {
		if _, err := e.Get(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		asks, err := e.Repo.ListAsksByJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]AskHistoryItem, 0, len(asks))
		for _, a := range asks {
			item := AskHistoryItem{Ask: askResponse(a)}
			answer, err := e.Repo.GetAnswer(ctx, a.AskID)
			if err == nil {
				resp := answerResponse(answer)
				item.Answer = &resp
			} else if !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			items = append(items, item)
		}
		return &struct {
			Body JobAsksResponse `json:"body"`
		}{Body: JobAsksResponse{JobID: input.JobID, Asks: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-status",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a job's current status view",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body JobStatusResponse `json:"body"`
	}, error) {
		job, err := e.Get(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobStatusResponse `json:"body"`
		}{Body: jobStatusResponse(job)}, nil
	})
}

// registerJobEvents mounts the SSE endpoint directly on the chi router: huma
// has no first-class streaming response, so this route bypasses it, same as
// registerDocs/registerOpenAPI above.
func registerJobEvents(r chi.Router, basePath string, cfg Config) {
	r.Get(path.Join(basePath, "jobs/{id}/events"), func(w http.ResponseWriter, req *http.Request) {
		jobID := chi.URLParam(req, "id")
		serveJobEventStream(w, req, cfg, jobID)
	})
}
