package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/compute"
	"github.com/sylvanlabs/maestro-go/internal/dispatch"
	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/platform/auditlog"
	"github.com/sylvanlabs/maestro-go/internal/platform/auth"
	"github.com/sylvanlabs/maestro-go/internal/platform/httpserver"
	"github.com/sylvanlabs/maestro-go/internal/registry"
	"github.com/sylvanlabs/maestro-go/internal/repo"
	"github.com/sylvanlabs/maestro-go/internal/service/jobs"
	"github.com/sylvanlabs/maestro-go/internal/service/ledger"
)

type api struct {
	jobs       *jobs.Service
	dispatcher *dispatch.Dispatcher
	ledger     *ledger.Service
	endpoints  *registry.Service
	provider   *compute.Client
	sweeper    *sweeper
	audit      *auditlog.Recorder
}

func newAPI(
	jobsSvc *jobs.Service,
	dispatcher *dispatch.Dispatcher,
	ledgerSvc *ledger.Service,
	endpoints *registry.Service,
	provider *compute.Client,
	sweeper *sweeper,
	audit *auditlog.Recorder,
) *api {
	return &api{
		jobs:       jobsSvc,
		dispatcher: dispatcher,
		ledger:     ledgerSvc,
		endpoints:  endpoints,
		provider:   provider,
		sweeper:    sweeper,
		audit:      audit,
	}
}

func (a *api) register(mux *http.ServeMux, guard *auth.TokenGuard) {
	protect := func(h http.HandlerFunc) http.Handler { return guard.Middleware(h) }

	mux.Handle("GET /v1/endpoints", protect(a.listEndpoints))
	mux.Handle("POST /v1/jobs", protect(a.submitJob))
	mux.Handle("GET /v1/jobs/{id}", protect(a.getJob))
	mux.Handle("POST /v1/jobs/{id}/cancel", protect(a.cancelJob))
	mux.Handle("GET /v1/jobs/{id}/stream", protect(a.streamJob))
	mux.Handle("GET /v1/artifacts/{owner}/{job}", protect(a.getArtifact))
	mux.Handle("POST /v1/reconcile", protect(a.triggerReconcile))
}

type endpointView struct {
	Role       domain.Role           `json:"role"`
	EndpointID string                `json:"endpoint_id"`
	Name       string                `json:"name"`
	Status     domain.EndpointStatus `json:"status"`
	Health     *healthView           `json:"health,omitempty"`
}

type healthView struct {
	WorkersReady        int `json:"workers_ready"`
	WorkersInitializing int `json:"workers_initializing"`
	WorkersUnhealthy    int `json:"workers_unhealthy"`
	JobsInQueue         int `json:"jobs_in_queue"`
	JobsInProgress      int `json:"jobs_in_progress"`
}

func (a *api) listEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := a.endpoints.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	views := make([]endpointView, 0, len(endpoints))
	for _, ep := range endpoints {
		view := endpointView{
			Role:       ep.Role,
			EndpointID: ep.EndpointID,
			Name:       ep.Name,
			Status:     ep.Status,
		}
		probeCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		report, err := a.provider.Health(probeCtx, ep.EndpointID)
		cancel()
		if err == nil {
			view.Health = &healthView{
				WorkersReady:        report.WorkersReady,
				WorkersInitializing: report.WorkersInitializing,
				WorkersUnhealthy:    report.WorkersUnhealthy,
				JobsInQueue:         report.JobsInQueue,
				JobsInProgress:      report.JobsInProgress,
			}
		}
		views = append(views, view)
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"endpoints": views})
}

type submitJobRequest struct {
	Role    string          `json:"role"`
	Mode    string          `json:"mode"`
	OwnerID string          `json:"owner_id"`
	Input   json.RawMessage `json:"input"`
}

func (a *api) submitJob(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 16<<20)).Decode(&body); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "malformed_json")
		return
	}
	req := dispatch.Request{
		Role:    domain.Role(body.Role),
		Mode:    domain.Mode(body.Mode),
		OwnerID: body.OwnerID,
		Input:   body.Input,
	}

	var (
		job domain.Job
		err error
	)
	if req.Mode == domain.ModeStream {
		// submit only; the relay attaches through the stream endpoint
		var stream *dispatch.Stream
		stream, err = a.dispatcher.SubmitStream(r.Context(), req)
		if err == nil {
			jobID := stream.JobID()
			_ = stream.Close()
			job, err = a.ledger.Job(r.Context(), jobID)
		}
	} else {
		job, err = a.dispatcher.Submit(r.Context(), req)
	}
	if err != nil {
		var remote *domain.RemoteJobFailedError
		if errors.As(err, &remote) {
			a.audit.RecordJobAction(r, "job.submit", remote.JobID, map[string]any{"role": body.Role, "mode": body.Mode, "outcome": "failed"})
			httpserver.WriteJSON(w, http.StatusBadGateway, map[string]any{
				"job_id": remote.JobID,
				"status": domain.JobFailed,
				"detail": remote.Detail,
			})
			return
		}
		a.writeError(w, r, err)
		return
	}

	a.audit.RecordJobAction(r, "job.submit", job.JobID, map[string]any{"role": body.Role, "mode": body.Mode, "outcome": string(job.Status)})
	httpserver.WriteJSON(w, http.StatusCreated, jobView(job))
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := a.ledger.Job(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	// timed_out is terminal for the snapshot but the remote job may still
	// be running; keep polling so a late completion lands as an observation
	if !job.Status.Terminal() || job.Status == domain.JobTimedOut {
		polled, err := a.dispatcher.Poll(r.Context(), jobID)
		if err == nil {
			job = polled
		} else {
			slog.Debug("status poll failed", "job_id", jobID, "error", err)
		}
	}

	observations, err := a.ledger.Observations(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	view := jobView(job)
	view["observations"] = observations
	httpserver.WriteJSON(w, http.StatusOK, view)
}

func (a *api) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := a.dispatcher.Cancel(r.Context(), jobID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit.RecordJobAction(r, "job.cancel", jobID, nil)
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "cancel": "requested"})
}

func (a *api) streamJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	stream, err := a.dispatcher.AttachStream(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer func() { _ = stream.Close() }()

	flusher, err := httpserver.StartSSE(w)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	for {
		chunk, err := stream.Next(r.Context())
		if errors.Is(err, io.EOF) {
			_ = httpserver.WriteSSE(w, "end", map[string]any{"job_id": jobID})
			flusher.Flush()
			return
		}
		if err != nil {
			_ = httpserver.WriteSSE(w, "error", map[string]any{"job_id": jobID, "detail": err.Error()})
			flusher.Flush()
			return
		}
		if err := httpserver.WriteSSE(w, "chunk", chunk); err != nil {
			// client went away; the ledger already tracks the job
			return
		}
		flusher.Flush()
	}
}

func (a *api) getArtifact(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")
	jobID := r.PathValue("job")
	data, err := a.jobs.GetArtifact(r.Context(), ownerID, jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *api) triggerReconcile(w http.ResponseWriter, r *http.Request) {
	a.sweeper.kick()
	a.audit.RecordJobAction(r, "reconcile.trigger", "sweep", nil)
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{"sweep": "queued"})
}

func jobView(job domain.Job) map[string]any {
	view := map[string]any{
		"job_id":       job.JobID,
		"role":         job.Role,
		"mode":         job.Mode,
		"owner_id":     job.OwnerID,
		"endpoint_id":  job.EndpointID,
		"status":       job.Status,
		"submitted_at": job.SubmittedAt,
	}
	if len(job.Output) > 0 {
		view["output"] = job.Output
	}
	if job.ErrorDetail != "" {
		view["error_detail"] = job.ErrorDetail
	}
	if job.CompletedAt != nil {
		view["completed_at"] = job.CompletedAt
	}
	return view
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid       *domain.InvalidInputError
		unavailable   *domain.EndpointUnavailableError
		transient     *domain.TransientDispatchError
		unrecoverable *domain.ArtifactUnrecoverableError
	)
	switch {
	case errors.As(err, &invalid):
		httpserver.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "invalid_input", "detail": invalid.Error()})
	case errors.As(err, &unavailable):
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "endpoint_unavailable", "detail": unavailable.Error()})
	case errors.As(err, &transient):
		httpserver.WriteJSON(w, http.StatusBadGateway, map[string]any{"error": "provider_unavailable", "detail": transient.Error()})
	case errors.As(err, &unrecoverable):
		httpserver.WriteJSON(w, http.StatusGone, map[string]any{"error": "artifact_unrecoverable", "detail": unrecoverable.Error()})
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found")
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
	}
}
