// Package dispatch submits jobs to resolved endpoints in sync, async, and
// stream modes, and normalizes provider results into ledger records. Every
// submission passes the readiness gate first; the dispatcher never trusts
// caller-supplied readiness.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sylvanlabs/maestro-go/internal/compute"
	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/platform/env"
)

// Registry resolves roles to endpoints. The registry service implements it.
type Registry interface {
	ResolveOrCreate(ctx context.Context, role domain.Role) (domain.Endpoint, error)
}

// Gate blocks until an endpoint can take traffic. The readiness prober
// implements it.
type Gate interface {
	WaitReady(ctx context.Context, ep domain.Endpoint) error
}

// Ledger records submissions and status sightings. The ledger service
// implements it; the dispatcher never touches the repositories directly.
type Ledger interface {
	RecordSubmission(ctx context.Context, job domain.Job) (domain.Job, error)
	RecordObservation(ctx context.Context, jobID string, status domain.JobStatus, output json.RawMessage, detail string) (domain.Job, error)
	SetOriginFile(ctx context.Context, jobID, originFileID string) error
	Job(ctx context.Context, jobID string) (domain.Job, error)
}

// JobRunner is the slice of the provider surface used for job traffic.
type JobRunner interface {
	Submit(ctx context.Context, endpointID string, input json.RawMessage) (compute.JobState, error)
	SubmitSync(ctx context.Context, endpointID string, input json.RawMessage) (compute.JobState, error)
	Inspect(ctx context.Context, endpointID, jobID string) (compute.JobState, error)
	Cancel(ctx context.Context, endpointID, jobID string) error
	OpenStream(ctx context.Context, endpointID, jobID string) (*compute.StreamReader, error)
}

type Config struct {
	// SyncTimeout bounds the caller's wait in sync mode. Breaching it
	// abandons the wait, never the remote job.
	SyncTimeout time.Duration
	// SyncHoldWindow is the longest single blocking submit the provider
	// will hold open before replying with a non-terminal state.
	SyncHoldWindow time.Duration
	PollInterval   time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func ConfigFromEnv() (Config, error) {
	syncTimeout, err := env.Duration("MAESTRO_DISPATCH_SYNC_TIMEOUT", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	holdWindow, err := env.Duration("MAESTRO_DISPATCH_SYNC_HOLD_WINDOW", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	pollInterval, err := env.Duration("MAESTRO_DISPATCH_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	retryAttempts, err := env.Int("MAESTRO_DISPATCH_RETRY_ATTEMPTS", 3)
	if err != nil {
		return Config{}, err
	}
	retryBase, err := env.Duration("MAESTRO_DISPATCH_RETRY_BASE_DELAY", 500*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	retryMax, err := env.Duration("MAESTRO_DISPATCH_RETRY_MAX_DELAY", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		SyncTimeout:    syncTimeout,
		SyncHoldWindow: holdWindow,
		PollInterval:   pollInterval,
		RetryAttempts:  retryAttempts,
		RetryBaseDelay: retryBase,
		RetryMaxDelay:  retryMax,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.SyncTimeout <= 0 {
		return errors.New("sync timeout must be positive")
	}
	if c.SyncHoldWindow <= 0 {
		return errors.New("sync hold window must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.RetryAttempts < 1 {
		return errors.New("retry attempts must be at least 1")
	}
	if c.RetryBaseDelay <= 0 {
		return errors.New("retry base delay must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return errors.New("retry max delay must be >= base delay")
	}
	return nil
}

// Request is one unit of work to submit.
type Request struct {
	Role    domain.Role
	Mode    domain.Mode
	OwnerID string
	Input   json.RawMessage
}

func (r Request) validate() error {
	if _, err := domain.ParseRole(string(r.Role)); err != nil {
		return &domain.InvalidInputError{Field: "role", Detail: err.Error()}
	}
	if _, err := domain.ParseMode(string(r.Mode)); err != nil {
		return &domain.InvalidInputError{Field: "mode", Detail: err.Error()}
	}
	if len(r.Input) == 0 || !json.Valid(r.Input) {
		return &domain.InvalidInputError{Field: "input", Detail: "payload must be non-empty json"}
	}
	return nil
}

type Dispatcher struct {
	provider JobRunner
	registry Registry
	gate     Gate
	ledger   Ledger
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(provider JobRunner, registry Registry, gate Gate, ledger Ledger, cfg Config) (*Dispatcher, error) {
	if provider == nil {
		return nil, errors.New("job runner is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if gate == nil {
		return nil, errors.New("readiness gate is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		provider: provider,
		registry: registry,
		gate:     gate,
		ledger:   ledger,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit dispatches a sync or async job. Sync blocks until the remote job
// is terminal or SyncTimeout elapses; a timeout returns the job with status
// timed_out and leaves the remote job running. Async returns as soon as the
// provider assigns a job id.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (domain.Job, error) {
	if d == nil || d.provider == nil {
		return domain.Job{}, errors.New("dispatcher not initialized")
	}
	if err := req.validate(); err != nil {
		return domain.Job{}, err
	}
	if req.Mode == domain.ModeStream {
		return domain.Job{}, &domain.InvalidInputError{Field: "mode", Detail: "stream jobs go through SubmitStream"}
	}

	ep, err := d.resolveReady(ctx, req.Role)
	if err != nil {
		return domain.Job{}, err
	}

	switch req.Mode {
	case domain.ModeAsync:
		return d.submitAsync(ctx, ep, req)
	default:
		return d.submitSync(ctx, ep, req)
	}
}

func (d *Dispatcher) resolveReady(ctx context.Context, role domain.Role) (domain.Endpoint, error) {
	ep, err := d.registry.ResolveOrCreate(ctx, role)
	if err != nil {
		return domain.Endpoint{}, err
	}
	if err := d.gate.WaitReady(ctx, ep); err != nil {
		return domain.Endpoint{}, err
	}
	return ep, nil
}

func (d *Dispatcher) submitAsync(ctx context.Context, ep domain.Endpoint, req Request) (domain.Job, error) {
	state, err := d.callWithRetry(ctx, req.Role, func(ctx context.Context) (compute.JobState, error) {
		return d.provider.Submit(ctx, ep.EndpointID, req.Input)
	})
	if err != nil {
		return domain.Job{}, err
	}
	job, err := d.ledger.RecordSubmission(ctx, domain.Job{
		JobID:       state.JobID,
		Role:        req.Role,
		Mode:        domain.ModeAsync,
		OwnerID:     req.OwnerID,
		EndpointID:  ep.EndpointID,
		Input:       req.Input,
		Status:      state.Status.ToJobStatus(),
		SubmittedAt: d.now().UTC(),
	})
	if err != nil {
		return domain.Job{}, err
	}
	slog.Info("async job submitted", "job_id", job.JobID, "role", req.Role, "endpoint_id", ep.EndpointID)
	return job, nil
}

func (d *Dispatcher) submitSync(ctx context.Context, ep domain.Endpoint, req Request) (domain.Job, error) {
	deadline := d.now().Add(d.cfg.SyncTimeout)

	// let the provider hold the call open, but never past the sync ceiling
	holdCtx, cancel := context.WithTimeout(ctx, min(d.cfg.SyncTimeout, d.cfg.SyncHoldWindow))
	state, err := d.callWithRetry(holdCtx, req.Role, func(ctx context.Context) (compute.JobState, error) {
		return d.provider.SubmitSync(ctx, ep.EndpointID, req.Input)
	})
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// the hold expired before the provider even assigned an id;
			// keep a local timed_out record so the attempt is auditable
			return d.recordLocalTimeout(ctx, ep, req)
		}
		return domain.Job{}, err
	}

	job, err := d.ledger.RecordSubmission(ctx, domain.Job{
		JobID:       state.JobID,
		Role:        req.Role,
		Mode:        domain.ModeSync,
		OwnerID:     req.OwnerID,
		EndpointID:  ep.EndpointID,
		Input:       req.Input,
		Status:      domain.JobPending,
		SubmittedAt: d.now().UTC(),
	})
	if err != nil {
		return domain.Job{}, err
	}

	if state.Status.Terminal() {
		return d.recordTerminal(ctx, job, state)
	}
	return d.waitSync(ctx, ep, job, deadline)
}

// waitSync polls job status until a terminal sighting or the sync ceiling.
func (d *Dispatcher) waitSync(ctx context.Context, ep domain.Endpoint, job domain.Job, deadline time.Time) (domain.Job, error) {
	for {
		remaining := deadline.Sub(d.now())
		if remaining <= 0 {
			timedOut, err := d.ledger.RecordObservation(ctx, job.JobID, domain.JobTimedOut, nil, "sync wait ceiling elapsed")
			if err != nil {
				return domain.Job{}, err
			}
			slog.Warn("sync job timed out", "job_id", job.JobID, "role", job.Role)
			return timedOut, nil
		}
		if err := d.sleep(ctx, min(remaining, d.cfg.PollInterval)); err != nil {
			return domain.Job{}, err
		}

		state, err := d.provider.Inspect(ctx, ep.EndpointID, job.JobID)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Job{}, ctx.Err()
			}
			// transient poll faults stay inside the sync budget
			slog.Debug("sync status poll failed", "job_id", job.JobID, "error", err)
			continue
		}
		if !state.Status.Terminal() {
			if _, err := d.ledger.RecordObservation(ctx, job.JobID, state.Status.ToJobStatus(), nil, ""); err != nil {
				return domain.Job{}, err
			}
			continue
		}
		return d.recordTerminal(ctx, job, state)
	}
}

func (d *Dispatcher) recordTerminal(ctx context.Context, job domain.Job, state compute.JobState) (domain.Job, error) {
	status := state.Status.ToJobStatus()
	updated, err := d.ledger.RecordObservation(ctx, job.JobID, status, state.Output, state.Error)
	if err != nil {
		return domain.Job{}, err
	}
	if state.Status == compute.StatusFailed {
		return updated, &domain.RemoteJobFailedError{Role: job.Role, JobID: job.JobID, Detail: state.Error}
	}
	d.captureOriginFile(ctx, job.JobID, state)
	slog.Info("sync job finished", "job_id", job.JobID, "role", job.Role, "status", status)
	return updated, nil
}

// captureOriginFile records the provider-assigned result file id carried
// in a completed payload. The id is what lets artifact recovery go back
// to the provider after a lost upload, so a persistence failure here is
// logged rather than failing the dispatch.
func (d *Dispatcher) captureOriginFile(ctx context.Context, jobID string, state compute.JobState) {
	if state.Status != compute.StatusCompleted {
		return
	}
	fileID := originFileID(state.Output)
	if fileID == "" {
		return
	}
	if err := d.ledger.SetOriginFile(ctx, jobID, fileID); err != nil {
		slog.Warn("recording origin file id failed", "job_id", jobID, "origin_file_id", fileID, "error", err)
	}
}

// originFileID pulls the result file id out of a completed payload.
// Workers that stage results as provider files report it as
// output_file_id; everything else leaves it blank.
func originFileID(output json.RawMessage) string {
	if len(output) == 0 {
		return ""
	}
	var envelope struct {
		OutputFileID string `json:"output_file_id"`
	}
	if err := json.Unmarshal(output, &envelope); err != nil {
		return ""
	}
	return strings.TrimSpace(envelope.OutputFileID)
}

func (d *Dispatcher) recordLocalTimeout(ctx context.Context, ep domain.Endpoint, req Request) (domain.Job, error) {
	jobID := "local-" + uuid.NewString()
	now := d.now().UTC()
	if _, err := d.ledger.RecordSubmission(ctx, domain.Job{
		JobID:       jobID,
		Role:        req.Role,
		Mode:        domain.ModeSync,
		OwnerID:     req.OwnerID,
		EndpointID:  ep.EndpointID,
		Input:       req.Input,
		Status:      domain.JobPending,
		SubmittedAt: now,
	}); err != nil {
		return domain.Job{}, err
	}
	return d.ledger.RecordObservation(ctx, jobID, domain.JobTimedOut, nil, "sync wait ceiling elapsed before provider assigned a job id")
}

// Poll performs exactly one remote status check and folds the sighting into
// the ledger. Callers drive their own polling cadence.
func (d *Dispatcher) Poll(ctx context.Context, jobID string) (domain.Job, error) {
	if d == nil || d.provider == nil {
		return domain.Job{}, errors.New("dispatcher not initialized")
	}
	job, err := d.ledger.Job(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if strings.TrimSpace(job.EndpointID) == "" || strings.HasPrefix(job.JobID, "local-") {
		// nothing remote to check for locally recorded timeouts
		return job, nil
	}
	state, err := d.callWithRetry(ctx, job.Role, func(ctx context.Context) (compute.JobState, error) {
		return d.provider.Inspect(ctx, job.EndpointID, job.JobID)
	})
	if err != nil {
		return domain.Job{}, err
	}
	updated, err := d.ledger.RecordObservation(ctx, job.JobID, state.Status.ToJobStatus(), state.Output, state.Error)
	if err != nil {
		return domain.Job{}, err
	}
	d.captureOriginFile(ctx, job.JobID, state)
	return updated, nil
}

// Cancel issues a best-effort remote cancel. The provider gives no
// guarantee a submitted job stops; the ledger is updated only by later
// sightings.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	if d == nil || d.provider == nil {
		return errors.New("dispatcher not initialized")
	}
	job, err := d.ledger.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(job.EndpointID) == "" {
		return fmt.Errorf("job %s has no remote endpoint", jobID)
	}
	return d.provider.Cancel(ctx, job.EndpointID, job.JobID)
}
