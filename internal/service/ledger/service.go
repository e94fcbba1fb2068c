// Package ledger is the single source of truth for job and artifact
// bookkeeping. No remote calls originate here; other components write all
// cross-component effects through it.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/repo"
)

type Service struct {
	jobs      repo.JobRepository
	artifacts repo.ArtifactRepository
	now       func() time.Time
}

func NewService(jobs repo.JobRepository, artifacts repo.ArtifactRepository) (*Service, error) {
	if jobs == nil {
		return nil, errors.New("job repository is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact repository is required")
	}
	return &Service{jobs: jobs, artifacts: artifacts, now: time.Now}, nil
}

// RecordSubmission persists a freshly submitted job and its first
// observation. Replayed submissions for the same job id are absorbed.
func (s *Service) RecordSubmission(ctx context.Context, job domain.Job) (domain.Job, error) {
	if s == nil || s.jobs == nil {
		return domain.Job{}, errors.New("ledger not initialized")
	}
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = s.now().UTC()
	}
	if err := job.Validate(); err != nil {
		return domain.Job{}, err
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("record submission: %w", err)
	}
	obs := domain.Observation{
		JobID:      job.JobID,
		Status:     job.Status,
		Detail:     "submitted",
		ObservedAt: job.SubmittedAt,
	}
	obs.IntegritySHA256 = ComputeIntegritySHA256(obs)
	if err := s.jobs.AppendObservation(ctx, obs); err != nil {
		return domain.Job{}, fmt.Errorf("record submission observation: %w", err)
	}
	return job, nil
}

// RecordObservation appends one sighting of a job's remote state and folds
// it into the snapshot when the transition is monotonic. A late terminal
// sighting after another terminal state stays in the observation log but
// never rewrites history.
func (s *Service) RecordObservation(ctx context.Context, jobID string, status domain.JobStatus, output json.RawMessage, detail string) (domain.Job, error) {
	if s == nil || s.jobs == nil {
		return domain.Job{}, errors.New("ledger not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.Job{}, errors.New("job id is required")
	}

	current, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}

	observedAt := s.now().UTC()
	obs := domain.Observation{
		JobID:      jobID,
		Status:     status,
		Output:     output,
		Detail:     detail,
		ObservedAt: observedAt,
	}
	obs.IntegritySHA256 = ComputeIntegritySHA256(obs)
	if err := s.jobs.AppendObservation(ctx, obs); err != nil {
		return domain.Job{}, fmt.Errorf("append observation: %w", err)
	}

	if status == current.Status || !domain.CanTransitionJobStatus(current.Status, status) {
		return current, nil
	}
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &observedAt
	}
	if err := s.jobs.UpdateJobStatus(ctx, jobID, status, output, detail, completedAt); err != nil {
		return domain.Job{}, fmt.Errorf("update job snapshot: %w", err)
	}
	current.Status = status
	if len(output) > 0 {
		current.Output = output
	}
	current.ErrorDetail = detail
	current.CompletedAt = completedAt
	return current, nil
}

func (s *Service) Job(ctx context.Context, jobID string) (domain.Job, error) {
	if s == nil || s.jobs == nil {
		return domain.Job{}, errors.New("ledger not initialized")
	}
	return s.jobs.GetJob(ctx, jobID)
}

func (s *Service) Observations(ctx context.Context, jobID string) ([]domain.Observation, error) {
	if s == nil || s.jobs == nil {
		return nil, errors.New("ledger not initialized")
	}
	return s.jobs.ListObservations(ctx, jobID)
}

func (s *Service) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	if s == nil || s.jobs == nil {
		return nil, errors.New("ledger not initialized")
	}
	return s.jobs.ListJobs(ctx, filter)
}

// SetOriginFile records the provider-assigned result file id used by
// artifact origin recovery.
func (s *Service) SetOriginFile(ctx context.Context, jobID, originFileID string) error {
	if s == nil || s.jobs == nil {
		return errors.New("ledger not initialized")
	}
	return s.jobs.SetJobOriginFile(ctx, jobID, originFileID)
}

func (s *Service) UpsertArtifact(ctx context.Context, rec domain.ArtifactRecord) error {
	if s == nil || s.artifacts == nil {
		return errors.New("ledger not initialized")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return s.artifacts.UpsertArtifact(ctx, rec)
}

func (s *Service) Artifact(ctx context.Context, ownerID, jobID string) (domain.ArtifactRecord, error) {
	if s == nil || s.artifacts == nil {
		return domain.ArtifactRecord{}, errors.New("ledger not initialized")
	}
	return s.artifacts.GetArtifact(ctx, ownerID, jobID)
}

func (s *Service) ArtifactsByOwner(ctx context.Context, ownerID string) ([]domain.ArtifactRecord, error) {
	if s == nil || s.artifacts == nil {
		return nil, errors.New("ledger not initialized")
	}
	return s.artifacts.ListArtifacts(ctx, repo.ArtifactFilter{OwnerID: ownerID})
}

// UnuploadedArtifacts lists records whose durable upload never landed, for
// the reconciliation sweep.
func (s *Service) UnuploadedArtifacts(ctx context.Context, limit int) ([]domain.ArtifactRecord, error) {
	if s == nil || s.artifacts == nil {
		return nil, errors.New("ledger not initialized")
	}
	return s.artifacts.ListUnuploaded(ctx, limit)
}

// ComputeIntegritySHA256 hashes the canonical JSON of an observation. The
// hash keys the append-only log, so replaying the same sighting is a no-op.
func ComputeIntegritySHA256(obs domain.Observation) string {
	type integrityInput struct {
		JobID      string          `json:"job_id"`
		Status     string          `json:"status"`
		Output     json.RawMessage `json:"output,omitempty"`
		Detail     string          `json:"detail,omitempty"`
		ObservedAt time.Time       `json:"observed_at"`
	}
	blob, err := json.Marshal(integrityInput{
		JobID:      strings.TrimSpace(obs.JobID),
		Status:     string(obs.Status),
		Output:     obs.Output,
		Detail:     strings.TrimSpace(obs.Detail),
		ObservedAt: obs.ObservedAt.UTC(),
	})
	if err != nil {
		// integrityInput marshals unless Output is invalid JSON, which
		// repository encoding rejects later anyway
		return ""
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
