package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/repo"
)

type memJobRepo struct {
	mu           sync.Mutex
	jobs         map[string]domain.Job
	observations []domain.Observation
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]domain.Job)}
}

func (r *memJobRepo) CreateJob(_ context.Context, job domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.JobID]; ok {
		return nil
	}
	r.jobs[job.JobID] = job
	return nil
}

func (r *memJobRepo) GetJob(_ context.Context, jobID string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return job, nil
}

func (r *memJobRepo) ListJobs(_ context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, job := range r.jobs {
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (r *memJobRepo) UpdateJobStatus(_ context.Context, jobID string, status domain.JobStatus, output json.RawMessage, detail string, completedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return repo.ErrNotFound
	}
	job.Status = status
	if len(output) > 0 {
		job.Output = output
	}
	job.ErrorDetail = detail
	job.CompletedAt = completedAt
	r.jobs[jobID] = job
	return nil
}

func (r *memJobRepo) SetJobOriginFile(_ context.Context, jobID, originFileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return repo.ErrNotFound
	}
	job.OriginFileID = originFileID
	r.jobs[jobID] = job
	return nil
}

func (r *memJobRepo) AppendObservation(_ context.Context, obs domain.Observation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.observations {
		if existing.JobID == obs.JobID && existing.IntegritySHA256 == obs.IntegritySHA256 {
			return nil
		}
	}
	r.observations = append(r.observations, obs)
	return nil
}

func (r *memJobRepo) ListObservations(_ context.Context, jobID string) ([]domain.Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Observation
	for _, obs := range r.observations {
		if obs.JobID == jobID {
			out = append(out, obs)
		}
	}
	return out, nil
}

type memArtifactRepo struct {
	mu      sync.Mutex
	records map[string]domain.ArtifactRecord
}

func newMemArtifactRepo() *memArtifactRepo {
	return &memArtifactRepo{records: make(map[string]domain.ArtifactRecord)}
}

func artifactKey(ownerID, jobID string) string { return ownerID + "/" + jobID }

func (r *memArtifactRepo) UpsertArtifact(_ context.Context, rec domain.ArtifactRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[artifactKey(rec.OwnerID, rec.JobID)] = rec
	return nil
}

func (r *memArtifactRepo) GetArtifact(_ context.Context, ownerID, jobID string) (domain.ArtifactRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[artifactKey(ownerID, jobID)]
	if !ok {
		return domain.ArtifactRecord{}, repo.ErrNotFound
	}
	return rec, nil
}

func (r *memArtifactRepo) ListArtifacts(_ context.Context, filter repo.ArtifactFilter) ([]domain.ArtifactRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ArtifactRecord
	for _, rec := range r.records {
		if filter.OwnerID != "" && rec.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *memArtifactRepo) ListUnuploaded(_ context.Context, limit int) ([]domain.ArtifactRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ArtifactRecord
	for _, rec := range r.records {
		if rec.Uploaded {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func newTestLedger(t *testing.T) (*Service, *memJobRepo, *memArtifactRepo) {
	t.Helper()
	jobs := newMemJobRepo()
	artifacts := newMemArtifactRepo()
	svc, err := NewService(jobs, artifacts)
	if err != nil {
		t.Fatalf("NewService() err=%v", err)
	}
	return svc, jobs, artifacts
}

func submitTestJob(t *testing.T, svc *Service, jobID string) domain.Job {
	t.Helper()
	job, err := svc.RecordSubmission(context.Background(), domain.Job{
		JobID:   jobID,
		Role:    domain.RoleGeneration,
		Mode:    domain.ModeSync,
		OwnerID: "owner-1",
		Input:   json.RawMessage(`{"prompt":"hi"}`),
	})
	if err != nil {
		t.Fatalf("RecordSubmission() err=%v", err)
	}
	return job
}

func TestRecordSubmissionDefaultsAndFirstObservation(t *testing.T) {
	svc, jobs, _ := newTestLedger(t)
	job := submitTestJob(t, svc, "job-1")

	if job.Status != domain.JobPending {
		t.Fatalf("status=%s, want pending", job.Status)
	}
	if job.SubmittedAt.IsZero() {
		t.Fatal("submitted_at not defaulted")
	}
	obs, err := jobs.ListObservations(context.Background(), "job-1")
	if err != nil || len(obs) != 1 {
		t.Fatalf("observations=%v err=%v, want exactly 1", obs, err)
	}
	if obs[0].IntegritySHA256 == "" {
		t.Fatal("observation missing integrity hash")
	}
}

func TestRecordObservationAdvancesSnapshotMonotonically(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	submitTestJob(t, svc, "job-2")

	job, err := svc.RecordObservation(context.Background(), "job-2", domain.JobRunning, nil, "")
	if err != nil {
		t.Fatalf("RecordObservation() err=%v", err)
	}
	if job.Status != domain.JobRunning {
		t.Fatalf("status=%s, want running", job.Status)
	}

	job, err = svc.RecordObservation(context.Background(), "job-2", domain.JobCompleted, json.RawMessage(`{"text":"done"}`), "")
	if err != nil {
		t.Fatalf("RecordObservation() err=%v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status=%s, want completed", job.Status)
	}
	if job.CompletedAt == nil {
		t.Fatal("completed job missing completed_at")
	}
}

func TestLateCompletionNeverRewritesTimedOutSnapshot(t *testing.T) {
	svc, jobs, _ := newTestLedger(t)
	submitTestJob(t, svc, "job-3")

	if _, err := svc.RecordObservation(context.Background(), "job-3", domain.JobTimedOut, nil, "sync wait ceiling elapsed"); err != nil {
		t.Fatalf("RecordObservation(timed_out) err=%v", err)
	}
	job, err := svc.RecordObservation(context.Background(), "job-3", domain.JobCompleted, json.RawMessage(`{"text":"late"}`), "")
	if err != nil {
		t.Fatalf("RecordObservation(completed) err=%v", err)
	}
	if job.Status != domain.JobTimedOut {
		t.Fatalf("snapshot status=%s, want timed_out preserved", job.Status)
	}

	obs, err := jobs.ListObservations(context.Background(), "job-3")
	if err != nil {
		t.Fatalf("ListObservations() err=%v", err)
	}
	var sawTimedOut, sawCompleted bool
	for _, o := range obs {
		switch o.Status {
		case domain.JobTimedOut:
			sawTimedOut = true
		case domain.JobCompleted:
			sawCompleted = true
		}
	}
	if !sawTimedOut || !sawCompleted {
		t.Fatalf("observations=%v, want both timed_out and completed recorded", obs)
	}
}

func TestRecordObservationReplaySameSightingIsNoOp(t *testing.T) {
	svc, jobs, _ := newTestLedger(t)
	submitTestJob(t, svc, "job-4")

	// freeze the clock so the replay hashes identically
	at := time.Unix(1700000100, 0).UTC()
	svc.now = func() time.Time { return at }

	for i := 0; i < 2; i++ {
		if _, err := svc.RecordObservation(context.Background(), "job-4", domain.JobRunning, nil, ""); err != nil {
			t.Fatalf("RecordObservation() attempt %d err=%v", i, err)
		}
	}
	obs, err := jobs.ListObservations(context.Background(), "job-4")
	if err != nil {
		t.Fatalf("ListObservations() err=%v", err)
	}
	running := 0
	for _, o := range obs {
		if o.Status == domain.JobRunning {
			running++
		}
	}
	if running != 1 {
		t.Fatalf("running observations=%d, want 1 after replay", running)
	}
}

func TestSetOriginFilePinsProviderFileID(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	submitTestJob(t, svc, "job-of")

	if err := svc.SetOriginFile(context.Background(), "job-of", "file-42"); err != nil {
		t.Fatalf("SetOriginFile() err=%v", err)
	}
	job, err := svc.Job(context.Background(), "job-of")
	if err != nil {
		t.Fatalf("Job() err=%v", err)
	}
	if job.OriginFileID != "file-42" {
		t.Fatalf("origin file id=%q, want file-42", job.OriginFileID)
	}

	if err := svc.SetOriginFile(context.Background(), "job-missing", "file-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound for unknown job", err)
	}
}

func TestUpsertArtifactStampsTimes(t *testing.T) {
	svc, _, artifacts := newTestLedger(t)
	rec := domain.ArtifactRecord{
		OwnerID:    "owner-1",
		JobID:      "job-5",
		Category:   "qa_pairs",
		PrimaryKey: "owner-1/qa_pairs/job-5/results.jsonl",
		Uploaded:   true,
	}
	if err := svc.UpsertArtifact(context.Background(), rec); err != nil {
		t.Fatalf("UpsertArtifact() err=%v", err)
	}
	stored, err := artifacts.GetArtifact(context.Background(), "owner-1", "job-5")
	if err != nil {
		t.Fatalf("GetArtifact() err=%v", err)
	}
	if stored.CreatedAt.IsZero() || stored.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not stamped: %+v", stored)
	}
}

func TestComputeIntegritySHA256IsDeterministic(t *testing.T) {
	obs := domain.Observation{
		JobID:      "job-6",
		Status:     domain.JobCompleted,
		Output:     json.RawMessage(`{"text":"done"}`),
		ObservedAt: time.Unix(1700000000, 0).UTC(),
	}
	a := ComputeIntegritySHA256(obs)
	b := ComputeIntegritySHA256(obs)
	if a == "" || a != b {
		t.Fatalf("hashes %q vs %q, want equal and non-empty", a, b)
	}
	obs.Detail = "changed"
	if c := ComputeIntegritySHA256(obs); c == a {
		t.Fatal("hash unchanged after detail change")
	}
}
