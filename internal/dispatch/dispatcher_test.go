package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/compute"
	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/repo"
)

type memLedger struct {
	mu           sync.Mutex
	jobs         map[string]domain.Job
	observations []domain.Observation
}

func newMemLedger() *memLedger {
	return &memLedger{jobs: make(map[string]domain.Job)}
}

func (l *memLedger) RecordSubmission(_ context.Context, job domain.Job) (domain.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[job.JobID] = job
	l.observations = append(l.observations, domain.Observation{JobID: job.JobID, Status: job.Status, Detail: "submitted"})
	return job, nil
}

func (l *memLedger) RecordObservation(_ context.Context, jobID string, status domain.JobStatus, output json.RawMessage, detail string) (domain.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	l.observations = append(l.observations, domain.Observation{JobID: jobID, Status: status, Output: output, Detail: detail})
	if domain.CanTransitionJobStatus(job.Status, status) {
		job.Status = status
		if len(output) > 0 {
			job.Output = output
		}
		job.ErrorDetail = detail
		l.jobs[jobID] = job
	}
	return l.jobs[jobID], nil
}

func (l *memLedger) SetOriginFile(_ context.Context, jobID, originFileID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return repo.ErrNotFound
	}
	job.OriginFileID = originFileID
	l.jobs[jobID] = job
	return nil
}

func (l *memLedger) Job(_ context.Context, jobID string) (domain.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return job, nil
}

func (l *memLedger) statusCount(jobID string, status domain.JobStatus) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, obs := range l.observations {
		if obs.JobID == jobID && obs.Status == status {
			n++
		}
	}
	return n
}

type stubRegistry struct {
	ep  domain.Endpoint
	err error
}

func (r *stubRegistry) ResolveOrCreate(context.Context, domain.Role) (domain.Endpoint, error) {
	return r.ep, r.err
}

type stubGate struct {
	calls int
	err   error
}

func (g *stubGate) WaitReady(context.Context, domain.Endpoint) error {
	g.calls++
	return g.err
}

type stubRunner struct {
	mu          sync.Mutex
	gate        *stubGate
	gateFirst   bool
	submitErrs  []error
	submitState compute.JobState
	submits     int
	syncState   compute.JobState
	syncErr     error
	inspectFn   func(calls int) (compute.JobState, error)
	inspects    int
	cancels     int
	streamBody  string
}

func (r *stubRunner) Submit(context.Context, string, json.RawMessage) (compute.JobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate != nil && r.gate.calls > 0 {
		r.gateFirst = true
	}
	r.submits++
	if len(r.submitErrs) > 0 {
		err := r.submitErrs[0]
		r.submitErrs = r.submitErrs[1:]
		if err != nil {
			return compute.JobState{}, err
		}
	}
	return r.submitState, nil
}

func (r *stubRunner) SubmitSync(ctx context.Context, _ string, _ json.RawMessage) (compute.JobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate != nil && r.gate.calls > 0 {
		r.gateFirst = true
	}
	if r.syncErr != nil {
		return compute.JobState{}, r.syncErr
	}
	return r.syncState, nil
}

func (r *stubRunner) Inspect(context.Context, string, string) (compute.JobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inspects++
	if r.inspectFn == nil {
		return compute.JobState{}, errors.New("no inspect stub")
	}
	return r.inspectFn(r.inspects)
}

func (r *stubRunner) Cancel(context.Context, string, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels++
	return nil
}

func (r *stubRunner) OpenStream(context.Context, string, string) (*compute.StreamReader, error) {
	return compute.NewStreamReader(io.NopCloser(strings.NewReader(r.streamBody))), nil
}

func testConfig() Config {
	return Config{
		SyncTimeout:    5 * time.Second,
		SyncHoldWindow: 60 * time.Second,
		PollInterval:   time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  time.Second,
	}
}

type testClock struct {
	now time.Time
}

func newTestDispatcher(t *testing.T, runner *stubRunner, ledger *memLedger, cfg Config) (*Dispatcher, *stubGate, *testClock) {
	t.Helper()
	gate := &stubGate{}
	runner.gate = gate
	registry := &stubRegistry{ep: domain.Endpoint{
		Role:       domain.RoleGeneration,
		EndpointID: "ep-1",
		Name:       "maestro-generation",
		Status:     domain.EndpointReady,
	}}
	d, err := NewDispatcher(runner, registry, gate, ledger, cfg)
	if err != nil {
		t.Fatalf("NewDispatcher() err=%v", err)
	}
	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	d.now = func() time.Time { return clock.now }
	d.sleep = func(_ context.Context, dur time.Duration) error {
		clock.now = clock.now.Add(dur)
		return nil
	}
	return d, gate, clock
}

func genRequest(mode domain.Mode) Request {
	return Request{
		Role:    domain.RoleGeneration,
		Mode:    mode,
		OwnerID: "owner-1",
		Input:   json.RawMessage(`{"prompt":"hi"}`),
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &stubRunner{}, newMemLedger(), testConfig())

	cases := []Request{
		{Role: "sorting", Mode: domain.ModeSync, Input: json.RawMessage(`{}`)},
		{Role: domain.RoleGeneration, Mode: "batch", Input: json.RawMessage(`{}`)},
		{Role: domain.RoleGeneration, Mode: domain.ModeSync},
		{Role: domain.RoleGeneration, Mode: domain.ModeSync, Input: json.RawMessage(`{broken`)},
		{Role: domain.RoleGeneration, Mode: domain.ModeStream, Input: json.RawMessage(`{}`)},
	}
	for i, req := range cases {
		_, err := d.Submit(context.Background(), req)
		var invalid *domain.InvalidInputError
		if !errors.As(err, &invalid) {
			t.Fatalf("case %d: err=%v, want InvalidInputError", i, err)
		}
	}
}

func TestSubmitAsyncReturnsImmediately(t *testing.T) {
	runner := &stubRunner{submitState: compute.JobState{JobID: "job-a", Status: compute.StatusInQueue}}
	ledger := newMemLedger()
	d, gate, _ := newTestDispatcher(t, runner, ledger, testConfig())

	job, err := d.Submit(context.Background(), genRequest(domain.ModeAsync))
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if job.JobID != "job-a" || job.Status != domain.JobPending {
		t.Fatalf("job=%+v, want pending job-a", job)
	}
	if gate.calls != 1 || !runner.gateFirst {
		t.Fatal("readiness gate must run before the payload is sent")
	}
	if _, err := ledger.Job(context.Background(), "job-a"); err != nil {
		t.Fatalf("submission not recorded: %v", err)
	}
}

func TestSubmitSyncCompletesInHoldWindow(t *testing.T) {
	runner := &stubRunner{syncState: compute.JobState{
		JobID:  "job-s",
		Status: compute.StatusCompleted,
		Output: json.RawMessage(`{"text":"done"}`),
	}}
	ledger := newMemLedger()
	d, _, _ := newTestDispatcher(t, runner, ledger, testConfig())

	job, err := d.Submit(context.Background(), genRequest(domain.ModeSync))
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status=%s, want completed", job.Status)
	}
	if !strings.Contains(string(job.Output), "done") {
		t.Fatalf("output=%s, want provider output", job.Output)
	}
}

// A worker that stages its result as a provider file reports the id in the
// completed payload; the dispatcher must pin it on the job so artifact
// recovery can fetch the result again after a lost upload.
func TestSyncCompletionRecordsOriginFile(t *testing.T) {
	runner := &stubRunner{syncState: compute.JobState{
		JobID:  "job-of",
		Status: compute.StatusCompleted,
		Output: json.RawMessage(`{"output_file_id":"file-42","text":"done"}`),
	}}
	ledger := newMemLedger()
	d, _, _ := newTestDispatcher(t, runner, ledger, testConfig())

	if _, err := d.Submit(context.Background(), genRequest(domain.ModeSync)); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	job, err := ledger.Job(context.Background(), "job-of")
	if err != nil {
		t.Fatalf("Job() err=%v", err)
	}
	if job.OriginFileID != "file-42" {
		t.Fatalf("origin file id=%q, want file-42", job.OriginFileID)
	}
}

func TestPollRecordsOriginFileOnLateCompletion(t *testing.T) {
	runner := &stubRunner{submitState: compute.JobState{JobID: "job-lp", Status: compute.StatusInQueue}}
	runner.inspectFn = func(int) (compute.JobState, error) {
		return compute.JobState{
			JobID:  "job-lp",
			Status: compute.StatusCompleted,
			Output: json.RawMessage(`{"output_file_id":"file-77"}`),
		}, nil
	}
	ledger := newMemLedger()
	d, _, _ := newTestDispatcher(t, runner, ledger, testConfig())

	if _, err := d.Submit(context.Background(), genRequest(domain.ModeAsync)); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	polled, err := d.Poll(context.Background(), "job-lp")
	if err != nil {
		t.Fatalf("Poll() err=%v", err)
	}
	if polled.Status != domain.JobCompleted {
		t.Fatalf("status=%s, want completed", polled.Status)
	}
	job, err := ledger.Job(context.Background(), "job-lp")
	if err != nil {
		t.Fatalf("Job() err=%v", err)
	}
	if job.OriginFileID != "file-77" {
		t.Fatalf("origin file id=%q, want file-77", job.OriginFileID)
	}
}

func TestFailedJobLeavesOriginFileBlank(t *testing.T) {
	runner := &stubRunner{syncState: compute.JobState{
		JobID:  "job-fb",
		Status: compute.StatusFailed,
		Error:  "worker crashed",
		Output: json.RawMessage(`{"output_file_id":"file-9"}`),
	}}
	ledger := newMemLedger()
	d, _, _ := newTestDispatcher(t, runner, ledger, testConfig())

	if _, err := d.Submit(context.Background(), genRequest(domain.ModeSync)); err == nil {
		t.Fatal("Submit() err=nil, want RemoteJobFailedError")
	}
	job, err := ledger.Job(context.Background(), "job-fb")
	if err != nil {
		t.Fatalf("Job() err=%v", err)
	}
	if job.OriginFileID != "" {
		t.Fatalf("origin file id=%q, want blank for a failed job", job.OriginFileID)
	}
}

func TestSubmitSyncSurfacesRemoteJobFailed(t *testing.T) {
	runner := &stubRunner{syncState: compute.JobState{
		JobID:  "job-f",
		Status: compute.StatusFailed,
		Error:  "CUDA out of memory",
	}}
	d, _, _ := newTestDispatcher(t, runner, newMemLedger(), testConfig())

	job, err := d.Submit(context.Background(), genRequest(domain.ModeSync))
	var failed *domain.RemoteJobFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("err=%v, want RemoteJobFailedError", err)
	}
	if !strings.Contains(failed.Detail, "CUDA") {
		t.Fatalf("detail=%q, want provider detail carried", failed.Detail)
	}
	if job.Status != domain.JobFailed {
		t.Fatalf("status=%s, want failed", job.Status)
	}
}

// A sync job that outlives the 5 second ceiling is recorded timed_out; a
// poll 4 seconds later sees the remote completion as a new observation and
// the timed_out snapshot is never rewritten.
func TestSubmitSyncTimeoutThenLatePoll(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	var clock *testClock
	runner := &stubRunner{
		syncState: compute.JobState{JobID: "job-t", Status: compute.StatusInProgress},
	}
	runner.inspectFn = func(int) (compute.JobState, error) {
		if clock.now.Sub(start) >= 8*time.Second {
			return compute.JobState{JobID: "job-t", Status: compute.StatusCompleted, Output: json.RawMessage(`{"text":"late"}`)}, nil
		}
		return compute.JobState{JobID: "job-t", Status: compute.StatusInProgress}, nil
	}
	ledger := newMemLedger()
	d, _, c := newTestDispatcher(t, runner, ledger, testConfig())
	clock = c

	job, err := d.Submit(context.Background(), genRequest(domain.ModeSync))
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if job.Status != domain.JobTimedOut {
		t.Fatalf("status=%s, want timed_out at the 5s ceiling", job.Status)
	}
	if runner.cancels != 0 {
		t.Fatal("sync timeout must not cancel the remote job")
	}

	clock.now = clock.now.Add(4 * time.Second)
	polled, err := d.Poll(context.Background(), "job-t")
	if err != nil {
		t.Fatalf("Poll() err=%v", err)
	}
	if polled.Status != domain.JobTimedOut {
		t.Fatalf("snapshot status=%s, want timed_out preserved after late completion", polled.Status)
	}
	if n := ledger.statusCount("job-t", domain.JobTimedOut); n != 1 {
		t.Fatalf("timed_out observations=%d, want 1", n)
	}
	if n := ledger.statusCount("job-t", domain.JobCompleted); n != 1 {
		t.Fatalf("completed observations=%d, want 1 late observation", n)
	}
}

func TestSubmitRetriesTransientFaults(t *testing.T) {
	runner := &stubRunner{
		submitErrs: []error{
			&compute.APIError{StatusCode: 502, Body: "bad gateway"},
			&compute.APIError{StatusCode: 429, Body: "slow down"},
		},
		submitState: compute.JobState{JobID: "job-r", Status: compute.StatusInQueue},
	}
	d, _, _ := newTestDispatcher(t, runner, newMemLedger(), testConfig())

	job, err := d.Submit(context.Background(), genRequest(domain.ModeAsync))
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if job.JobID != "job-r" {
		t.Fatalf("job id=%s, want job-r after retries", job.JobID)
	}
	if runner.submits != 3 {
		t.Fatalf("submits=%d, want 3", runner.submits)
	}
}

func TestSubmitExhaustedRetriesIsTransientDispatchError(t *testing.T) {
	runner := &stubRunner{submitErrs: []error{
		&compute.APIError{StatusCode: 500, Body: "a"},
		&compute.APIError{StatusCode: 500, Body: "b"},
		&compute.APIError{StatusCode: 500, Body: "c"},
	}}
	d, _, _ := newTestDispatcher(t, runner, newMemLedger(), testConfig())

	_, err := d.Submit(context.Background(), genRequest(domain.ModeAsync))
	var transient *domain.TransientDispatchError
	if !errors.As(err, &transient) {
		t.Fatalf("err=%v, want TransientDispatchError", err)
	}
	if runner.submits != 3 {
		t.Fatalf("submits=%d, want bounded at 3", runner.submits)
	}
}

func TestSubmitInputRejectionIsNotRetried(t *testing.T) {
	runner := &stubRunner{submitErrs: []error{
		&compute.APIError{StatusCode: 422, Body: "prompt too long"},
	}}
	d, _, _ := newTestDispatcher(t, runner, newMemLedger(), testConfig())

	_, err := d.Submit(context.Background(), genRequest(domain.ModeAsync))
	var invalid *domain.InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("err=%v, want InvalidInputError", err)
	}
	if runner.submits != 1 {
		t.Fatalf("submits=%d, want exactly 1", runner.submits)
	}
}

func TestSubmitStopsWhenEndpointUnavailable(t *testing.T) {
	gate := &stubGate{}
	registry := &stubRegistry{err: &domain.EndpointUnavailableError{Role: domain.RoleGeneration, Detail: "quota"}}
	d, err := NewDispatcher(&stubRunner{}, registry, gate, newMemLedger(), testConfig())
	if err != nil {
		t.Fatalf("NewDispatcher() err=%v", err)
	}

	_, err = d.Submit(context.Background(), genRequest(domain.ModeSync))
	var unavailable *domain.EndpointUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err=%v, want EndpointUnavailableError", err)
	}
	if gate.calls != 0 {
		t.Fatal("gate must not run when resolution fails")
	}
}

func sseEvent(t *testing.T, payload string) string {
	t.Helper()
	return "data: " + payload + "\n\n"
}

func TestSubmitStreamDeliversChunksToEndMarker(t *testing.T) {
	body := strings.Join([]string{
		sseEvent(t, `{"status":"IN_PROGRESS","stream":[{"output":"alpha"},{"output":"beta"}]}`),
		sseEvent(t, `{"status":"COMPLETED","stream":[{"output":"gamma"}],"output":{"tokens":3}}`),
	}, "")
	runner := &stubRunner{
		submitState: compute.JobState{JobID: "job-st", Status: compute.StatusInQueue},
		streamBody:  body,
	}
	ledger := newMemLedger()
	d, _, _ := newTestDispatcher(t, runner, ledger, testConfig())

	stream, err := d.SubmitStream(context.Background(), genRequest(domain.ModeStream))
	if err != nil {
		t.Fatalf("SubmitStream() err=%v", err)
	}
	defer stream.Close()

	chunks, err := stream.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() err=%v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks=%d, want 3", len(chunks))
	}
	job, err := ledger.Job(context.Background(), "job-st")
	if err != nil {
		t.Fatalf("Job() err=%v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status=%s, want completed after end marker", job.Status)
	}
}

// A wire close after 3 chunks without the end marker delivers exactly those
// 3 chunks and then fails the job with StreamTruncated.
func TestSubmitStreamTruncationAfterThreeChunks(t *testing.T) {
	body := strings.Join([]string{
		sseEvent(t, `{"status":"IN_PROGRESS","stream":[{"output":"one"},{"output":"two"}]}`),
		sseEvent(t, `{"status":"IN_PROGRESS","stream":[{"output":"three"}]}`),
	}, "")
	runner := &stubRunner{
		submitState: compute.JobState{JobID: "job-tr", Status: compute.StatusInQueue},
		streamBody:  body,
	}
	ledger := newMemLedger()
	d, _, _ := newTestDispatcher(t, runner, ledger, testConfig())

	stream, err := d.SubmitStream(context.Background(), genRequest(domain.ModeStream))
	if err != nil {
		t.Fatalf("SubmitStream() err=%v", err)
	}
	defer stream.Close()

	delivered := 0
	var truncated *domain.StreamTruncatedError
	for {
		_, err := stream.Next(context.Background())
		if err == nil {
			delivered++
			continue
		}
		if !errors.As(err, &truncated) {
			t.Fatalf("err=%v, want StreamTruncatedError", err)
		}
		break
	}
	if delivered != 3 {
		t.Fatalf("delivered=%d, want exactly 3 chunks before failure", delivered)
	}
	if truncated.Chunks != 3 {
		t.Fatalf("truncated.Chunks=%d, want 3", truncated.Chunks)
	}
	job, err := ledger.Job(context.Background(), "job-tr")
	if err != nil {
		t.Fatalf("Job() err=%v", err)
	}
	if job.Status != domain.JobFailed {
		t.Fatalf("status=%s, want failed on truncation", job.Status)
	}
}

func TestPollRecordsSingleSighting(t *testing.T) {
	runner := &stubRunner{
		submitState: compute.JobState{JobID: "job-p", Status: compute.StatusInQueue},
	}
	runner.inspectFn = func(int) (compute.JobState, error) {
		return compute.JobState{JobID: "job-p", Status: compute.StatusInProgress}, nil
	}
	ledger := newMemLedger()
	d, _, _ := newTestDispatcher(t, runner, ledger, testConfig())

	if _, err := d.Submit(context.Background(), genRequest(domain.ModeAsync)); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	job, err := d.Poll(context.Background(), "job-p")
	if err != nil {
		t.Fatalf("Poll() err=%v", err)
	}
	if job.Status != domain.JobRunning {
		t.Fatalf("status=%s, want running", job.Status)
	}
	if runner.inspects != 1 {
		t.Fatalf("inspects=%d, want exactly one remote check per poll", runner.inspects)
	}
}

func TestCancelIsBestEffort(t *testing.T) {
	runner := &stubRunner{
		submitState: compute.JobState{JobID: "job-c", Status: compute.StatusInQueue},
	}
	ledger := newMemLedger()
	d, _, _ := newTestDispatcher(t, runner, ledger, testConfig())

	if _, err := d.Submit(context.Background(), genRequest(domain.ModeAsync)); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if err := d.Cancel(context.Background(), "job-c"); err != nil {
		t.Fatalf("Cancel() err=%v", err)
	}
	if runner.cancels != 1 {
		t.Fatalf("cancels=%d, want 1", runner.cancels)
	}
	job, err := ledger.Job(context.Background(), "job-c")
	if err != nil {
		t.Fatalf("Job() err=%v", err)
	}
	if job.Status.Terminal() {
		t.Fatalf("status=%s, cancel must not invent a terminal state", job.Status)
	}
}
