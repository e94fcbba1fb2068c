package compute

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sylvanlabs/maestro-go/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		APIBase:    server.URL + "/v2",
		ControlURL: server.URL + "/graphql",
		APIKey:     "test-key",
		UserAgent:  "maestro-go-test",
	})
	if err != nil {
		t.Fatalf("NewClient() err=%v", err)
	}
	return client, server
}

func TestSubmitSendsBearerAndInput(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody []byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotBody = make([]byte, r.ContentLength)
		_, _ = r.Body.Read(gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": "IN_QUEUE"})
	})
	client, _ := newTestClient(t, handler)

	state, err := client.Submit(context.Background(), "ep-1", json.RawMessage(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if state.JobID != "job-1" || state.Status != StatusInQueue {
		t.Fatalf("unexpected state: %+v", state)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("Authorization=%q, want Bearer test-key", gotAuth)
	}
	if gotPath != "/v2/ep-1/run" {
		t.Fatalf("path=%q, want /v2/ep-1/run", gotPath)
	}
	if !strings.Contains(string(gotBody), `"input"`) {
		t.Fatalf("body missing input wrapper: %s", gotBody)
	}
}

func TestSubmitSyncReturnsOutput(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/ep-1/runsync" {
			t.Errorf("path=%q, want /v2/ep-1/runsync", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "job-2",
			"status":        "COMPLETED",
			"output":        map[string]string{"text": "done"},
			"executionTime": 1234,
		})
	})
	client, _ := newTestClient(t, handler)

	state, err := client.SubmitSync(context.Background(), "ep-1", json.RawMessage(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatalf("SubmitSync() err=%v", err)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("status=%s, want COMPLETED", state.Status)
	}
	if !strings.Contains(string(state.Output), "done") {
		t.Fatalf("output=%s, want text done", state.Output)
	}
	if state.ExecutionMS != 1234 {
		t.Fatalf("executionMS=%d, want 1234", state.ExecutionMS)
	}
}

func TestInspectAndCancelPaths(t *testing.T) {
	var paths []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "job-3", "status": "IN_PROGRESS"})
	})
	client, _ := newTestClient(t, handler)

	state, err := client.Inspect(context.Background(), "ep-1", "job-3")
	if err != nil {
		t.Fatalf("Inspect() err=%v", err)
	}
	if state.Status != StatusInProgress {
		t.Fatalf("status=%s, want IN_PROGRESS", state.Status)
	}
	if err := client.Cancel(context.Background(), "ep-1", "job-3"); err != nil {
		t.Fatalf("Cancel() err=%v", err)
	}
	if paths[0] != "GET /v2/ep-1/status/job-3" {
		t.Fatalf("first call %q, want GET /v2/ep-1/status/job-3", paths[0])
	}
	if paths[1] != "POST /v2/ep-1/cancel/job-3" {
		t.Fatalf("second call %q, want POST /v2/ep-1/cancel/job-3", paths[1])
	}
}

func TestHealthDecodesGauges(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/ep-1/health" {
			t.Errorf("path=%q, want /v2/ep-1/health", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"jobs":{"inQueue":2,"inProgress":1},"workers":{"idle":0,"initializing":3,"ready":0,"running":0,"unhealthy":0}}`))
	})
	client, _ := newTestClient(t, handler)

	report, err := client.Health(context.Background(), "ep-1")
	if err != nil {
		t.Fatalf("Health() err=%v", err)
	}
	if report.WorkersInitializing != 3 || report.JobsInQueue != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Ready() {
		t.Fatal("expected not ready while all workers initializing")
	}
}

func TestAPIErrorClassification(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusBadGateway)
	})
	client, _ := newTestClient(t, handler)

	_, err := client.Submit(context.Background(), "ep-1", json.RawMessage(`{}`))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.Transient() {
		t.Fatalf("expected 502 to be transient")
	}
	if apiErr.InputRejection() {
		t.Fatalf("502 must not classify as input rejection")
	}
}

func TestRemoteStatusMapping(t *testing.T) {
	tests := []struct {
		remote RemoteStatus
		want   domain.JobStatus
	}{
		{StatusInQueue, domain.JobPending},
		{StatusInProgress, domain.JobRunning},
		{StatusCompleted, domain.JobCompleted},
		{StatusFailed, domain.JobFailed},
		{StatusCancelled, domain.JobFailed},
		{StatusTimedOut, domain.JobTimedOut},
	}
	for _, tc := range tests {
		if got := tc.remote.ToJobStatus(); got != tc.want {
			t.Fatalf("%s: expected %s got %s", tc.remote, tc.want, got)
		}
	}
}
