// Package compute talks to the remote serverless GPU provider. Job traffic
// goes over the per-endpoint REST surface, endpoint control over the
// provider's GraphQL surface. Everything above this package depends on the
// Provider contract, not on the wire shapes.
package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sylvanlabs/maestro-go/internal/domain"
)

// Provider is the remote compute surface the orchestration layer consumes.
type Provider interface {
	ListEndpoints(ctx context.Context) ([]RemoteEndpoint, error)
	CreateEndpoint(ctx context.Context, req CreateEndpointRequest) (RemoteEndpoint, error)
	Health(ctx context.Context, endpointID string) (HealthReport, error)
	Submit(ctx context.Context, endpointID string, input json.RawMessage) (JobState, error)
	SubmitSync(ctx context.Context, endpointID string, input json.RawMessage) (JobState, error)
	Inspect(ctx context.Context, endpointID, jobID string) (JobState, error)
	Cancel(ctx context.Context, endpointID, jobID string) error
	OpenStream(ctx context.Context, endpointID, jobID string) (*StreamReader, error)
}

// RemoteStatus is a job status as reported by the provider.
type RemoteStatus string

const (
	StatusInQueue    RemoteStatus = "IN_QUEUE"
	StatusInProgress RemoteStatus = "IN_PROGRESS"
	StatusCompleted  RemoteStatus = "COMPLETED"
	StatusFailed     RemoteStatus = "FAILED"
	StatusCancelled  RemoteStatus = "CANCELLED"
	StatusTimedOut   RemoteStatus = "TIMED_OUT"
)

func (s RemoteStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// ToJobStatus maps provider statuses onto tracked job statuses. The ledger
// never invents intermediate states, so unknown values map to running only
// when the provider says the job is alive.
func (s RemoteStatus) ToJobStatus() domain.JobStatus {
	switch s {
	case StatusInQueue:
		return domain.JobPending
	case StatusInProgress:
		return domain.JobRunning
	case StatusCompleted:
		return domain.JobCompleted
	case StatusFailed, StatusCancelled:
		return domain.JobFailed
	case StatusTimedOut:
		return domain.JobTimedOut
	default:
		return domain.JobPending
	}
}

// JobState is one provider-side sighting of a job.
type JobState struct {
	JobID       string
	Status      RemoteStatus
	Output      json.RawMessage
	Error       string
	DelayMS     int64
	ExecutionMS int64
}

// RemoteEndpoint describes one provisioned endpoint as listed by the
// provider's control surface.
type RemoteEndpoint struct {
	ID          string
	Name        string
	TemplateID  string
	GPUTypes    []string
	WorkersMin  int
	WorkersMax  int
	IdleTimeout int
}

type CreateEndpointRequest struct {
	Name      string
	ImageRef  string
	Resources domain.ResourceSpec
	Env       map[string]string
}

func (r CreateEndpointRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("endpoint name is required")
	}
	if strings.TrimSpace(r.ImageRef) == "" {
		return fmt.Errorf("image ref is required")
	}
	return r.Resources.Validate()
}

// HealthReport carries the worker and queue gauges from the endpoint health
// probe.
type HealthReport struct {
	WorkersIdle         int
	WorkersInitializing int
	WorkersReady        int
	WorkersRunning      int
	WorkersUnhealthy    int
	JobsInQueue         int
	JobsInProgress      int
}

// Ready reports whether at least one worker can take traffic.
func (h HealthReport) Ready() bool {
	return h.WorkersReady > 0 || h.WorkersIdle > 0 || h.WorkersRunning > 0
}

// APIError is a non-2xx reply from the provider's job surface.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("provider api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("provider api error (status=%d): %s", e.StatusCode, body)
}

// Transient reports whether the reply is worth retrying: server faults and
// throttling, never input rejections.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// InputRejection reports whether the provider refused the payload itself.
func (e *APIError) InputRejection() bool {
	switch e.StatusCode {
	case 400, 413, 422:
		return true
	default:
		return false
	}
}
