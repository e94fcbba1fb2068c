package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/domain"
)

// ErrNotFound marks a point lookup that matched no record.
var ErrNotFound = errors.New("record not found")

type JobFilter struct {
	OwnerID string
	Role    domain.Role
	Status  domain.JobStatus
	Limit   int
}

type ArtifactFilter struct {
	OwnerID  string
	Category string
	Limit    int
}

// EndpointRepository persists the registry's role → endpoint mapping.
type EndpointRepository interface {
	UpsertEndpoint(ctx context.Context, ep domain.Endpoint) error
	GetEndpoint(ctx context.Context, role domain.Role) (domain.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]domain.Endpoint, error)
	// UpdateEndpointStatus is keyed by role and endpoint id so a stale
	// probe can never clobber a re-provisioned endpoint's status.
	UpdateEndpointStatus(ctx context.Context, role domain.Role, endpointID string, status domain.EndpointStatus) error
}

// JobRepository persists job snapshots and their append-only observations.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, output json.RawMessage, detail string, completedAt *time.Time) error
	SetJobOriginFile(ctx context.Context, jobID, originFileID string) error
	AppendObservation(ctx context.Context, obs domain.Observation) error
	ListObservations(ctx context.Context, jobID string) ([]domain.Observation, error)
}

// ArtifactRepository persists artifact records for reconciliation.
type ArtifactRepository interface {
	UpsertArtifact(ctx context.Context, rec domain.ArtifactRecord) error
	GetArtifact(ctx context.Context, ownerID, jobID string) (domain.ArtifactRecord, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]domain.ArtifactRecord, error)
	ListUnuploaded(ctx context.Context, limit int) ([]domain.ArtifactRecord, error)
}
