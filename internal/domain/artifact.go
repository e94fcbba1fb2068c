package domain

import (
	"errors"
	"strings"
	"time"
)

// ArtifactRecord tracks where a job's durable output lives and whether the
// stored content has been verified. Records are append-only: retries and
// repairs mutate the same (owner, job) row, regeneration creates a new row
// under the new job id.
type ArtifactRecord struct {
	OwnerID    string
	JobID      string
	Category   string
	PrimaryKey string
	PrimaryURL string
	BackupKey  string
	BackupURL  string
	SHA256     string
	Uploaded   bool
	Verified   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r ArtifactRecord) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(r.Category) == "" {
		return errors.New("artifact category is required")
	}
	if r.Uploaded && strings.TrimSpace(r.PrimaryKey) == "" {
		return errors.New("uploaded record requires a primary key")
	}
	return nil
}

// ArtifactKey derives the deterministic object key for one named artifact of
// a job. Every component that touches storage goes through this scheme.
func ArtifactKey(ownerID, category, jobID, name string) string {
	return ownerID + "/" + category + "/" + jobID + "/" + name
}
