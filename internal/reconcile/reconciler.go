// Package reconcile keeps job artifacts durable. Writes go to object
// storage with bounded retry; reads that miss fall back through an ordered
// source chain ending at the origin provider, repairing the store on the
// way out. Losing an artifact for good requires the durable store and the
// origin to lose it at the same time.
package reconcile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/platform/env"
	"github.com/sylvanlabs/maestro-go/internal/repo"
	"github.com/sylvanlabs/maestro-go/internal/storage/objectstore"
)

// Ledger is the bookkeeping slice the reconciler writes through.
type Ledger interface {
	UpsertArtifact(ctx context.Context, rec domain.ArtifactRecord) error
	Artifact(ctx context.Context, ownerID, jobID string) (domain.ArtifactRecord, error)
	Job(ctx context.Context, jobID string) (domain.Job, error)
}

// Artifact is one named output of a completed job.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

type Config struct {
	UploadAttempts int
	UploadDelay    time.Duration
}

func ConfigFromEnv() (Config, error) {
	attempts, err := env.Int("MAESTRO_RECONCILE_UPLOAD_ATTEMPTS", 3)
	if err != nil {
		return Config{}, err
	}
	delay, err := env.Duration("MAESTRO_RECONCILE_UPLOAD_DELAY", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{UploadAttempts: attempts, UploadDelay: delay}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.UploadAttempts < 1 {
		return errors.New("upload attempts must be at least 1")
	}
	if c.UploadDelay < 0 {
		return errors.New("upload delay must not be negative")
	}
	return nil
}

type Reconciler struct {
	store   objectstore.Store
	ledger  Ledger
	sources []ArtifactSource
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewReconciler builds the reconciler with its source chain. The durable
// store is always consulted first; extra sources are recovery origins whose
// hits repair the store.
func NewReconciler(store objectstore.Store, ledger Ledger, origins []ArtifactSource, cfg Config) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sources := append([]ArtifactSource{NewStoreSource(store)}, origins...)
	return &Reconciler{
		store:   store,
		ledger:  ledger,
		sources: sources,
		cfg:     cfg,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}, nil
}

// Store uploads a job's artifacts under their deterministic keys and
// persists the record. Upload faults are retried with fixed delay; after
// the attempts run out the record keeps uploaded=false and the failure is
// surfaced, never swallowed. Re-running with the same inputs converges on
// the same keys and one logical record.
func (r *Reconciler) Store(ctx context.Context, ownerID, jobID, category string, artifacts []Artifact) (domain.ArtifactRecord, error) {
	if r == nil || r.store == nil {
		return domain.ArtifactRecord{}, errors.New("reconciler not initialized")
	}
	ownerID = strings.TrimSpace(ownerID)
	jobID = strings.TrimSpace(jobID)
	category = strings.TrimSpace(category)
	if ownerID == "" || jobID == "" || category == "" {
		return domain.ArtifactRecord{}, errors.New("owner id, job id, and category are required")
	}
	if len(artifacts) == 0 {
		return domain.ArtifactRecord{}, errors.New("at least one artifact is required")
	}

	rec := domain.ArtifactRecord{
		OwnerID:  ownerID,
		JobID:    jobID,
		Category: category,
	}
	var uploadErr error
	for i, artifact := range artifacts {
		name := strings.TrimSpace(artifact.Name)
		if name == "" {
			return domain.ArtifactRecord{}, fmt.Errorf("artifact %d: name is required", i)
		}
		key := domain.ArtifactKey(ownerID, category, jobID, name)
		switch i {
		case 0:
			rec.PrimaryKey = key
			rec.PrimaryURL = r.store.URL(key)
			sum := sha256.Sum256(artifact.Data)
			rec.SHA256 = hex.EncodeToString(sum[:])
		case 1:
			rec.BackupKey = key
			rec.BackupURL = r.store.URL(key)
		}
		if uploadErr != nil {
			continue
		}
		if err := r.putWithRetry(ctx, key, artifact); err != nil {
			uploadErr = err
		}
	}

	rec.Uploaded = uploadErr == nil
	if rec.Uploaded {
		verified := true
		for _, artifact := range artifacts {
			if err := verifyContent(artifact.Data); err != nil {
				verified = false
				slog.Warn("artifact content failed verification", "owner_id", ownerID, "job_id", jobID, "name", artifact.Name, "error", err)
				break
			}
		}
		rec.Verified = verified
	}

	if err := r.ledger.UpsertArtifact(ctx, rec); err != nil {
		return domain.ArtifactRecord{}, fmt.Errorf("persist artifact record: %w", err)
	}
	if uploadErr != nil {
		return rec, fmt.Errorf("upload artifacts for job %s: %w", jobID, uploadErr)
	}
	slog.Info("artifacts stored", "owner_id", ownerID, "job_id", jobID, "category", category, "verified", rec.Verified)
	return rec, nil
}

func (r *Reconciler) putWithRetry(ctx context.Context, key string, artifact Artifact) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.UploadAttempts; attempt++ {
		err := r.store.Put(ctx, key, bytes.NewReader(artifact.Data), int64(len(artifact.Data)), artifact.ContentType)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if attempt == r.cfg.UploadAttempts {
			break
		}
		if sleepErr := r.sleep(ctx, r.cfg.UploadDelay); sleepErr != nil {
			return sleepErr
		}
	}
	return &domain.TransientUploadError{Key: key, Err: lastErr}
}

// Fetch returns an artifact's bytes, walking the source chain on a miss. A
// present-but-corrupt object counts as a miss. A recovery hit is re-uploaded
// and the record marked verified before the bytes are returned. Only when
// every source is exhausted does the caller see ArtifactUnrecoverable;
// repo.ErrNotFound still means the record never existed.
func (r *Reconciler) Fetch(ctx context.Context, ownerID, jobID string) ([]byte, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("reconciler not initialized")
	}
	rec, err := r.ledger.Artifact(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}

	ref := Ref{
		OwnerID:  rec.OwnerID,
		JobID:    rec.JobID,
		Category: rec.Category,
		Key:      rec.PrimaryKey,
	}
	if job, err := r.ledger.Job(ctx, rec.JobID); err == nil {
		ref.OriginFileID = job.OriginFileID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("load job %s: %w", rec.JobID, err)
	}

	for i, source := range r.sources {
		data, err := source.Fetch(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Debug("artifact source miss", "source", source.Name(), "owner_id", ownerID, "job_id", jobID, "error", err)
			continue
		}
		if err := verifyContent(data); err != nil {
			slog.Warn("artifact source returned corrupt content", "source", source.Name(), "owner_id", ownerID, "job_id", jobID, "error", err)
			continue
		}
		if i > 0 {
			if err := r.repair(ctx, rec, data); err != nil {
				slog.Warn("artifact repair failed", "owner_id", ownerID, "job_id", jobID, "error", err)
			} else {
				slog.Info("artifact recovered from origin", "source", source.Name(), "owner_id", ownerID, "job_id", jobID)
			}
		} else if !rec.Verified {
			rec.Verified = true
			rec.Uploaded = true
			if err := r.ledger.UpsertArtifact(ctx, rec); err != nil {
				slog.Warn("mark artifact verified failed", "owner_id", ownerID, "job_id", jobID, "error", err)
			}
		}
		return data, nil
	}
	return nil, &domain.ArtifactUnrecoverableError{
		OwnerID: ownerID,
		JobID:   jobID,
		Detail:  "durable store and origin recovery both exhausted",
	}
}

// repair re-uploads recovered bytes under the record's deterministic key
// and supersedes the record as uploaded and verified.
func (r *Reconciler) repair(ctx context.Context, rec domain.ArtifactRecord, data []byte) error {
	key := rec.PrimaryKey
	if strings.TrimSpace(key) == "" {
		key = domain.ArtifactKey(rec.OwnerID, rec.Category, rec.JobID, "recovered.json")
	}
	if err := r.putWithRetry(ctx, key, Artifact{Name: key, ContentType: "application/json", Data: data}); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	rec.PrimaryKey = key
	rec.PrimaryURL = r.store.URL(key)
	rec.SHA256 = hex.EncodeToString(sum[:])
	rec.Uploaded = true
	rec.Verified = true
	return r.ledger.UpsertArtifact(ctx, rec)
}

// PresignPrimary returns a presigned GET URL for the record's primary
// object.
func (r *Reconciler) PresignPrimary(ctx context.Context, rec domain.ArtifactRecord, ttl time.Duration) (string, error) {
	if r == nil || r.store == nil {
		return "", errors.New("reconciler not initialized")
	}
	if strings.TrimSpace(rec.PrimaryKey) == "" {
		return "", errors.New("record has no primary key")
	}
	return r.store.PresignGet(ctx, rec.PrimaryKey, ttl)
}

// verifyContent rejects empty payloads and unparseable JSON-shaped ones.
// Binary artifacts (audio, images) only need to be non-empty.
func verifyContent(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.New("content is empty")
	}
	switch trimmed[0] {
	case '{', '[':
		if json.Valid(trimmed) {
			return nil
		}
		// JSONL: every non-blank line must parse on its own
		for _, line := range bytes.Split(trimmed, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			if !json.Valid(line) {
				return errors.New("content is not valid json or jsonl")
			}
		}
	}
	return nil
}
