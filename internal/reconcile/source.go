package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sylvanlabs/maestro-go/internal/storage/objectstore"
)

// Ref addresses one artifact across every source in the chain.
type Ref struct {
	OwnerID      string
	JobID        string
	Category     string
	Key          string
	OriginFileID string
}

// ArtifactSource is one place an artifact's bytes may still live. Fetch
// returns the raw content or an error; the reconciler walks sources in
// order and verifies whatever comes back.
type ArtifactSource interface {
	Name() string
	Fetch(ctx context.Context, ref Ref) ([]byte, error)
}

// StoreSource reads from the durable object store. It is always the first
// link of the chain.
type StoreSource struct {
	store objectstore.Store
}

func NewStoreSource(store objectstore.Store) *StoreSource {
	return &StoreSource{store: store}
}

func (s *StoreSource) Name() string { return "durable-store" }

func (s *StoreSource) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("store source not initialized")
	}
	if strings.TrimSpace(ref.Key) == "" {
		return nil, fmt.Errorf("%s: %w", ref.JobID, objectstore.ErrNotExist)
	}
	body, _, err := s.store.Get(ctx, ref.Key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", ref.Key, err)
	}
	return data, nil
}

// FileFetcher is the origin provider's file surface.
type FileFetcher interface {
	FetchFile(ctx context.Context, fileID string) ([]byte, error)
}

// OriginSource recovers an artifact from the provider that produced it,
// using the file id recorded on the job at completion time.
type OriginSource struct {
	files FileFetcher
}

func NewOriginSource(files FileFetcher) *OriginSource {
	return &OriginSource{files: files}
}

func (s *OriginSource) Name() string { return "origin-provider" }

func (s *OriginSource) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	if s == nil || s.files == nil {
		return nil, errors.New("origin source not initialized")
	}
	if strings.TrimSpace(ref.OriginFileID) == "" {
		return nil, errors.New("no origin file id recorded")
	}
	return s.files.FetchFile(ctx, ref.OriginFileID)
}
