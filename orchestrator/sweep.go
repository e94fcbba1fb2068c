package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/platform/env"
)

type sweepLedger interface {
	UnuploadedArtifacts(ctx context.Context, limit int) ([]domain.ArtifactRecord, error)
}

type sweepReconciler interface {
	Fetch(ctx context.Context, ownerID, jobID string) ([]byte, error)
}

// sweeper walks artifact records that never made it to durable storage and
// pushes each through the recovery path. Runs once at boot, then on a
// ticker, plus on demand from the ops surface.
type sweeper struct {
	ledger     sweepLedger
	reconciler sweepReconciler
	interval   time.Duration
	batch      int
	trigger    chan struct{}
}

func newSweeper(ledger sweepLedger, reconciler sweepReconciler) (*sweeper, error) {
	interval, err := env.Duration("MAESTRO_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	batch, err := env.Int("MAESTRO_SWEEP_BATCH", 50)
	if err != nil {
		return nil, err
	}
	if ledger == nil || reconciler == nil {
		return nil, errors.New("sweeper needs a ledger and a reconciler")
	}
	return &sweeper{
		ledger:     ledger,
		reconciler: reconciler,
		interval:   interval,
		batch:      batch,
		trigger:    make(chan struct{}, 1),
	}, nil
}

// kick requests a sweep outside the regular cadence. Coalesces when one is
// already queued.
func (s *sweeper) kick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *sweeper) run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.trigger:
			s.sweep(ctx)
		}
	}
}

func (s *sweeper) sweep(ctx context.Context) {
	records, err := s.ledger.UnuploadedArtifacts(ctx, s.batch)
	if err != nil {
		slog.Error("sweep list failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	repaired := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.reconciler.Fetch(ctx, rec.OwnerID, rec.JobID); err != nil {
			var unrecoverable *domain.ArtifactUnrecoverableError
			if errors.As(err, &unrecoverable) {
				slog.Warn("sweep found unrecoverable artifact", "owner_id", rec.OwnerID, "job_id", rec.JobID)
				continue
			}
			slog.Warn("sweep repair failed", "owner_id", rec.OwnerID, "job_id", rec.JobID, "error", err)
			continue
		}
		repaired++
	}
	slog.Info("reconciliation sweep finished", "candidates", len(records), "repaired", repaired)
}
