package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/sylvanlabs/maestro-go/internal/compute"
	"github.com/sylvanlabs/maestro-go/internal/domain"
)

// Stream is a finite, lazily produced sequence of incremental job output.
// It is not restartable; a new stream requires a new submission. A wire
// close without the explicit end marker fails the job with StreamTruncated,
// and chunks already delivered stand.
type Stream struct {
	jobID     string
	role      domain.Role
	reader    *compute.StreamReader
	ledger    Ledger
	pending   []json.RawMessage
	delivered int
	done      bool
	finalErr  error
	failed    error
}

// SubmitStream submits a stream-mode job and attaches to its incremental
// output. The returned stream must be closed by the caller.
func (d *Dispatcher) SubmitStream(ctx context.Context, req Request) (*Stream, error) {
	if d == nil || d.provider == nil {
		return nil, errors.New("dispatcher not initialized")
	}
	req.Mode = domain.ModeStream
	if err := req.validate(); err != nil {
		return nil, err
	}

	ep, err := d.resolveReady(ctx, req.Role)
	if err != nil {
		return nil, err
	}
	state, err := d.callWithRetry(ctx, req.Role, func(ctx context.Context) (compute.JobState, error) {
		return d.provider.Submit(ctx, ep.EndpointID, req.Input)
	})
	if err != nil {
		return nil, err
	}
	job, err := d.ledger.RecordSubmission(ctx, domain.Job{
		JobID:       state.JobID,
		Role:        req.Role,
		Mode:        domain.ModeStream,
		OwnerID:     req.OwnerID,
		EndpointID:  ep.EndpointID,
		Input:       req.Input,
		Status:      state.Status.ToJobStatus(),
		SubmittedAt: d.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	reader, err := d.provider.OpenStream(ctx, ep.EndpointID, job.JobID)
	if err != nil {
		if _, recErr := d.ledger.RecordObservation(ctx, job.JobID, domain.JobFailed, nil, "stream attach failed: "+err.Error()); recErr != nil {
			slog.Warn("record stream attach failure", "job_id", job.JobID, "error", recErr)
		}
		return nil, &domain.TransientDispatchError{Role: req.Role, Detail: "open stream", Err: err}
	}
	slog.Info("stream job submitted", "job_id", job.JobID, "role", req.Role, "endpoint_id", ep.EndpointID)
	return &Stream{jobID: job.JobID, role: req.Role, reader: reader, ledger: d.ledger}, nil
}

// AttachStream opens the incremental output of an already-submitted job.
// The provider replays buffered chunks for running jobs, so a relay that
// connects after submission still sees the whole sequence.
func (d *Dispatcher) AttachStream(ctx context.Context, jobID string) (*Stream, error) {
	if d == nil || d.provider == nil {
		return nil, errors.New("dispatcher not initialized")
	}
	job, err := d.ledger.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.EndpointID == "" || strings.HasPrefix(job.JobID, "local-") {
		return nil, &domain.InvalidInputError{Field: "job_id", Detail: "job was never assigned a provider id"}
	}
	reader, err := d.provider.OpenStream(ctx, job.EndpointID, job.JobID)
	if err != nil {
		return nil, &domain.TransientDispatchError{Role: job.Role, Detail: "open stream", Err: err}
	}
	return &Stream{jobID: job.JobID, role: job.Role, reader: reader, ledger: d.ledger}, nil
}

func (s *Stream) JobID() string { return s.jobID }

// Next returns the next output chunk. io.EOF marks a clean end after the
// explicit end marker; StreamTruncatedError marks a wire close without one.
// Next blocks on the wire; Close unblocks a stuck call.
func (s *Stream) Next(ctx context.Context) (json.RawMessage, error) {
	if s == nil || s.reader == nil {
		return nil, errors.New("stream not initialized")
	}
	if s.finalErr != nil && len(s.pending) == 0 {
		return nil, s.finalErr
	}

	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			s.delivered++
			return chunk, nil
		}
		if s.done {
			if s.failed != nil {
				s.finalErr = s.failed
			} else {
				s.finalErr = io.EOF
			}
			return nil, s.finalErr
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		event, err := s.reader.Next()
		if err != nil {
			s.done = true
			truncated := &domain.StreamTruncatedError{JobID: s.jobID, Chunks: s.delivered}
			if !errors.Is(err, io.EOF) {
				slog.Warn("stream read failed", "job_id", s.jobID, "error", err)
			}
			if _, recErr := s.ledger.RecordObservation(ctx, s.jobID, domain.JobFailed, nil, truncated.Error()); recErr != nil {
				slog.Warn("record stream truncation", "job_id", s.jobID, "error", recErr)
			}
			s.finalErr = truncated
			return nil, truncated
		}

		s.pending = append(s.pending, event.Chunks...)
		if event.Terminal() {
			s.done = true
			status := event.Status.ToJobStatus()
			if _, err := s.ledger.RecordObservation(ctx, s.jobID, status, event.Output, event.Error); err != nil {
				slog.Warn("record stream completion", "job_id", s.jobID, "error", err)
			}
			if event.Status == compute.StatusCompleted {
				if fileID := originFileID(event.Output); fileID != "" {
					if err := s.ledger.SetOriginFile(ctx, s.jobID, fileID); err != nil {
						slog.Warn("recording origin file id failed", "job_id", s.jobID, "origin_file_id", fileID, "error", err)
					}
				}
			}
			if event.Status == compute.StatusFailed {
				s.failed = &domain.RemoteJobFailedError{Role: s.role, JobID: s.jobID, Detail: event.Error}
			}
		}
	}
}

// Drain consumes the rest of the stream and returns every remaining chunk.
func (s *Stream) Drain(ctx context.Context) ([]json.RawMessage, error) {
	var chunks []json.RawMessage
	for {
		chunk, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func (s *Stream) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}
