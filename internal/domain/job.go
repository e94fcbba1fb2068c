package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode selects how a job submission is driven to completion.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeAsync  Mode = "async"
	ModeStream Mode = "stream"
)

// ParseMode maps free-form mode values to canonical modes.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeSync:
		return ModeSync, nil
	case ModeAsync:
		return ModeAsync, nil
	case ModeStream:
		return ModeStream, nil
	default:
		return "", fmt.Errorf("unknown mode %q", value)
	}
}

// JobStatus represents the tracked state of one unit of submitted work.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether the status admits no further snapshot transition.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimedOut:
		return true
	default:
		return false
	}
}

// CanTransitionJobStatus enforces monotonic progression: pending precedes
// running, running precedes the terminal states, and a terminal snapshot is
// never replaced. Late observations of a different terminal outcome are
// recorded as observations, not snapshot transitions.
func CanTransitionJobStatus(current, next JobStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	if current.Terminal() {
		return false
	}
	return jobStatusOrder(current) < jobStatusOrder(next)
}

func jobStatusOrder(status JobStatus) int {
	switch status {
	case JobPending:
		return 1
	case JobRunning:
		return 2
	case JobCompleted, JobFailed, JobTimedOut:
		return 3
	default:
		return 0
	}
}

// Job is one unit of submitted work tracked to a terminal status.
type Job struct {
	JobID        string
	Role         Role
	Mode         Mode
	OwnerID      string
	EndpointID   string
	Input        json.RawMessage
	Status       JobStatus
	Output       json.RawMessage
	ErrorDetail  string
	OriginFileID string
	SubmittedAt  time.Time
	CompletedAt  *time.Time
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.JobID) == "" {
		return errors.New("job id is required")
	}
	if _, err := ParseRole(string(j.Role)); err != nil {
		return err
	}
	if _, err := ParseMode(string(j.Mode)); err != nil {
		return err
	}
	if strings.TrimSpace(string(j.Status)) == "" {
		return errors.New("job status is required")
	}
	return nil
}

// Observation is one append-only sighting of a job's remote state. The ledger
// keeps every observation; snapshots derive from them monotonically.
type Observation struct {
	ID              int64
	JobID           string
	Status          JobStatus
	Output          json.RawMessage
	Detail          string
	IntegritySHA256 string
	ObservedAt      time.Time
}

func (o Observation) Validate() error {
	if strings.TrimSpace(o.JobID) == "" {
		return errors.New("observation job id is required")
	}
	if strings.TrimSpace(string(o.Status)) == "" {
		return errors.New("observation status is required")
	}
	if strings.TrimSpace(o.IntegritySHA256) == "" {
		return errors.New("observation integrity sha256 is required")
	}
	return nil
}
