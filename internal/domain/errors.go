package domain

import (
	"fmt"
	"strings"
)

// EndpointUnavailableError means neither lookup nor provisioning produced a
// usable endpoint for the role. Fatal to the request; the caller decides
// whether to retry the whole operation.
type EndpointUnavailableError struct {
	Role   Role
	Detail string
	Err    error
}

func (e *EndpointUnavailableError) Error() string {
	msg := fmt.Sprintf("endpoint unavailable for role %s", e.Role)
	if detail := strings.TrimSpace(e.Detail); detail != "" {
		msg += ": " + detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EndpointUnavailableError) Unwrap() error { return e.Err }

// InvalidInputError means the payload failed validation, locally or on the
// provider side. Never retried.
type InvalidInputError struct {
	Field  string
	Detail string
}

func (e *InvalidInputError) Error() string {
	if strings.TrimSpace(e.Field) == "" {
		return "invalid input: " + e.Detail
	}
	return fmt.Sprintf("invalid input %q: %s", e.Field, e.Detail)
}

// TransientDispatchError marks a network-level or 5xx provider fault.
// Retried inside the dispatcher with bounded attempts.
type TransientDispatchError struct {
	Role   Role
	Detail string
	Err    error
}

func (e *TransientDispatchError) Error() string {
	msg := fmt.Sprintf("transient dispatch failure for role %s", e.Role)
	if detail := strings.TrimSpace(e.Detail); detail != "" {
		msg += ": " + detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientDispatchError) Unwrap() error { return e.Err }

// TransientUploadError marks a storage write fault worth retrying.
type TransientUploadError struct {
	Key string
	Err error
}

func (e *TransientUploadError) Error() string {
	return fmt.Sprintf("transient upload failure for key %s: %v", e.Key, e.Err)
}

func (e *TransientUploadError) Unwrap() error { return e.Err }

// RemoteJobFailedError means the job ran and the provider reported failure.
// Terminal; surfaced with the provider's own detail, never retried.
type RemoteJobFailedError struct {
	Role   Role
	JobID  string
	Detail string
}

func (e *RemoteJobFailedError) Error() string {
	msg := fmt.Sprintf("remote job %s failed", e.JobID)
	if e.Role != "" {
		msg = fmt.Sprintf("remote job %s (role %s) failed", e.JobID, e.Role)
	}
	if detail := strings.TrimSpace(e.Detail); detail != "" {
		msg += ": " + detail
	}
	return msg
}

// StreamTruncatedError means the stream channel closed before the end
// marker arrived. Terminal for that stream; chunks already delivered stand.
type StreamTruncatedError struct {
	JobID  string
	Chunks int
}

func (e *StreamTruncatedError) Error() string {
	return fmt.Sprintf("stream for job %s truncated after %d chunks", e.JobID, e.Chunks)
}

// ArtifactUnrecoverableError means both the durable store and the origin
// provider were exhausted. Distinct from a plain not-found so callers can
// tell "never existed" from "lost despite recovery".
type ArtifactUnrecoverableError struct {
	OwnerID string
	JobID   string
	Detail  string
}

func (e *ArtifactUnrecoverableError) Error() string {
	msg := fmt.Sprintf("artifact for owner %s job %s is unrecoverable", e.OwnerID, e.JobID)
	if detail := strings.TrimSpace(e.Detail); detail != "" {
		msg += ": " + detail
	}
	return msg
}
