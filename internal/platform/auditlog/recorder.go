package auditlog

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Recorder binds the audit table to the ops handlers. Recording is
// best-effort: a failed insert is logged and never fails the request.
type Recorder struct {
	db QueryRower
}

func NewRecorder(db QueryRower) *Recorder {
	return &Recorder{db: db}
}

// RecordJobAction audits a job-level operation (submit, cancel, reconcile).
func (rec *Recorder) RecordJobAction(r *http.Request, action, jobID string, payload map[string]any) {
	if rec == nil || rec.db == nil {
		return
	}
	event := Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actorFrom(r),
		Action:       action,
		ResourceType: "job",
		ResourceID:   jobID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           remoteIP(r),
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	}
	if _, err := Insert(context.WithoutCancel(r.Context()), rec.db, event); err != nil {
		slog.Warn("audit insert failed", "action", action, "resource_id", jobID, "error", err)
	}
}

// RecordDenied audits a request the auth guard rejected.
func (rec *Recorder) RecordDenied(r *http.Request, reason string) {
	if rec == nil || rec.db == nil {
		return
	}
	event := Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        "anonymous",
		Action:       "auth." + strings.TrimSpace(reason),
		ResourceType: "http",
		ResourceID:   r.Method + " " + r.URL.Path,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           remoteIP(r),
		UserAgent:    r.UserAgent(),
		Payload: map[string]any{
			"reason": reason,
		},
	}
	if _, err := Insert(context.WithoutCancel(r.Context()), rec.db, event); err != nil {
		slog.Warn("audit insert failed", "action", event.Action, "error", err)
	}
}

func actorFrom(r *http.Request) string {
	if owner := strings.TrimSpace(r.Header.Get("X-Owner-Id")); owner != "" {
		return owner
	}
	return "internal"
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
