package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS endpoints (
  role TEXT PRIMARY KEY,
  endpoint_id TEXT NOT NULL,
  name TEXT NOT NULL,
  image_ref TEXT,
  resources JSONB NOT NULL DEFAULT '{}'::jsonb,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
  job_id TEXT PRIMARY KEY,
  role TEXT NOT NULL,
  mode TEXT NOT NULL,
  owner_id TEXT,
  endpoint_id TEXT,
  input JSONB,
  status TEXT NOT NULL,
  output JSONB,
  error_detail TEXT,
  origin_file_id TEXT,
  submitted_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, submitted_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_role_status ON jobs(role, status);

CREATE TABLE IF NOT EXISTS job_observations (
  id BIGSERIAL PRIMARY KEY,
  job_id TEXT NOT NULL,
  status TEXT NOT NULL,
  output JSONB,
  detail TEXT,
  integrity_sha256 TEXT NOT NULL,
  observed_at TIMESTAMPTZ NOT NULL,
  UNIQUE (job_id, integrity_sha256)
);
CREATE INDEX IF NOT EXISTS idx_job_observations_job ON job_observations(job_id, observed_at);

CREATE TABLE IF NOT EXISTS artifact_records (
  owner_id TEXT NOT NULL,
  job_id TEXT NOT NULL,
  category TEXT NOT NULL,
  primary_key_path TEXT,
  primary_url TEXT,
  backup_key_path TEXT,
  backup_url TEXT,
  sha256 TEXT,
  uploaded BOOLEAN NOT NULL DEFAULT FALSE,
  verified BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (owner_id, job_id)
);
CREATE INDEX IF NOT EXISTS idx_artifact_records_unuploaded ON artifact_records(uploaded) WHERE uploaded = FALSE;

CREATE TABLE IF NOT EXISTS ops_audit_events (
  event_id BIGSERIAL PRIMARY KEY,
  occurred_at TIMESTAMPTZ NOT NULL,
  actor TEXT NOT NULL,
  action TEXT NOT NULL,
  resource_type TEXT NOT NULL,
  resource_id TEXT NOT NULL,
  request_id TEXT,
  ip TEXT,
  user_agent TEXT,
  payload JSONB NOT NULL DEFAULT '{}'::jsonb,
  integrity_sha256 TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ops_audit_events_resource ON ops_audit_events(resource_type, resource_id, occurred_at);
`

// EnsureSchema creates the orchestration tables when they do not exist yet.
// Statements are idempotent so startup can run this unconditionally.
func EnsureSchema(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
