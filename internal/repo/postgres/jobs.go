package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/repo"
)

type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job domain.Job) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	input, err := encodePayload(job.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	output, err := encodePayload(job.Output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	submittedAt := normalizeTime(job.SubmittedAt)
	var completedAt sql.NullTime
	if job.CompletedAt != nil {
		completedAt = sql.NullTime{Time: job.CompletedAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			job_id, role, mode, owner_id, endpoint_id, input, status,
			output, error_detail, origin_file_id, submitted_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (job_id) DO NOTHING`,
		strings.TrimSpace(job.JobID),
		string(job.Role),
		string(job.Mode),
		nullIfEmpty(job.OwnerID),
		nullIfEmpty(job.EndpointID),
		input,
		string(job.Status),
		output,
		nullIfEmpty(job.ErrorDetail),
		nullIfEmpty(job.OriginFileID),
		submittedAt,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.Job{}, fmt.Errorf("job id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT job_id, role, mode, owner_id, endpoint_id, input, status,
			output, error_detail, origin_file_id, submitted_at, completed_at
		 FROM jobs WHERE job_id = $1`,
		jobID,
	)
	job, err := scanJob(row)
	if err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	return job, nil
}

func (s *JobStore) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	query, args, err := buildJobListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, output json.RawMessage, detail string, completedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.TrimSpace(string(status)) == "" {
		return fmt.Errorf("status is required")
	}
	encoded, err := encodePayload(output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	var completed sql.NullTime
	if completedAt != nil {
		completed = sql.NullTime{Time: completedAt.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = $1, output = COALESCE($2, output), error_detail = $3, completed_at = $4
		 WHERE job_id = $5`,
		string(status),
		encoded,
		nullIfEmpty(detail),
		completed,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *JobStore) SetJobOriginFile(ctx context.Context, jobID, originFileID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	originFileID = strings.TrimSpace(originFileID)
	if originFileID == "" {
		return fmt.Errorf("origin file id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET origin_file_id = $1 WHERE job_id = $2`,
		originFileID,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("set job origin file: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set job origin file: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// AppendObservation inserts one observation row. Replays of the same
// observation are absorbed by the (job_id, integrity_sha256) uniqueness.
func (s *JobStore) AppendObservation(ctx context.Context, obs domain.Observation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if err := obs.Validate(); err != nil {
		return err
	}
	output, err := encodePayload(obs.Output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO job_observations (job_id, status, output, detail, integrity_sha256, observed_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (job_id, integrity_sha256) DO NOTHING`,
		strings.TrimSpace(obs.JobID),
		string(obs.Status),
		output,
		nullIfEmpty(obs.Detail),
		strings.TrimSpace(obs.IntegritySHA256),
		normalizeTime(obs.ObservedAt),
	)
	if err != nil {
		return fmt.Errorf("append observation: %w", err)
	}
	return nil
}

func (s *JobStore) ListObservations(ctx context.Context, jobID string) ([]domain.Observation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, job_id, status, output, detail, integrity_sha256, observed_at
		 FROM job_observations WHERE job_id = $1 ORDER BY observed_at, id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	observations := make([]domain.Observation, 0)
	for rows.Next() {
		var obs domain.Observation
		var status string
		var output []byte
		var detail sql.NullString
		if err := rows.Scan(&obs.ID, &obs.JobID, &status, &output, &detail, &obs.IntegritySHA256, &obs.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		obs.Status = domain.JobStatus(status)
		obs.Output = decodePayload(output)
		if detail.Valid {
			obs.Detail = detail.String
		}
		observations = append(observations, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	return observations, nil
}

func buildJobListQuery(filter repo.JobFilter) (string, []any, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if strings.TrimSpace(filter.OwnerID) != "" {
		args = append(args, strings.TrimSpace(filter.OwnerID))
		clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if strings.TrimSpace(string(filter.Role)) != "" {
		args = append(args, string(filter.Role))
		clauses = append(clauses, fmt.Sprintf("role = $%d", len(args)))
	}
	if strings.TrimSpace(string(filter.Status)) != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil, fmt.Errorf("at least one job filter is required")
	}

	query := `SELECT job_id, role, mode, owner_id, endpoint_id, input, status,
		output, error_detail, origin_file_id, submitted_at, completed_at
		FROM jobs WHERE ` + strings.Join(clauses, " AND ")
	query += " ORDER BY submitted_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args, nil
}

func scanJob(scanner rowScanner) (domain.Job, error) {
	var job domain.Job
	var role, mode, status string
	var ownerID, endpointID, detail, originFileID sql.NullString
	var input, output []byte
	var completedAt sql.NullTime
	if err := scanner.Scan(&job.JobID, &role, &mode, &ownerID, &endpointID, &input, &status,
		&output, &detail, &originFileID, &job.SubmittedAt, &completedAt); err != nil {
		return domain.Job{}, err
	}
	job.Role = domain.Role(role)
	job.Mode = domain.Mode(mode)
	job.Status = domain.JobStatus(status)
	job.Input = decodePayload(input)
	job.Output = decodePayload(output)
	if ownerID.Valid {
		job.OwnerID = ownerID.String
	}
	if endpointID.Valid {
		job.EndpointID = endpointID.String
	}
	if detail.Valid {
		job.ErrorDetail = detail.String
	}
	if originFileID.Valid {
		job.OriginFileID = originFileID.String
	}
	if completedAt.Valid {
		completed := completedAt.Time.UTC()
		job.CompletedAt = &completed
	}
	return job, nil
}
