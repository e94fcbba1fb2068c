package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/repo"
)

type ArtifactStore struct {
	db DB
}

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

// UpsertArtifact writes the record for (owner, job). Upload retries and
// recovery repairs land on the same row; regeneration under a new job id
// creates a new row, so history is never destroyed.
func (s *ArtifactStore) UpsertArtifact(ctx context.Context, rec domain.ArtifactRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact store not initialized")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(rec.CreatedAt)
	updatedAt := normalizeTime(rec.UpdatedAt)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO artifact_records (
			owner_id, job_id, category, primary_key_path, primary_url,
			backup_key_path, backup_url, sha256, uploaded, verified, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (owner_id, job_id) DO UPDATE SET
			category = EXCLUDED.category,
			primary_key_path = EXCLUDED.primary_key_path,
			primary_url = EXCLUDED.primary_url,
			backup_key_path = EXCLUDED.backup_key_path,
			backup_url = EXCLUDED.backup_url,
			sha256 = EXCLUDED.sha256,
			uploaded = EXCLUDED.uploaded,
			verified = EXCLUDED.verified,
			updated_at = EXCLUDED.updated_at`,
		strings.TrimSpace(rec.OwnerID),
		strings.TrimSpace(rec.JobID),
		strings.TrimSpace(rec.Category),
		nullIfEmpty(rec.PrimaryKey),
		nullIfEmpty(rec.PrimaryURL),
		nullIfEmpty(rec.BackupKey),
		nullIfEmpty(rec.BackupURL),
		nullIfEmpty(rec.SHA256),
		rec.Uploaded,
		rec.Verified,
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert artifact record: %w", err)
	}
	return nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, ownerID, jobID string) (domain.ArtifactRecord, error) {
	if s == nil || s.db == nil {
		return domain.ArtifactRecord{}, fmt.Errorf("artifact store not initialized")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.ArtifactRecord{}, fmt.Errorf("owner id is required")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.ArtifactRecord{}, fmt.Errorf("job id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT owner_id, job_id, category, primary_key_path, primary_url,
			backup_key_path, backup_url, sha256, uploaded, verified, created_at, updated_at
		 FROM artifact_records WHERE owner_id = $1 AND job_id = $2`,
		ownerID,
		jobID,
	)
	rec, err := scanArtifactRecord(row)
	if err != nil {
		return domain.ArtifactRecord{}, handleNotFound(err)
	}
	return rec, nil
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.ArtifactRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	query, args, err := buildArtifactListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifact records: %w", err)
	}
	defer rows.Close()
	return collectArtifactRecords(rows)
}

// ListUnuploaded returns records whose durable write never landed, oldest
// first, for the reconciliation sweep.
func (s *ArtifactStore) ListUnuploaded(ctx context.Context, limit int) ([]domain.ArtifactRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	query := `SELECT owner_id, job_id, category, primary_key_path, primary_url,
		backup_key_path, backup_url, sha256, uploaded, verified, created_at, updated_at
		FROM artifact_records WHERE uploaded = FALSE ORDER BY updated_at`
	args := make([]any, 0, 1)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unuploaded artifact records: %w", err)
	}
	defer rows.Close()
	return collectArtifactRecords(rows)
}

func buildArtifactListQuery(filter repo.ArtifactFilter) (string, []any, error) {
	if strings.TrimSpace(filter.OwnerID) == "" {
		return "", nil, fmt.Errorf("owner id is required")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	args = append(args, strings.TrimSpace(filter.OwnerID))
	clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	if strings.TrimSpace(filter.Category) != "" {
		args = append(args, strings.TrimSpace(filter.Category))
		clauses = append(clauses, fmt.Sprintf("category = $%d", len(args)))
	}

	query := `SELECT owner_id, job_id, category, primary_key_path, primary_url,
		backup_key_path, backup_url, sha256, uploaded, verified, created_at, updated_at
		FROM artifact_records WHERE ` + strings.Join(clauses, " AND ")
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args, nil
}

func collectArtifactRecords(rows *sql.Rows) ([]domain.ArtifactRecord, error) {
	records := make([]domain.ArtifactRecord, 0)
	for rows.Next() {
		rec, err := scanArtifactRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifact records: %w", err)
	}
	return records, nil
}

func scanArtifactRecord(scanner rowScanner) (domain.ArtifactRecord, error) {
	var rec domain.ArtifactRecord
	var primaryKey, primaryURL, backupKey, backupURL, sha sql.NullString
	if err := scanner.Scan(&rec.OwnerID, &rec.JobID, &rec.Category, &primaryKey, &primaryURL,
		&backupKey, &backupURL, &sha, &rec.Uploaded, &rec.Verified, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return domain.ArtifactRecord{}, err
	}
	if primaryKey.Valid {
		rec.PrimaryKey = primaryKey.String
	}
	if primaryURL.Valid {
		rec.PrimaryURL = primaryURL.String
	}
	if backupKey.Valid {
		rec.BackupKey = backupKey.String
	}
	if backupURL.Valid {
		rec.BackupURL = backupURL.String
	}
	if sha.Valid {
		rec.SHA256 = sha.String
	}
	return rec, nil
}
