package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/repo"
)

type EndpointStore struct {
	db DB
}

func NewEndpointStore(db DB) *EndpointStore {
	if db == nil {
		return nil
	}
	return &EndpointStore{db: db}
}

func (s *EndpointStore) UpsertEndpoint(ctx context.Context, ep domain.Endpoint) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("endpoint store not initialized")
	}
	if err := ep.Validate(); err != nil {
		return err
	}
	resourcesJSON, err := json.Marshal(ep.Resources)
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	createdAt := normalizeTime(ep.CreatedAt)
	updatedAt := normalizeTime(ep.UpdatedAt)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO endpoints (role, endpoint_id, name, image_ref, resources, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (role) DO UPDATE SET
			endpoint_id = EXCLUDED.endpoint_id,
			name = EXCLUDED.name,
			image_ref = EXCLUDED.image_ref,
			resources = EXCLUDED.resources,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		string(ep.Role),
		strings.TrimSpace(ep.EndpointID),
		strings.TrimSpace(ep.Name),
		nullIfEmpty(ep.ImageRef),
		resourcesJSON,
		string(ep.Status),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert endpoint: %w", err)
	}
	return nil
}

func (s *EndpointStore) GetEndpoint(ctx context.Context, role domain.Role) (domain.Endpoint, error) {
	if s == nil || s.db == nil {
		return domain.Endpoint{}, fmt.Errorf("endpoint store not initialized")
	}
	if _, err := domain.ParseRole(string(role)); err != nil {
		return domain.Endpoint{}, err
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT role, endpoint_id, name, image_ref, resources, status, created_at, updated_at
		 FROM endpoints WHERE role = $1`,
		string(role),
	)
	return scanEndpoint(row)
}

func (s *EndpointStore) ListEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("endpoint store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT role, endpoint_id, name, image_ref, resources, status, created_at, updated_at
		 FROM endpoints ORDER BY role`,
	)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	endpoints := make([]domain.Endpoint, 0)
	for rows.Next() {
		ep, err := scanEndpointRow(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return endpoints, nil
}

func (s *EndpointStore) UpdateEndpointStatus(ctx context.Context, role domain.Role, endpointID string, status domain.EndpointStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("endpoint store not initialized")
	}
	if _, err := domain.ParseRole(string(role)); err != nil {
		return err
	}
	endpointID = strings.TrimSpace(endpointID)
	if endpointID == "" {
		return fmt.Errorf("endpoint id is required")
	}
	if strings.TrimSpace(string(status)) == "" {
		return fmt.Errorf("status is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE endpoints SET status = $1, updated_at = NOW() WHERE role = $2 AND endpoint_id = $3`,
		string(status),
		string(role),
		endpointID,
	)
	if err != nil {
		return fmt.Errorf("update endpoint status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update endpoint status: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row *sql.Row) (domain.Endpoint, error) {
	ep, err := scanEndpointFrom(row)
	if err != nil {
		return domain.Endpoint{}, handleNotFound(err)
	}
	return ep, nil
}

func scanEndpointRow(rows *sql.Rows) (domain.Endpoint, error) {
	ep, err := scanEndpointFrom(rows)
	if err != nil {
		return domain.Endpoint{}, fmt.Errorf("scan endpoint: %w", err)
	}
	return ep, nil
}

func scanEndpointFrom(scanner rowScanner) (domain.Endpoint, error) {
	var ep domain.Endpoint
	var role, status string
	var imageRef sql.NullString
	var resourcesJSON []byte
	if err := scanner.Scan(&role, &ep.EndpointID, &ep.Name, &imageRef, &resourcesJSON, &status, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
		return domain.Endpoint{}, err
	}
	ep.Role = domain.Role(role)
	ep.Status = domain.EndpointStatus(status)
	if imageRef.Valid {
		ep.ImageRef = imageRef.String
	}
	if len(resourcesJSON) > 0 {
		if err := json.Unmarshal(resourcesJSON, &ep.Resources); err != nil {
			return domain.Endpoint{}, fmt.Errorf("decode resources: %w", err)
		}
	}
	return ep, nil
}
