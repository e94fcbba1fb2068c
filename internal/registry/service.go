package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sylvanlabs/maestro-go/internal/compute"
	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/repo"
)

const defaultNamePrefix = "maestro"

// EndpointControl is the slice of the provider surface the registry needs.
type EndpointControl interface {
	ListEndpoints(ctx context.Context) ([]compute.RemoteEndpoint, error)
	CreateEndpoint(ctx context.Context, req compute.CreateEndpointRequest) (compute.RemoteEndpoint, error)
}

// Service maps roles to provisioned endpoints. The lookup-then-create
// sequence holds a per-role lock, so two concurrent resolves for the same
// role can never double-provision.
type Service struct {
	repo     repo.EndpointRepository
	provider EndpointControl
	specs    RoleSpecs
	prefix   string
	now      func() time.Time

	mu     sync.Mutex
	roleMu map[domain.Role]*sync.Mutex
}

func NewService(endpoints repo.EndpointRepository, provider EndpointControl, specs RoleSpecs, prefix string) (*Service, error) {
	if endpoints == nil {
		return nil, errors.New("endpoint repository is required")
	}
	if provider == nil {
		return nil, errors.New("endpoint control is required")
	}
	if err := specs.Validate(); err != nil {
		return nil, err
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultNamePrefix
	}
	return &Service{
		repo:     endpoints,
		provider: provider,
		specs:    specs,
		prefix:   prefix,
		now:      time.Now,
		roleMu:   make(map[domain.Role]*sync.Mutex),
	}, nil
}

// EndpointName derives the deterministic remote name for a role.
func (s *Service) EndpointName(role domain.Role) string {
	return s.prefix + "-" + string(role)
}

func (s *Service) lockFor(role domain.Role) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roleMu[role]; !ok {
		s.roleMu[role] = &sync.Mutex{}
	}
	return s.roleMu[role]
}

// ResolveOrCreate returns the active endpoint for a role, provisioning one
// when none exists. Resolution order: persisted record, remote list match,
// provider create. A degraded endpoint id is never handed out again.
func (s *Service) ResolveOrCreate(ctx context.Context, role domain.Role) (domain.Endpoint, error) {
	if s == nil || s.repo == nil || s.provider == nil {
		return domain.Endpoint{}, errors.New("registry not initialized")
	}
	canonical, err := domain.ParseRole(string(role))
	if err != nil {
		return domain.Endpoint{}, &domain.InvalidInputError{Field: "role", Detail: err.Error()}
	}
	role = canonical
	spec, ok := s.specs[role]
	if !ok {
		return domain.Endpoint{}, &domain.EndpointUnavailableError{Role: role, Detail: "no resource spec configured"}
	}

	lock := s.lockFor(role)
	lock.Lock()
	defer lock.Unlock()

	degradedID := ""
	if persisted, err := s.repo.GetEndpoint(ctx, role); err == nil {
		if persisted.Usable() {
			return persisted, nil
		}
		degradedID = persisted.EndpointID
	} else if !errors.Is(err, repo.ErrNotFound) {
		slog.Warn("endpoint lookup failed, falling through to provider", "role", role, "error", err)
	}

	name := s.EndpointName(role)
	remotes, listErr := s.provider.ListEndpoints(ctx)
	if listErr == nil {
		for _, remote := range remotes {
			if remote.ID == "" || remote.ID == degradedID {
				continue
			}
			if !strings.HasPrefix(remote.Name, name) {
				continue
			}
			ep := s.endpointFromRemote(role, remote, spec)
			if err := s.repo.UpsertEndpoint(ctx, ep); err != nil {
				return domain.Endpoint{}, fmt.Errorf("persist endpoint: %w", err)
			}
			slog.Info("endpoint resolved from provider list", "role", role, "endpoint_id", ep.EndpointID)
			return ep, nil
		}
	} else {
		slog.Warn("endpoint list failed, attempting create", "role", role, "error", listErr)
	}

	created, createErr := s.provider.CreateEndpoint(ctx, compute.CreateEndpointRequest{
		Name:      name,
		ImageRef:  spec.ImageRef,
		Resources: spec.Resources,
		Env:       spec.Env,
	})
	if createErr != nil {
		return domain.Endpoint{}, &domain.EndpointUnavailableError{
			Role:   role,
			Detail: "lookup and provisioning both failed",
			Err:    errors.Join(listErr, createErr),
		}
	}

	ep := s.endpointFromRemote(role, created, spec)
	if err := s.repo.UpsertEndpoint(ctx, ep); err != nil {
		return domain.Endpoint{}, fmt.Errorf("persist endpoint: %w", err)
	}
	slog.Info("endpoint provisioned", "role", role, "endpoint_id", ep.EndpointID, "image_ref", spec.ImageRef)
	return ep, nil
}

func (s *Service) endpointFromRemote(role domain.Role, remote compute.RemoteEndpoint, spec RoleSpec) domain.Endpoint {
	now := s.now().UTC()
	name := remote.Name
	if strings.TrimSpace(name) == "" {
		name = s.EndpointName(role)
	}
	return domain.Endpoint{
		Role:       role,
		EndpointID: remote.ID,
		Name:       name,
		ImageRef:   spec.ImageRef,
		Resources:  spec.Resources,
		Status:     domain.EndpointProvisioning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MarkReady persists a successful readiness probe. A stale endpoint id is
// ignored by the keyed update.
func (s *Service) MarkReady(ctx context.Context, role domain.Role, endpointID string) error {
	if s == nil || s.repo == nil {
		return errors.New("registry not initialized")
	}
	err := s.repo.UpdateEndpointStatus(ctx, role, endpointID, domain.EndpointReady)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

// MarkDegraded records a permanent endpoint failure. The next
// ResolveOrCreate for the role provisions a fresh endpoint; the degraded id
// is never reused.
func (s *Service) MarkDegraded(ctx context.Context, role domain.Role, endpointID, reason string) error {
	if s == nil || s.repo == nil {
		return errors.New("registry not initialized")
	}
	slog.Warn("endpoint degraded", "role", role, "endpoint_id", endpointID, "reason", reason)
	err := s.repo.UpdateEndpointStatus(ctx, role, endpointID, domain.EndpointDegraded)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

// List returns every persisted endpoint for the ops surface.
func (s *Service) List(ctx context.Context) ([]domain.Endpoint, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("registry not initialized")
	}
	return s.repo.ListEndpoints(ctx)
}
