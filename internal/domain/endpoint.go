package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the logical worker class an endpoint serves.
type Role string

const (
	RoleGeneration Role = "generation"
	RoleTTS        Role = "tts"
	RoleImage      Role = "image"
	RoleFinetune   Role = "finetune"
)

// Roles lists every defined role in a stable order.
func Roles() []Role {
	return []Role{RoleGeneration, RoleTTS, RoleImage, RoleFinetune}
}

// ParseRole maps free-form role values to canonical roles.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleGeneration:
		return RoleGeneration, nil
	case RoleTTS:
		return RoleTTS, nil
	case RoleImage:
		return RoleImage, nil
	case RoleFinetune:
		return RoleFinetune, nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

// EndpointStatus represents the persisted lifecycle state of an endpoint.
type EndpointStatus string

const (
	EndpointUnknown      EndpointStatus = "unknown"
	EndpointProvisioning EndpointStatus = "provisioning"
	EndpointReady        EndpointStatus = "ready"
	EndpointDegraded     EndpointStatus = "degraded"
)

// ResourceSpec captures the fixed provisioning shape for a role. Values are
// immutable once the remote endpoint has been created.
type ResourceSpec struct {
	DiskGB             int      `yaml:"disk_gb"`
	MemoryGB           int      `yaml:"memory_gb"`
	WorkersMin         int      `yaml:"workers_min"`
	WorkersMax         int      `yaml:"workers_max"`
	IdleTimeoutSeconds int      `yaml:"idle_timeout_seconds"`
	GPUTypes           []string `yaml:"gpu_types"`
}

func (s ResourceSpec) Validate() error {
	if s.DiskGB <= 0 {
		return errors.New("disk size must be positive")
	}
	if s.WorkersMin < 0 {
		return errors.New("workers min must not be negative")
	}
	if s.WorkersMax < 1 {
		return errors.New("workers max must be at least 1")
	}
	if s.WorkersMin > s.WorkersMax {
		return errors.New("workers min must not exceed workers max")
	}
	return nil
}

// Endpoint is a role-scoped handle to a remote autoscaling compute service.
type Endpoint struct {
	Role       Role
	EndpointID string
	Name       string
	ImageRef   string
	Resources  ResourceSpec
	Status     EndpointStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (e Endpoint) Validate() error {
	if _, err := ParseRole(string(e.Role)); err != nil {
		return err
	}
	if strings.TrimSpace(e.EndpointID) == "" {
		return errors.New("endpoint id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("endpoint name is required")
	}
	if strings.TrimSpace(string(e.Status)) == "" {
		return errors.New("endpoint status is required")
	}
	return nil
}

// Usable reports whether the endpoint may be handed out by the registry.
func (e Endpoint) Usable() bool {
	return e.Status == EndpointProvisioning || e.Status == EndpointReady
}
