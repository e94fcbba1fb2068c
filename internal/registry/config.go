// Package registry resolves logical worker roles to provisioned remote
// endpoints, creating them when absent. It owns the Endpoint lifecycle;
// nothing else writes endpoint records.
package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sylvanlabs/maestro-go/internal/domain"
	"github.com/sylvanlabs/maestro-go/internal/platform/env"
)

// RoleSpec fixes the provisioning shape for one role. Values are operator
// configuration, never caller-supplied, and immutable once an endpoint has
// been created from them.
type RoleSpec struct {
	ImageRef  string              `yaml:"image_ref"`
	Resources domain.ResourceSpec `yaml:"resources"`
	Env       map[string]string   `yaml:"env"`
}

func (s RoleSpec) Validate() error {
	if strings.TrimSpace(s.ImageRef) == "" {
		return fmt.Errorf("image ref is required")
	}
	return s.Resources.Validate()
}

type RoleSpecs map[domain.Role]RoleSpec

func (s RoleSpecs) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("at least one role spec is required")
	}
	for role, spec := range s {
		if _, err := domain.ParseRole(string(role)); err != nil {
			return err
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("role %s: %w", role, err)
		}
	}
	return nil
}

// DefaultRoleSpecs returns the compiled-in provisioning shapes used when no
// spec file is configured.
func DefaultRoleSpecs() RoleSpecs {
	return RoleSpecs{
		domain.RoleGeneration: {
			ImageRef: "ghcr.io/sylvanlabs/maestro-vllm-worker:latest",
			Resources: domain.ResourceSpec{
				DiskGB:             80,
				MemoryGB:           48,
				WorkersMin:         0,
				WorkersMax:         2,
				IdleTimeoutSeconds: 300,
				GPUTypes:           []string{"NVIDIA A100 80GB PCIe"},
			},
		},
		domain.RoleTTS: {
			ImageRef: "ghcr.io/sylvanlabs/maestro-tts-worker:latest",
			Resources: domain.ResourceSpec{
				DiskGB:             30,
				MemoryGB:           24,
				WorkersMin:         0,
				WorkersMax:         2,
				IdleTimeoutSeconds: 180,
				GPUTypes:           []string{"NVIDIA GeForce RTX 4090"},
			},
		},
		domain.RoleImage: {
			ImageRef: "ghcr.io/sylvanlabs/maestro-comfy-worker:latest",
			Resources: domain.ResourceSpec{
				DiskGB:             100,
				MemoryGB:           32,
				WorkersMin:         0,
				WorkersMax:         3,
				IdleTimeoutSeconds: 240,
				GPUTypes:           []string{"NVIDIA GeForce RTX 4090"},
			},
		},
		domain.RoleFinetune: {
			ImageRef: "ghcr.io/sylvanlabs/maestro-finetune-worker:latest",
			Resources: domain.ResourceSpec{
				DiskGB:             150,
				MemoryGB:           64,
				WorkersMin:         0,
				WorkersMax:         1,
				IdleTimeoutSeconds: 600,
				GPUTypes:           []string{"NVIDIA A100 80GB PCIe"},
			},
		},
	}
}

type specFile struct {
	NamePrefix string              `yaml:"name_prefix"`
	Roles      map[string]RoleSpec `yaml:"roles"`
}

// LoadRoleSpecs reads role specs from a YAML file. Roles absent from the
// file keep their compiled-in defaults; listed roles are replaced whole.
func LoadRoleSpecs(path string) (RoleSpecs, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read role spec file: %w", err)
	}
	var doc specFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("parse role spec file: %w", err)
	}

	specs := DefaultRoleSpecs()
	for name, spec := range doc.Roles {
		role, err := domain.ParseRole(name)
		if err != nil {
			return nil, "", fmt.Errorf("role spec file: %w", err)
		}
		specs[role] = spec
	}
	if err := specs.Validate(); err != nil {
		return nil, "", err
	}
	return specs, strings.TrimSpace(doc.NamePrefix), nil
}

// SpecsFromEnv loads role specs from MAESTRO_ROLE_SPEC_FILE when set,
// falling back to the compiled-in defaults.
func SpecsFromEnv() (RoleSpecs, string, error) {
	path := strings.TrimSpace(env.String("MAESTRO_ROLE_SPEC_FILE", ""))
	prefix := strings.TrimSpace(env.String("MAESTRO_ENDPOINT_NAME_PREFIX", ""))
	if path == "" {
		return DefaultRoleSpecs(), prefix, nil
	}
	specs, filePrefix, err := LoadRoleSpecs(path)
	if err != nil {
		return nil, "", err
	}
	if prefix == "" {
		prefix = filePrefix
	}
	return specs, prefix, nil
}
