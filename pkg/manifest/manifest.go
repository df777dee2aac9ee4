// Package manifest loads environment manifests from YAML. A manifest names
// the environment, its TTL, and the desired resource set; Parse validates
// the document and converts it into an apply request.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/meadowops/meadow/pkg/engine"
)

// Manifest is the YAML document describing one environment.
type Manifest struct {
	// Environment is the environment name.
	Environment string `yaml:"environment" validate:"required,hostname_rfc1123"`

	// Owner identifies who the environment belongs to.
	Owner string `yaml:"owner,omitempty"`

	// TTL is the requested lifetime, e.g. "4h". Empty uses the server default.
	TTL string `yaml:"ttl,omitempty"`

	// Labels are free-form key-value pairs.
	Labels map[string]string `yaml:"labels,omitempty"`

	// Resources is the desired resource set.
	Resources []Resource `yaml:"resources" validate:"required,min=1,dive"`
}

// Resource is one desired resource in a manifest.
type Resource struct {
	// ID is the resource identifier, unique within the environment.
	ID string `yaml:"id" validate:"required,hostname_rfc1123"`

	// Kind selects the provider capability.
	Kind string `yaml:"kind" validate:"required"`

	// DependsOn lists resource IDs that must be applied first.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Params is the desired parameter mapping.
	Params map[string]any `yaml:"params,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid manifest YAML: %v", err))
	}
	if err := validate.Struct(&m); err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid manifest: %v", err))
	}
	if m.TTL != "" {
		if _, err := time.ParseDuration(m.TTL); err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("invalid ttl %q: %v", m.TTL, err))
		}
	}
	seen := make(map[string]bool, len(m.Resources))
	for _, r := range m.Resources {
		if seen[r.ID] {
			return nil, engine.NewValidationError(fmt.Sprintf("duplicate resource id %q", r.ID))
		}
		seen[r.ID] = true
	}
	return &m, nil
}

// Descriptors converts the manifest resources into engine descriptors.
func (m *Manifest) Descriptors() []engine.ResourceDescriptor {
	descriptors := make([]engine.ResourceDescriptor, 0, len(m.Resources))
	for _, r := range m.Resources {
		descriptors = append(descriptors, engine.ResourceDescriptor{
			ID:        r.ID,
			Kind:      engine.ResourceKind(r.Kind),
			DependsOn: r.DependsOn,
			Params:    r.Params,
		})
	}
	return descriptors
}

// ApplyRequest converts the manifest into an orchestrator apply request.
func (m *Manifest) ApplyRequest() engine.ApplyRequest {
	var ttl time.Duration
	if m.TTL != "" {
		ttl, _ = time.ParseDuration(m.TTL)
	}
	return engine.ApplyRequest{
		Environment: m.Environment,
		Owner:       m.Owner,
		TTL:         ttl,
		Labels:      m.Labels,
		Resources:   m.Descriptors(),
	}
}
