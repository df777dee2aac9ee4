// Package playground is the in-process reference provider. It simulates
// networks, clusters, databases, and caches in memory so plans can be
// exercised end to end without a cloud account. Failure modes are injectable
// for tests and demos.
package playground

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"github.com/meadowops/meadow/pkg/engine"
)

// Kinds the playground provider can provision.
var Kinds = []engine.ResourceKind{
	engine.KindNetwork,
	engine.KindCluster,
	engine.KindDatabase,
	engine.KindCache,
}

// resource is one simulated provisioned object.
type resource struct {
	ExternalID string
	Kind       engine.ResourceKind
	Params     map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Provider simulates a cloud API in memory.
type Provider struct {
	clock clock.Clock

	mu        sync.Mutex
	resources map[string]*resource

	// failures maps a params["fail"] directive to remaining trigger count.
	failMu   sync.Mutex
	failures map[string]int
}

var _ engine.Provider = (*Provider)(nil)

// New creates an empty playground provider.
func New(clk clock.Clock) *Provider {
	return &Provider{
		clock:     clk,
		resources: make(map[string]*resource),
		failures:  make(map[string]int),
	}
}

// FailNext makes the next n provider calls carrying params["fail"] == key
// return a transient error. Used by tests and demos to exercise retry and
// partial-failure paths.
func (p *Provider) FailNext(key string, n int) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	p.failures[key] = n
}

func (p *Provider) maybeFail(params map[string]any) error {
	key, _ := params["fail"].(string)
	if key == "" {
		return nil
	}
	p.failMu.Lock()
	defer p.failMu.Unlock()
	if p.failures[key] > 0 {
		p.failures[key]--
		return engine.NewTransientProviderError(
			fmt.Sprintf("simulated failure: %s", key), nil)
	}
	return nil
}

// Create provisions a simulated resource.
func (p *Provider) Create(ctx context.Context, kind engine.ResourceKind, params map[string]any) (string, json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if err := p.maybeFail(params); err != nil {
		return "", nil, err
	}
	if !supported(kind) {
		return "", nil, engine.NewFatalProviderError(
			fmt.Sprintf("playground does not provision kind %q", kind), nil)
	}

	now := p.clock.Now().UTC()
	externalID := fmt.Sprintf("pg-%s-%s", kind, uuid.New().String()[:8])
	res := &resource{
		ExternalID: externalID,
		Kind:       kind,
		Params:     params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	p.mu.Lock()
	p.resources[externalID] = res
	p.mu.Unlock()

	attrs, err := p.attributes(res)
	if err != nil {
		return "", nil, err
	}
	return externalID, attrs, nil
}

// Update reconfigures a simulated resource in place.
func (p *Provider) Update(ctx context.Context, externalID string, params map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.maybeFail(params); err != nil {
		return nil, err
	}

	p.mu.Lock()
	res, ok := p.resources[externalID]
	if ok {
		res.Params = params
		res.UpdatedAt = p.clock.Now().UTC()
	}
	p.mu.Unlock()

	if !ok {
		return nil, engine.NewFatalProviderError(
			fmt.Sprintf("resource %s does not exist", externalID), nil)
	}
	return p.attributes(res)
}

// Delete tears down a simulated resource. Deleting an absent resource
// succeeds so retried deletes stay idempotent.
func (p *Provider) Delete(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.resources, externalID)
	p.mu.Unlock()
	return nil
}

// Exists reports whether a simulated resource is live. Test helper.
func (p *Provider) Exists(externalID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.resources[externalID]
	return ok
}

// Count returns the number of live simulated resources. Test helper.
func (p *Provider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}

func (p *Provider) attributes(res *resource) (json.RawMessage, error) {
	attrs := map[string]any{
		"external_id": res.ExternalID,
		"kind":        string(res.Kind),
		"created_at":  res.CreatedAt.Format(time.RFC3339),
		"updated_at":  res.UpdatedAt.Format(time.RFC3339),
	}
	switch res.Kind {
	case engine.KindNetwork:
		attrs["cidr"] = paramString(res.Params, "cidr", "10.0.0.0/16")
	case engine.KindCluster:
		attrs["endpoint"] = fmt.Sprintf("https://%s.cluster.playground.local", res.ExternalID)
	case engine.KindDatabase:
		attrs["dsn"] = fmt.Sprintf("postgres://%s.db.playground.local:5432/app", res.ExternalID)
	case engine.KindCache:
		attrs["address"] = fmt.Sprintf("%s.cache.playground.local:6379", res.ExternalID)
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	return b, nil
}

func supported(kind engine.ResourceKind) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
