package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"code.cloudfoundry.org/clock"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/meadowops/meadow/pkg/engine"
)

// Gate evaluates plans against Rego policies before the executor runs them.
// It implements engine.PolicyGate.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	limits   Limits
	clock    clock.Clock
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

var _ engine.PolicyGate = (*Gate)(nil)

// NewGate compiles the built-in policies and returns a ready gate.
func NewGate(limits Limits, clk clock.Clock, logger zerolog.Logger) (*Gate, error) {
	g := &Gate{
		policies: make(map[string]*compiledPolicy),
		limits:   limits,
		clock:    clk,
		logger:   logger.With().Str("component", "policy-gate").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		if err := g.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return g, nil
}

// AddPolicy compiles and registers an additional policy, replacing any
// existing policy of the same name.
func (g *Gate) AddPolicy(ctx context.Context, p Policy) error {
	return g.compile(ctx, p)
}

// Policies lists the registered policy names.
func (g *Gate) Policies() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	return names
}

func (g *Gate) compile(ctx context.Context, p Policy) error {
	pkg := extractPackageName(p.Rego)
	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy query: %w", err)
	}

	g.mu.Lock()
	g.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	g.mu.Unlock()

	g.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// EvaluatePlan runs every enabled policy against the plan. Error-severity
// violations produce a fatal policy-denied error; warnings are logged and
// let the plan through.
func (g *Gate) EvaluatePlan(ctx context.Context, env *engine.Environment, plan *engine.Plan) error {
	input, err := g.buildInput(env, plan)
	if err != nil {
		return fmt.Errorf("failed to build policy input: %w", err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var violations []Violation
	for _, cp := range g.policies {
		if !cp.policy.Enabled {
			continue
		}
		found, err := g.evaluate(ctx, cp, input)
		if err != nil {
			return fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}
		violations = append(violations, found...)
	}

	var denials []string
	for _, v := range violations {
		if v.Severity == SeverityError {
			denials = append(denials, v.Message)
			continue
		}
		g.logger.Warn().
			Str("policy", v.Policy).
			Str("environment", env.Name).
			Msg(v.Message)
	}
	if len(denials) == 0 {
		return nil
	}

	g.logger.Info().
		Str("environment", env.Name).
		Str("plan_id", plan.ID).
		Int("violations", len(denials)).
		Msg("Plan denied by policy")

	return &engine.Error{
		Class:       engine.ErrorClassFatal,
		Code:        engine.CodePolicyDenied,
		Message:     fmt.Sprintf("plan denied by policy: %s", strings.Join(denials, "; ")),
		Environment: env.Name,
	}
}

func (g *Gate) evaluate(ctx context.Context, cp *compiledPolicy, input map[string]any) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// buildInput assembles the policy input document. TTL is pre-computed in
// seconds so policies never do date arithmetic.
func (g *Gate) buildInput(env *engine.Environment, plan *engine.Plan) (map[string]any, error) {
	planDoc, err := toDocument(plan)
	if err != nil {
		return nil, err
	}
	summaryDoc, err := toDocument(plan.Summary())
	if err != nil {
		return nil, err
	}
	planDoc["summary"] = summaryDoc

	limitsDoc, err := toDocument(g.limits)
	if err != nil {
		return nil, err
	}

	var ttlSeconds int64
	if !env.ExpiresAt.IsZero() {
		ttlSeconds = int64(env.ExpiresAt.Sub(g.clock.Now().UTC()).Seconds())
	}

	return map[string]any{
		"environment": map[string]any{
			"name":        env.Name,
			"owner":       env.Owner,
			"labels":      env.Labels,
			"ttl_seconds": ttlSeconds,
		},
		"plan":   planDoc,
		"limits": limitsDoc,
	}, nil
}

func toDocument(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func toViolation(p Policy, result any) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]any:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if res, ok := r["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "meadow.policies"
}
