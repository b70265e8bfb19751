package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/openfroyo/provseq/pkg/config"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies against workflow definitions.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// AddPolicy compiles p and adds it, replacing a policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	cp, err := compile(ctx, p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[p.Name] = cp
	e.mu.Unlock()

	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// LoadPolicies loads .rego and .json policy files from paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceUserPolicies(ctx, policies)
}

// replaceUserPolicies swaps every non built-in policy for policies. Nothing
// changes if one of them does not compile.
func (e *Engine) replaceUserPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if existing, ok := e.lookup(p.Name); ok && existing.Builtin {
			return fmt.Errorf("policy %s from %s conflicts with a built-in policy", p.Name, p.Source)
		}
		cp, err := compile(ctx, p)
		if err != nil {
			return err
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Evaluate runs every enabled policy against wf.
func (e *Engine) Evaluate(ctx context.Context, wf *config.Workflow) (*Result, error) {
	start := time.Now()
	input := BuildInput(wf)

	e.mu.RLock()
	enabled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			enabled = append(enabled, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].policy.Name < enabled[j].policy.Name })

	result := &Result{Allowed: true, EvaluatedPolicies: make([]string, 0, len(enabled))}
	for _, cp := range enabled {
		violations, err := evaluate(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("workflow", wf.Name).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Workflow policy evaluation completed")

	return result, nil
}

// evaluate returns the deny set of one policy, ordered by step then message.
func evaluate(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Step != violations[j].Step {
			return violations[i].Step < violations[j].Step
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation accepts either a message string or an object with
// message, step and severity keys.
func createViolation(p Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if step, ok := r["step"].(string); ok {
			v.Step = step
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	if v.Severity == "" {
		v.Severity = SeverityWarning
	}
	return v
}

// compile parses the module and prepares its "deny" query.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}

	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for _, p := range builtins {
		if err := e.AddPolicy(ctx, p); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return nil
}

func (e *Engine) lookup(name string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return Policy{}, false
	}
	return cp.policy, true
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	p, ok := e.lookup(name)
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
