package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provision/pkg/diag"
	"github.com/openfroyo/provision/pkg/executor"
	"github.com/openfroyo/provision/pkg/plan"
)

// Engine evaluates Rego policies over provisioning plans and decides host
// capability grants. It implements executor.GrantPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

var _ executor.GrantPolicy = (*Engine)(nil)

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// EvaluatePlan runs the enabled plan policies against p. The plan is
// redacted before any policy sees it.
func (e *Engine) EvaluatePlan(ctx context.Context, p plan.Plan, in PlanInput) (*Result, error) {
	view, err := planDocument(p)
	if err != nil {
		return nil, err
	}
	in.Plan = view
	if in.Pack.Capabilities == nil {
		in.Pack.Capabilities = []string{}
	}

	doc, err := toDocument(in)
	if err != nil {
		return nil, err
	}
	return e.evaluate(ctx, ScopePlan, doc)
}

// Grant decides a single host call. Any error-severity violation from a
// grant policy denies the call; the first such message is the reason.
func (e *Engine) Grant(ctx context.Context, req executor.GrantRequest) (executor.GrantDecision, error) {
	if req.Declared == nil {
		req.Declared = []string{}
	}
	doc, err := toDocument(req)
	if err != nil {
		return executor.GrantDecision{}, err
	}
	res, err := e.evaluate(ctx, ScopeGrant, doc)
	if err != nil {
		return executor.GrantDecision{}, err
	}
	for _, v := range res.Violations {
		if v.Severity == SeverityError {
			return executor.GrantDecision{Allow: false, Reason: v.Message}, nil
		}
	}
	return executor.GrantDecision{Allow: true}, nil
}

func (e *Engine) evaluate(ctx context.Context, scope Scope, input map[string]any) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	res := &Result{Allowed: true, EvaluatedPolicies: []string{}}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled || cp.policy.Scope != scope {
			continue
		}
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			res.Warnings = append(res.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		res.Violations = append(res.Violations, violations...)
	}

	for _, v := range res.Violations {
		if v.Severity == SeverityError {
			res.Allowed = false
			break
		}
	}
	res.Duration = time.Since(start)

	e.logger.Debug().
		Str("scope", string(scope)).
		Int("violations", len(res.Violations)).
		Dur("duration", res.Duration).
		Msg("Policy evaluation completed")
	return res, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]any) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]any)
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Target != violations[j].Target {
			return violations[i].Target < violations[j].Target
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "provision.policies"
}

// createViolation creates a Violation from a deny set member.
func createViolation(p *Policy, result any) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}

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
		if target, ok := r["target"].(string); ok {
			v.Target = target
		}
		if path, ok := r["path"].(string); ok {
			v.Path = path
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compileAndStorePolicy compiles a policy and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	pkg := extractPackageName(p.Rego)
	if p.Scope == "" {
		p.Scope = ScopePlan
		if strings.HasPrefix(pkg, grantPackagePrefix) {
			p.Scope = ScopeGrant
		}
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", p.Name).
		Str("scope", string(p.Scope)).
		Msg("Policy compiled successfully")
	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")
	return nil
}

// LoadPolicies loads policy files and directories. A loaded policy replaces
// a built-in policy of the same name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// WatchPolicies loads paths and keeps reloading them as they change until
// ctx is done.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	return NewLoader(e.logger).Watch(ctx, paths, func(policies []Policy) error {
		return e.SetPolicies(ctx, policies)
	})
}

// SetPolicies compiles policies and adds them to the engine. Nothing is
// changed if any policy fails to compile.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := make(map[string]*compiledPolicy, len(e.policies))
	for k, v := range e.policies {
		previous[k] = v
	}

	for i := range policies {
		p := policies[i]
		if err := e.compileAndStorePolicy(ctx, &p); err != nil {
			e.policies = previous
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies in name order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
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

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Diagnostics converts violations to diagnostics coded "policy.<name>".
func (r *Result) Diagnostics() diag.List {
	out := make(diag.List, 0, len(r.Violations))
	for _, v := range r.Violations {
		var d diag.Diagnostic
		code := "policy." + v.Policy
		switch v.Severity {
		case SeverityError:
			d = diag.Error(code, v.Message)
		case SeverityInfo:
			d = diag.Info(code, v.Message)
		default:
			d = diag.Warning(code, v.Message)
		}
		if v.Path != "" {
			d = d.WithPath(v.Path)
		}
		out = append(out, d)
	}
	return out
}

// planDocument renders the redacted plan as a generic JSON document.
func planDocument(p plan.Plan) (map[string]any, error) {
	data, err := p.RedactedView().SerializeDeterministic()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize plan: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode plan document: %w", err)
	}
	return doc, nil
}

func toDocument(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}
