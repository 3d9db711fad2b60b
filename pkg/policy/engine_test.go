package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/executor"
	"github.com/openfroyo/provision/pkg/plan"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	require.NoError(t, err, "Failed to create engine")
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := map[string]Scope{
		"lifecycle-grants":   ScopeGrant,
		"resource-targets":   ScopePlan,
		"secret-keys":        ScopePlan,
		"transport-security": ScopePlan,
	}
	got := make(map[string]Scope, len(policies))
	for _, p := range policies {
		got[p.Name] = p.Scope
	}
	assert.Equal(t, expected, got)
}

func TestEvaluatePlan(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name        string
		plan        plan.Plan
		allowed     bool
		wantCodes   []string
		wantPaths   []string
		wantNoLeaks string
	}{
		{
			name:    "empty plan",
			plan:    plan.Empty(),
			allowed: true,
		},
		{
			name: "clean plan",
			plan: plan.Plan{
				SecretsPatch: []plan.SecretOp{{Op: plan.SecretSet, Key: "api_token", Value: plan.NewSecretValue("hunter2-long")}},
				WebhookOps:   []plan.WebhookOp{{Op: plan.OpRegister, ID: "events", URL: "https://example.test/hook"}},
			},
			allowed:     true,
			wantNoLeaks: "hunter2-long",
		},
		{
			name: "empty webhook id",
			plan: plan.Plan{
				WebhookOps: []plan.WebhookOp{{Op: plan.OpDelete, ID: ""}},
			},
			allowed:   false,
			wantCodes: []string{"policy.resource-targets"},
			wantPaths: []string{"/webhook_ops/0/id"},
		},
		{
			name: "empty subscription id",
			plan: plan.Plan{
				SubscriptionOps: []plan.SubscriptionOp{{Op: plan.OpRegister, ID: " ", Resource: "calendar"}},
			},
			allowed:   false,
			wantCodes: []string{"policy.resource-targets"},
		},
		{
			name: "bad secret key",
			plan: plan.Plan{
				SecretsPatch: []plan.SecretOp{{Op: plan.SecretDelete, Key: "API Token"}},
			},
			allowed:   false,
			wantCodes: []string{"policy.secret-keys"},
		},
		{
			name: "plaintext webhook is a warning",
			plan: plan.Plan{
				WebhookOps: []plan.WebhookOp{{Op: plan.OpRegister, ID: "events", URL: "http://example.test/hook"}},
			},
			allowed:   true,
			wantCodes: []string{"policy.transport-security"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := eng.EvaluatePlan(context.Background(), tt.plan, PlanInput{
				Pack: PackInfo{ID: "demo", Version: "1.0.0"},
				Mode: engine.ModeDryRun,
			})
			require.NoError(t, err)
			require.Empty(t, res.Warnings, "evaluation warnings")
			assert.Equal(t, tt.allowed, res.Allowed, "violations: %+v", res.Violations)

			diags := res.Diagnostics()
			assert.ElementsMatch(t, tt.wantCodes, diags.Codes())
			for i, p := range tt.wantPaths {
				require.Greater(t, len(diags), i)
				assert.Equal(t, p, diags[i].Path)
			}
			if tt.wantNoLeaks != "" {
				for _, v := range res.Violations {
					assert.NotContains(t, v.Message, tt.wantNoLeaks, "violation leaks the secret")
				}
			}
		})
	}
}

func TestGrant(t *testing.T) {
	eng := newTestEngine(t)
	var _ executor.GrantPolicy = eng

	tests := []struct {
		name  string
		req   executor.GrantRequest
		allow bool
	}{
		{
			name:  "apply step",
			req:   executor.GrantRequest{Capability: "config", Action: "set", Mode: engine.ModeInstall, Step: engine.StepApply},
			allow: true,
		},
		{
			name: "collect step",
			req:  executor.GrantRequest{Capability: "config", Action: "get", Mode: engine.ModeInstall, Step: engine.StepCollect},
		},
		{
			name: "delete outside delete mode",
			req:  executor.GrantRequest{Capability: "secrets", Action: "delete", Mode: engine.ModeUpdate, Step: engine.StepApply},
		},
		{
			name:  "delete in delete mode",
			req:   executor.GrantRequest{Capability: "secrets", Action: "delete", Mode: engine.ModeDelete, Step: engine.StepApply},
			allow: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Grant(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allow, decision.Allow, decision.Reason)
			if !decision.Allow {
				assert.NotEmpty(t, decision.Reason, "denied without a reason")
			}
		})
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.DisablePolicy("lifecycle-grants"))
	decision, err := eng.Grant(context.Background(), executor.GrantRequest{Capability: "config", Action: "get", Step: engine.StepCollect})
	require.NoError(t, err)
	assert.True(t, decision.Allow, "disabled policy still denies: %s", decision.Reason)
	assert.Error(t, eng.EnablePolicy("nope"))
}

func TestSetPoliciesRollsBackOnError(t *testing.T) {
	eng := newTestEngine(t)
	before := len(eng.ListPolicies())

	err := eng.SetPolicies(context.Background(), []Policy{
		{Name: "ok", Enabled: true, Rego: "package provision.custom.ok\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"},
		{Name: "broken", Enabled: true, Rego: "package provision.custom.broken\n\ndeny contains if {"},
	})
	require.Error(t, err, "expected compile error")
	assert.Len(t, eng.ListPolicies(), before)
}
