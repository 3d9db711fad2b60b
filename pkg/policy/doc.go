// Package policy provides Open Policy Agent (OPA) integration for
// provisioning.
//
// Policies are Rego modules whose package defines a "deny" set. There are
// two scopes:
//
//  1. Plan policies (any package) receive the redacted plan together with
//     pack identity, mode and tenant, and report violations that the
//     conformance harness and the apply command turn into diagnostics.
//  2. Grant policies (packages under "provision.grants.") receive a single
//     host capability call and deny it by emitting an error violation. The
//     Engine implements executor.GrantPolicy so the sandbox consults them
//     on every call.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//
//	res, err := eng.EvaluatePlan(ctx, result.Plan, policy.PlanInput{
//	    Pack: policy.PackInfo{ID: d.PackID, Version: d.PackVersion},
//	    Mode: result.Mode,
//	})
//	if err != nil {
//	    return err
//	}
//	diagnostics := res.Diagnostics()
//
// Deny set members are either strings or objects:
//
//	deny contains {"message": msg, "path": "/webhook_ops/0/url", "severity": "warning"} if { ... }
//
// Policies loaded from a directory can be watched with WatchPolicies, which
// recompiles them as files change.
package policy
