package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openfroyo/provision/pkg/diag"
	"github.com/openfroyo/provision/pkg/discovery"
	"github.com/openfroyo/provision/pkg/engine"
)

// routable lists the capabilities that have a host surface. Everything else,
// http and file system access included, is denied.
var routable = map[string]bool{
	discovery.CapabilityConfig:        true,
	discovery.CapabilitySecrets:       true,
	discovery.CapabilityOAuth:         true,
	discovery.CapabilitySubscriptions: true,
}

// CapabilityCall is a host call made by a unit.
type CapabilityCall struct {
	Capability string         `json:"capability"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// CapabilityResponse is returned to the unit for a host call.
type CapabilityResponse struct {
	OK     bool           `json:"ok"`
	Mocked bool           `json:"mocked,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// GrantRequest asks whether a single host call may proceed.
type GrantRequest struct {
	PackID     string      `json:"pack_id"`
	Capability string      `json:"capability"`
	Action     string      `json:"action"`
	Mode       engine.Mode `json:"mode"`
	Step       engine.Step `json:"step"`
	Declared   []string    `json:"declared"`
}

// GrantDecision is the answer to a GrantRequest.
type GrantDecision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// GrantPolicy decides host calls one at a time.
type GrantPolicy interface {
	Grant(ctx context.Context, req GrantRequest) (GrantDecision, error)
}

// Forwarder carries a granted host call to the adapters in apply modes.
type Forwarder interface {
	Forward(ctx context.Context, pctx *engine.Context, call CapabilityCall) (map[string]any, error)
}

// CapabilityRouter mediates every host call of one unit invocation. A call
// proceeds only when its capability has a host surface, the pack declared it
// and the grant policy allows it. In dry_run mode granted calls are mocked.
type CapabilityRouter struct {
	pctx      *engine.Context
	declared  map[string]bool
	policy    GrantPolicy
	forwarder Forwarder
	maxCalls  int

	mu          sync.Mutex
	calls       int
	diagnostics diag.List
}

// NewCapabilityRouter creates a router for a single invocation.
func NewCapabilityRouter(pctx *engine.Context, policy GrantPolicy, forwarder Forwarder, maxCalls int) *CapabilityRouter {
	declared := make(map[string]bool, len(pctx.Capabilities))
	for _, c := range pctx.Capabilities {
		declared[c] = true
	}
	return &CapabilityRouter{
		pctx:      pctx,
		declared:  declared,
		policy:    policy,
		forwarder: forwarder,
		maxCalls:  maxCalls,
	}
}

// denyAll returns a router for a pack that declared nothing.
func denyAll(limits Limits) *CapabilityRouter {
	return NewCapabilityRouter(&engine.Context{Mode: engine.ModeDryRun}, nil, nil, limits.MaxHostCalls)
}

// Call routes a host call and always answers the unit.
func (r *CapabilityRouter) Call(ctx context.Context, call CapabilityCall) CapabilityResponse {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()

	target := call.Capability + "." + call.Action
	if r.maxCalls > 0 && n > r.maxCalls {
		return r.deny(target, fmt.Sprintf("host call limit of %d reached", r.maxCalls))
	}
	if !routable[call.Capability] {
		return r.deny(target, fmt.Sprintf("capability %q has no host surface", call.Capability))
	}
	if !r.declared[call.Capability] {
		return r.deny(target, fmt.Sprintf("capability %q was not declared by the pack", call.Capability))
	}
	if call.Action == "" {
		return r.deny(target, "host call has no action")
	}

	if r.policy != nil {
		decision, err := r.policy.Grant(ctx, GrantRequest{
			PackID:     r.pctx.PackID,
			Capability: call.Capability,
			Action:     call.Action,
			Mode:       r.pctx.Mode,
			Step:       r.pctx.Step,
			Declared:   r.pctx.Capabilities,
		})
		if err != nil {
			return r.deny(target, fmt.Sprintf("grant policy failed: %v", err))
		}
		if !decision.Allow {
			reason := decision.Reason
			if reason == "" {
				reason = "not granted by policy"
			}
			return r.deny(target, reason)
		}
	}

	if !r.pctx.Mode.AllowsWrites() {
		r.record(diag.Info(diag.CodeCapabilityMocked, fmt.Sprintf("host call %s mocked in %s mode", target, r.pctx.Mode)))
		return CapabilityResponse{OK: true, Mocked: true}
	}

	if r.forwarder == nil {
		return r.deny(target, "no adapter is configured for host calls")
	}
	result, err := r.forwarder.Forward(ctx, r.pctx, call)
	if err != nil {
		return CapabilityResponse{OK: false, Error: err.Error()}
	}
	return CapabilityResponse{OK: true, Result: result}
}

// CallJSON decodes a raw request, routes it and encodes the response.
func (r *CapabilityRouter) CallJSON(ctx context.Context, raw []byte) []byte {
	var call CapabilityCall
	var resp CapabilityResponse
	if err := json.Unmarshal(raw, &call); err != nil {
		resp = r.deny("malformed", fmt.Sprintf("malformed host call: %v", err))
	} else {
		resp = r.Call(ctx, call)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"ok":false,"error":"failed to encode response"}`)
	}
	return data
}

// Diagnostics returns what the router recorded, in call order.
func (r *CapabilityRouter) Diagnostics() diag.List {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(diag.List(nil), r.diagnostics...)
}

// Calls returns the number of host calls made.
func (r *CapabilityRouter) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *CapabilityRouter) deny(target, reason string) CapabilityResponse {
	r.record(diag.Warning(diag.CodeCapabilityDenied, fmt.Sprintf("host call %s denied: %s", target, reason)))
	return CapabilityResponse{OK: false, Error: reason}
}

func (r *CapabilityRouter) record(d diag.Diagnostic) {
	r.mu.Lock()
	r.diagnostics = append(r.diagnostics, d)
	r.mu.Unlock()
}
