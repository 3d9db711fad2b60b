package apply

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/discovery"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/executor"
)

const hostCallUnit = `
def run(request):
    notes = []
    r = host_call("config", "set", {"key": "region", "value": "eu"})
    notes.append("config.set %s" % r["ok"])
    r = host_call("config", "get", {"key": "region"})
    notes.append("config.get %s" % r["result"]["value"])
    r = host_call("secrets", "set", {"key": "api_token", "value": "tok-unit-secret"})
    notes.append("secrets.set %s" % r["ok"])
    r = host_call("secrets", "list")
    notes.append("secrets.list %s" % ",".join(r["result"]["keys"]))
    r = host_call("subscriptions", "register", {"id": "inbox", "resource": "/me/messages"})
    notes.append("subscriptions %d" % len(r["result"]["subscriptions"]))
    r = host_call("oauth", "start", {"provider": "graph", "scopes": ["mail.read"]})
    notes.append("oauth %s" % r["result"]["completed"])
    r = host_call("config", "drop")
    notes.append("bad action %s" % r["ok"])
    return {"plan": {"notes": notes}}
`

func TestForwarderThroughSandbox(t *testing.T) {
	f := newFixture(nil)
	fsys := fstest.MapFS{"setup_default.star": {Data: []byte(hostCallUnit)}}
	d := &discovery.Descriptor{
		PackID:         "demo",
		PackVersion:    "1.0.0",
		SetupEntryFlow: "setup_default",
		Capabilities: []string{
			discovery.CapabilityConfig, discovery.CapabilitySecrets,
			discovery.CapabilityOAuth, discovery.CapabilitySubscriptions,
		},
	}
	sb := executor.NewSandbox(fsys, d, executor.WithForwarder(NewForwarder(f.applier)))
	defer sb.Close(context.Background())

	in := testInputs()
	pctx := &engine.Context{
		PackID: d.PackID, Flow: d.SetupEntryFlow, Capabilities: d.Capabilities,
		Inputs: in, Mode: engine.ModeInstall, Step: engine.StepApply,
	}
	out, err := sb.RunStep(context.Background(), engine.StepApply, pctx)
	require.NoError(t, err)
	require.NotNil(t, out.Plan)

	assert.Equal(t, []string{
		"config.set True",
		"config.get eu",
		"secrets.set True",
		"secrets.list api_token",
		"subscriptions 1",
		"oauth False",
		"bad action False",
	}, out.Plan.Notes)
	for _, n := range out.Plan.Notes {
		assert.False(t, strings.Contains(n, "tok-unit-secret"))
	}

	ctx := context.Background()
	values, err := f.config.Read(ctx, Namespace(in.Tenant, in.ProviderID, in.InstallID))
	require.NoError(t, err)
	assert.Equal(t, "eu", values["region"])

	record, err := f.installs.Get(ctx, in.Tenant, in.ProviderID, in.InstallID)
	require.NoError(t, err)
	require.Len(t, record.Subscriptions, 1)
	assert.Equal(t, "/me/messages", record.Subscriptions[0].Resource)

	require.Len(t, f.audit.entries, 1)
	assert.Contains(t, f.audit.entries[0].Audit.Reason, "secrets.set")
}

func TestForwarderRejectsMalformedCalls(t *testing.T) {
	fwd := NewForwarder(newFixture(nil).applier)
	pctx := &engine.Context{PackID: "demo", Inputs: testInputs(), Mode: engine.ModeInstall, Step: engine.StepApply}

	tests := []struct {
		name string
		call executor.CapabilityCall
	}{
		{"config set without key", executor.CapabilityCall{Capability: "config", Action: "set"}},
		{"secret without value", executor.CapabilityCall{Capability: "secrets", Action: "set", Payload: map[string]any{"key": "k"}}},
		{"secret delete without key", executor.CapabilityCall{Capability: "secrets", Action: "delete"}},
		{"oauth without provider", executor.CapabilityCall{Capability: "oauth", Action: "start"}},
		{"oauth bad action", executor.CapabilityCall{Capability: "oauth", Action: "refresh"}},
		{"subscription without id", executor.CapabilityCall{Capability: "subscriptions", Action: "register"}},
		{"subscription bad action", executor.CapabilityCall{Capability: "subscriptions", Action: "renew", Payload: map[string]any{"id": "x"}}},
		{"http", executor.CapabilityCall{Capability: "http", Action: "get"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fwd.Forward(context.Background(), pctx, tt.call)
			assert.Error(t, err)
		})
	}
}
