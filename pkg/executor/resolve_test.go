package executor

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/engine"
)

func TestResolverOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"components/setup__collect.star": {Data: []byte("per-step star")},
		"wasm/setup__collect.wasm":       {Data: []byte("per-step wasm")},
		"setup.star":                     {Data: []byte("flow at root")},
		"units/setup.wasm":               {Data: []byte("flow in units")},
		"units/setup.star":               {Data: []byte("flow star in units")},
		"components/other.txt":           {Data: []byte("ignored")},
	}
	r := NewResolver(fsys)

	tests := []struct {
		step     engine.Step
		path     string
		strategy Strategy
	}{
		{step: engine.StepCollect, path: "components/setup__collect.star", strategy: StrategyPerStep},
		{step: engine.StepApply, path: "units/setup.wasm", strategy: StrategyFlow},
	}
	for _, tt := range tests {
		t.Run(string(tt.step), func(t *testing.T) {
			unit, err := r.Resolve("setup", tt.step)
			require.NoError(t, err)
			assert.Equal(t, tt.path, unit.Path)
			assert.Equal(t, tt.strategy, unit.Strategy)
		})
	}
}

func TestResolverPrefersWASMWithinRoot(t *testing.T) {
	fsys := fstest.MapFS{
		"setup.star": {Data: []byte("star")},
		"setup.wasm": {Data: []byte("wasm")},
	}
	unit, err := NewResolver(fsys).ResolveFlow("setup")
	require.NoError(t, err)
	assert.Equal(t, ".wasm", unit.Ext)
	assert.Equal(t, "wasm", string(unit.Bytes))
}

func TestResolverFailure(t *testing.T) {
	fsys := fstest.MapFS{"units/other.star": {Data: []byte("x")}}
	r := NewResolver(fsys)

	for _, flow := range []string{"setup", "../setup", "set*", ""} {
		_, err := r.Resolve(flow, engine.StepValidate)
		var rerr *ResolutionError
		require.ErrorAs(t, err, &rerr, "flow %q", flow)
	}

	_, err := r.Resolve("setup", engine.StepValidate)
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Len(t, rerr.Tried, 2*len(UnitRoots))
}
