package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStepOutput(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		input   string
		wantErr bool
	}{
		{name: "minimal", step: StepApply, input: `{}`},
		{name: "full", step: StepCollect, input: `{
			"diagnostics":[{"severity":"warning","code":"x.y","message":"hm","path":"/a"}],
			"plan":{"config_patch":{"a":1},"notes":["n"]},
			"questions":{"fields":[{"id":"region"}]}
		}`},
		{name: "empty", step: StepApply, input: "  ", wantErr: true},
		{name: "not an object", step: StepApply, input: `[1,2]`, wantErr: true},
		{name: "unknown top-level field", step: StepApply, input: `{"plan":{},"extra":1}`, wantErr: true},
		{name: "unknown plan field", step: StepApply, input: `{"plan":{"config":{}}}`, wantErr: true},
		{name: "bad severity", step: StepApply, input: `{"diagnostics":[{"severity":"fatal","code":"c","message":"m"}]}`, wantErr: true},
		{name: "diagnostic without message", step: StepApply, input: `{"diagnostics":[{"severity":"error","code":"c"}]}`, wantErr: true},
		{name: "questions outside collect", step: StepValidate, input: `{"questions":{}}`, wantErr: true},
		{name: "trailing data", step: StepApply, input: `{}{}`, wantErr: true},
		{name: "truncated", step: StepApply, input: `{"diagnostics":[`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := DecodeStepOutput([]byte(tt.input), tt.step)
			if tt.wantErr {
				require.Error(t, err, "output: %+v", out)
				assert.True(t, IsMalformedOutput(err), "error kind = %s", KindOf(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDecodeStepOutputClearsStepTag(t *testing.T) {
	out, err := DecodeStepOutput([]byte(`{"diagnostics":[{"severity":"info","code":"c","message":"m","step":"apply"}]}`), StepValidate)
	require.NoError(t, err)
	assert.Empty(t, out.Diagnostics[0].Step)
}

func TestErrorClassification(t *testing.T) {
	err := NewResourceExceededError("memory limit", nil).WithStep(StepApply).WithUnit("setup_default.wasm")
	wrapped := errors.Join(errors.New("context"), err)

	assert.True(t, IsResourceExceeded(wrapped))
	assert.True(t, IsExecutionFailure(wrapped))
	assert.False(t, IsTrap(wrapped), "resource error classified as trap")
	assert.ErrorIs(t, wrapped, &Error{Kind: KindResourceExceeded})
	assert.Equal(t, "[execution_resource_exceeded] step=apply unit=setup_default.wasm memory limit", err.Error())
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestModeAndStep(t *testing.T) {
	m, err := ParseMode("dry-run")
	require.NoError(t, err)
	assert.Equal(t, ModeDryRun, m)

	_, err = ParseMode("purge")
	assert.Error(t, err)

	assert.False(t, ModeDryRun.AllowsWrites())
	assert.True(t, ModeDelete.AllowsWrites())
	assert.Equal(t, StateDone, next(StepSummary))
	assert.Equal(t, StateValidate, next(StepCollect))
	assert.Equal(t, 2, StepApply.Index())
	assert.Equal(t, -1, Step("x").Index())
}
