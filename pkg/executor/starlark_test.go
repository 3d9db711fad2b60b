package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/engine"
)

func runStarlark(t *testing.T, limits Limits, script string, input string) ([]byte, error) {
	t.Helper()
	rt := NewStarlarkRuntime(limits)
	unit := &Unit{Name: "setup_default", Path: "setup_default.star", Ext: ".star", Bytes: []byte(script)}
	return rt.Execute(context.Background(), unit, []byte(input), nil)
}

func TestStarlarkRuntimeRunsEntry(t *testing.T) {
	script := `
def run(request):
    answers = request["inputs"]["answers"]
    return {
        "plan": {
            "config_patch": {"region": answers["region"], "replicas": answers["replicas"] + 1},
            "notes": ["step " + request["step"]],
        },
    }
`
	out, err := runStarlark(t, DefaultLimits(), script,
		`{"step":"apply","inputs":{"answers":{"region":"eu","replicas":2}}}`)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	cfg := got["plan"].(map[string]any)["config_patch"].(map[string]any)
	assert.Equal(t, "eu", cfg["region"])
	assert.Equal(t, float64(3), cfg["replicas"])
}

func TestStarlarkRuntimeAcceptsJSONString(t *testing.T) {
	script := `
def run(request):
    return json.encode({"plan": {"notes": [request["step"]]}})
`
	out, err := runStarlark(t, DefaultLimits(), script, `{"step":"summary"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"plan":{"notes":["summary"]}}`, string(out))
}

func TestStarlarkRuntimeFailures(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
		script string
		kind   engine.ErrorKind
	}{
		{
			name:   "no entry",
			limits: DefaultLimits(),
			script: "x = 1\n",
			kind:   engine.KindExecutionTrap,
		},
		{
			name:   "runtime error",
			limits: DefaultLimits(),
			script: "def run(request):\n    return 1 // 0\n",
			kind:   engine.KindExecutionTrap,
		},
		{
			name:   "syntax error",
			limits: DefaultLimits(),
			script: "def run(request)\n",
			kind:   engine.KindExecutionTrap,
		},
		{
			name:   "load is unavailable",
			limits: DefaultLimits(),
			script: "load(\"os.star\", \"getenv\")\ndef run(request):\n    return {}\n",
			kind:   engine.KindExecutionTrap,
		},
		{
			name:   "step budget",
			limits: Limits{MaxSteps: 1000},
			script: "def run(request):\n    for i in range(100000000):\n        pass\n    return {}\n",
			kind:   engine.KindResourceExceeded,
		},
		{
			name:   "timeout",
			limits: Limits{MaxSteps: 1 << 62, Timeout: 50 * time.Millisecond},
			script: "def run(request):\n    for i in range(1 << 60):\n        pass\n    return {}\n",
			kind:   engine.KindResourceExceeded,
		},
		{
			name:   "memory over ceiling at load",
			limits: Limits{MemoryBytes: 1 << 20},
			script: "big = \"a\" * 200000000\ndef run(request):\n    return {\"plan\": {\"notes\": [str(len(big))]}}\n",
			kind:   engine.KindResourceExceeded,
		},
		{
			name:   "memory over ceiling in run",
			limits: Limits{MemoryBytes: 1 << 20, Timeout: 5 * time.Second},
			script: "def run(request):\n    chunks = [\"x\" * 1000000 for i in range(64)]\n    return {\"plan\": {\"notes\": [str(len(chunks))]}}\n",
			kind:   engine.KindResourceExceeded,
		},
		{
			name:   "non dict result",
			limits: DefaultLimits(),
			script: "def run(request):\n    return [1, 2]\n",
			kind:   engine.KindMalformedOutput,
		},
		{
			name:   "non JSON result",
			limits: DefaultLimits(),
			script: "def run(request):\n    return {\"plan\": run}\n",
			kind:   engine.KindMalformedOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			out, err := runStarlark(t, tt.limits, tt.script, `{"step":"collect"}`)
			require.Error(t, err, "output: %s", out)
			assert.Equal(t, tt.kind, engine.KindOf(err), "err: %v", err)
			assert.Less(t, time.Since(start), 10*time.Second)
		})
	}
}

func TestStarlarkRuntimeRelaysHostCalls(t *testing.T) {
	script := `
def run(request):
    r = host_call("http", "get", {"url": "https://example.test"})
    return {"plan": {"notes": ["ok=%s" % r["ok"]]}}
`
	router := denyAll(DefaultLimits())
	rt := NewStarlarkRuntime(DefaultLimits())
	unit := &Unit{Name: "setup_default", Path: "setup_default.star", Ext: ".star", Bytes: []byte(script)}

	out, err := rt.Execute(context.Background(), unit, []byte(`{"step":"collect"}`), router)
	require.NoError(t, err)
	assert.JSONEq(t, `{"plan":{"notes":["ok=False"]}}`, string(out))
	assert.Equal(t, 1, router.Calls())
	assert.Len(t, router.Diagnostics(), 1)
}

func TestStarlarkRuntimeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rt := NewStarlarkRuntime(DefaultLimits())
	unit := &Unit{Name: "u", Path: "u.star", Ext: ".star", Bytes: []byte("def run(request):\n    return {}\n")}
	_, err := rt.Execute(ctx, unit, []byte(`{}`), nil)
	assert.Equal(t, engine.KindExecutionTrap, engine.KindOf(err))
}

func TestStarlarkRuntimeMissingChildCommand(t *testing.T) {
	rt := NewStarlarkRuntime(DefaultLimits(), WithChildCommand("/nonexistent/provision-sandbox"))
	unit := &Unit{Name: "u", Path: "u.star", Ext: ".star", Bytes: []byte("def run(request):\n    return {}\n")}
	_, err := rt.Execute(context.Background(), unit, []byte(`{}`), nil)
	assert.Equal(t, engine.KindInternal, engine.KindOf(err))
}

func TestServeStarlarkProtocol(t *testing.T) {
	script := "def run(request):\n    r = host_call(\"config\", \"set\", {\"key\": \"k\"})\n    return {\"plan\": {\"notes\": [request[\"step\"], str(r[\"ok\"])]}}\n"

	parentIn, childOut := io.Pipe()
	childIn, parentOut := io.Pipe()

	var limited uint64
	code := make(chan int, 1)
	go func() {
		code <- serveStarlark(childIn, childOut, func(budget uint64) error {
			limited = budget
			return nil
		})
		childOut.Close()
	}()

	enc := newChildEncoder(parentOut)
	dec := newChildDecoder(parentIn)

	var ready childReadyMessage
	require.NoError(t, dec.expect(childReady, &ready))
	require.NoError(t, enc.encode(childRun, childRunRequest{
		Name:   "u",
		Path:   "u.star",
		Source: []byte(script),
		Input:  []byte(`{"step":"apply"}`),
		Limits: Limits{MemoryBytes: 4 << 20},
	}))

	var call CapabilityCall
	require.NoError(t, dec.expect(childHostCall, &call))
	assert.Equal(t, CapabilityCall{Capability: "config", Action: "set", Payload: map[string]any{"key": "k"}}, call)
	require.NoError(t, enc.encode(childHostReply, CapabilityResponse{OK: true}))

	var res childResult
	require.NoError(t, dec.expect(childDone, &res))
	assert.JSONEq(t, `{"plan":{"notes":["apply","True"]}}`, string(res.Output))
	assert.Equal(t, 0, <-code)
	assert.Equal(t, uint64(4<<20), limited)
}

func TestChildFailureRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	src := engine.NewResourceExceededError("unit exceeded the 10 step budget", io.ErrUnexpectedEOF).WithCode("custom.code")
	require.NoError(t, newChildEncoder(&buf).encode(childError, failureOf(src)))

	var f childFailure
	require.NoError(t, newChildDecoder(&buf).expect(childError, &f))
	got := f.err()
	assert.Equal(t, engine.KindResourceExceeded, got.Kind)
	assert.Equal(t, "custom.code", got.Code)
	assert.Equal(t, src.Message, got.Message)
	assert.EqualError(t, got.Err, io.ErrUnexpectedEOF.Error())
}
