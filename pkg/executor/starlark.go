package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/provision/pkg/engine"
)

// starlarkEntry is the function a script unit defines. It receives the
// request as a dict and returns the step output as a dict or a JSON string.
const starlarkEntry = "run"

// StarlarkRuntime runs Starlark script units. Every invocation runs in a
// child process of the host binary (see ServeChild) whose data segment is
// capped at the memory ceiling and which is killed when the timeout expires.
// Scripts cannot load modules, print, touch files or reach the network; the
// only host surface is the host_call builtin, relayed to the parent's
// capability router. Execution is also bounded by an interpreter step budget.
type StarlarkRuntime struct {
	limits  Limits
	command []string
}

// StarlarkOption configures a StarlarkRuntime.
type StarlarkOption func(*StarlarkRuntime)

// WithChildCommand sets the program started for each invocation. It must
// call ServeChild on startup. The default is the running executable.
func WithChildCommand(argv ...string) StarlarkOption {
	return func(r *StarlarkRuntime) {
		r.command = argv
	}
}

// NewStarlarkRuntime creates a Starlark runtime enforcing limits.
func NewStarlarkRuntime(limits Limits, opts ...StarlarkOption) *StarlarkRuntime {
	r := &StarlarkRuntime{limits: limits.withDefaults()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close is a no-op.
func (r *StarlarkRuntime) Close(context.Context) error {
	return nil
}

// childStartTimeout bounds process startup, which is not charged to the
// unit's own timeout.
const childStartTimeout = 10 * time.Second

// maxChildStderr is how much child stderr is kept for error reports.
const maxChildStderr = 4096

const (
	childAlive int32 = iota
	childKilledStartup
	childKilledTimeout
	childKilledCancel
)

// Execute runs the script's run function with input in a child process.
func (r *StarlarkRuntime) Execute(ctx context.Context, unit *Unit, input []byte, router *CapabilityRouter) ([]byte, error) {
	if router == nil {
		router = denyAll(r.limits)
	}
	if err := ctx.Err(); err != nil {
		return nil, engine.NewTrapError("unit interrupted", err)
	}

	argv, err := r.argv()
	if err != nil {
		return nil, engine.NewError(engine.KindInternal, "failed to locate the script sandbox", err)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), ChildEnv+"="+childStarlark)
	stderr := &tailBuffer{max: maxChildStderr}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, engine.NewError(engine.KindInternal, "failed to open the script sandbox", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, engine.NewError(engine.KindInternal, "failed to open the script sandbox", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, engine.NewError(engine.KindInternal, "failed to start the script sandbox", err)
	}

	var state atomic.Int32
	var running atomic.Bool
	timer := time.NewTimer(childStartTimeout)
	exited := make(chan struct{})
	go func() {
		defer timer.Stop()
		select {
		case <-exited:
			return
		case <-ctx.Done():
			state.Store(childKilledCancel)
		case <-timer.C:
			if running.Load() {
				state.Store(childKilledTimeout)
			} else {
				state.Store(childKilledStartup)
			}
		}
		_ = cmd.Process.Kill()
	}()

	started := func() {
		running.Store(true)
		timer.Reset(r.limits.Timeout)
	}
	out, convErr := r.converse(ctx, newChildEncoder(stdin), newChildDecoder(stdout), unit, input, router, started)
	_ = stdin.Close()
	if convErr != nil {
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	close(exited)

	switch state.Load() {
	case childKilledTimeout:
		return nil, engine.NewResourceExceededError(
			fmt.Sprintf("unit exceeded the %s time limit", r.limits.Timeout), nil)
	case childKilledCancel:
		return nil, engine.NewTrapError("unit interrupted", ctx.Err())
	case childKilledStartup:
		return nil, engine.NewError(engine.KindInternal,
			fmt.Sprintf("script sandbox did not start within %s", childStartTimeout), nil)
	}

	var ee *engine.Error
	switch {
	case convErr == nil:
		return out, nil
	case errors.As(convErr, &ee):
		return nil, ee
	case outOfMemory(stderr.String()):
		return nil, engine.NewResourceExceededError(
			fmt.Sprintf("unit exceeded the %d byte memory limit", r.limits.MemoryBytes), nil)
	}
	if waitErr != nil {
		convErr = fmt.Errorf("%w (%v)", convErr, waitErr)
	}
	if tail := strings.TrimSpace(stderr.String()); tail != "" {
		convErr = fmt.Errorf("%w: %s", convErr, tail)
	}
	return nil, engine.NewTrapError("script sandbox failed", convErr)
}

// converse drives the protocol from the parent side. A classified unit
// failure is returned as *engine.Error, anything else is a protocol error.
func (r *StarlarkRuntime) converse(ctx context.Context, enc *childEncoder, dec *childDecoder, unit *Unit, input []byte, router *CapabilityRouter, started func()) ([]byte, error) {
	if err := dec.expect(childReady, nil); err != nil {
		return nil, err
	}
	started()

	req := childRunRequest{
		Name:   unit.Name,
		Path:   unit.Path,
		Source: unit.Bytes,
		Input:  input,
		Limits: r.limits,
	}
	if err := enc.encode(childRun, req); err != nil {
		return nil, err
	}

	for {
		msg, err := dec.decode()
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case childHostCall:
			reply := router.CallJSON(ctx, msg.Data)
			if err := enc.encode(childHostReply, json.RawMessage(reply)); err != nil {
				return nil, err
			}
		case childDone:
			var res childResult
			if err := json.Unmarshal(msg.Data, &res); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", childDone, err)
			}
			return res.Output, nil
		case childError:
			var f childFailure
			if err := json.Unmarshal(msg.Data, &f); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", childError, err)
			}
			return nil, f.err()
		default:
			return nil, fmt.Errorf("unexpected %s message", msg.Type)
		}
	}
}

func (r *StarlarkRuntime) argv() ([]string, error) {
	if len(r.command) > 0 {
		return r.command, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return []string{self}, nil
}

// outOfMemory recognizes the Go runtime's abort on a failed heap mapping.
func outOfMemory(stderr string) bool {
	return strings.Contains(stderr, "out of memory") || strings.Contains(stderr, "cannot allocate memory")
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// hostCaller answers host calls made by a script.
type hostCaller interface {
	CallJSON(ctx context.Context, raw []byte) []byte
}

// evaluate runs the unit in the current process. It is only called inside
// a sandbox child.
func (r *StarlarkRuntime) evaluate(ctx context.Context, unit *Unit, input []byte, host hostCaller) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = engine.NewTrapError(fmt.Sprintf("unit panicked: %v", rec), nil)
		}
	}()

	thread := &starlark.Thread{
		Name:  unit.Name,
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(r.limits.MaxSteps)

	predeclared := starlark.StringDict{
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":      starlarkjson.Module,
		"host_call": hostCallBuiltin(ctx, host),
	}

	globals, err := starlark.ExecFile(thread, unit.Path, unit.Bytes, predeclared)
	if err != nil {
		return nil, r.classify(err, "unit failed to load")
	}

	fn, ok := globals[starlarkEntry].(starlark.Callable)
	if !ok {
		return nil, engine.NewTrapError(fmt.Sprintf("unit does not define %s(request)", starlarkEntry), nil)
	}

	decoded, err := decodeJSON(input)
	if err != nil {
		return nil, engine.NewError(engine.KindInternal, "failed to decode unit request", err)
	}
	request, err := toStarlarkValue(decoded)
	if err != nil {
		return nil, engine.NewError(engine.KindInternal, "failed to convert unit request", err)
	}

	result, err := starlark.Call(thread, fn, starlark.Tuple{request}, nil)
	if err != nil {
		return nil, r.classify(err, "unit failed")
	}

	if s, ok := result.(starlark.String); ok {
		return []byte(string(s)), nil
	}
	value, err := fromStarlarkValue(result)
	if err != nil {
		return nil, engine.NewMalformedOutputError("unit returned a value that is not JSON", err)
	}
	if _, ok := value.(map[string]any); !ok {
		return nil, engine.NewMalformedOutputError(fmt.Sprintf("unit returned %s, want dict", result.Type()), nil)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, engine.NewMalformedOutputError("unit output is not serializable", err)
	}
	return data, nil
}

// classify maps interpreter failures to the error taxonomy.
func (r *StarlarkRuntime) classify(err error, message string) error {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return ee
	}
	if strings.Contains(err.Error(), "too many steps") {
		return engine.NewResourceExceededError(
			fmt.Sprintf("unit exceeded the %d step budget", r.limits.MaxSteps), err)
	}
	return engine.NewTrapError(message, err)
}

// hostCallBuiltin exposes host_call(capability, action, payload=None).
func hostCallBuiltin(ctx context.Context, host hostCaller) *starlark.Builtin {
	return starlark.NewBuiltin("host_call", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var capability, action string
		var payload starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "capability", &capability, "action", &action, "payload?", &payload); err != nil {
			return nil, err
		}

		call := CapabilityCall{Capability: capability, Action: action}
		if payload != starlark.None {
			v, err := fromStarlarkValue(payload)
			if err != nil {
				return nil, fmt.Errorf("host_call payload: %w", err)
			}
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("host_call payload must be a dict, got %s", payload.Type())
			}
			call.Payload = m
		}

		raw, err := json.Marshal(call)
		if err != nil {
			return nil, err
		}
		decoded, err := decodeJSON(host.CallJSON(ctx, raw))
		if err != nil {
			return nil, err
		}
		return toStarlarkValue(decoded)
	})
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// toStarlarkValue converts a decoded JSON value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", val)
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a JSON-compatible value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, e := range val {
			item, err := fromStarlarkValue(e)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
