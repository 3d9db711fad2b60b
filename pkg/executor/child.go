package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/openfroyo/provision/pkg/engine"
)

// Script units do not run inside the host process. The StarlarkRuntime
// re-executes the host binary with ChildEnv set, and the child speaks a
// newline-delimited JSON protocol on stdin and stdout:
//
//	child  -> READY
//	parent -> RUN        {unit, source, input, limits}
//	child  -> HOST_CALL  raw capability call      (any number of times)
//	parent -> HOST_REPLY raw capability response
//	child  -> DONE {output} | ERROR {kind, code, message, cause}
//
// The child caps its own data segment before evaluating, so the kernel
// enforces the memory ceiling, and the parent kills it on timeout.

// ChildEnv marks a process started as a script sandbox.
const ChildEnv = "PROVISION_SANDBOX_CHILD"

const childStarlark = "starlark"

// maxChildMessage bounds a single protocol line.
const maxChildMessage = 16 * 1024 * 1024

type childMessageType string

const (
	childReady     childMessageType = "READY"
	childRun       childMessageType = "RUN"
	childHostCall  childMessageType = "HOST_CALL"
	childHostReply childMessageType = "HOST_REPLY"
	childDone      childMessageType = "DONE"
	childError     childMessageType = "ERROR"
)

type childMessage struct {
	Type childMessageType `json:"type"`
	Data json.RawMessage  `json:"data,omitempty"`
}

type childReadyMessage struct {
	PID int `json:"pid"`
}

type childRunRequest struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Source []byte `json:"source"`
	Input  []byte `json:"input"`
	Limits Limits `json:"limits"`
}

type childResult struct {
	Output []byte `json:"output"`
}

// childFailure carries a classified error across the process boundary.
type childFailure struct {
	Kind    engine.ErrorKind `json:"kind"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message"`
	Cause   string           `json:"cause,omitempty"`
}

func failureOf(err error) childFailure {
	var ee *engine.Error
	if !errors.As(err, &ee) {
		ee = engine.NewTrapError("unit failed", err)
	}
	f := childFailure{Kind: ee.Kind, Code: ee.Code, Message: ee.Message}
	if ee.Err != nil {
		f.Cause = ee.Err.Error()
	}
	return f
}

func (f childFailure) err() *engine.Error {
	var cause error
	if f.Cause != "" {
		cause = errors.New(f.Cause)
	}
	e := engine.NewError(f.Kind, f.Message, cause)
	if f.Code != "" {
		e = e.WithCode(f.Code)
	}
	return e
}

type childEncoder struct {
	w *bufio.Writer
}

func newChildEncoder(w io.Writer) *childEncoder {
	return &childEncoder{w: bufio.NewWriter(w)}
}

func (e *childEncoder) encode(t childMessageType, data any) error {
	msg := childMessage{Type: t}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", t, err)
		}
		msg.Data = raw
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return e.w.Flush()
}

type childDecoder struct {
	r *bufio.Scanner
}

func newChildDecoder(r io.Reader) *childDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChildMessage)
	return &childDecoder{r: scanner}
}

func (d *childDecoder) decode() (*childMessage, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}
	var msg childMessage
	if err := json.Unmarshal(d.r.Bytes(), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// expect decodes the next message and checks its type.
func (d *childDecoder) expect(t childMessageType, v any) error {
	msg, err := d.decode()
	if err != nil {
		return err
	}
	if msg.Type != t {
		return fmt.Errorf("expected %s message, got %s", t, msg.Type)
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", t, err)
	}
	return nil
}

// ServeChild turns the process into a script sandbox when it was started as
// one and exits when the unit is done. It returns immediately otherwise.
// Programs that run a Sandbox call it first thing in main, and test binaries
// in TestMain.
func ServeChild() {
	if os.Getenv(ChildEnv) != childStarlark {
		return
	}
	os.Exit(serveStarlark(os.Stdin, os.Stdout, limitMemory))
}

// serveStarlark runs one unit for the parent. limit applies the memory
// ceiling to the current process.
func serveStarlark(r io.Reader, w io.Writer, limit func(uint64) error) int {
	enc := newChildEncoder(w)
	dec := newChildDecoder(r)
	fail := func(err error) int {
		if enc.encode(childError, failureOf(err)) != nil {
			return 2
		}
		return 1
	}

	if err := enc.encode(childReady, childReadyMessage{PID: os.Getpid()}); err != nil {
		return 2
	}
	var req childRunRequest
	if err := dec.expect(childRun, &req); err != nil {
		return fail(engine.NewError(engine.KindInternal, "failed to read the run request", err))
	}

	limits := req.Limits.withDefaults()
	if err := limit(limits.MemoryBytes); err != nil {
		return fail(engine.NewError(engine.KindInternal, "failed to apply the memory ceiling", err))
	}

	rt := &StarlarkRuntime{limits: limits}
	unit := &Unit{Name: req.Name, Path: req.Path, Ext: ".star", Bytes: req.Source}
	out, err := rt.evaluate(context.Background(), unit, req.Input, &childHost{enc: enc, dec: dec})
	if err != nil {
		return fail(err)
	}
	if err := enc.encode(childDone, childResult{Output: out}); err != nil {
		return 2
	}
	return 0
}

// childHost forwards host calls from the child to the parent's router.
type childHost struct {
	enc *childEncoder
	dec *childDecoder
}

func (h *childHost) CallJSON(_ context.Context, raw []byte) []byte {
	if err := h.enc.encode(childHostCall, json.RawMessage(raw)); err != nil {
		return []byte(`{"ok":false,"error":"host unavailable"}`)
	}
	var reply json.RawMessage
	if err := h.dec.expect(childHostReply, &reply); err != nil {
		return []byte(`{"ok":false,"error":"host unavailable"}`)
	}
	return reply
}
