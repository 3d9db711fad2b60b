package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/provision/pkg/engine"
)

// Guest ABI. A unit exports its linear memory as "memory" and an entry
// function "run(ptr, len i32) i64" that returns (out_ptr << 32) | out_len.
// It may export "malloc(size i32) i32" for the host to place input and host
// call responses; without it the host grows memory and writes input past the
// previous end. Host calls go through the import "env.host_call(ptr, len i32)
// i64", which answers the same way or returns 0 when the unit has no malloc.
const (
	wasmEntry      = "run"
	wasmMemory     = "memory"
	wasmMalloc     = "malloc"
	wasmFree       = "free"
	wasmHostModule = "env"
	wasmHostCall   = "host_call"
	wasmInitialize = "_initialize"
)

// WASMRuntime runs WebAssembly units. Each invocation gets a fresh runtime
// instance with no file system, no environment, no network and a
// deterministic clock and random source. Compiled code is shared through a
// compilation cache. Linear memory is backed by a capped allocator, so a
// guest growing past the ceiling is reported as a resource failure even
// when it turns the refused grow into a trap of its own.
type WASMRuntime struct {
	limits Limits
	cache  wazero.CompilationCache
}

// NewWASMRuntime creates a WebAssembly runtime enforcing limits.
func NewWASMRuntime(limits Limits) *WASMRuntime {
	return &WASMRuntime{
		limits: limits.withDefaults(),
		cache:  wazero.NewCompilationCache(),
	}
}

// Close releases the compilation cache.
func (r *WASMRuntime) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}

// Execute instantiates unit, hands it input and returns its output.
func (r *WASMRuntime) Execute(ctx context.Context, unit *Unit, input []byte, router *CapabilityRouter) ([]byte, error) {
	if router == nil {
		router = denyAll(r.limits)
	}
	ctx, cancel := context.WithTimeout(ctx, r.limits.Timeout)
	defer cancel()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(r.cache)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer runtime.Close(context.Background())

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, engine.NewError(engine.KindInternal, "failed to instantiate WASI", err)
	}

	builder := runtime.NewHostModuleBuilder(wasmHostModule)
	registerHostCall(builder, router, r.limits)
	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, engine.NewError(engine.KindInternal, "failed to instantiate host module", err)
	}

	compiled, err := runtime.CompileModule(ctx, unit.Bytes)
	if err != nil {
		if strings.Contains(err.Error(), "over limit of") {
			return nil, engine.NewResourceExceededError(
				fmt.Sprintf("unit memory exceeds the %d page limit", r.limits.memoryPages()), err)
		}
		return nil, engine.NewTrapError("invalid WebAssembly module", err)
	}
	defer compiled.Close(context.Background())

	def, ok := compiled.ExportedMemories()[wasmMemory]
	if !ok {
		return nil, engine.NewTrapError("unit does not export memory", nil)
	}
	if def.Min() > r.limits.memoryPages() {
		return nil, engine.NewResourceExceededError(
			fmt.Sprintf("unit needs %d memory pages, over the %d page limit", def.Min(), r.limits.memoryPages()), nil)
	}
	ceiling := newMemoryCeiling(uint64(r.limits.memoryPages()) * wasmPageSize)
	ctx = experimental.WithMemoryAllocator(ctx, ceiling)

	moduleConfig := wazero.NewModuleConfig().
		WithName("unit").
		WithStartFunctions(wasmInitialize)

	mod, err := runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return nil, r.classify(err, "unit failed to start", ceiling)
	}
	defer mod.Close(context.Background())

	run := mod.ExportedFunction(wasmEntry)
	if run == nil {
		return nil, engine.NewTrapError(fmt.Sprintf("unit does not export %q", wasmEntry), nil)
	}
	memory := mod.Memory()
	if memory == nil {
		return nil, engine.NewTrapError("unit does not export memory", nil)
	}

	ptr, err := r.place(ctx, mod, input, ceiling)
	if err != nil {
		return nil, err
	}

	results, err := run.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, r.classify(err, "unit trapped", ceiling)
	}
	if len(results) != 1 {
		return nil, engine.NewTrapError(fmt.Sprintf("%s returned %d values, want 1", wasmEntry, len(results)), nil)
	}

	outPtr, outLen := unpack(results[0])
	if int(outLen) > r.limits.MaxOutputBytes {
		return nil, engine.NewResourceExceededError(
			fmt.Sprintf("output of %d bytes exceeds the %d byte cap", outLen, r.limits.MaxOutputBytes), nil)
	}
	view, ok := memory.Read(outPtr, outLen)
	if !ok {
		return nil, engine.NewTrapError(fmt.Sprintf("output range %d+%d is out of bounds", outPtr, outLen), nil)
	}
	out := make([]byte, len(view))
	copy(out, view)

	if free := mod.ExportedFunction(wasmFree); free != nil && mod.ExportedFunction(wasmMalloc) != nil {
		_, _ = free.Call(ctx, uint64(ptr))
	}
	return out, nil
}

// place writes input into guest memory and returns its offset.
func (r *WASMRuntime) place(ctx context.Context, mod api.Module, input []byte, ceiling *memoryCeiling) (uint32, error) {
	memory := mod.Memory()
	if malloc := mod.ExportedFunction(wasmMalloc); malloc != nil {
		results, err := malloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return 0, r.classify(err, "malloc failed", ceiling)
		}
		if len(results) != 1 {
			return 0, engine.NewTrapError("malloc returned no pointer", nil)
		}
		ptr := uint32(results[0])
		if !memory.Write(ptr, input) {
			return 0, engine.NewTrapError("malloc returned an out of bounds pointer", nil)
		}
		return ptr, nil
	}

	pages := uint32((len(input) + wasmPageSize - 1) / wasmPageSize)
	if pages == 0 {
		pages = 1
	}
	previous, ok := memory.Grow(pages)
	if !ok {
		return 0, engine.NewResourceExceededError(
			fmt.Sprintf("input of %d bytes does not fit under the %d page limit", len(input), r.limits.memoryPages()), nil)
	}
	ptr := previous * wasmPageSize
	if !memory.Write(ptr, input) {
		return 0, engine.NewTrapError("failed to write input", nil)
	}
	return ptr, nil
}

// classify maps a wazero failure to the error taxonomy. A failure that
// follows a refused memory grow is a resource failure whatever the guest
// did about it.
func (r *WASMRuntime) classify(err error, message string, ceiling *memoryCeiling) error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return engine.NewResourceExceededError(
				fmt.Sprintf("unit exceeded the %s time limit", r.limits.Timeout), err)
		case sys.ExitCodeContextCanceled:
			return engine.NewTrapError("unit interrupted", err)
		}
	}
	if ceiling != nil && ceiling.Refused() {
		return engine.NewResourceExceededError(
			fmt.Sprintf("unit tried to grow memory past the %d page limit", r.limits.memoryPages()), err)
	}
	if exitErr != nil {
		return engine.NewTrapError(fmt.Sprintf("unit exited with code %d", exitErr.ExitCode()), nil)
	}
	if strings.Contains(err.Error(), "over limit of") {
		return engine.NewResourceExceededError("unit memory limit exceeded", err)
	}
	return engine.NewTrapError(message, err)
}

// memoryCeiling allocates guest linear memories that never grow past limit
// bytes and remembers refused grows.
type memoryCeiling struct {
	limit   uint64
	refused atomic.Bool
}

func newMemoryCeiling(limit uint64) *memoryCeiling {
	return &memoryCeiling{limit: limit}
}

// Allocate implements experimental.MemoryAllocator.
func (c *memoryCeiling) Allocate(_, _ uint64) experimental.LinearMemory {
	return &cappedMemory{ceiling: c}
}

// Refused reports whether a guest asked for more than the limit.
func (c *memoryCeiling) Refused() bool {
	return c.refused.Load()
}

type cappedMemory struct {
	ceiling *memoryCeiling
	buf     []byte
}

// Reallocate implements experimental.LinearMemory. Linear memory only grows,
// so capacity past the current length is still zeroed.
func (m *cappedMemory) Reallocate(size uint64) []byte {
	if size > m.ceiling.limit {
		m.ceiling.refused.Store(true)
		return nil
	}
	if m.buf == nil {
		m.buf = []byte{}
	}
	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
		return m.buf
	}
	grown := make([]byte, size, min(max(size, 2*uint64(cap(m.buf))), m.ceiling.limit))
	copy(grown, m.buf)
	m.buf = grown
	return m.buf
}

// Free implements experimental.LinearMemory.
func (m *cappedMemory) Free() {
	m.buf = nil
}

// registerHostCall exports env.host_call, routing every call through router.
func registerHostCall(builder wazero.HostModuleBuilder, router *CapabilityRouter, limits Limits) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			if int(length) > limits.MaxOutputBytes {
				return respond(ctx, mod, router.CallJSON(ctx, nil))
			}
			raw, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return 0
			}
			req := make([]byte, len(raw))
			copy(req, raw)
			return respond(ctx, mod, router.CallJSON(ctx, req))
		}).
		Export(wasmHostCall)
}

// respond copies a host call response into guest memory via malloc.
func respond(ctx context.Context, mod api.Module, resp []byte) uint64 {
	malloc := mod.ExportedFunction(wasmMalloc)
	if malloc == nil {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(resp)))
	if err != nil || len(results) != 1 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, resp) {
		return 0
	}
	return pack(ptr, uint32(len(resp)))
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (uint32, uint32) {
	return uint32(v >> 32), uint32(v)
}
