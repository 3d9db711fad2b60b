package executor

import (
	"fmt"
	"time"
)

// wasmPageSize is the size of a WebAssembly linear memory page.
const wasmPageSize = 64 * 1024

// Default resource caps applied to every unit invocation.
const (
	DefaultMaxOutputBytes = 64 * 1024
	DefaultMemoryBytes    = 8 * 1024 * 1024
	DefaultTimeout        = 500 * time.Millisecond
	DefaultMaxSteps       = 1_000_000
	DefaultMaxHostCalls   = 64
)

// Limits bounds a single unit invocation.
type Limits struct {
	// MaxOutputBytes caps the serialized step output.
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes" validate:"gt=0"`

	// MemoryBytes caps guest linear memory of WebAssembly units, rounded down
	// to whole pages, and the heap growth of the script sandbox process.
	MemoryBytes uint64 `json:"memory_bytes" yaml:"memory_bytes" validate:"gte=65536"`

	// Timeout is the wall-clock budget of one invocation.
	Timeout time.Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`

	// MaxSteps is the interpreter step budget for script units.
	MaxSteps uint64 `json:"max_steps" yaml:"max_steps" validate:"gt=0"`

	// MaxHostCalls caps capability calls per invocation.
	MaxHostCalls int `json:"max_host_calls" yaml:"max_host_calls" validate:"gt=0"`
}

// DefaultLimits returns the default caps.
func DefaultLimits() Limits {
	return Limits{
		MaxOutputBytes: DefaultMaxOutputBytes,
		MemoryBytes:    DefaultMemoryBytes,
		Timeout:        DefaultTimeout,
		MaxSteps:       DefaultMaxSteps,
		MaxHostCalls:   DefaultMaxHostCalls,
	}
}

// withDefaults fills zero fields from DefaultLimits.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = d.MaxOutputBytes
	}
	if l.MemoryBytes == 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.Timeout <= 0 {
		l.Timeout = d.Timeout
	}
	if l.MaxSteps == 0 {
		l.MaxSteps = d.MaxSteps
	}
	if l.MaxHostCalls <= 0 {
		l.MaxHostCalls = d.MaxHostCalls
	}
	return l
}

// memoryPages converts MemoryBytes to wasm pages, never below one.
func (l Limits) memoryPages() uint32 {
	pages := l.MemoryBytes / wasmPageSize
	if pages == 0 {
		return 1
	}
	if pages > 65536 {
		return 65536
	}
	return uint32(pages)
}

// String renders the limits for logs.
func (l Limits) String() string {
	return fmt.Sprintf("output=%dB memory=%dB timeout=%s steps=%d host_calls=%d",
		l.MaxOutputBytes, l.MemoryBytes, l.Timeout, l.MaxSteps, l.MaxHostCalls)
}
