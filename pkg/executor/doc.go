// Package executor provides the step executors used by the lifecycle engine.
//
// Inert runs no pack code and is used to exercise the engine and CLI. Sandbox
// resolves pack units by name and runs them in an isolated runtime:
//
//   - WebAssembly units (.wasm) run under wazero with a memory page ceiling,
//     a context deadline that halts hung guests, and no WASI file system,
//     environment or network.
//   - Starlark units (.star) run with an interpreter step budget and a
//     wall-clock deadline that cancels the thread.
//
// Units exchange JSON with the host. The request carries the step, mode,
// inputs and prior step outputs; the response is a step output document.
// Capability calls made by units go through a CapabilityRouter, which denies
// undeclared capabilities and anything without a host surface, mocks granted
// calls in dry_run mode and forwards them to adapters otherwise.
package executor
