// Package conformance checks packs against the provisioning contract.
//
// A Harness opens every pack in a corpus, runs its requirements flow when it
// has one and drives the lifecycle in dry_run once per answers fixture. Each
// run is checked for:
//
//   - byte-identical plans across two runs with the same inputs
//   - secret values produced by a step showing up in the report material
//   - lifecycle step order
//   - agreement between the accumulated plan and a re-fold of the raw
//     step fragments, folded both left and right nested
//   - operations without a target and other structural plan errors
//   - error-severity plan policy violations, when a policy is configured
//   - executor traps
//
// With a Mutator, fixtures whose Validate step passed are perturbed with jq
// programs and re-run: Validate must reject each mutant with actionable
// error diagnostics, and a mutant Validate lets through must not trap in
// Apply.
//
// Failures never abort the corpus. They are collected per pack with stable
// codes, and the failing runs are persisted under
// <artifacts>/<pack>/<timestamp>/ together with a per-pack log.
package conformance
