// Package engine drives a pack's setup flow through the provisioning lifecycle.
//
// # Overview
//
// A run executes four steps in a fixed order:
//
//  1. Collect - gather answers and optionally ask further questions
//  2. Validate - reject malformed answers with error diagnostics
//  3. Apply - describe the desired side effects as a plan fragment
//  4. Summary - report what the plan will do
//
// Each step is executed by a StepExecutor that receives a Context built fresh
// for that step: the run inputs, the mode, the step and the outputs of every
// prior step. Step outputs are folded into an accumulating plan.Plan with pure
// merges, and their diagnostics are tagged with the step and appended to the
// result.
//
// # State Machine
//
// The run starts in StateCollect and ends in StateDone or StateFailed. The only
// conditional skip is validation gating: when Validate reports an error
// diagnostic, Apply and Summary never run. Executor failures (traps, resource
// limits, malformed output) become a synthetic error diagnostic with a reserved
// code and also end the run in StateFailed. Callers always receive a Result
// with whatever plan and diagnostics were accumulated; Run only returns an
// error for host-level problems such as invalid inputs.
//
// # Modes
//
// Mode is metadata. The engine forwards it to the executor and never performs
// writes itself. ModeDryRun runs all four steps; the executor is responsible
// for mocking capability calls in that mode.
//
// # Errors
//
// Error carries a Kind from a fixed taxonomy (execution traps, resource limits,
// malformed output, validation rejections, merge conflicts, serialization
// non-determinism). Use IsTrap, IsResourceExceeded and friends to inspect
// wrapped errors.
//
// # Example
//
//	eng := engine.New(executor.Inert{})
//	res, err := eng.Run(ctx, descriptor, engine.Inputs{
//	    ProviderID: "mail",
//	    InstallID:  "install-1",
//	}, engine.ModeDryRun)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.State, len(res.Diagnostics))
package engine
