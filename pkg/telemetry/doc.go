// Package telemetry provides observability for provisioning runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event publisher. The Observer type
// plugs all four into the lifecycle engine:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(exec, engine.WithObserver(tel.Observer()))
//
// Each run gets a "provision.run" span with one "provision.step.<name>"
// child per executor call. Metrics cover runs, steps, error kinds,
// diagnostics by severity and conformance outcomes. Events carry
// identifiers and statuses only; secret values never reach a log line,
// span attribute or event payload.
package telemetry
