package telemetry

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/provision/pkg/diag"
	"github.com/openfroyo/provision/pkg/discovery"
	"github.com/openfroyo/provision/pkg/engine"
)

type observed struct {
	logs    *bytes.Buffer
	spans   *tracetest.SpanRecorder
	metrics *Metrics
	events  *EventPublisher

	mu    sync.Mutex
	types []string
}

func newObserved(t *testing.T) (*observed, *Observer) {
	t.Helper()

	o := &observed{logs: &bytes.Buffer{}, spans: tracetest.NewSpanRecorder()}
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, o.logs)
	tracer := NewTracerWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(o.spans)), "test")

	var err error
	o.metrics, err = NewMetrics(MetricsConfig{Enabled: true, Namespace: "provision"})
	require.NoError(t, err)
	o.events, err = NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16})
	require.NoError(t, err)
	o.events.Subscribe(func(e Event) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.types = append(o.types, e.Type)
	}, nil)

	return o, NewObserver(logger, tracer, o.metrics, o.events)
}

func runPack(t *testing.T, obs engine.Observer, exec engine.StepExecutor) *engine.Result {
	t.Helper()

	eng := engine.New(exec,
		engine.WithObserver(obs),
		engine.WithRunIDGenerator(func() string { return "run-1" }),
	)
	res, err := eng.Run(context.Background(),
		&discovery.Descriptor{PackID: "acme.mail", PackVersion: "1.2.0", SetupEntryFlow: "setup_default"},
		engine.Inputs{ProviderID: "mail", InstallID: "install-1"},
		engine.ModeDryRun)
	require.NoError(t, err)
	return res
}

func TestObserverRecordsSuccessfulRun(t *testing.T) {
	o, obs := newObserved(t)

	res := runPack(t, obs, engine.NewFixtureExecutor(map[engine.Step]*engine.StepOutput{
		engine.StepValidate: {Diagnostics: diag.List{diag.Warning("acme.region", "region is deprecated")}},
	}))
	require.True(t, res.Succeeded())

	ended := o.spans.Ended()
	require.Len(t, ended, 5)

	var run sdktrace.ReadOnlySpan
	for _, s := range ended {
		if s.Name() == "provision.run" {
			run = s
		}
	}
	require.NotNil(t, run)
	assert.Equal(t, codes.Ok, run.Status().Code)
	for _, s := range ended {
		if s == run {
			continue
		}
		assert.Equal(t, run.SpanContext().SpanID(), s.Parent().SpanID(), "step span %s", s.Name())
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.runsCompleted.WithLabelValues("dry_run", "done")))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.metrics.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.stepsExecuted.WithLabelValues("summary", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.diagnostics.WithLabelValues("warning")))

	assert.Equal(t, []string{
		EventTypeRunStarted,
		EventTypeStepFinished, EventTypeStepFinished, EventTypeStepFinished, EventTypeStepFinished,
		EventTypeRunCompleted,
	}, o.types)

	logs := o.logs.String()
	assert.Contains(t, logs, `"run_id":"run-1"`)
	assert.Contains(t, logs, `"pack_id":"acme.mail"`)
	assert.Contains(t, logs, "run finished")
}

func TestObserverRecordsTrap(t *testing.T) {
	o, obs := newObserved(t)

	res := runPack(t, obs, engine.StepExecutorFunc(func(_ context.Context, step engine.Step, _ *engine.Context) (*engine.StepOutput, error) {
		if step == engine.StepApply {
			return nil, engine.NewTrapError("unit panicked", nil)
		}
		return &engine.StepOutput{}, nil
	}))
	require.False(t, res.Succeeded())

	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.errorsByKind.WithLabelValues(string(engine.KindExecutionTrap))))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.runsCompleted.WithLabelValues("dry_run", "failed")))
	assert.Contains(t, o.types, EventTypeStepTrapped)
	assert.Equal(t, EventTypeRunFailed, o.types[len(o.types)-1])

	for _, s := range o.spans.Ended() {
		if s.Name() == "provision.step.apply" || s.Name() == "provision.run" {
			assert.Equal(t, codes.Error, s.Status().Code, s.Name())
		}
	}
	assert.Contains(t, o.logs.String(), `"error_kind":"execution_trap"`)
}

func TestObserverWithoutSinks(t *testing.T) {
	res := runPack(t, NewObserver(nil, nil, nil, nil), engine.NewFixtureExecutor(nil))
	assert.True(t, res.Succeeded())
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	m.RecordRunStarted("install")
	m.RecordStep("collect", "ok", 0)
	m.RecordConformancePack(false)
	m.RecordConformanceViolation("secret_leak")
	assert.NoError(t, m.StartMetricsServer(context.Background(), nil))
}

func TestAsyncEventsDrainOnShutdown(t *testing.T) {
	events, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 64, MaxBatchSize: 8, EnableAsync: true})
	require.NoError(t, err)

	var mu sync.Mutex
	var got int
	events.Subscribe(func(Event) {
		mu.Lock()
		got++
		mu.Unlock()
	}, FilterByRunID("run-1"))

	for i := 0; i < 20; i++ {
		require.NoError(t, events.PublishRunStarted("run-1", "acme.mail", "install"))
	}
	require.NoError(t, events.PublishRunStarted("run-2", "acme.mail", "install"))
	require.NoError(t, events.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, got)
	assert.Error(t, events.Publish(Event{Type: EventTypeRunStarted}))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, ProductionConfig().Validate())

	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "zipkin"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 2
	assert.Error(t, cfg.Validate())
}
