package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/executor"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ExecutorSandbox, cfg.Executor.Kind)
	assert.Equal(t, executor.DefaultLimits(), cfg.Executor.Limits)
	assert.Equal(t, "provision-applier", cfg.Apply.Actor)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "provision.yaml", `
executor:
  kind: inert
  limits:
    timeout: 2s
    max_host_calls: 8
store:
  path: /tmp/provision-test.db
policy:
  paths: [policies]
  enforce: true
telemetry:
  logging:
    level: debug
conformance:
  corpus: ["packs/**"]
  workers: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ExecutorInert, cfg.Executor.Kind)
	assert.Equal(t, 2*time.Second, cfg.Executor.Limits.Timeout)
	assert.Equal(t, 8, cfg.Executor.Limits.MaxHostCalls)
	// untouched fields keep their defaults
	assert.Equal(t, executor.DefaultMaxOutputBytes, cfg.Executor.Limits.MaxOutputBytes)
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
	assert.Equal(t, "console", cfg.Telemetry.Logging.Format)
	assert.Equal(t, []string{"policies"}, cfg.Policy.Paths)
	assert.True(t, cfg.Policy.Enforce)
	assert.Equal(t, []string{"packs/**"}, cfg.Conformance.Corpus)
	assert.Equal(t, 3, cfg.Conformance.Workers)
}

func TestLoadCUE(t *testing.T) {
	path := writeFile(t, "provision.cue", `
executor: {
	kind: "inert"
	limits: timeout: "750ms"
}
apply: actor: "release-bot"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ExecutorInert, cfg.Executor.Kind)
	assert.Equal(t, 750*time.Millisecond, cfg.Executor.Limits.Timeout)
	assert.Equal(t, "release-bot", cfg.Apply.Actor)
}

func TestLoadCUERejectsSchemaViolations(t *testing.T) {
	tests := map[string]string{
		"unknown executor": `executor: kind: "docker"`,
		"unknown field":    `executr: kind: "inert"`,
		"tiny memory":      `executor: limits: memory_bytes: 1024`,
		"bad duration":     `executor: limits: timeout: "soon"`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "provision.cue", src))
			require.Error(t, err)
			var verrs ValidationErrors
			assert.ErrorAs(t, err, &verrs)
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load(writeFile(t, "provision.yaml", "executor:\n  kind: docker\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "provision.toml", ""))
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PROVISION_EXECUTOR":     "inert",
		"PROVISION_STORE_PATH":   "/var/lib/provision.db",
		"PROVISION_POLICY_PATHS": "a.rego, b.rego,",
		"PROVISION_WORKERS":      "4",
		"PROVISION_TIMEOUT":      "1s",
		"PROVISION_LOG_LEVEL":    "warn",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, ExecutorInert, cfg.Executor.Kind)
	assert.Equal(t, "/var/lib/provision.db", cfg.Store.Path)
	assert.Equal(t, []string{"a.rego", "b.rego"}, cfg.Policy.Paths)
	assert.Equal(t, 4, cfg.Conformance.Workers)
	assert.Equal(t, time.Second, cfg.Executor.Limits.Timeout)
	assert.Equal(t, "warn", cfg.Telemetry.Logging.Level)

	bad := Default()
	assert.Error(t, bad.ApplyEnv(func(k string) (string, bool) {
		if k == "PROVISION_WORKERS" {
			return "many", true
		}
		return "", false
	}))
	assert.NoError(t, Default().ApplyEnv(noEnv))
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "PROVISION_TEST_DOTENV=from-file\n")
	t.Setenv("PROVISION_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("PROVISION_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("PROVISION_TEST_DOTENV"))
}

func TestFixtureSchema(t *testing.T) {
	parser := NewCUEParser()

	data, err := parser.EvaluateInline(`
name: "eu-tenant"
answers: {
	region: "eu"
	retries: 2 + 1
}
`, SchemaFixture)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"eu-tenant","answers":{"region":"eu","retries":3}}`, string(data))

	_, err = parser.EvaluateInline(`answers: "eu"`, SchemaFixture)
	assert.Error(t, err)

	assert.NoError(t, parser.Schemas().ValidateAgainstSchema(SchemaFixture, map[string]any{
		"answers": map[string]any{"region": "eu"},
		"tenant":  map[string]any{"env": "prod"},
	}))
	assert.Error(t, parser.Schemas().ValidateAgainstSchema(SchemaFixture, map[string]any{
		"answers": map[string]any{},
		"tenant":  "acme",
	}))
	assert.Equal(t, []string{SchemaConfig, SchemaFixture}, parser.Schemas().ListSchemas())
}

func TestRegisterSchemaRequiresDefinition(t *testing.T) {
	sr := NewSchemaRegistry()
	assert.Error(t, sr.RegisterSchema("broken", `#Other: {a: int}`))
	assert.Error(t, sr.RegisterSchema("syntax", `#Schema: {`))
	require.NoError(t, sr.RegisterSchema("custom", `#Schema: {a: int}`))
	_, ok := sr.GetSchema("custom")
	assert.True(t, ok)
}
