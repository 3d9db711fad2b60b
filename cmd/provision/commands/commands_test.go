package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/config"
)

const demoSetup = `
def run(request):
    step = request["step"]
    answers = request["inputs"]["answers"] or {}
    if step == "validate":
        if type(answers.get("region")) != "string":
            return {"diagnostics": [{"severity": "error", "code": "demo.region.invalid",
                                     "message": "region must be a string", "path": "/answers/region"}]}
        return {}
    if step == "apply":
        return {"plan": {
            "config_patch": {"region": answers["region"]},
            "secrets_patch": [{"op": "set", "key": "api_token", "value": "tok-" + answers["region"] + "-secret"}],
        }}
    if step == "summary":
        return {"plan": {"notes": ["configured " + answers["region"]]}}
    return {}
`

const brokenSetup = `
def run(request):
    if request["step"] == "apply":
        return {"plan": {"config_patch": {"region": request["inputs"]["answers"]["region"]}}}
    return {}
`

func writeTestPack(t *testing.T, root, name, setup string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "units"), 0o755))
	manifest := `{"id":"acme.` + name + `","version":"1.0.0","flows":[{"id":"setup","entry":"setup"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pack.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "units", "setup.star"), []byte(setup), 0o644))
	return dir
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvPrefix+"STORE_PATH", filepath.Join(t.TempDir(), "provision.db"))
	t.Setenv(config.EnvPrefix+"LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCommand("test", "none", "now")
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(err error) int {
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return -1
}

func TestPackInspect(t *testing.T) {
	dir := writeTestPack(t, t.TempDir(), "mail", demoSetup)

	out, err := run(t, "pack", "inspect", dir, "--json")
	require.NoError(t, err)

	var got struct {
		Source         string `json:"source"`
		ManifestDigest string `json:"manifest_digest"`
		Descriptor     struct {
			PackID         string `json:"pack_id"`
			SetupEntryFlow string `json:"setup_entry_flow"`
		} `json:"descriptor"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, dir, got.Source)
	assert.Len(t, got.ManifestDigest, 64)
	assert.Equal(t, "acme.mail", got.Descriptor.PackID)
	assert.Equal(t, "setup", got.Descriptor.SetupEntryFlow)

	out, err = run(t, "pack", "inspect", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "acme.mail@1.0.0")

	_, err = run(t, "pack", "inspect", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestPackList(t *testing.T) {
	root := t.TempDir()
	writeTestPack(t, root, "mail", demoSetup)
	writeTestPack(t, root, "chat", demoSetup)

	out, err := run(t, "pack", "list", filepath.Join(root, "*"), "--json")
	require.NoError(t, err)

	var got []string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, []string{filepath.Join(root, "chat"), filepath.Join(root, "mail")}, got)
}

func TestDryRun(t *testing.T) {
	root := t.TempDir()
	dir := writeTestPack(t, root, "mail", demoSetup)
	answers := filepath.Join(root, "answers.yaml")
	require.NoError(t, os.WriteFile(answers, []byte("answers:\n  region: eu\n"), 0o644))

	out, err := run(t, "dry-run", dir, "--answers", answers, "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "tok-eu-secret")

	var res struct {
		State string `json:"state"`
		Mode  string `json:"mode"`
		Plan  struct {
			ConfigPatch map[string]any `json:"config_patch"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "done", res.State)
	assert.Equal(t, "dry_run", res.Mode)
	assert.Equal(t, "eu", res.Plan.ConfigPatch["region"])

	out, err = run(t, "dry-run", dir, "--executor", "inert")
	require.NoError(t, err)
	assert.Contains(t, out, "-> done")
}

func TestDryRunRejected(t *testing.T) {
	dir := writeTestPack(t, t.TempDir(), "mail", demoSetup)

	out, err := run(t, "dry-run", dir)
	assert.Equal(t, ExitRunFailed, exitCode(err))
	assert.Contains(t, out, "demo.region.invalid")

	_, err = run(t, "dry-run", dir, "--executor", "wasm")
	assert.ErrorContains(t, err, "unknown executor")
}

func TestApplyInstallThenDelete(t *testing.T) {
	root := t.TempDir()
	dir := writeTestPack(t, root, "mail", demoSetup)
	answers := filepath.Join(root, "answers.json")
	require.NoError(t, os.WriteFile(answers, []byte(`{"answers": {"region": "eu"}}`), 0o644))
	db := filepath.Join(root, "state", "provision.db")

	type output struct {
		Policy struct {
			Allowed bool `json:"allowed"`
		} `json:"policy"`
		Apply struct {
			Mode          string   `json:"mode"`
			ConfigChanges []string `json:"config_changes"`
			SecretSetKeys []string `json:"secret_set_keys"`
			Removed       bool     `json:"removed"`
			InstallRecord struct {
				InstallID string `json:"install_id"`
			} `json:"install_record"`
		} `json:"apply"`
	}

	applyOnce := func(mode string) output {
		t.Helper()
		var out bytes.Buffer
		t.Setenv(config.EnvPrefix+"STORE_PATH", db)
		t.Setenv(config.EnvPrefix+"LOG_LEVEL", "error")
		cmd := newRootCommand("test", "none", "now")
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"apply", dir, "--answers", answers, "--install-id", "mail-1", "--mode", mode, "--json"})
		require.NoError(t, cmd.ExecuteContext(context.Background()))

		var got output
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		assert.NotContains(t, out.String(), "tok-eu-secret")
		return got
	}

	installed := applyOnce("install")
	assert.True(t, installed.Policy.Allowed)
	assert.Equal(t, "install", installed.Apply.Mode)
	assert.Equal(t, []string{"region"}, installed.Apply.ConfigChanges)
	assert.Equal(t, []string{"api_token"}, installed.Apply.SecretSetKeys)
	assert.Equal(t, "mail-1", installed.Apply.InstallRecord.InstallID)

	deleted := applyOnce("delete")
	assert.True(t, deleted.Apply.Removed)

	_, err := run(t, "apply", dir, "--answers", answers)
	assert.Error(t, err)
}

func TestConformance(t *testing.T) {
	root := t.TempDir()
	writeTestPack(t, filepath.Join(root, "packs"), "mail", demoSetup)
	fixtures := filepath.Join(root, "fixtures")
	require.NoError(t, os.MkdirAll(fixtures, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fixtures, "eu.json"), []byte(`{"answers": {"region": "eu"}}`), 0o644))
	report := filepath.Join(root, "report.json")

	_, err := run(t, "conformance",
		"--packs", filepath.Join(root, "packs", "*"),
		"--fixtures", fixtures,
		"--artifacts", filepath.Join(root, "artifacts"),
		"--report", report)
	require.NoError(t, err)

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	var got struct {
		Packs []struct {
			OK   bool   `json:"ok"`
			Pack string `json:"pack"`
		} `json:"packs"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Packs, 1)
	assert.True(t, got.Packs[0].OK)
	assert.Equal(t, "acme.mail", got.Packs[0].Pack)

	writeTestPack(t, filepath.Join(root, "packs"), "broken", brokenSetup)
	out, err := run(t, "conformance",
		"--packs", filepath.Join(root, "packs", "*"),
		"--fixtures", fixtures,
		"--artifacts", filepath.Join(root, "artifacts"))
	assert.Equal(t, ExitNonConform, exitCode(err))
	assert.Contains(t, out, "conformance.execution_trap")
}

func TestExamplesConform(t *testing.T) {
	examples := filepath.Join("..", "..", "..", "examples")
	t.Setenv(config.EnvPrefix+"POLICY_PATHS", filepath.Join(examples, "policies"))
	report := filepath.Join(t.TempDir(), "report.json")

	_, err := run(t, "conformance",
		"--packs", filepath.Join(examples, "packs", "*"),
		"--fixtures", filepath.Join(examples, "fixtures"),
		"--artifacts", filepath.Join(t.TempDir(), "artifacts"),
		"--report", report)
	require.NoError(t, err)

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pack": "example.mail"`)
	assert.NotContains(t, string(data), "correct-horse-battery")
}

func TestDryRunReplay(t *testing.T) {
	root := t.TempDir()
	dir := writeTestPack(t, root, "mail", demoSetup)
	recorded := filepath.Join(root, "recorded")
	require.NoError(t, os.MkdirAll(recorded, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(recorded, "apply.json"),
		[]byte(`{"diagnostics": [], "plan": {"config_patch": {"region": "replayed"}}}`), 0o644))

	out, err := run(t, "dry-run", dir, "--replay", recorded, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"region": "replayed"`)

	_, err = run(t, "dry-run", dir, "--replay", t.TempDir())
	assert.ErrorContains(t, err, "no recorded step outputs")
}
