package conformance

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/diag"
	"github.com/openfroyo/provision/pkg/discovery"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/plan"
	"github.com/openfroyo/provision/pkg/policy"
)

const strictSetup = `
def run(request):
    step = request["step"]
    answers = request["inputs"]["answers"] or {}
    if step == "validate":
        diags = []
        if type(answers.get("region")) != "string":
            diags.append({"severity": "error", "code": "demo.region.invalid",
                          "message": "region must be a string", "path": "/answers/region"})
        for k in answers:
            if k != "region":
                diags.append({"severity": "error", "code": "demo.answers.unknown",
                              "message": "unknown answer " + k, "path": "/answers/" + k})
        return {"diagnostics": diags}
    if step == "apply":
        return {"plan": {
            "config_patch": {"region": answers["region"]},
            "secrets_patch": [{"op": "set", "key": "api_token", "value": "tok-" + answers["region"] + "-secret"}],
            "webhook_ops": [{"op": "register", "id": "events", "url": request["inputs"]["public_base_url"] + "/hook"}],
        }}
    if step == "summary":
        return {"plan": {"notes": ["configured " + answers["region"]]}}
    return {}
`

const laxSetup = `
def run(request):
    answers = request["inputs"]["answers"] or {}
    if request["step"] == "apply":
        return {"plan": {"config_patch": {"region": answers["region"]}}}
    return {}
`

// writePack creates <root>/<dir> holding a manifest and starlark units.
func writePack(t *testing.T, root, dir, manifest string, units map[string]string) string {
	t.Helper()
	p := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(filepath.Join(p, "units"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p, "pack.json"), []byte(manifest), 0o644))
	for name, src := range units {
		require.NoError(t, os.WriteFile(filepath.Join(p, "units", name), []byte(src), 0o644))
	}
	return p
}

func manifestJSON(id string) string {
	return `{"id":"` + id + `","version":"1.0.0","flows":[{"id":"setup","entry":"setup"}]}`
}

func codesOf(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Code)
	}
	return out
}

// scriptedExecutors serves every pack with the same step function.
func scriptedExecutors(fn engine.StepExecutorFunc) ExecutorFactory {
	return func(*discovery.Pack, *discovery.Descriptor) (engine.StepExecutor, error) {
		return fn, nil
	}
}

func TestHarnessPassingPack(t *testing.T) {
	root := t.TempDir()
	src := writePack(t, root, "demo", manifestJSON("acme.demo"), map[string]string{"setup.star": strictSetup})

	h := New(WithWorkers(2))
	report, err := h.Run(context.Background(), []string{src}, []Fixture{{Name: "eu", Answers: map[string]any{"region": "eu"}}})
	require.NoError(t, err)

	require.Len(t, report.Packs, 1)
	pr := report.Packs[0]
	assert.Equal(t, "acme.demo", pr.Pack)
	assert.Equal(t, "1.0.0", pr.Version)
	assert.Empty(t, pr.Violations)
	assert.True(t, pr.OK)
	assert.True(t, report.OK())
}

func TestHarnessDetectsViolations(t *testing.T) {
	var calls atomic.Int64
	exec := engine.StepExecutorFunc(func(_ context.Context, step engine.Step, _ *engine.Context) (*engine.StepOutput, error) {
		switch step {
		case engine.StepCollect:
			frag := plan.Empty()
			frag.SecretsPatch = []plan.SecretOp{{Op: plan.SecretSet, Key: "token", Value: plan.NewSecretValue("hunter22")}}
			// questions are reported as-is, so the secret leaks through them
			return &engine.StepOutput{Plan: &frag, Questions: map[string]any{"hint": "hunter22"}}, nil
		case engine.StepApply:
			frag := plan.Empty()
			frag.ConfigPatch["counter"] = calls.Add(1)
			frag.WebhookOps = []plan.WebhookOp{{Op: plan.OpRegister, URL: "https://example.invalid/hook"}}
			return &engine.StepOutput{Plan: &frag}, nil
		case engine.StepSummary:
			return nil, errors.New("summary crashed")
		}
		return &engine.StepOutput{}, nil
	})

	src := writePack(t, t.TempDir(), "bad", manifestJSON("acme.bad"), nil)
	report, err := New(WithExecutors(scriptedExecutors(exec))).Run(context.Background(), []string{src}, nil)
	require.NoError(t, err)

	pr := report.Packs[0]
	assert.False(t, pr.OK)
	codes := codesOf(pr.Violations)
	assert.Contains(t, codes, CodeSecretLeak)
	assert.Contains(t, codes, CodeDeterminism)
	assert.Contains(t, codes, CodeEmptyTarget)
	assert.Contains(t, codes, CodeExecutionTrap)
	for _, v := range pr.Violations {
		assert.Equal(t, EmptyFixtureName, v.Fixture)
		assert.NotContains(t, v.Message, "hunter22")
	}
}

func TestHarnessPolicies(t *testing.T) {
	exec := engine.StepExecutorFunc(func(_ context.Context, step engine.Step, _ *engine.Context) (*engine.StepOutput, error) {
		if step != engine.StepApply {
			return &engine.StepOutput{}, nil
		}
		frag := plan.Empty()
		frag.SecretsPatch = []plan.SecretOp{{Op: plan.SecretSet, Key: "API_TOKEN", Value: plan.NewSecretValue("abcdef")}}
		return &engine.StepOutput{Plan: &frag}, nil
	})
	pe, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)

	src := writePack(t, t.TempDir(), "policy", manifestJSON("acme.policy"), nil)
	report, err := New(WithExecutors(scriptedExecutors(exec)), WithPolicy(pe)).Run(context.Background(), []string{src}, nil)
	require.NoError(t, err)

	require.Len(t, report.Packs[0].Violations, 1)
	v := report.Packs[0].Violations[0]
	assert.Equal(t, CodePolicy, v.Code)
	assert.True(t, strings.HasPrefix(v.Message, "secret-keys: "), v.Message)
}

func TestHarnessUnusablePacks(t *testing.T) {
	root := t.TempDir()
	noManifest := filepath.Join(root, "zz-empty")
	require.NoError(t, os.MkdirAll(noManifest, 0o755))
	noSetup := writePack(t, root, "nosetup", `{"id":"acme.nosetup","version":"2.0.0","flows":[{"id":"other"}]}`, nil)
	requirements := writePack(t, root, "reqs",
		`{"id":"acme.reqs","version":"1.0.0","meta":{"entry_flows":{"setup":"setup","requirements":"requirements"}}}`,
		map[string]string{
			"setup.star":        laxSetup,
			"requirements.star": "def run(request):\n    fail(\"missing dependency\")\n",
		})

	report, err := New().Run(context.Background(), []string{noManifest, noSetup, requirements}, nil)
	require.NoError(t, err)
	require.Len(t, report.Packs, 3)

	// sorted by pack id
	assert.Equal(t, "acme.nosetup", report.Packs[0].Pack)
	assert.Equal(t, []string{CodeDiscovery}, codesOf(report.Packs[0].Violations))
	assert.Equal(t, "2.0.0", report.Packs[0].Version)

	assert.Equal(t, "acme.reqs", report.Packs[1].Pack)
	require.Equal(t, []string{CodeRequirements}, codesOf(report.Packs[1].Violations))
	assert.Contains(t, report.Packs[1].Violations[0].Message, "requirements failed")

	assert.Equal(t, "zz-empty", report.Packs[2].Pack)
	assert.Equal(t, []string{CodePackUnreadable}, codesOf(report.Packs[2].Violations))
	assert.False(t, report.OK())
	assert.Len(t, report.Failed(), 3)
}

func TestHarnessFuzz(t *testing.T) {
	root := t.TempDir()
	strict := writePack(t, root, "strict", manifestJSON("acme.strict"), map[string]string{"setup.star": strictSetup})
	lax := writePack(t, root, "lax", manifestJSON("acme.lax"), map[string]string{"setup.star": laxSetup})

	mutator, err := NewMutator(DefaultMutations...)
	require.NoError(t, err)

	fixtures := []Fixture{{Name: "eu", Answers: map[string]any{"region": "eu"}, Required: []string{"region"}}}
	report, err := New(WithMutator(mutator)).Run(context.Background(), []string{strict, lax}, fixtures)
	require.NoError(t, err)
	require.Len(t, report.Packs, 2)

	laxReport, strictReport := report.Packs[0], report.Packs[1]
	assert.Equal(t, "acme.strict", strictReport.Pack)
	assert.Empty(t, strictReport.Violations)

	assert.Equal(t, "acme.lax", laxReport.Pack)
	var accepted, applyTraps []string
	for _, v := range laxReport.Violations {
		switch v.Code {
		case CodeFuzzAccepted:
			accepted = append(accepted, v.Fixture)
		case CodeFuzzApplyTrap:
			applyTraps = append(applyTraps, v.Fixture)
		}
	}
	assert.Contains(t, accepted, "eu~drop:region")
	assert.Contains(t, accepted, "eu~retype:region")
	assert.Contains(t, accepted, "eu~inject")
	assert.Contains(t, applyTraps, "eu~drop:region")
}

const optionalZoneSetup = `
def run(request):
    step = request["step"]
    answers = request["inputs"]["answers"] or {}
    if step == "validate":
        diags = []
        if type(answers.get("region")) != "string":
            diags.append({"severity": "error", "code": "demo.region.invalid",
                          "message": "region must be a string", "path": "/answers/region"})
        for k in answers:
            if k not in ["region", "zone"]:
                diags.append({"severity": "error", "code": "demo.answers.unknown",
                              "message": "unknown answer " + k, "path": "/answers/" + k})
        return {"diagnostics": diags}
    if step == "apply":
        return {"plan": {"config_patch": {"region": answers["region"], "zone": str(answers.get("zone", "default"))}}}
    return {}
`

func TestHarnessFuzzKeepsOptionalAnswers(t *testing.T) {
	root := t.TempDir()
	pack := writePack(t, root, "zoned", manifestJSON("acme.zoned"), map[string]string{"setup.star": optionalZoneSetup})

	mutator, err := NewMutator(DefaultMutations...)
	require.NoError(t, err)

	fixtures := []Fixture{{
		Name:     "eu",
		Answers:  map[string]any{"region": "eu", "zone": "eu-1"},
		Required: []string{"region"},
	}}
	report, err := New(WithMutator(mutator)).Run(context.Background(), []string{pack}, fixtures)
	require.NoError(t, err)
	require.Len(t, report.Packs, 1)

	// dropping or retyping zone is accepted by the pack and must not count
	// against it
	assert.Empty(t, report.Packs[0].Violations)
	assert.True(t, report.OK())
}

func TestHarnessArtifacts(t *testing.T) {
	root := t.TempDir()
	artifacts := filepath.Join(root, "artifacts")
	good := writePack(t, root, "good", manifestJSON("acme.good"), map[string]string{"setup.star": strictSetup})
	bad := writePack(t, root, "bad", manifestJSON("acme.bad"), map[string]string{
		"setup.star": "def run(request):\n    if request[\"step\"] == \"apply\":\n        fail(\"boom\")\n    return {}\n",
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	h := New(WithArtifacts(artifacts), WithClock(func() time.Time { return now }))
	report, err := h.Run(context.Background(), []string{good, bad}, nil)
	require.NoError(t, err)

	badReport := report.Packs[0]
	require.Equal(t, "acme.bad", badReport.Pack)
	wantDir := filepath.Join(artifacts, "acme.bad", now.Format(artifactTimeLayout))
	assert.Equal(t, wantDir, badReport.Artifacts)
	for _, name := range []string{"inputs.json", "step_outputs.json", "diagnostics.json", "pack.json"} {
		assert.FileExists(t, filepath.Join(wantDir, name))
	}

	var inputs map[string]engine.Inputs
	data, err := os.ReadFile(filepath.Join(wantDir, "inputs.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &inputs))
	assert.Equal(t, "acme.bad", inputs[EmptyFixtureName].ProviderID)
	assert.Equal(t, "acme.bad-install", inputs[EmptyFixtureName].InstallID)
	assert.Equal(t, DefaultPublicBaseURL, inputs[EmptyFixtureName].PublicBaseURL)

	var diags map[string]diag.List
	data, err = os.ReadFile(filepath.Join(wantDir, "diagnostics.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &diags))
	assert.Contains(t, diags[EmptyFixtureName].Codes(), diag.CodeExecutorTrap)

	log, err := os.ReadFile(filepath.Join(artifacts, LogDir, "acme.bad.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "pack=acme.bad\nversion=1.0.0\nok=false\n")
	assert.Contains(t, string(log), "- "+CodeExecutionTrap+" [empty] (apply)")

	log, err = os.ReadFile(filepath.Join(artifacts, LogDir, "acme.good.log"))
	require.NoError(t, err)
	assert.Equal(t, "pack=acme.good\nversion=1.0.0\nok=true\n", string(log))
	assert.NoDirExists(t, filepath.Join(artifacts, "acme.good"))
}

func TestReportEncodeIsStable(t *testing.T) {
	root := t.TempDir()
	a := writePack(t, root, "a", manifestJSON("acme.a"), map[string]string{"setup.star": strictSetup})
	b := writePack(t, root, "b", manifestJSON("acme.b"), map[string]string{"setup.star": laxSetup})

	encode := func(corpus []string) string {
		report, err := New(WithWorkers(4)).Run(context.Background(), corpus, nil)
		require.NoError(t, err)
		data, err := report.Encode()
		require.NoError(t, err)
		return string(data)
	}

	first := encode([]string{a, b})
	assert.Equal(t, first, encode([]string{b, a}))

	r := &Report{Packs: []PackReport{{OK: true, Pack: "p", Version: "1"}}}
	data, err := r.Encode()
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"packs\": [\n    {\n      \"ok\": true,\n      \"pack\": \"p\",\n      \"version\": \"1\",\n      \"violations\": []\n    }\n  ]\n}\n", string(data))
}

func TestHarnessCancelled(t *testing.T) {
	src := writePack(t, t.TempDir(), "demo", manifestJSON("acme.demo"), map[string]string{"setup.star": strictSetup})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Run(ctx, []string{src}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
