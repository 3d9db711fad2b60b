package conformance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/provision/pkg/diag"
	"github.com/openfroyo/provision/pkg/discovery"
	"github.com/openfroyo/provision/pkg/engine"
)

// artifactTimeLayout sorts lexically and never repeats within a process.
const artifactTimeLayout = "20060102T150405.000000000Z"

// LogDir is the directory below the artifacts root that holds pack logs.
const LogDir = "logs"

type packArtifact struct {
	Pack       string      `json:"pack"`
	Version    string      `json:"version"`
	Source     string      `json:"source"`
	Digest     string      `json:"manifest_digest,omitempty"`
	Violations []Violation `json:"violations"`
}

// writeArtifacts persists what is needed to reproduce a failing pack under
// <root>/<pack>/<timestamp>/. Each file maps fixture names to the data of
// that fixture's run.
func (h *Harness) writeArtifacts(rep *PackReport, pack *discovery.Pack, runs []fixtureRun) (string, error) {
	dir := filepath.Join(h.artifacts, safeName(rep.Pack), h.clock().UTC().Format(artifactTimeLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	inputs := make(map[string]engine.Inputs, len(runs))
	outputs := make(map[string][]recordedOutput, len(runs))
	diagnostics := make(map[string]diag.List, len(runs))
	for _, run := range runs {
		inputs[run.name] = run.inputs
		outputs[run.name] = scrubOutputs(run)
		if run.result != nil {
			diagnostics[run.name] = run.result.Diagnostics
		} else {
			diagnostics[run.name] = diag.List{}
		}
	}

	meta := packArtifact{
		Pack:       rep.Pack,
		Version:    rep.Version,
		Source:     rep.Source,
		Violations: rep.Violations,
	}
	if pack != nil {
		meta.Digest = pack.Manifest.Digest
	}

	files := []struct {
		name string
		v    any
	}{
		{"inputs.json", inputs},
		{"step_outputs.json", outputs},
		{"diagnostics.json", diagnostics},
		{"pack.json", meta},
	}
	for _, f := range files {
		if err := writeJSON(filepath.Join(dir, f.name), f.v); err != nil {
			return dir, err
		}
	}
	return dir, nil
}

// scrubOutputs masks secret values in the free text of recorded outputs.
// Secret values inside plans already marshal redacted.
func scrubOutputs(run fixtureRun) []recordedOutput {
	out := make([]recordedOutput, len(run.outputs))
	for i, o := range run.outputs {
		o.Output = o.Output.Clone()
		o.Error = run.scrubber.Scrub(o.Error)
		if o.Output != nil {
			for j, d := range o.Output.Diagnostics {
				d.Message = run.scrubber.Scrub(d.Message)
				d.Path = run.scrubber.Scrub(d.Path)
				o.Output.Diagnostics[j] = d
			}
			if o.Output.Plan != nil {
				o.Output.Plan.Notes = scrubAll(o.Output.Plan.Notes, run.scrubber)
			}
		}
		out[i] = o
	}
	return out
}

// writeLog writes <root>/logs/<pack>.log.
func (h *Harness) writeLog(rep *PackReport) error {
	dir := filepath.Join(h.artifacts, LogDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "pack=%s\n", rep.Pack)
	if rep.Version != "" {
		fmt.Fprintf(&b, "version=%s\n", rep.Version)
	}
	fmt.Fprintf(&b, "ok=%t\n", rep.OK)
	if rep.Artifacts != "" {
		fmt.Fprintf(&b, "artifacts=%s\n", rep.Artifacts)
	}
	if len(rep.Violations) > 0 {
		b.WriteString("violations:\n")
		for _, v := range rep.Violations {
			fmt.Fprintf(&b, "- %s", v.Code)
			if v.Fixture != "" {
				fmt.Fprintf(&b, " [%s]", v.Fixture)
			}
			if v.Step != "" {
				fmt.Fprintf(&b, " (%s)", v.Step)
			}
			fmt.Fprintf(&b, ": %s\n", v.Message)
		}
	}
	return os.WriteFile(filepath.Join(dir, safeName(rep.Pack)+".log"), []byte(b.String()), 0o644)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// safeName turns a pack id into a single path element.
func safeName(id string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
