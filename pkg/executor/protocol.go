package executor

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/provision/pkg/engine"
)

// Request is the JSON document handed to a unit for one step.
type Request struct {
	Step     engine.Step          `json:"step"`
	Mode     engine.Mode          `json:"mode"`
	Flow     string               `json:"flow"`
	Pack     PackRef              `json:"pack"`
	Inputs   engine.Inputs        `json:"inputs"`
	Previous []engine.PriorOutput `json:"previous"`
}

// PackRef identifies the pack a unit belongs to.
type PackRef struct {
	ID           string   `json:"id"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// NewRequest builds the unit request for pctx.
func NewRequest(pctx *engine.Context) Request {
	prev := pctx.Previous
	if prev == nil {
		prev = []engine.PriorOutput{}
	}
	caps := pctx.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return Request{
		Step:     pctx.Step,
		Mode:     pctx.Mode,
		Flow:     pctx.Flow,
		Pack:     PackRef{ID: pctx.PackID, Version: pctx.PackVersion, Capabilities: caps},
		Inputs:   pctx.Inputs,
		Previous: prev,
	}
}

// Encode marshals the request. Secret values in prior outputs render
// redacted.
func (r Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode unit request: %w", err)
	}
	return data, nil
}

// checkOutputSize rejects payloads above the output cap.
func checkOutputSize(out []byte, limits Limits, step engine.Step, unit string) error {
	if len(out) > limits.MaxOutputBytes {
		return engine.NewResourceExceededError(
			fmt.Sprintf("output of %d bytes exceeds the %d byte cap", len(out), limits.MaxOutputBytes), nil).
			WithStep(step).WithUnit(unit)
	}
	return nil
}
