package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DecodeStepOutput parses a step output payload strictly. Unknown fields,
// trailing data, invalid severities, diagnostics without code or message and
// questions outside the collect step are malformed output.
func DecodeStepOutput(data []byte, step Step) (*StepOutput, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewMalformedOutputError("unit produced no output", nil).WithStep(step)
	}
	if trimmed[0] != '{' {
		return nil, NewMalformedOutputError("output must be a JSON object", nil).WithStep(step)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	var out StepOutput
	if err := dec.Decode(&out); err != nil {
		return nil, NewMalformedOutputError("output does not match the step output shape", err).WithStep(step)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, NewMalformedOutputError("unexpected data after the output object", nil).WithStep(step)
	}

	for i, d := range out.Diagnostics {
		if err := d.Severity.Validate(); err != nil {
			return nil, NewMalformedOutputError(fmt.Sprintf("diagnostic %d", i), err).WithStep(step)
		}
		if strings.TrimSpace(d.Code) == "" || strings.TrimSpace(d.Message) == "" {
			return nil, NewMalformedOutputError(fmt.Sprintf("diagnostic %d needs a code and a message", i), nil).WithStep(step)
		}
		// the step tag is owned by the engine
		out.Diagnostics[i].Step = ""
	}
	if out.Questions != nil && step != StepCollect {
		return nil, NewMalformedOutputError("questions are only allowed in the collect step", nil).WithStep(step)
	}
	return &out, nil
}
