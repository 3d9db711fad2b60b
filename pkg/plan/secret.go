package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RedactedMarker is what every secret value renders as in JSON.
const RedactedMarker = `{"redacted":true}`

// ErrAuditRequired is returned when plaintext is requested without an audit record.
var ErrAuditRequired = errors.New("revealing secret values requires an audit record with actor and reason")

// SecretValue holds an opaque secret. Its plaintext is never marshaled; it is
// only reachable through Reveal with an audit record.
type SecretValue struct {
	plaintext string
	present   bool
}

// NewSecretValue wraps plaintext.
func NewSecretValue(plaintext string) *SecretValue {
	return &SecretValue{plaintext: plaintext, present: true}
}

// Redacted returns a value that carries no plaintext.
func Redacted() *SecretValue {
	return &SecretValue{}
}

// HasPlaintext reports whether the value still holds its plaintext.
func (v *SecretValue) HasPlaintext() bool {
	return v != nil && v.present
}

// Audit records who asked for plaintext and why.
type Audit struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// Validate checks that the audit record is complete.
func (a Audit) Validate() error {
	if strings.TrimSpace(a.Actor) == "" || strings.TrimSpace(a.Reason) == "" {
		return ErrAuditRequired
	}
	return nil
}

// Reveal returns the plaintext. The second result is false when the value was
// already redacted.
func (v *SecretValue) Reveal(audit Audit) (string, bool, error) {
	if err := audit.Validate(); err != nil {
		return "", false, err
	}
	if !v.HasPlaintext() {
		return "", false, nil
	}
	return v.plaintext, true, nil
}

// MarshalJSON always renders the redaction marker.
func (v SecretValue) MarshalJSON() ([]byte, error) {
	return []byte(RedactedMarker), nil
}

// String keeps secrets out of %v and %s formatting.
func (v SecretValue) String() string {
	return "<redacted>"
}

// GoString keeps secrets out of %#v formatting.
func (v SecretValue) GoString() string {
	return "plan.SecretValue{<redacted>}"
}

// UnmarshalJSON accepts a bare string, an object {"redacted": bool, "value": string}
// or null.
func (v *SecretValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = SecretValue{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = SecretValue{plaintext: s, present: true}
		return nil
	}

	var wire struct {
		Redacted bool    `json:"redacted"`
		Value    *string `json:"value"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("secret value must be a string or {redacted, value} object: %w", err)
	}
	if wire.Value == nil {
		*v = SecretValue{}
		return nil
	}
	*v = SecretValue{plaintext: *wire.Value, present: true}
	return nil
}

// RedactedView returns a copy of p whose secret values carry no plaintext.
// Key names and operation kinds stay visible.
func (p Plan) RedactedView() Plan {
	out := p.Clone()
	for i := range out.SecretsPatch {
		if out.SecretsPatch[i].Value != nil {
			out.SecretsPatch[i].Value = Redacted()
		}
	}
	return out
}

// RevealedSecretOp is a secret operation with its plaintext exposed.
type RevealedSecretOp struct {
	Op    SecretOpKind `json:"op"`
	Key   string       `json:"key"`
	Value *string      `json:"value,omitempty"`
}

// RevealedPlan is a plan rendering that exposes secret plaintext. It exists
// only as the result of UnredactedView.
type RevealedPlan struct {
	Plan
	SecretsPatch []RevealedSecretOp `json:"secrets_patch"`
	Audit        Audit              `json:"audit"`
}

// UnredactedView exposes secret plaintext. The audit record is required and
// embedded in the rendering.
func (p Plan) UnredactedView(audit Audit) (RevealedPlan, error) {
	if err := audit.Validate(); err != nil {
		return RevealedPlan{}, err
	}
	out := RevealedPlan{Plan: p.Clone(), Audit: audit}
	out.SecretsPatch = make([]RevealedSecretOp, 0, len(p.SecretsPatch))
	for _, op := range p.SecretsPatch {
		r := RevealedSecretOp{Op: op.Op, Key: op.Key}
		if s, ok, _ := op.Value.Reveal(audit); ok {
			r.Value = &s
		}
		out.SecretsPatch = append(out.SecretsPatch, r)
	}
	return out, nil
}

// SecretValues returns the plaintext of every secret in p, in key order.
// It is meant for scrubbing and leak checks, never for rendering.
func (p Plan) SecretValues() []string {
	var out []string
	for _, op := range p.SecretsPatch {
		if op.Value.HasPlaintext() {
			out = append(out, op.Value.plaintext)
		}
	}
	return out
}
