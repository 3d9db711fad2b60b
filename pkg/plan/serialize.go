package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SerializeDeterministic renders p as canonical JSON. Map keys are sorted,
// operation lists are ordered by idempotency key, empty collections render as
// empty rather than null, and secret values render as the redaction marker.
// Two plans with the same logical content always produce identical bytes.
func (p Plan) SerializeDeterministic() ([]byte, error) {
	canonical := Empty().Merge(p)
	for k, v := range canonical.ConfigPatch {
		norm, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("config key %q: %w", k, err)
		}
		canonical.ConfigPatch[k] = norm
	}
	normalizeMetadata := func(m map[string]any) (map[string]any, error) {
		if m == nil {
			return nil, nil
		}
		norm, err := normalize(m)
		if err != nil {
			return nil, err
		}
		out, _ := norm.(map[string]any)
		return out, nil
	}
	for i := range canonical.WebhookOps {
		m, err := normalizeMetadata(canonical.WebhookOps[i].Metadata)
		if err != nil {
			return nil, fmt.Errorf("webhook %q metadata: %w", canonical.WebhookOps[i].ID, err)
		}
		canonical.WebhookOps[i].Metadata = m
	}
	for i := range canonical.SubscriptionOps {
		m, err := normalizeMetadata(canonical.SubscriptionOps[i].Metadata)
		if err != nil {
			return nil, fmt.Errorf("subscription %q metadata: %w", canonical.SubscriptionOps[i].ID, err)
		}
		canonical.SubscriptionOps[i].Metadata = m
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical); err != nil {
		return nil, fmt.Errorf("failed to serialize plan: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Equal reports whether a and b have the same logical content.
func Equal(a, b Plan) bool {
	ab, errA := a.SerializeDeterministic()
	bb, errB := b.SerializeDeterministic()
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

// normalize converts v into plain JSON types so numbers and nested structs
// render the same regardless of the Go type they arrived in.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
