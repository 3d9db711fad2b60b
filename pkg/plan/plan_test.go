package plan

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serialize(t *testing.T, p Plan) string {
	t.Helper()
	b, err := p.SerializeDeterministic()
	require.NoError(t, err)
	return string(b)
}

func TestEmptyPlanSerialization(t *testing.T) {
	got := serialize(t, Empty())
	assert.Equal(t, `{"config_patch":{},"secrets_patch":[],"webhook_ops":[],"subscription_ops":[],"oauth_ops":[],"notes":[]}`, got)

	// a zero Plan renders the same as Empty
	assert.Equal(t, got, serialize(t, Plan{}))
	assert.True(t, Plan{}.IsEmpty())
}

func TestMergeConfigLastWriteWins(t *testing.T) {
	a := Fragment{ConfigPatch: map[string]any{"a": 1}}
	b := Fragment{ConfigPatch: map[string]any{"a": 2}}

	merged := Fold(a, b)
	assert.Equal(t, 2, merged.ConfigPatch["a"])
	assert.Contains(t, serialize(t, merged), `"config_patch":{"a":2}`)
}

func TestMergeSecretSetThenDelete(t *testing.T) {
	a := Fragment{SecretsPatch: []SecretOp{{Op: SecretSet, Key: "k", Value: NewSecretValue("v1-secret")}}}
	b := Fragment{SecretsPatch: []SecretOp{{Op: SecretDelete, Key: "k"}}}

	merged := Fold(a, b)
	require.Len(t, merged.SecretsPatch, 1)
	assert.Equal(t, SecretDelete, merged.SecretsPatch[0].Op)
	assert.Equal(t, "k", merged.SecretsPatch[0].Key)
	assert.Nil(t, merged.SecretsPatch[0].Value)
}

func TestMergeDedupKeepsLastOccurrence(t *testing.T) {
	a := Fragment{WebhookOps: []WebhookOp{
		{Op: OpRegister, ID: "hook-b", URL: "https://old"},
		{Op: OpRegister, ID: "hook-a", URL: "https://a"},
	}}
	b := Fragment{WebhookOps: []WebhookOp{
		{Op: OpUpdate, ID: "hook-b", URL: "https://new"},
	}}

	merged := Fold(a, b)
	require.Len(t, merged.WebhookOps, 2)
	assert.Equal(t, "hook-a", merged.WebhookOps[0].ID)
	assert.Equal(t, "hook-b", merged.WebhookOps[1].ID)
	assert.Equal(t, OpUpdate, merged.WebhookOps[1].Op)
	assert.Equal(t, "https://new", merged.WebhookOps[1].URL)
}

func TestMergeNotesConcatenate(t *testing.T) {
	merged := Fold(Fragment{Notes: []string{"one"}}, Fragment{Notes: []string{"two", "three"}})
	assert.Equal(t, []string{"one", "two", "three"}, merged.Notes)
}

func TestMergeAssociativity(t *testing.T) {
	a := Fragment{
		ConfigPatch:  map[string]any{"region": "eu", "tier": "free"},
		SecretsPatch: []SecretOp{{Op: SecretSet, Key: "token", Value: NewSecretValue("aaaa")}},
		WebhookOps:   []WebhookOp{{Op: OpRegister, ID: "w1", URL: "https://x/1"}},
	}
	b := Fragment{
		ConfigPatch:     map[string]any{"tier": "pro"},
		SubscriptionOps: []SubscriptionOp{{Op: OpRegister, ID: "s1", Resource: "inbox"}},
		OAuthOps:        []OAuthOp{{Op: OAuthStart, Provider: "graph", Scopes: []string{"mail.read"}}},
	}
	c := Fragment{
		ConfigPatch:     map[string]any{"region": "us"},
		SecretsPatch:    []SecretOp{{Op: SecretDelete, Key: "token"}},
		SubscriptionOps: []SubscriptionOp{{Op: OpDelete, ID: "s1"}},
		Notes:           []string{"done"},
	}

	left := Fold(a, b, c)
	nested := Fold(a, Empty().Merge(b).Merge(c))
	grouped := Fold(Empty().Merge(a).Merge(b), c)

	assert.Equal(t, serialize(t, left), serialize(t, nested))
	assert.Equal(t, serialize(t, left), serialize(t, grouped))
	assert.Equal(t, "us", left.ConfigPatch["region"])
	assert.Equal(t, "pro", left.ConfigPatch["tier"])
}

func TestMergeIsPure(t *testing.T) {
	base := Fragment{
		ConfigPatch: map[string]any{"nested": map[string]any{"x": 1}},
		WebhookOps:  []WebhookOp{{Op: OpRegister, ID: "w", Metadata: map[string]any{"k": "v"}}},
	}
	frag := Fragment{ConfigPatch: map[string]any{"other": true}}

	before := serialize(t, base)
	merged := base.Merge(frag)
	merged.ConfigPatch["nested"].(map[string]any)["x"] = 99
	merged.WebhookOps[0].Metadata["k"] = "changed"

	assert.Equal(t, before, serialize(t, base))
	assert.NotContains(t, base.ConfigPatch, "other")
}

func TestSerializationIndependentOfArrivalOrder(t *testing.T) {
	first := Fold(
		Fragment{ConfigPatch: map[string]any{"b": 1}},
		Fragment{ConfigPatch: map[string]any{"a": 2}},
		Fragment{SubscriptionOps: []SubscriptionOp{{Op: OpRegister, ID: "z"}, {Op: OpRegister, ID: "m"}}},
	)
	second := Fold(
		Fragment{SubscriptionOps: []SubscriptionOp{{Op: OpRegister, ID: "m"}}},
		Fragment{ConfigPatch: map[string]any{"a": 2, "b": 1}},
		Fragment{SubscriptionOps: []SubscriptionOp{{Op: OpRegister, ID: "z"}}},
	)
	assert.Equal(t, serialize(t, first), serialize(t, second))
	assert.True(t, Equal(first, second))
}

func TestSerializationNormalizesNumbers(t *testing.T) {
	var decoded Plan
	require.NoError(t, json.Unmarshal([]byte(`{"config_patch":{"n":3,"obj":{"b":1,"a":2}}}`), &decoded))
	built := Fragment{ConfigPatch: map[string]any{"n": 3, "obj": map[string]any{"a": 2, "b": 1}}}

	assert.Equal(t, serialize(t, decoded), serialize(t, Empty().Merge(built)))
}

func TestRedactedViewHidesValues(t *testing.T) {
	p := Fragment{SecretsPatch: []SecretOp{
		{Op: SecretSet, Key: "api_key", Value: NewSecretValue("sk-live-123456")},
		{Op: SecretDelete, Key: "old_key"},
	}}

	view := p.RedactedView()
	out := serialize(t, view)
	assert.NotContains(t, out, "sk-live-123456")
	assert.Contains(t, out, `"key":"api_key"`)
	assert.Contains(t, out, `"op":"set"`)
	assert.Contains(t, out, `"op":"delete"`)
	assert.Contains(t, out, RedactedMarker)
	assert.False(t, view.SecretsPatch[0].Value.HasPlaintext())

	// the source plan keeps its plaintext but never renders it
	assert.True(t, p.SecretsPatch[0].Value.HasPlaintext())
	assert.NotContains(t, serialize(t, p), "sk-live-123456")

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-live-123456")
}

func TestSecretValueFormatting(t *testing.T) {
	v := NewSecretValue("hunter2-password")
	for _, s := range []string{
		v.String(),
		(*v).GoString(),
	} {
		assert.NotContains(t, s, "hunter2")
	}
}

func TestUnredactedViewRequiresAudit(t *testing.T) {
	p := Fragment{SecretsPatch: []SecretOp{{Op: SecretSet, Key: "k", Value: NewSecretValue("plain-value")}}}

	_, err := p.UnredactedView(Audit{})
	assert.ErrorIs(t, err, ErrAuditRequired)

	_, err = p.UnredactedView(Audit{Actor: "ops"})
	assert.ErrorIs(t, err, ErrAuditRequired)

	view, err := p.UnredactedView(Audit{Actor: "ops", Reason: "incident 42"})
	require.NoError(t, err)
	raw, err := json.Marshal(view)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"value":"plain-value"`)
	assert.Contains(t, string(raw), `"actor":"ops"`)
	assert.Equal(t, 1, strings.Count(string(raw), `"secrets_patch"`))
}

func TestSecretValueUnmarshalForms(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		plaintext bool
	}{
		{name: "bare string", input: `"abc"`, plaintext: true},
		{name: "object with value", input: `{"redacted":true,"value":"abc"}`, plaintext: true},
		{name: "marker only", input: `{"redacted":true}`, plaintext: false},
		{name: "null", input: `null`, plaintext: false},
	}

	audit := Audit{Actor: "test", Reason: "unit test"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v SecretValue
			require.NoError(t, json.Unmarshal([]byte(tt.input), &v))
			assert.Equal(t, tt.plaintext, v.HasPlaintext())
			if tt.plaintext {
				s, ok, err := v.Reveal(audit)
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "abc", s)
			}
		})
	}

	var bad SecretValue
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestValidate(t *testing.T) {
	p := Fragment{
		SecretsPatch: []SecretOp{
			{Op: SecretSet, Key: "k"},
			{Op: "rotate", Key: "j"},
			{Op: SecretSet, Key: "pin", Value: NewSecretValue("123")},
		},
		WebhookOps:      []WebhookOp{{Op: OpRegister, ID: ""}},
		SubscriptionOps: []SubscriptionOp{{Op: "upsert", ID: "s"}},
		OAuthOps:        []OAuthOp{{Op: OAuthStart}},
	}

	list := p.Validate()
	assert.Equal(t, []string{CodeOAuthNoProvider, CodeEmptyTarget, CodeUnknownOpKind, CodeSecretNoValue, CodeSecretTooShort}, list.Codes())
	for _, d := range list {
		assert.NotContains(t, d.Message, "123")
	}
	assert.Empty(t, Empty().Validate())
}

func TestShortSecrets(t *testing.T) {
	p := Fragment{SecretsPatch: []SecretOp{
		{Op: SecretSet, Key: "pin", Value: NewSecretValue("123")},
		{Op: SecretSet, Key: "token", Value: NewSecretValue("abcd")},
		{Op: SecretSet, Key: "redacted", Value: Redacted()},
		{Op: SecretDelete, Key: "gone"},
	}}
	assert.Equal(t, []string{"pin"}, p.ShortSecrets())
	assert.Empty(t, p.RedactedView().ShortSecrets())
}

func TestScrubber(t *testing.T) {
	p := Fragment{SecretsPatch: []SecretOp{
		{Op: SecretSet, Key: "a", Value: NewSecretValue("topsecret")},
		{Op: SecretSet, Key: "b", Value: NewSecretValue("topsecret-extended")},
		{Op: SecretSet, Key: "c", Value: NewSecretValue("ab")},
	}}
	s := p.Scrubber()

	assert.Equal(t, "token=*** and ***", s.Scrub("token=topsecret-extended and topsecret"))
	assert.Equal(t, "ab stays", s.Scrub("ab stays"))
	assert.True(t, s.Leaks([]byte(`{"x":"topsecret"}`)))
	assert.False(t, s.Leaks([]byte(`{"x":"***"}`)))
	assert.True(t, NewScrubber().Empty())
}
