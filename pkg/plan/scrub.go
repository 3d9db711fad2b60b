package plan

import (
	"bytes"
	"sort"
	"strings"
)

// MinScrubLength is the shortest secret value that is scrubbed from free text.
// Shorter values would match ordinary words and numbers.
const MinScrubLength = 4

// ShortSecrets returns the keys of secret sets whose value is shorter than
// MinScrubLength and so could not be scrubbed.
func (p Plan) ShortSecrets() []string {
	var keys []string
	for _, op := range p.SecretsPatch {
		if op.Op == SecretSet && op.Value.HasPlaintext() && len(op.Value.plaintext) < MinScrubLength {
			keys = append(keys, op.Key)
		}
	}
	return keys
}

// ScrubMask replaces secret values found in free text.
const ScrubMask = "***"

// Scrubber removes known secret values from strings and byte slices.
type Scrubber struct {
	secrets  []string
	replacer *strings.Replacer
}

// NewScrubber builds a scrubber for the given secret values.
func NewScrubber(values ...string) *Scrubber {
	uniq := make(map[string]struct{}, len(values))
	for _, v := range values {
		if len(v) >= MinScrubLength {
			uniq[v] = struct{}{}
		}
	}
	secrets := make([]string, 0, len(uniq))
	for v := range uniq {
		secrets = append(secrets, v)
	}
	// longest first so a secret containing another is masked whole
	sort.Slice(secrets, func(i, j int) bool {
		if len(secrets[i]) != len(secrets[j]) {
			return len(secrets[i]) > len(secrets[j])
		}
		return secrets[i] < secrets[j]
	})

	pairs := make([]string, 0, len(secrets)*2)
	for _, s := range secrets {
		pairs = append(pairs, s, ScrubMask)
	}
	return &Scrubber{secrets: secrets, replacer: strings.NewReplacer(pairs...)}
}

// Scrubber returns a scrubber for the secret values held by p.
func (p Plan) Scrubber() *Scrubber {
	return NewScrubber(p.SecretValues()...)
}

// Empty reports whether the scrubber knows no secrets.
func (s *Scrubber) Empty() bool {
	return s == nil || len(s.secrets) == 0
}

// Scrub masks every known secret in text.
func (s *Scrubber) Scrub(text string) string {
	if s.Empty() {
		return text
	}
	return s.replacer.Replace(text)
}

// Leaks returns true if data contains any known secret.
func (s *Scrubber) Leaks(data []byte) bool {
	if s.Empty() {
		return false
	}
	for _, secret := range s.secrets {
		if bytes.Contains(data, []byte(secret)) {
			return true
		}
	}
	return false
}
