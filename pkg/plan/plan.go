// Package plan implements the provisioning plan: the deterministic, mergeable
// description of desired side effects produced by a lifecycle run.
//
// Plans are values. Merge never mutates its receiver or argument, so plans can
// be shared across goroutines without locking.
package plan

import (
	"sort"
)

// SecretOpKind is the operation applied to a secret.
type SecretOpKind string

const (
	// SecretSet writes a secret value.
	SecretSet SecretOpKind = "set"

	// SecretDelete removes a secret.
	SecretDelete SecretOpKind = "delete"
)

// ResourceOpKind is the desired-state operation for webhooks and subscriptions.
type ResourceOpKind string

const (
	// OpRegister creates the resource if missing.
	OpRegister ResourceOpKind = "register"

	// OpUpdate changes an existing resource.
	OpUpdate ResourceOpKind = "update"

	// OpDelete removes the resource.
	OpDelete ResourceOpKind = "delete"
)

// OAuthOpKind is the operation requested from the OAuth handler.
type OAuthOpKind string

// OAuthStart starts an authorization flow.
const OAuthStart OAuthOpKind = "start"

// SecretOp sets or deletes one secret.
type SecretOp struct {
	Op    SecretOpKind `json:"op"`
	Key   string       `json:"key"`
	Value *SecretValue `json:"value,omitempty"`
}

// WebhookOp is a desired-state webhook operation.
type WebhookOp struct {
	Op       ResourceOpKind `json:"op"`
	ID       string         `json:"id"`
	URL      string         `json:"url,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SubscriptionOp is a desired-state subscription operation.
type SubscriptionOp struct {
	Op       ResourceOpKind `json:"op"`
	ID       string         `json:"id"`
	Resource string         `json:"resource,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OAuthOp asks the external OAuth handler to act for a provider.
type OAuthOp struct {
	Op          OAuthOpKind `json:"op"`
	Provider    string      `json:"provider"`
	Scopes      []string    `json:"scopes,omitempty"`
	RedirectURL string      `json:"redirect_url,omitempty"`
}

// Key identifies an operation for deduplication: repeated operations with
// the same key collapse to the last one.
type Key struct {
	Kind   string
	Target string
}

// IdempotencyKey returns the deduplication key of the op.
func (o SecretOp) IdempotencyKey() Key { return Key{Kind: "secret", Target: o.Key} }

// IdempotencyKey returns the deduplication key of the op.
func (o WebhookOp) IdempotencyKey() Key { return Key{Kind: "webhook", Target: o.ID} }

// IdempotencyKey returns the deduplication key of the op.
func (o SubscriptionOp) IdempotencyKey() Key { return Key{Kind: "subscription", Target: o.ID} }

// IdempotencyKey returns the deduplication key of the op.
func (o OAuthOp) IdempotencyKey() Key { return Key{Kind: "oauth", Target: o.Provider} }

// Plan is the accumulated output of a run. A fragment produced by a single
// step has the same shape.
type Plan struct {
	// ConfigPatch maps config keys to their new value. Last write wins.
	ConfigPatch map[string]any `json:"config_patch"`

	// SecretsPatch holds secret operations ordered by key.
	SecretsPatch []SecretOp `json:"secrets_patch"`

	// WebhookOps holds webhook operations ordered by id.
	WebhookOps []WebhookOp `json:"webhook_ops"`

	// SubscriptionOps holds subscription operations ordered by id.
	SubscriptionOps []SubscriptionOp `json:"subscription_ops"`

	// OAuthOps holds OAuth requests ordered by provider.
	OAuthOps []OAuthOp `json:"oauth_ops"`

	// Notes are free-form messages in arrival order.
	Notes []string `json:"notes"`
}

// Fragment is the partial plan a single step contributes.
type Fragment = Plan

// Empty returns a plan with no content.
func Empty() Plan {
	return Plan{
		ConfigPatch:     map[string]any{},
		SecretsPatch:    []SecretOp{},
		WebhookOps:      []WebhookOp{},
		SubscriptionOps: []SubscriptionOp{},
		OAuthOps:        []OAuthOp{},
		Notes:           []string{},
	}
}

// IsEmpty reports whether the plan carries no content.
func (p Plan) IsEmpty() bool {
	return len(p.ConfigPatch) == 0 && len(p.SecretsPatch) == 0 &&
		len(p.WebhookOps) == 0 && len(p.SubscriptionOps) == 0 &&
		len(p.OAuthOps) == 0 && len(p.Notes) == 0
}

// Merge returns a new plan with fragment applied on top of p. Config keys
// from fragment override p; operations are concatenated and deduplicated by
// idempotency key keeping the last occurrence; notes are concatenated.
func (p Plan) Merge(fragment Fragment) Plan {
	out := Plan{
		ConfigPatch: make(map[string]any, len(p.ConfigPatch)+len(fragment.ConfigPatch)),
		Notes:       make([]string, 0, len(p.Notes)+len(fragment.Notes)),
	}
	for k, v := range p.ConfigPatch {
		out.ConfigPatch[k] = cloneValue(v)
	}
	for k, v := range fragment.ConfigPatch {
		out.ConfigPatch[k] = cloneValue(v)
	}

	out.SecretsPatch = mergeOps(p.SecretsPatch, fragment.SecretsPatch, SecretOp.IdempotencyKey, cloneSecretOp)
	out.WebhookOps = mergeOps(p.WebhookOps, fragment.WebhookOps, WebhookOp.IdempotencyKey, cloneWebhookOp)
	out.SubscriptionOps = mergeOps(p.SubscriptionOps, fragment.SubscriptionOps, SubscriptionOp.IdempotencyKey, cloneSubscriptionOp)
	out.OAuthOps = mergeOps(p.OAuthOps, fragment.OAuthOps, OAuthOp.IdempotencyKey, cloneOAuthOp)

	out.Notes = append(out.Notes, p.Notes...)
	out.Notes = append(out.Notes, fragment.Notes...)
	return out
}

// Fold merges fragments left to right starting from an empty plan.
func Fold(fragments ...Fragment) Plan {
	acc := Empty()
	for _, f := range fragments {
		acc = acc.Merge(f)
	}
	return acc
}

// Clone returns a deep copy of p.
func (p Plan) Clone() Plan {
	return Empty().Merge(p)
}

// mergeOps concatenates base and next, keeps the last op per key and returns
// the survivors ordered by key target.
func mergeOps[T any](base, next []T, key func(T) Key, clone func(T) T) []T {
	latest := make(map[Key]T, len(base)+len(next))
	for _, op := range base {
		latest[key(op)] = op
	}
	for _, op := range next {
		latest[key(op)] = op
	}

	keys := make([]Key, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].Target < keys[j].Target
	})

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, clone(latest[k]))
	}
	return out
}

func cloneSecretOp(o SecretOp) SecretOp {
	if o.Value != nil {
		v := *o.Value
		o.Value = &v
	}
	return o
}

func cloneWebhookOp(o WebhookOp) WebhookOp {
	o.Metadata = cloneMap(o.Metadata)
	return o
}

func cloneSubscriptionOp(o SubscriptionOp) SubscriptionOp {
	o.Metadata = cloneMap(o.Metadata)
	return o
}

func cloneOAuthOp(o OAuthOp) OAuthOp {
	if o.Scopes != nil {
		o.Scopes = append([]string(nil), o.Scopes...)
	}
	return o
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies JSON-shaped values.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
