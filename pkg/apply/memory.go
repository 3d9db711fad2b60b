package apply

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/plan"
)

// auditContextKey carries the audit record adapters reveal secrets under.
type auditContextKey struct{}

// WithAudit returns a context carrying audit.
func WithAudit(ctx context.Context, audit plan.Audit) context.Context {
	return context.WithValue(ctx, auditContextKey{}, audit)
}

// AuditFromContext returns the audit record carried by ctx.
func AuditFromContext(ctx context.Context) (plan.Audit, bool) {
	audit, ok := ctx.Value(auditContextKey{}).(plan.Audit)
	return audit, ok
}

// MemoryConfig is an in-memory ConfigApplier.
type MemoryConfig struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]any
}

// NewMemoryConfig creates an empty config store.
func NewMemoryConfig() *MemoryConfig {
	return &MemoryConfig{namespaces: make(map[string]map[string]any)}
}

// Apply writes every key of patch and returns the keys in sorted order.
func (m *MemoryConfig) Apply(ctx context.Context, patch map[string]any, namespace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.namespaces[namespace]
	if !ok {
		entry = make(map[string]any, len(patch))
		m.namespaces[namespace] = entry
	}
	changed := make([]string, 0, len(patch))
	for k, v := range patch {
		entry[k] = v
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return changed, nil
}

// Read returns a copy of a namespace. Unknown namespaces are empty.
func (m *MemoryConfig) Read(_ context.Context, namespace string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.namespaces[namespace]))
	for k, v := range m.namespaces[namespace] {
		out[k] = v
	}
	return out, nil
}

// MemorySecrets is an in-memory SecretsApplier. Plaintext is revealed only
// under the audit record carried by the context, and every reveal is
// passed to the optional recorder.
type MemorySecrets struct {
	recorder AuditRecorder
	now      func() time.Time

	mu         sync.RWMutex
	namespaces map[string]map[string]string
}

// NewMemorySecrets creates an empty secrets store. recorder may be nil.
func NewMemorySecrets(recorder AuditRecorder) *MemorySecrets {
	return &MemorySecrets{
		recorder:   recorder,
		now:        time.Now,
		namespaces: make(map[string]map[string]string),
	}
}

// Apply sets and deletes secrets. Set operations whose value carries no
// plaintext are skipped.
func (m *MemorySecrets) Apply(ctx context.Context, ops []plan.SecretOp, namespace string) (SecretsResult, error) {
	res := SecretsResult{Set: []string{}, Deleted: []string{}}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	audit, _ := AuditFromContext(ctx)

	type write struct {
		key   string
		value string
	}
	var writes []write
	for _, op := range ops {
		switch op.Op {
		case plan.SecretSet:
			if !op.Value.HasPlaintext() {
				res.Skipped = append(res.Skipped, op.Key)
				continue
			}
			value, _, err := op.Value.Reveal(audit)
			if err != nil {
				return res, fmt.Errorf("secret %q: %w", op.Key, err)
			}
			writes = append(writes, write{key: op.Key, value: value})
			res.Set = append(res.Set, op.Key)
		case plan.SecretDelete:
			res.Deleted = append(res.Deleted, op.Key)
		default:
			return res, fmt.Errorf("secret %q: unknown op %q", op.Key, op.Op)
		}
	}

	if len(res.Set) > 0 && m.recorder != nil {
		entry := AuditEntry{Audit: audit, Namespace: namespace, Keys: append([]string(nil), res.Set...), At: m.now().UTC()}
		if err := m.recorder.Record(ctx, entry); err != nil {
			return SecretsResult{Set: []string{}, Deleted: []string{}}, fmt.Errorf("failed to record audit entry: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.namespaces[namespace]
	if !ok {
		entry = make(map[string]string)
		m.namespaces[namespace] = entry
	}
	for _, w := range writes {
		entry[w.key] = w.value
	}
	for _, k := range res.Deleted {
		delete(entry, k)
	}
	return res, nil
}

// Keys lists the key names of a namespace in sorted order.
func (m *MemorySecrets) Keys(_ context.Context, namespace string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.namespaces[namespace]))
	for k := range m.namespaces[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Lookup returns a stored secret wrapped so it cannot leak through
// formatting or JSON.
func (m *MemorySecrets) Lookup(namespace, key string) (*plan.SecretValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.namespaces[namespace][key]
	if !ok {
		return nil, false
	}
	return plan.NewSecretValue(v), true
}

// MemoryInstalls is an in-memory InstallStore.
type MemoryInstalls struct {
	mu      sync.RWMutex
	records []InstallRecord
}

// NewMemoryInstalls creates an empty install store.
func NewMemoryInstalls() *MemoryInstalls {
	return &MemoryInstalls{}
}

// Get returns a copy of the record, or ErrInstallNotFound.
func (m *MemoryInstalls) Get(_ context.Context, tenant engine.Tenant, providerID, installID string) (*InstallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.SameInstall(tenant, providerID, installID) {
			out := cloneRecord(r)
			return &out, nil
		}
	}
	return nil, ErrInstallNotFound
}

// Put inserts or replaces a record.
func (m *MemoryInstalls) Put(_ context.Context, record InstallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.SameInstall(record.Tenant, record.ProviderID, record.InstallID) {
			m.records[i] = cloneRecord(record)
			return nil
		}
	}
	m.records = append(m.records, cloneRecord(record))
	return nil
}

// List returns the records of a tenant ordered by provider and install id.
func (m *MemoryInstalls) List(_ context.Context, tenant engine.Tenant) ([]InstallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []InstallRecord{}
	for _, r := range m.records {
		if r.Tenant == tenant {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].InstallID < out[j].InstallID
	})
	return out, nil
}

// Delete removes a record and reports whether it existed.
func (m *MemoryInstalls) Delete(_ context.Context, tenant engine.Tenant, providerID, installID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.SameInstall(tenant, providerID, installID) {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func cloneRecord(r InstallRecord) InstallRecord {
	r.Subscriptions = append([]SubscriptionState{}, r.Subscriptions...)
	return r
}

// NoopOAuth never completes a flow.
type NoopOAuth struct{}

// Start reports the flow as pending.
func (NoopOAuth) Start(ctx context.Context, _ plan.OAuthOp) (*TokenSet, error) {
	return nil, ctx.Err()
}
