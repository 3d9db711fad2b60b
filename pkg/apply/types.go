package apply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/plan"
)

// ErrInstallNotFound is returned by InstallStore.Get for an unknown install.
var ErrInstallNotFound = errors.New("install record not found")

// unknown fills missing tenant segments of a namespace.
const unknown = "unknown"

// Namespace returns the config namespace of an installation.
func Namespace(tenant engine.Tenant, providerID, installID string) string {
	return fmt.Sprintf("provision:%s:%s:%s:%s:%s",
		orUnknown(tenant.Env), orUnknown(tenant.Tenant), orUnknown(tenant.Team), providerID, installID)
}

// SecretsNamespace returns the secrets namespace of an installation.
func SecretsNamespace(tenant engine.Tenant, providerID, installID string) string {
	return Namespace(tenant, providerID, installID) + ":secrets"
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}

// ResourceKind tells webhook state apart from subscription state.
type ResourceKind string

const (
	ResourceWebhook      ResourceKind = "webhook"
	ResourceSubscription ResourceKind = "subscription"
)

// SubscriptionState is a registered webhook or subscription kept on the
// install record.
type SubscriptionState struct {
	Kind     ResourceKind `json:"kind"`
	ID       string       `json:"id"`
	Resource string       `json:"resource"`
	Expiry   *string      `json:"expiry,omitempty"`
	LastSync *time.Time   `json:"last_sync,omitempty"`
}

// InstallRecord is what the host remembers about one installation.
type InstallRecord struct {
	Tenant           engine.Tenant       `json:"tenant"`
	ProviderID       string              `json:"provider_id"`
	InstallID        string              `json:"install_id"`
	ConfigNamespace  string              `json:"config_namespace"`
	SecretsNamespace string              `json:"secrets_namespace"`
	Subscriptions    []SubscriptionState `json:"subscriptions"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// SameInstall reports whether r belongs to the given installation.
func (r InstallRecord) SameInstall(tenant engine.Tenant, providerID, installID string) bool {
	return r.Tenant == tenant && r.ProviderID == providerID && r.InstallID == installID
}

// SecretsResult lists the keys a SecretsApplier touched. It never carries
// values.
type SecretsResult struct {
	Set     []string `json:"set"`
	Deleted []string `json:"deleted"`
	Skipped []string `json:"skipped,omitempty"`
}

// TokenSet is what an OAuth handler hands back once a flow completes.
type TokenSet struct {
	AccessToken  *plan.SecretValue
	RefreshToken *plan.SecretValue
}

// ConfigApplier writes a config patch into a namespace and returns the
// changed keys.
type ConfigApplier interface {
	Apply(ctx context.Context, patch map[string]any, namespace string) ([]string, error)
}

// ConfigReader is implemented by config adapters that can read back a
// namespace.
type ConfigReader interface {
	Read(ctx context.Context, namespace string) (map[string]any, error)
}

// SecretsApplier applies secret operations to a namespace. Implementations
// must never log or return secret values.
type SecretsApplier interface {
	Apply(ctx context.Context, ops []plan.SecretOp, namespace string) (SecretsResult, error)
}

// SecretsLister is implemented by secrets adapters that can list key names.
type SecretsLister interface {
	Keys(ctx context.Context, namespace string) ([]string, error)
}

// InstallStore persists install records keyed by tenant, provider id and
// install id.
type InstallStore interface {
	Get(ctx context.Context, tenant engine.Tenant, providerID, installID string) (*InstallRecord, error)
	Put(ctx context.Context, record InstallRecord) error
	List(ctx context.Context, tenant engine.Tenant) ([]InstallRecord, error)
	Delete(ctx context.Context, tenant engine.Tenant, providerID, installID string) (bool, error)
}

// OAuthHandler starts OAuth flows. A nil TokenSet means the flow is pending
// on the user.
type OAuthHandler interface {
	Start(ctx context.Context, op plan.OAuthOp) (*TokenSet, error)
}

// AuditEntry records one plaintext secret access.
type AuditEntry struct {
	Audit     plan.Audit `json:"audit"`
	Namespace string     `json:"namespace"`
	Keys      []string   `json:"keys"`
	At        time.Time  `json:"at"`
}

// AuditRecorder stores audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// ApplyReport is the outcome of Applier.Apply.
type ApplyReport struct {
	Mode              engine.Mode         `json:"mode"`
	ConfigChanges     []string            `json:"config_changes"`
	SecretSetKeys     []string            `json:"secret_set_keys"`
	SecretDeletedKeys []string            `json:"secret_deleted_keys"`
	SecretSkippedKeys []string            `json:"secret_skipped_keys,omitempty"`
	OAuthOps          []plan.OAuthOp      `json:"oauth_ops"`
	OAuthCompleted    []string            `json:"oauth_completed,omitempty"`
	SubscriptionState []SubscriptionState `json:"subscription_state"`
	InstallRecord     InstallRecord       `json:"install_record"`
	Removed           bool                `json:"removed,omitempty"`
}
