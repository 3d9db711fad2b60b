package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/provision/pkg/apply"
)

// Audit actions written by the store.
const (
	AuditSecretsRevealed = "secrets.revealed"
	AuditPlanRevealed    = "plan.revealed"
	AuditInstallUpdated  = "install.updated"
	AuditInstallDeleted  = "install.deleted"
)

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "secrets.revealed", "install.deleted"
	Actor     string    `json:"actor"`               // user or system identifier
	Reason    string    `json:"reason"`              // why the action was taken
	TargetID  *string   `json:"target_id,omitempty"` // namespace or install key
	Details   *string   `json:"details,omitempty"`   // JSON blob, never secret values
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Install records
	apply.InstallStore

	// Audit operations
	apply.AuditRecorder
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
