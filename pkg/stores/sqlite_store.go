package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/provision/pkg/apply"
	"github.com/openfroyo/provision/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout stores UTC timestamps as fixed-width TEXT so they sort
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" json:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// Get retrieves an install record.
func (s *SQLiteStore) Get(ctx context.Context, tenant engine.Tenant, providerID, installID string) (*apply.InstallRecord, error) {
	query := `
		SELECT config_namespace, secrets_namespace, subscriptions, updated_at
		FROM installs
		WHERE env = ? AND tenant = ? AND team = ? AND user_id = ? AND provider_id = ? AND install_id = ?
	`

	record := &apply.InstallRecord{
		Tenant:     tenant,
		ProviderID: providerID,
		InstallID:  installID,
	}
	var subscriptions, updatedAt string
	err := s.db.QueryRowContext(ctx, query,
		tenant.Env, tenant.Tenant, tenant.Team, tenant.User, providerID, installID,
	).Scan(
		&record.ConfigNamespace,
		&record.SecretsNamespace,
		&subscriptions,
		&updatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", apply.ErrInstallNotFound, providerID, installID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get install: %w", err)
	}

	if err := decodeRecord(record, subscriptions, updatedAt); err != nil {
		return nil, err
	}
	return record, nil
}

// Put inserts or replaces an install record and audits the change in the
// same transaction.
func (s *SQLiteStore) Put(ctx context.Context, record apply.InstallRecord) error {
	subscriptions := record.Subscriptions
	if subscriptions == nil {
		subscriptions = []apply.SubscriptionState{}
	}
	blob, err := json.Marshal(subscriptions)
	if err != nil {
		return fmt.Errorf("failed to encode subscriptions: %w", err)
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	query := `
		INSERT INTO installs (env, tenant, team, user_id, provider_id, install_id,
			config_namespace, secrets_namespace, subscriptions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (env, tenant, team, user_id, provider_id, install_id) DO UPDATE SET
			config_namespace = excluded.config_namespace,
			secrets_namespace = excluded.secrets_namespace,
			subscriptions = excluded.subscriptions,
			updated_at = excluded.updated_at
	`

	return s.inTx(ctx, func(tx *sql.Tx) error {
		t := record.Tenant
		if _, err := tx.ExecContext(ctx, query,
			t.Env, t.Tenant, t.Team, t.User, record.ProviderID, record.InstallID,
			record.ConfigNamespace, record.SecretsNamespace, string(blob), updatedAt.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("failed to put install: %w", err)
		}
		return insertAudit(ctx, tx, &AuditEntry{
			Action:    AuditInstallUpdated,
			Actor:     apply.DefaultActor,
			TargetID:  ptr(record.ConfigNamespace),
			Details:   ptr(fmt.Sprintf(`{"subscriptions":%d}`, len(subscriptions))),
			Timestamp: s.now(),
		})
	})
}

// List returns a tenant's install records ordered by provider and install id.
func (s *SQLiteStore) List(ctx context.Context, tenant engine.Tenant) ([]apply.InstallRecord, error) {
	query := `
		SELECT provider_id, install_id, config_namespace, secrets_namespace, subscriptions, updated_at
		FROM installs
		WHERE env = ? AND tenant = ? AND team = ? AND user_id = ?
		ORDER BY provider_id, install_id
	`

	rows, err := s.db.QueryContext(ctx, query, tenant.Env, tenant.Tenant, tenant.Team, tenant.User)
	if err != nil {
		return nil, fmt.Errorf("failed to list installs: %w", err)
	}
	defer rows.Close()

	records := []apply.InstallRecord{}
	for rows.Next() {
		record := apply.InstallRecord{Tenant: tenant}
		var subscriptions, updatedAt string
		if err := rows.Scan(
			&record.ProviderID,
			&record.InstallID,
			&record.ConfigNamespace,
			&record.SecretsNamespace,
			&subscriptions,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan install: %w", err)
		}
		if err := decodeRecord(&record, subscriptions, updatedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating installs: %w", err)
	}

	return records, nil
}

// Delete removes an install record and reports whether it existed.
func (s *SQLiteStore) Delete(ctx context.Context, tenant engine.Tenant, providerID, installID string) (bool, error) {
	query := `
		DELETE FROM installs
		WHERE env = ? AND tenant = ? AND team = ? AND user_id = ? AND provider_id = ? AND install_id = ?
	`

	var removed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, tenant.Env, tenant.Tenant, tenant.Team, tenant.User, providerID, installID)
		if err != nil {
			return fmt.Errorf("failed to delete install: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		removed = n > 0
		if !removed {
			return nil
		}
		return insertAudit(ctx, tx, &AuditEntry{
			Action:    AuditInstallDeleted,
			Actor:     apply.DefaultActor,
			TargetID:  ptr(apply.Namespace(tenant, providerID, installID)),
			Timestamp: s.now(),
		})
	})
	return removed, err
}

// Record stores an apply audit entry: the keys whose plaintext was
// revealed, never the values.
func (s *SQLiteStore) Record(ctx context.Context, entry apply.AuditEntry) error {
	keys, err := json.Marshal(map[string]any{"keys": entry.Keys})
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	return s.CreateAuditEntry(ctx, &AuditEntry{
		Action:    AuditSecretsRevealed,
		Actor:     entry.Audit.Actor,
		Reason:    entry.Audit.Reason,
		TargetID:  ptr(entry.Namespace),
		Details:   ptr(string(keys)),
		Timestamp: entry.At,
	})
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	return insertAudit(ctx, s.db, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, db execer, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	query := `
		INSERT INTO audit (action, actor, reason, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.Reason,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC().Format(timeLayout),
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination,
// newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, reason, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var timestamp string
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.Reason,
			&entry.TargetID,
			&entry.Details,
			&timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if entry.Timestamp, err = time.Parse(timeLayout, timestamp); err != nil {
			return nil, fmt.Errorf("failed to parse audit timestamp: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = s.RollbackTx(tx)
		return err
	}
	return s.CommitTx(tx)
}

func decodeRecord(record *apply.InstallRecord, subscriptions, updatedAt string) error {
	record.Subscriptions = []apply.SubscriptionState{}
	if err := json.Unmarshal([]byte(subscriptions), &record.Subscriptions); err != nil {
		return fmt.Errorf("failed to decode subscriptions: %w", err)
	}
	t, err := time.Parse(timeLayout, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to parse updated_at: %w", err)
	}
	record.UpdatedAt = t
	return nil
}

func ptr(s string) *string {
	return &s
}
