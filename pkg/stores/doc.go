// Package stores provides persistence for provisioning. It includes a
// SQLite store with WAL mode and embedded migrations that keeps install
// records for the apply adapters and an append-only audit log of secret
// reveals and install changes.
package stores
