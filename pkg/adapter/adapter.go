// Package adapter defines the store contract shared by every pipeline stage.
//
// A pipeline stage never talks to a database driver directly: it receives an
// Adapter handle and issues SQL through it. Concrete implementations live in
// pkg/adapters/ subdirectories and register themselves at init time.
package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TableNotFoundError reports that a table is absent from the store's catalog.
// Callers use it to tell a missing table apart from a store-level failure.
type TableNotFoundError struct {
	Table string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("table %s not found", e.Table)
}

// IsTableNotFound reports whether err is (or wraps) a TableNotFoundError.
func IsTableNotFound(err error) bool {
	var tnf *TableNotFoundError
	return errors.As(err, &tnf)
}

// Config holds connection settings for a store.
type Config struct {
	// Type selects the registered adapter (e.g. "duckdb", "postgres").
	Type string `koanf:"type"`
	// Path is the database file path for embedded stores (":memory:" or
	// empty for an in-memory DuckDB).
	Path string `koanf:"path"`
	// Database is the database name (client-server stores) or file path
	// (embedded stores, when Path is unset).
	Database string `koanf:"database"`
	Schema   string `koanf:"schema"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"user"`
	Password string `koanf:"password"`
	// Options carries driver-specific settings such as sslmode.
	Options map[string]string `koanf:"options"`
}

// Column describes one column of a table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Position int
}

// Metadata describes a table as reported by the store's catalog.
type Metadata struct {
	Schema   string
	Name     string
	Columns  []Column
	RowCount int64
}

// HasColumn reports whether the table has a column with the given name.
func (m *Metadata) HasColumn(name string) bool {
	for _, c := range m.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ColumnNames returns the table's column names in ordinal order.
func (m *Metadata) ColumnNames() []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return names
}

// Rows wraps sql.Rows so callers don't import database/sql directly.
type Rows struct {
	*sql.Rows
}

// Adapter is the interface every store implementation must satisfy.
type Adapter interface {
	// Connect establishes the connection described by cfg.
	Connect(ctx context.Context, cfg Config) error

	// Close releases the connection and all resources.
	Close() error

	// Exec runs a statement that returns no rows (DDL, INSERT, UPDATE).
	Exec(ctx context.Context, sql string, args ...any) error

	// Query runs a statement that returns rows.
	Query(ctx context.Context, sql string, args ...any) (*Rows, error)

	// GetTableMetadata reads the store's catalog for one table. It returns
	// an error when the table does not exist.
	GetTableMetadata(ctx context.Context, table string) (*Metadata, error)

	// LoadCSV loads a CSV file into a table, creating or replacing it.
	LoadCSV(ctx context.Context, tableName string, filePath string) error

	// DialectName identifies the SQL dialect ("duckdb", "postgres").
	DialectName() string

	// Placeholder returns the bind-parameter marker for position i (1-based).
	Placeholder(i int) string
}
