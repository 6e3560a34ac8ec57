// Package adapter provides the uniform per-engine query and schema API over
// live driver connections. Adapters are exclusively owned by a session and
// are not safe for concurrent requests; the drivers underneath own their own
// pooling.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/querygate/querygate/internal/config"
)

// ErrNotConnected is returned when an operation runs against an adapter whose
// connection is closed or was torn down by a failed health check.
var ErrNotConnected = errors.New("adapter is not connected")

// ErrNoTransaction is returned for commit/rollback without an open transaction.
var ErrNoTransaction = errors.New("no active transaction")

// ErrTransactionActive is returned when a transaction is already open.
var ErrTransactionActive = errors.New("a transaction is already active")

// healthInterval is how often adapters ping their backend.
const healthInterval = 60 * time.Second

// Settings carries execution tunables shared by all adapters.
type Settings struct {
	QueryTimeout time.Duration
	DefaultLimit int
	SampleSize   int

	// HealthProbe, when set, receives the outcome of every background
	// health check.
	HealthProbe func(kind config.Kind, healthy bool)
}

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryResult is the normalized tabular result of one statement.
type QueryResult struct {
	Rows            []map[string]interface{} `json:"rows"`
	Columns         []Column                 `json:"columns"`
	RowCount        int                      `json:"rowCount"`
	ExecutionTimeMs int64                    `json:"executionTimeMs"`
}

// QueryOptions configures one execution.
type QueryOptions struct {
	Limit               int
	Offset              int
	Explain             bool
	UserID              string
	IsIsolated          bool
	UserDatabase        string
	AllowDestructive    bool
	IsDefaultConnection bool
	// NoDefaultLimit disables the default row cap (export path).
	NoDefaultLimit bool
}

// TableInfo describes one table, view, or collection.
type TableInfo struct {
	Name string `json:"name"`
	Type string `json:"type"` // "table" or "view"
}

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primaryKey"`
}

// Adapter is the capability set every engine implementation satisfies. At
// most one transaction is in flight at any time; while one is active all
// statements run on its exclusively held connection.
type Adapter interface {
	Connect(ctx context.Context, url string) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	ExecuteQuery(ctx context.Context, query, database string, opts QueryOptions) (*QueryResult, error)

	GetDatabases(ctx context.Context) ([]string, error)
	GetTables(ctx context.Context, database string) ([]TableInfo, error)
	GetColumns(ctx context.Context, database, table string) ([]ColumnInfo, error)
	GetServerVersion(ctx context.Context) (string, error)

	BeginTransaction(ctx context.Context) error
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error
	IsTransactionActive() bool

	CleanupDatabase(ctx context.Context, database string) error
	DropAllUserDatabases(ctx context.Context) error

	Kind() config.Kind
}

// New instantiates the adapter for a kind.
func New(kind config.Kind, settings Settings) (Adapter, error) {
	switch kind {
	case config.KindPostgres:
		return NewPostgres(settings), nil
	case config.KindMySQL:
		return NewMySQL(settings), nil
	case config.KindMongo:
		return NewMongo(settings), nil
	default:
		return nil, fmt.Errorf("unsupported database kind %q", kind)
	}
}

// shouldSimulate reports whether a destructive operation must be simulated
// instead of executed: shared default connections run destructively only when
// the session was explicitly extended.
func shouldSimulate(opts QueryOptions) bool {
	return opts.IsDefaultConnection && !opts.AllowDestructive
}

// simulatedResult builds the synthetic success row returned in place of a
// destructive operation.
func simulatedResult(operation string, started time.Time) *QueryResult {
	return &QueryResult{
		Rows: []map[string]interface{}{{
			"acknowledged": true,
			"simulated":    true,
			"operation":    operation,
			"message":      fmt.Sprintf("%s was simulated; shared connections do not execute destructive operations", operation),
		}},
		Columns: []Column{
			{Name: "acknowledged", Type: "boolean"},
			{Name: "simulated", Type: "boolean"},
			{Name: "operation", Type: "string"},
			{Name: "message", Type: "string"},
		},
		RowCount:        1,
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}
}

// commandResult builds the single synthetic row describing a
// non-row-producing statement.
func commandResult(fields map[string]interface{}, started time.Time) *QueryResult {
	cols := make([]Column, 0, len(fields))
	for _, name := range sortedKeys(fields) {
		cols = append(cols, Column{Name: name, Type: inferTypeName(fields[name])})
	}
	return &QueryResult{
		Rows:            []map[string]interface{}{fields},
		Columns:         cols,
		RowCount:        1,
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}
}
