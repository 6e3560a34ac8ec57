package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/sqltext"
)

// MySQL adapts a database/sql pool to the gateway contract.
type MySQL struct {
	settings Settings

	mu     sync.Mutex
	db     *sql.DB
	health *healthLoop

	// txConn is held exclusively while a transaction is open.
	txConn *sql.Conn
	tx     *sql.Tx
}

func NewMySQL(settings Settings) *MySQL {
	return &MySQL{settings: settings}
}

func (m *MySQL) Kind() config.Kind { return config.KindMySQL }

func (m *MySQL) Connect(ctx context.Context, url string) error {
	dsn, err := mysqlDSN(url)
	if err != nil {
		return err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("ping mysql: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.db = db
	m.health = startHealthLoop(config.KindMySQL, m.ping, healthProbe(m.settings, config.KindMySQL), func(error) {
		m.teardown(context.Background())
	})
	return nil
}

func (m *MySQL) ping(ctx context.Context) error {
	m.mu.Lock()
	db := m.db
	m.mu.Unlock()
	if db == nil {
		return ErrNotConnected
	}
	return db.PingContext(ctx)
}

func (m *MySQL) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	h := m.health
	m.health = nil
	m.mu.Unlock()
	if h != nil {
		h.stop()
	}
	m.teardown(ctx)
	return nil
}

func (m *MySQL) teardown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil {
		if err := m.tx.Rollback(); err != nil && err != sql.ErrTxDone {
			slog.Warn("rollback on disconnect failed", "kind", config.KindMySQL, "error", err)
		}
		m.tx = nil
	}
	if m.txConn != nil {
		m.txConn.Close()
		m.txConn = nil
	}
	if m.db != nil {
		m.db.Close()
		m.db = nil
	}
}

func (m *MySQL) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db != nil
}

func (m *MySQL) IsTransactionActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx != nil
}

// sqlRunner abstracts the transaction and the plain connection.
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (m *MySQL) ExecuteQuery(ctx context.Context, query, database string, opts QueryOptions) (*QueryResult, error) {
	started := time.Now()

	if op, destructive := sqltext.MatchDestructive(query); destructive && shouldSimulate(opts) {
		return simulatedResult(op, started), nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.settings.QueryTimeout)
	defer cancel()

	m.mu.Lock()
	db, tx := m.db, m.tx
	m.mu.Unlock()
	if db == nil {
		return nil, ErrNotConnected
	}

	var runner sqlRunner
	if tx != nil {
		runner = tx
	} else {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire connection: %w", err)
		}
		defer conn.Close()
		runner = conn
	}

	if database != "" {
		if err := validIdent(database); err != nil {
			return nil, err
		}
		if _, err := runner.ExecContext(ctx, "USE "+quoteMySQLIdent(database)); err != nil {
			return nil, fmt.Errorf("select database %s: %w", database, err)
		}
	}

	sqlText := m.rewrite(query, opts)

	if !sqltext.IsSelectLike(sqlText) {
		res, err := runner.ExecContext(ctx, sqlText)
		if err != nil {
			return nil, err
		}
		fields := map[string]interface{}{}
		if n, err := res.RowsAffected(); err == nil {
			fields["affectedRows"] = n
		}
		if id, err := res.LastInsertId(); err == nil && id != 0 {
			fields["lastInsertId"] = id
		}
		return commandResult(fields, started), nil
	}

	rows, err := runner.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	return collectSQLRows(rows, started)
}

func (m *MySQL) rewrite(query string, opts QueryOptions) string {
	if opts.Explain {
		return sqltext.RewriteExplain(query, false)
	}
	limit := opts.Limit
	if limit <= 0 && !opts.NoDefaultLimit {
		limit = m.settings.DefaultLimit
	}
	if limit <= 0 {
		return query
	}
	return sqltext.ApplyPagination(query, limit, opts.Offset)
}

// collectSQLRows drains a database/sql result set into the normalized form.
func collectSQLRows(rows *sql.Rows, started time.Time) (*QueryResult, error) {
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]Column, len(types))
	for i, ct := range types {
		cols[i] = Column{Name: ct.Name(), Type: mysqlTypeName(ct.DatabaseTypeName())}
	}

	var out []map[string]interface{}
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col.Name] = normalizeSQLValue(raw[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &QueryResult{
		Rows:            out,
		Columns:         cols,
		RowCount:        len(out),
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}, nil
}

// normalizeSQLValue converts driver byte slices to strings for transport.
func normalizeSQLValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// systemMySQLDatabases are hidden from listings and protected from cleanup.
var systemMySQLDatabases = map[string]bool{
	"information_schema": true,
	"mysql":              true,
	"performance_schema": true,
	"sys":                true,
}

func (m *MySQL) GetDatabases(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	db := m.db
	m.mu.Unlock()
	if db == nil {
		return nil, ErrNotConnected
	}

	rows, err := db.QueryContext(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !systemMySQLDatabases[name] {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

func (m *MySQL) GetTables(ctx context.Context, database string) ([]TableInfo, error) {
	m.mu.Lock()
	db := m.db
	m.mu.Unlock()
	if db == nil {
		return nil, ErrNotConnected
	}

	rows, err := db.QueryContext(ctx, `
		SELECT table_name, table_type
		FROM information_schema.tables
		WHERE table_schema = ?
		ORDER BY table_name`, database)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []TableInfo
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		kind := "table"
		if typ == "VIEW" {
			kind = "view"
		}
		tables = append(tables, TableInfo{Name: name, Type: kind})
	}
	return tables, rows.Err()
}

func (m *MySQL) GetColumns(ctx context.Context, database, table string) ([]ColumnInfo, error) {
	m.mu.Lock()
	db := m.db
	m.mu.Unlock()
	if db == nil {
		return nil, ErrNotConnected
	}

	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable = 'YES', column_key = 'PRI'
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, database, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable, &col.PrimaryKey); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (m *MySQL) GetServerVersion(ctx context.Context) (string, error) {
	m.mu.Lock()
	db := m.db
	m.mu.Unlock()
	if db == nil {
		return "", ErrNotConnected
	}
	var version string
	err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version)
	return version, err
}

func (m *MySQL) BeginTransaction(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return ErrNotConnected
	}
	if m.tx != nil {
		return ErrTransactionActive
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("begin transaction: %w", err)
	}
	m.txConn = conn
	m.tx = tx
	return nil
}

func (m *MySQL) CommitTransaction(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == nil {
		return ErrNoTransaction
	}
	err := m.tx.Commit()
	m.tx = nil
	m.txConn.Close()
	m.txConn = nil
	return err
}

func (m *MySQL) RollbackTransaction(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == nil {
		return ErrNoTransaction
	}
	err := m.tx.Rollback()
	m.tx = nil
	m.txConn.Close()
	m.txConn = nil
	return err
}

func (m *MySQL) CleanupDatabase(ctx context.Context, database string) error {
	m.mu.Lock()
	db := m.db
	m.mu.Unlock()
	if db == nil {
		return ErrNotConnected
	}
	if _, err := db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoteMySQLIdent(database)); err != nil {
		return fmt.Errorf("drop database %s: %w", database, err)
	}
	return nil
}

func (m *MySQL) DropAllUserDatabases(ctx context.Context) error {
	names, err := m.GetDatabases(ctx)
	if err != nil {
		return fmt.Errorf("list databases: %w", err)
	}
	for _, name := range names {
		if err := m.CleanupDatabase(ctx, name); err != nil {
			slog.Error("cleanup: drop failed",
				"kind", config.KindMySQL,
				"database", name,
				"error", err)
		}
	}
	return nil
}
