package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/sqltext"
)

// Postgres adapts a pgx connection pool to the gateway contract.
type Postgres struct {
	settings Settings

	mu     sync.Mutex
	pool   *pgxpool.Pool
	url    string
	health *healthLoop

	// txConn is held exclusively while a transaction is open.
	txConn *pgxpool.Conn
	tx     pgx.Tx
}

func NewPostgres(settings Settings) *Postgres {
	return &Postgres{settings: settings}
}

func (p *Postgres) Kind() config.Kind { return config.KindPostgres }

func (p *Postgres) Connect(ctx context.Context, url string) error {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pool = pool
	p.url = url
	p.health = startHealthLoop(config.KindPostgres, p.ping, healthProbe(p.settings, config.KindPostgres), func(error) {
		p.teardown(context.Background())
	})
	return nil
}

func (p *Postgres) ping(ctx context.Context) error {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool == nil {
		return ErrNotConnected
	}
	return pool.Ping(ctx)
}

func (p *Postgres) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	h := p.health
	p.health = nil
	p.mu.Unlock()
	if h != nil {
		h.stop()
	}
	p.teardown(ctx)
	return nil
}

// teardown rolls back any open transaction and closes the pool.
func (p *Postgres) teardown(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx != nil {
		if err := p.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
			slog.Warn("rollback on disconnect failed", "kind", config.KindPostgres, "error", err)
		}
		p.tx = nil
	}
	if p.txConn != nil {
		p.txConn.Release()
		p.txConn = nil
	}
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
}

func (p *Postgres) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool != nil
}

func (p *Postgres) IsTransactionActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx != nil
}

func (p *Postgres) ExecuteQuery(ctx context.Context, query, database string, opts QueryOptions) (*QueryResult, error) {
	started := time.Now()

	if op, destructive := sqltext.MatchDestructive(query); destructive && shouldSimulate(opts) {
		return simulatedResult(op, started), nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.QueryTimeout)
	defer cancel()

	p.mu.Lock()
	pool, tx := p.pool, p.tx
	p.mu.Unlock()
	if pool == nil {
		return nil, ErrNotConnected
	}

	sql := p.rewrite(query, opts)

	if tx != nil {
		if err := p.prepareSession(ctx, tx.Conn(), database); err != nil {
			return nil, err
		}
		rows, err := tx.Query(ctx, sql)
		if err != nil {
			return nil, err
		}
		return collectPGRows(rows, started)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if err := p.prepareSession(ctx, conn.Conn(), database); err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return collectPGRows(rows, started)
}

// prepareSession applies the per-statement session settings: schema selection
// and a server-side statement timeout backing up the context deadline.
func (p *Postgres) prepareSession(ctx context.Context, conn *pgx.Conn, database string) error {
	if database != "" {
		if err := validIdent(database); err != nil {
			return err
		}
		setPath := fmt.Sprintf("SET search_path TO %s, public", quotePGIdent(database))
		if _, err := conn.Exec(ctx, setPath); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
	}
	timeoutMs := p.settings.QueryTimeout.Milliseconds()
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", timeoutMs)); err != nil {
		return fmt.Errorf("set statement_timeout: %w", err)
	}
	return nil
}

func (p *Postgres) rewrite(query string, opts QueryOptions) string {
	if opts.Explain {
		return sqltext.RewriteExplain(query, true)
	}
	limit := opts.Limit
	if limit <= 0 && !opts.NoDefaultLimit {
		limit = p.settings.DefaultLimit
	}
	if limit <= 0 {
		return query
	}
	return sqltext.ApplyPagination(query, limit, opts.Offset)
}

// collectPGRows drains a result set into the normalized form. Statements that
// return no columns produce a single synthetic affectedRows row.
func collectPGRows(rows pgx.Rows, started time.Time) (*QueryResult, error) {
	defer rows.Close()

	fds := rows.FieldDescriptions()
	cols := make([]Column, len(fds))
	for i, fd := range fds {
		cols[i] = Column{Name: string(fd.Name), Type: pgTypeName(fd.DataTypeOID)}
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col.Name] = normalizePGValue(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(cols) == 0 {
		return commandResult(map[string]interface{}{
			"affectedRows": rows.CommandTag().RowsAffected(),
		}, started), nil
	}

	return &QueryResult{
		Rows:            out,
		Columns:         cols,
		RowCount:        len(out),
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}, nil
}

// normalizePGValue converts driver-native values into JSON-friendly ones.
func normalizePGValue(v interface{}) interface{} {
	switch val := v.(type) {
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	case []byte:
		return string(val)
	default:
		return v
	}
}

func (p *Postgres) GetDatabases(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool == nil {
		return nil, ErrNotConnected
	}

	rows, err := pool.Query(ctx, `
		SELECT schema_name
		FROM information_schema.schemata
		WHERE schema_name NOT LIKE 'pg\_%' AND schema_name <> 'information_schema'
		ORDER BY schema_name`)
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
		names = append(names, name)
	}
	return names, rows.Err()
}

func (p *Postgres) GetTables(ctx context.Context, database string) ([]TableInfo, error) {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool == nil {
		return nil, ErrNotConnected
	}

	rows, err := pool.Query(ctx, `
		SELECT table_name, table_type
		FROM information_schema.tables
		WHERE table_schema = $1
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

func (p *Postgres) GetColumns(ctx context.Context, database, table string) ([]ColumnInfo, error) {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool == nil {
		return nil, ErrNotConnected
	}

	rows, err := pool.Query(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable = 'YES',
		       EXISTS (
		           SELECT 1
		           FROM information_schema.table_constraints tc
		           JOIN information_schema.key_column_usage kcu
		             ON tc.constraint_name = kcu.constraint_name
		            AND tc.table_schema = kcu.table_schema
		           WHERE tc.constraint_type = 'PRIMARY KEY'
		             AND tc.table_schema = c.table_schema
		             AND tc.table_name = c.table_name
		             AND kcu.column_name = c.column_name
		       )
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, database, table)
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

func (p *Postgres) GetServerVersion(ctx context.Context) (string, error) {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool == nil {
		return "", ErrNotConnected
	}
	var version string
	err := pool.QueryRow(ctx, "SELECT current_setting('server_version')").Scan(&version)
	return version, err
}

func (p *Postgres) BeginTransaction(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool == nil {
		return ErrNotConnected
	}
	if p.tx != nil {
		return ErrTransactionActive
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return fmt.Errorf("begin transaction: %w", err)
	}
	p.txConn = conn
	p.tx = tx
	return nil
}

func (p *Postgres) CommitTransaction(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx == nil {
		return ErrNoTransaction
	}
	err := p.tx.Commit(ctx)
	p.tx = nil
	p.txConn.Release()
	p.txConn = nil
	return err
}

func (p *Postgres) RollbackTransaction(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx == nil {
		return ErrNoTransaction
	}
	err := p.tx.Rollback(ctx)
	p.tx = nil
	p.txConn.Release()
	p.txConn = nil
	return err
}

func (p *Postgres) CleanupDatabase(ctx context.Context, database string) error {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool == nil {
		return ErrNotConnected
	}

	if _, err := pool.Exec(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`, database); err != nil {
		return fmt.Errorf("terminate backends for %s: %w", database, err)
	}
	if _, err := pool.Exec(ctx, "DROP DATABASE IF EXISTS "+quotePGIdent(database)); err != nil {
		return fmt.Errorf("drop database %s: %w", database, err)
	}
	return nil
}

// systemPGDatabases are never dropped by cleanup.
var systemPGDatabases = map[string]bool{
	"postgres":  true,
	"template0": true,
	"template1": true,
}

func (p *Postgres) DropAllUserDatabases(ctx context.Context) error {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool == nil {
		return ErrNotConnected
	}

	rows, err := pool.Query(ctx, "SELECT datname FROM pg_database WHERE datistemplate = false")
	if err != nil {
		return fmt.Errorf("list databases: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range names {
		if systemPGDatabases[name] {
			continue
		}
		if err := p.CleanupDatabase(ctx, name); err != nil {
			slog.Error("cleanup: drop failed",
				"kind", config.KindPostgres,
				"database", name,
				"error", err)
		}
	}
	return nil
}
