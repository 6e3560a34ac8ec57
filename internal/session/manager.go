// Package session owns the registry of live database sessions: creation with
// per-tenant isolation provisioning, lookup with activity tracking, explicit
// close, and idle eviction.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/querygate/querygate/internal/adapter"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/metrics"
)

// ErrNotFound is returned when a session id is unknown or already closed.
var ErrNotFound = errors.New("session not found")

// evictInterval is how often the idle sweep runs.
const evictInterval = time.Minute

// Session is one live connection to a backend engine, exclusively owned by
// the client that created it.
type Session struct {
	ID            string
	Kind          config.Kind
	UserID        string
	ConnectionURL string

	// SigningKey is 32 random bytes, hex-encoded, shared with the client
	// at creation and never transmitted again.
	SigningKey string

	IsDefaultConnection bool
	IsIsolated          bool
	UserDatabase        string

	// allowDestructive is toggled by session-extend while queries are in
	// flight, so reads and writes go through the atomic.
	allowDestructive atomic.Bool

	Adapter adapter.Adapter

	CreatedAt    time.Time
	lastActivity time.Time
}

// AllowDestructive reports whether destructive statements execute for real
// instead of being simulated.
func (s *Session) AllowDestructive() bool {
	return s.allowDestructive.Load()
}

// QueryOptions derives the execution options carried by this session.
func (s *Session) QueryOptions() adapter.QueryOptions {
	return adapter.QueryOptions{
		UserID:              s.UserID,
		IsIsolated:          s.IsIsolated,
		UserDatabase:        s.UserDatabase,
		AllowDestructive:    s.allowDestructive.Load(),
		IsDefaultConnection: s.IsDefaultConnection,
	}
}

// CreateParams describes a session to open.
type CreateParams struct {
	Kind config.Kind
	// ConnectionURL may be empty, in which case the configured default for
	// the kind is used.
	ConnectionURL string
	UserID        string
}

// CreateResult is returned to the connect endpoint.
type CreateResult struct {
	Session       *Session
	ServerVersion string
}

// Manager is the process-wide session registry.
type Manager struct {
	cfg      *config.Config
	settings adapter.Settings
	metrics  *metrics.Collector

	idleTimeout time.Duration

	// newAdapter is swappable in tests.
	newAdapter func(config.Kind, adapter.Settings) (adapter.Adapter, error)

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(cfg *config.Config, collector *metrics.Collector) *Manager {
	m := &Manager{
		cfg: cfg,
		settings: adapter.Settings{
			QueryTimeout: cfg.Query.Timeout,
			DefaultLimit: cfg.Query.DefaultLimit,
			SampleSize:   cfg.Query.SchemaSampleSize,
			HealthProbe: func(kind config.Kind, healthy bool) {
				collector.SetAdapterHealth(string(kind), healthy)
			},
		},
		metrics:     collector,
		idleTimeout: cfg.Limits.SessionTimeout,
		newAdapter:  adapter.New,
		sessions:    make(map[string]*Session),
		byUser:      make(map[string]string),
		stopCh:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.evictLoop()
	return m
}

// UserDatabaseName derives the per-tenant isolation database name.
func UserDatabaseName(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return "u_" + hex.EncodeToString(sum[:])[:32]
}

func (m *Manager) Create(ctx context.Context, params CreateParams) (*CreateResult, error) {
	if !params.Kind.Valid() {
		return nil, fmt.Errorf("unsupported database kind %q", params.Kind)
	}

	url := params.ConnectionURL
	if url == "" {
		def, ok := m.cfg.DefaultFor(params.Kind)
		if !ok {
			return nil, fmt.Errorf("no default connection configured for %s", params.Kind)
		}
		url = def.URL
	}
	_, isDefault := m.cfg.FindDefault(url)

	// Isolation applies only to SQL sessions on a shared default URL with
	// a tenant attached.
	isolated := isDefault && params.UserID != "" && params.Kind != config.KindMongo

	connectURL := url
	userDatabase := ""
	if isolated {
		userDatabase = UserDatabaseName(params.UserID)
		rewritten, err := m.provisionIsolation(ctx, params.Kind, url, userDatabase)
		if err != nil {
			slog.Warn("isolation provisioning failed; continuing without isolation",
				"kind", params.Kind,
				"userDatabase", userDatabase,
				"error", err)
			isolated = false
			userDatabase = ""
		} else {
			connectURL = rewritten
		}
	}

	ad, err := m.newAdapter(params.Kind, m.settings)
	if err != nil {
		return nil, err
	}
	if err := ad.Connect(ctx, connectURL); err != nil {
		return nil, fmt.Errorf("connect %s: %w", params.Kind, err)
	}

	version, err := ad.GetServerVersion(ctx)
	if err != nil {
		_ = ad.Disconnect(ctx)
		return nil, fmt.Errorf("query server version: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		_ = ad.Disconnect(ctx)
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:                  uuid.NewString(),
		Kind:                params.Kind,
		UserID:              params.UserID,
		ConnectionURL:       connectURL,
		SigningKey:          hex.EncodeToString(key),
		IsDefaultConnection: isDefault,
		IsIsolated:          isolated,
		UserDatabase:        userDatabase,
		Adapter:             ad,
		CreatedAt:           now,
		lastActivity:        now,
	}
	sess.allowDestructive.Store(!isDefault)

	// Bind the userId slot under the lock so concurrent creates serialize:
	// the loser sees the winner's session as the previous one and closes it.
	var previous *Session
	m.mu.Lock()
	if params.UserID != "" {
		if prevID, ok := m.byUser[params.UserID]; ok {
			previous = m.sessions[prevID]
			delete(m.sessions, prevID)
		}
		m.byUser[params.UserID] = sess.ID
	}
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	if previous != nil {
		m.disconnect(ctx, previous)
	}

	m.metrics.SessionOpened(string(sess.Kind))
	slog.Info("session created",
		"sessionId", sess.ID,
		"kind", sess.Kind,
		"isolated", sess.IsIsolated,
		"default", sess.IsDefaultConnection)

	return &CreateResult{Session: sess, ServerVersion: version}, nil
}

// provisionIsolation ensures the tenant database exists, using a short-lived
// adapter bound to the engine's administrative scope, and returns the session
// URL rewritten to the tenant database.
func (m *Manager) provisionIsolation(ctx context.Context, kind config.Kind, url, userDatabase string) (string, error) {
	var adminDB string
	if kind == config.KindPostgres {
		adminDB = "postgres"
	}
	adminURL, err := adapter.WithDatabase(url, adminDB)
	if err != nil {
		return "", err
	}

	admin, err := m.newAdapter(kind, m.settings)
	if err != nil {
		return "", err
	}
	if err := admin.Connect(ctx, adminURL); err != nil {
		return "", fmt.Errorf("connect admin: %w", err)
	}
	defer func() {
		if err := admin.Disconnect(ctx); err != nil {
			slog.Warn("admin adapter disconnect failed", "kind", kind, "error", err)
		}
	}()

	switch kind {
	case config.KindPostgres:
		exists, err := admin.ExecuteQuery(ctx,
			fmt.Sprintf("SELECT 1 FROM pg_database WHERE datname = '%s'", userDatabase),
			"", adapter.QueryOptions{})
		if err != nil {
			return "", fmt.Errorf("check database: %w", err)
		}
		if exists.RowCount == 0 {
			if _, err := admin.ExecuteQuery(ctx,
				fmt.Sprintf(`CREATE DATABASE "%s"`, userDatabase),
				"", adapter.QueryOptions{}); err != nil {
				return "", fmt.Errorf("create database: %w", err)
			}
		}
	case config.KindMySQL:
		if _, err := admin.ExecuteQuery(ctx,
			fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", userDatabase),
			"", adapter.QueryOptions{}); err != nil {
			return "", fmt.Errorf("create database: %w", err)
		}
	}

	return adapter.WithDatabase(url, userDatabase)
}

// Get returns the session and refreshes its activity timestamp.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	sess.lastActivity = time.Now()
	return sess, true
}

// SetAllowDestructive toggles the destructive-operation override. Only valid
// on default connections; private connections are always unrestricted.
func (m *Manager) SetAllowDestructive(id string, allow bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !sess.IsDefaultConnection {
		return fmt.Errorf("session does not use a shared default connection")
	}
	sess.allowDestructive.Store(allow)
	return nil
}

// Close disconnects and removes a session.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if sess.UserID != "" && m.byUser[sess.UserID] == id {
			delete(m.byUser, sess.UserID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.disconnect(ctx, sess)
	return nil
}

// disconnect tears down the adapter; failures are logged, never surfaced.
func (m *Manager) disconnect(ctx context.Context, sess *Session) {
	if err := sess.Adapter.Disconnect(ctx); err != nil {
		slog.Warn("session disconnect failed",
			"sessionId", sess.ID,
			"kind", sess.Kind,
			"error", err)
	}
	m.metrics.SessionClosed(string(sess.Kind))
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) evictLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictIdle(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) evictIdle(now time.Time) {
	var expired []*Session
	m.mu.Lock()
	for id, sess := range m.sessions {
		if now.Sub(sess.lastActivity) > m.idleTimeout {
			delete(m.sessions, id)
			if sess.UserID != "" && m.byUser[sess.UserID] == id {
				delete(m.byUser, sess.UserID)
			}
			expired = append(expired, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		slog.Info("evicting idle session",
			"sessionId", sess.ID,
			"kind", sess.Kind,
			"idle", now.Sub(sess.lastActivity).Round(time.Second))
		m.disconnect(context.Background(), sess)
		m.metrics.SessionEvicted()
	}
}

// Stop halts eviction and closes every remaining session.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	remaining := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		remaining = append(remaining, sess)
	}
	m.sessions = make(map[string]*Session)
	m.byUser = make(map[string]string)
	m.mu.Unlock()

	for _, sess := range remaining {
		m.disconnect(ctx, sess)
	}
}
