package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/querygate/querygate/internal/adapter"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/metrics"
	"github.com/querygate/querygate/internal/ratelimit"
	"github.com/querygate/querygate/internal/redisstore"
	"github.com/querygate/querygate/internal/session"
	"github.com/querygate/querygate/internal/signing"
)

const testSigningKey = "aaaabbbbccccddddeeeeffff00001111aaaabbbbccccddddeeeeffff00001111"

type fakeAdapter struct {
	queries   []string
	databases []string
	options   []adapter.QueryOptions
	result    *adapter.QueryResult
	queryErr  error
	txActive  bool
	dbList    []string
}

func (f *fakeAdapter) Connect(ctx context.Context, url string) error { return nil }
func (f *fakeAdapter) Disconnect(ctx context.Context) error          { return nil }
func (f *fakeAdapter) IsConnected() bool                             { return true }
func (f *fakeAdapter) ExecuteQuery(ctx context.Context, query, database string, opts adapter.QueryOptions) (*adapter.QueryResult, error) {
	f.queries = append(f.queries, query)
	f.databases = append(f.databases, database)
	f.options = append(f.options, opts)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &adapter.QueryResult{Rows: []map[string]interface{}{}, Columns: []adapter.Column{}}, nil
}
func (f *fakeAdapter) GetDatabases(ctx context.Context) ([]string, error) { return f.dbList, nil }
func (f *fakeAdapter) GetTables(ctx context.Context, database string) ([]adapter.TableInfo, error) {
	return []adapter.TableInfo{{Name: "users", Type: "table"}}, nil
}
func (f *fakeAdapter) GetColumns(ctx context.Context, database, table string) ([]adapter.ColumnInfo, error) {
	return []adapter.ColumnInfo{{Name: "id", Type: "integer", PrimaryKey: true}}, nil
}
func (f *fakeAdapter) GetServerVersion(ctx context.Context) (string, error) { return "17.0", nil }
func (f *fakeAdapter) BeginTransaction(ctx context.Context) error {
	if f.txActive {
		return adapter.ErrTransactionActive
	}
	f.txActive = true
	return nil
}
func (f *fakeAdapter) CommitTransaction(ctx context.Context) error {
	if !f.txActive {
		return adapter.ErrNoTransaction
	}
	f.txActive = false
	return nil
}
func (f *fakeAdapter) RollbackTransaction(ctx context.Context) error {
	if !f.txActive {
		return adapter.ErrNoTransaction
	}
	f.txActive = false
	return nil
}
func (f *fakeAdapter) IsTransactionActive() bool                              { return f.txActive }
func (f *fakeAdapter) CleanupDatabase(ctx context.Context, database string) error { return nil }
func (f *fakeAdapter) DropAllUserDatabases(ctx context.Context) error             { return nil }
func (f *fakeAdapter) Kind() config.Kind                                          { return config.KindPostgres }

type fakeSessionStore struct {
	sessions     map[string]*session.Session
	createResult *session.CreateResult
	createErr    error
	closed       []string
	destructive  map[string]bool
}

func newFakeStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions:    make(map[string]*session.Session),
		destructive: make(map[string]bool),
	}
}

func (f *fakeSessionStore) Create(ctx context.Context, params session.CreateParams) (*session.CreateResult, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResult, nil
}

func (f *fakeSessionStore) Get(id string) (*session.Session, bool) {
	sess, ok := f.sessions[id]
	return sess, ok
}

func (f *fakeSessionStore) SetAllowDestructive(id string, allow bool) error {
	if _, ok := f.sessions[id]; !ok {
		return session.ErrNotFound
	}
	f.destructive[id] = allow
	return nil
}

func (f *fakeSessionStore) Close(ctx context.Context, id string) error {
	if _, ok := f.sessions[id]; !ok {
		return session.ErrNotFound
	}
	delete(f.sessions, id)
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeSessionStore) Count() int { return len(f.sessions) }

type fakeCleanup struct {
	called bool
	err    error
}

func (f *fakeCleanup) RunCleanup(ctx context.Context) error {
	f.called = true
	return f.err
}

func testConfig() *config.Config {
	return &config.Config{
		Listen: config.ListenConfig{Port: 0, Bind: "127.0.0.1"},
		Query: config.QueryConfig{
			Timeout:        30 * time.Second,
			DefaultLimit:   1000,
			MaxLength:      50000,
			MaxNestedDepth: 20,
		},
		Limits: config.LimitsConfig{
			QueryMax:       100,
			ConnectionMax:  100,
			Window:         time.Minute,
			SessionTimeout: 30 * time.Minute,
		},
	}
}

// newTestServer wires a server around fakes with a live miniredis behind the
// limiters.
func newTestServer(t *testing.T, cfg *config.Config, store SessionStore, cleanup CleanupRunner) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rs := redisstore.New("redis://"+mr.Addr(), 1, 10*time.Millisecond)
	t.Cleanup(func() { rs.Close() })
	return NewServer(Deps{
		Config:       cfg,
		Sessions:     store,
		Scheduler:    cleanup,
		Metrics:      metrics.New(),
		QueryLimiter: ratelimit.New(rs, "rl:query", cfg.Limits.QueryMax, cfg.Limits.Window),
		ConnLimiter:  ratelimit.New(rs, "rl:conn", cfg.Limits.ConnectionMax, cfg.Limits.Window),
	})
}

func addSession(store *fakeSessionStore, sess *session.Session) *session.Session {
	if sess.ID == "" {
		sess.ID = "sess-1"
	}
	if sess.SigningKey == "" {
		sess.SigningKey = testSigningKey
	}
	if sess.Kind == "" {
		sess.Kind = config.KindPostgres
	}
	if sess.Adapter == nil {
		sess.Adapter = &fakeAdapter{}
	}
	store.sessions[sess.ID] = sess
	return sess
}

// signedPost builds a POST with valid x-timestamp/x-signature headers over
// the JSON payload.
func signedPost(t *testing.T, path, key string, payload map[string]interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := signing.Sign(key, ts, payload)
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-timestamp", ts)
	req.Header.Set("x-signature", sig)
	return req
}

// signedGet builds a GET whose signature covers the query-string parameters.
func signedGet(t *testing.T, path, key string, params map[string]string) *http.Request {
	t.Helper()
	values := url.Values{}
	payload := make(map[string]interface{}, len(params))
	for k, v := range params {
		values.Set(k, v)
		payload[k] = v
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := signing.Sign(key, ts, payload)
	if err != nil {
		t.Fatalf("sign params: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, path+"?"+values.Encode(), nil)
	req.Header.Set("x-timestamp", ts)
	req.Header.Set("x-signature", sig)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestExecuteSigned(t *testing.T) {
	store := newFakeStore()
	fa := &fakeAdapter{result: &adapter.QueryResult{
		Rows:     []map[string]interface{}{{"n": float64(1)}},
		Columns:  []adapter.Column{{Name: "n", Type: "integer"}},
		RowCount: 1,
	}}
	addSession(store, &session.Session{ID: "sess-1", Adapter: fa})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	req := signedPost(t, "/query/execute", testSigningKey, map[string]interface{}{
		"sessionId": "sess-1",
		"query":     "SELECT 1 AS n",
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("expected success, got %v", body)
	}
	if len(fa.queries) != 1 || fa.queries[0] != "SELECT 1 AS n" {
		t.Errorf("adapter saw queries %v", fa.queries)
	}
}

func TestExecuteRejectsBadSignatures(t *testing.T) {
	store := newFakeStore()
	addSession(store, &session.Session{ID: "sess-1"})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	payload := map[string]interface{}{"sessionId": "sess-1", "query": "SELECT 1"}

	tests := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{"tampered body", func(r *http.Request) {
			body, _ := json.Marshal(map[string]interface{}{"sessionId": "sess-1", "query": "SELECT 2"})
			r.Body = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)).Body
			r.ContentLength = int64(len(body))
		}},
		{"missing signature", func(r *http.Request) { r.Header.Del("x-signature") }},
		{"missing timestamp", func(r *http.Request) { r.Header.Del("x-timestamp") }},
		{"stale timestamp", func(r *http.Request) {
			old := strconv.FormatInt(time.Now().Add(-10*time.Minute).UnixMilli(), 10)
			sig, _ := signing.Sign(testSigningKey, old, payload)
			r.Header.Set("x-timestamp", old)
			r.Header.Set("x-signature", sig)
		}},
		{"wrong key", func(r *http.Request) {
			ts := r.Header.Get("x-timestamp")
			sig, _ := signing.Sign(strings.Repeat("ff", 32), ts, payload)
			r.Header.Set("x-signature", sig)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedPost(t, "/query/execute", testSigningKey, payload)
			tt.mutate(req)
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestExecuteUnknownSession(t *testing.T) {
	srv := newTestServer(t, testConfig(), newFakeStore(), &fakeCleanup{})

	req := signedPost(t, "/query/execute", testSigningKey, map[string]interface{}{
		"sessionId": "no-such",
		"query":     "SELECT 1",
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestExecuteValidationRejected(t *testing.T) {
	store := newFakeStore()
	fa := &fakeAdapter{}
	addSession(store, &session.Session{ID: "sess-1", Adapter: fa, IsDefaultConnection: true})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	req := signedPost(t, "/query/execute", testSigningKey, map[string]interface{}{
		"sessionId": "sess-1",
		"query":     "SELECT 1; DROP TABLE users",
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(fa.queries) != 0 {
		t.Errorf("rejected query must not reach the adapter, saw %v", fa.queries)
	}
}

func TestExecuteBatchReturnsLastSelect(t *testing.T) {
	store := newFakeStore()
	fa := &fakeAdapter{result: &adapter.QueryResult{
		Rows:     []map[string]interface{}{{"n": float64(1)}},
		RowCount: 1,
	}}
	addSession(store, &session.Session{ID: "sess-1", Adapter: fa})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	req := signedPost(t, "/query/execute", testSigningKey, map[string]interface{}{
		"sessionId": "sess-1",
		"query":     "INSERT INTO t VALUES (1); SELECT * FROM t",
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(fa.queries) != 2 {
		t.Fatalf("expected 2 statements, adapter saw %v", fa.queries)
	}
	if fa.queries[1] != "SELECT * FROM t" {
		t.Errorf("second statement = %q", fa.queries[1])
	}
}

func TestExecuteAdapterError(t *testing.T) {
	store := newFakeStore()
	fa := &fakeAdapter{queryErr: errors.New(`connect failed for postgresql://admin:hunter2@db:5432/app`)}
	addSession(store, &session.Session{ID: "sess-1", Adapter: fa})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	req := signedPost(t, "/query/execute", testSigningKey, map[string]interface{}{
		"sessionId": "sess-1",
		"query":     "SELECT 1",
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Error("error response leaked credentials")
	}
}

func TestBodyLimit(t *testing.T) {
	store := newFakeStore()
	addSession(store, &session.Session{ID: "sess-1"})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	big := strings.Repeat("x", maxBodyBytes+1)
	payload := map[string]interface{}{"sessionId": "sess-1", "query": big}
	req := signedPost(t, "/query/execute", testSigningKey, payload)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.QueryMax = 1
	store := newFakeStore()
	addSession(store, &session.Session{ID: "sess-1"})
	srv := newTestServer(t, cfg, store, &fakeCleanup{})

	payload := map[string]interface{}{"sessionId": "sess-1", "query": "SELECT 1"}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, signedPost(t, "/query/execute", testSigningKey, payload))
	if rec.Code == http.StatusTooManyRequests {
		t.Fatal("first request should not be rate limited")
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, signedPost(t, "/query/execute", testSigningKey, payload))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response should carry Retry-After")
	}
	if rec.Header().Get("RateLimit-Remaining") != "0" {
		t.Errorf("RateLimit-Remaining = %s", rec.Header().Get("RateLimit-Remaining"))
	}
}

func TestSessionExtend(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		store := newFakeStore()
		addSession(store, &session.Session{ID: "sess-1"})
		srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

		req := signedPost(t, "/connections/session-extend", testSigningKey,
			map[string]interface{}{"sessionId": "sess-1"})
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("wrong code", func(t *testing.T) {
		cfg := testConfig()
		cfg.Admin.ExtendCode = "extend-secret-1"
		store := newFakeStore()
		addSession(store, &session.Session{ID: "sess-1"})
		srv := newTestServer(t, cfg, store, &fakeCleanup{})

		req := signedPost(t, "/connections/session-extend", testSigningKey,
			map[string]interface{}{"sessionId": "sess-1"})
		req.Header.Set("x-request-code", "wrong")
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if store.destructive["sess-1"] {
			t.Error("destructive flag must not be set on rejection")
		}
	})

	t.Run("accepted", func(t *testing.T) {
		cfg := testConfig()
		cfg.Admin.ExtendCode = "extend-secret-1"
		store := newFakeStore()
		addSession(store, &session.Session{ID: "sess-1"})
		srv := newTestServer(t, cfg, store, &fakeCleanup{})

		req := signedPost(t, "/connections/session-extend", testSigningKey,
			map[string]interface{}{"sessionId": "sess-1"})
		req.Header.Set("x-request-code", "extend-secret-1")
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		if !store.destructive["sess-1"] {
			t.Error("destructive flag should be set")
		}
	})
}

func TestAdminCleanup(t *testing.T) {
	withToken := func(token string) *config.Config {
		cfg := testConfig()
		cfg.Admin.CleanupToken = token
		return cfg
	}

	t.Run("get not allowed", func(t *testing.T) {
		srv := newTestServer(t, withToken("cleanup-secret-1"), newFakeStore(), &fakeCleanup{})
		req := httptest.NewRequest(http.MethodGet, "/admin/cleanup", nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		srv := newTestServer(t, testConfig(), newFakeStore(), &fakeCleanup{})
		req := httptest.NewRequest(http.MethodPost, "/admin/cleanup", nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		cleanup := &fakeCleanup{}
		srv := newTestServer(t, withToken("cleanup-secret-1"), newFakeStore(), cleanup)
		req := httptest.NewRequest(http.MethodPost, "/admin/cleanup", nil)
		req.Header.Set("x-admin-token", "wrong")
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if cleanup.called {
			t.Error("cleanup must not run with a bad token")
		}
	})

	t.Run("cleanup failure", func(t *testing.T) {
		cleanup := &fakeCleanup{err: errors.New("boom")}
		srv := newTestServer(t, withToken("cleanup-secret-1"), newFakeStore(), cleanup)
		req := httptest.NewRequest(http.MethodPost, "/admin/cleanup", nil)
		req.Header.Set("x-admin-token", "cleanup-secret-1")
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})

	t.Run("accepted", func(t *testing.T) {
		cleanup := &fakeCleanup{}
		srv := newTestServer(t, withToken("cleanup-secret-1"), newFakeStore(), cleanup)
		req := httptest.NewRequest(http.MethodPost, "/admin/cleanup", nil)
		req.Header.Set("x-admin-token", "cleanup-secret-1")
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		if !cleanup.called {
			t.Error("cleanup should have run")
		}
	})
}

func TestExportCSV(t *testing.T) {
	store := newFakeStore()
	fa := &fakeAdapter{result: &adapter.QueryResult{
		Rows: []map[string]interface{}{
			{"id": float64(1), "name": "ada"},
			{"id": float64(2), "name": "grace, the second"},
		},
		Columns:  []adapter.Column{{Name: "id", Type: "integer"}, {Name: "name", Type: "text"}},
		RowCount: 2,
	}}
	addSession(store, &session.Session{ID: "sess-1", Adapter: fa})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	req := signedPost(t, "/query/export", testSigningKey, map[string]interface{}{
		"sessionId": "sess-1",
		"query":     "SELECT id, name FROM people",
		"format":    "csv",
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %s", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines: %q", len(lines), lines)
	}
	if lines[0] != "id,name" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], `"grace, the second"`) {
		t.Errorf("embedded comma not quoted: %q", lines[2])
	}
	if len(fa.options) == 0 || !fa.options[0].NoDefaultLimit {
		t.Error("export should disable the default row cap")
	}
}

func TestExportRejectsBadFormat(t *testing.T) {
	store := newFakeStore()
	addSession(store, &session.Session{ID: "sess-1"})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	req := signedPost(t, "/query/export", testSigningKey, map[string]interface{}{
		"sessionId": "sess-1",
		"query":     "SELECT 1",
		"format":    "xlsx",
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestExportIsolationBoundary(t *testing.T) {
	store := newFakeStore()
	fa := &fakeAdapter{}
	addSession(store, &session.Session{
		ID:           "sess-1",
		Kind:         config.KindMySQL,
		Adapter:      fa,
		IsIsolated:   true,
		UserDatabase: "u_0123456789abcdef",
	})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	t.Run("cross-database reference denied", func(t *testing.T) {
		req := signedPost(t, "/query/export", testSigningKey, map[string]interface{}{
			"sessionId": "sess-1",
			"query":     "SELECT * FROM otherdb.accounts",
			"format":    "json",
		})
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
		if len(fa.queries) != 0 {
			t.Errorf("forbidden query must not reach the adapter, saw %v", fa.queries)
		}
	})

	t.Run("own database allowed", func(t *testing.T) {
		req := signedPost(t, "/query/export", testSigningKey, map[string]interface{}{
			"sessionId": "sess-1",
			"query":     "SELECT * FROM u_0123456789abcdef.accounts",
			"format":    "json",
		})
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
	})
}

func TestTransactionActions(t *testing.T) {
	store := newFakeStore()
	fa := &fakeAdapter{}
	addSession(store, &session.Session{ID: "sess-1", Adapter: fa})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	do := func(action string) *httptest.ResponseRecorder {
		req := signedPost(t, "/transaction", testSigningKey, map[string]interface{}{
			"sessionId": "sess-1",
			"action":    action,
		})
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		return rec
	}

	rec := do("begin")
	if rec.Code != http.StatusOK {
		t.Fatalf("begin status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["transactionActive"] != true {
		t.Errorf("begin should report an active transaction, got %v", body)
	}

	rec = do("commit")
	if rec.Code != http.StatusOK {
		t.Fatalf("commit status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["transactionActive"] != false {
		t.Errorf("commit should report no active transaction, got %v", body)
	}

	// Rollback without a transaction surfaces the adapter error.
	if rec = do("rollback"); rec.Code != http.StatusBadRequest {
		t.Errorf("rollback without transaction status = %d, want 400", rec.Code)
	}
	if rec = do("savepoint"); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d, want 400", rec.Code)
	}
}

func TestConnect(t *testing.T) {
	store := newFakeStore()
	store.createResult = &session.CreateResult{
		Session: &session.Session{
			ID:                  "sess-new",
			SigningKey:          testSigningKey,
			Kind:                config.KindPostgres,
			IsDefaultConnection: true,
			IsIsolated:          true,
			UserDatabase:        "u_feedfacecafebeef",
		},
		ServerVersion: "17.0",
	}
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	body, _ := json.Marshal(map[string]interface{}{
		"kind":               "postgresql",
		"useDefaultDatabase": true,
		"userId":             "user-42",
	})
	req := httptest.NewRequest(http.MethodPost, "/connections/connect", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["sessionId"] != "sess-new" || got["signingKey"] != testSigningKey {
		t.Errorf("unexpected response %v", got)
	}
	if got["userDatabase"] != "u_feedfacecafebeef" {
		t.Errorf("userDatabase = %v", got["userDatabase"])
	}
}

func TestConnectRejectsKindMismatch(t *testing.T) {
	srv := newTestServer(t, testConfig(), newFakeStore(), &fakeCleanup{})

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"unknown kind", map[string]interface{}{"kind": "oracle", "connectionUrl": "oracle://h/x"}},
		{"url scheme mismatch", map[string]interface{}{"kind": "mysql", "connectionUrl": "postgresql://h:5432/db"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			req := httptest.NewRequest(http.MethodPost, "/connections/connect", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestDisconnect(t *testing.T) {
	store := newFakeStore()
	addSession(store, &session.Session{ID: "sess-1"})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	req := signedPost(t, "/connections/disconnect", testSigningKey,
		map[string]interface{}{"sessionId": "sess-1"})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(store.closed) != 1 || store.closed[0] != "sess-1" {
		t.Errorf("closed = %v", store.closed)
	}
}

func TestKeepalive(t *testing.T) {
	store := newFakeStore()
	addSession(store, &session.Session{ID: "sess-1"})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	req := signedPost(t, "/connections/keepalive", testSigningKey, map[string]interface{}{
		"sessionId": "sess-1",
		"timestamp": time.Now().UnixMilli(),
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSchemaEndpoints(t *testing.T) {
	store := newFakeStore()
	fa := &fakeAdapter{dbList: []string{"app", "analytics"}}
	addSession(store, &session.Session{ID: "sess-1", Adapter: fa})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	t.Run("databases", func(t *testing.T) {
		req := signedGet(t, "/schema/databases", testSigningKey, map[string]string{
			"sessionId": "sess-1",
		})
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		dbs, _ := body["databases"].([]interface{})
		if len(dbs) != 2 {
			t.Errorf("databases = %v", body["databases"])
		}
	})

	t.Run("tables requires database", func(t *testing.T) {
		req := signedGet(t, "/schema/tables", testSigningKey, map[string]string{
			"sessionId": "sess-1",
		})
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("columns", func(t *testing.T) {
		req := signedGet(t, "/schema/columns", testSigningKey, map[string]string{
			"sessionId": "sess-1",
			"database":  "app",
			"table":     "users",
		})
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unsigned get rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/schema/databases?sessionId=sess-1", nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestConfigDatabasesHidesURLs(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults = []config.DefaultDatabase{
		{Kind: config.KindPostgres, URL: "postgresql://admin:hunter2@db:5432/app", DisplayName: "Main"},
	}
	srv := newTestServer(t, cfg, newFakeStore(), &fakeCleanup{})

	req := httptest.NewRequest(http.MethodGet, "/config/databases", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") || strings.Contains(rec.Body.String(), "postgresql://") {
		t.Errorf("response leaked connection URL: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Main") {
		t.Errorf("display name missing: %s", rec.Body.String())
	}
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	store := newFakeStore()
	addSession(store, &session.Session{ID: "sess-1"})
	addSession(store, &session.Session{ID: "sess-2"})
	srv := newTestServer(t, testConfig(), store, &fakeCleanup{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if fmt.Sprint(body["sessions"]) != "2" {
		t.Errorf("sessions = %v", body["sessions"])
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options header")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options header")
	}
}
