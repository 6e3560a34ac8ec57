package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/querygate/querygate/internal/adapter"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/sanitize"
	"github.com/querygate/querygate/internal/session"
	"github.com/querygate/querygate/internal/signing"
	"github.com/querygate/querygate/internal/sqltext"
)

type executeRequest struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
	Database  string `json:"database"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
	Explain   bool   `json:"explain"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	sess, ok := s.authenticatePost(w, r, &req)
	if !ok {
		return
	}

	if err := s.validator.Validate(sess.Kind, req.Query, sanitize.Options{
		IsDefaultConnection: sess.IsDefaultConnection,
	}); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := sess.QueryOptions()
	opts.Limit = req.Limit
	opts.Offset = req.Offset
	opts.Explain = req.Explain

	started := time.Now()
	result, err := s.runQuery(r.Context(), sess, req.Query, req.Database, opts)
	s.metrics.QueryExecuted(string(sess.Kind), time.Since(started), err)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":   false,
				"cancelled": true,
				"error":     "query cancelled",
			})
			return
		}
		writeError(w, http.StatusBadRequest, sanitize.StripCredentials(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}

// runQuery executes one Mongo statement or a SQL batch. A batch runs its
// statements in order and returns the last row-producing result, falling
// back to the last result when nothing produced rows.
func (s *Server) runQuery(ctx context.Context, sess *session.Session, query, database string, opts adapter.QueryOptions) (*adapter.QueryResult, error) {
	if sess.Kind == config.KindMongo {
		return sess.Adapter.ExecuteQuery(ctx, query, database, opts)
	}

	statements := sqltext.SplitStatements(query)
	if len(statements) == 0 {
		return nil, fmt.Errorf("query is empty")
	}

	var last, lastRows *adapter.QueryResult
	for _, stmt := range statements {
		result, err := sess.Adapter.ExecuteQuery(ctx, stmt, database, opts)
		if err != nil {
			return nil, err
		}
		last = result
		if sqltext.IsSelectLike(stmt) {
			lastRows = result
		}
	}
	if lastRows != nil {
		return lastRows, nil
	}
	return last, nil
}

type exportRequest struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
	Database  string `json:"database"`
	Format    string `json:"format"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	sess, ok := s.authenticatePost(w, r, &req)
	if !ok {
		return
	}

	if req.Format != "csv" && req.Format != "json" {
		writeError(w, http.StatusBadRequest, `format must be "csv" or "json"`)
		return
	}
	if err := s.validator.Validate(sess.Kind, req.Query, sanitize.Options{
		IsDefaultConnection: sess.IsDefaultConnection,
	}); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sess.Kind != config.KindMongo {
		if n := len(sqltext.SplitStatements(req.Query)); n != 1 {
			writeError(w, http.StatusBadRequest, "export accepts exactly one statement")
			return
		}
	}

	// Isolated sessions may not reach across databases through qualified
	// identifiers.
	if sess.IsIsolated && sess.Kind == config.KindMySQL {
		allowed := map[string]bool{sess.UserDatabase: true}
		if req.Database != "" {
			allowed[req.Database] = true
		}
		for _, name := range sanitize.ExtractMySQLDatabases(req.Query) {
			if !allowed[name] {
				writeError(w, http.StatusForbidden,
					fmt.Sprintf("query references database %q outside the session scope", name))
				return
			}
		}
	}

	opts := sess.QueryOptions()
	opts.NoDefaultLimit = true

	result, err := s.runQuery(r.Context(), sess, req.Query, req.Database, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, sanitize.StripCredentials(err.Error()))
		return
	}

	if req.Format == "csv" {
		writeCSV(w, result)
		return
	}
	writeJSONExport(w, result)
}

// exportColumns returns the declared column names, or the union of row keys
// when the result carries none.
func exportColumns(result *adapter.QueryResult) []string {
	if len(result.Columns) > 0 {
		names := make([]string, len(result.Columns))
		for i, col := range result.Columns {
			names[i] = col.Name
		}
		return names
	}
	seen := make(map[string]bool)
	var names []string
	for _, row := range result.Rows {
		for key := range row {
			if !seen[key] {
				seen[key] = true
				names = append(names, key)
			}
		}
	}
	return names
}

// csvCell coerces a value to its cell text: objects render as canonical
// JSON, everything else as its plain string form.
func csvCell(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case map[string]interface{}, []interface{}:
		if text, err := signing.Canonical(val); err == nil {
			return text
		}
		return fmt.Sprint(val)
	default:
		return fmt.Sprint(val)
	}
}

func writeCSV(w http.ResponseWriter, result *adapter.QueryResult) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="export.csv"`)
	w.WriteHeader(http.StatusOK)

	columns := exportColumns(result)
	cw := csv.NewWriter(w)
	_ = cw.Write(columns)

	record := make([]string, len(columns))
	for _, row := range result.Rows {
		for i, name := range columns {
			record[i] = csvCell(row[name])
		}
		_ = cw.Write(record)
	}
	cw.Flush()
}

func writeJSONExport(w http.ResponseWriter, result *adapter.QueryResult) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="export.json"`)
	w.WriteHeader(http.StatusOK)

	rows := result.Rows
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	_ = json.NewEncoder(w).Encode(rows)
}

type transactionRequest struct {
	SessionID string `json:"sessionId"`
	Action    string `json:"action"`
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	sess, ok := s.authenticatePost(w, r, &req)
	if !ok {
		return
	}

	var err error
	switch req.Action {
	case "begin":
		err = sess.Adapter.BeginTransaction(r.Context())
	case "commit":
		err = sess.Adapter.CommitTransaction(r.Context())
	case "rollback":
		err = sess.Adapter.RollbackTransaction(r.Context())
	default:
		writeError(w, http.StatusBadRequest, `action must be "begin", "commit", or "rollback"`)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, sanitize.StripCredentials(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"action":            req.Action,
		"transactionActive": sess.Adapter.IsTransactionActive(),
	})
}
