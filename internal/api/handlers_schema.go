package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/querygate/querygate/internal/sanitize"
)

func (s *Server) handleSchemaDatabases(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.authenticateGet(w, r)
	if !ok {
		return
	}

	databases, err := sess.Adapter.GetDatabases(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, sanitize.StripCredentials(err.Error()))
		return
	}
	if databases == nil {
		databases = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"databases": databases,
	})
}

func (s *Server) handleSchemaTables(w http.ResponseWriter, r *http.Request) {
	sess, params, ok := s.authenticateGet(w, r)
	if !ok {
		return
	}
	database := params["database"]
	if database == "" {
		writeError(w, http.StatusBadRequest, "missing database parameter")
		return
	}

	tables, err := sess.Adapter.GetTables(r.Context(), database)
	if err != nil {
		writeError(w, http.StatusBadRequest, sanitize.StripCredentials(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tables":  tables,
	})
}

func (s *Server) handleSchemaColumns(w http.ResponseWriter, r *http.Request) {
	sess, params, ok := s.authenticateGet(w, r)
	if !ok {
		return
	}
	database, table := params["database"], params["table"]
	if database == "" || table == "" {
		writeError(w, http.StatusBadRequest, "missing database or table parameter")
		return
	}

	columns, err := sess.Adapter.GetColumns(r.Context(), database, table)
	if err != nil {
		writeError(w, http.StatusBadRequest, sanitize.StripCredentials(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"columns": columns,
	})
}

// handleConfigDatabases lists the configured default connections. URLs are
// never exposed.
func (s *Server) handleConfigDatabases(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Kind        string `json:"kind"`
		DisplayName string `json:"displayName"`
	}
	out := make([]entry, 0, len(s.cfg.Defaults))
	for _, d := range s.cfg.Defaults {
		out = append(out, entry{Kind: string(d.Kind), DisplayName: d.DisplayName})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"databases": out,
	})
}

func (s *Server) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := s.cfg.Admin.CleanupToken
	if token == "" {
		writeError(w, http.StatusServiceUnavailable, "admin cleanup is not configured")
		return
	}
	provided := r.Header.Get("x-admin-token")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}

	if err := s.scheduler.RunCleanup(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup finished with errors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
