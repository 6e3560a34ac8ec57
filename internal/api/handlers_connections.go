package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/adapter"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/sanitize"
	"github.com/querygate/querygate/internal/session"
)

// urlPrefixes lists the accepted URL schemes per kind.
var urlPrefixes = map[config.Kind][]string{
	config.KindPostgres: {"postgresql://", "postgres://"},
	config.KindMySQL:    {"mysql://"},
	config.KindMongo:    {"mongodb://", "mongodb+srv://"},
}

func validateKindURL(kind config.Kind, url string) error {
	if !kind.Valid() {
		return fmt.Errorf("unsupported database kind %q", kind)
	}
	for _, prefix := range urlPrefixes[kind] {
		if strings.HasPrefix(url, prefix) {
			return nil
		}
	}
	return fmt.Errorf("connection URL does not match kind %s", kind)
}

type connectionTestRequest struct {
	Kind          config.Kind `json:"kind"`
	ConnectionURL string      `json:"connectionUrl"`
}

func (s *Server) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	var req connectionTestRequest
	if _, err := decodeJSON(data, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateKindURL(req.Kind, req.ConnectionURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ad, err := adapter.New(req.Kind, adapter.Settings{
		QueryTimeout: s.cfg.Query.Timeout,
		DefaultLimit: s.cfg.Query.DefaultLimit,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := ad.Connect(ctx, req.ConnectionURL); err != nil {
		writeError(w, http.StatusBadRequest, sanitize.StripCredentials(err.Error()))
		return
	}
	defer ad.Disconnect(ctx)

	version, err := ad.GetServerVersion(ctx)
	if err != nil {
		writeError(w, http.StatusBadRequest, sanitize.StripCredentials(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"serverVersion": version,
	})
}

type connectRequest struct {
	Kind               config.Kind `json:"kind"`
	ConnectionURL      string      `json:"connectionUrl"`
	UserID             string      `json:"userId"`
	UseDefaultDatabase bool        `json:"useDefaultDatabase"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	var req connectRequest
	if _, err := decodeJSON(data, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	url := req.ConnectionURL
	if req.UseDefaultDatabase {
		url = ""
	}
	if url != "" {
		if err := validateKindURL(req.Kind, url); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported database kind %q", req.Kind))
		return
	}

	res, err := s.sessions.Create(r.Context(), session.CreateParams{
		Kind:          req.Kind,
		ConnectionURL: url,
		UserID:        req.UserID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, sanitize.StripCredentials(err.Error()))
		return
	}

	body := map[string]interface{}{
		"success":             true,
		"sessionId":           res.Session.ID,
		"signingKey":          res.Session.SigningKey,
		"serverVersion":       res.ServerVersion,
		"isIsolated":          res.Session.IsIsolated,
		"isDefaultConnection": res.Session.IsDefaultConnection,
	}
	if res.Session.UserDatabase != "" {
		body["userDatabase"] = res.Session.UserDatabase
	}
	writeJSON(w, http.StatusOK, body)
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	sess, ok := s.authenticatePost(w, r, &req)
	if !ok {
		return
	}
	if err := s.sessions.Close(r.Context(), sess.ID); err != nil {
		writeError(w, http.StatusUnauthorized, "unknown or expired session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Timestamp int64  `json:"timestamp"`
	}
	if _, ok := s.authenticatePost(w, r, &req); !ok {
		return
	}
	// Authentication already refreshed lastActivity.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleSessionExtend(w http.ResponseWriter, r *http.Request) {
	code := s.cfg.Admin.ExtendCode
	if code == "" {
		writeError(w, http.StatusNotFound, "session extension is not configured")
		return
	}

	var req sessionRequest
	sess, ok := s.authenticatePost(w, r, &req)
	if !ok {
		return
	}

	provided := r.Header.Get("x-request-code")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(code)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid request code")
		return
	}

	if err := s.sessions.SetAllowDestructive(sess.ID, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
