package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/querygate/querygate/internal/ratelimit"
	"github.com/querygate/querygate/internal/session"
	"github.com/querygate/querygate/internal/signing"
)

// securityHeaders applies the standing response headers.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// bodyLimit caps request bodies; oversized reads surface as 413 when the
// handler consumes the body.
func (s *Server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies a fixed-window limiter keyed by client IP.
func (s *Server) rateLimit(limiter *ratelimit.Limiter, class string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Allow(r.Context(), ratelimit.ClientIP(r))
			res.DecorateHeaders(w.Header(), time.Now())
			if !res.Allowed {
				s.metrics.RateLimitDenied(class)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// readBody consumes and returns the request body, translating the body-cap
// error into 413.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds 1 MB")
		} else {
			writeError(w, http.StatusBadRequest, "unreadable request body")
		}
		return nil, false
	}
	return data, true
}

// decodeJSON parses a request body into both the signature payload form and
// a typed request struct.
func decodeJSON(data []byte, dst interface{}) (map[string]interface{}, error) {
	payload := make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if dst != nil {
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// authenticatePost verifies the signed POST protocol: parse the body, locate
// the session named by sessionId, and check the HMAC over the body payload.
func (s *Server) authenticatePost(w http.ResponseWriter, r *http.Request, dst interface{}) (*session.Session, bool) {
	data, ok := readBody(w, r)
	if !ok {
		return nil, false
	}
	payload, err := decodeJSON(data, dst)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return s.verifySession(w, r, payload)
}

// authenticateGet verifies the signed GET protocol: the payload is the map
// of query-string parameters.
func (s *Server) authenticateGet(w http.ResponseWriter, r *http.Request) (*session.Session, map[string]string, bool) {
	params := make(map[string]string)
	payload := make(map[string]interface{})
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
			payload[key] = values[0]
		}
	}
	sess, ok := s.verifySession(w, r, payload)
	if !ok {
		return nil, nil, false
	}
	return sess, params, true
}

func (s *Server) verifySession(w http.ResponseWriter, r *http.Request, payload map[string]interface{}) (*session.Session, bool) {
	id, _ := payload["sessionId"].(string)
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing sessionId")
		return nil, false
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown or expired session")
		return nil, false
	}

	err := signing.Verify(
		sess.SigningKey,
		r.Header.Get("x-timestamp"),
		r.Header.Get("x-signature"),
		payload,
		time.Now(),
	)
	if err != nil {
		s.metrics.SignatureRejected()
		writeError(w, http.StatusUnauthorized, "invalid request signature")
		return nil, false
	}
	return sess, true
}
