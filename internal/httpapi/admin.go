package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lukasbauer/negocia/internal/insight"
)

// AdminClaims are the claims of an admin bearer token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// withAdmin is middleware that requires a valid HS256 token with role "admin".
func (r *Router) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		authHeader := req.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, `{"error": "missing authorization header"}`, http.StatusUnauthorized)
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			http.Error(w, `{"error": "invalid authorization format"}`, http.StatusUnauthorized)
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(r.cfg.AdminJWTSecret), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(*AdminClaims)
		if !ok || claims.Role != "admin" {
			http.Error(w, `{"error": "admin access required"}`, http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, req)
	}
}

// handleAdminListSessions returns every live session with aggregate stats.
func (r *Router) handleAdminListSessions(w http.ResponseWriter, _ *http.Request) {
	infos, stats := r.query.List()
	writeJSON(w, http.StatusOK, sessionList{Sessions: infos, Stats: stats})
}

// handleAdminCloseSession closes a session out of band.
func (r *Router) handleAdminCloseSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.registry.Close(req.Context(), id); err != nil {
		r.writeLookupError(w, req, err)
		return
	}
	r.logger.Printf("admin: closed session_id=%s", id)
	writeJSON(w, http.StatusOK, map[string]any{"status": "closed", "session_id": id})
}

// handleAdminGetExport returns the persisted record of an evicted session.
func (r *Router) handleAdminGetExport(w http.ResponseWriter, req *http.Request) {
	if r.exports == nil {
		writeError(w, http.StatusNotImplemented, "no export store configured")
		return
	}
	rec, err := r.exports.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		if errors.Is(err, insight.ErrNotFound) {
			writeError(w, http.StatusNotFound, "export not found")
			return
		}
		r.writeLookupError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleAdminListExports returns the most recent exports, newest first.
// ?limit= bounds the list (default 50, max 500).
func (r *Router) handleAdminListExports(w http.ResponseWriter, req *http.Request) {
	if r.exports == nil {
		writeError(w, http.StatusNotImplemented, "no export store configured")
		return
	}
	limit, ok := parseLimit(req, 50, 500)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	exports, err := r.exports.ListExports(req.Context(), limit)
	if err != nil {
		r.writeLookupError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": exports, "count": len(exports)})
}

// handleAdminSessionEvents returns the event journal of one session.
func (r *Router) handleAdminSessionEvents(w http.ResponseWriter, req *http.Request) {
	if r.history == nil {
		writeError(w, http.StatusNotImplemented, "no event journal configured")
		return
	}
	limit, ok := parseLimit(req, 200, 1000)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	id := req.PathValue("id")
	events, err := r.history.ListSessionEvents(req.Context(), id, limit)
	if err != nil {
		r.writeLookupError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}

func parseLimit(req *http.Request, def, max int) (int, bool) {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}
