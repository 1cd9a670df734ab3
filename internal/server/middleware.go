package server

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vulnz/vulnz/internal/auth"
	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/metrics"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	principalKey contextKey = "principal"
)

// withRequestID exposes chi's request ID under requestIDKey and in the
// X-Request-ID response header so API errors can be matched to log lines.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := middleware.GetReqID(r.Context())
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID returns the request ID stored by withRequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// routeOf is the chi pattern that matched r, so /api/websites/{id} is one
// metric series and one log shape whatever the id.
func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unmatched"
}

// observeRequests logs every request and records its metrics. Scrapes of
// /metrics are served without either.
func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		metrics.IncrementActiveRequests()
		defer metrics.DecrementActiveRequests()

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)

		route := routeOf(r)
		metrics.RecordRequest(route, rw.status, elapsed)
		s.logger.Info("request",
			"request_id", GetRequestID(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", elapsed,
			"remote", r.RemoteAddr)
	})
}

// principal is the authenticated caller of a request.
type principal struct {
	User  *database.User
	Roles []string
}

func (p *principal) IsAdmin() bool {
	return slices.Contains(p.Roles, database.RoleAdministrator)
}

// currentUser returns the authenticated caller, or nil.
func currentUser(ctx context.Context) *principal {
	p, _ := ctx.Value(principalKey).(*principal)
	return p
}

// Authenticate resolves the caller from the X-API-Key header, falling back
// to the session cookie. It never rejects a request itself: an invalid key
// leaves the request anonymous and requireUser turns that into a 401.
// Blocked accounts are rejected with 403.
func (s *Server) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var (
			user *database.User
			err  error
		)
		if key := r.Header.Get("X-API-Key"); key != "" {
			user, err = s.db.UserByAPIKey(ctx, auth.HashToken(key))
		} else if c, cerr := r.Cookie(sessionCookie); cerr == nil && c.Value != "" {
			user, err = s.db.UserBySession(ctx, auth.HashToken(c.Value))
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if user == nil {
			next.ServeHTTP(w, r)
			return
		}
		if user.Blocked {
			writeErrorMessage(w, http.StatusForbidden, "account is blocked")
			return
		}

		roles, err := s.db.UserRoles(ctx, user.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx = context.WithValue(ctx, principalKey, &principal{User: user, Roles: roles})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r.Context()) == nil {
			writeErrorMessage(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := currentUser(r.Context())
		if p == nil {
			writeErrorMessage(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !p.IsAdmin() {
			writeErrorMessage(w, http.StatusForbidden, "administrator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
