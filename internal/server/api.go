package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vulnz/vulnz/internal/auth"
	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/reconcile"
	"github.com/vulnz/vulnz/internal/search"
	"github.com/vulnz/vulnz/internal/storage"
	"github.com/vulnz/vulnz/internal/upstream"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBodyBytes    = 4 << 20
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned by endpoints that only acknowledge.
type MessageResponse struct {
	Message string `json:"message"`
}

// apiError carries a status and client-facing message through a handler.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &apiError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func forbidden(msg string) error {
	return &apiError{status: http.StatusForbidden, msg: msg}
}

func notFound(what string) error {
	return &apiError{status: http.StatusNotFound, msg: what + " not found"}
}

// errorStatus maps an error onto an HTTP status and client message. The
// message of a 500 is never shown to clients.
func errorStatus(err error) (int, string) {
	var ae *apiError
	switch {
	case errors.As(err, &ae):
		return ae.status, ae.msg
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidUsername),
		errors.Is(err, reconcile.ErrInvalidInput), errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, database.ErrInvalidSetting):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, database.ErrSystemSetting):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, reconcile.ErrUnknownComponentType):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, database.ErrNotFound), errors.Is(err, storage.ErrNotFound),
		errors.Is(err, upstream.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, database.ErrForeignKey):
		return http.StatusNotFound, "referenced record does not exist"
	case errors.Is(err, database.ErrDuplicate):
		return http.StatusConflict, "already exists"
	case errors.Is(err, upstream.ErrUpstreamDown), errors.Is(err, upstream.ErrRateLimited):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", GetRequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	}
	writeErrorMessage(w, status, msg)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON request body into dst. An empty body leaves dst
// untouched.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		return 0, badRequest("invalid %s", name)
	}
	return id, nil
}

// pagination reads page (1-based) and limit from the query string.
func pagination(r *http.Request) (page, limit, offset int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit, (page - 1) * limit
}

// ownerScope is the owner filter for the caller: administrators see every
// website (0), everyone else only their own.
func ownerScope(p *principal) int64 {
	if p.IsAdmin() {
		return 0
	}
	return p.User.ID
}

// Values at the API boundary are plain JSON: nullable columns become
// omitted fields or nulls, never {"String":..,"Valid":..} objects.

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func optString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func optTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func optInt(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	return &ni.Int64
}

// PagedResponse wraps one page of a list endpoint.
type PagedResponse[T any] struct {
	Results []T   `json:"results"`
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
}

func paged[T any](results []T, total int64, page, limit int) PagedResponse[T] {
	if results == nil {
		results = []T{}
	}
	return PagedResponse[T]{Results: results, Total: total, Page: page, Limit: limit}
}
