package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vulnz/vulnz/internal/auth"
	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/mail"
	"github.com/vulnz/vulnz/internal/report"
	"github.com/vulnz/vulnz/internal/storage"
)

// Users

// handleUsersList handles GET /api/users
func (s *Server) handleUsersList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	users, err := s.db.ListUsers(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	roles, err := s.db.RolesForUsers(ctx, ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]UserResponse, 0, len(users))
	for i := range users {
		out = append(out, userResponse(&users[i], roles[users[i].ID]))
	}
	writeJSON(w, out)
}

// UserRequest is the body of user create and update. Absent fields are
// left unchanged on update.
type UserRequest struct {
	Username         *string  `json:"username"`
	Password         *string  `json:"password"`
	Roles            []string `json:"roles"`
	ReportingWeekday *string  `json:"reporting_weekday"`
	ReportingEmail   *string  `json:"reporting_email"`
	Paused           *bool    `json:"paused"`
	Blocked          *bool    `json:"blocked"`
	MaxWebsites      *int64   `json:"max_websites"`
}

// apply copies the request onto u. Only administrators may change the
// fields that govern access.
func (req *UserRequest) apply(u *database.User, admin bool) error {
	if !admin && (req.Blocked != nil || req.MaxWebsites != nil || req.Roles != nil) {
		return forbidden("administrator role required to change roles, blocked or max_websites")
	}
	if req.Username != nil {
		name := auth.NormalizeUsername(*req.Username)
		if err := auth.ValidateUsername(name); err != nil {
			return err
		}
		u.Username = name
	}
	if req.ReportingWeekday != nil {
		day := strings.ToUpper(strings.TrimSpace(*req.ReportingWeekday))
		if !report.ValidDayCode(day) {
			return badRequest("reporting_weekday must be one of SUN, MON, TUE, WED, THU, FRI, SAT")
		}
		u.ReportingWeekday = day
	}
	if req.ReportingEmail != nil {
		addr := strings.TrimSpace(*req.ReportingEmail)
		if addr != "" && !mail.ValidAddress(addr) {
			return badRequest("reporting_email is not a valid email address")
		}
		u.ReportingEmail = nullString(addr)
	}
	if req.Paused != nil {
		u.Paused = *req.Paused
	}
	if req.Blocked != nil {
		u.Blocked = *req.Blocked
	}
	if req.MaxWebsites != nil {
		if *req.MaxWebsites < 0 {
			return badRequest("max_websites cannot be negative")
		}
		u.MaxWebsites = nullInt(*req.MaxWebsites)
	}
	return nil
}

// handleUserCreate handles POST /api/users
func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UserRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Username == nil || req.Password == nil {
		s.writeError(w, r, badRequest("username and password are required"))
		return
	}
	if err := auth.ValidatePassword(s.policy, *req.Password); err != nil {
		s.writeError(w, r, err)
		return
	}

	u := &database.User{}
	if err := req.apply(u, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	hash, err := auth.HashPassword(*req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u.PasswordHash = hash

	roles := req.Roles
	if len(roles) == 0 {
		roles = []string{database.RoleUser}
	}
	if err := s.db.CreateUser(ctx, u, roles); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			writeErrorMessage(w, http.StatusConflict, "user already exists")
			return
		}
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, r, badRequest("%v", err))
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("user created", "user_id", u.ID, "by", currentUser(ctx).User.ID)

	assigned, err := s.db.UserRoles(ctx, u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, userResponse(u, assigned))
}

// loadUser resolves {id} to a user the caller may manage: themselves, or
// anyone for administrators.
func (s *Server) loadUser(r *http.Request) (*database.User, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return nil, err
	}
	p := currentUser(r.Context())
	if !p.IsAdmin() && id != p.User.ID {
		return nil, notFound("user")
	}
	u, err := s.db.GetUser(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, notFound("user")
	}
	return u, nil
}

// handleUserGet handles GET /api/users/{id}
func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	u, err := s.loadUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	roles, err := s.db.UserRoles(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, userResponse(u, roles))
}

// handleUserUpdate handles PUT /api/users/{id}
func (s *Server) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := currentUser(ctx)
	u, err := s.loadUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req UserRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Password != nil {
		if !p.IsAdmin() {
			s.writeError(w, r, badRequest("use /api/auth/update-password to change your password"))
			return
		}
		if err := auth.ValidatePassword(s.policy, *req.Password); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := req.apply(u, p.IsAdmin()); err != nil {
		s.writeError(w, r, err)
		return
	}
	if u.ID == p.User.ID && u.Blocked {
		s.writeError(w, r, badRequest("you cannot block yourself"))
		return
	}

	if err := s.db.UpdateUser(ctx, u); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			writeErrorMessage(w, http.StatusConflict, "user already exists")
			return
		}
		s.writeError(w, r, err)
		return
	}
	if req.Password != nil {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.db.SetPassword(ctx, u.ID, hash); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.Roles != nil {
		if err := s.db.SetUserRoles(ctx, u.ID, req.Roles); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				s.writeError(w, r, badRequest("%v", err))
				return
			}
			s.writeError(w, r, err)
			return
		}
	}

	roles, err := s.db.UserRoles(ctx, u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, userResponse(u, roles))
}

// handleUserDelete handles DELETE /api/users/{id}
func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if id == currentUser(ctx).User.ID {
		s.writeError(w, r, badRequest("you cannot delete yourself"))
		return
	}
	if err := s.db.DeleteUser(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("user deleted", "user_id", id, "by", currentUser(ctx).User.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleRoles handles GET /api/roles
func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.db.ListRoles(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []database.Role{}
	}
	type role struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	out := make([]role, len(roles))
	for i, rl := range roles {
		out[i] = role{ID: rl.ID, Name: rl.Name}
	}
	writeJSON(w, out)
}

// API keys

// APIKeyResponse describes a key. Key is only set in the response that
// creates it.
type APIKeyResponse struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Key        string     `json:"key,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// handleAPIKeysList handles GET /api/api-keys
func (s *Server) handleAPIKeysList(w http.ResponseWriter, r *http.Request) {
	p := currentUser(r.Context())
	keys, err := s.db.ListAPIKeys(r.Context(), p.User.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, APIKeyResponse{
			ID:         k.ID,
			Name:       k.Name,
			LastUsedAt: optTime(k.LastUsedAt),
			CreatedAt:  k.CreatedAt.UTC(),
		})
	}
	writeJSON(w, out)
}

// handleAPIKeyCreate handles POST /api/api-keys
func (s *Server) handleAPIKeyCreate(w http.ResponseWriter, r *http.Request) {
	p := currentUser(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.writeError(w, r, badRequest("name is required"))
		return
	}

	token, hash, err := auth.NewToken()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	k, err := s.db.CreateAPIKey(r.Context(), p.User.ID, name, hash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("api key created", "user_id", p.User.ID, "key_id", k.ID)
	writeJSONStatus(w, http.StatusCreated, APIKeyResponse{
		ID:        k.ID,
		Name:      k.Name,
		Key:       token,
		CreatedAt: k.CreatedAt.UTC(),
	})
}

// handleAPIKeyDelete handles DELETE /api/api-keys/{id}
func (s *Server) handleAPIKeyDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.db.DeleteAPIKey(r.Context(), currentUser(r.Context()).User.ID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reports

// reportUser is the user whose reports the request addresses: the caller,
// or with ?user_id= (or a user_id body field) any user for administrators.
func (s *Server) reportUser(r *http.Request, requested int64) (*database.User, error) {
	p := currentUser(r.Context())
	if requested == 0 {
		if v := r.URL.Query().Get("user_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id < 1 {
				return nil, badRequest("invalid user_id")
			}
			requested = id
		}
	}
	if requested == 0 || requested == p.User.ID {
		return p.User, nil
	}
	if !p.IsAdmin() {
		return nil, forbidden("administrator role required")
	}
	u, err := s.db.GetUser(r.Context(), requested)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, notFound("user")
	}
	return u, nil
}

// handleSummaryEmail handles POST /api/reports/summary-email. The summary
// is sent now regardless of the user's reporting day.
func (s *Server) handleSummaryEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.reportUser(r, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.reports.Send(r.Context(), u); err != nil {
		s.logger.Error("summary email failed", "user_id", u.ID, "error", err)
		writeErrorMessage(w, http.StatusBadGateway, "sending the summary email failed")
		return
	}
	writeJSON(w, MessageResponse{Message: "summary email sent to " + report.Recipient(u)})
}

// ArchivedReport is one stored summary.
type ArchivedReport struct {
	Date string `json:"date"`
	Size int64  `json:"size"`
}

// handleReportsList handles GET /api/reports
func (s *Server) handleReportsList(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "report archive is not configured")
		return
	}
	u, err := s.reportUser(r, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	objects, err := s.archive.List(r.Context(), storage.ReportPrefix(u.ID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]ArchivedReport, 0, len(objects))
	for i := len(objects) - 1; i >= 0; i-- {
		day, ok := storage.ReportDate(objects[i].Path)
		if !ok {
			continue
		}
		out = append(out, ArchivedReport{Date: day.Format(time.DateOnly), Size: objects[i].Size})
	}
	writeJSON(w, out)
}

// handleReportGet handles GET /api/reports/{date}
func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "report archive is not configured")
		return
	}
	day, err := time.Parse(time.DateOnly, chi.URLParam(r, "date"))
	if err != nil {
		s.writeError(w, r, badRequest("date must be YYYY-MM-DD"))
		return
	}
	u, err := s.reportUser(r, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rc, err := s.archive.Open(r.Context(), storage.ReportPath(u.ID, day))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("streaming archived report", "user_id", u.ID, "error", err)
	}
}

// Email logs

// EmailLogResponse is one email_logs row.
type EmailLogResponse struct {
	ID           int64     `json:"id"`
	UserID       *int64    `json:"user_id"`
	Recipient    string    `json:"recipient"`
	Subject      string    `json:"subject"`
	EmailType    string    `json:"email_type"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message"`
	SentAt       time.Time `json:"sent_at"`
}

// handleEmailLogs handles GET /api/logs
func (s *Server) handleEmailLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, limit, offset := pagination(r)
	logs, err := s.db.ListEmailLogs(ctx, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.db.CountEmailLogs(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]EmailLogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, EmailLogResponse{
			ID:           l.ID,
			UserID:       optInt(l.UserID),
			Recipient:    l.Recipient,
			Subject:      l.Subject,
			EmailType:    l.EmailType,
			Status:       l.Status,
			ErrorMessage: optString(l.ErrorMessage),
			SentAt:       l.SentAt.UTC(),
		})
	}
	writeJSON(w, paged(out, total, page, limit))
}

// Settings

// SettingResponse is one application setting.
type SettingResponse struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	ValueType   string    `json:"value_type"`
	Description *string   `json:"description"`
	IsSystem    bool      `json:"is_system"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func settingResponse(st *database.AppSetting) SettingResponse {
	return SettingResponse{
		Key:         st.Key,
		Value:       st.Value,
		ValueType:   st.ValueType,
		Description: optString(st.Description),
		IsSystem:    st.IsSystem,
		UpdatedAt:   st.UpdatedAt.UTC(),
	}
}

// handleSettingsList handles GET /api/settings
func (s *Server) handleSettingsList(w http.ResponseWriter, r *http.Request) {
	settings, err := s.db.ListSettings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]SettingResponse, 0, len(settings))
	for i := range settings {
		out = append(out, settingResponse(&settings[i]))
	}
	writeJSON(w, out)
}

// handleSettingGet handles GET /api/settings/{key}
func (s *Server) handleSettingGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.db.GetSetting(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if st == nil {
		s.writeError(w, r, notFound("setting"))
		return
	}
	writeJSON(w, settingResponse(st))
}

// SettingRequest is the body of PUT /api/settings/{key}.
type SettingRequest struct {
	Value       string `json:"value"`
	ValueType   string `json:"value_type"`
	Description string `json:"description"`
}

// handleSettingPut handles PUT /api/settings/{key}. A setting keeps its
// type unless one is given.
func (s *Server) handleSettingPut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	var req SettingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	existing, err := s.db.GetSetting(ctx, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st := &database.AppSetting{
		Key:         key,
		Value:       req.Value,
		ValueType:   req.ValueType,
		Description: nullString(req.Description),
	}
	if st.ValueType == "" && existing != nil {
		st.ValueType = existing.ValueType
	}
	if err := s.db.SetSetting(ctx, st); err != nil {
		s.writeError(w, r, err)
		return
	}

	saved, err := s.db.GetSetting(ctx, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("setting updated", "key", key, "by", currentUser(ctx).User.ID)
	writeJSON(w, settingResponse(saved))
}

// handleSettingDelete handles DELETE /api/settings/{key}
func (s *Server) handleSettingDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteSetting(r.Context(), chi.URLParam(r, "key")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
