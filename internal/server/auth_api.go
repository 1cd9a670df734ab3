package server

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vulnz/vulnz/internal/auth"
	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/mail"
)

// Registration and reset answer the same way whether or not the account
// exists, so neither can be used to probe for users.
const (
	registrationMessage = "If the address can be registered, the account has been created."
	resetMessage        = "If an account exists for that address, a password reset email has been sent."
)

// UserResponse is a user as returned by the API.
type UserResponse struct {
	ID                int64      `json:"id"`
	Username          string     `json:"username"`
	Roles             []string   `json:"roles"`
	ReportingWeekday  string     `json:"reporting_weekday"`
	ReportingEmail    *string    `json:"reporting_email"`
	LastSummarySentAt *time.Time `json:"last_summary_sent_at"`
	Paused            bool       `json:"paused"`
	Blocked           bool       `json:"blocked"`
	MaxWebsites       *int64     `json:"max_websites"`
	CreatedAt         time.Time  `json:"created_at"`
}

func userResponse(u *database.User, roles []string) UserResponse {
	if roles == nil {
		roles = []string{}
	}
	return UserResponse{
		ID:                u.ID,
		Username:          u.Username,
		Roles:             roles,
		ReportingWeekday:  u.ReportingWeekday,
		ReportingEmail:    optString(u.ReportingEmail),
		LastSummarySentAt: optTime(u.LastSummarySentAt),
		Paused:            u.Paused,
		Blocked:           u.Blocked,
		MaxWebsites:       optInt(u.MaxWebsites),
		CreatedAt:         u.CreatedAt.UTC(),
	}
}

// CredentialsRequest is the body of register and login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRegister handles POST /api/auth/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.RegistrationEnabled {
		writeErrorMessage(w, http.StatusForbidden, "registration is disabled")
		return
	}

	var req CredentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	username := auth.NormalizeUsername(req.Username)
	if err := auth.ValidateUsername(username); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := auth.ValidatePassword(s.policy, req.Password); err != nil {
		s.writeError(w, r, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u := &database.User{Username: username, PasswordHash: hash}
	err = s.db.CreateUser(r.Context(), u, []string{database.RoleUser})
	switch {
	case errors.Is(err, database.ErrDuplicate):
		s.logger.Debug("registration for existing user", "username", username)
	case err != nil:
		s.writeError(w, r, err)
		return
	default:
		s.logger.Info("user registered", "user_id", u.ID)
	}

	writeJSON(w, MessageResponse{Message: registrationMessage})
}

// handleLogin handles POST /api/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CredentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, err := s.db.GetUserByUsername(ctx, auth.NormalizeUsername(req.Username))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var stored string
	if user != nil {
		stored = user.PasswordHash
	}
	if auth.CheckPassword(stored, req.Password) != nil {
		s.writeError(w, r, auth.ErrInvalidCredentials)
		return
	}
	if user.Blocked {
		writeErrorMessage(w, http.StatusForbidden, "account is blocked")
		return
	}

	token, hash, err := auth.NewToken()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	expires := s.now().Add(sessionTTL)
	if err := s.db.CreateSession(ctx, hash, user.ID, expires); err != nil {
		s.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})

	roles, err := s.db.UserRoles(ctx, user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, userResponse(user, roles))
}

// handleLogout handles POST /api/auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		if err := s.db.DeleteSession(r.Context(), auth.HashToken(c.Value)); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, MessageResponse{Message: "logged out"})
}

// handleMe handles GET /api/auth/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := currentUser(r.Context())
	writeJSON(w, userResponse(p.User, p.Roles))
}

// ResetPasswordRequest is the body of POST /api/auth/reset-password.
type ResetPasswordRequest struct {
	Username string `json:"username"`
}

// handleResetPassword handles POST /api/auth/reset-password
func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ResetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	username := auth.NormalizeUsername(req.Username)
	if err := auth.ValidateUsername(username); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if user != nil && !user.Blocked {
		if err := s.sendReset(r, user); err != nil {
			s.logger.Error("password reset email failed", "user_id", user.ID, "error", err)
		}
	}

	writeJSON(w, MessageResponse{Message: resetMessage})
}

var resetEmail = template.Must(template.New("reset").Parse(
	`<p>A password reset was requested for your {{.Site}} account.</p>
<p><a href="{{.Link}}">Choose a new password</a>. The link expires in one hour.</p>
<p>If you did not ask for this, ignore this email.</p>`))

func (s *Server) sendReset(r *http.Request, user *database.User) error {
	ctx := r.Context()
	token, hash, err := auth.NewToken()
	if err != nil {
		return err
	}
	if err := s.db.CreatePasswordReset(ctx, hash, user.ID, s.now().Add(resetTTL)); err != nil {
		return fmt.Errorf("storing reset token: %w", err)
	}

	site := s.db.SettingString(ctx, "site.name", "Vulnz")
	link := strings.TrimRight(s.cfg.BaseURL, "/") + "/reset-password?token=" + url.QueryEscape(token)
	var body strings.Builder
	if err := resetEmail.Execute(&body, map[string]string{"Site": site, "Link": link}); err != nil {
		return err
	}

	msg := mail.Message{
		To:      user.Username,
		Subject: site + " password reset",
		HTML:    body.String(),
		Text:    "Choose a new password: " + link + "\n",
	}
	status := database.EmailSent
	sendErr := s.mailer.Send(ctx, msg)
	entry := &database.EmailLog{
		UserID:    nullInt(user.ID),
		Recipient: msg.To,
		Subject:   msg.Subject,
		EmailType: "password-reset",
	}
	if sendErr != nil {
		status = database.EmailFailed
		entry.ErrorMessage = nullString(sendErr.Error())
	}
	entry.Status = status
	if err := s.db.InsertEmailLog(ctx, entry); err != nil {
		s.logger.Warn("failed to write email log", "user_id", user.ID, "error", err)
	}
	return sendErr
}

// UpdatePasswordRequest is the body of POST /api/auth/update-password.
// Token is a reset token from email; without one the caller must be
// signed in and give CurrentPassword.
type UpdatePasswordRequest struct {
	Token           string `json:"token"`
	CurrentPassword string `json:"current_password"`
	Password        string `json:"password"`
}

// handleUpdatePassword handles POST /api/auth/update-password
func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpdatePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := auth.ValidatePassword(s.policy, req.Password); err != nil {
		s.writeError(w, r, err)
		return
	}

	var userID int64
	if req.Token != "" {
		id, err := s.db.ConsumePasswordReset(ctx, auth.HashToken(req.Token))
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, r, notFound("reset token"))
			return
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		userID = id
	} else {
		p := currentUser(ctx)
		if p == nil {
			writeErrorMessage(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if auth.CheckPassword(p.User.PasswordHash, req.CurrentPassword) != nil {
			s.writeError(w, r, auth.ErrInvalidCredentials)
			return
		}
		userID = p.User.ID
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.db.SetPassword(ctx, userID, hash); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("password updated", "user_id", userID, "via_token", req.Token != "")
	writeJSON(w, MessageResponse{Message: "password updated"})
}
