// Package server provides the HTTP server and router for vulnz.
//
// The JSON API lives under /api:
//   - /api/auth/*            - register, login, logout, me, password reset
//   - /api/components/*      - component CRUD, search, ingest and sync
//   - /api/component-types   - component type lookup
//   - /api/ecosystems        - ecosystem lookup
//   - /api/websites/*        - websites, installed components, security signals, SBOM
//   - /api/users/*, /api/roles, /api/settings/*, /api/logs (administrators)
//   - /api/api-keys/*        - the caller's API keys
//   - /api/reports/*         - summary email and archived summaries
//
// Additional endpoints:
//   - /          - Admin dashboard
//   - /health    - Health check endpoint
//   - /metrics   - Prometheus metrics
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vulnz/vulnz/internal/auth"
	"github.com/vulnz/vulnz/internal/config"
	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/geoip"
	"github.com/vulnz/vulnz/internal/mail"
	"github.com/vulnz/vulnz/internal/metrics"
	"github.com/vulnz/vulnz/internal/reconcile"
	"github.com/vulnz/vulnz/internal/report"
	"github.com/vulnz/vulnz/internal/search"
	"github.com/vulnz/vulnz/internal/storage"
)

const (
	sessionCookie = "session"
	sessionTTL    = 7 * 24 * time.Hour
	resetTTL      = time.Hour
)

// Options carries the collaborators the handlers use. Nil fields get
// defaults: a fresh Reconciler and search Engine, disabled GeoIP, a
// logging mailer and no report archive. A nil Syncer disables the sync
// endpoint.
type Options struct {
	Reconciler *reconcile.Reconciler
	Syncer     *reconcile.Syncer
	Search     *search.Engine
	Reports    *report.Sender
	GeoIP      geoip.Resolver
	Mailer     mail.Mailer
	Archive    storage.Storage
	// Version is the build version shown in the UI and SBOM tool metadata.
	Version string
}

// Server is the vulnz HTTP server.
type Server struct {
	cfg        *config.Config
	db         *database.DB
	logger     *slog.Logger
	reconciler *reconcile.Reconciler
	syncer     *reconcile.Syncer
	search     *search.Engine
	reports    *report.Sender
	geoip      geoip.Resolver
	mailer     mail.Mailer
	archive    storage.Storage
	policy     auth.Policy
	templates  *Templates
	version    string
	now        func() time.Time
	http       *http.Server
}

// New creates a Server. The database is owned by the caller.
func New(cfg *config.Config, db *database.DB, opts Options, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		db:         db,
		logger:     logger,
		reconciler: opts.Reconciler,
		version:    opts.Version,
		syncer:     opts.Syncer,
		search:     opts.Search,
		reports:    opts.Reports,
		geoip:      opts.GeoIP,
		mailer:     opts.Mailer,
		archive:    opts.Archive,
		policy: auth.Policy{
			MinLength:    cfg.Password.MinLength,
			MinAlpha:     cfg.Password.MinAlpha,
			MinNumeric:   cfg.Password.MinNumeric,
			MinSymbols:   cfg.Password.MinSymbols,
			MinUppercase: cfg.Password.MinUppercase,
			MinLowercase: cfg.Password.MinLowercase,
		},
		now: time.Now,
	}
	if s.reconciler == nil {
		s.reconciler = reconcile.New(db, logger)
	}
	if s.search == nil {
		s.search = search.New(db)
	}
	if s.geoip == nil {
		s.geoip = geoip.Disabled{}
	}
	if s.mailer == nil {
		s.mailer = &mail.LogMailer{Logger: logger}
	}
	if s.reports == nil {
		renderer, err := report.NewRenderer(db.SettingString(context.Background(), "site.name", "Vulnz"), cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("loading report templates: %w", err)
		}
		builder := report.NewBuilder(db, report.Thresholds{
			WordPress: cfg.Thresholds.WordPressVersion,
			PHP:       cfg.Thresholds.PHPVersion,
		})
		s.reports = report.NewSender(db, builder, renderer, s.mailer, s.archive, logger)
	}

	templates, err := NewTemplates()
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	s.templates = templates

	return s, nil
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, withRequestID, middleware.RealIP)
	r.Use(s.observeRequests)
	r.Use(s.Authenticate)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Handle("/static/*", http.StripPrefix("/static/", staticHandler()))
	r.Get("/", s.handleDashboard)
	r.Get("/reset-password", s.handleResetPage)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Post("/reset-password", s.handleResetPassword)
			r.Post("/update-password", s.handleUpdatePassword)
			r.With(requireUser).Get("/me", s.handleMe)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Get("/component-types", s.handleComponentTypes)
			r.Get("/ecosystems", s.handleEcosystems)

			r.Route("/components", func(r chi.Router) {
				r.Get("/", s.handleComponentsList)
				r.Get("/search", s.handleComponentsSearch)
				r.Get("/{id}", s.handleComponentGet)
				r.Post("/{type}/{slug}/{version}", s.handleComponentIngest)

				r.Group(func(r chi.Router) {
					r.Use(requireAdmin)
					r.Post("/", s.handleComponentCreate)
					r.Put("/{id}", s.handleComponentUpdate)
					r.Delete("/{id}", s.handleComponentDelete)
					r.Post("/{id}/sync", s.handleComponentSync)
				})
			})

			r.Route("/websites", func(r chi.Router) {
				r.Get("/", s.handleWebsitesList)
				r.Post("/", s.handleWebsiteCreate)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleWebsiteGet)
					r.Put("/", s.handleWebsiteUpdate)
					r.Delete("/", s.handleWebsiteDelete)
					r.Put("/components", s.handleWebsiteComponents)
					r.Get("/changes", s.handleWebsiteChanges)
					r.Get("/security-events", s.handleSecurityEventsList)
					r.Post("/security-events", s.handleSecurityEventsCreate)
					r.Get("/file-issues", s.handleFileIssuesList)
					r.Post("/file-issues", s.handleFileIssuesCreate)
					r.Get("/sbom", s.handleWebsiteSBOM)
				})
			})

			r.Route("/users", func(r chi.Router) {
				r.With(requireAdmin).Get("/", s.handleUsersList)
				r.With(requireAdmin).Post("/", s.handleUserCreate)
				r.Get("/{id}", s.handleUserGet)
				r.Put("/{id}", s.handleUserUpdate)
				r.With(requireAdmin).Delete("/{id}", s.handleUserDelete)
			})

			r.Route("/api-keys", func(r chi.Router) {
				r.Get("/", s.handleAPIKeysList)
				r.Post("/", s.handleAPIKeyCreate)
				r.Delete("/{id}", s.handleAPIKeyDelete)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Post("/summary-email", s.handleSummaryEmail)
				r.Get("/", s.handleReportsList)
				r.Get("/{date}", s.handleReportGet)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Get("/roles", s.handleRoles)
				r.Get("/logs", s.handleEmailLogs)
				r.Route("/settings", func(r chi.Router) {
					r.Get("/", s.handleSettingsList)
					r.Get("/{key}", s.handleSettingGet)
					r.Put("/{key}", s.handleSettingPut)
					r.Delete("/{key}", s.handleSettingDelete)
				})
			})
		})
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting server",
		"listen", s.cfg.Listen,
		"base_url", s.cfg.BaseURL,
		"database", s.cfg.Database.Driver,
		"archive", s.cfg.StorageURL())

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	if s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.HealthCheck(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "database error: %v", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "ok")
}

// secureCookies reports whether cookies should carry the Secure flag.
func (s *Server) secureCookies() bool {
	return strings.HasPrefix(s.cfg.BaseURL, "https://")
}

func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d mins ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	case d < 7*24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("Jan 2")
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
