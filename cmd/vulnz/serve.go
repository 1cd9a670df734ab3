package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vulnz/vulnz/internal/config"
	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/enrichment"
	"github.com/vulnz/vulnz/internal/geoip"
	"github.com/vulnz/vulnz/internal/mail"
	"github.com/vulnz/vulnz/internal/metrics"
	"github.com/vulnz/vulnz/internal/reconcile"
	"github.com/vulnz/vulnz/internal/report"
	"github.com/vulnz/vulnz/internal/search"
	"github.com/vulnz/vulnz/internal/server"
	"github.com/vulnz/vulnz/internal/storage"
	"github.com/vulnz/vulnz/internal/upstream"
)

const (
	purgeSchedule = "30 3 * * *"
	syncSchedule  = "15 * * * *"
	syncBatch     = 100
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen, baseURL string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if baseURL != "" {
				cfg.BaseURL = baseURL
			}
			logger := setupLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			return runServe(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Public URL of this service")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		db  *database.DB
		err error
	)
	if cfg.RunsJobs() {
		db, err = database.OpenAndMigrate(ctx, dbOptions(cfg))
	} else {
		db, err = database.OpenWith(dbOptions(cfg))
	}
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	var archive storage.Storage
	if u := cfg.StorageURL(); u != "" {
		bucket, err := storage.OpenBucket(ctx, u)
		if err != nil {
			return fmt.Errorf("opening report archive: %w", err)
		}
		defer func() { _ = bucket.Close() }()
		archive = bucket
	}

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		return err
	}

	resolver, err := geoip.New(cfg.GeoIP.Enabled, cfg.GeoIP.Path)
	if err != nil {
		return fmt.Errorf("opening geoip database: %w", err)
	}
	defer func() { _ = resolver.Close() }()

	timeout, _ := cfg.UpstreamTimeout()
	fetcher := upstream.New(
		upstream.WithTimeout(timeout),
		upstream.WithUserAgent("vulnz/"+Version),
		upstream.WithObserver(metrics.RecordUpstreamFetch),
	)
	wordpress := upstream.NewWordPress(fetcher, cfg.Upstream.WordPressAPI, cfg.Upstream.WordPressThemeAPI)
	npm := enrichment.New(logger)
	var bulk reconcile.BulkPackageSource
	if eco, err := enrichment.NewEcosystems("vulnz/" + Version); err != nil {
		logger.Warn("ecosyste.ms client unavailable, npm sync falls back to single lookups", "error", err)
	} else {
		bulk = eco
	}

	reconciler := reconcile.New(db, logger)
	syncer := reconcile.NewSyncer(db, reconciler, wordpress, npm, bulk, logger)

	renderer, err := report.NewRenderer(db.SettingString(ctx, "site.name", "Vulnz"), cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("loading report templates: %w", err)
	}
	builder := report.NewBuilder(db, report.Thresholds{
		WordPress: cfg.Thresholds.WordPressVersion,
		PHP:       cfg.Thresholds.PHPVersion,
	})
	sender := report.NewSender(db, builder, renderer, mailer, archive, logger)

	srv, err := server.New(cfg, db, server.Options{
		Reconciler: reconciler,
		Syncer:     syncer,
		Search:     search.New(db),
		Reports:    sender,
		GeoIP:      resolver,
		Mailer:     mailer,
		Archive:    archive,
		Version:    Version,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if cfg.RunsJobs() {
		sched, err := newScheduler(cfg, db, archive, sender, syncer, logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	} else {
		logger.Info("scheduled jobs disabled on this instance", "instance", cfg.Instance)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// newMailer returns an SMTP mailer when a host is configured, and a mailer
// that only logs otherwise.
func newMailer(cfg *config.Config, logger *slog.Logger) (mail.Mailer, error) {
	if cfg.Mail.Host == "" {
		logger.Warn("no mail host configured, emails will be logged and not sent")
		return &mail.LogMailer{Logger: logger}, nil
	}
	m, err := mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
		TLS:      cfg.Mail.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring mail: %w", err)
	}
	return m, nil
}

// newScheduler registers the weekly summary, end of day, purge and
// metadata sync jobs.
func newScheduler(cfg *config.Config, db *database.DB, archive storage.Storage, sender *report.Sender, syncer *reconcile.Syncer, logger *slog.Logger) (*report.Scheduler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	sched := report.NewScheduler(loc, logger)

	if cfg.Reporting.Enabled {
		job := report.NewJob(db, sender, report.JobConfig{
			Hour:      cfg.Reporting.Hour,
			BatchSize: cfg.Reporting.BatchSize,
			Location:  loc,
		}, logger)
		if err := sched.Add("weekly-summary", cfg.Reporting.Schedule, func(ctx context.Context) error {
			_, err := job.Tick(ctx, time.Now())
			return err
		}); err != nil {
			return nil, err
		}
		if err := sched.Add("end-of-day-check", cfg.Reporting.EndOfDayCheck, func(ctx context.Context) error {
			_, err := job.EndOfDayCheck(ctx, time.Now())
			return err
		}); err != nil {
			return nil, err
		}
	}

	if err := sched.Add("purge", purgeSchedule, func(ctx context.Context) error {
		return purge(ctx, db, archive, cfg.Retention, time.Now(), logger)
	}); err != nil {
		return nil, err
	}

	interval, _ := cfg.SyncInterval()
	if err := sched.Add("component-sync", syncSchedule, func(ctx context.Context) error {
		n, err := syncer.SyncPending(ctx, syncBatch, interval)
		if n > 0 {
			logger.Info("component metadata synced", "components", n)
		}
		return err
	}); err != nil {
		return nil, err
	}
	return sched, nil
}

// purge removes rows and archived reports older than their retention
// window, with settings taking precedence over the config file. archive
// may be nil.
func purge(ctx context.Context, db *database.DB, archive storage.Storage, r config.RetentionConfig, now time.Time, logger *slog.Logger) error {
	days := func(key string, def int) time.Time {
		return now.AddDate(0, 0, -db.SettingInt(ctx, key, def))
	}

	changes, err := reconcile.New(db, logger).PurgeChanges(ctx, days("retention.component_changes_days", r.ComponentChangesDays))
	if err != nil {
		return err
	}
	issues, err := db.PurgeStaleFileIssues(ctx, days("retention.file_issues_days", r.FileIssuesDays))
	if err != nil {
		return fmt.Errorf("purging file issues: %w", err)
	}
	logs, err := db.PurgeEmailLogs(ctx, days("retention.email_logs_days", r.EmailLogsDays))
	if err != nil {
		return fmt.Errorf("purging email logs: %w", err)
	}
	tokens, err := db.PurgeExpiredAuthTokens(ctx)
	if err != nil {
		return fmt.Errorf("purging auth tokens: %w", err)
	}
	reports := 0
	if archive != nil {
		reports, err = storage.Prune(ctx, archive, days("retention.reports_days", r.ReportsDays))
		if err != nil {
			return fmt.Errorf("pruning report archive: %w", err)
		}
	}

	logger.Info("purge finished",
		"component_changes", changes,
		"file_issues", issues,
		"email_logs", logs,
		"auth_tokens", tokens,
		"reports", reports)
	return nil
}
