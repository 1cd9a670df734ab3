package report

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/mail"
	"github.com/vulnz/vulnz/internal/metrics"
	"github.com/vulnz/vulnz/internal/storage"
)

// EmailType is the email_logs type of weekly summaries.
const EmailType = "summary"

// Sender builds, renders, mails, logs and archives one user's summary.
type Sender struct {
	db       *database.DB
	builder  *Builder
	renderer *Renderer
	mailer   mail.Mailer
	archive  storage.Storage
	logger   *slog.Logger
	now      func() time.Time
}

// NewSender returns a Sender. archive may be nil to skip archiving.
func NewSender(db *database.DB, b *Builder, r *Renderer, m mail.Mailer, archive storage.Storage, logger *slog.Logger) *Sender {
	return &Sender{
		db:       db,
		builder:  b,
		renderer: r,
		mailer:   m,
		archive:  archive,
		logger:   logger,
		now:      time.Now,
	}
}

// Recipient is where user's summary goes: the reporting address when it is
// a valid email address, otherwise the username.
func Recipient(user *database.User) string {
	if to := user.ReportEmail(); mail.ValidAddress(to) {
		return to
	}
	return user.Username
}

// Send emails the summary to user. Every attempt is written to email_logs.
// On success last_summary_sent_at is updated straight away so a crash later
// in the batch does not resend. A failed send is logged and returned.
func (s *Sender) Send(ctx context.Context, user *database.User) error {
	summary, err := s.builder.Build(ctx, user)
	if err != nil {
		return fmt.Errorf("building summary for user %d: %w", user.ID, err)
	}
	rendered, err := s.renderer.Render(summary)
	if err != nil {
		return err
	}

	to := Recipient(user)
	sendErr := s.mailer.Send(ctx, mail.Message{
		To:      to,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	})

	now := s.now()
	entry := &database.EmailLog{
		UserID:    sql.NullInt64{Int64: user.ID, Valid: true},
		Recipient: to,
		Subject:   rendered.Subject,
		EmailType: EmailType,
		Status:    database.EmailSent,
		SentAt:    now,
	}
	if sendErr != nil {
		entry.Status = database.EmailFailed
		entry.ErrorMessage = sql.NullString{String: sendErr.Error(), Valid: true}
	}
	if err := s.db.InsertEmailLog(ctx, entry); err != nil {
		s.logger.Warn("failed to write email log", "user_id", user.ID, "error", err)
	}

	if sendErr != nil {
		metrics.RecordReport(database.EmailFailed)
		s.logger.Error("summary email failed", "user_id", user.ID, "to", to, "error", sendErr)
		return fmt.Errorf("sending summary to %s: %w", to, sendErr)
	}

	if err := s.db.MarkSummarySent(ctx, user.ID, now); err != nil {
		return fmt.Errorf("marking summary sent for user %d: %w", user.ID, err)
	}
	metrics.RecordReport(database.EmailSent)
	s.logger.Info("summary email sent", "user_id", user.ID, "to", to,
		"vulnerable_websites", len(summary.Vulnerable))

	s.store(ctx, user.ID, now, rendered.HTML)
	return nil
}

func (s *Sender) store(ctx context.Context, userID int64, day time.Time, html string) {
	if s.archive == nil {
		return
	}
	path := storage.ReportPath(userID, day)
	size, hash, err := s.archive.Store(ctx, path, strings.NewReader(html))
	if err != nil {
		s.logger.Warn("failed to archive summary", "user_id", userID, "path", path, "error", err)
		return
	}
	s.logger.Debug("summary archived", "path", path, "size", size, "sha256", hash)
}
