package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/metrics"
)

// SummarySender sends one user's summary.
type SummarySender interface {
	Send(ctx context.Context, user *database.User) error
}

// JobConfig configures the weekly summary job.
type JobConfig struct {
	// Hour is the local hour from which due summaries go out.
	Hour int
	// BatchSize caps users per tick. The reporting.batch_size setting
	// overrides it.
	BatchSize int
	Location  *time.Location
}

// Job sends due weekly summaries. Each tick re-checks whether it is time,
// so ticks are idempotent and can be retriggered freely.
type Job struct {
	db     *database.DB
	sender SummarySender
	cfg    JobConfig
	logger *slog.Logger
}

func NewJob(db *database.DB, sender SummarySender, cfg JobConfig, logger *slog.Logger) *Job {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	return &Job{db: db, sender: sender, cfg: cfg, logger: logger}
}

var dayCodes = [...]string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}

// DayCode returns the reporting_weekday code of d, e.g. "MON".
func DayCode(d time.Weekday) string {
	return dayCodes[d]
}

// ValidDayCode reports whether s is one of MON..SUN.
func ValidDayCode(s string) bool {
	for _, c := range dayCodes {
		if c == s {
			return true
		}
	}
	return false
}

func (j *Job) today(now time.Time) (string, time.Time) {
	local := now.In(j.cfg.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, j.cfg.Location)
	return DayCode(local.Weekday()), start
}

// Tick sends up to one batch of due summaries. Before the reporting hour it
// does nothing. Users are processed one at a time; a failed send is
// collected and the batch moves on.
func (j *Job) Tick(ctx context.Context, now time.Time) (int, error) {
	if now.In(j.cfg.Location).Hour() < j.cfg.Hour {
		return 0, nil
	}
	if !j.db.SettingBool(ctx, "reporting.enabled", true) {
		j.logger.Debug("summary reporting disabled by setting")
		return 0, nil
	}

	day, start := j.today(now)
	batch := j.db.SettingInt(ctx, "reporting.batch_size", j.cfg.BatchSize)
	if batch < 1 {
		batch = j.cfg.BatchSize
	}

	users, err := j.db.DueUsers(ctx, day, start, batch)
	if err != nil {
		return 0, fmt.Errorf("selecting due users: %w", err)
	}

	var result *multierror.Error
	sent := 0
	for i := range users {
		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())
			break
		}
		if err := j.sender.Send(ctx, &users[i]); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		sent++
	}

	if pending, err := j.db.CountDueUsers(ctx, day, start); err == nil {
		metrics.SetReportsPending(pending)
	}
	if len(users) > 0 {
		j.logger.Info("summary batch processed", "day", day, "due", len(users), "sent", sent)
	}
	return sent, result.ErrorOrNil()
}

// EndOfDayCheck counts users still due today and logs a critical error if
// any remain. It does not retry them.
func (j *Job) EndOfDayCheck(ctx context.Context, now time.Time) (int64, error) {
	day, start := j.today(now)
	pending, err := j.db.CountDueUsers(ctx, day, start)
	if err != nil {
		return 0, fmt.Errorf("counting due users: %w", err)
	}
	metrics.SetReportsPending(pending)
	if pending > 0 {
		j.logger.Error("weekly summaries not sent by end of day",
			"critical", true, "day", day, "pending", pending)
	}
	return pending, nil
}
