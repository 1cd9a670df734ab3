package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	RoleUser          = "user"
	RoleAdministrator = "administrator"
)

const userColumns = `id, username, password_hash, reporting_weekday, reporting_email,
	last_summary_sent_at, paused, blocked, max_websites, created_at, updated_at`

// CreateUser inserts u and assigns the named roles in one transaction. A
// taken username returns ErrDuplicate.
func (db *DB) CreateUser(ctx context.Context, u *User, roles []string) error {
	if u.ReportingWeekday == "" {
		u.ReportingWeekday = "MON"
	}
	t := now()

	return db.InTx(ctx, func(tx *Tx) error {
		err := tx.GetContext(ctx, &u.ID, tx.Rebind(`
			INSERT INTO users (username, password_hash, reporting_weekday, reporting_email,
			                   paused, blocked, max_websites, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), u.Username, u.PasswordHash, u.ReportingWeekday, u.ReportingEmail,
			u.Paused, u.Blocked, u.MaxWebsites, t, t)
		if err != nil {
			return classify(err)
		}
		u.CreatedAt, u.UpdatedAt = t, t
		return tx.setUserRoles(ctx, u.ID, roles)
	})
}

func (db *DB) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := db.GetContext(ctx, &u, db.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := db.GetContext(ctx, &u, db.Rebind(`SELECT `+userColumns+` FROM users WHERE username = ?`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	err := db.SelectContext(ctx, &out, `SELECT `+userColumns+` FROM users ORDER BY id`)
	return out, err
}

func (db *DB) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}

// UpdateUser writes the mutable profile fields of u. The password hash is
// changed separately through SetPassword.
func (db *DB) UpdateUser(ctx context.Context, u *User) error {
	u.UpdatedAt = now()
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE users SET username = ?, reporting_weekday = ?, reporting_email = ?,
		       paused = ?, blocked = ?, max_websites = ?, updated_at = ?
		WHERE id = ?
	`), u.Username, u.ReportingWeekday, u.ReportingEmail, u.Paused, u.Blocked, u.MaxWebsites, u.UpdatedAt, u.ID)
	return expectRow(res, err)
}

func (db *DB) SetPassword(ctx context.Context, userID int64, hash string) error {
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?
	`), hash, now(), userID)
	return expectRow(res, err)
}

func (db *DB) DeleteUser(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM users WHERE id = ?`), id)
	return expectRow(res, err)
}

// Role queries

func (db *DB) ListRoles(ctx context.Context) ([]Role, error) {
	var out []Role
	err := db.SelectContext(ctx, &out, `SELECT id, name FROM roles ORDER BY id`)
	return out, err
}

func (db *DB) UserRoles(ctx context.Context, userID int64) ([]string, error) {
	var out []string
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT r.name FROM user_roles ur JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = ? ORDER BY r.name
	`), userID)
	return out, err
}

// RolesForUsers returns role names keyed by user id.
func (db *DB) RolesForUsers(ctx context.Context, userIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT ur.user_id, r.name FROM user_roles ur JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id IN (?) ORDER BY ur.user_id, r.name
	`, userIDs)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		UserID int64  `db:"user_id"`
		Name   string `db:"name"`
	}
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.UserID] = append(out[r.UserID], r.Name)
	}
	return out, nil
}

func (db *DB) IsAdministrator(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	err := db.GetContext(ctx, &ok, db.Rebind(`
		SELECT EXISTS (
			SELECT 1 FROM user_roles ur JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = ? AND r.name = ?
		)
	`), userID, RoleAdministrator)
	return ok, err
}

// SetUserRoles replaces the user's roles. Unknown role names return
// ErrNotFound.
func (db *DB) SetUserRoles(ctx context.Context, userID int64, roles []string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM user_roles WHERE user_id = ?`), userID); err != nil {
			return err
		}
		return tx.setUserRoles(ctx, userID, roles)
	})
}

func (tx *Tx) setUserRoles(ctx context.Context, userID int64, roles []string) error {
	for _, name := range roles {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO user_roles (user_id, role_id)
			SELECT CAST(? AS BIGINT), id FROM roles WHERE name = ?
			ON CONFLICT DO NOTHING
		`), userID, name)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT EXISTS (SELECT 1 FROM roles WHERE name = ?)`), name); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("role %q: %w", name, ErrNotFound)
			}
		}
	}
	return nil
}

// Reporting queries

// DueUsers returns up to limit users whose weekly summary is due: their
// reporting weekday matches, they are neither paused nor blocked, and no
// summary has been sent since dayStart. Users with fewer failed sends since
// dayStart come first, so a recipient that keeps failing cannot hold the
// batch.
func (db *DB) DueUsers(ctx context.Context, weekday string, dayStart time.Time, limit int) ([]User, error) {
	var out []User
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT `+userColumns+` FROM users
		WHERE reporting_weekday = ? AND paused = ? AND blocked = ?
		  AND (last_summary_sent_at IS NULL OR last_summary_sent_at < ?)
		ORDER BY (
			SELECT COUNT(*) FROM email_logs e
			WHERE e.user_id = users.id AND e.status = ? AND e.sent_at >= ?
		), id
		LIMIT ?
	`), weekday, false, false, ts(dayStart), EmailFailed, ts(dayStart), limit)
	return out, err
}

// CountDueUsers counts the users DueUsers would eventually return.
func (db *DB) CountDueUsers(ctx context.Context, weekday string, dayStart time.Time) (int64, error) {
	var n int64
	err := db.GetContext(ctx, &n, db.Rebind(`
		SELECT COUNT(*) FROM users
		WHERE reporting_weekday = ? AND paused = ? AND blocked = ?
		  AND (last_summary_sent_at IS NULL OR last_summary_sent_at < ?)
	`), weekday, false, false, ts(dayStart))
	return n, err
}

func (db *DB) MarkSummarySent(ctx context.Context, userID int64, at time.Time) error {
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE users SET last_summary_sent_at = ? WHERE id = ?
	`), ts(at), userID)
	return expectRow(res, err)
}

// API keys, sessions and password resets. Only sha256 digests of the
// tokens are stored.

func (db *DB) CreateAPIKey(ctx context.Context, userID int64, name, keyHash string) (*APIKey, error) {
	k := &APIKey{UserID: userID, Name: name, KeyHash: keyHash, CreatedAt: now()}
	err := db.GetContext(ctx, &k.ID, db.Rebind(`
		INSERT INTO api_keys (user_id, name, key_hash, created_at)
		VALUES (?, ?, ?, ?) RETURNING id
	`), userID, name, keyHash, k.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return k, nil
}

func (db *DB) ListAPIKeys(ctx context.Context, userID int64) ([]APIKey, error) {
	var out []APIKey
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT id, user_id, name, key_hash, last_used_at, created_at
		FROM api_keys WHERE user_id = ? ORDER BY id
	`), userID)
	return out, err
}

func (db *DB) DeleteAPIKey(ctx context.Context, userID, id int64) error {
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM api_keys WHERE id = ? AND user_id = ?`), id, userID)
	return expectRow(res, err)
}

// UserByAPIKey resolves a key digest to its owner and stamps last_used_at.
func (db *DB) UserByAPIKey(ctx context.Context, keyHash string) (*User, error) {
	var u User
	err := db.GetContext(ctx, &u, db.Rebind(`
		SELECT u.id, u.username, u.password_hash, u.reporting_weekday, u.reporting_email,
		       u.last_summary_sent_at, u.paused, u.blocked, u.max_websites, u.created_at, u.updated_at
		FROM api_keys k JOIN users u ON u.id = k.user_id
		WHERE k.key_hash = ?
	`), keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, db.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?`), now(), keyHash); err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) CreateSession(ctx context.Context, tokenHash string, userID int64, expires time.Time) error {
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO sessions (token_hash, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)
	`), tokenHash, userID, ts(expires), now())
	return classify(err)
}

// UserBySession resolves an unexpired session digest to its user.
func (db *DB) UserBySession(ctx context.Context, tokenHash string) (*User, error) {
	var u User
	err := db.GetContext(ctx, &u, db.Rebind(`
		SELECT u.id, u.username, u.password_hash, u.reporting_weekday, u.reporting_email,
		       u.last_summary_sent_at, u.paused, u.blocked, u.max_websites, u.created_at, u.updated_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = ? AND s.expires_at > ?
	`), tokenHash, now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) DeleteSession(ctx context.Context, tokenHash string) error {
	_, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM sessions WHERE token_hash = ?`), tokenHash)
	return err
}

// PurgeExpiredAuthTokens drops expired sessions and password reset tokens.
func (db *DB) PurgeExpiredAuthTokens(ctx context.Context) (int64, error) {
	t := now()
	var total int64
	for _, table := range []string{"sessions", "password_reset_tokens"} {
		res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM `+table+` WHERE expires_at <= ?`), t)
		if err != nil {
			return total, fmt.Errorf("purging %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (db *DB) CreatePasswordReset(ctx context.Context, tokenHash string, userID int64, expires time.Time) error {
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO password_reset_tokens (token_hash, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)
	`), tokenHash, userID, ts(expires), now())
	return classify(err)
}

// ConsumePasswordReset deletes an unexpired reset token and returns its user
// id. Unknown or expired tokens return ErrNotFound.
func (db *DB) ConsumePasswordReset(ctx context.Context, tokenHash string) (int64, error) {
	var userID int64
	err := db.InTx(ctx, func(tx *Tx) error {
		err := tx.GetContext(ctx, &userID, tx.Rebind(`
			SELECT user_id FROM password_reset_tokens WHERE token_hash = ? AND expires_at > ?
		`), tokenHash, now())
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM password_reset_tokens WHERE token_hash = ?`), tokenHash)
		return err
	})
	return userID, err
}
