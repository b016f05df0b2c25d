package postgres

import (
	"context"
	"time"

	"github.com/preciousoreva/oiat/internal/app/storage"
)

func (s *Store) GetUser(ctx context.Context, username string) (storage.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, can_trigger_runs, can_manage_schedules,
			can_edit_companies, can_manage_portal_settings, created_at
		FROM portal_users WHERE username = $1
	`, username)
	var user storage.User
	err := row.Scan(&user.Username, &user.PasswordHash, &user.CanTriggerRuns,
		&user.CanManageSchedules, &user.CanEditCompanies,
		&user.CanManagePortalSetting, &user.CreatedAt)
	if err != nil {
		return storage.User{}, mapRowErr(err)
	}
	return user, nil
}

func (s *Store) UpsertUser(ctx context.Context, user storage.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portal_users (username, password_hash, can_trigger_runs,
			can_manage_schedules, can_edit_companies, can_manage_portal_settings,
			created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			can_trigger_runs = EXCLUDED.can_trigger_runs,
			can_manage_schedules = EXCLUDED.can_manage_schedules,
			can_edit_companies = EXCLUDED.can_edit_companies,
			can_manage_portal_settings = EXCLUDED.can_manage_portal_settings
	`, user.Username, user.PasswordHash, user.CanTriggerRuns,
		user.CanManageSchedules, user.CanEditCompanies,
		user.CanManagePortalSetting, user.CreatedAt)
	return err
}

func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portal_sessions (id, username, csrf_token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sess.ID, sess.Username, sess.CSRFToken, sess.ExpiresAt, sess.CreatedAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, csrf_token, expires_at, created_at
		FROM portal_sessions WHERE id = $1
	`, id)
	var sess storage.Session
	err := row.Scan(&sess.ID, &sess.Username, &sess.CSRFToken, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return storage.Session{}, mapRowErr(err)
	}
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM portal_sessions WHERE id = $1`, id)
	return err
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM portal_sessions WHERE expires_at < $1`, now)
	return err
}

func (s *Store) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM portal_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portal_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}
