package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"syncbot/internal/models"
)

const userColumns = `id, notion_database_id, notion_props, notion_access_token, google_token,
	last_calendar_sync, is_connected, is_work, syncbot_id, user_time_zone, sync_year, plan, last_sync_status`

func scanUser(scanner interface{ Scan(dest ...any) error }) (*models.User, error) {
	var (
		u        models.User
		props    string
		lastSync sql.NullString
		plan     string
	)
	err := scanner.Scan(
		&u.ID,
		&u.NotionDatabaseID,
		&props,
		&u.NotionAccessToken,
		&u.GoogleToken,
		&lastSync,
		&u.IsConnected,
		&u.IsWork,
		&u.SyncbotID,
		&u.TimeZone,
		&u.SyncYear,
		&plan,
		&u.LastSyncStatus,
	)
	if err != nil {
		return nil, err
	}
	u.Plan = models.Plan(plan)
	if props != "" {
		if err := json.Unmarshal([]byte(props), &u.NotionProps); err != nil {
			return nil, fmt.Errorf("decode notion props of user %s: %w", u.ID, err)
		}
	}
	if u.LastCalendarSync, err = parseNullTime(lastSync); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user. Returns ErrAlreadyExists on duplicate id.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	props, err := json.Marshal(u.NotionProps)
	if err != nil {
		return err
	}
	plan := u.Plan
	if plan == "" {
		plan = models.PlanFree
	}
	tz := u.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	_, err = s.exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID,
		u.NotionDatabaseID,
		string(props),
		u.NotionAccessToken,
		u.GoogleToken,
		nullTime(u.LastCalendarSync),
		u.IsConnected,
		u.IsWork,
		u.SyncbotID,
		tz,
		u.SyncYear,
		string(plan),
		u.LastSyncStatus,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetUser returns the user or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// ClaimUser marks the user as being worked on by owner. It only succeeds when
// the user is connected and not already claimed, so two instances cannot both win.
func (s *Store) ClaimUser(ctx context.Context, id, owner string) (bool, error) {
	n, err := rowsAffected(s.exec(ctx, `
		UPDATE users SET is_work = TRUE, syncbot_id = ?
		WHERE id = ? AND is_work = FALSE AND is_connected = TRUE`, owner, id))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Finish describes how a run leaves the user row.
type Finish struct {
	// Cutoff is written to last_calendar_sync. Nil keeps NULL (never synced).
	Cutoff *time.Time
	Status string
	// Disconnect clears is_connected, disabling sync until re-enabled.
	Disconnect bool
}

// FinishUser releases the claim and records the run outcome.
func (s *Store) FinishUser(ctx context.Context, id string, f Finish) error {
	query := `UPDATE users SET is_work = FALSE, last_calendar_sync = ?, last_sync_status = ?`
	if f.Disconnect {
		query += `, is_connected = FALSE`
	}
	query += ` WHERE id = ?`
	_, err := s.exec(ctx, query, nullTime(f.Cutoff), f.Status, id)
	return err
}

// SetConnected enables or disables sync for a user.
func (s *Store) SetConnected(ctx context.Context, id string, connected bool) error {
	n, err := rowsAffected(s.exec(ctx, `UPDATE users SET is_connected = ? WHERE id = ?`, connected, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetGoogleToken stores the user's oauth2 token JSON.
func (s *Store) SetGoogleToken(ctx context.Context, id, token string) error {
	n, err := rowsAffected(s.exec(ctx, `UPDATE users SET google_token = ? WHERE id = ?`, token, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EligibleQuery selects users ready for a run.
type EligibleQuery struct {
	// Init selects never-synced users; otherwise users of Plan synced before Before.
	Init   bool
	Plan   models.Plan
	Before time.Time
	Limit  int
	// Exclude lists users the caller is backing off from.
	Exclude []string
}

// NextEligibleUsers returns ids of connected, unclaimed users, oldest cutoff first.
func (s *Store) NextEligibleUsers(ctx context.Context, q EligibleQuery) ([]string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	var (
		rows *sql.Rows
		err  error
	)
	if q.Init {
		exclude, args := excludeClause(q.Exclude, nil)
		rows, err = s.query(ctx, `
			SELECT id FROM users
			WHERE is_connected = TRUE AND is_work = FALSE AND last_calendar_sync IS NULL`+exclude+`
			ORDER BY id
			LIMIT ?`, append(args, limit)...)
	} else {
		exclude, args := excludeClause(q.Exclude, []any{string(q.Plan), formatTime(q.Before)})
		rows, err = s.query(ctx, `
			SELECT id FROM users
			WHERE is_connected = TRUE AND is_work = FALSE AND plan = ?
				AND last_calendar_sync IS NOT NULL AND last_calendar_sync < ?`+exclude+`
			ORDER BY last_calendar_sync ASC
			LIMIT ?`, append(args, limit)...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func excludeClause(ids []string, args []any) (string, []any) {
	if len(ids) == 0 {
		return "", args
	}
	marks := make([]string, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}
	return " AND id NOT IN (" + strings.Join(marks, ", ") + ")", args
}

// ResetStaleWork releases claims left by a crashed instance with the same owner id.
func (s *Store) ResetStaleWork(ctx context.Context, owner string) (int64, error) {
	return rowsAffected(s.exec(ctx, `
		UPDATE users SET is_work = FALSE WHERE is_work = TRUE AND syncbot_id = ?`, owner))
}
