package store

import (
	"context"
	"database/sql"
	"errors"

	"syncbot/internal/models"
)

const calendarColumns = `id, user_id, google_calendar_id, name, status, access_role, notion_property_id, is_primary`

func scanCalendar(scanner interface{ Scan(dest ...any) error }) (*models.Calendar, error) {
	var (
		c      models.Calendar
		status string
	)
	if err := scanner.Scan(&c.ID, &c.UserID, &c.GoogleCalendarID, &c.Name, &status, &c.AccessRole, &c.NotionOptionID, &c.Primary); err != nil {
		return nil, err
	}
	c.Status = models.CalendarStatus(status)
	return &c, nil
}

// CreateCalendar inserts a calendar and sets its ID.
func (s *Store) CreateCalendar(ctx context.Context, c *models.Calendar) error {
	status := c.Status
	if status == "" {
		status = models.CalendarPending
	}
	err := s.queryRow(ctx, `
		INSERT INTO calendars (user_id, google_calendar_id, name, status, access_role, notion_property_id, is_primary)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		c.UserID, c.GoogleCalendarID, c.Name, string(status), c.AccessRole, c.NotionOptionID, c.Primary,
	).Scan(&c.ID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	c.Status = status
	return nil
}

// ListActiveCalendars returns the user's calendars that are not disconnected.
func (s *Store) ListActiveCalendars(ctx context.Context, userID string) ([]*models.Calendar, error) {
	rows, err := s.query(ctx, `
		SELECT `+calendarColumns+` FROM calendars
		WHERE user_id = ? AND status <> ?
		ORDER BY id`, userID, string(models.CalendarDisconnected))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCalendar returns one of the user's calendars or ErrNotFound.
func (s *Store) GetCalendar(ctx context.Context, userID string, id int64) (*models.Calendar, error) {
	c, err := scanCalendar(s.queryRow(ctx, `
		SELECT `+calendarColumns+` FROM calendars WHERE user_id = ? AND id = ?`, userID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// UpdateCalendarStatus moves a calendar through its lifecycle.
func (s *Store) UpdateCalendarStatus(ctx context.Context, userID string, id int64, status models.CalendarStatus) error {
	return s.updateCalendar(ctx, `UPDATE calendars SET status = ? WHERE user_id = ? AND id = ?`, string(status), userID, id)
}

// SetCalendarOption records the Notion select option mirroring the calendar.
func (s *Store) SetCalendarOption(ctx context.Context, userID string, id int64, optionID string) error {
	return s.updateCalendar(ctx, `UPDATE calendars SET notion_property_id = ? WHERE user_id = ? AND id = ?`, optionID, userID, id)
}

func (s *Store) updateCalendar(ctx context.Context, query string, args ...any) error {
	n, err := rowsAffected(s.exec(ctx, query, args...))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DisconnectCalendar marks the calendar disconnected and tombstones its links,
// so the next run erases both mirrored copies.
func (s *Store) DisconnectCalendar(ctx context.Context, userID string, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE calendars SET status = ? WHERE user_id = ? AND id = ?`),
		string(models.CalendarDisconnected), userID, id)
	if n, err := rowsAffected(res, err); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE events SET will_remove = TRUE WHERE user_id = ? AND calendar_id = ?`),
		userID, id); err != nil {
		return err
	}
	return tx.Commit()
}
