package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"syncbot/internal/models"
)

const linkColumns = `id, user_id, calendar_id, google_calendar_event_id, notion_page_id,
	last_notion_update, last_google_calendar_update, will_remove`

func scanLink(scanner interface{ Scan(dest ...any) error }) (*models.EventLink, error) {
	var (
		l             models.EventLink
		notionUpdated string
		googleUpdated string
	)
	if err := scanner.Scan(&l.ID, &l.UserID, &l.CalendarID, &l.GoogleEventID, &l.NotionPageID,
		&notionUpdated, &googleUpdated, &l.WillRemove); err != nil {
		return nil, err
	}
	var err error
	if l.LastNotionUpdate, err = parseTime(notionUpdated); err != nil {
		return nil, err
	}
	if l.LastGoogleUpdate, err = parseTime(googleUpdated); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) findLink(ctx context.Context, query string, args ...any) (*models.EventLink, error) {
	l, err := scanLink(s.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *Store) listLinks(ctx context.Context, query string, args ...any) ([]*models.EventLink, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EventLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// FindLinkByNotionPage returns the link of a page, or nil when the page is unlinked.
func (s *Store) FindLinkByNotionPage(ctx context.Context, userID, pageID string) (*models.EventLink, error) {
	return s.findLink(ctx, `SELECT `+linkColumns+` FROM events WHERE user_id = ? AND notion_page_id = ?`, userID, pageID)
}

// FindLinkByGoogleEvent returns the link of an event in a calendar, or nil.
func (s *Store) FindLinkByGoogleEvent(ctx context.Context, userID string, calendarID int64, eventID string) (*models.EventLink, error) {
	return s.findLink(ctx, `
		SELECT `+linkColumns+` FROM events
		WHERE user_id = ? AND calendar_id = ? AND google_calendar_event_id = ?`, userID, calendarID, eventID)
}

// FindLinksByGoogleEventID returns links for an event id in any of the user's calendars.
// Google keeps the id when an event moves between calendars.
func (s *Store) FindLinksByGoogleEventID(ctx context.Context, userID, eventID string) ([]*models.EventLink, error) {
	return s.listLinks(ctx, `
		SELECT `+linkColumns+` FROM events
		WHERE user_id = ? AND google_calendar_event_id = ?
		ORDER BY id`, userID, eventID)
}

// FindTombstonedLinks returns links marked for removal.
func (s *Store) FindTombstonedLinks(ctx context.Context, userID string) ([]*models.EventLink, error) {
	return s.listLinks(ctx, `
		SELECT `+linkColumns+` FROM events
		WHERE user_id = ? AND will_remove = TRUE
		ORDER BY id`, userID)
}

// ListLinks returns every link of the user.
func (s *Store) ListLinks(ctx context.Context, userID string) ([]*models.EventLink, error) {
	return s.listLinks(ctx, `SELECT `+linkColumns+` FROM events WHERE user_id = ? ORDER BY id`, userID)
}

// CreateLink inserts a link and sets its ID. Returns ErrAlreadyExists when either
// side is already linked.
func (s *Store) CreateLink(ctx context.Context, l *models.EventLink) error {
	err := s.queryRow(ctx, `
		INSERT INTO events (user_id, calendar_id, google_calendar_event_id, notion_page_id,
			last_notion_update, last_google_calendar_update, will_remove)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		l.UserID, l.CalendarID, l.GoogleEventID, l.NotionPageID,
		formatTime(l.LastNotionUpdate), formatTime(l.LastGoogleUpdate), l.WillRemove,
	).Scan(&l.ID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// UpdateLinkCalendar re-points a link after its event moved to another calendar.
func (s *Store) UpdateLinkCalendar(ctx context.Context, id, calendarID int64, eventID string) error {
	return s.updateLink(ctx, `
		UPDATE events SET calendar_id = ?, google_calendar_event_id = ? WHERE id = ?`, calendarID, eventID, id)
}

// TouchGoogleSide records a Google write or observation on the link.
func (s *Store) TouchGoogleSide(ctx context.Context, id int64, updated time.Time) error {
	return s.updateLink(ctx, `UPDATE events SET last_google_calendar_update = ? WHERE id = ?`, formatTime(updated), id)
}

// TouchNotionSide records a Notion write or observation on the link.
func (s *Store) TouchNotionSide(ctx context.Context, id int64, updated time.Time) error {
	return s.updateLink(ctx, `UPDATE events SET last_notion_update = ? WHERE id = ?`, formatTime(updated), id)
}

// TouchLink records both sides after a write that produced new timestamps on each.
func (s *Store) TouchLink(ctx context.Context, id int64, notionUpdated, googleUpdated time.Time) error {
	return s.updateLink(ctx, `
		UPDATE events SET last_notion_update = ?, last_google_calendar_update = ? WHERE id = ?`,
		formatTime(notionUpdated), formatTime(googleUpdated), id)
}

// MarkLinkRemoved tombstones a link so ERASE_TOMBSTONED deletes both sides.
func (s *Store) MarkLinkRemoved(ctx context.Context, id int64) error {
	return s.updateLink(ctx, `UPDATE events SET will_remove = TRUE WHERE id = ?`, id)
}

// DeleteLink removes a link. Deleting a missing link is not an error.
func (s *Store) DeleteLink(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `DELETE FROM events WHERE id = ?`, id)
	return err
}

func (s *Store) updateLink(ctx context.Context, query string, args ...any) error {
	n, err := rowsAffected(s.exec(ctx, query, args...))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
