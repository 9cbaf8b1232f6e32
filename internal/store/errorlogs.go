package store

import (
	"context"
	"time"

	"syncbot/internal/models"
)

// InsertErrorLog persists a classified failure and sets its ID.
func (s *Store) InsertErrorLog(ctx context.Context, e *models.ErrorLog) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.queryRow(ctx, `
		INSERT INTO error_logs (user_id, code, source, level, finish_work, detail, archive, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		e.UserID, e.Code, e.From, e.Level, e.FinishWork, e.Detail, e.Archive, formatTime(e.CreatedAt),
	).Scan(&e.ID)
}

// PruneErrorLogs deletes the user's unarchived logs created before the cutoff.
func (s *Store) PruneErrorLogs(ctx context.Context, userID string, before time.Time) (int64, error) {
	return rowsAffected(s.exec(ctx, `
		DELETE FROM error_logs WHERE user_id = ? AND archive = FALSE AND created_at < ?`,
		userID, formatTime(before)))
}

// PruneAllErrorLogs deletes every unarchived log created before the cutoff.
func (s *Store) PruneAllErrorLogs(ctx context.Context, before time.Time) (int64, error) {
	return rowsAffected(s.exec(ctx, `
		DELETE FROM error_logs WHERE archive = FALSE AND created_at < ?`, formatTime(before)))
}

// ListErrorLogs returns the user's most recent logs, newest first.
func (s *Store) ListErrorLogs(ctx context.Context, userID string, limit int) ([]*models.ErrorLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `
		SELECT id, user_id, code, source, level, finish_work, detail, archive, created_at
		FROM error_logs WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ErrorLog
	for rows.Next() {
		var (
			e       models.ErrorLog
			created string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Code, &e.From, &e.Level, &e.FinishWork, &e.Detail, &e.Archive, &created); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
