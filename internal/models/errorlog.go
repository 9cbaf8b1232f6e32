package models

import "time"

// ErrorLog is a persisted record of a classified failure.
type ErrorLog struct {
	ID         int64
	UserID     string
	Code       string
	From       string
	Level      string
	FinishWork string
	Detail     string
	Archive    bool
	CreatedAt  time.Time
}
