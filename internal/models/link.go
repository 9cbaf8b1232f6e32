package models

import "time"

// EventLink maps one Google event to one Notion page.
type EventLink struct {
	ID               int64
	UserID           string
	CalendarID       int64
	GoogleEventID    string
	NotionPageID     string
	LastNotionUpdate time.Time
	LastGoogleUpdate time.Time
	WillRemove       bool
}
