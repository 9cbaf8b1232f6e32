package models

import (
	"time"

	"syncbot/internal/eventdate"
)

// Event represents a Google Calendar event.
// This is an internal representation, independent of the Google API types.
type Event struct {
	ID           string              // Google event id
	CalendarID   string              // Google calendar id the event lives in
	Title        string              // Summary of the event
	Description  string              // Detailed description of the event
	Location     string              // Location of the event
	Link         string              // Browser link to the event
	Date         eventdate.EventDate // Start/end in neutral form
	Updated      time.Time           // Last modification time reported by Google
	Cancelled    bool                // Event was deleted on the Google side
	NotionPageID string              // Back-reference stored in the event's private properties
}

// Page represents one row of the user's Notion database.
type Page struct {
	ID             string
	Title          string
	CalendarOption string // Notion select option id of the calendar property
	Date           eventdate.EventDate
	HasDate        bool
	Location       string
	Description    string
	Link           string
	Delete         bool // the "delete" checkbox tombstone
	Archived       bool
	LastEditedTime time.Time
}

// SameContent reports whether the page already mirrors the event's user-visible fields.
func (p *Page) SameContent(e *Event) bool {
	return p.Title == e.Title &&
		p.Location == e.Location &&
		p.Description == e.Description &&
		p.HasDate && p.Date.Equal(e.Date)
}
