// Package models holds the records shared by the store, the source adapters and the reconciler.
package models

import (
	"time"
)

// Plan is a subscription tier; scheduler loops are partitioned by it.
type Plan string

const (
	PlanFree  Plan = "FREE"
	PlanBasic Plan = "BASIC"
	PlanPro   Plan = "PRO"
)

// NotionProps maps logical fields to property ids of the user's Notion database.
type NotionProps struct {
	Title       string `json:"title" validate:"required"`
	Calendar    string `json:"calendar" validate:"required"`
	Date        string `json:"date" validate:"required"`
	Delete      string `json:"delete" validate:"required"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	Link        string `json:"link,omitempty"`
}

// User is one synchronized account.
type User struct {
	ID                string
	NotionDatabaseID  string
	NotionProps       NotionProps
	NotionAccessToken string
	GoogleToken       string // oauth2 token JSON
	LastCalendarSync  *time.Time
	IsConnected       bool
	IsWork            bool
	SyncbotID         string // owner of the current run
	TimeZone          string
	SyncYear          int
	Plan              Plan
	LastSyncStatus    string
}

// Location loads the user's configured zone, falling back to UTC.
func (u *User) Location() *time.Location {
	if u.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Window bounds which events are ever synced.
type Window struct {
	TimeMin time.Time
	TimeMax time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.TimeMin) && t.Before(w.TimeMax)
}

// Horizon returns the sync window: January 1st of the sync year up to
// January 1st two years after now, in the user's zone.
func (u *User) Horizon(now time.Time) Window {
	loc := u.Location()
	year := u.SyncYear
	if year <= 0 {
		year = now.In(loc).Year()
	}
	return Window{
		TimeMin: time.Date(year, time.January, 1, 0, 0, 0, 0, loc),
		TimeMax: time.Date(now.In(loc).Year()+2, time.January, 1, 0, 0, 0, 0, loc),
	}
}
