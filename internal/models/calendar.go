package models

// CalendarStatus is the lifecycle state of a connected calendar.
type CalendarStatus string

const (
	CalendarPending      CalendarStatus = "PENDING"
	CalendarConnected    CalendarStatus = "CONNECTED"
	CalendarDisconnected CalendarStatus = "DISCONNECTED"
)

// Access roles reported by the Google calendar list.
const (
	RoleOwner          = "owner"
	RoleWriter         = "writer"
	RoleReader         = "reader"
	RoleFreeBusyReader = "freeBusyReader"
)

// Calendar is one Google calendar connected to a user.
type Calendar struct {
	ID               int64
	UserID           string
	GoogleCalendarID string
	Name             string
	Status           CalendarStatus
	AccessRole       string
	NotionOptionID   string // select option id in the Notion calendar property
	Primary          bool
}

// Writable reports whether pages may be mirrored into the calendar.
func (c *Calendar) Writable() bool {
	return c.AccessRole == RoleOwner || c.AccessRole == RoleWriter
}

// ReadOnly reports whether the calendar must never be written to.
func (c *Calendar) ReadOnly() bool {
	return c.AccessRole == RoleReader || c.AccessRole == RoleFreeBusyReader
}
