package notion

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"syncbot/internal/models"
	"syncbot/internal/syncerr"
)

// SelectOption is one option of a select property.
type SelectOption struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Property is a database property schema entry.
type Property struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Select *struct {
		Options []SelectOption `json:"options"`
	} `json:"select,omitempty"`
}

// Database is the schema of a Notion database. Properties are keyed by name.
type Database struct {
	ID         string              `json:"id"`
	Properties map[string]Property `json:"properties"`
}

// PropertyByID finds a property by its id.
func (d *Database) PropertyByID(id string) (Property, bool) {
	for _, p := range d.Properties {
		if p.ID == id {
			return p, true
		}
	}
	return Property{}, false
}

// RetrieveDatabase reads the database schema.
func (c *Client) RetrieveDatabase(ctx context.Context, databaseID string) (*Database, error) {
	var db Database
	if err := c.do(ctx, "GET", "/v1/databases/"+url.PathEscape(databaseID), nil, &db); err != nil {
		return nil, err
	}
	return &db, nil
}

var validate = validator.New()

// ValidateDatabase checks that every mapped property exists with the expected
// type. A mismatch is a VALIDATION_ERROR, which stops the user's sync.
func (c *Client) ValidateDatabase(ctx context.Context, databaseID string, props models.NotionProps) (*Database, error) {
	if err := validate.Struct(props); err != nil {
		return nil, syncerr.New(syncerr.FromNotion, syncerr.CodeValidation, "property map incomplete").WithCause(err)
	}
	db, err := c.RetrieveDatabase(ctx, databaseID)
	if err != nil {
		return nil, err
	}

	expected := []struct {
		field, id, typ string
	}{
		{"title", props.Title, "title"},
		{"calendar", props.Calendar, "select"},
		{"date", props.Date, "date"},
		{"delete", props.Delete, "checkbox"},
		{"location", props.Location, "rich_text"},
		{"description", props.Description, "rich_text"},
		{"link", props.Link, "url"},
	}
	var problems []string
	for _, e := range expected {
		if e.id == "" {
			continue
		}
		p, ok := db.PropertyByID(e.id)
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("%s property %q missing", e.field, e.id))
		case p.Type != e.typ:
			problems = append(problems, fmt.Sprintf("%s property %q is %s, want %s", e.field, p.Name, p.Type, e.typ))
		}
	}
	if len(problems) > 0 {
		return nil, syncerr.New(syncerr.FromNotion, syncerr.CodeValidation, strings.Join(problems, "; "))
	}
	return db, nil
}

// EnsureCalendarOption returns the id of the select option named name on the
// calendar property, appending the option when it does not exist yet.
func (c *Client) EnsureCalendarOption(ctx context.Context, databaseID, propertyID, name string) (string, error) {
	name = OptionName(name)
	db, err := c.RetrieveDatabase(ctx, databaseID)
	if err != nil {
		return "", err
	}
	options, err := selectOptions(db, propertyID)
	if err != nil {
		return "", err
	}
	if id := optionIDByName(options, name); id != "" {
		return id, nil
	}

	// Existing options must be resent or Notion drops them.
	next := make([]SelectOption, 0, len(options)+1)
	for _, o := range options {
		next = append(next, SelectOption{ID: o.ID, Name: o.Name, Color: o.Color})
	}
	next = append(next, SelectOption{Name: name})
	payload := map[string]any{
		"properties": map[string]any{
			propertyID: map[string]any{"select": map[string]any{"options": next}},
		},
	}
	var updated Database
	if err := c.do(ctx, "PATCH", "/v1/databases/"+url.PathEscape(databaseID), payload, &updated); err != nil {
		return "", err
	}
	if options, err = selectOptions(&updated, propertyID); err == nil {
		if id := optionIDByName(options, name); id != "" {
			return id, nil
		}
	}

	db, err = c.RetrieveDatabase(ctx, databaseID)
	if err != nil {
		return "", err
	}
	if options, err = selectOptions(db, propertyID); err != nil {
		return "", err
	}
	if id := optionIDByName(options, name); id != "" {
		return id, nil
	}
	return "", syncerr.Newf(syncerr.FromNotion, syncerr.CodeServerError, "select option %q not visible after update", name)
}

// OptionName makes a calendar name usable as a select option. Notion rejects
// commas in option names and caps them at 100 characters.
func OptionName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, ",", " "))
	if r := []rune(name); len(r) > 100 {
		name = string(r[:100])
	}
	if name == "" {
		name = "Untitled"
	}
	return name
}

func selectOptions(db *Database, propertyID string) ([]SelectOption, error) {
	p, ok := db.PropertyByID(propertyID)
	if !ok || p.Type != "select" {
		return nil, syncerr.Newf(syncerr.FromNotion, syncerr.CodeValidation, "calendar property %q is not a select", propertyID)
	}
	if p.Select == nil {
		return nil, nil
	}
	return p.Select.Options, nil
}

func optionIDByName(options []SelectOption, name string) string {
	for _, o := range options {
		if o.Name == name {
			return o.ID
		}
	}
	return ""
}
