package notion

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"syncbot/internal/eventdate"
	"syncbot/internal/models"
	"syncbot/internal/syncerr"
)

const richTextLimit = 2000

type richText struct {
	PlainText string `json:"plain_text"`
}

type pageProperty struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Title    []richText    `json:"title"`
	RichText []richText    `json:"rich_text"`
	Select   *SelectOption `json:"select"`
	Date     *rawDate      `json:"date"`
	Checkbox bool          `json:"checkbox"`
	URL      *string       `json:"url"`
}

type rawDate struct {
	Start string  `json:"start"`
	End   *string `json:"end"`
}

type rawPage struct {
	ID             string                  `json:"id"`
	Archived       bool                    `json:"archived"`
	InTrash        bool                    `json:"in_trash"`
	LastEditedTime time.Time               `json:"last_edited_time"`
	Properties     map[string]pageProperty `json:"properties"`
}

type queryResponse struct {
	Results    []rawPage `json:"results"`
	HasMore    bool      `json:"has_more"`
	NextCursor *string   `json:"next_cursor"`
}

// Mapper converts between raw pages and models.Page using one user's
// property map and time zone.
type Mapper struct {
	Props    models.NotionProps
	Location *time.Location
}

func (m Mapper) decode(raw rawPage) (*models.Page, error) {
	page := &models.Page{
		ID:             raw.ID,
		Archived:       raw.Archived || raw.InTrash,
		LastEditedTime: raw.LastEditedTime,
	}
	byID := make(map[string]pageProperty, len(raw.Properties))
	for _, p := range raw.Properties {
		byID[p.ID] = p
	}
	if p, ok := byID[m.Props.Title]; ok {
		page.Title = plainText(p.Title)
	}
	if p, ok := byID[m.Props.Calendar]; ok && p.Select != nil {
		page.CalendarOption = p.Select.ID
	}
	if p, ok := byID[m.Props.Delete]; ok {
		page.Delete = p.Checkbox
	}
	if p, ok := byID[m.Props.Location]; ok && m.Props.Location != "" {
		page.Location = plainText(p.RichText)
	}
	if p, ok := byID[m.Props.Description]; ok && m.Props.Description != "" {
		page.Description = plainText(p.RichText)
	}
	if p, ok := byID[m.Props.Link]; ok && m.Props.Link != "" && p.URL != nil {
		page.Link = *p.URL
	}
	if p, ok := byID[m.Props.Date]; ok && p.Date != nil && p.Date.Start != "" {
		loc := m.Location
		if loc == nil {
			loc = time.UTC
		}
		d, err := eventdate.FromNotion(p.Date.Start, p.Date.End, loc)
		if err != nil {
			return nil, fmt.Errorf("page %s date: %w", raw.ID, err)
		}
		page.Date = d
		page.HasDate = true
	}
	return page, nil
}

// properties renders the mapped fields of page as a Notion properties payload.
func (m Mapper) properties(page *models.Page) map[string]any {
	props := map[string]any{
		m.Props.Title: map[string]any{"title": textBlocks(page.Title)},
	}
	if page.HasDate {
		props[m.Props.Date] = map[string]any{"date": eventdate.ToNotion(page.Date)}
	}
	if page.CalendarOption != "" {
		props[m.Props.Calendar] = map[string]any{"select": map[string]any{"id": page.CalendarOption}}
	}
	if m.Props.Location != "" {
		props[m.Props.Location] = map[string]any{"rich_text": textBlocks(page.Location)}
	}
	if m.Props.Description != "" {
		props[m.Props.Description] = map[string]any{"rich_text": textBlocks(page.Description)}
	}
	if m.Props.Link != "" {
		var link any
		if page.Link != "" {
			link = page.Link
		}
		props[m.Props.Link] = map[string]any{"url": link}
	}
	return props
}

func plainText(parts []richText) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.PlainText)
	}
	return b.String()
}

// textBlocks splits s into rich text objects within Notion's per-object limit.
func textBlocks(s string) []map[string]any {
	blocks := []map[string]any{}
	r := []rune(s)
	for len(r) > 0 {
		n := min(len(r), richTextLimit)
		blocks = append(blocks, map[string]any{"type": "text", "text": map[string]any{"content": string(r[:n])}})
		r = r[n:]
	}
	return blocks
}

// GetPage reads one page.
func (c *Client) GetPage(ctx context.Context, m Mapper, pageID string) (*models.Page, error) {
	var raw rawPage
	if err := c.do(ctx, "GET", "/v1/pages/"+url.PathEscape(pageID), nil, &raw); err != nil {
		return nil, err
	}
	return m.decode(raw)
}

// CreatePage creates a database row from page and returns it as stored.
func (c *Client) CreatePage(ctx context.Context, m Mapper, databaseID string, page *models.Page) (*models.Page, error) {
	props := m.properties(page)
	props[m.Props.Delete] = map[string]any{"checkbox": false}
	payload := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": props,
	}
	var raw rawPage
	if err := c.do(ctx, "POST", "/v1/pages", payload, &raw); err != nil {
		return nil, err
	}
	return m.decode(raw)
}

// UpdatePage overwrites the mapped properties of an existing page.
func (c *Client) UpdatePage(ctx context.Context, m Mapper, pageID string, page *models.Page) (*models.Page, error) {
	payload := map[string]any{"properties": m.properties(page)}
	var raw rawPage
	if err := c.do(ctx, "PATCH", "/v1/pages/"+url.PathEscape(pageID), payload, &raw); err != nil {
		return nil, err
	}
	return m.decode(raw)
}

// ArchivePage moves a page to the trash. A page that is already gone counts as archived.
func (c *Client) ArchivePage(ctx context.Context, pageID string) error {
	err := c.do(ctx, "PATCH", "/v1/pages/"+url.PathEscape(pageID), map[string]any{"archived": true}, nil)
	if err == nil || errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}
	var se *syncerr.Error
	if errors.As(err, &se) && se.Code == syncerr.CodeValidation && strings.Contains(strings.ToLower(se.Message), "archived") {
		return nil
	}
	return err
}

// QueryUpdatedPages returns pages edited at or after since whose date falls in the window.
func (c *Client) QueryUpdatedPages(ctx context.Context, m Mapper, databaseID string, since time.Time, w models.Window) ([]*models.Page, error) {
	filter := map[string]any{"and": []any{
		map[string]any{"timestamp": "last_edited_time", "last_edited_time": map[string]any{"on_or_after": since.UTC().Format(time.RFC3339)}},
		dateAfter(m.Props.Date, w.TimeMin),
		dateBefore(m.Props.Date, w.TimeMax),
	}}
	return c.queryAll(ctx, m, databaseID, filter)
}

// QueryDeletePages returns pages in the window whose delete checkbox is set.
func (c *Client) QueryDeletePages(ctx context.Context, m Mapper, databaseID string, w models.Window) ([]*models.Page, error) {
	filter := map[string]any{"and": []any{
		map[string]any{"property": m.Props.Delete, "checkbox": map[string]any{"equals": true}},
		dateAfter(m.Props.Date, w.TimeMin),
		dateBefore(m.Props.Date, w.TimeMax),
	}}
	return c.queryAll(ctx, m, databaseID, filter)
}

// QueryAllPages returns every page whose date falls in the window.
func (c *Client) QueryAllPages(ctx context.Context, m Mapper, databaseID string, w models.Window) ([]*models.Page, error) {
	filter := map[string]any{"and": []any{
		dateAfter(m.Props.Date, w.TimeMin),
		dateBefore(m.Props.Date, w.TimeMax),
	}}
	return c.queryAll(ctx, m, databaseID, filter)
}

func dateAfter(prop string, t time.Time) map[string]any {
	return map[string]any{"property": prop, "date": map[string]any{"on_or_after": t.Format(time.RFC3339)}}
}

func dateBefore(prop string, t time.Time) map[string]any {
	return map[string]any{"property": prop, "date": map[string]any{"before": t.Format(time.RFC3339)}}
}

// queryAll follows next_cursor until has_more is false.
func (c *Client) queryAll(ctx context.Context, m Mapper, databaseID string, filter map[string]any) ([]*models.Page, error) {
	path := "/v1/databases/" + url.PathEscape(databaseID) + "/query"
	var (
		pages  []*models.Page
		cursor string
	)
	for {
		payload := map[string]any{"filter": filter, "page_size": pageSize}
		if cursor != "" {
			payload["start_cursor"] = cursor
		}
		var resp queryResponse
		if err := c.do(ctx, "POST", path, payload, &resp); err != nil {
			return nil, err
		}
		for _, raw := range resp.Results {
			page, err := m.decode(raw)
			if err != nil {
				c.logger.Warn("Skipping undecodable page", "page_id", raw.ID, "error", err)
				continue
			}
			pages = append(pages, page)
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			return pages, nil
		}
		cursor = *resp.NextCursor
	}
}
