package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"syncbot/internal/google"
	"syncbot/internal/models"
	"syncbot/internal/syncerr"
)

// refreshCalendars reconciles stored calendars with the user's current Google
// calendar list. Roles are taken from Google; calendars the user lost access to
// are disconnected, which tombstones their links.
func (w *run) refreshCalendars(ctx context.Context) error {
	entries, err := w.gcal.ListCalendars(ctx)
	if err != nil {
		return err
	}
	w.accessible = make(map[string]google.CalendarEntry, len(entries))
	for _, e := range entries {
		w.accessible[e.ID] = e
	}

	kept := w.calendars[:0]
	for _, cal := range w.calendars {
		e, ok := w.accessible[cal.GoogleCalendarID]
		if !ok {
			w.logger.Warn("Calendar no longer accessible, disconnecting", "calendar_id", cal.GoogleCalendarID)
			if err := w.store.DisconnectCalendar(ctx, w.user.ID, cal.ID); err != nil {
				return fmt.Errorf("disconnect calendar %d: %w", cal.ID, err)
			}
			continue
		}
		cal.AccessRole = e.AccessRole
		cal.Primary = e.Primary
		kept = append(kept, cal)
	}
	w.calendars = kept
	return nil
}

func (w *run) eraseTombstoned(ctx context.Context) error {
	counts := w.result.Phase(PhaseErase)

	pages, err := w.pages.QueryDeletePages(ctx, w.mapper, w.user.NotionDatabaseID, w.window)
	if err != nil {
		return err
	}
	for _, page := range pages {
		link, err := w.store.FindLinkByNotionPage(ctx, w.user.ID, page.ID)
		if err != nil {
			return fmt.Errorf("find link of page %s: %w", page.ID, err)
		}
		if link != nil {
			if err := w.deleteGoogleSide(ctx, link); err != nil {
				return err
			}
			if err := w.store.DeleteLink(ctx, link.ID); err != nil {
				return fmt.Errorf("delete link %d: %w", link.ID, err)
			}
		}
		if err := w.pages.ArchivePage(ctx, page.ID); err != nil {
			return err
		}
		counts.Deleted++
	}

	links, err := w.store.FindTombstonedLinks(ctx, w.user.ID)
	if err != nil {
		return fmt.Errorf("find tombstoned links: %w", err)
	}
	for _, link := range links {
		if err := w.deleteGoogleSide(ctx, link); err != nil {
			return err
		}
		if err := w.pages.ArchivePage(ctx, link.NotionPageID); err != nil {
			return err
		}
		if err := w.store.DeleteLink(ctx, link.ID); err != nil {
			return fmt.Errorf("delete link %d: %w", link.ID, err)
		}
		counts.Deleted++
	}
	return nil
}

// deleteGoogleSide deletes the mirrored event unless its calendar is read-only
// or no longer on the user's calendar list.
func (w *run) deleteGoogleSide(ctx context.Context, link *models.EventLink) error {
	cal, err := w.linkCalendar(ctx, link)
	if err != nil {
		return err
	}
	entry, ok := w.accessible[cal.GoogleCalendarID]
	if !ok || !isWritableRole(entry.AccessRole) {
		w.logger.Debug("Keeping event on read-only or inaccessible calendar", "calendar_id", cal.GoogleCalendarID, "event_id", link.GoogleEventID)
		return nil
	}
	return w.gcal.DeleteEvent(ctx, cal.GoogleCalendarID, link.GoogleEventID)
}

func (w *run) linkCalendar(ctx context.Context, link *models.EventLink) (*models.Calendar, error) {
	if cal := w.calendarByID(link.CalendarID); cal != nil {
		return cal, nil
	}
	cal, err := w.store.GetCalendar(ctx, w.user.ID, link.CalendarID)
	if err != nil {
		return nil, fmt.Errorf("load calendar %d: %w", link.CalendarID, err)
	}
	return cal, nil
}

type googleChange struct {
	cal *models.Calendar
	ev  *models.Event
}

// syncEvents applies changes made on either side since the cutoff. Both sides
// are read before anything is written, so this run's writes are never read
// back as changes. Queries reach one stale window before the cutoff; echo
// suppression on the link timestamps drops what was already applied.
func (w *run) syncEvents(ctx context.Context, cutoff time.Time) error {
	since := cutoff.Add(-staleWindow)

	pages, err := w.pages.QueryUpdatedPages(ctx, w.mapper, w.user.NotionDatabaseID, since, w.window)
	if err != nil {
		return err
	}

	var live, cancelled []googleChange
	for _, cal := range w.connected() {
		events, err := w.gcal.ListUpdatedEvents(ctx, cal.GoogleCalendarID, since, w.window)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Cancelled {
				cancelled = append(cancelled, googleChange{cal, ev})
			} else {
				live = append(live, googleChange{cal, ev})
			}
		}
	}
	w.logger.Debug("Collected changes", "pages", len(pages), "events", len(live), "cancelled", len(cancelled))

	// Live events first: a move between calendars shows up as a cancellation
	// in the old calendar and must be applied as a reassignment.
	for _, c := range live {
		if err := w.applyGoogleEvent(ctx, c.cal, c.ev); err != nil {
			return err
		}
	}
	for _, c := range cancelled {
		if err := w.applyGoogleCancel(ctx, c.cal, c.ev); err != nil {
			return err
		}
	}
	for _, page := range pages {
		if err := w.applyNotionPage(ctx, page, since); err != nil {
			return err
		}
	}
	return nil
}

func (w *run) applyGoogleEvent(ctx context.Context, cal *models.Calendar, ev *models.Event) error {
	counts := w.result.Phase(PhaseGoogle)

	link, err := w.store.FindLinkByGoogleEvent(ctx, w.user.ID, cal.ID, ev.ID)
	if err != nil {
		return fmt.Errorf("find link of event %s: %w", ev.ID, err)
	}
	moved := false
	if link == nil {
		links, err := w.store.FindLinksByGoogleEventID(ctx, w.user.ID, ev.ID)
		if err != nil {
			return fmt.Errorf("find links of event %s: %w", ev.ID, err)
		}
		if len(links) > 0 {
			link = links[0]
			if err := w.store.UpdateLinkCalendar(ctx, link.ID, cal.ID, ev.ID); err != nil {
				return fmt.Errorf("reassign link %d: %w", link.ID, err)
			}
			w.logger.Debug("Event moved between calendars", "event_id", ev.ID, "calendar_id", cal.GoogleCalendarID)
			link.CalendarID = cal.ID
			moved = true
		}
	}
	if link == nil {
		return w.createPageForEvent(ctx, cal, ev, counts)
	}
	if !moved && !ev.Updated.After(link.LastGoogleUpdate) {
		counts.Skipped++
		return nil
	}

	page, err := w.pages.GetPage(ctx, w.mapper, link.NotionPageID)
	if errors.Is(err, syncerr.ErrNotFound) || (err == nil && page.Archived) {
		w.logger.Info("Mirrored page is gone, recreating", "page_id", link.NotionPageID, "event_id", ev.ID)
		if err := w.store.DeleteLink(ctx, link.ID); err != nil {
			return fmt.Errorf("delete link %d: %w", link.ID, err)
		}
		return w.createPageForEvent(ctx, cal, ev, counts)
	}
	if err != nil {
		return err
	}

	// Both sides changed since the last sync: the later edit wins.
	if page.LastEditedTime.After(link.LastNotionUpdate) && page.LastEditedTime.After(ev.Updated) {
		counts.Skipped++
		return nil
	}
	if page.SameContent(ev) && page.CalendarOption == cal.NotionOptionID {
		if err := w.store.TouchGoogleSide(ctx, link.ID, ev.Updated); err != nil {
			return fmt.Errorf("touch link %d: %w", link.ID, err)
		}
		counts.Skipped++
		return nil
	}

	updated, err := w.pages.UpdatePage(ctx, w.mapper, link.NotionPageID, pageFromEvent(ev, cal))
	if errors.Is(err, syncerr.ErrNotFound) {
		if err := w.store.DeleteLink(ctx, link.ID); err != nil {
			return fmt.Errorf("delete link %d: %w", link.ID, err)
		}
		return w.createPageForEvent(ctx, cal, ev, counts)
	}
	if err != nil {
		return err
	}
	if err := w.store.TouchLink(ctx, link.ID, updated.LastEditedTime, ev.Updated); err != nil {
		return fmt.Errorf("touch link %d: %w", link.ID, err)
	}
	counts.Updated++
	return nil
}

func (w *run) applyGoogleCancel(ctx context.Context, cal *models.Calendar, ev *models.Event) error {
	link, err := w.store.FindLinkByGoogleEvent(ctx, w.user.ID, cal.ID, ev.ID)
	if err != nil {
		return fmt.Errorf("find link of event %s: %w", ev.ID, err)
	}
	if link == nil {
		return nil
	}
	if err := w.pages.ArchivePage(ctx, link.NotionPageID); err != nil {
		return err
	}
	if err := w.store.DeleteLink(ctx, link.ID); err != nil {
		return fmt.Errorf("delete link %d: %w", link.ID, err)
	}
	w.result.Phase(PhaseGoogle).Deleted++
	return nil
}

func (w *run) applyNotionPage(ctx context.Context, page *models.Page, staleBefore time.Time) error {
	counts := w.result.Phase(PhaseNotion)

	if page.Delete || page.Archived || !page.HasDate {
		return nil
	}
	if page.LastEditedTime.Before(staleBefore) {
		counts.Skipped++
		return nil
	}

	link, err := w.store.FindLinkByNotionPage(ctx, w.user.ID, page.ID)
	if err != nil {
		return fmt.Errorf("find link of page %s: %w", page.ID, err)
	}
	if link == nil {
		return w.createEventForPage(ctx, page, counts)
	}
	if !page.LastEditedTime.After(link.LastNotionUpdate) {
		counts.Skipped++
		return nil
	}

	current := w.calendarByID(link.CalendarID)
	if current == nil || current.Status != models.CalendarConnected || current.ReadOnly() {
		counts.Skipped++
		return nil
	}

	ev, err := w.gcal.GetEvent(ctx, current.GoogleCalendarID, link.GoogleEventID)
	if errors.Is(err, syncerr.ErrNotFound) || errors.Is(err, syncerr.ErrGone) || (err == nil && ev.Cancelled) {
		w.logger.Info("Mirrored event is gone, recreating", "event_id", link.GoogleEventID, "page_id", page.ID)
		if err := w.store.DeleteLink(ctx, link.ID); err != nil {
			return fmt.Errorf("delete link %d: %w", link.ID, err)
		}
		return w.createEventForPage(ctx, page, counts)
	}
	if err != nil {
		return err
	}
	if ev.Updated.After(link.LastGoogleUpdate) && ev.Updated.After(page.LastEditedTime) {
		counts.Skipped++
		return nil
	}

	target := current
	if page.CalendarOption != "" && page.CalendarOption != current.NotionOptionID {
		if c := w.calendarByOption(page.CalendarOption); c != nil && !c.ReadOnly() {
			target = c
		}
	}
	if target.ID != current.ID {
		moved, err := w.gcal.MoveEvent(ctx, current.GoogleCalendarID, link.GoogleEventID, target.GoogleCalendarID)
		if err != nil {
			return err
		}
		if err := w.store.UpdateLinkCalendar(ctx, link.ID, target.ID, moved.ID); err != nil {
			return fmt.Errorf("reassign link %d: %w", link.ID, err)
		}
		ev = moved
	}

	if page.SameContent(ev) {
		if err := w.store.TouchLink(ctx, link.ID, page.LastEditedTime, ev.Updated); err != nil {
			return fmt.Errorf("touch link %d: %w", link.ID, err)
		}
		if target.ID != current.ID {
			counts.Updated++
		} else {
			counts.Skipped++
		}
		return nil
	}

	updated, err := w.gcal.UpdateEvent(ctx, target.GoogleCalendarID, ev.ID, eventFromPage(page), w.timeZone())
	if err != nil {
		return err
	}
	if err := w.store.TouchLink(ctx, link.ID, page.LastEditedTime, updated.Updated); err != nil {
		return fmt.Errorf("touch link %d: %w", link.ID, err)
	}
	counts.Updated++
	return nil
}

// initAccount runs instead of syncEvents on a user's first pass. Every pending
// calendar is imported by attachNewCalendars; dated pages already in the
// database are collected here and pushed to Google after the import.
func (w *run) initAccount(ctx context.Context) error {
	pages, err := w.pages.QueryAllPages(ctx, w.mapper, w.user.NotionDatabaseID, w.window)
	if err != nil {
		return err
	}
	for _, page := range pages {
		if page.Delete || page.Archived || !page.HasDate {
			continue
		}
		link, err := w.store.FindLinkByNotionPage(ctx, w.user.ID, page.ID)
		if err != nil {
			return fmt.Errorf("find link of page %s: %w", page.ID, err)
		}
		if link == nil {
			w.initialPages = append(w.initialPages, page)
		}
	}
	w.logger.Info("Initializing account", "pending_calendars", len(w.pending()), "existing_pages", len(w.initialPages))
	return nil
}

func (w *run) attachNewCalendars(ctx context.Context) error {
	counts := w.result.Phase(PhaseAttach)

	for _, cal := range w.pending() {
		name := cal.Name
		if name == "" {
			name = w.accessible[cal.GoogleCalendarID].Summary
		}
		if name == "" {
			name = cal.GoogleCalendarID
		}
		optionID, err := w.pages.EnsureCalendarOption(ctx, w.user.NotionDatabaseID, w.user.NotionProps.Calendar, name)
		if err != nil {
			return err
		}
		if err := w.store.SetCalendarOption(ctx, w.user.ID, cal.ID, optionID); err != nil {
			return fmt.Errorf("set option of calendar %d: %w", cal.ID, err)
		}
		cal.NotionOptionID = optionID

		events, err := w.gcal.ListEvents(ctx, cal.GoogleCalendarID, w.window)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Cancelled {
				continue
			}
			if linked, err := w.alreadyLinked(ctx, cal, ev); err != nil {
				return err
			} else if linked {
				continue
			}
			if err := w.createPageForEvent(ctx, cal, ev, counts); err != nil {
				return err
			}
		}

		// Connected only once imported, so a failed import is retried as a whole.
		if err := w.store.UpdateCalendarStatus(ctx, w.user.ID, cal.ID, models.CalendarConnected); err != nil {
			return fmt.Errorf("connect calendar %d: %w", cal.ID, err)
		}
		cal.Status = models.CalendarConnected
		w.logger.Info("Calendar attached", "calendar_id", cal.GoogleCalendarID, "events", len(events))
	}

	for _, page := range w.initialPages {
		if err := w.createEventForPage(ctx, page, counts); err != nil {
			return err
		}
	}
	return nil
}

func (w *run) alreadyLinked(ctx context.Context, cal *models.Calendar, ev *models.Event) (bool, error) {
	link, err := w.store.FindLinkByGoogleEvent(ctx, w.user.ID, cal.ID, ev.ID)
	if err != nil {
		return false, fmt.Errorf("find link of event %s: %w", ev.ID, err)
	}
	if link != nil {
		return true, nil
	}
	if ev.NotionPageID == "" {
		return false, nil
	}
	link, err = w.store.FindLinkByNotionPage(ctx, w.user.ID, ev.NotionPageID)
	if err != nil {
		return false, fmt.Errorf("find link of page %s: %w", ev.NotionPageID, err)
	}
	return link != nil, nil
}

func (w *run) createPageForEvent(ctx context.Context, cal *models.Calendar, ev *models.Event, counts *models.Counts) error {
	page, err := w.pages.CreatePage(ctx, w.mapper, w.user.NotionDatabaseID, pageFromEvent(ev, cal))
	if err != nil {
		return err
	}
	link := &models.EventLink{
		UserID:           w.user.ID,
		CalendarID:       cal.ID,
		GoogleEventID:    ev.ID,
		NotionPageID:     page.ID,
		LastNotionUpdate: page.LastEditedTime,
		LastGoogleUpdate: ev.Updated,
	}
	if err := w.store.CreateLink(ctx, link); err != nil {
		return fmt.Errorf("link event %s to page %s: %w", ev.ID, page.ID, err)
	}
	counts.Created++
	return nil
}

func (w *run) createEventForPage(ctx context.Context, page *models.Page, counts *models.Counts) error {
	cal := w.calendarByOption(page.CalendarOption)
	if cal == nil {
		cal = w.defaultCalendar()
	}
	if cal == nil || cal.ReadOnly() {
		w.logger.Debug("No writable calendar for page", "page_id", page.ID)
		counts.Skipped++
		return nil
	}

	ev, err := w.gcal.CreateEvent(ctx, cal.GoogleCalendarID, eventFromPage(page), w.timeZone())
	if err != nil {
		return err
	}
	link := &models.EventLink{
		UserID:           w.user.ID,
		CalendarID:       cal.ID,
		GoogleEventID:    ev.ID,
		NotionPageID:     page.ID,
		LastNotionUpdate: page.LastEditedTime,
		LastGoogleUpdate: ev.Updated,
	}
	if err := w.store.CreateLink(ctx, link); err != nil {
		return fmt.Errorf("link page %s to event %s: %w", page.ID, ev.ID, err)
	}
	counts.Created++

	// Show the calendar the page landed in.
	if cal.NotionOptionID != "" && page.CalendarOption != cal.NotionOptionID {
		assigned := *page
		assigned.CalendarOption = cal.NotionOptionID
		assigned.Link = ev.Link
		updated, err := w.pages.UpdatePage(ctx, w.mapper, page.ID, &assigned)
		if err != nil {
			return err
		}
		if err := w.store.TouchNotionSide(ctx, link.ID, updated.LastEditedTime); err != nil {
			return fmt.Errorf("touch link %d: %w", link.ID, err)
		}
	}
	return nil
}

func (w *run) calendarByID(id int64) *models.Calendar {
	for _, cal := range w.calendars {
		if cal.ID == id {
			return cal
		}
	}
	return nil
}

func (w *run) calendarByOption(optionID string) *models.Calendar {
	if optionID == "" {
		return nil
	}
	for _, cal := range w.calendars {
		if cal.Status == models.CalendarConnected && cal.NotionOptionID == optionID {
			return cal
		}
	}
	return nil
}

// defaultCalendar is where pages without a calendar go: the primary calendar
// when writable, else the first writable one.
func (w *run) defaultCalendar() *models.Calendar {
	var first *models.Calendar
	for _, cal := range w.connected() {
		if !cal.Writable() {
			continue
		}
		if cal.Primary {
			return cal
		}
		if first == nil {
			first = cal
		}
	}
	return first
}

func (w *run) connected() []*models.Calendar {
	return w.withStatus(models.CalendarConnected)
}

func (w *run) pending() []*models.Calendar {
	return w.withStatus(models.CalendarPending)
}

func (w *run) withStatus(status models.CalendarStatus) []*models.Calendar {
	var out []*models.Calendar
	for _, cal := range w.calendars {
		if cal.Status == status {
			out = append(out, cal)
		}
	}
	return out
}

func (w *run) timeZone() string {
	if w.user.TimeZone == "" {
		return "UTC"
	}
	return w.user.TimeZone
}

func isWritableRole(role string) bool {
	return role == models.RoleOwner || role == models.RoleWriter
}

func pageFromEvent(ev *models.Event, cal *models.Calendar) *models.Page {
	return &models.Page{
		Title:          ev.Title,
		CalendarOption: cal.NotionOptionID,
		Date:           ev.Date,
		HasDate:        true,
		Location:       ev.Location,
		Description:    ev.Description,
		Link:           ev.Link,
	}
}

func eventFromPage(page *models.Page) *models.Event {
	return &models.Event{
		Title:        page.Title,
		Description:  page.Description,
		Location:     page.Location,
		Date:         page.Date,
		NotionPageID: page.ID,
	}
}
