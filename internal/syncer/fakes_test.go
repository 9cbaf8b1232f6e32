package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"syncbot/internal/google"
	"syncbot/internal/models"
	"syncbot/internal/notion"
	"syncbot/internal/syncerr"
)

// testClock advances one second on every external write so timestamps are distinct.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeGoogle struct {
	mu        sync.Mutex
	clock     *testClock
	calendars []google.CalendarEntry
	events    map[string]map[string]*models.Event
	writes    map[string]int
	nextID    int

	listCalendarsErr error
	// block makes ListUpdatedEvents wait for the context to end.
	block bool
}

func newFakeGoogle(clock *testClock, calendars ...google.CalendarEntry) *fakeGoogle {
	return &fakeGoogle{
		clock:     clock,
		calendars: calendars,
		events:    make(map[string]map[string]*models.Event),
		writes:    make(map[string]int),
	}
}

// put stores an event as if the user created or edited it in Google.
func (g *fakeGoogle) put(calendarID string, ev *models.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.events[calendarID] == nil {
		g.events[calendarID] = make(map[string]*models.Event)
	}
	cp := *ev
	cp.CalendarID = calendarID
	g.events[calendarID][ev.ID] = &cp
}

func (g *fakeGoogle) event(calendarID, eventID string) *models.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.events[calendarID][eventID]
	if !ok {
		return nil
	}
	cp := *ev
	return &cp
}

func (g *fakeGoogle) writeCount(calendarID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writes[calendarID]
}

func (g *fakeGoogle) totalWrites() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.writes {
		n += c
	}
	return n
}

func (g *fakeGoogle) ListCalendars(ctx context.Context) ([]google.CalendarEntry, error) {
	if g.listCalendarsErr != nil {
		return nil, g.listCalendarsErr
	}
	return g.calendars, nil
}

func (g *fakeGoogle) list(calendarID string, keep func(*models.Event) bool) []*models.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*models.Event
	for _, ev := range g.events[calendarID] {
		if keep(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *fakeGoogle) ListEvents(ctx context.Context, calendarID string, w models.Window) ([]*models.Event, error) {
	return g.list(calendarID, func(ev *models.Event) bool { return !ev.Cancelled }), nil
}

func (g *fakeGoogle) ListUpdatedEvents(ctx context.Context, calendarID string, since time.Time, w models.Window) ([]*models.Event, error) {
	if g.block {
		<-ctx.Done()
		return nil, syncerr.New(syncerr.FromGoogle, syncerr.CodeTimeout, "context done").WithCause(ctx.Err())
	}
	return g.list(calendarID, func(ev *models.Event) bool { return !ev.Updated.Before(since) }), nil
}

func (g *fakeGoogle) GetEvent(ctx context.Context, calendarID, eventID string) (*models.Event, error) {
	ev := g.event(calendarID, eventID)
	if ev == nil {
		return nil, syncerr.New(syncerr.FromGoogle, syncerr.CodeNotFound, "not found").WithStatus(404)
	}
	return ev, nil
}

func (g *fakeGoogle) CreateEvent(ctx context.Context, calendarID string, ev *models.Event, timeZone string) (*models.Event, error) {
	g.mu.Lock()
	g.nextID++
	id := fmt.Sprintf("evt-%d", g.nextID)
	g.writes[calendarID]++
	g.mu.Unlock()

	cp := *ev
	cp.ID = id
	cp.Updated = g.clock.tick()
	g.put(calendarID, &cp)
	return g.event(calendarID, id), nil
}

func (g *fakeGoogle) UpdateEvent(ctx context.Context, calendarID, eventID string, ev *models.Event, timeZone string) (*models.Event, error) {
	cur := g.event(calendarID, eventID)
	if cur == nil || cur.Cancelled {
		return nil, syncerr.New(syncerr.FromGoogle, syncerr.CodeNotFound, "not found").WithStatus(404)
	}
	g.mu.Lock()
	g.writes[calendarID]++
	g.mu.Unlock()

	cur.Title = ev.Title
	cur.Description = ev.Description
	cur.Location = ev.Location
	cur.Date = ev.Date
	cur.NotionPageID = ev.NotionPageID
	cur.Updated = g.clock.tick()
	g.put(calendarID, cur)
	return g.event(calendarID, eventID), nil
}

func (g *fakeGoogle) MoveEvent(ctx context.Context, fromCalendarID, eventID, toCalendarID string) (*models.Event, error) {
	cur := g.event(fromCalendarID, eventID)
	if cur == nil || cur.Cancelled {
		return nil, syncerr.New(syncerr.FromGoogle, syncerr.CodeNotFound, "not found").WithStatus(404)
	}
	g.mu.Lock()
	g.writes[fromCalendarID]++
	g.writes[toCalendarID]++
	g.mu.Unlock()

	now := g.clock.tick()
	moved := *cur
	moved.Updated = now
	g.put(toCalendarID, &moved)
	cur.Cancelled = true
	cur.Updated = now
	g.put(fromCalendarID, cur)
	return g.event(toCalendarID, eventID), nil
}

func (g *fakeGoogle) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	cur := g.event(calendarID, eventID)
	if cur == nil || cur.Cancelled {
		return nil
	}
	g.mu.Lock()
	g.writes[calendarID]++
	g.mu.Unlock()
	cur.Cancelled = true
	cur.Updated = g.clock.tick()
	g.put(calendarID, cur)
	return nil
}

type fakeNotion struct {
	mu      sync.Mutex
	clock   *testClock
	pages   map[string]*models.Page
	options map[string]string
	writes  int
	nextID  int

	validateErr error
	// ignoreSince makes QueryUpdatedPages return every page.
	ignoreSince bool
}

func newFakeNotion(clock *testClock) *fakeNotion {
	return &fakeNotion{
		clock:   clock,
		pages:   make(map[string]*models.Page),
		options: make(map[string]string),
	}
}

// editedAt mimics Notion's minute-granular last_edited_time.
func (n *fakeNotion) editedAt() time.Time {
	return n.clock.tick().Truncate(time.Minute)
}

func (n *fakeNotion) put(p *models.Page) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := *p
	n.pages[p.ID] = &cp
}

func (n *fakeNotion) page(id string) *models.Page {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pages[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (n *fakeNotion) writeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.writes
}

func (n *fakeNotion) option(name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.options[name]
}

func (n *fakeNotion) ValidateDatabase(ctx context.Context, databaseID string, props models.NotionProps) (*notion.Database, error) {
	if n.validateErr != nil {
		return nil, n.validateErr
	}
	return &notion.Database{ID: databaseID}, nil
}

func (n *fakeNotion) EnsureCalendarOption(ctx context.Context, databaseID, propertyID, name string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id, ok := n.options[name]; ok {
		return id, nil
	}
	id := "opt-" + name
	n.options[name] = id
	return id, nil
}

func (n *fakeNotion) query(keep func(*models.Page) bool) []*models.Page {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*models.Page
	for _, p := range n.pages {
		if !p.Archived && keep(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (n *fakeNotion) QueryUpdatedPages(ctx context.Context, m notion.Mapper, databaseID string, since time.Time, w models.Window) ([]*models.Page, error) {
	return n.query(func(p *models.Page) bool { return n.ignoreSince || !p.LastEditedTime.Before(since) }), nil
}

func (n *fakeNotion) QueryDeletePages(ctx context.Context, m notion.Mapper, databaseID string, w models.Window) ([]*models.Page, error) {
	return n.query(func(p *models.Page) bool { return p.Delete }), nil
}

func (n *fakeNotion) QueryAllPages(ctx context.Context, m notion.Mapper, databaseID string, w models.Window) ([]*models.Page, error) {
	return n.query(func(p *models.Page) bool { return true }), nil
}

func (n *fakeNotion) GetPage(ctx context.Context, m notion.Mapper, pageID string) (*models.Page, error) {
	p := n.page(pageID)
	if p == nil {
		return nil, syncerr.New(syncerr.FromNotion, syncerr.CodeNotFound, "not found").WithStatus(404)
	}
	return p, nil
}

func (n *fakeNotion) CreatePage(ctx context.Context, m notion.Mapper, databaseID string, page *models.Page) (*models.Page, error) {
	n.mu.Lock()
	n.nextID++
	id := fmt.Sprintf("page-%d", n.nextID)
	n.writes++
	n.mu.Unlock()

	cp := *page
	cp.ID = id
	cp.LastEditedTime = n.editedAt()
	n.put(&cp)
	return n.page(id), nil
}

func (n *fakeNotion) UpdatePage(ctx context.Context, m notion.Mapper, pageID string, page *models.Page) (*models.Page, error) {
	cur := n.page(pageID)
	if cur == nil || cur.Archived {
		return nil, syncerr.New(syncerr.FromNotion, syncerr.CodeNotFound, "not found").WithStatus(404)
	}
	n.mu.Lock()
	n.writes++
	n.mu.Unlock()

	cur.Title = page.Title
	cur.CalendarOption = page.CalendarOption
	cur.Date = page.Date
	cur.HasDate = page.HasDate
	cur.Location = page.Location
	cur.Description = page.Description
	cur.Link = page.Link
	cur.LastEditedTime = n.editedAt()
	n.put(cur)
	return n.page(pageID), nil
}

func (n *fakeNotion) ArchivePage(ctx context.Context, pageID string) error {
	cur := n.page(pageID)
	if cur == nil || cur.Archived {
		return nil
	}
	n.mu.Lock()
	n.writes++
	n.mu.Unlock()
	cur.Archived = true
	n.put(cur)
	return nil
}

type fakeSources struct {
	google *fakeGoogle
	notion *fakeNotion
}

func (s *fakeSources) Google(ctx context.Context, u *models.User) (CalendarSource, error) {
	return s.google, nil
}

func (s *fakeSources) Notion(ctx context.Context, u *models.User) (PageSource, error) {
	return s.notion, nil
}

// remove deletes a page outright, as if it vanished from the workspace.
func (n *fakeNotion) remove(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.pages, id)
}
