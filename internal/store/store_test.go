package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbot/internal/logger"
	"syncbot/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, id string, mutate func(u *models.User)) *models.User {
	t.Helper()
	u := &models.User{
		ID:               id,
		NotionDatabaseID: "db-" + id,
		NotionProps:      models.NotionProps{Title: "title", Calendar: "cal", Date: "date", Delete: "del"},
		IsConnected:      true,
		TimeZone:         "Asia/Seoul",
		SyncYear:         2026,
		Plan:             models.PlanFree,
	}
	if mutate != nil {
		mutate(u)
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func seedCalendar(t *testing.T, s *Store, userID, googleID string) *models.Calendar {
	t.Helper()
	c := &models.Calendar{UserID: userID, GoogleCalendarID: googleID, Name: googleID, Status: models.CalendarConnected, AccessRole: models.RoleOwner}
	require.NoError(t, s.CreateCalendar(context.Background(), c))
	return c
}

func TestOpen_InvalidDSN(t *testing.T) {
	_, err := Open(context.Background(), "", logger.Discard())
	assert.ErrorIs(t, err, ErrInvalidDSN)

	_, err = Open(context.Background(), "mysql://localhost/db", logger.Discard())
	assert.ErrorIs(t, err, ErrInvalidDSN)
}

func TestOpen_SchemeSelectsDialect(t *testing.T) {
	s, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "a.db"), logger.Discard())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "sqlite", s.Dialect())
	assert.NoError(t, s.Ping(context.Background()))
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: dialectPostgres}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.rebind("SELECT 1 WHERE a = ? AND b = ?"))

	lite := &Store{dialect: dialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestUser_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	want := seedUser(t, s, "u1", func(u *models.User) { u.Plan = models.PlanPro })

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, want.NotionProps, got.NotionProps)
	assert.Equal(t, models.PlanPro, got.Plan)
	assert.Equal(t, "Asia/Seoul", got.TimeZone)
	assert.Nil(t, got.LastCalendarSync)
	assert.True(t, got.IsConnected)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.CreateUser(ctx, want), ErrAlreadyExists)
}

func TestClaimUser_OnlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", nil)

	ok, err := s.ClaimUser(ctx, "u1", "bot-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimUser(ctx, "u1", "bot-b")
	require.NoError(t, err)
	assert.False(t, ok)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.IsWork)
	assert.Equal(t, "bot-a", u.SyncbotID)
}

func TestClaimUser_DisconnectedIsRefused(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", func(u *models.User) { u.IsConnected = false })

	ok, err := s.ClaimUser(context.Background(), "u1", "bot")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinishUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", nil)
	_, err := s.ClaimUser(ctx, "u1", "bot")
	require.NoError(t, err)

	cutoff := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.FinishUser(ctx, "u1", Finish{Cutoff: &cutoff, Status: "FORBIDDEN", Disconnect: true}))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.IsWork)
	assert.False(t, u.IsConnected)
	assert.Equal(t, "FORBIDDEN", u.LastSyncStatus)
	require.NotNil(t, u.LastCalendarSync)
	assert.True(t, cutoff.Equal(*u.LastCalendarSync))
}

func TestSetGoogleTokenAndConnected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", nil)

	require.NoError(t, s.SetGoogleToken(ctx, "u1", `{"refresh_token":"r"}`))
	require.NoError(t, s.SetConnected(ctx, "u1", false))
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, `{"refresh_token":"r"}`, u.GoogleToken)
	assert.False(t, u.IsConnected)

	assert.ErrorIs(t, s.SetGoogleToken(ctx, "missing", "{}"), ErrNotFound)
	assert.ErrorIs(t, s.SetConnected(ctx, "missing", true), ErrNotFound)
}

func TestNextEligibleUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	older := now.Add(-time.Hour)
	old := now.Add(-10 * time.Minute)
	fresh := now.Add(-10 * time.Second)

	seedUser(t, s, "new", nil)
	seedUser(t, s, "free-old", func(u *models.User) { u.LastCalendarSync = &old })
	seedUser(t, s, "free-older", func(u *models.User) { u.LastCalendarSync = &older })
	seedUser(t, s, "free-fresh", func(u *models.User) { u.LastCalendarSync = &fresh })
	seedUser(t, s, "pro-old", func(u *models.User) { u.LastCalendarSync = &old; u.Plan = models.PlanPro })
	seedUser(t, s, "free-busy", func(u *models.User) { u.LastCalendarSync = &old; u.IsWork = true })
	seedUser(t, s, "free-off", func(u *models.User) { u.LastCalendarSync = &old; u.IsConnected = false })

	ids, err := s.NextEligibleUsers(ctx, EligibleQuery{Init: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids)

	ids, err = s.NextEligibleUsers(ctx, EligibleQuery{Plan: models.PlanFree, Before: now.Add(-time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"free-older", "free-old"}, ids)

	ids, err = s.NextEligibleUsers(ctx, EligibleQuery{Plan: models.PlanFree, Before: now.Add(-time.Minute), Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"free-older"}, ids)

	ids, err = s.NextEligibleUsers(ctx, EligibleQuery{Plan: models.PlanPro, Before: now.Add(-time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"pro-old"}, ids)

	ids, err = s.NextEligibleUsers(ctx, EligibleQuery{Plan: models.PlanFree, Before: now.Add(-time.Minute), Limit: 1, Exclude: []string{"free-older"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"free-old"}, ids)

	ids, err = s.NextEligibleUsers(ctx, EligibleQuery{Init: true, Exclude: []string{"new", "free-old"}})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestResetStaleWork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "mine", func(u *models.User) { u.IsWork = true; u.SyncbotID = "bot-a" })
	seedUser(t, s, "theirs", func(u *models.User) { u.IsWork = true; u.SyncbotID = "bot-b" })

	n, err := s.ResetStaleWork(ctx, "bot-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	u, err := s.GetUser(ctx, "theirs")
	require.NoError(t, err)
	assert.True(t, u.IsWork)
}

func TestCalendars(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", nil)
	work := seedCalendar(t, s, "u1", "work@example.com")
	home := seedCalendar(t, s, "u1", "home@example.com")

	dup := &models.Calendar{UserID: "u1", GoogleCalendarID: "work@example.com"}
	assert.ErrorIs(t, s.CreateCalendar(ctx, dup), ErrAlreadyExists)

	require.NoError(t, s.SetCalendarOption(ctx, "u1", work.ID, "opt-1"))
	got, err := s.GetCalendar(ctx, "u1", work.ID)
	require.NoError(t, err)
	assert.Equal(t, "opt-1", got.NotionOptionID)

	link := &models.EventLink{UserID: "u1", CalendarID: home.ID, GoogleEventID: "e1", NotionPageID: "p1",
		LastNotionUpdate: time.Now(), LastGoogleUpdate: time.Now()}
	require.NoError(t, s.CreateLink(ctx, link))

	require.NoError(t, s.DisconnectCalendar(ctx, "u1", home.ID))
	active, err := s.ListActiveCalendars(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, work.ID, active[0].ID)

	tombs, err := s.FindTombstonedLinks(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tombs, 1)
	assert.Equal(t, "p1", tombs[0].NotionPageID)

	assert.ErrorIs(t, s.UpdateCalendarStatus(ctx, "u1", 999, models.CalendarConnected), ErrNotFound)
}

func TestLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", nil)
	a := seedCalendar(t, s, "u1", "a")
	b := seedCalendar(t, s, "u1", "b")

	ts := time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)
	link := &models.EventLink{UserID: "u1", CalendarID: a.ID, GoogleEventID: "e1", NotionPageID: "p1",
		LastNotionUpdate: ts, LastGoogleUpdate: ts}
	require.NoError(t, s.CreateLink(ctx, link))
	assert.NotZero(t, link.ID)

	again := &models.EventLink{UserID: "u1", CalendarID: b.ID, GoogleEventID: "e2", NotionPageID: "p1",
		LastNotionUpdate: ts, LastGoogleUpdate: ts}
	assert.ErrorIs(t, s.CreateLink(ctx, again), ErrAlreadyExists)

	got, err := s.FindLinkByNotionPage(ctx, "u1", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, ts.Equal(got.LastGoogleUpdate))

	missing, err := s.FindLinkByNotionPage(ctx, "u1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpdateLinkCalendar(ctx, link.ID, b.ID, "e1"))
	got, err = s.FindLinkByGoogleEvent(ctx, "u1", b.ID, "e1")
	require.NoError(t, err)
	require.NotNil(t, got)

	byID, err := s.FindLinksByGoogleEventID(ctx, "u1", "e1")
	require.NoError(t, err)
	assert.Len(t, byID, 1)

	later := ts.Add(time.Minute)
	require.NoError(t, s.TouchGoogleSide(ctx, link.ID, later))
	require.NoError(t, s.TouchNotionSide(ctx, link.ID, later.Add(time.Second)))
	got, err = s.FindLinkByNotionPage(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.True(t, later.Equal(got.LastGoogleUpdate))
	assert.True(t, later.Add(time.Second).Equal(got.LastNotionUpdate))

	require.NoError(t, s.MarkLinkRemoved(ctx, link.ID))
	tombs, err := s.FindTombstonedLinks(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, tombs, 1)

	require.NoError(t, s.DeleteLink(ctx, link.ID))
	require.NoError(t, s.DeleteLink(ctx, link.ID))
	all, err := s.ListLinks(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.ErrorIs(t, s.TouchGoogleSide(ctx, link.ID, later), ErrNotFound)
}

func TestErrorLogs_PruneKeepsArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := &models.ErrorLog{UserID: "u1", Code: "RATE_LIMITED", From: "NOTION", Level: "WARN", FinishWork: "RETRY", CreatedAt: now.Add(-48 * time.Hour)}
	archived := &models.ErrorLog{UserID: "u1", Code: "UNKNOWN", From: "UNKNOWN", Level: "CRIT", FinishWork: "STOP", Archive: true, CreatedAt: now.Add(-48 * time.Hour)}
	recent := &models.ErrorLog{UserID: "u1", Code: "TIMEOUT", From: "SYNCBOT", Level: "WARN", FinishWork: "RETRY", CreatedAt: now}
	for _, e := range []*models.ErrorLog{old, archived, recent} {
		require.NoError(t, s.InsertErrorLog(ctx, e))
	}

	n, err := s.PruneErrorLogs(ctx, "u1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	logs, err := s.ListErrorLogs(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "TIMEOUT", logs[0].Code)
	assert.True(t, logs[1].Archive)

	n, err = s.PruneAllErrorLogs(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPostgresIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("SYNCBOT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set SYNCBOT_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, logger.Discard())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "postgres", s.Dialect())

	id := "it-" + time.Now().Format("150405.000000")
	seedUser(t, s, id, nil)
	ok, err := s.ClaimUser(ctx, id, "bot")
	require.NoError(t, err)
	assert.True(t, ok)
	cal := seedCalendar(t, s, id, "primary")
	link := &models.EventLink{UserID: id, CalendarID: cal.ID, GoogleEventID: "e", NotionPageID: "p-" + id,
		LastNotionUpdate: time.Now(), LastGoogleUpdate: time.Now()}
	require.NoError(t, s.CreateLink(ctx, link))
	assert.ErrorIs(t, s.CreateLink(ctx, link), ErrAlreadyExists)
}
