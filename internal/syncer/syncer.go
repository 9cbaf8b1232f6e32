// Package syncer reconciles one user's Google calendars with their Notion database.
//
// A run walks a fixed sequence of steps:
//
//	INIT → START → VALIDATE → ERASE_TOMBSTONED → SYNC_EVENTS | INIT_ACCOUNT → ATTACH_NEW_CALENDARS → END
//
// Each step only starts when the previous one succeeded. Any failure aborts the
// run, is classified, persisted to the error log and reflected on the user row.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"syncbot/internal/google"
	"syncbot/internal/models"
	"syncbot/internal/notion"
	"syncbot/internal/store"
	"syncbot/internal/syncerr"
)

const (
	defaultTimeout   = 10 * time.Minute
	defaultRetention = 7 * 24 * time.Hour
	// staleWindow absorbs Notion's minute-granular last_edited_time.
	staleWindow    = time.Minute
	cleanupTimeout = 30 * time.Second
)

// Phase names used in Result.Counts.
const (
	PhaseErase  = "erase"
	PhaseGoogle = "google_to_notion"
	PhaseNotion = "notion_to_google"
	PhaseAttach = "attach"
)

// Store is the persistence a run needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	ClaimUser(ctx context.Context, id, owner string) (bool, error)
	FinishUser(ctx context.Context, id string, f store.Finish) error
	ListActiveCalendars(ctx context.Context, userID string) ([]*models.Calendar, error)
	UpdateCalendarStatus(ctx context.Context, userID string, id int64, status models.CalendarStatus) error
	SetCalendarOption(ctx context.Context, userID string, id int64, optionID string) error
	DisconnectCalendar(ctx context.Context, userID string, id int64) error
	FindLinkByNotionPage(ctx context.Context, userID, pageID string) (*models.EventLink, error)
	FindLinkByGoogleEvent(ctx context.Context, userID string, calendarID int64, eventID string) (*models.EventLink, error)
	FindLinksByGoogleEventID(ctx context.Context, userID, eventID string) ([]*models.EventLink, error)
	FindTombstonedLinks(ctx context.Context, userID string) ([]*models.EventLink, error)
	GetCalendar(ctx context.Context, userID string, id int64) (*models.Calendar, error)
	CreateLink(ctx context.Context, l *models.EventLink) error
	UpdateLinkCalendar(ctx context.Context, id, calendarID int64, eventID string) error
	TouchGoogleSide(ctx context.Context, id int64, updated time.Time) error
	TouchNotionSide(ctx context.Context, id int64, updated time.Time) error
	TouchLink(ctx context.Context, id int64, notionUpdated, googleUpdated time.Time) error
	DeleteLink(ctx context.Context, id int64) error
	InsertErrorLog(ctx context.Context, e *models.ErrorLog) error
	PruneErrorLogs(ctx context.Context, userID string, before time.Time) (int64, error)
}

// Config configures a Reconciler.
type Config struct {
	Store   Store
	Sources Sources
	// Owner identifies this scheduler instance on claimed user rows.
	Owner string
	// Timeout bounds a whole run.
	Timeout time.Duration
	// Retention is how long unarchived error logs are kept.
	Retention time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Reconciler runs sync passes for users. It is safe for concurrent use by
// different users; at most one run per user is admitted by the claim.
type Reconciler struct {
	store     Store
	sources   Sources
	owner     string
	timeout   time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	r := &Reconciler{
		store:     cfg.Store,
		sources:   cfg.Sources,
		owner:     cfg.Owner,
		timeout:   cfg.Timeout,
		retention: cfg.Retention,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.retention <= 0 {
		r.retention = defaultRetention
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// run is the state of one pass for one user.
type run struct {
	*Reconciler
	logger *slog.Logger
	result *models.Result

	user          *models.User
	calendars     []*models.Calendar
	window        models.Window
	claimed       bool
	workStartedAt *time.Time

	gcal   CalendarSource
	pages  PageSource
	mapper notion.Mapper
	// accessible holds the user's current Google calendar list by id.
	accessible map[string]google.CalendarEntry
	// initialPages are pre-existing Notion pages imported on the first run.
	initialPages []*models.Page
}

// Run executes one pass for the user. The returned error is always a
// *syncerr.Error and is also reflected in the result.
func (r *Reconciler) Run(ctx context.Context, userID string) (*models.Result, error) {
	w := &run{
		Reconciler: r,
		logger:     r.logger.With("user_id", userID),
		result: &models.Result{
			RunID:     uuid.NewString(),
			UserID:    userID,
			Step:      models.StepInit,
			StartedAt: r.now(),
		},
	}
	w.logger = w.logger.With("run_id", w.result.RunID)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := w.execute(runCtx)
	if err != nil {
		err = w.fail(ctx, runCtx, err)
	}
	w.result.FinishedAt = r.now()
	w.result.Summarize()
	if err == nil {
		w.logger.Info("Sync finished", "summary", w.result.Summary)
	}
	return w.result, err
}

func (w *run) execute(ctx context.Context) error {
	steps := []struct {
		step models.Step
		fn   func(context.Context) error
	}{
		{models.StepInit, w.init},
		{models.StepStart, w.start},
		{models.StepValidate, w.validate},
		{models.StepEraseTombstoned, w.eraseTombstoned},
		{models.StepSyncEvents, w.syncOrInitAccount},
		{models.StepAttachNewCalendars, w.attachNewCalendars},
		{models.StepEnd, w.end},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.result.Step = s.step
		if s.step == models.StepSyncEvents && w.workStartedAt == nil {
			w.result.Step = models.StepInitAccount
		}
		w.logger.Debug("Entering step", "step", w.result.Step)
		if err := s.fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *run) init(ctx context.Context) error {
	user, err := w.store.GetUser(ctx, w.result.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return syncerr.Newf(syncerr.FromSyncbot, syncerr.CodeNotFound, "user %s not found", w.result.UserID)
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	calendars, err := w.store.ListActiveCalendars(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load calendars: %w", err)
	}
	w.user = user
	w.calendars = calendars
	w.window = user.Horizon(w.now())
	w.mapper = notion.Mapper{Props: user.NotionProps, Location: user.Location()}
	return nil
}

func (w *run) start(ctx context.Context) error {
	w.workStartedAt = w.user.LastCalendarSync
	ok, err := w.store.ClaimUser(ctx, w.user.ID, w.owner)
	if err != nil {
		return fmt.Errorf("claim user: %w", err)
	}
	if !ok {
		return syncerr.New(syncerr.FromSyncbot, syncerr.CodeAlreadyWorking, "user is claimed or disconnected")
	}
	w.claimed = true
	return nil
}

func (w *run) validate(ctx context.Context) error {
	var err error
	if w.gcal, err = w.sources.Google(ctx, w.user); err != nil {
		return err
	}
	if w.pages, err = w.sources.Notion(ctx, w.user); err != nil {
		return err
	}
	if _, err := w.pages.ValidateDatabase(ctx, w.user.NotionDatabaseID, w.user.NotionProps); err != nil {
		return err
	}
	return w.refreshCalendars(ctx)
}

func (w *run) syncOrInitAccount(ctx context.Context) error {
	if w.workStartedAt == nil {
		return w.initAccount(ctx)
	}
	return w.syncEvents(ctx, *w.workStartedAt)
}

func (w *run) end(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := w.now()
	if err := w.store.FinishUser(ctx, w.user.ID, store.Finish{Cutoff: &now}); err != nil {
		return fmt.Errorf("finish user: %w", err)
	}
	w.claimed = false
	if n, err := w.store.PruneErrorLogs(ctx, w.user.ID, now.Add(-w.retention)); err != nil {
		w.logger.Warn("Failed to prune error logs", "error", err)
	} else if n > 0 {
		w.logger.Debug("Pruned error logs", "count", n)
	}
	return nil
}

// fail classifies err, persists it and releases the user. runCtx may already
// be done, so cleanup writes use a detached context.
func (w *run) fail(parent, runCtx context.Context, err error) error {
	var se *syncerr.Error
	switch {
	case runCtx.Err() != nil:
		// Whatever surfaced after the deadline is a symptom of it.
		se = syncerr.New(syncerr.FromSyncbot, syncerr.CodeTimeout, "run aborted").WithCause(err)
	case errors.As(err, &se):
	default:
		se = syncerr.New(syncerr.FromUnknown, syncerr.CodeUnknown, "unexpected failure").WithCause(err)
	}

	w.result.Fail = true
	w.result.ErrorCode = string(se.Code)
	w.result.FinishWork = string(se.FinishWork)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cleanupTimeout)
	defer cancel()

	logArgs := []any{"step", w.result.Step, "from", se.From, "code", se.Code, "finish_work", se.FinishWork, "error", err}
	switch se.Level {
	case syncerr.LevelCrit, syncerr.LevelError:
		w.logger.Error("Sync failed", logArgs...)
	default:
		w.logger.Warn("Sync failed", logArgs...)
	}

	if se.Code != syncerr.CodeAlreadyWorking {
		entry := &models.ErrorLog{
			UserID:     w.result.UserID,
			Code:       string(se.Code),
			From:       string(se.From),
			Level:      string(se.Level),
			FinishWork: string(se.FinishWork),
			Detail:     fmt.Sprintf("step %s: %s", w.result.Step, se.Error()),
			Archive:    se.Archive(),
			CreatedAt:  w.now(),
		}
		if err := w.store.InsertErrorLog(ctx, entry); err != nil {
			w.logger.Error("Failed to persist error log", "error", err)
		}
	}

	if w.claimed {
		finish := store.Finish{
			Cutoff:     w.workStartedAt,
			Status:     string(se.Code),
			Disconnect: se.FinishWork == syncerr.Stop,
		}
		if err := w.store.FinishUser(ctx, w.user.ID, finish); err != nil {
			w.logger.Error("Failed to release user", "error", err)
		}
	}
	return se
}
