package syncer

import (
	"context"
	"log/slog"
	"time"

	"syncbot/internal/google"
	"syncbot/internal/models"
	"syncbot/internal/notion"
	"syncbot/internal/retry"
)

// CalendarSource is the Google side of a user's sync.
type CalendarSource interface {
	ListCalendars(ctx context.Context) ([]google.CalendarEntry, error)
	ListEvents(ctx context.Context, calendarID string, w models.Window) ([]*models.Event, error)
	ListUpdatedEvents(ctx context.Context, calendarID string, since time.Time, w models.Window) ([]*models.Event, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*models.Event, error)
	CreateEvent(ctx context.Context, calendarID string, ev *models.Event, timeZone string) (*models.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, ev *models.Event, timeZone string) (*models.Event, error)
	MoveEvent(ctx context.Context, fromCalendarID, eventID, toCalendarID string) (*models.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// PageSource is the Notion side of a user's sync.
type PageSource interface {
	ValidateDatabase(ctx context.Context, databaseID string, props models.NotionProps) (*notion.Database, error)
	EnsureCalendarOption(ctx context.Context, databaseID, propertyID, name string) (string, error)
	QueryUpdatedPages(ctx context.Context, m notion.Mapper, databaseID string, since time.Time, w models.Window) ([]*models.Page, error)
	QueryDeletePages(ctx context.Context, m notion.Mapper, databaseID string, w models.Window) ([]*models.Page, error)
	QueryAllPages(ctx context.Context, m notion.Mapper, databaseID string, w models.Window) ([]*models.Page, error)
	GetPage(ctx context.Context, m notion.Mapper, pageID string) (*models.Page, error)
	CreatePage(ctx context.Context, m notion.Mapper, databaseID string, page *models.Page) (*models.Page, error)
	UpdatePage(ctx context.Context, m notion.Mapper, pageID string, page *models.Page) (*models.Page, error)
	ArchivePage(ctx context.Context, pageID string) error
}

// Sources builds the adapters for one user's run.
type Sources interface {
	Google(ctx context.Context, u *models.User) (CalendarSource, error)
	Notion(ctx context.Context, u *models.User) (PageSource, error)
}

// APISources builds adapters backed by the real Google and Notion APIs. Each
// run gets its own rate limiters since both APIs limit per credential.
type APISources struct {
	GoogleClientID     string
	GoogleClientSecret string
	GoogleCallInterval time.Duration
	NotionAPIURL       string
	NotionCallInterval time.Duration
	MaxAttempts        int
	Logger             *slog.Logger
}

func (s *APISources) Google(ctx context.Context, u *models.User) (CalendarSource, error) {
	return google.NewClient(ctx, google.Options{
		ClientID:     s.GoogleClientID,
		ClientSecret: s.GoogleClientSecret,
		Token:        u.GoogleToken,
		Limiter:      retry.NewLimiter(s.GoogleCallInterval),
		MaxAttempts:  s.MaxAttempts,
		Location:     u.Location(),
		Logger:       s.logger().With("user_id", u.ID),
	})
}

func (s *APISources) Notion(_ context.Context, u *models.User) (PageSource, error) {
	return notion.NewClient(notion.Options{
		BaseURL:     s.NotionAPIURL,
		Token:       u.NotionAccessToken,
		Limiter:     retry.NewLimiter(s.NotionCallInterval),
		MaxAttempts: s.MaxAttempts,
		Logger:      s.logger().With("user_id", u.ID),
	}), nil
}

func (s *APISources) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
