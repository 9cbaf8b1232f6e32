package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"syncbot/internal/eventdate"
	"syncbot/internal/models"
	"syncbot/internal/retry"
	"syncbot/internal/syncerr"
)

const (
	credentialsFile = "credentials.json"
	// NotionPageKey is the private extended property linking an event to its page.
	NotionPageKey = "notionPageId"
	maxResults    = 250
)

// Options configures a CalendarClient for one user.
type Options struct {
	ClientID     string
	ClientSecret string
	// Token is the user's oauth2 token as stored, in JSON.
	Token string
	// Endpoint and HTTPClient override the API location and transport.
	Endpoint    string
	HTTPClient  *http.Client
	Limiter     *rate.Limiter
	MaxAttempts int
	// Location resolves naive and all-day times. Defaults to UTC.
	Location *time.Location
	Logger   *slog.Logger
}

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	policy  retry.Policy
	loc     *time.Location
	logger  *slog.Logger
}

// CalendarEntry is one calendar of the user's calendar list.
type CalendarEntry struct {
	ID         string
	Summary    string
	AccessRole string
	Primary    bool
}

// NewClient creates a new Google Calendar client.
// The user's stored token is refreshed through the OAuth config as needed.
func NewClient(ctx context.Context, opts Options) (*CalendarClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var clientOpts []option.ClientOption
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	} else {
		config, err := getOAuthConfig(opts.ClientID, opts.ClientSecret)
		if err != nil {
			// Operator misconfiguration; the user stays connected.
			return nil, syncerr.New(syncerr.FromSyncbot, syncerr.CodeServerError, "failed to get OAuth config").WithCause(err)
		}
		var token oauth2.Token
		if err := json.Unmarshal([]byte(opts.Token), &token); err != nil {
			return nil, syncerr.New(syncerr.FromGoogle, syncerr.CodeInvalidCredentials, "stored token is not valid JSON").WithCause(err)
		}
		clientOpts = append(clientOpts, option.WithTokenSource(config.TokenSource(ctx, &token)))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	service, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, syncerr.New(syncerr.FromSyncbot, syncerr.CodeServerError, "failed to create calendar service").WithCause(err)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &CalendarClient{
		service: service,
		loc:     loc,
		logger:  logger,
		policy: retry.Policy{
			From:        syncerr.FromGoogle,
			MaxAttempts: opts.MaxAttempts,
			Limiter:     opts.Limiter,
			Classify:    classify,
			Logger:      logger,
		},
	}, nil
}

// getOAuthConfig returns an OAuth2 config.
// It prioritizes the configured client over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the working directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	return config, nil
}

// classify maps Google failures to the taxonomy.
func classify(err error) *syncerr.Error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		code := syncerr.CodeForStatus(apiErr.Code)
		if apiErr.Code == http.StatusForbidden {
			for _, item := range apiErr.Errors {
				switch item.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
					code = syncerr.CodeRateLimited
				}
			}
		}
		se := syncerr.New(syncerr.FromGoogle, code, apiErr.Message).WithStatus(apiErr.Code)
		if apiErr.Header != nil {
			if s, err := strconv.Atoi(strings.TrimSpace(apiErr.Header.Get("Retry-After"))); err == nil && s > 0 {
				se.RetryAfter = time.Duration(s) * time.Second
			}
		}
		return se
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := syncerr.CodeInvalidCredentials
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			code = syncerr.CodeServerError
		}
		return syncerr.New(syncerr.FromGoogle, code, "token refresh failed").WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return syncerr.New(syncerr.FromGoogle, syncerr.CodeTimeout, "request timed out").WithCause(err)
		}
		return syncerr.New(syncerr.FromGoogle, syncerr.CodeServerError, "transport failure").WithCause(err)
	}
	return nil
}

// ListCalendars returns every calendar on the user's calendar list.
func (c *CalendarClient) ListCalendars(ctx context.Context) ([]CalendarEntry, error) {
	var (
		out       []CalendarEntry
		pageToken string
	)
	for {
		list, err := retry.Call(ctx, c.policy, "calendarList.list", func(ctx context.Context) (*calendar.CalendarList, error) {
			call := c.service.CalendarList.List().Context(ctx).MaxResults(maxResults)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			return call.Do()
		})
		if err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			out = append(out, CalendarEntry{
				ID:         item.Id,
				Summary:    item.Summary,
				AccessRole: item.AccessRole,
				Primary:    item.Primary,
			})
		}
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

// ListEvents fetches every live event of the calendar inside the window.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, w models.Window) ([]*models.Event, error) {
	c.logger.Debug("Fetching events", "calendarID", calendarID, "timeMin", w.TimeMin, "timeMax", w.TimeMax)
	return c.listEvents(ctx, calendarID, func(call *calendar.EventsListCall) *calendar.EventsListCall {
		return call.ShowDeleted(false).
			TimeMin(w.TimeMin.Format(time.RFC3339)).
			TimeMax(w.TimeMax.Format(time.RFC3339))
	})
}

// ListUpdatedEvents fetches events of the calendar changed since the cutoff,
// including cancelled ones. When Google refuses the cutoff as too old the full
// window is listed instead, without cancellations.
func (c *CalendarClient) ListUpdatedEvents(ctx context.Context, calendarID string, since time.Time, w models.Window) ([]*models.Event, error) {
	c.logger.Debug("Fetching updated events", "calendarID", calendarID, "since", since)
	events, err := c.listEvents(ctx, calendarID, func(call *calendar.EventsListCall) *calendar.EventsListCall {
		return call.ShowDeleted(true).
			UpdatedMin(since.UTC().Format(time.RFC3339)).
			TimeMin(w.TimeMin.Format(time.RFC3339)).
			TimeMax(w.TimeMax.Format(time.RFC3339))
	})
	if errors.Is(err, syncerr.ErrGone) {
		c.logger.Warn("Update cutoff rejected, listing full window", "calendarID", calendarID, "since", since)
		return c.ListEvents(ctx, calendarID, w)
	}
	return events, err
}

func (c *CalendarClient) listEvents(ctx context.Context, calendarID string, configure func(*calendar.EventsListCall) *calendar.EventsListCall) ([]*models.Event, error) {
	var (
		out       []*models.Event
		pageToken string
	)
	for {
		page, err := retry.Call(ctx, c.policy, "events.list", func(ctx context.Context) (*calendar.Events, error) {
			call := configure(c.service.Events.List(calendarID).Context(ctx).SingleEvents(true).MaxResults(maxResults))
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			return call.Do()
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			ev, err := toInternalEvent(item, calendarID, c.loc)
			if err != nil {
				c.logger.Warn("Skipping undecodable event", "calendarID", calendarID, "eventID", item.Id, "error", err)
				continue
			}
			out = append(out, ev)
		}
		if page.NextPageToken == "" {
			c.logger.Debug("Fetched events from Google Calendar", "count", len(out), "calendarID", calendarID)
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// GetEvent reads one event.
func (c *CalendarClient) GetEvent(ctx context.Context, calendarID, eventID string) (*models.Event, error) {
	item, err := retry.Call(ctx, c.policy, "events.get", func(ctx context.Context) (*calendar.Event, error) {
		return c.service.Events.Get(calendarID, eventID).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}
	return toInternalEvent(item, calendarID, c.loc)
}

// CreateEvent inserts ev into the calendar. Timed dates are written in timeZone.
func (c *CalendarClient) CreateEvent(ctx context.Context, calendarID string, ev *models.Event, timeZone string) (*models.Event, error) {
	body, err := toGoogleEvent(ev, timeZone)
	if err != nil {
		return nil, err
	}
	item, err := retry.Call(ctx, c.policy, "events.insert", func(ctx context.Context) (*calendar.Event, error) {
		return c.service.Events.Insert(calendarID, body).Context(ctx).SendUpdates("none").Do()
	})
	if err != nil {
		return nil, err
	}
	return toInternalEvent(item, calendarID, c.loc)
}

// UpdateEvent overwrites the mirrored fields of an existing event, leaving
// attendees and other fields untouched.
func (c *CalendarClient) UpdateEvent(ctx context.Context, calendarID, eventID string, ev *models.Event, timeZone string) (*models.Event, error) {
	body, err := toGoogleEvent(ev, timeZone)
	if err != nil {
		return nil, err
	}
	item, err := retry.Call(ctx, c.policy, "events.patch", func(ctx context.Context) (*calendar.Event, error) {
		return c.service.Events.Patch(calendarID, eventID, body).Context(ctx).SendUpdates("none").Do()
	})
	if err != nil {
		return nil, err
	}
	return toInternalEvent(item, calendarID, c.loc)
}

// MoveEvent moves an event to another calendar. The event keeps its id.
func (c *CalendarClient) MoveEvent(ctx context.Context, fromCalendarID, eventID, toCalendarID string) (*models.Event, error) {
	item, err := retry.Call(ctx, c.policy, "events.move", func(ctx context.Context) (*calendar.Event, error) {
		return c.service.Events.Move(fromCalendarID, eventID, toCalendarID).Context(ctx).SendUpdates("none").Do()
	})
	if err != nil {
		return nil, err
	}
	return toInternalEvent(item, toCalendarID, c.loc)
}

// DeleteEvent deletes an event. An event that is already gone counts as deleted.
func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := retry.Exec(ctx, c.policy, "events.delete", func(ctx context.Context) error {
		return c.service.Events.Delete(calendarID, eventID).Context(ctx).SendUpdates("none").Do()
	})
	if errors.Is(err, syncerr.ErrNotFound) || errors.Is(err, syncerr.ErrGone) {
		return nil
	}
	return err
}

// toInternalEvent converts a Google Calendar event to the internal Event model.
func toInternalEvent(item *calendar.Event, calendarID string, loc *time.Location) (*models.Event, error) {
	if loc == nil {
		loc = time.UTC
	}
	ev := &models.Event{
		ID:          item.Id,
		CalendarID:  calendarID,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Link:        item.HtmlLink,
		Cancelled:   item.Status == "cancelled",
	}
	if item.Updated != "" {
		updated, err := time.Parse(time.RFC3339, item.Updated)
		if err != nil {
			return nil, fmt.Errorf("event %s updated: %w", item.Id, err)
		}
		ev.Updated = updated
	}
	if item.ExtendedProperties != nil {
		ev.NotionPageID = item.ExtendedProperties.Private[NotionPageKey]
	}
	// Cancelled entries from incremental listings may carry no times.
	if item.Start == nil || item.End == nil {
		if ev.Cancelled {
			return ev, nil
		}
		return nil, fmt.Errorf("event %s has no start or end", item.Id)
	}
	date, err := eventdate.FromGoogle(
		eventdate.GoogleDateTime{Date: item.Start.Date, DateTime: item.Start.DateTime, TimeZone: item.Start.TimeZone},
		eventdate.GoogleDateTime{Date: item.End.Date, DateTime: item.End.DateTime, TimeZone: item.End.TimeZone},
		loc,
	)
	if err != nil {
		if ev.Cancelled {
			return ev, nil
		}
		return nil, fmt.Errorf("event %s date: %w", item.Id, err)
	}
	ev.Date = date
	return ev, nil
}

// toGoogleEvent renders the mirrored fields of ev. Empty text fields are sent
// explicitly so a patch clears them, and the unused date form is nulled.
func toGoogleEvent(ev *models.Event, timeZone string) (*calendar.Event, error) {
	start, end, err := eventdate.ToGoogle(ev.Date, timeZone)
	if err != nil {
		return nil, syncerr.New(syncerr.FromSyncbot, syncerr.CodeValidation, "event date").WithCause(err)
	}
	body := &calendar.Event{
		Summary:         ev.Title,
		Description:     ev.Description,
		Location:        ev.Location,
		Start:           toEventDateTime(start),
		End:             toEventDateTime(end),
		ForceSendFields: []string{"Summary", "Description", "Location"},
	}
	if ev.NotionPageID != "" {
		body.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{NotionPageKey: ev.NotionPageID},
		}
	}
	return body, nil
}

func toEventDateTime(g eventdate.GoogleDateTime) *calendar.EventDateTime {
	if g.Date != "" {
		return &calendar.EventDateTime{Date: g.Date, NullFields: []string{"DateTime"}}
	}
	return &calendar.EventDateTime{DateTime: g.DateTime, TimeZone: g.TimeZone, NullFields: []string{"Date"}}
}
