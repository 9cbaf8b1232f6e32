// Package notion is a minimal client for the Notion databases and pages API,
// scoped to what a calendar database mirror needs.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"syncbot/internal/retry"
	"syncbot/internal/syncerr"
)

const (
	defaultBaseURL    = "https://api.notion.com"
	defaultAPIVersion = "2022-06-28"
	pageSize          = 100
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	Token       string
	HTTPClient  *http.Client
	APIVersion  string
	Limiter     *rate.Limiter
	MaxAttempts int
	Logger      *slog.Logger
}

// Client talks to one Notion workspace with one integration token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	apiVersion string
	policy     retry.Policy
	logger     *slog.Logger
}

// NewClient creates a Client, filling unset options with defaults.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		apiVersion: apiVersion,
		logger:     logger,
		policy: retry.Policy{
			From:        syncerr.FromNotion,
			MaxAttempts: opts.MaxAttempts,
			Limiter:     opts.Limiter,
			Classify:    classify,
			Logger:      logger,
		},
	}
}

// APIError is a non-2xx response from Notion.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion api: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("notion api: status=%d message=%s", e.Status, e.Message)
}

// classify maps Notion failures to the taxonomy. The documented error code
// wins over the HTTP status when both are present.
func classify(err error) *syncerr.Error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		code := syncerr.CodeForStatus(apiErr.Status)
		switch apiErr.Code {
		case "unauthorized":
			code = syncerr.CodeInvalidCredentials
		case "restricted_resource":
			code = syncerr.CodeForbidden
		case "object_not_found":
			code = syncerr.CodeNotFound
		case "conflict_error":
			code = syncerr.CodeConflict
		case "rate_limited":
			code = syncerr.CodeRateLimited
		case "validation_error":
			code = syncerr.CodeValidation
		case "invalid_json", "invalid_request_url", "invalid_request", "missing_version":
			code = syncerr.CodeInvalidRequest
		case "internal_server_error", "service_unavailable", "database_connection_unavailable":
			code = syncerr.CodeServerError
		case "gateway_timeout":
			code = syncerr.CodeTimeout
		}
		se := syncerr.New(syncerr.FromNotion, code, apiErr.Message).WithStatus(apiErr.Status)
		se.RetryAfter = apiErr.RetryAfter
		return se
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return syncerr.New(syncerr.FromNotion, syncerr.CodeTimeout, "request timed out").WithCause(err)
		}
		return syncerr.New(syncerr.FromNotion, syncerr.CodeServerError, "transport failure").WithCause(err)
	}
	return nil
}

// do sends one request and decodes a 2xx JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if c.token == "" {
		return syncerr.New(syncerr.FromNotion, syncerr.CodeInvalidCredentials, "notion token is empty")
	}
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode notion request: %w", err)
		}
	}
	return retry.Exec(ctx, c.policy, method+" "+path, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Notion-Version", c.apiVersion)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return parseAPIError(resp, respBody)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return syncerr.New(syncerr.FromNotion, syncerr.CodeServerError, "malformed response").WithCause(err)
		}
		return nil
	})
}

func parseAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		Status:     resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After")),
	}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		apiErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			apiErr.Message = parsed.Message
		}
	}
	return apiErr
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
