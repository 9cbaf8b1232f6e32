// Package report pushes reconciliation results to the backend.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"syncbot/internal/models"
)

const resultPath = "/syncbot/result"

// Pusher posts results to BACKEND_URL. A zero BaseURL disables pushing.
type Pusher struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Options configures a Pusher.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewPusher creates a Pusher.
func NewPusher(opts Options) *Pusher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		client:  client,
		logger:  logger,
	}
}

// Push sends res once. Failures are logged and otherwise ignored.
func (p *Pusher) Push(ctx context.Context, res *models.Result) {
	if p.baseURL == "" || res == nil {
		return
	}
	if err := p.send(ctx, res); err != nil {
		p.logger.Warn("Failed to push sync result", "user_id", res.UserID, "run_id", res.RunID, "error", err)
	}
}

func (p *Pusher) send(ctx context.Context, res *models.Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+resultPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
