package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/do/v2"
	"github.com/urfave/cli/v2"

	"syncbot/internal/config"
	"syncbot/internal/di"
	"syncbot/internal/google"
	"syncbot/internal/logger"
	"syncbot/internal/report"
	"syncbot/internal/store"
	"syncbot/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	if err := newApp(os.Stdin, os.Stdout).Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func newApp(in io.Reader, out io.Writer) *cli.App {
	return &cli.App{
		Name:      "syncbot",
		Usage:     "Keep Google Calendar and Notion databases in sync.",
		Reader:    in,
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", EnvVars: []string{"LOG_LEVEL"}, Value: "info", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "dsn", EnvVars: []string{"DATABASE_DSN"}, Usage: "database DSN (sqlite://path or postgres://...)"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			migrateCommand(),
			statusCommand(),
			authCommand(),
			connectCommand("enable", "Re-enable sync for a user after a STOP failure.", true),
			connectCommand("disable", "Disable sync for a user.", false),
		},
	}
}

// loadConfig reads the environment and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if c.IsSet("dsn") {
		cfg.DatabaseDSN = c.String("dsn")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Environment: cfg.Environment})
	return cfg, log, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the scheduler loops and the operator API.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address, overrides HTTP_ADDR"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("addr") {
				cfg.HTTPAddr = c.String("addr")
			}

			injector := di.NewContainer(cfg, log, os.Exit)
			if err := di.Bootstrap(injector); err != nil {
				_ = injector.Shutdown()
				return fmt.Errorf("failed to bootstrap: %w", err)
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info("Shutting down gracefully")
			if err := injector.Shutdown(); err != nil {
				log.Error("Shutdown error", "error", err)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one reconciliation for the given users and exit.",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "user", Required: true, Usage: "user id, may be repeated"},
			&cli.BoolFlag{Name: "push", Usage: "Push results to BACKEND_URL."},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			injector := di.NewContainer(cfg, log, os.Exit)
			defer func() { _ = injector.Shutdown() }()

			rec, err := do.Invoke[*syncer.Reconciler](injector)
			if err != nil {
				return err
			}
			pusher := do.MustInvoke[*report.Pusher](injector)

			var failed int
			for _, userID := range c.StringSlice("user") {
				res, err := rec.Run(c.Context, userID)
				fmt.Fprintf(c.App.Writer, "%s: %s\n", userID, res.Summary)
				if err != nil {
					failed++
					log.Error("Sync failed", "user_id", userID, "error", err)
				}
				if c.Bool("push") {
					pusher.Push(c.Context, res)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d syncs failed", failed, len(c.StringSlice("user")))
			}
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the database schema.",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(c.Context, cfg.DatabaseDSN, log)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer s.Close()
			log.Info("Schema is up to date", "dialect", s.Dialect())
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the loop status of a running instance.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "base URL of the instance"},
			&cli.StringFlag{Name: "token", EnvVars: []string{"ADMIN_TOKEN"}, Usage: "admin bearer token"},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()

			url := strings.TrimRight(c.String("url"), "/") + "/api/v1/status"
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+c.String("token"))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to reach %s: %w", url, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status request returned %d", resp.StatusCode)
			}

			var body any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(body)
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize a user's Google account and store the token.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "user id"},
			&cli.StringFlag{Name: "redirect-url", Value: google.DefaultRedirectURL, Usage: "OAuth redirect URL registered for the client"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(c.Context, cfg.DatabaseDSN, log)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer s.Close()

			userID := c.String("user")
			if _, err := s.GetUser(c.Context, userID); err != nil {
				return fmt.Errorf("failed to load user %s: %w", userID, err)
			}

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.GoogleClientID, cfg.GoogleClientSecret, c.String("redirect-url"))
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", google.AuthCodeURL(oauthConfig, userID))

			fmt.Fprint(c.App.Writer, "Enter Authorization Code: ")
			authCode, err := bufio.NewReader(c.App.Reader).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to read authorization code: %w", err)
			}
			token, err := google.TokenFromWeb(c.Context, oauthConfig, strings.TrimSpace(authCode))
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			if err := s.SetGoogleToken(c.Context, userID, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			log.Info("Successfully authenticated and saved token.", "user_id", userID)
			return nil
		},
	}
}

func connectCommand(name, usage string, connected bool) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "user id"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(c.Context, cfg.DatabaseDSN, log)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer s.Close()
			if err := s.SetConnected(c.Context, c.String("user"), connected); err != nil {
				return fmt.Errorf("failed to update user %s: %w", c.String("user"), err)
			}
			log.Info("User updated", "user_id", c.String("user"), "connected", connected)
			return nil
		},
	}
}
