package gcalnotify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/mashiike/gcreds4aws"
	"github.com/mashiike/slogutils"
)

var Version = "current"

// CLI is the command-line interface for gcalnotify.
//
// Use the Run method to execute the CLI:
//
//	var cli gcalnotify.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// Available commands:
//   - serve: Start the webhook server (default)
//   - sync: Renew push channels and sync all calendars once
//   - renew: Renew push channels that are about to expire
//   - list: List push channels and sync states
//   - cleanup: Stop all push channels
//   - validate: Validate options and the calendars config
type CLI struct {
	LogLevel     string             `help:"log level" default:"info" env:"GCALNOTIFY_LOG_LEVEL"`
	LogFormat    string             `help:"log format" default:"text" enum:"text,json" env:"GCALNOTIFY_LOG_FORMAT"`
	LogColor     bool               `help:"enable color output" default:"true" env:"GCALNOTIFY_LOG_COLOR" negatable:""`
	Version      kong.VersionFlag   `help:"show version"`
	Storage      StorageOption      `embed:"" prefix:"storage-"`
	Notification NotificationOption `embed:"" prefix:"notification-"`
	AppOption    `embed:""`

	Serve    ServeOption    `cmd:"" help:"serve webhook server" default:"true"`
	Sync     SyncOption     `cmd:"" help:"renew push channels and sync all calendars once"`
	Renew    RenewOption    `cmd:"" help:"renew push channels that are about to expire"`
	List     ListOption     `cmd:"" help:"list push channels and sync states"`
	Cleanup  CleanupOption  `cmd:"" help:"stop all push channels"`
	Validate ValidateOption `cmd:"" help:"validate options and calendars config"`
}

// ServeOption contains options for the serve command.
type ServeOption struct {
	Port int `help:"webhook httpd port" default:"25254" env:"GCALNOTIFY_PORT"`
}

// SyncOption contains options for the sync command.
type SyncOption struct {
}

// RenewOption contains options for the renew command.
type RenewOption struct {
}

// ListOption contains options for the list command.
type ListOption struct {
	Output io.Writer `kong:"-"`
}

// CleanupOption contains options for the cleanup command.
type CleanupOption struct {
}

// ValidateOption contains options for the validate command.
type ValidateOption struct {
	CalendarsConfig string `arg:"" name:"config-file" optional:"" help:"path to calendars config file (overrides --calendars-config)"`
}

// Run parses command-line arguments and executes the appropriate command.
// Returns 0 on success, 1 on error.
func (c *CLI) Run(ctx context.Context) int {
	k := kong.Parse(c,
		kong.Name("gcalnotify"),
		kong.Description("gcalnotify watches Google Calendar and notifies event changes."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
	)
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
		k.Fatalf("invalid log level: %s", c.LogLevel)
	}
	logger := newLogger(logLevel, c.LogFormat, c.LogColor)
	slog.SetDefault(logger)
	if err := c.run(ctx, k); err != nil {
		slog.Error("runtime error", "details", err)
		return 1
	}
	return 0
}

func (c *CLI) run(ctx context.Context, k *kong.Context) error {
	cmd := k.Command()
	// validate command doesn't need App initialization
	if cmd == "validate" || cmd == "validate <config-file>" {
		return c.runValidate(ctx)
	}
	app, err := c.newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.WarnContext(ctx, "app cleanup error", "details", err)
		}
		if err := gcreds4aws.Close(); err != nil {
			slog.WarnContext(ctx, "gcreds cleanup error", "details", err)
		}
	}()
	switch cmd {
	case "serve", "":
		return app.Serve(ctx, c.Serve)
	case "sync":
		return app.Sync(ctx, c.Sync)
	case "renew":
		return app.Renew(ctx, c.Renew)
	case "list":
		return app.List(ctx, c.List)
	case "cleanup":
		return app.Cleanup(ctx, c.Cleanup)
	default:
		return fmt.Errorf("unknown command: %s", k.Command())
	}
}

func (c *CLI) runValidate(ctx context.Context) error {
	opt := c.AppOption
	if c.Validate.CalendarsConfig != "" {
		opt.CalendarsConfig = c.Validate.CalendarsConfig
	}
	if err := opt.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	slog.InfoContext(ctx, "validating calendars configuration", "path", coalesce(opt.CalendarsConfig, "-"))
	cfg, err := opt.LoadCalendars(ctx)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if len(cfg.Calendars) == 0 {
		return fmt.Errorf("no calendars specified; use --calendars or --calendars-config")
	}
	for _, cal := range cfg.Calendars {
		slog.InfoContext(ctx, "calendar validated",
			"calendar_id", cal.ID,
			"name", cal.DisplayName(),
			"filter", cal.Filter.Raw(),
			"filter_is_expr", cal.Filter.IsExpr(),
		)
	}
	slog.InfoContext(ctx, "options validated",
		"push_enabled", opt.PushEnabled(),
		"expiration", opt.Expiration.String(),
		"renew_threshold", opt.RenewThreshold.String(),
		"renew_interval", opt.RenewInterval.String(),
		"sync_interval", opt.SyncInterval.String(),
	)
	fmt.Println("✓ Configuration is valid")
	return nil
}

func (c *CLI) newApp(ctx context.Context) (*App, error) {
	storage, err := NewStorage(ctx, c.Storage)
	if err != nil {
		return nil, fmt.Errorf("create Storage: %w", err)
	}
	notification, err := NewNotification(ctx, c.Notification)
	if err != nil {
		return nil, fmt.Errorf("create Notification: %w", err)
	}
	return New(c.AppOption, storage, notification, gcreds4aws.WithCredentials(ctx))
}

func newLogger(level slog.Level, format string, c bool) *slog.Logger {
	var f func(io.Writer, *slog.HandlerOptions) slog.Handler
	switch format {
	case "json":
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewJSONHandler(w, ho)
		}
	default:
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewTextHandler(w, ho)
		}
	}
	var modifierFuncs map[slog.Level]slogutils.ModifierFunc
	if c {
		modifierFuncs = map[slog.Level]slogutils.ModifierFunc{
			slog.LevelDebug: slogutils.Color(color.FgBlack),
			slog.LevelInfo:  nil,
			slog.LevelWarn:  slogutils.Color(color.FgYellow),
			slog.LevelError: slogutils.Color(color.FgRed, color.Bold),
		}
	}
	middleware := slogutils.NewMiddleware(
		f,
		slogutils.MiddlewareOptions{
			Writer:        os.Stderr,
			ModifierFuncs: modifierFuncs,
			HandlerOptions: &slog.HandlerOptions{
				Level:     level,
				AddSource: level == slog.LevelDebug,
			},
			RecordTransformerFuncs: []slogutils.RecordTransformerFunc{
				slogutils.ConvertLegacyLevel(
					map[string]slog.Level{
						"debug": slog.LevelDebug,
						"info":  slog.LevelInfo,
						"warn":  slog.LevelWarn,
						"error": slog.LevelError,
					},
					true,
				),
			},
		},
	)
	return slog.New(middleware)
}
