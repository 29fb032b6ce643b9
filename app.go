package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/fujiwara/ridge"
	"github.com/gorilla/mux"
	"github.com/olekukonko/tablewriter"
	"github.com/robfig/cron/v3"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// AppOption contains the core settings of the sync service.
type AppOption struct {
	Webhook         string        `help:"public webhook address for push channels" default:"" env:"GCALNOTIFY_WEBHOOK"`
	Calendars       []string      `help:"calendar ids to track" sep:"," env:"GCALNOTIFY_CALENDARS"`
	CalendarsConfig string        `help:"calendars config file (path, http(s):// or s3://)" env:"GCALNOTIFY_CALENDARS_CONFIG"`
	Expiration      time.Duration `help:"requested push channel lifetime" default:"168h" env:"GCALNOTIFY_EXPIRATION"`
	RenewThreshold  time.Duration `help:"renew channels expiring within this window" default:"1h" env:"GCALNOTIFY_RENEW_THRESHOLD"`
	RenewInterval   time.Duration `help:"channel renewal interval, must be shorter than renew threshold" default:"30m" env:"GCALNOTIFY_RENEW_INTERVAL"`
	SyncInterval    time.Duration `help:"periodic sync interval (0 disables)" default:"0s" env:"GCALNOTIFY_SYNC_INTERVAL"`
	QueueSize       int           `help:"notification queue size" default:"100" env:"GCALNOTIFY_QUEUE_SIZE"`
}

// Validate checks the settings that do not depend on remote state.
func (o AppOption) Validate() error {
	if o.RenewThreshold <= 0 {
		return errors.New("renew threshold must be positive")
	}
	if o.RenewInterval <= 0 {
		return errors.New("renew interval must be positive")
	}
	if o.RenewInterval >= o.RenewThreshold {
		return fmt.Errorf("renew interval %s must be shorter than renew threshold %s", o.RenewInterval, o.RenewThreshold)
	}
	if o.Expiration <= o.RenewThreshold {
		return fmt.Errorf("expiration %s must be longer than renew threshold %s", o.Expiration, o.RenewThreshold)
	}
	if o.SyncInterval < 0 {
		return errors.New("sync interval must not be negative")
	}
	return nil
}

// LoadCalendars builds the calendars config from the config file and the calendar id list.
func (o AppOption) LoadCalendars(ctx context.Context) (*CalendarsConfig, error) {
	cfg := &CalendarsConfig{}
	if o.CalendarsConfig != "" {
		var err error
		cfg, err = LoadCalendarsConfig(ctx, o.CalendarsConfig)
		if err != nil {
			return nil, err
		}
	}
	cfg.AddIDs(o.Calendars...)
	env, err := NewCELEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Bind(env); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PushEnabled reports whether push channels can be registered for the webhook address.
// Google only delivers to public HTTPS endpoints, so an empty or localhost address disables push.
func (o AppOption) PushEnabled() bool {
	if o.Webhook == "" {
		return false
	}
	u, err := url.Parse(o.Webhook)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host != "localhost" && host != "127.0.0.1" && host != "::1"
}

type App struct {
	opt           AppOption
	storage       Storage
	notification  Notification
	calendars     *CalendarsConfig
	source        EventSource
	metrics       *Metrics
	dispatcher    *AsyncDispatcher
	syncer        *Syncer
	subscriptions *SubscriptionManager
	router        *mux.Router

	webhookMu         sync.Mutex
	functionURLClient FunctionURLClient
}

// New creates an App backed by the Google Calendar API.
func New(opt AppOption, storage Storage, notification Notification, gcpOpts ...option.ClientOption) (*App, error) {
	ctx := context.Background()
	if err := opt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid option: %w", err)
	}
	calendars, err := opt.LoadCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("load calendars: %w", err)
	}
	gcpOpts = append(gcpOpts, option.WithScopes(calendar.CalendarReadonlyScope))
	svc, err := calendar.NewService(ctx, gcpOpts...)
	if err != nil {
		return nil, fmt.Errorf("create Google Calendar Service: %w", err)
	}
	return newApp(opt, storage, notification, NewGoogleCalendarSource(svc), calendars), nil
}

func newApp(opt AppOption, storage Storage, notification Notification, source EventSource, calendars *CalendarsConfig) *App {
	metrics := NewMetrics()
	dispatcher := NewAsyncDispatcher(notification, calendars, metrics, opt.QueueSize)
	app := &App{
		opt:          opt,
		storage:      storage,
		notification: notification,
		calendars:    calendars,
		source:       source,
		metrics:      metrics,
		dispatcher:   dispatcher,
		syncer:       NewSyncer(source, storage, dispatcher, metrics),
		subscriptions: NewSubscriptionManager(source, storage, metrics, SubscriptionSettings{
			WebhookAddress: opt.Webhook,
			RenewThreshold: opt.RenewThreshold,
			TTL:            opt.Expiration,
		}),
		router: mux.NewRouter(),
	}
	app.setupRoute()
	return app
}

// Close drains pending notifications and releases the storage.
func (app *App) Close() error {
	return errors.Join(app.dispatcher.Close(), app.storage.Close())
}

// CalendarIDs returns the tracked calendar ids.
func (app *App) CalendarIDs() []string {
	return app.calendars.IDs()
}

// OnNotification handles one push delivery.
// Unknown channels and token mismatches are acknowledged without action.
func (app *App) OnNotification(ctx context.Context, channelID, token, resourceState string) error {
	switch resourceState {
	case "sync":
		slog.InfoContext(ctx, "channel verification accepted", "channel_id", channelID)
		return nil
	case "exists":
	default:
		slog.InfoContext(ctx, "resource state ignored", "channel_id", channelID, "resource_state", coalesce(resourceState, "-"))
		return nil
	}
	sub, err := app.storage.FindSubscriptionByChannelID(ctx, channelID)
	if err != nil {
		if IsNotFound(err) {
			slog.WarnContext(ctx, "unknown channel, ignored", "channel_id", channelID)
			return nil
		}
		return fmt.Errorf("find subscription: %w", err)
	}
	if sub.Token != "" && sub.Token != token {
		slog.WarnContext(ctx, "channel token mismatch, ignored", "channel_id", channelID, "calendar_id", sub.CalendarID)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if _, err := app.syncer.Sync(ctx, sub.CalendarID); err != nil {
		return fmt.Errorf("sync calendar_id:%s: %w", sub.CalendarID, err)
	}
	return nil
}

// SyncAll syncs every tracked calendar.
func (app *App) SyncAll(ctx context.Context) ([]*SyncResult, error) {
	return app.syncer.SyncAll(ctx, app.CalendarIDs())
}

// RenewAll ensures every tracked calendar has a live push channel.
// On Lambda an empty webhook address is filled with the function's own URL.
// It is a no-op when push is disabled.
func (app *App) RenewAll(ctx context.Context) error {
	if err := app.fillWebhookFromFunctionURL(ctx); err != nil {
		return fmt.Errorf("fill webhook address: %w", err)
	}
	if !app.opt.PushEnabled() {
		slog.InfoContext(ctx, "webhook address is empty or local, skip subscription setup", "webhook", coalesce(app.opt.Webhook, "-"))
		return nil
	}
	return app.subscriptions.EnsureAll(ctx, app.CalendarIDs())
}

// Serve runs the webhook server. Locally it also runs the renewal and sync timers.
func (app *App) Serve(ctx context.Context, opt ServeOption) error {
	if err := app.RenewAll(ctx); err != nil {
		slog.WarnContext(ctx, "initial subscription setup failed, retry on next renewal", "details", err)
	}
	if !isLambda() {
		c := app.newCron(ctx)
		c.Start()
		defer func() {
			<-c.Stop().Done()
		}()
	}
	addr := fmt.Sprintf(":%d", opt.Port)
	slog.InfoContext(ctx, "starting webhook server", "address", addr)
	ridge.RunWithContext(ctx, addr, "/", app)
	return nil
}

func (app *App) newCron(ctx context.Context) *cron.Cron {
	logger := &cronLogger{ctx: ctx}
	c := cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	if app.opt.PushEnabled() {
		c.Schedule(cron.Every(app.opt.RenewInterval), cron.FuncJob(func() {
			slog.DebugContext(ctx, "start scheduled renewal")
			if err := app.RenewAll(ctx); err != nil {
				slog.WarnContext(ctx, "scheduled renewal failed", "details", err)
			}
		}))
	}
	if app.opt.SyncInterval > 0 {
		c.Schedule(cron.Every(app.opt.SyncInterval), cron.FuncJob(func() {
			slog.DebugContext(ctx, "start scheduled sync")
			if _, err := app.SyncAll(ctx); err != nil {
				slog.WarnContext(ctx, "scheduled sync failed", "details", err)
			}
		}))
	}
	return c
}

// Sync renews subscriptions and syncs every calendar once.
func (app *App) Sync(ctx context.Context, _ SyncOption) error {
	return runHandler(ctx, func(ctx context.Context) error {
		var errs []error
		if err := app.RenewAll(ctx); err != nil {
			errs = append(errs, err)
		}
		results, err := app.SyncAll(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, r := range results {
			if r == nil {
				continue
			}
			slog.InfoContext(ctx, "synced", "calendar_id", r.CalendarID, "created", r.Created, "updated", r.Updated, "deleted", r.Deleted, "suppressed", r.Suppressed)
		}
		return errors.Join(errs...)
	})
}

// Renew ensures every calendar has a live push channel.
func (app *App) Renew(ctx context.Context, _ RenewOption) error {
	return runHandler(ctx, app.RenewAll)
}

// List writes the subscriptions and sync states as a table.
func (app *App) List(ctx context.Context, opt ListOption) error {
	w := opt.Output
	if w == nil {
		w = os.Stdout
	}
	return app.listSubscriptions(ctx, w)
}

func (app *App) listSubscriptions(ctx context.Context, w io.Writer) error {
	subs := make(map[string]*Subscription)
	ch, err := app.storage.FindAllSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("find all subscriptions: %w", err)
	}
	calendarIDs := app.CalendarIDs()
	for batch := range ch {
		for _, sub := range batch {
			subs[sub.CalendarID] = sub
			if app.calendars.Lookup(sub.CalendarID) == nil {
				calendarIDs = append(calendarIDs, sub.CalendarID)
			}
		}
	}
	table := tablewriter.NewWriter(w)
	table.Header("Calendar ID", "Name", "Channel ID", "Resource ID", "Expiration", "Has Cursor", "Last Synced At")
	for _, calendarID := range calendarIDs {
		row := []string{calendarID, "-", "-", "-", "-", "false", "-"}
		if c := app.calendars.Lookup(calendarID); c != nil {
			row[1] = c.DisplayName()
		}
		if sub, ok := subs[calendarID]; ok {
			row[2] = sub.ChannelID
			row[3] = sub.ResourceID
			row[4] = sub.Expiration.Format(time.RFC3339)
		}
		state, err := app.storage.FindSyncState(ctx, calendarID)
		if err != nil && !IsNotFound(err) {
			return fmt.Errorf("find sync state: %w", err)
		}
		if state != nil {
			row[5] = fmt.Sprintf("%t", state.Cursor != "")
			if !state.LastSyncedAt.IsZero() {
				row[6] = state.LastSyncedAt.Format(time.RFC3339)
			}
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

// Cleanup stops every recorded channel and deletes its record.
func (app *App) Cleanup(ctx context.Context, _ CleanupOption) error {
	ch, err := app.storage.FindAllSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("find all subscriptions: %w", err)
	}
	var errs []error
	for batch := range ch {
		for _, sub := range batch {
			slog.InfoContext(ctx, "find subscription", "calendar_id", sub.CalendarID, "channel_id", sub.ChannelID, "expiration", sub.Expiration.Format(time.RFC3339))
			if err := app.subscriptions.CancelSubscription(ctx, sub.CalendarID); err != nil {
				slog.WarnContext(ctx, "failed to cancel subscription", "calendar_id", sub.CalendarID, "channel_id", sub.ChannelID, "error", err)
				errs = append(errs, fmt.Errorf("calendar_id:%s: %w", sub.CalendarID, err))
			}
		}
	}
	return errors.Join(errs...)
}

type cronLogger struct {
	ctx context.Context
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	slog.DebugContext(l.ctx, "cron: "+msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.ErrorContext(l.ctx, "cron: "+msg, append(keysAndValues, "error", err)...)
}
