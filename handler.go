package gcalnotify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

func (app *App) setupRoute() {
	app.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, http.StatusOK, http.StatusText(http.StatusOK))
	}).Methods(http.MethodGet)
	app.router.Handle("/metrics", app.metrics.Handler()).Methods(http.MethodGet)
	app.router.HandleFunc("/webhook", app.handleWebhook).Methods(http.MethodPost)
	app.router.HandleFunc("/sync", app.handleSync).Methods(http.MethodPost)
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app.router.ServeHTTP(w, r)
}

func writeStatus(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
	io.WriteString(w, http.StatusText(status))
}

func (app *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := r.Header.Get("X-Goog-Channel-Id")
	state := r.Header.Get("X-Goog-Resource-State")
	userAgent := r.Header.Get("User-Agent")
	resourceID := r.Header.Get("X-Goog-Resource-Id")
	slog.InfoContext(ctx, "Received webhook request",
		"method", coalesce(r.Method, "-"),
		"uri", coalesce(r.URL.String(), "-"),
		"user_agent", url.QueryEscape(coalesce(userAgent, "-")),
		"channel_id", coalesce(channelID, "-"),
		"resource_id", coalesce(resourceID, "-"),
		"resource_state", coalesce(state, "-"),
		"message_number", coalesce(r.Header.Get("X-Goog-Message-Number"), "-"),
		"forwarded_for", coalesce(r.Header.Get("X-Forwarded-For"), "-"),
		"channel_expiration", coalesce(r.Header.Get("X-Goog-Channel-Expiration"), "-"),
	)
	defer r.Body.Close()
	if d, err := httputil.DumpRequest(r, true); err == nil {
		slog.DebugContext(ctx, "Received request dump", "request", string(d))
	}
	status := app.webhookStatus(ctx, r, channelID, state, userAgent)
	app.metrics.IncWebhook(state, status)
	writeStatus(w, status)
}

func (app *App) webhookStatus(ctx context.Context, r *http.Request, channelID, state, userAgent string) int {
	if !strings.HasPrefix(userAgent, "APIs-Google") {
		slog.WarnContext(ctx, "Unexpected user-agent, returning 404", "user_agent", userAgent)
		return http.StatusNotFound
	}
	if channelID == "" {
		slog.WarnContext(ctx, "Missing channel id, returning 400")
		return http.StatusBadRequest
	}
	token := r.Header.Get("X-Goog-Channel-Token")
	if err := app.OnNotification(ctx, channelID, token, state); err != nil {
		slog.ErrorContext(ctx, "Failed to process notification", "channel_id", channelID, "resource_state", state, "error", err)
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func (app *App) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	var hasErr bool
	if err := app.RenewAll(ctx); err != nil {
		slog.WarnContext(ctx, "Renew subscriptions failed", "details", err)
		hasErr = true
	}
	if _, err := app.SyncAll(ctx); err != nil {
		slog.WarnContext(ctx, "Sync calendars failed", "details", err)
		hasErr = true
	}
	if hasErr {
		writeStatus(w, http.StatusInternalServerError)
		return
	}
	writeStatus(w, http.StatusOK)
}

func coalesce(strs ...string) string {
	for _, str := range strs {
		if str != "" {
			return str
		}
	}
	return ""
}
