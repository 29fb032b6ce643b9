package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Songmu/flextime"
	"github.com/google/uuid"
)

// SubscriptionSettings configures push channel registration.
type SubscriptionSettings struct {
	// WebhookAddress is the public HTTPS address Google delivers notifications to.
	WebhookAddress string
	// RenewThreshold is the lookahead window; a channel expiring within it is replaced.
	RenewThreshold time.Duration
	// TTL is the requested channel lifetime.
	TTL time.Duration
}

// SubscriptionManager keeps exactly one live push channel per calendar.
type SubscriptionManager struct {
	source   EventSource
	storage  Storage
	metrics  *Metrics
	settings SubscriptionSettings
}

func NewSubscriptionManager(source EventSource, storage Storage, metrics *Metrics, settings SubscriptionSettings) *SubscriptionManager {
	return &SubscriptionManager{
		source:   source,
		storage:  storage,
		metrics:  metrics,
		settings: settings,
	}
}

// SetWebhookAddress replaces the address used for new registrations.
func (m *SubscriptionManager) SetWebhookAddress(address string) {
	m.settings.WebhookAddress = address
}

// EnsureSubscription registers a new channel when the calendar has none or
// its channel is about to expire. It reports whether a channel was registered.
func (m *SubscriptionManager) EnsureSubscription(ctx context.Context, calendarID string) (bool, error) {
	current, err := m.storage.FindSubscription(ctx, calendarID)
	if err != nil {
		if !IsNotFound(err) {
			return false, fmt.Errorf("find subscription: %w", err)
		}
		current = nil
	}
	if current != nil && !current.IsAboutToExpire(ctx, m.settings.RenewThreshold) {
		slog.DebugContext(ctx, "subscription is still valid", "calendar_id", calendarID, "channel_id", current.ChannelID, "expiration", current.Expiration.Format(time.RFC3339))
		return false, nil
	}
	if m.settings.WebhookAddress == "" {
		return false, errors.New("webhook address is not configured")
	}

	channelID := uuid.NewString()
	token := uuid.NewString()
	reg, err := m.source.RegisterChannel(ctx, calendarID, channelID, token, m.settings.WebhookAddress, m.settings.TTL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to register channel, retry on next renewal", "calendar_id", calendarID, "error", err)
		m.metrics.IncRenewal(calendarID, "failed")
		return false, err
	}
	now := flextime.Now()
	sub := &Subscription{
		CalendarID: calendarID,
		ChannelID:  channelID,
		ResourceID: reg.ResourceID,
		Token:      token,
		Expiration: reg.Expiration,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if current != nil {
		sub.CreatedAt = current.CreatedAt
	}
	if err := m.storage.SaveSubscription(ctx, sub); err != nil {
		m.metrics.IncRenewal(calendarID, "failed")
		if cerr := m.source.CancelChannel(ctx, channelID, reg.ResourceID); cerr != nil {
			slog.WarnContext(ctx, "failed to cancel unrecorded channel", "calendar_id", calendarID, "channel_id", channelID, "error", cerr)
		}
		return false, fmt.Errorf("save subscription: %w", err)
	}
	m.metrics.IncRenewal(calendarID, "renewed")
	slog.InfoContext(ctx, "subscription renewed",
		"calendar_id", calendarID,
		"channel_id", channelID,
		"resource_id", reg.ResourceID,
		"expiration", reg.Expiration.Format(time.RFC3339),
	)

	if current != nil {
		if err := m.source.CancelChannel(ctx, current.ChannelID, current.ResourceID); err != nil {
			slog.WarnContext(ctx, "failed to stop old channel, it will lapse at its expiration",
				"calendar_id", calendarID,
				"channel_id", current.ChannelID,
				"resource_id", current.ResourceID,
				"error", err,
			)
			m.metrics.IncRenewal(calendarID, "cancel_failed")
		}
	}
	return true, nil
}

// EnsureAll runs EnsureSubscription for every calendar, continuing past failures.
func (m *SubscriptionManager) EnsureAll(ctx context.Context, calendarIDs []string) error {
	var errs []error
	for _, calendarID := range calendarIDs {
		if _, err := m.EnsureSubscription(ctx, calendarID); err != nil {
			errs = append(errs, fmt.Errorf("calendar_id:%s: %w", calendarID, err))
		}
	}
	return errors.Join(errs...)
}

// CancelSubscription stops the calendar's channel and deletes its record.
func (m *SubscriptionManager) CancelSubscription(ctx context.Context, calendarID string) error {
	sub, err := m.storage.FindSubscription(ctx, calendarID)
	if err != nil {
		return err
	}
	if err := m.source.CancelChannel(ctx, sub.ChannelID, sub.ResourceID); err != nil {
		return err
	}
	if err := m.storage.DeleteSubscription(ctx, sub); err != nil {
		return err
	}
	slog.InfoContext(ctx, "subscription cancelled", "calendar_id", calendarID, "channel_id", sub.ChannelID, "resource_id", sub.ResourceID)
	return nil
}
