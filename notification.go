package gcalnotify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"github.com/samber/lo"
	"github.com/shogo82148/go-retry"
)

// NotificationOption contains configuration for notification delivery.
//
// Supported notification types:
//   - "discord": posts an embed to a Discord webhook (default)
//   - "eventbridge": sends events to Amazon EventBridge
//   - "file": writes events to a local NDJSON file (suitable for development)
type NotificationOption struct {
	Type              string `help:"notification type" default:"discord" enum:"discord,eventbridge,file" env:"GCALNOTIFY_NOTIFICATION_TYPE"`
	DiscordWebhookURL string `help:"discord webhook url (discord type only)" env:"DISCORD_WEBHOOK_URL"`
	EventBus          string `help:"event bus name (eventbridge type only)" default:"default" env:"GCALNOTIFY_EVENTBRIDGE_EVENT_BUS"`
	EventFile         string `help:"event file path (file type only)" default:"gcalnotify.json" env:"GCALNOTIFY_EVENT_FILE"`
}

// Notification delivers rendered change notifications to downstream systems.
type Notification interface {
	// SendChanges delivers a batch of notifications of one calendar.
	SendChanges(ctx context.Context, calendarID string, details []*gcalnotifyevent.Detail) error
}

// ErrNotificationSkipped reports that a Notification is not configured to deliver anything.
var ErrNotificationSkipped = errors.New("notification skipped")

// NewNotification creates a Notification implementation based on the configuration type.
func NewNotification(ctx context.Context, cfg NotificationOption) (Notification, error) {
	switch cfg.Type {
	case "discord":
		return NewDiscordNotification(ctx, cfg)
	case "eventbridge":
		return NewEventBridgeNotification(ctx, cfg)
	case "file":
		return NewFileNotification(ctx, cfg)
	}
	return nil, errors.New("unknown notification type")
}

// DetailType returns the EventBridge detail-type of a notification kind.
func DetailType(kind string) string {
	switch kind {
	case gcalnotifyevent.KindCreated:
		return "Calendar Event Created"
	case gcalnotifyevent.KindUpdated:
		return "Calendar Event Updated"
	case gcalnotifyevent.KindDeleted:
		return "Calendar Event Deleted"
	}
	return "Calendar Event Changed"
}

// DiscordNotification posts each notification as one Discord embed.
type DiscordNotification struct {
	webhookURL string
	client     *http.Client
	policy     retry.Policy
}

func NewDiscordNotification(_ context.Context, cfg NotificationOption) (*DiscordNotification, error) {
	return &DiscordNotification{
		webhookURL: cfg.DiscordWebhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{
			MinDelay: 500 * time.Millisecond,
			MaxDelay: 5 * time.Second,
			MaxCount: 3,
			Jitter:   100 * time.Millisecond,
		},
	}, nil
}

type discordPayload struct {
	Embeds []*discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	URL         string          `json:"url,omitempty"`
	Color       int             `json:"color"`
	Fields      []*discordField `json:"fields,omitempty"`
	Timestamp   string          `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Discord embed limits.
const (
	discordMaxTitle      = 256
	discordMaxFieldValue = 1024
	discordMaxFields     = 25
)

func newDiscordEmbed(msg *gcalnotifyevent.Message) *discordEmbed {
	fields := lo.Map(msg.Fields, func(f *gcalnotifyevent.Field, _ int) *discordField {
		return &discordField{
			Name:   f.Name,
			Value:  truncate(f.Value, discordMaxFieldValue-3),
			Inline: f.Inline,
		}
	})
	if len(fields) > discordMaxFields {
		fields = fields[:discordMaxFields]
	}
	color := DefaultEventColor
	if msg.Color != "" {
		color = EventColor{Name: msg.ColorName, Hex: msg.Color}
	}
	return &discordEmbed{
		Title:       truncate(msg.Title, discordMaxTitle-3),
		Description: msg.Body,
		URL:         msg.Link,
		Color:       color.Int(),
		Fields:      fields,
		Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339),
	}
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (n *DiscordNotification) SendChanges(ctx context.Context, calendarID string, details []*gcalnotifyevent.Detail) error {
	if n.webhookURL == "" {
		return fmt.Errorf("discord webhook url is not configured: %w", ErrNotificationSkipped)
	}
	var errs []error
	for _, d := range details {
		if d.Message == nil {
			continue
		}
		bs, err := json.Marshal(&discordPayload{Embeds: []*discordEmbed{newDiscordEmbed(d.Message)}})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := n.post(ctx, bs); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.InfoContext(ctx, "posted discord message", "calendar_id", calendarID, "title", d.Message.Title)
	}
	return errors.Join(errs...)
}

func (n *DiscordNotification) post(ctx context.Context, body []byte) error {
	retrier := n.policy.Start(ctx)
	var err error
	for retrier.Continue() {
		err = n.postOnce(ctx, body)
		if err == nil {
			return nil
		}
		var re *retryableError
		if !errors.As(err, &re) {
			return err
		}
		slog.DebugContext(ctx, "discord webhook failed, retry", "error", err)
	}
	if err == nil {
		err = ctx.Err()
	}
	return fmt.Errorf("discord webhook: %w", err)
}

func (n *DiscordNotification) postOnce(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return &retryableError{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("HTTP %s: %s", resp.Status, bytes.TrimSpace(msg))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &retryableError{err: err}
	}
	return err
}

// EventBridgeClient is the interface for Amazon EventBridge operations.
// This is satisfied by *eventbridge.Client.
type EventBridgeClient interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeNotification sends each notification as one EventBridge event
// whose detail-type names the kind (e.g., "Calendar Event Updated").
type EventBridgeNotification struct {
	client   EventBridgeClient
	eventBus string
}

func NewEventBridgeNotification(_ context.Context, cfg NotificationOption) (*EventBridgeNotification, error) {
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	n := &EventBridgeNotification{
		client:   eventbridge.NewFromConfig(awsCfg),
		eventBus: cfg.EventBus,
	}
	return n, nil
}

func (n *EventBridgeNotification) SendChanges(ctx context.Context, calendarID string, details []*gcalnotifyevent.Detail) error {
	source := "oss.gcalnotify/" + calendarID
	convertor := func(d *gcalnotifyevent.Detail, _ int) types.PutEventsRequestEntry {
		t := time.Time{}
		if d.Message != nil {
			t = d.Message.Timestamp
		}
		if t.IsZero() {
			t = flextime.Now()
		}
		bs, err := json.Marshal(d)
		if err != nil {
			slog.WarnContext(ctx, "detail marshal failed", "error", err)
			bs = []byte("{}")
		}
		detail := string(bs)
		detailType := DetailType(d.Kind)
		slog.DebugContext(ctx, "event", "source", source, "detail-type", detailType, "detail", detail)
		return types.PutEventsRequestEntry{
			EventBusName: aws.String(n.eventBus),
			Resources:    []string{},
			Source:       aws.String(source),
			DetailType:   aws.String(detailType),
			Time:         aws.Time(t),
			Detail:       aws.String(detail),
		}
	}
	var lastErr error
	for entries := range slices.Chunk(lo.Map(details, convertor), 10) {
		output, err := n.client.PutEvents(ctx, &eventbridge.PutEventsInput{
			Entries: entries,
		})
		if err != nil {
			slog.ErrorContext(ctx, "PutEvents failed", "error", err)
			lastErr = err
			continue
		}
		for i, entry := range output.Entries {
			if entry.ErrorCode != nil {
				slog.ErrorContext(ctx, "put event error", "event_bus", n.eventBus, "error_code", aws.ToString(entry.ErrorCode), "error_message", aws.ToString(entry.ErrorMessage), "detail", aws.ToString(entries[i].Detail))
				lastErr = fmt.Errorf("put events failed error_code=%s, error_message=%s", aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
				continue
			}
			if entry.EventId != nil {
				slog.InfoContext(ctx, "put event", "event_bus", n.eventBus, "event_id", *entry.EventId)
			}
		}
	}
	return lastErr
}

// FileNotification writes notifications to a local file as newline-delimited JSON.
type FileNotification struct {
	eventFile string
}

func NewFileNotification(_ context.Context, cfg NotificationOption) (*FileNotification, error) {
	n := &FileNotification{
		eventFile: cfg.EventFile,
	}
	return n, nil
}

func (n *FileNotification) SendChanges(ctx context.Context, calendarID string, details []*gcalnotifyevent.Detail) error {
	fp, err := os.OpenFile(n.eventFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		slog.DebugContext(ctx, "can not create notification event file", "event_file", n.eventFile, "error", err)
		return err
	}
	defer fp.Close()
	encoder := json.NewEncoder(fp)
	slog.InfoContext(ctx, "output notification events", "event_file", n.eventFile, "calendar_id", calendarID)
	var lastErr error
	for _, d := range details {
		var eventID string
		if d.Event != nil {
			eventID = d.Event.ID
		}
		slog.DebugContext(ctx, "output notification event", "kind", coalesce(d.Kind, "-"), "event_id", coalesce(eventID, "-"))
		if err := encoder.Encode(d); err != nil {
			lastErr = err
			slog.WarnContext(ctx, "FileNotification.SendChanges", "error", err)
		}
	}
	return lastErr
}
