package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Songmu/flextime"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

// ErrCursorInvalid is returned by EventSource.ListChanges when the stored
// sync token can no longer be used and a full sync is required.
var ErrCursorInvalid = errors.New("sync token is no longer valid")

// StatusCancelled is the status of a removed event.
const StatusCancelled = "cancelled"

// ChangeSet is the result of an exhaustive changes listing.
type ChangeSet struct {
	Items      []*gcalnotifyevent.Event
	NextCursor string
}

// ChannelRegistration is what the remote service returns for a new push channel.
type ChannelRegistration struct {
	ResourceID string
	Expiration time.Time
}

// EventSource is the remote calendar service.
type EventSource interface {
	// ListChanges returns every event changed since cursor, following all pages.
	// An empty cursor requests a full sync.
	ListChanges(ctx context.Context, calendarID, cursor string) (*ChangeSet, error)
	RegisterChannel(ctx context.Context, calendarID, channelID, token, address string, ttl time.Duration) (*ChannelRegistration, error)
	CancelChannel(ctx context.Context, channelID, resourceID string) error
}

// GoogleCalendarSource implements EventSource with the Google Calendar API v3.
type GoogleCalendarSource struct {
	svc          *calendar.Service
	pageSize     int64
	pageInterval time.Duration
}

// NewGoogleCalendarSource wraps a calendar service.
func NewGoogleCalendarSource(svc *calendar.Service) *GoogleCalendarSource {
	return &GoogleCalendarSource{
		svc:          svc,
		pageSize:     2500,
		pageInterval: 200 * time.Millisecond,
	}
}

func (s *GoogleCalendarSource) ListChanges(ctx context.Context, calendarID, cursor string) (*ChangeSet, error) {
	set := &ChangeSet{
		Items: make([]*gcalnotifyevent.Event, 0, 100),
	}
	pageToken := ""
	for {
		call := s.svc.Events.List(calendarID).
			SingleEvents(true).
			MaxResults(s.pageSize)
		if cursor != "" {
			call = call.SyncToken(cursor)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		slog.DebugContext(ctx, "try Calendar API events:list", "calendar_id", calendarID, "page_token", coalesce(pageToken, "-"), "full_sync", cursor == "")
		events, err := call.Context(ctx).Do()
		if err != nil {
			var apiError *googleapi.Error
			if errors.As(err, &apiError) && apiError.Code == http.StatusGone {
				slog.DebugContext(ctx, "Calendar API events:list sync token expired", "calendar_id", calendarID)
				return nil, fmt.Errorf("calendar API events:list: %w", ErrCursorInvalid)
			}
			return nil, fmt.Errorf("calendar API events:list: %w", err)
		}
		slog.DebugContext(ctx, "success Calendar API events:list", "calendar_id", calendarID, "items", len(events.Items))
		for _, e := range events.Items {
			set.Items = append(set.Items, ConvertEvent(e))
		}
		if events.NextPageToken == "" {
			set.NextCursor = events.NextSyncToken
			return set, nil
		}
		pageToken = events.NextPageToken
		if s.pageInterval > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.pageInterval):
			}
		}
	}
}

func (s *GoogleCalendarSource) RegisterChannel(ctx context.Context, calendarID, channelID, token, address string, ttl time.Duration) (*ChannelRegistration, error) {
	now := flextime.Now()
	resp, err := s.svc.Events.Watch(calendarID, &calendar.Channel{
		Id:         channelID,
		Token:      token,
		Type:       "web_hook",
		Address:    address,
		Expiration: now.Add(ttl).UnixMilli(),
	}).Context(ctx).Do()
	if err != nil {
		slog.DebugContext(ctx, "Calendar API events:watch failed", "calendar_id", calendarID, "error", err)
		return nil, fmt.Errorf("calendar API events:watch: %w", err)
	}
	reg := &ChannelRegistration{
		ResourceID: resp.ResourceId,
	}
	if resp.Expiration > 0 {
		reg.Expiration = time.UnixMilli(resp.Expiration)
	} else {
		reg.Expiration = now.Add(ttl)
	}
	slog.InfoContext(ctx, "channel registered",
		"calendar_id", calendarID,
		"channel_id", resp.Id,
		"resource_id", resp.ResourceId,
		"resource_uri", resp.ResourceUri,
		"expiration", reg.Expiration.Format(time.RFC3339),
	)
	return reg, nil
}

// CancelChannel stops a channel. A channel that is already gone is not an error.
func (s *GoogleCalendarSource) CancelChannel(ctx context.Context, channelID, resourceID string) error {
	err := s.svc.Channels.Stop(&calendar.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}).Context(ctx).Do()
	if err == nil {
		return nil
	}
	var apiError *googleapi.Error
	if errors.As(err, &apiError) && apiError.Code == http.StatusNotFound {
		slog.WarnContext(ctx, "channel is already stopped", "channel_id", channelID, "resource_id", resourceID)
		return nil
	}
	return fmt.Errorf("calendar API channels:stop: %w", err)
}

// ConvertEvent converts an API event into the tracked representation.
func ConvertEvent(e *calendar.Event) *gcalnotifyevent.Event {
	if e == nil {
		return nil
	}
	return &gcalnotifyevent.Event{
		ID:          e.Id,
		Status:      e.Status,
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		ColorID:     e.ColorId,
		HTMLLink:    e.HtmlLink,
		Start:       convertEventTime(e.Start),
		End:         convertEventTime(e.End),
		Updated:     e.Updated,
	}
}

func convertEventTime(t *calendar.EventDateTime) *gcalnotifyevent.EventTime {
	if t == nil {
		return nil
	}
	return &gcalnotifyevent.EventTime{
		Date:     t.Date,
		DateTime: t.DateTime,
		TimeZone: t.TimeZone,
	}
}
