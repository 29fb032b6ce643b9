package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Songmu/flextime"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"github.com/samber/lo"
)

const (
	noTitle             = "(No Title)"
	maxBodyLength       = 300
	defaultQueueSize    = 100
	notificationTimeout = 30 * time.Second
)

// Classification is the outcome of applying one changed event.
// Event is the new state, or the last snapshot for deletions.
type Classification struct {
	Kind       string
	CalendarID string
	Event      *gcalnotifyevent.Event
	Changes    []FieldChange
}

// Dispatcher accepts classifications for notification. Dispatch never blocks on delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Classification)
}

// AsyncDispatcher renders classifications and delivers them from a bounded
// queue on a single worker goroutine.
type AsyncDispatcher struct {
	notification Notification
	calendars    *CalendarsConfig
	metrics      *Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan *queuedDetail
	done   chan struct{}
}

type queuedDetail struct {
	ctx    context.Context
	detail *gcalnotifyevent.Detail
}

func NewAsyncDispatcher(notification Notification, calendars *CalendarsConfig, metrics *Metrics, queueSize int) *AsyncDispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if calendars == nil {
		calendars = &CalendarsConfig{}
	}
	d := &AsyncDispatcher{
		notification: notification,
		calendars:    calendars,
		metrics:      metrics,
		queue:        make(chan *queuedDetail, queueSize),
		done:         make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, c *Classification) {
	calendar := d.calendars.Lookup(c.CalendarID)
	name := c.CalendarID
	if calendar != nil {
		name = calendar.DisplayName()
	}
	detail := RenderDetail(c, name)
	ok, err := calendar.Match(detail)
	if err != nil {
		slog.WarnContext(ctx, "notification filter evaluation failed, send anyway", "calendar_id", c.CalendarID, "event_id", c.Event.ID, "error", err)
		ok = true
	}
	if !ok {
		slog.DebugContext(ctx, "notification filtered", "calendar_id", c.CalendarID, "event_id", c.Event.ID, "kind", c.Kind)
		d.metrics.IncNotification(c.CalendarID, "filtered")
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		slog.WarnContext(ctx, "dispatcher closed, notification dropped", "calendar_id", c.CalendarID, "event_id", c.Event.ID)
		d.metrics.IncNotification(c.CalendarID, "dropped")
		return
	}
	select {
	case d.queue <- &queuedDetail{ctx: context.WithoutCancel(ctx), detail: detail}:
	default:
		slog.WarnContext(ctx, "notification queue is full, notification dropped", "calendar_id", c.CalendarID, "event_id", c.Event.ID, "kind", c.Kind)
		d.metrics.IncNotification(c.CalendarID, "dropped")
	}
}

func (d *AsyncDispatcher) run() {
	defer close(d.done)
	for q := range d.queue {
		_ = d.deliver(q.ctx, q.detail)
	}
}

// deliver sends one detail. Failures are logged and counted; the error is
// returned only for the caller's information.
func (d *AsyncDispatcher) deliver(ctx context.Context, detail *gcalnotifyevent.Detail) error {
	ctx, cancel := context.WithTimeout(ctx, notificationTimeout)
	defer cancel()
	err := d.notification.SendChanges(ctx, detail.CalendarID, []*gcalnotifyevent.Detail{detail})
	if errors.Is(err, ErrNotificationSkipped) {
		slog.DebugContext(ctx, "notification skipped", "calendar_id", detail.CalendarID, "event_id", detail.Event.ID, "kind", detail.Kind, "reason", err)
		d.metrics.IncNotification(detail.CalendarID, "skipped")
		return nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to send notification",
			"calendar_id", detail.CalendarID,
			"event_id", detail.Event.ID,
			"kind", detail.Kind,
			"error", err,
		)
		d.metrics.IncNotification(detail.CalendarID, "failed")
		return err
	}
	slog.DebugContext(ctx, "notification sent", "calendar_id", detail.CalendarID, "event_id", detail.Event.ID, "kind", detail.Kind)
	d.metrics.IncNotification(detail.CalendarID, "sent")
	return nil
}

// Close stops accepting notifications and waits until the queue is drained.
func (d *AsyncDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
	return nil
}

// RenderDetail builds the notification payload of a classification.
func RenderDetail(c *Classification, calendarName string) *gcalnotifyevent.Detail {
	event := c.Event
	if event == nil {
		event = &gcalnotifyevent.Event{}
	}
	title := coalesce(event.Summary, noTitle)
	color := LookupEventColor(event.ColorID)
	msg := &gcalnotifyevent.Message{
		Color:     color.Hex,
		ColorName: color.Name,
		Link:      event.HTMLLink,
		Timestamp: eventTimestamp(c.Kind, event),
	}
	switch c.Kind {
	case gcalnotifyevent.KindCreated:
		msg.Title = "New Event Added: " + title
		msg.Body = truncate(strings.TrimSpace(event.Description), maxBodyLength)
	case gcalnotifyevent.KindUpdated:
		msg.Title = "Event Updated: " + title
	case gcalnotifyevent.KindDeleted:
		msg.Title = "Event Deleted: " + title
		msg.Link = ""
	default:
		msg.Title = fmt.Sprintf("Event %s: %s", c.Kind, title)
	}
	msg.Fields = append(msg.Fields, &gcalnotifyevent.Field{
		Name:   "Time",
		Value:  formatSpan(event.Start, event.End),
		Inline: true,
	})
	if event.Location != "" {
		msg.Fields = append(msg.Fields, &gcalnotifyevent.Field{
			Name:   "Location",
			Value:  event.Location,
			Inline: true,
		})
	}
	msg.Fields = append(msg.Fields, &gcalnotifyevent.Field{
		Name:   "Calendar",
		Value:  coalesce(calendarName, c.CalendarID),
		Inline: true,
	})
	changes := lo.Map(c.Changes, func(fc FieldChange, _ int) string {
		return fc.String()
	})
	for _, change := range changes {
		msg.Fields = append(msg.Fields, &gcalnotifyevent.Field{
			Name:  "Change",
			Value: change,
		})
	}
	return &gcalnotifyevent.Detail{
		Kind:         c.Kind,
		CalendarID:   c.CalendarID,
		CalendarName: calendarName,
		Event:        event,
		Changes:      changes,
		Message:      msg,
	}
}

func eventTimestamp(kind string, event *gcalnotifyevent.Event) time.Time {
	if kind != gcalnotifyevent.KindDeleted && event.Updated != "" {
		if t, err := time.Parse(time.RFC3339Nano, event.Updated); err == nil {
			return t
		}
	}
	return flextime.Now()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
