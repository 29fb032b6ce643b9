package gcalnotify

import (
	"context"
	"testing"
	"time"

	"github.com/Songmu/flextime"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestRenderDetail(t *testing.T) {
	restore := flextime.Fix(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	defer restore()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden.json"),
	)
	planning := &gcalnotifyevent.Event{
		ID:          "evt1",
		Status:      "confirmed",
		Summary:     "Sprint Planning",
		Description: "Agenda: review backlog",
		Location:    "Room 1",
		ColorID:     "5",
		HTMLLink:    "https://calendar.google.com/calendar/event?eid=evt1",
		Start:       &gcalnotifyevent.EventTime{DateTime: "2026-10-20T10:00:00+09:00", TimeZone: "Asia/Tokyo"},
		End:         &gcalnotifyevent.EventTime{DateTime: "2026-10-20T11:00:00+09:00", TimeZone: "Asia/Tokyo"},
		Updated:     "2026-10-19T01:02:03.000Z",
	}
	holiday := &gcalnotifyevent.Event{
		ID:       "evt2",
		Status:   "confirmed",
		Summary:  "Offsite",
		HTMLLink: "https://calendar.google.com/calendar/event?eid=evt2",
		Start:    &gcalnotifyevent.EventTime{Date: "2026-10-23"},
		End:      &gcalnotifyevent.EventTime{Date: "2026-10-24"},
		Updated:  "2026-10-19T02:00:00.000Z",
	}
	cases := []struct {
		name           string
		classification *Classification
		calendarName   string
	}{
		{
			name: "created",
			classification: &Classification{
				Kind:       gcalnotifyevent.KindCreated,
				CalendarID: "team@example.com",
				Event:      planning,
			},
			calendarName: "Team",
		},
		{
			name: "updated_all_day",
			classification: &Classification{
				Kind:       gcalnotifyevent.KindUpdated,
				CalendarID: "team@example.com",
				Event:      holiday,
				Changes: []FieldChange{
					{Field: FieldSummary, Old: "Team Offsite", New: "Offsite"},
					{Field: FieldTime, Old: "[2026-10-22 to 2026-10-23]", New: "[2026-10-23 to 2026-10-24]"},
				},
			},
			calendarName: "Team",
		},
		{
			name: "deleted_untitled",
			classification: &Classification{
				Kind:       gcalnotifyevent.KindDeleted,
				CalendarID: "ops@example.com",
				Event: &gcalnotifyevent.Event{
					ID:       "evt3",
					HTMLLink: "https://calendar.google.com/calendar/event?eid=evt3",
				},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			detail := RenderDetail(c.classification, c.calendarName)
			g.AssertJson(t, c.name, detail)
		})
	}
}

func TestRenderDetailTruncatesBody(t *testing.T) {
	description := ""
	for range 400 {
		description += "あ"
	}
	detail := RenderDetail(&Classification{
		Kind:       gcalnotifyevent.KindCreated,
		CalendarID: "team",
		Event:      &gcalnotifyevent.Event{ID: "evt1", Description: description},
	}, "")
	require.Equal(t, maxBodyLength+3, len([]rune(detail.Message.Body)))
	require.Equal(t, "New Event Added: (No Title)", detail.Message.Title)
	require.Equal(t, "team", detail.Message.Fields[len(detail.Message.Fields)-1].Value)
}

type blockingNotification struct {
	recordingNotification
	entered chan struct{}
	release chan struct{}
}

func (n *blockingNotification) SendChanges(ctx context.Context, calendarID string, details []*gcalnotifyevent.Detail) error {
	n.entered <- struct{}{}
	<-n.release
	return n.recordingNotification.SendChanges(ctx, calendarID, details)
}

func TestAsyncDispatcherDropsWhenQueueIsFull(t *testing.T) {
	ctx := context.Background()
	notification := &blockingNotification{
		entered: make(chan struct{}, 10),
		release: make(chan struct{}),
	}
	metrics := NewMetrics()
	d := NewAsyncDispatcher(notification, nil, metrics, 1)

	dispatch := func(id string) {
		d.Dispatch(ctx, &Classification{
			Kind:       gcalnotifyevent.KindCreated,
			CalendarID: "team",
			Event:      &gcalnotifyevent.Event{ID: id, Summary: id},
		})
	}
	dispatch("first")
	<-notification.entered
	dispatch("second")
	dispatch("third")
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.notificationTotal.WithLabelValues("team", "dropped")))

	close(notification.release)
	require.NoError(t, d.Close())
	require.Equal(t, []string{"New Event Added: first", "New Event Added: second"}, notification.Titles())
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.notificationTotal.WithLabelValues("team", "sent")))

	dispatch("after close")
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.notificationTotal.WithLabelValues("team", "dropped")))
	require.NoError(t, d.Close(), "close twice")
}

func TestAsyncDispatcherFilter(t *testing.T) {
	ctx := context.Background()
	env, err := NewCELEnv()
	require.NoError(t, err)
	filter := &ExprOrBool{raw: `kind != "deleted" && !event.summary.startsWith("[private]")`}
	calendars := &CalendarsConfig{
		Calendars: []*CalendarConfig{
			{ID: "team", Name: "Team", Filter: filter},
		},
	}
	require.NoError(t, calendars.Bind(env))
	notification := &recordingNotification{}
	metrics := NewMetrics()
	d := NewAsyncDispatcher(notification, calendars, metrics, 10)

	d.Dispatch(ctx, &Classification{Kind: gcalnotifyevent.KindCreated, CalendarID: "team", Event: &gcalnotifyevent.Event{ID: "a", Summary: "Kickoff"}})
	d.Dispatch(ctx, &Classification{Kind: gcalnotifyevent.KindCreated, CalendarID: "team", Event: &gcalnotifyevent.Event{ID: "b", Summary: "[private] Dentist"}})
	d.Dispatch(ctx, &Classification{Kind: gcalnotifyevent.KindDeleted, CalendarID: "team", Event: &gcalnotifyevent.Event{ID: "c", Summary: "Lunch"}})
	d.Dispatch(ctx, &Classification{Kind: gcalnotifyevent.KindDeleted, CalendarID: "other", Event: &gcalnotifyevent.Event{ID: "d", Summary: "Lunch"}})
	require.NoError(t, d.Close())

	require.Equal(t, []string{"New Event Added: Kickoff", "Event Deleted: Lunch"}, notification.Titles())
	require.Equal(t, "Team", notification.details[0].CalendarName)
	require.Equal(t, "other", notification.details[1].CalendarName)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.notificationTotal.WithLabelValues("team", "filtered")))
}

func TestAsyncDispatcherDeliveryFailure(t *testing.T) {
	notification := &recordingNotification{err: errInjected}
	metrics := NewMetrics()
	d := NewAsyncDispatcher(notification, nil, metrics, 10)
	d.Dispatch(context.Background(), &Classification{Kind: gcalnotifyevent.KindUpdated, CalendarID: "team", Event: &gcalnotifyevent.Event{ID: "a"}})
	require.NoError(t, d.Close())
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.notificationTotal.WithLabelValues("team", "failed")))
}
