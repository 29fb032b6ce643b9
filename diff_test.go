package gcalnotify_test

import (
	"testing"

	"github.com/mashiike/gcalnotify"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	base := func() *gcalnotifyevent.Event {
		return &gcalnotifyevent.Event{
			ID:          "evt1",
			Summary:     "Standup",
			Description: "Daily sync",
			Location:    "Room 1",
			ColorID:     "2",
			Start:       &gcalnotifyevent.EventTime{DateTime: "2026-10-20T09:00:00Z"},
			End:         &gcalnotifyevent.EventTime{DateTime: "2026-10-20T09:15:00Z"},
			Updated:     "2026-10-19T00:00:00Z",
		}
	}
	cases := []struct {
		name     string
		modify   func(e *gcalnotifyevent.Event)
		expected []string
	}{
		{
			name:     "identical",
			modify:   func(e *gcalnotifyevent.Event) {},
			expected: []string{},
		},
		{
			name: "untracked fields only",
			modify: func(e *gcalnotifyevent.Event) {
				e.Updated = "2026-10-19T01:00:00Z"
				e.HTMLLink = "https://calendar.google.com/calendar/event?eid=evt1"
				e.Status = "tentative"
			},
			expected: []string{},
		},
		{
			name: "summary",
			modify: func(e *gcalnotifyevent.Event) {
				e.Summary = "Daily Standup"
			},
			expected: []string{`Summary changed from "Standup" to "Daily Standup"`},
		},
		{
			name: "summary cleared",
			modify: func(e *gcalnotifyevent.Event) {
				e.Summary = ""
			},
			expected: []string{`Summary changed from "Standup" to "(empty)"`},
		},
		{
			name: "description whitespace",
			modify: func(e *gcalnotifyevent.Event) {
				e.Description = "  Daily sync\n"
			},
			expected: []string{},
		},
		{
			name: "description content",
			modify: func(e *gcalnotifyevent.Event) {
				e.Description = "secret agenda"
			},
			expected: []string{"Description updated"},
		},
		{
			name: "location",
			modify: func(e *gcalnotifyevent.Event) {
				e.Location = ""
			},
			expected: []string{`Location changed from "Room 1" to "(empty)"`},
		},
		{
			name: "same instant in another offset",
			modify: func(e *gcalnotifyevent.Event) {
				e.Start = &gcalnotifyevent.EventTime{DateTime: "2026-10-20T18:00:00+09:00", TimeZone: "Asia/Tokyo"}
				e.End = &gcalnotifyevent.EventTime{DateTime: "2026-10-20T18:15:00+09:00", TimeZone: "Asia/Tokyo"}
			},
			expected: []string{},
		},
		{
			name: "moved",
			modify: func(e *gcalnotifyevent.Event) {
				e.End = &gcalnotifyevent.EventTime{DateTime: "2026-10-20T09:30:00Z"}
			},
			expected: []string{"Time moved: [2026-10-20T09:00:00Z to 2026-10-20T09:15:00Z] -> [2026-10-20T09:00:00Z to 2026-10-20T09:30:00Z]"},
		},
		{
			name: "timed to all-day",
			modify: func(e *gcalnotifyevent.Event) {
				e.Start = &gcalnotifyevent.EventTime{Date: "2026-10-20"}
				e.End = &gcalnotifyevent.EventTime{Date: "2026-10-21"}
			},
			expected: []string{"Time moved: [2026-10-20T09:00:00Z to 2026-10-20T09:15:00Z] -> [2026-10-20 to 2026-10-21]"},
		},
		{
			name: "times removed",
			modify: func(e *gcalnotifyevent.Event) {
				e.Start = nil
				e.End = nil
			},
			expected: []string{"Time moved: [2026-10-20T09:00:00Z to 2026-10-20T09:15:00Z] -> Unknown"},
		},
		{
			name: "color",
			modify: func(e *gcalnotifyevent.Event) {
				e.ColorID = ""
			},
			expected: []string{"Color changed from Sage to Default"},
		},
		{
			name: "everything in fixed order",
			modify: func(e *gcalnotifyevent.Event) {
				e.ColorID = "11"
				e.Start = &gcalnotifyevent.EventTime{DateTime: "2026-10-21T09:00:00Z"}
				e.Location = "Room 2"
				e.Description = "Weekly sync"
				e.Summary = "Weekly"
			},
			expected: []string{
				`Summary changed from "Standup" to "Weekly"`,
				"Description updated",
				`Location changed from "Room 1" to "Room 2"`,
				"Time moved: [2026-10-20T09:00:00Z to 2026-10-20T09:15:00Z] -> [2026-10-21T09:00:00Z to 2026-10-20T09:15:00Z]",
				"Color changed from Sage to Tomato",
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			oldEvent := base()
			newEvent := base()
			c.modify(newEvent)
			changes := gcalnotify.Diff(oldEvent, newEvent)
			actual := make([]string, 0, len(changes))
			for _, change := range changes {
				actual = append(actual, change.String())
			}
			require.Equal(t, c.expected, actual)
			require.Equal(t, changes, gcalnotify.Diff(oldEvent, newEvent), "deterministic")
		})
	}
}

func TestDiffFromNothing(t *testing.T) {
	changes := gcalnotify.Diff(nil, &gcalnotifyevent.Event{ID: "evt1", Summary: "Kickoff", ColorID: "99"})
	require.Equal(t, []gcalnotify.FieldChange{
		{Field: gcalnotify.FieldSummary, Old: "(empty)", New: "Kickoff"},
		{Field: gcalnotify.FieldColor, Old: "Default", New: "99"},
	}, changes)
}

func TestLookupEventColor(t *testing.T) {
	require.Equal(t, "Tomato", gcalnotify.LookupEventColor("11").Name)
	require.Equal(t, gcalnotify.DefaultEventColor, gcalnotify.LookupEventColor(""))
	require.Equal(t, gcalnotify.DefaultEventColor, gcalnotify.LookupEventColor("42"))
	require.Equal(t, 0xd50000, gcalnotify.LookupEventColor("11").Int())
}
