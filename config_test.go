package gcalnotify_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/mashiike/gcalnotify"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"github.com/stretchr/testify/require"
)

func TestLoadCalendarsConfig(t *testing.T) {
	ctx := context.Background()
	cfg, err := gcalnotify.LoadCalendarsConfig(ctx, "testdata/calendars.yaml")
	require.NoError(t, err)
	env, err := gcalnotify.NewCELEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Bind(env))

	require.Equal(t, []string{"team@example.com", "holidays@example.com", "ops@example.com"}, cfg.IDs())
	team := cfg.Lookup("team@example.com")
	require.NotNil(t, team)
	require.Equal(t, "Team", team.DisplayName())
	require.True(t, team.Filter.IsExpr())
	require.Equal(t, "holidays@example.com", cfg.Lookup("holidays@example.com").DisplayName())
	require.Nil(t, cfg.Lookup("unknown@example.com"))

	deleted := &gcalnotifyevent.Detail{Kind: gcalnotifyevent.KindDeleted, Event: &gcalnotifyevent.Event{ID: "evt1"}}
	ok, err := team.Match(deleted)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = cfg.Lookup("holidays@example.com").Match(deleted)
	require.NoError(t, err)
	require.True(t, ok, "no filter lets everything through")
	ok, err = cfg.Lookup("ops@example.com").Match(deleted)
	require.NoError(t, err)
	require.False(t, ok)

	cfg.AddIDs("team@example.com", " extra@example.com ", "")
	require.Equal(t, []string{"team@example.com", "holidays@example.com", "ops@example.com", "extra@example.com"}, cfg.IDs())
}

func TestLoadCalendarsConfigError(t *testing.T) {
	ctx := context.Background()
	env, err := gcalnotify.NewCELEnv()
	require.NoError(t, err)

	_, err = gcalnotify.LoadCalendarsConfig(ctx, "testdata/calendars_unknown_field.yaml")
	require.Error(t, err)

	_, err = gcalnotify.LoadCalendarsConfig(ctx, "testdata/not_found.yaml")
	require.Error(t, err)

	_, err = gcalnotify.LoadCalendarsConfig(ctx, "ftp://example.com/calendars.yaml")
	require.Error(t, err)

	cfg, err := gcalnotify.LoadCalendarsConfig(ctx, "testdata/calendars_duplicated.yaml")
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Bind(env), "duplicate id team@example.com")

	cfg, err = gcalnotify.LoadCalendarsConfig(ctx, "testdata/calendars_invalid_filter.yaml")
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Bind(env), "calendars[0].filter")

	empty := &gcalnotify.CalendarsConfig{Calendars: []*gcalnotify.CalendarConfig{{Name: "no id"}}}
	require.ErrorContains(t, empty.Bind(env), "id is required")
}

func TestLoadCalendarsConfigFromHTTP(t *testing.T) {
	bs, err := os.ReadFile("testdata/calendars.yaml")
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars.yaml" {
			http.NotFound(w, r)
			return
		}
		w.Write(bs)
	}))
	defer srv.Close()

	cfg, err := gcalnotify.LoadCalendarsConfig(context.Background(), srv.URL+"/calendars.yaml")
	require.NoError(t, err)
	require.Len(t, cfg.Calendars, 3)

	_, err = gcalnotify.LoadCalendarsConfig(context.Background(), srv.URL+"/missing.yaml")
	require.Error(t, err)
}

func TestAppOptionLoadCalendars(t *testing.T) {
	opt := gcalnotify.AppOption{
		Calendars:       []string{"extra@example.com", "team@example.com"},
		CalendarsConfig: "testdata/calendars.yaml",
	}
	cfg, err := opt.LoadCalendars(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"team@example.com", "holidays@example.com", "ops@example.com", "extra@example.com"}, cfg.IDs())

	cfg, err = gcalnotify.AppOption{Calendars: []string{"primary"}}.LoadCalendars(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"primary"}, cfg.IDs())
}
