package gcalnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// calendarStub emulates the parts of the Calendar API v3 the source uses.
// Sync tokens are "sync-<generation>-<position in the change log>".
type calendarStub struct {
	mu       sync.RWMutex
	t        *testing.T
	router   *mux.Router
	log      map[string][]*calendar.Event
	gen      map[string]int
	channels map[string]calendar.Channel
	stopped  []string
}

func NewCalendarStub(t *testing.T) (*httptest.Server, *calendarStub) {
	t.Helper()
	stub := &calendarStub{
		t:        t,
		router:   mux.NewRouter(),
		log:      make(map[string][]*calendar.Event),
		gen:      make(map[string]int),
		channels: make(map[string]calendar.Channel),
	}
	stub.setupRoute()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return srv, stub
}

func newStubSource(t *testing.T, srv *httptest.Server) *GoogleCalendarSource {
	t.Helper()
	svc, err := calendar.NewService(context.Background(), option.WithoutAuthentication(), option.WithEndpoint(srv.URL))
	require.NoError(t, err)
	src := NewGoogleCalendarSource(svc)
	src.pageInterval = 0
	return src
}

func (h *calendarStub) setupRoute() {
	h.router.HandleFunc("/calendars/{calendarId}/events", h.handleList).Methods(http.MethodGet)
	h.router.HandleFunc("/calendars/{calendarId}/events/watch", h.handleWatch).Methods(http.MethodPost)
	h.router.HandleFunc("/channels/stop", h.handleStop).Methods(http.MethodPost)
}

func (h *calendarStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Put appends new versions of events to the calendar change log.
func (h *calendarStub) Put(calendarID string, events ...*calendar.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range events {
		cloned := *e
		if cloned.Status == "" {
			cloned.Status = "confirmed"
		}
		h.log[calendarID] = append(h.log[calendarID], &cloned)
	}
}

func (h *calendarStub) Cancel(calendarID string, eventIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range eventIDs {
		h.log[calendarID] = append(h.log[calendarID], &calendar.Event{Id: id, Status: StatusCancelled})
	}
}

// ExpireSyncTokens makes every sync token issued so far answer 410 Gone.
func (h *calendarStub) ExpireSyncTokens(calendarID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen[calendarID]++
}

func (h *calendarStub) Stopped() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.stopped)
}

func (h *calendarStub) ChannelByCalendar(calendarID string) (calendar.Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, channel := range h.channels {
		if strings.HasSuffix(channel.ResourceUri, "/calendars/"+calendarID+"/events") {
			return channel, true
		}
	}
	return calendar.Channel{}, false
}

func writeAPIError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func (h *calendarStub) items(calendarID, syncToken string) ([]*calendar.Event, string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	log := h.log[calendarID]
	gen := h.gen[calendarID]
	next := fmt.Sprintf("sync-%d-%d", gen, len(log))
	latest := make(map[string]*calendar.Event)
	order := make([]string, 0)
	from := 0
	if syncToken != "" {
		parts := strings.Split(syncToken, "-")
		if len(parts) != 3 || parts[1] != strconv.Itoa(gen) {
			return nil, "", false
		}
		pos, err := strconv.Atoi(parts[2])
		if err != nil || pos > len(log) {
			return nil, "", false
		}
		from = pos
	}
	for _, e := range log[from:] {
		if _, ok := latest[e.Id]; !ok {
			order = append(order, e.Id)
		}
		latest[e.Id] = e
	}
	if syncToken == "" {
		slices.Sort(order)
	}
	items := make([]*calendar.Event, 0, len(order))
	for _, id := range order {
		e := latest[id]
		if syncToken == "" && e.Status == StatusCancelled {
			continue
		}
		items = append(items, e)
	}
	return items, next, true
}

func (h *calendarStub) handleList(w http.ResponseWriter, r *http.Request) {
	calendarID := mux.Vars(r)["calendarId"]
	q := r.URL.Query()
	require.Equal(h.t, "true", q.Get("singleEvents"))
	items, next, ok := h.items(calendarID, q.Get("syncToken"))
	if !ok {
		writeAPIError(w, http.StatusGone, "Sync token is no longer valid, a full sync is required.")
		return
	}
	offset := 0
	if pageToken := q.Get("pageToken"); pageToken != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(pageToken, "page-"))
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid page token")
			return
		}
		offset = n
	}
	limit := len(items)
	if maxResults := q.Get("maxResults"); maxResults != "" {
		n, err := strconv.Atoi(maxResults)
		require.NoError(h.t, err)
		limit = n
	}
	resp := calendar.Events{Kind: "calendar#events"}
	end := min(offset+limit, len(items))
	if offset < len(items) {
		resp.Items = items[offset:end]
	}
	if end < len(items) {
		resp.NextPageToken = fmt.Sprintf("page-%d", end)
	} else {
		resp.NextSyncToken = next
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (h *calendarStub) handleWatch(w http.ResponseWriter, r *http.Request) {
	calendarID := mux.Vars(r)["calendarId"]
	var payload calendar.Channel
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Type != "web_hook" || payload.Address == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	payload.ResourceId = uuid.NewString()
	payload.ResourceUri = "https://www.googleapis.com/calendar/v3/calendars/" + calendarID + "/events"
	payload.Kind = "api#channel"
	h.mu.Lock()
	h.channels[payload.Id] = payload
	h.mu.Unlock()
	h.sendNotification(payload.Id, "sync")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(payload)
}

func (h *calendarStub) handleStop(w http.ResponseWriter, r *http.Request) {
	var payload calendar.Channel
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	channel, ok := h.channels[payload.Id]
	if !ok || channel.ResourceId != payload.ResourceId {
		writeAPIError(w, http.StatusNotFound, fmt.Sprintf("Channel '%s' not found for project", payload.Id))
		return
	}
	delete(h.channels, payload.Id)
	h.stopped = append(h.stopped, payload.Id)
	w.WriteHeader(http.StatusNoContent)
}

// sendNotification posts a push delivery for the channel and returns the response status.
func (h *calendarStub) sendNotification(channelID string, state string) int {
	h.mu.RLock()
	channel, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		h.t.Error("sendNotification but channel not found")
		return 0
	}
	req, err := http.NewRequest(http.MethodPost, channel.Address, nil)
	if err != nil {
		h.t.Error("failed to create request", err)
		return 0
	}
	req.Header.Set("X-Goog-Channel-Id", channel.Id)
	req.Header.Set("X-Goog-Channel-Token", channel.Token)
	req.Header.Set("X-Goog-Resource-Id", channel.ResourceId)
	req.Header.Set("X-Goog-Resource-Uri", channel.ResourceUri)
	req.Header.Set("X-Goog-Resource-State", state)
	req.Header.Set("X-Goog-Message-Number", "1")
	req.Header.Set("User-Agent", "APIs-Google; (+https://developers.google.com/webmasters/APIs-Google.html)")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Error("failed to send notification", err)
		return 0
	}
	resp.Body.Close()
	return resp.StatusCode
}
