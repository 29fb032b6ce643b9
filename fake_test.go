package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Songmu/flextime"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory EventSource. A cursor is "<generation>:<position in the change log>".
type fakeSource struct {
	mu      sync.Mutex
	events  map[string]map[string]*gcalnotifyevent.Event
	log     map[string][]string
	gen     map[string]int
	listErr error
	// listErrs is consumed one entry per ListChanges call before listErr; a nil entry passes through.
	listErrs []error

	listCalls     int
	registerErr   error
	cancelErr     error
	registered    []string
	addresses     []string
	cancelled     []string
	channelSerial int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(map[string]map[string]*gcalnotifyevent.Event),
		log:    make(map[string][]string),
		gen:    make(map[string]int),
	}
}

// Put records new versions of events as remote changes.
func (s *fakeSource) Put(calendarID string, events ...*gcalnotifyevent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[calendarID]; !ok {
		s.events[calendarID] = make(map[string]*gcalnotifyevent.Event)
	}
	for _, e := range events {
		cloned := *e
		s.events[calendarID][e.ID] = &cloned
		s.log[calendarID] = append(s.log[calendarID], e.ID)
	}
}

// Cancel marks events as removed.
func (s *fakeSource) Cancel(calendarID string, eventIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range eventIDs {
		s.events[calendarID][id] = &gcalnotifyevent.Event{ID: id, Status: StatusCancelled}
		s.log[calendarID] = append(s.log[calendarID], id)
	}
}

// ExpireCursors makes every cursor issued so far invalid.
func (s *fakeSource) ExpireCursors(calendarID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen[calendarID]++
}

func (s *fakeSource) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *fakeSource) ListChanges(_ context.Context, calendarID, cursor string) (*ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if len(s.listErrs) > 0 {
		err := s.listErrs[0]
		s.listErrs = s.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	log := s.log[calendarID]
	gen := s.gen[calendarID]
	set := &ChangeSet{NextCursor: fmt.Sprintf("%d:%d", gen, len(log))}
	if cursor == "" {
		ids := make([]string, 0, len(s.events[calendarID]))
		for id, e := range s.events[calendarID] {
			if e.Status != StatusCancelled {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		for _, id := range ids {
			cloned := *s.events[calendarID][id]
			set.Items = append(set.Items, &cloned)
		}
		return set, nil
	}
	genPart, posPart, _ := strings.Cut(cursor, ":")
	pos, err := strconv.Atoi(posPart)
	if err != nil || genPart != strconv.Itoa(gen) || pos > len(log) {
		return nil, fmt.Errorf("events:list: %w", ErrCursorInvalid)
	}
	seen := make(map[string]bool)
	for _, id := range log[pos:] {
		if seen[id] {
			continue
		}
		seen[id] = true
		cloned := *s.events[calendarID][id]
		set.Items = append(set.Items, &cloned)
	}
	return set, nil
}

func (s *fakeSource) RegisterChannel(_ context.Context, calendarID, channelID, token, address string, ttl time.Duration) (*ChannelRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return nil, s.registerErr
	}
	s.channelSerial++
	s.registered = append(s.registered, channelID)
	s.addresses = append(s.addresses, address)
	return &ChannelRegistration{
		ResourceID: fmt.Sprintf("resource-%s-%d", calendarID, s.channelSerial),
		Expiration: flextime.Now().Add(ttl),
	}, nil
}

func (s *fakeSource) CancelChannel(_ context.Context, channelID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.cancelled = append(s.cancelled, channelID)
	return nil
}

// recordingDispatcher collects classifications synchronously.
type recordingDispatcher struct {
	mu              sync.Mutex
	classifications []*Classification
}

func (d *recordingDispatcher) Dispatch(_ context.Context, c *Classification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.classifications = append(d.classifications, c)
}

func (d *recordingDispatcher) Kinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	kinds := make([]string, 0, len(d.classifications))
	for _, c := range d.classifications {
		kinds = append(kinds, c.Kind+":"+c.Event.ID)
	}
	return kinds
}

func (d *recordingDispatcher) Reset() []*Classification {
	d.mu.Lock()
	defer d.mu.Unlock()
	ret := d.classifications
	d.classifications = nil
	return ret
}

// recordingNotification collects delivered details.
type recordingNotification struct {
	mu      sync.Mutex
	details []*gcalnotifyevent.Detail
	err     error
	block   chan struct{}
}

func (n *recordingNotification) SendChanges(_ context.Context, _ string, details []*gcalnotifyevent.Detail) error {
	if n.block != nil {
		<-n.block
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.details = append(n.details, details...)
	return nil
}

func (n *recordingNotification) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	titles := make([]string, 0, len(n.details))
	for _, d := range n.details {
		titles = append(titles, d.Message.Title)
	}
	return titles
}

// failingStorage wraps a Storage and fails SaveSnapshot for one event id.
type failingStorage struct {
	Storage
	failEventID string
}

var errInjected = errors.New("injected failure")

func (s *failingStorage) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if snapshot.EventID == s.failEventID {
		return errInjected
	}
	return s.Storage.SaveSnapshot(ctx, snapshot)
}

func newTestFileStorage(t *testing.T) *FileStorage {
	t.Helper()
	dir := t.TempDir()
	storage, err := NewFileStorage(context.Background(), StorageOption{
		Type:     "file",
		DataFile: filepath.Join(dir, "gcalnotify.dat"),
		LockFile: filepath.Join(dir, "gcalnotify.lock"),
	})
	require.NoError(t, err)
	return storage
}

func timedEvent(id, summary, start, end string) *gcalnotifyevent.Event {
	return &gcalnotifyevent.Event{
		ID:       id,
		Status:   "confirmed",
		Summary:  summary,
		HTMLLink: "https://calendar.google.com/calendar/event?eid=" + id,
		Start:    &gcalnotifyevent.EventTime{DateTime: start},
		End:      &gcalnotifyevent.EventTime{DateTime: end},
	}
}
