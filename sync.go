package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Songmu/flextime"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"golang.org/x/sync/errgroup"
)

// SyncResult summarizes one sync pass of a calendar.
type SyncResult struct {
	CalendarID string
	Created    int
	Updated    int
	Deleted    int
	Unchanged  int
	Skipped    int
	// Suppressed is true for the first-ever pass of a calendar; nothing was dispatched.
	Suppressed bool
	// FullResync is true when the stored cursor was rejected and a full sync ran instead.
	FullResync bool
	NextCursor string
}

// Syncer applies remote changes to the Storage and hands classifications to a Dispatcher.
type Syncer struct {
	source     EventSource
	storage    Storage
	dispatcher Dispatcher
	metrics    *Metrics
	locks      *keyedLock
}

func NewSyncer(source EventSource, storage Storage, dispatcher Dispatcher, metrics *Metrics) *Syncer {
	return &Syncer{
		source:     source,
		storage:    storage,
		dispatcher: dispatcher,
		metrics:    metrics,
		locks:      newKeyedLock(),
	}
}

// Sync runs one incremental sync pass for calendarID.
// Passes for the same calendar are serialized; different calendars run independently.
func (s *Syncer) Sync(ctx context.Context, calendarID string) (*SyncResult, error) {
	unlock, err := s.locks.Lock(ctx, calendarID)
	if err != nil {
		return nil, fmt.Errorf("wait sync lock calendar_id:%s: %w", calendarID, err)
	}
	defer unlock()
	start := flextime.Now()
	result, err := s.sync(ctx, calendarID)
	s.metrics.ObserveSync(calendarID, result, err, flextime.Since(start))
	if err != nil {
		slog.ErrorContext(ctx, "sync failed", "calendar_id", calendarID, "error", err)
		return nil, err
	}
	slog.InfoContext(ctx, "sync complete",
		"calendar_id", calendarID,
		"created", result.Created,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"unchanged", result.Unchanged,
		"suppressed", result.Suppressed,
		"full_resync", result.FullResync,
	)
	return result, nil
}

func (s *Syncer) sync(ctx context.Context, calendarID string) (*SyncResult, error) {
	result := &SyncResult{CalendarID: calendarID}
	var storedCursor string
	state, err := s.storage.FindSyncState(ctx, calendarID)
	switch {
	case err == nil:
		storedCursor = state.Cursor
	case IsNotFound(err):
		slog.DebugContext(ctx, "sync state not found, initial full sync", "calendar_id", calendarID)
		result.Suppressed = true
	default:
		return nil, fmt.Errorf("find sync state: %w", err)
	}

	changes, err := s.source.ListChanges(ctx, calendarID, storedCursor)
	if errors.Is(err, ErrCursorInvalid) && storedCursor != "" {
		slog.WarnContext(ctx, "sync token is invalid, clear cursor and retry full sync", "calendar_id", calendarID)
		if err := s.storage.ClearCursor(ctx, calendarID); err != nil {
			return nil, fmt.Errorf("clear cursor: %w", err)
		}
		result.FullResync = true
		changes, err = s.source.ListChanges(ctx, calendarID, "")
	}
	if err != nil {
		return nil, err
	}
	result.NextCursor = changes.NextCursor

	if len(changes.Items) == 0 {
		slog.DebugContext(ctx, "no changes found", "calendar_id", calendarID)
		if changes.NextCursor != "" && (changes.NextCursor != storedCursor || result.FullResync) {
			if err := s.saveCursor(ctx, calendarID, changes.NextCursor); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	slog.DebugContext(ctx, "processing event updates", "calendar_id", calendarID, "items", len(changes.Items))
	for _, item := range changes.Items {
		if err := s.apply(ctx, calendarID, item, result); err != nil {
			return nil, err
		}
	}
	if changes.NextCursor != "" {
		if err := s.saveCursor(ctx, calendarID, changes.NextCursor); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Syncer) apply(ctx context.Context, calendarID string, item *gcalnotifyevent.Event, result *SyncResult) error {
	if item == nil || item.ID == "" {
		result.Skipped++
		return nil
	}
	snapshot, err := s.storage.FindSnapshot(ctx, calendarID, item.ID)
	if err != nil {
		if !IsNotFound(err) {
			return fmt.Errorf("find snapshot: %w", err)
		}
		snapshot = nil
	}
	if item.Status == StatusCancelled {
		if snapshot == nil {
			slog.DebugContext(ctx, "event deleted but was not tracked", "calendar_id", calendarID, "event_id", item.ID)
			result.Skipped++
			return nil
		}
		s.dispatch(ctx, result, &Classification{
			Kind:       gcalnotifyevent.KindDeleted,
			CalendarID: calendarID,
			Event:      snapshot.Event,
		})
		if err := s.storage.DeleteSnapshot(ctx, calendarID, item.ID); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
		result.Deleted++
		return nil
	}

	if snapshot == nil {
		s.dispatch(ctx, result, &Classification{
			Kind:       gcalnotifyevent.KindCreated,
			CalendarID: calendarID,
			Event:      item,
		})
		result.Created++
	} else if fieldChanges := Diff(snapshot.Event, item); len(fieldChanges) > 0 {
		s.dispatch(ctx, result, &Classification{
			Kind:       gcalnotifyevent.KindUpdated,
			CalendarID: calendarID,
			Event:      item,
			Changes:    fieldChanges,
		})
		result.Updated++
	} else {
		result.Unchanged++
	}
	if err := s.storage.SaveSnapshot(ctx, &Snapshot{
		CalendarID: calendarID,
		EventID:    item.ID,
		Event:      item,
		UpdatedAt:  flextime.Now(),
	}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Syncer) dispatch(ctx context.Context, result *SyncResult, c *Classification) {
	if result.Suppressed {
		slog.DebugContext(ctx, "notification suppressed on initial sync", "calendar_id", c.CalendarID, "event_id", c.Event.ID, "kind", c.Kind)
		return
	}
	s.dispatcher.Dispatch(ctx, c)
}

func (s *Syncer) saveCursor(ctx context.Context, calendarID, cursor string) error {
	if err := s.storage.SaveSyncState(ctx, &SyncState{
		CalendarID:   calendarID,
		Cursor:       cursor,
		LastSyncedAt: flextime.Now(),
	}); err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

// SyncAll syncs every calendar concurrently. A failing calendar does not stop
// the others; all failures are returned joined.
func (s *Syncer) SyncAll(ctx context.Context, calendarIDs []string) ([]*SyncResult, error) {
	results := make([]*SyncResult, len(calendarIDs))
	errs := make([]error, len(calendarIDs))
	var eg errgroup.Group
	eg.SetLimit(4)
	for i, calendarID := range calendarIDs {
		eg.Go(func() error {
			result, err := s.Sync(ctx, calendarID)
			if err != nil {
				errs[i] = fmt.Errorf("calendar_id:%s: %w", calendarID, err)
				return nil
			}
			results[i] = result
			return nil
		})
	}
	_ = eg.Wait()
	return results, errors.Join(errs...)
}

// keyedLock is a lazily built set of one-slot semaphores, one per key.
type keyedLock struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{
		sems: make(map[string]chan struct{}),
	}
}

// Lock waits until key is free or ctx is done. The returned func releases it.
func (l *keyedLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[key] = sem
	}
	l.mu.Unlock()
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// syncTimeout bounds one webhook triggered sync pass.
const syncTimeout = 5 * time.Minute
