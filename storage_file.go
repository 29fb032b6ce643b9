package gcalnotify

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/shogo82148/go-retry"
)

// FileStorage keeps all state in a single gob encoded file.
// Each operation runs under a lock file so several processes can share it.
type FileStorage struct {
	LockFile string
	FilePath string

	mu   sync.Mutex
	data fileStorageData
}

type fileStorageData struct {
	SyncStates    map[string]*SyncState
	Subscriptions map[string]*Subscription
	Snapshots     map[string]map[string]*Snapshot
}

func NewFileStorage(_ context.Context, cfg StorageOption) (*FileStorage, error) {
	s := &FileStorage{
		FilePath: cfg.DataFile,
		LockFile: cfg.LockFile,
	}
	return s, nil
}

func (s *FileStorage) Close() error {
	return nil
}

func (s *FileStorage) FindSyncState(ctx context.Context, calendarID string) (*SyncState, error) {
	var ret *SyncState
	err := s.transactional(ctx, false, func(context.Context) error {
		state, ok := s.data.SyncStates[calendarID]
		if !ok {
			return &SyncStateNotFound{CalendarID: calendarID}
		}
		cloned := *state
		ret = &cloned
		return nil
	})
	return ret, err
}

func (s *FileStorage) SaveSyncState(ctx context.Context, state *SyncState) error {
	return s.transactional(ctx, true, func(context.Context) error {
		cloned := *state
		s.data.SyncStates[state.CalendarID] = &cloned
		return nil
	})
}

func (s *FileStorage) ClearCursor(ctx context.Context, calendarID string) error {
	return s.transactional(ctx, true, func(context.Context) error {
		if state, ok := s.data.SyncStates[calendarID]; ok {
			slog.DebugContext(ctx, "clear cursor", "calendar_id", calendarID, "old_cursor", state.Cursor)
			state.Cursor = ""
		}
		return nil
	})
}

func (s *FileStorage) FindSnapshot(ctx context.Context, calendarID, eventID string) (*Snapshot, error) {
	var ret *Snapshot
	err := s.transactional(ctx, false, func(context.Context) error {
		snapshot, ok := s.data.Snapshots[calendarID][eventID]
		if !ok {
			return &SnapshotNotFound{CalendarID: calendarID, EventID: eventID}
		}
		ret = snapshot
		return nil
	})
	return ret, err
}

func (s *FileStorage) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	return s.transactional(ctx, true, func(context.Context) error {
		events, ok := s.data.Snapshots[snapshot.CalendarID]
		if !ok {
			events = make(map[string]*Snapshot)
			s.data.Snapshots[snapshot.CalendarID] = events
		}
		events[snapshot.EventID] = snapshot
		return nil
	})
}

func (s *FileStorage) DeleteSnapshot(ctx context.Context, calendarID, eventID string) error {
	return s.transactional(ctx, true, func(context.Context) error {
		delete(s.data.Snapshots[calendarID], eventID)
		return nil
	})
}

func (s *FileStorage) FindAllSubscriptions(ctx context.Context) (<-chan []*Subscription, error) {
	ch := make(chan []*Subscription, 1)
	go func() {
		defer close(ch)
		if err := s.transactional(ctx, false, func(context.Context) error {
			subs := make([]*Subscription, 0, len(s.data.Subscriptions))
			for _, sub := range s.data.Subscriptions {
				cloned := *sub
				subs = append(subs, &cloned)
			}
			ch <- subs
			return nil
		}); err != nil {
			slog.ErrorContext(ctx, "failed background subscriptions read", "error", err)
		}
	}()
	return ch, nil
}

func (s *FileStorage) FindSubscription(ctx context.Context, calendarID string) (*Subscription, error) {
	var ret *Subscription
	err := s.transactional(ctx, false, func(context.Context) error {
		sub, ok := s.data.Subscriptions[calendarID]
		if !ok {
			return &SubscriptionNotFound{CalendarID: calendarID}
		}
		cloned := *sub
		ret = &cloned
		return nil
	})
	return ret, err
}

func (s *FileStorage) FindSubscriptionByChannelID(ctx context.Context, channelID string) (*Subscription, error) {
	var ret *Subscription
	err := s.transactional(ctx, false, func(context.Context) error {
		for _, sub := range s.data.Subscriptions {
			if sub.ChannelID == channelID {
				cloned := *sub
				ret = &cloned
				return nil
			}
		}
		return &ChannelNotFound{ChannelID: channelID}
	})
	if err != nil {
		slog.DebugContext(ctx, "failed read", "error", err)
		return nil, err
	}
	slog.DebugContext(ctx, "found subscription", "channel_id", ret.ChannelID, "resource_id", ret.ResourceID, "calendar_id", ret.CalendarID)
	return ret, nil
}

func (s *FileStorage) SaveSubscription(ctx context.Context, sub *Subscription) error {
	return s.transactional(ctx, true, func(context.Context) error {
		cloned := *sub
		s.data.Subscriptions[sub.CalendarID] = &cloned
		return nil
	})
}

func (s *FileStorage) DeleteSubscription(ctx context.Context, sub *Subscription) error {
	return s.transactional(ctx, true, func(context.Context) error {
		current, ok := s.data.Subscriptions[sub.CalendarID]
		if ok && current.ChannelID == sub.ChannelID {
			delete(s.data.Subscriptions, sub.CalendarID)
		}
		return nil
	})
}

func (s *FileStorage) transactional(ctx context.Context, write bool, fn func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fileLock := flock.New(s.LockFile)
	policy := retry.Policy{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 1 * time.Second,
		MaxCount: 10,
		Jitter:   35 * time.Millisecond,
	}

	retrier := policy.Start(ctx)
	var err error
	var locked bool
	for retrier.Continue() {
		slog.DebugContext(ctx, "try file storage lock", "lock_file", s.LockFile)
		locked, err = fileLock.TryLock()
		if err != nil {
			slog.DebugContext(ctx, "get file storage lock failed", "error", err)
			continue
		}
		if locked {
			break
		}
	}
	if !locked {
		if err == nil {
			err = errors.New("lock is held by another process")
		}
		return fmt.Errorf("cannot get lock: %w", err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.DebugContext(ctx, "file storage unlock failed", "error", err)
		}
	}()
	if err := s.restore(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if !write {
		return nil
	}
	return s.store(ctx)
}

func (s *FileStorage) restore(ctx context.Context) error {
	s.data = fileStorageData{
		SyncStates:    make(map[string]*SyncState),
		Subscriptions: make(map[string]*Subscription),
		Snapshots:     make(map[string]map[string]*Snapshot),
	}
	fp, err := os.Open(s.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		slog.WarnContext(ctx, "failed open file storage", "error", err)
		return err
	}
	defer fp.Close()
	decoder := gob.NewDecoder(fp)
	if err := decoder.Decode(&s.data); err != nil && err != io.EOF {
		slog.ErrorContext(ctx, "failed restore file storage", "error", err)
		return err
	}
	if s.data.SyncStates == nil {
		s.data.SyncStates = make(map[string]*SyncState)
	}
	if s.data.Subscriptions == nil {
		s.data.Subscriptions = make(map[string]*Subscription)
	}
	if s.data.Snapshots == nil {
		s.data.Snapshots = make(map[string]map[string]*Snapshot)
	}
	return nil
}

func (s *FileStorage) store(ctx context.Context) error {
	fp, err := os.Create(s.FilePath)
	if err != nil {
		slog.ErrorContext(ctx, "failed store to file storage: create file", "error", err)
		return err
	}
	defer fp.Close()
	encoder := gob.NewEncoder(fp)
	if err := encoder.Encode(&s.data); err != nil {
		slog.ErrorContext(ctx, "failed store to file storage: encode gob", "error", err)
		return err
	}
	slog.DebugContext(ctx, "file storage stored", "path", s.FilePath)
	return nil
}
