package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Songmu/flextime"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
)

// StorageOption contains configuration for the state storage backend.
//
// Supported storage types:
//   - "dynamodb": single DynamoDB table (default)
//   - "file": local gob file guarded by a lock file, for development
//   - "postgres": PostgreSQL through lib/pq
//   - "sqlite": local SQLite database
type StorageOption struct {
	Type       string `help:"storage type" default:"dynamodb" enum:"dynamodb,file,postgres,sqlite" env:"GCALNOTIFY_STORAGE_TYPE"`
	TableName  string `help:"dynamodb table name" default:"gcalnotify" env:"GCALNOTIFY_DDB_TABLE_NAME"`
	AutoCreate bool   `help:"auto create dynamodb table" default:"false" env:"GCALNOTIFY_DDB_AUTO_CREATE" negatable:""`
	DataFile   string `help:"file storage data file" default:"gcalnotify.dat" env:"GCALNOTIFY_FILE_STORAGE_DATA_FILE"`
	LockFile   string `help:"file storage lock file" default:"gcalnotify.lock" env:"GCALNOTIFY_FILE_STORAGE_LOCK_FILE"`
	DSN        string `help:"postgres data source name" default:"host=localhost port=5432 user=postgres dbname=calendar_listener sslmode=disable" env:"GCALNOTIFY_DATABASE_DSN"`
	SQLitePath string `help:"sqlite database path" default:"gcalnotify.sqlite" env:"GCALNOTIFY_SQLITE_PATH"`
}

// SyncState holds the sync cursor of one calendar.
// An empty Cursor means a full sync is required.
type SyncState struct {
	CalendarID   string
	Cursor       string
	LastSyncedAt time.Time
}

// Subscription is the current push channel of one calendar.
type Subscription struct {
	CalendarID string
	ChannelID  string
	ResourceID string
	Token      string
	Expiration time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsAboutToExpire reports whether the subscription expires within remaining.
func (sub *Subscription) IsAboutToExpire(ctx context.Context, remaining time.Duration) bool {
	now := flextime.Now()
	d := sub.Expiration.Sub(now)
	slog.DebugContext(ctx, "IsAboutToExpire",
		"remaining", d,
		"expiration", sub.Expiration.Format(time.RFC3339),
		"now", now.Format(time.RFC3339),
		"calendar_id", sub.CalendarID,
		"channel_id", sub.ChannelID,
		"resource_id", sub.ResourceID,
	)
	return d <= remaining
}

// Snapshot is the last observed state of one event.
type Snapshot struct {
	CalendarID string
	EventID    string
	Event      *gcalnotifyevent.Event
	UpdatedAt  time.Time
}

// Storage persists sync cursors, subscriptions and event snapshots.
type Storage interface {
	FindSyncState(ctx context.Context, calendarID string) (*SyncState, error)
	SaveSyncState(ctx context.Context, state *SyncState) error
	ClearCursor(ctx context.Context, calendarID string) error

	FindSnapshot(ctx context.Context, calendarID, eventID string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
	DeleteSnapshot(ctx context.Context, calendarID, eventID string) error

	FindAllSubscriptions(ctx context.Context) (<-chan []*Subscription, error)
	FindSubscription(ctx context.Context, calendarID string) (*Subscription, error)
	FindSubscriptionByChannelID(ctx context.Context, channelID string) (*Subscription, error)
	// SaveSubscription replaces the current subscription of the calendar.
	SaveSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, sub *Subscription) error

	Close() error
}

type SyncStateNotFound struct {
	CalendarID string
}

func (err *SyncStateNotFound) Error() string {
	return fmt.Sprintf("sync state calendar_id:%s not found", err.CalendarID)
}

func (*SyncStateNotFound) NotFound() bool { return true }

type SnapshotNotFound struct {
	CalendarID string
	EventID    string
}

func (err *SnapshotNotFound) Error() string {
	return fmt.Sprintf("snapshot calendar_id:%s event_id:%s not found", err.CalendarID, err.EventID)
}

func (*SnapshotNotFound) NotFound() bool { return true }

type SubscriptionNotFound struct {
	CalendarID string
}

func (err *SubscriptionNotFound) Error() string {
	return fmt.Sprintf("subscription calendar_id:%s not found", err.CalendarID)
}

func (*SubscriptionNotFound) NotFound() bool { return true }

type ChannelNotFound struct {
	ChannelID string
}

func (err *ChannelNotFound) Error() string {
	return fmt.Sprintf("channel_id:%s not found", err.ChannelID)
}

func (*ChannelNotFound) NotFound() bool { return true }

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	var nf interface{ NotFound() bool }
	return errors.As(err, &nf) && nf.NotFound()
}

// NewStorage creates a Storage based on the configuration type.
func NewStorage(ctx context.Context, cfg StorageOption) (Storage, error) {
	switch cfg.Type {
	case "dynamodb":
		return NewDynamoDBStorage(ctx, cfg)
	case "file":
		return NewFileStorage(ctx, cfg)
	case "postgres":
		return NewPostgresStorage(ctx, cfg)
	case "sqlite":
		return NewSQLiteStorage(ctx, cfg)
	}
	return nil, errors.New("unknown storage type")
}
