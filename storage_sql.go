package gcalnotify

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"github.com/pressly/goose/v3"

	// PostgreSQL driver.
	_ "github.com/lib/pq"
	// SQLite driver.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStorage implements Storage on a relational database.
// Queries are written with "?" placeholders and rebound per dialect.
type SQLStorage struct {
	db      *sql.DB
	dialect goose.Dialect
}

func NewPostgresStorage(ctx context.Context, cfg StorageOption) (*SQLStorage, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newSQLStorage(ctx, db, goose.DialectPostgres)
}

func NewSQLiteStorage(ctx context.Context, cfg StorageOption) (*SQLStorage, error) {
	db, err := sql.Open("sqlite", sqliteDSN(cfg.SQLitePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLStorage(ctx, db, goose.DialectSQLite3)
}

func newSQLStorage(ctx context.Context, db *sql.DB, dialect goose.Dialect) (*SQLStorage, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	provider, err := goose.NewProvider(dialect, db, migrations)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	for _, r := range results {
		slog.InfoContext(ctx, "applied migration", "dialect", dialect, "version", r.Source.Version, "duration", r.Duration)
	}
	return &SQLStorage{db: db, dialect: dialect}, nil
}

func sqliteDSN(path string) string {
	values := url.Values{}
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	return fmt.Sprintf("file:%s?%s", path, values.Encode())
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func (s *SQLStorage) rebind(query string) string {
	if s.dialect != goose.DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *SQLStorage) FindSyncState(ctx context.Context, calendarID string) (*SyncState, error) {
	var (
		cursor       string
		lastSyncedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT sync_token, last_synced_at FROM calendar_sync_state WHERE calendar_id = ?`),
		calendarID,
	).Scan(&cursor, &lastSyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &SyncStateNotFound{CalendarID: calendarID}
	}
	if err != nil {
		return nil, fmt.Errorf("select sync state: %w", err)
	}
	return &SyncState{
		CalendarID:   calendarID,
		Cursor:       cursor,
		LastSyncedAt: unixMilli(lastSyncedAt),
	}, nil
}

func (s *SQLStorage) SaveSyncState(ctx context.Context, state *SyncState) error {
	err := s.exec(ctx, `
		INSERT INTO calendar_sync_state (calendar_id, sync_token, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT (calendar_id)
		DO UPDATE SET sync_token = excluded.sync_token, last_synced_at = excluded.last_synced_at`,
		state.CalendarID, state.Cursor, state.LastSyncedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert sync state: %w", err)
	}
	return nil
}

func (s *SQLStorage) ClearCursor(ctx context.Context, calendarID string) error {
	if err := s.exec(ctx, `UPDATE calendar_sync_state SET sync_token = '' WHERE calendar_id = ?`, calendarID); err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	return nil
}

func (s *SQLStorage) FindSnapshot(ctx context.Context, calendarID, eventID string) (*Snapshot, error) {
	var (
		data      string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT event_data, updated_at FROM calendar_events_snapshot WHERE calendar_id = ? AND event_id = ?`),
		calendarID, eventID,
	).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &SnapshotNotFound{CalendarID: calendarID, EventID: eventID}
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	var event gcalnotifyevent.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("decode snapshot calendar_id:%s event_id:%s: %w", calendarID, eventID, err)
	}
	return &Snapshot{
		CalendarID: calendarID,
		EventID:    eventID,
		Event:      &event,
		UpdatedAt:  unixMilli(updatedAt),
	}, nil
}

func (s *SQLStorage) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	bs, err := json.Marshal(snapshot.Event)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	err = s.exec(ctx, `
		INSERT INTO calendar_events_snapshot (calendar_id, event_id, event_data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (calendar_id, event_id)
		DO UPDATE SET event_data = excluded.event_data, updated_at = excluded.updated_at`,
		snapshot.CalendarID, snapshot.EventID, string(bs), snapshot.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *SQLStorage) DeleteSnapshot(ctx context.Context, calendarID, eventID string) error {
	if err := s.exec(ctx, `DELETE FROM calendar_events_snapshot WHERE calendar_id = ? AND event_id = ?`, calendarID, eventID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

const selectSubscriptionColumns = `SELECT calendar_id, channel_id, resource_id, channel_token, expiration, created_at, updated_at FROM calendar_subscriptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub                              Subscription
		expiration, createdAt, updatedAt int64
	)
	if err := row.Scan(&sub.CalendarID, &sub.ChannelID, &sub.ResourceID, &sub.Token, &expiration, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sub.Expiration = unixMilli(expiration)
	sub.CreatedAt = unixMilli(createdAt)
	sub.UpdatedAt = unixMilli(updatedAt)
	return &sub, nil
}

func (s *SQLStorage) FindAllSubscriptions(ctx context.Context) (<-chan []*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, selectSubscriptionColumns+` ORDER BY calendar_id`)
	if err != nil {
		return nil, fmt.Errorf("select subscriptions: %w", err)
	}
	defer rows.Close()
	subs := make([]*Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []*Subscription, 1)
	ch <- subs
	close(ch)
	return ch, nil
}

func (s *SQLStorage) FindSubscription(ctx context.Context, calendarID string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, s.rebind(selectSubscriptionColumns+` WHERE calendar_id = ?`), calendarID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &SubscriptionNotFound{CalendarID: calendarID}
	}
	if err != nil {
		return nil, fmt.Errorf("select subscription: %w", err)
	}
	return sub, nil
}

func (s *SQLStorage) FindSubscriptionByChannelID(ctx context.Context, channelID string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, s.rebind(selectSubscriptionColumns+` WHERE channel_id = ?`), channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ChannelNotFound{ChannelID: channelID}
	}
	if err != nil {
		return nil, fmt.Errorf("select subscription: %w", err)
	}
	return sub, nil
}

func (s *SQLStorage) SaveSubscription(ctx context.Context, sub *Subscription) error {
	err := s.exec(ctx, `
		INSERT INTO calendar_subscriptions (calendar_id, channel_id, resource_id, channel_token, expiration, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (calendar_id)
		DO UPDATE SET
			channel_id = excluded.channel_id,
			resource_id = excluded.resource_id,
			channel_token = excluded.channel_token,
			expiration = excluded.expiration,
			updated_at = excluded.updated_at`,
		sub.CalendarID, sub.ChannelID, sub.ResourceID, sub.Token,
		sub.Expiration.UnixMilli(), sub.CreatedAt.UnixMilli(), sub.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	slog.InfoContext(ctx, "put subscription", "calendar_id", sub.CalendarID, "channel_id", sub.ChannelID, "dialect", s.dialect)
	return nil
}

func (s *SQLStorage) DeleteSubscription(ctx context.Context, sub *Subscription) error {
	if err := s.exec(ctx, `DELETE FROM calendar_subscriptions WHERE calendar_id = ? AND channel_id = ?`, sub.CalendarID, sub.ChannelID); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
