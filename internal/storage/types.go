package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON documents next to Path (default)
//   - "sqlite": SQLite database file at Path
//   - "badger": Badger directory at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Now overrides the wall clock used for arrival times and age checks.
	Now func() time.Time
}

// PendingEntry is one message waiting for delivery.
type PendingEntry struct {
	ID            string
	ArrivedAt     time.Time
	OriginGroup   string
	SuppressRelay bool
}

// ArchiveMeta is stored alongside an archive index key.
type ArchiveMeta struct {
	GroupID   string `json:"group_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Day       string `json:"day,omitempty"`
	Time      string `json:"time,omitempty"`
	At        int64  `json:"at,omitempty"`
}

// PendingStore is the durable set of message ids awaiting delivery.
// All operations are serialized by the implementation.
type PendingStore interface {
	// Add inserts or overwrites id with the current time. Empty ids are ignored.
	Add(ctx context.Context, id, originGroup string, suppressRelay bool) error
	// ListReady returns ids whose age strictly exceeds wait, in no particular order.
	ListReady(ctx context.Context, wait time.Duration) ([]string, error)
	// EarliestTimestamp returns the smallest positive arrival time.
	EarliestTimestamp(ctx context.Context) (time.Time, bool, error)
	Get(ctx context.Context, id string) (PendingEntry, bool, error)
	// Remove deletes id and reports whether it was present.
	Remove(ctx context.Context, id string) (bool, error)
	HasAny(ctx context.Context) (bool, error)
	// PruneExpired drops entries with age strictly greater than maxAge or a
	// non-positive arrival time, and returns how many were removed.
	PruneExpired(ctx context.Context, maxAge time.Duration) (int, error)
	Len(ctx context.Context) (int, error)
}

// ArchiveIndex records which messages already have an archive entry.
type ArchiveIndex interface {
	HasProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, meta ArchiveMeta) error
}

// Store bundles both collections behind one backend.
type Store interface {
	PendingStore
	ArchiveIndex
	Close() error
}

func (c Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

func expired(ts float64, now time.Time, maxAge time.Duration) bool {
	return ts <= 0 || now.Sub(fromUnixSeconds(ts)) > maxAge
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(v float64) time.Time {
	return time.Unix(0, int64(v*1e9))
}
