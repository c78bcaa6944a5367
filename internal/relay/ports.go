package relay

import (
	"context"
	"errors"
)

var (
	// ErrDrainBusy is returned by Drain when another drain holds the gate.
	ErrDrainBusy = errors.New("relay: drain already running")
	// ErrNotFound reports that the source no longer has a message.
	ErrNotFound = errors.New("relay: message not found")
)

// SenderInfo is the author block of a message detail.
type SenderInfo struct {
	UserID   string
	Nickname string
	Card     string
	GroupID  string
}

// MessageDetail is the full content of one source message.
type MessageDetail struct {
	MessageID string
	GroupID   string
	Time      int64
	Sender    SenderInfo
	Segments  []Segment
}

// Source is the chat platform the relay reads from.
type Source interface {
	BundleFetcher
	FileResolver
	FetchMessageDetail(ctx context.Context, id string) (MessageDetail, error)
	FetchGroupDisplayName(ctx context.Context, group string) (string, error)
}

// FileResolver returns a direct http(s) URL for a file segment, or "" when
// none can be obtained.
type FileResolver interface {
	ResolveFileURL(ctx context.Context, group string, data map[string]any) string
}

// Downloader copies remote media into a caller-owned temporary file.
type Downloader interface {
	DownloadTemp(ctx context.Context, url, name string, maxBytes int64) (string, error)
}

// Sink delivers one rendered payload to one destination.
type Sink interface {
	Dispatch(ctx context.Context, destination string, p Payload) error
}

// Archiver persists rendered archive fragments and their media.
type Archiver interface {
	AssetSaver
	Append(ctx context.Context, day, content string) error
}

// AssetSaver stores remote media under the archive root. It returns the
// path relative to the day directory, or ok=false when nothing was saved.
type AssetSaver interface {
	SaveAsset(ctx context.Context, day, category, url, name string) (rel string, ok bool)
}
