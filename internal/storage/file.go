package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	logx "relaybot/pkg/logx"
)

// fileStore keeps both collections in memory and rewrites the whole JSON
// document on every change.
//
// Files:
//   - <prefix>.pending.json (id -> pendingRecord)
//   - <prefix>.archive.json (key -> ArchiveMeta)
//
// An unreadable or corrupt document is treated as empty; the next write
// replaces it.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	pendingPath string
	archivePath string
	pending     map[string]pendingRecord
	archive     map[string]ArchiveMeta
	closed      bool
}

type pendingRecord struct {
	TS            float64 `json:"ts"`
	GroupID       *string `json:"group_id"`
	IgnoreForward bool    `json:"ignore_forward"`
}

// UnmarshalJSON accepts the object form and a bare number holding only the
// arrival time.
func (r *pendingRecord) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '{' {
		var ts float64
		if err := json.Unmarshal(b, &ts); err != nil {
			return err
		}
		*r = pendingRecord{TS: ts}
		return nil
	}
	type plain pendingRecord
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = pendingRecord(p)
	return nil
}

func (r pendingRecord) entry(id string) PendingEntry {
	e := PendingEntry{ID: id, ArrivedAt: fromUnixSeconds(r.TS), SuppressRelay: r.IgnoreForward}
	if r.GroupID != nil {
		e.OriginGroup = *r.GroupID
	}
	return e
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:         log,
		now:         cfg.clock(),
		pendingPath: prefix + ".pending.json",
		archivePath: prefix + ".archive.json",
		pending:     map[string]pendingRecord{},
		archive:     map[string]ArchiveMeta{},
	}
	s.loadDoc(s.pendingPath, &s.pending)
	s.loadDoc(s.archivePath, &s.archive)
	if s.pending == nil {
		s.pending = map[string]pendingRecord{}
	}
	if s.archive == nil {
		s.archive = map[string]ArchiveMeta{}
	}
	return s, nil
}

func (s *fileStore) loadDoc(path string, into any) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		s.log.Warn("storage document unreadable; starting empty", logx.String("path", path), logx.Err(err))
		return
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return
	}
	if err := json.Unmarshal(b, into); err != nil {
		s.log.Warn("storage document corrupt; starting empty", logx.String("path", path), logx.Err(err))
	}
}

func writeDoc(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) persistPendingLocked() error {
	if err := writeDoc(s.pendingPath, s.pending); err != nil {
		s.log.Warn("pending set write failed", logx.String("path", s.pendingPath), logx.Err(err))
		return err
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) Add(ctx context.Context, id, originGroup string, suppressRelay bool) error {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	rec := pendingRecord{TS: unixSeconds(s.now()), IgnoreForward: suppressRelay}
	if g := strings.TrimSpace(originGroup); g != "" {
		rec.GroupID = &g
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending[id] = rec
	return s.persistPendingLocked()
}

func (s *fileStore) ListReady(ctx context.Context, wait time.Duration) ([]string, error) {
	_ = ctx
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, rec := range s.pending {
		if now.Sub(fromUnixSeconds(rec.TS)) > wait {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fileStore) EarliestTimestamp(ctx context.Context) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var best float64
	for _, rec := range s.pending {
		if rec.TS > 0 && (best == 0 || rec.TS < best) {
			best = rec.TS
		}
	}
	if best == 0 {
		return time.Time{}, false, nil
	}
	return fromUnixSeconds(best), true, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (PendingEntry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[id]
	if !ok {
		return PendingEntry{}, false, nil
	}
	return rec.entry(id), true, nil
}

func (s *fileStore) Remove(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false, nil
	}
	delete(s.pending, id)
	return true, s.persistPendingLocked()
}

func (s *fileStore) HasAny(ctx context.Context) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0, nil
}

func (s *fileStore) Len(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

func (s *fileStore) PruneExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	_ = ctx
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.pending {
		if expired(rec.TS, now, maxAge) {
			delete(s.pending, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.persistPendingLocked()
}

func (s *fileStore) HasProcessed(ctx context.Context, key string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.archive[key]
	return ok, nil
}

func (s *fileStore) MarkProcessed(ctx context.Context, key string, meta ArchiveMeta) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if meta.At == 0 {
		meta.At = s.now().Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.archive[key] = meta
	if err := writeDoc(s.archivePath, s.archive); err != nil {
		s.log.Warn("archive index write failed", logx.String("path", s.archivePath), logx.Err(err))
		return err
	}
	return nil
}
