package storage

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	logx "relaybot/pkg/logx"
)

const (
	badgerPendingPrefix = "pending/"
	badgerArchivePrefix = "archive/"
)

// badgerStore keeps pending entries under "pending/<id>" and archive index
// keys under "archive/<key>", both as JSON values.
type badgerStore struct {
	db  *badger.DB
	log logx.Logger
	now func() time.Time

	// Badger transactions are safe on their own; the mutex keeps
	// read-modify-write sequences like PruneExpired atomic with respect to Add.
	mu sync.Mutex
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("badger path is required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db, log: log, now: cfg.clock()}, nil
}

func (s *badgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *badgerStore) Add(ctx context.Context, id, originGroup string, suppressRelay bool) error {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	rec := pendingRecord{TS: unixSeconds(s.now()), IgnoreForward: suppressRelay}
	if g := strings.TrimSpace(originGroup); g != "" {
		rec.GroupID = &g
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerPendingPrefix+id), data)
	})
}

// eachPending visits every pending record in key order. Records that fail to
// decode go to corrupt when it is non-nil.
func (s *badgerStore) eachPending(fn func(id string, rec pendingRecord), corrupt func(id string)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerPendingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), badgerPendingPrefix)
			err := item.Value(func(val []byte) error {
				var rec pendingRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					s.log.Warn("skipping corrupt pending record", logx.String("id", id), logx.Err(err))
					if corrupt != nil {
						corrupt(id)
					}
					return nil
				}
				fn(id, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) ListReady(ctx context.Context, wait time.Duration) ([]string, error) {
	_ = ctx
	now := s.now()
	var out []string
	err := s.eachPending(func(id string, rec pendingRecord) {
		if now.Sub(fromUnixSeconds(rec.TS)) > wait {
			out = append(out, id)
		}
	}, nil)
	return out, err
}

func (s *badgerStore) EarliestTimestamp(ctx context.Context) (time.Time, bool, error) {
	_ = ctx
	var best float64
	err := s.eachPending(func(_ string, rec pendingRecord) {
		if rec.TS > 0 && (best == 0 || rec.TS < best) {
			best = rec.TS
		}
	}, nil)
	if err != nil || best == 0 {
		return time.Time{}, false, err
	}
	return fromUnixSeconds(best), true, nil
}

func (s *badgerStore) Get(ctx context.Context, id string) (PendingEntry, bool, error) {
	_ = ctx
	var (
		rec   pendingRecord
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerPendingPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil || !found {
		return PendingEntry{}, false, err
	}
	return rec.entry(id), true, nil
}

func (s *badgerStore) Remove(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(badgerPendingPrefix + id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (s *badgerStore) HasAny(ctx context.Context) (bool, error) {
	n, err := s.Len(ctx)
	return n > 0, err
}

func (s *badgerStore) Len(ctx context.Context) (int, error) {
	_ = ctx
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerPendingPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *badgerStore) PruneExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var stale []string
	// corrupt records are dropped with the expired ones
	if err := s.eachPending(func(id string, rec pendingRecord) {
		if expired(rec.TS, now, maxAge) {
			stale = append(stale, id)
		}
	}, func(id string) {
		stale = append(stale, id)
	}); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range stale {
			if err := txn.Delete([]byte(badgerPendingPrefix + id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (s *badgerStore) HasProcessed(ctx context.Context, key string) (bool, error) {
	_ = ctx
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(badgerArchivePrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (s *badgerStore) MarkProcessed(ctx context.Context, key string, meta ArchiveMeta) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if meta.At == 0 {
		meta.At = s.now().Unix()
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerArchivePrefix+key), data)
	})
}
