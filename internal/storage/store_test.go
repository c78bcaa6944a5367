package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	logx "relaybot/pkg/logx"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openForTest(t *testing.T, driver string, clk *testClock) Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.db")
	if driver == "badger" {
		path = filepath.Join(dir, "badger")
	}
	st, err := Open(Config{Driver: driver, Path: path, Now: clk.Now}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func drivers() []string { return []string{"file", "sqlite", "badger"} }

func TestPendingReadyAndPrune(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			clk := &testClock{now: time.Unix(1_700_000_000, 0)}
			st := openForTest(t, driver, clk)

			if err := st.Add(ctx, "1", "g1", false); err != nil {
				t.Fatalf("add: %v", err)
			}
			clk.Advance(500 * time.Millisecond)
			if err := st.Add(ctx, "2", "g1", true); err != nil {
				t.Fatalf("add: %v", err)
			}
			clk.Advance(700 * time.Millisecond)

			ready, err := st.ListReady(ctx, time.Second)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(ready) != 1 || ready[0] != "1" {
				t.Fatalf("ready=%v want [1]", ready)
			}

			earliest, ok, err := st.EarliestTimestamp(ctx)
			if err != nil || !ok {
				t.Fatalf("earliest ok=%v err=%v", ok, err)
			}
			if got := earliest.Unix(); got != 1_700_000_000 {
				t.Fatalf("earliest=%d", got)
			}

			e, ok, err := st.Get(ctx, "2")
			if err != nil || !ok {
				t.Fatalf("get ok=%v err=%v", ok, err)
			}
			if !e.SuppressRelay || e.OriginGroup != "g1" {
				t.Fatalf("entry=%+v", e)
			}

			// "1" is 1.2s old, "2" is 0.7s old.
			n, err := st.PruneExpired(ctx, time.Second)
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if n != 1 {
				t.Fatalf("pruned=%d want 1", n)
			}
			if _, ok, _ := st.Get(ctx, "1"); ok {
				t.Fatalf("expired entry survived prune")
			}
			if has, _ := st.HasAny(ctx); !has {
				t.Fatalf("expected remaining entry")
			}

			if found, err := st.Remove(ctx, "2"); err != nil || !found {
				t.Fatalf("remove found=%v err=%v", found, err)
			}
			if found, err := st.Remove(ctx, "missing"); err != nil || found {
				t.Fatalf("remove missing found=%v err=%v", found, err)
			}
			if has, _ := st.HasAny(ctx); has {
				t.Fatalf("expected empty set")
			}
			if _, ok, _ := st.EarliestTimestamp(ctx); ok {
				t.Fatalf("earliest on empty set")
			}
		})
	}
}

func TestPruneDropsNonPositiveTimestamps(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			clk := &testClock{now: time.Unix(0, 0)}
			st := openForTest(t, driver, clk)

			_ = st.Add(ctx, "1", "", false)
			clk.Advance(-5 * time.Second)
			_ = st.Add(ctx, "2", "", false)
			clk.now = time.Unix(1_700_000_000, 0)
			_ = st.Add(ctx, "3", "", false)

			n, err := st.PruneExpired(ctx, 100*365*24*time.Hour)
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if n != 2 {
				t.Fatalf("pruned=%d want 2", n)
			}
			if left, _ := st.Len(ctx); left != 1 {
				t.Fatalf("remaining=%d want 1", left)
			}
			if _, ok, _ := st.Get(ctx, "3"); !ok {
				t.Fatalf("fresh entry pruned")
			}
		})
	}
}

func TestFileStorePrunesLegacyZeroTimestamps(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	doc := `{"1": 0, "2": -5, "3": {"ts": 1700000000}}`
	if err := os.WriteFile(filepath.Join(dir, "relay.pending.json"), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	clk := &testClock{now: time.Unix(1_700_000_010, 0)}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "relay.json"), Now: clk.Now}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	n, err := st.PruneExpired(ctx, 100*365*24*time.Hour)
	if err != nil || n != 2 {
		t.Fatalf("pruned=%d err=%v", n, err)
	}
	if left, _ := st.Len(ctx); left != 1 {
		t.Fatalf("remaining=%d", left)
	}
}

func TestBadgerPruneDropsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	st := openForTest(t, "badger", clk)
	_ = st.Add(ctx, "1", "", false)

	bs := st.(*badgerStore)
	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerPendingPrefix+"bad"), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("seed corrupt record: %v", err)
	}
	if n, _ := st.Len(ctx); n != 2 {
		t.Fatalf("len=%d want 2", n)
	}

	n, err := st.PruneExpired(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("pruned=%d err=%v", n, err)
	}
	if n, _ := st.Len(ctx); n != 1 {
		t.Fatalf("len=%d want 1", n)
	}
	if _, ok, _ := st.Get(ctx, "1"); !ok {
		t.Fatalf("valid record pruned")
	}
}

func TestPendingAddOverwritesAndIgnoresEmpty(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			clk := &testClock{now: time.Unix(1_700_000_000, 0)}
			st := openForTest(t, driver, clk)

			_ = st.Add(ctx, "7", "g1", true)
			clk.Advance(10 * time.Second)
			_ = st.Add(ctx, "7", "g2", false)
			_ = st.Add(ctx, "  ", "g2", false)

			n, _ := st.Len(ctx)
			if n != 1 {
				t.Fatalf("len=%d want 1", n)
			}
			e, _, _ := st.Get(ctx, "7")
			if e.OriginGroup != "g2" || e.SuppressRelay {
				t.Fatalf("entry not overwritten: %+v", e)
			}
			ready, _ := st.ListReady(ctx, time.Second)
			if len(ready) != 0 {
				t.Fatalf("overwrite should refresh arrival time, ready=%v", ready)
			}
		})
	}
}

func TestArchiveIndexIdempotent(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			clk := &testClock{now: time.Unix(1_700_000_000, 0)}
			st := openForTest(t, driver, clk)

			key := "123:456"
			if ok, _ := st.HasProcessed(ctx, key); ok {
				t.Fatalf("fresh index reports processed")
			}
			meta := ArchiveMeta{GroupID: "123", MessageID: "456", Day: "2026-10-18"}
			if err := st.MarkProcessed(ctx, key, meta); err != nil {
				t.Fatalf("mark: %v", err)
			}
			if err := st.MarkProcessed(ctx, key, meta); err != nil {
				t.Fatalf("mark twice: %v", err)
			}
			if ok, err := st.HasProcessed(ctx, key); !ok || err != nil {
				t.Fatalf("processed=%v err=%v", ok, err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.json")
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}

	st, err := Open(Config{Driver: "file", Path: path, Now: clk.Now}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = st.Add(ctx, "a", "g", false)
	_ = st.Add(ctx, "b", "", true)
	_ = st.MarkProcessed(ctx, "g:a", ArchiveMeta{})
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path, Now: clk.Now}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	clk.Advance(2 * time.Second)
	ready, _ := st.ListReady(ctx, time.Second)
	sort.Strings(ready)
	if len(ready) != 2 || ready[0] != "a" || ready[1] != "b" {
		t.Fatalf("ready=%v", ready)
	}
	if ok, _ := st.HasProcessed(ctx, "g:a"); !ok {
		t.Fatalf("archive index lost on reopen")
	}
}

func TestFileStoreCorruptDocumentStartsEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.json")
	if err := os.WriteFile(filepath.Join(dir, "relay.pending.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if has, _ := st.HasAny(ctx); has {
		t.Fatalf("corrupt document should load as empty")
	}
	if err := st.Add(ctx, "1", "", false); err != nil {
		t.Fatalf("add after corrupt load: %v", err)
	}
	if n, _ := st.Len(ctx); n != 1 {
		t.Fatalf("len=%d", n)
	}
}

func TestFileStoreReadsBareTimestampEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	doc := `{"42": 1700000000.5, "43": {"ts": 1700000001, "group_id": "9", "ignore_forward": true}}`
	if err := os.WriteFile(filepath.Join(dir, "relay.pending.json"), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "relay.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	e, ok, _ := st.Get(ctx, "42")
	if !ok || e.OriginGroup != "" || e.SuppressRelay {
		t.Fatalf("bare entry=%+v ok=%v", e, ok)
	}
	e, ok, _ = st.Get(ctx, "43")
	if !ok || e.OriginGroup != "9" || !e.SuppressRelay {
		t.Fatalf("object entry=%+v ok=%v", e, ok)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
