package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/fetch"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

type stubSource struct {
	mu        sync.Mutex
	details   map[string]MessageDetail
	bundles   map[string][]BundleNode
	fileURLs  map[string]string
	groups    map[string]string
	fetched   []string
	detailErr error
}

func newStubSource() *stubSource {
	return &stubSource{
		details:  map[string]MessageDetail{},
		bundles:  map[string][]BundleNode{},
		fileURLs: map[string]string{},
		groups:   map[string]string{},
	}
}

func (s *stubSource) FetchForwardBundle(_ context.Context, id string) ([]BundleNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = append(s.fetched, id)
	nodes, ok := s.bundles[id]
	if !ok {
		return nil, errors.New("bundle not found")
	}
	return nodes, nil
}

func (s *stubSource) FetchMessageDetail(_ context.Context, id string) (MessageDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detailErr != nil {
		return MessageDetail{}, s.detailErr
	}
	d, ok := s.details[id]
	if !ok {
		return MessageDetail{}, ErrNotFound
	}
	return d, nil
}

func (s *stubSource) ResolveFileURL(_ context.Context, _ string, data map[string]any) string {
	if u := stringOf(data["url"]); isHTTPURL(u) {
		return u
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileURLs[stringOf(data["file_id"])]
}

func (s *stubSource) FetchGroupDisplayName(_ context.Context, group string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.groups[group]; ok {
		return name, nil
	}
	return "", errors.New("no such group")
}

type sentPayload struct {
	dest    string
	payload Payload
	// files that existed on disk at dispatch time
	filesPresent []bool
}

type stubSink struct {
	mu   sync.Mutex
	sent []sentPayload
	fail map[string]error
}

func (s *stubSink) Dispatch(_ context.Context, dest string, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[dest]; err != nil {
		return err
	}
	sp := sentPayload{dest: dest, payload: p}
	for _, part := range p.Parts {
		if part.Kind == PartFile {
			_, err := os.Stat(part.Path)
			sp.filesPresent = append(sp.filesPresent, err == nil)
		}
	}
	s.sent = append(s.sent, sp)
	return nil
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubArchive struct {
	mu      sync.Mutex
	appends map[string][]string
	fail    error
}

func (a *stubArchive) Append(_ context.Context, day, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	if a.appends == nil {
		a.appends = map[string][]string{}
	}
	a.appends[day] = append(a.appends[day], content)
	return nil
}

func (a *stubArchive) SaveAsset(_ context.Context, _, category, _, name string) (string, bool) {
	return category + "/saved_" + name, true
}

func (a *stubArchive) all() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var b strings.Builder
	for _, v := range a.appends {
		for _, s := range v {
			b.WriteString(s)
		}
	}
	return b.String()
}

type harness struct {
	clock   *fakeClock
	store   storage.Store
	source  *stubSource
	sink    *stubSink
	archive *stubArchive
	relay   *Relay
	tmpDir  string
}

func baseConfig() Config {
	return Config{
		SourceGroups:   []string{"100"},
		Destinations:   []string{"-1001"},
		RelayEnabled:   true,
		ArchiveEnabled: true,
		UploadFiles:    true,
		UploadMaxBytes: 1024,
		PendingWait:    time.Second,
		MaxCacheAge:    time.Hour,
		Cooldown:       DefaultCooldownWindow(),
		BlockPrefixes:  []string{"!!"},
		Location:       time.UTC,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := newFakeClock(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC))
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "relay.json"), Now: clk.Now}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tmpDir := t.TempDir()
	h := &harness{
		clock:   clk,
		store:   st,
		source:  newStubSource(),
		sink:    &stubSink{},
		archive: &stubArchive{},
		tmpDir:  tmpDir,
	}
	h.relay = New(cfg, Deps{
		Pending:    st,
		Index:      st,
		Source:     h.source,
		Sink:       h.sink,
		Archive:    h.archive,
		Downloader: fetch.New(fetch.Config{TempDir: tmpDir}, logx.Nop()),
		Clock:      clk,
		Log:        logx.Nop(),
	})
	return h
}

func (h *harness) addDetail(id string, segs ...Segment) {
	h.source.mu.Lock()
	defer h.source.mu.Unlock()
	h.source.details[id] = MessageDetail{
		MessageID: id,
		GroupID:   "100",
		Time:      h.clock.Now().Unix(),
		Sender:    SenderInfo{UserID: "42", Nickname: "alice"},
		Segments:  segs,
	}
}

func seg(typ string, kv ...any) Segment {
	data := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		data[kv[i].(string)] = kv[i+1]
	}
	return Segment{Type: typ, Data: data}
}
