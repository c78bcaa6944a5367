// Package relay moves messages from monitored source groups to Telegram
// destinations and a Markdown archive.
//
// Inbound messages are queued in a durable pending set. A single drain loop,
// guarded by a non-blocking gate, waits for each entry to settle, fetches
// its full content, expands forwarded bundles, dispatches the rendered
// units, archives them once, and sleeps a time-of-day cooldown between
// messages.
package relay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// settleSlack is added to every settle wait so the entry is strictly past
// the wait threshold when the loop re-checks.
const settleSlack = 100 * time.Millisecond

type Config struct {
	SourceGroups        []string
	Destinations        []string
	RelayEnabled        bool
	ArchiveEnabled      bool
	UploadFiles         bool
	UploadMaxBytes      int64
	SaveAssets          bool
	PendingWait         time.Duration
	MaxCacheAge         time.Duration
	Cooldown            CooldownWindow
	BlockPrefixes       []string
	BlockSourceMessages bool
	DestinationPacing   time.Duration
	Location            *time.Location
}

// Deps are the collaborators a Relay drives. Archive and Index may be nil
// when archiving is not configured.
type Deps struct {
	Pending    storage.PendingStore
	Index      storage.ArchiveIndex
	Source     Source
	Sink       Sink
	Archive    Archiver
	Downloader Downloader
	Bus        eventbus.Bus
	Metrics    *Metrics
	Clock      Clock
	Log        logx.Logger
}

// InboundMessage is a group message as seen at intake.
type InboundMessage struct {
	MessageID string
	GroupID   string
	Segments  []Segment
}

// IntakeResult reports what Intake did with a message.
type IntakeResult struct {
	Queued     bool
	Suppressed bool
	// Block asks the host not to re-emit the message into its origin surface.
	Block bool
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	Pending      int
	Draining     bool
	Suppressed   []string
	Destinations []string
	Sent         uint64
	Failed       uint64
	Dropped      uint64
	Archived     uint64
	LastError    string
}

type Relay struct {
	deps     Deps
	log      logx.Logger
	suppress *SuppressionSet

	cfgMu sync.RWMutex
	cfg   Config
	bound []string
	pacer *rate.Limiter

	gate     sync.Mutex
	draining atomic.Bool

	runMu     sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	sent, failed, dropped, archived atomic.Uint64
	lastErr                         atomic.Value // string
}

func New(cfg Config, deps Deps) *Relay {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}
	r := &Relay{
		deps:     deps,
		log:      deps.Log,
		suppress: NewSuppressionSet(),
	}
	r.Apply(cfg)
	return r
}

// Apply swaps the runtime configuration. A drain in progress picks it up
// at its next message.
func (r *Relay) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	var pacer *rate.Limiter
	if cfg.DestinationPacing > 0 {
		pacer = rate.NewLimiter(rate.Every(cfg.DestinationPacing), 1)
	}
	r.cfgMu.Lock()
	r.cfg = cfg
	r.pacer = pacer
	r.cfgMu.Unlock()
}

func (r *Relay) config() (Config, *rate.Limiter) {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg, r.pacer
}

// Start sets the context background drains run under.
func (r *Relay) Start(ctx context.Context) {
	r.runMu.Lock()
	r.runCtx, r.runCancel = context.WithCancel(ctx)
	r.runMu.Unlock()
}

// Stop cancels background drains and waits for them to release the gate.
func (r *Relay) Stop() {
	r.runMu.Lock()
	cancel := r.runCancel
	r.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Wait blocks until background drains started by Trigger have returned.
func (r *Relay) Wait() { r.wg.Wait() }

func (r *Relay) runContext() context.Context {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.runCtx == nil {
		r.runCtx, r.runCancel = context.WithCancel(context.Background())
	}
	return r.runCtx
}

// BindDestination adds dest for the lifetime of the process. It reports
// false when dest was already configured.
func (r *Relay) BindDestination(dest string) bool {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return false
	}
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	for _, d := range append(append([]string(nil), r.cfg.Destinations...), r.bound...) {
		if d == dest {
			return false
		}
	}
	r.bound = append(r.bound, dest)
	return true
}

func (r *Relay) destinations() []string {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, d := range append(append([]string(nil), r.cfg.Destinations...), r.bound...) {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Intake admits a message from a monitored group into the pending set and
// triggers a drain if none is running. Messages from other groups are
// ignored. Non-numeric ids cannot be fetched later and are not queued.
func (r *Relay) Intake(ctx context.Context, msg InboundMessage) (IntakeResult, error) {
	cfg, _ := r.config()
	if !containsString(cfg.SourceGroups, msg.GroupID) {
		r.deps.Metrics.intake("ignored")
		return IntakeResult{}, nil
	}

	res := IntakeResult{Block: cfg.BlockSourceMessages}
	res.Suppressed = r.suppress.Observe(msg.GroupID, msg.Segments, cfg.BlockPrefixes)

	if !isQueryableID(msg.MessageID) {
		r.log.Debug("skipping message with unqueryable id", logx.String("message_id", msg.MessageID), logx.String("group", msg.GroupID))
		r.deps.Metrics.intake("unqueryable")
		return res, nil
	}
	if err := r.deps.Pending.Add(ctx, msg.MessageID, msg.GroupID, res.Suppressed); err != nil {
		return res, fmt.Errorf("relay: queue message %s: %w", msg.MessageID, err)
	}
	res.Queued = true
	if res.Suppressed {
		r.deps.Metrics.intake("suppressed")
	} else {
		r.deps.Metrics.intake("queued")
	}
	r.log.Debug("message queued",
		logx.String("message_id", msg.MessageID),
		logx.String("group", msg.GroupID),
		logx.Bool("suppressed", res.Suppressed),
	)
	r.Trigger()
	return res, nil
}

// Trigger starts a background drain unless one is already running. It
// reports whether a drain was started.
func (r *Relay) Trigger() bool {
	if !r.gate.TryLock() {
		return false
	}
	ctx := r.runContext()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.gate.Unlock()
		if err := r.drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("drain stopped", logx.Err(err))
		}
	}()
	return true
}

// Drain runs the drain loop on the caller's goroutine until the pending set
// is empty. It returns ErrDrainBusy if another drain holds the gate, and
// ctx.Err() on cancellation; entries not yet processed stay pending.
func (r *Relay) Drain(ctx context.Context) error {
	if !r.gate.TryLock() {
		return ErrDrainBusy
	}
	defer r.gate.Unlock()
	return r.drain(ctx)
}

// PruneExpired removes entries older than the configured max age.
func (r *Relay) PruneExpired(ctx context.Context) (int, error) {
	cfg, _ := r.config()
	n, err := r.deps.Pending.PruneExpired(ctx, cfg.MaxCacheAge)
	if err != nil {
		return 0, err
	}
	r.deps.Metrics.pruned(n)
	if n > 0 {
		r.log.Info("pruned expired pending entries", logx.Int("count", n))
	}
	return n, nil
}

func (r *Relay) drain(ctx context.Context) error {
	r.draining.Store(true)
	defer r.draining.Store(false)
	defer r.deps.Metrics.drainCycle()

	if _, err := r.PruneExpired(ctx); err != nil {
		r.log.Warn("prune failed", logx.Err(err))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg, _ := r.config()

		ready, err := r.deps.Pending.ListReady(ctx, cfg.PendingWait)
		if err != nil {
			return fmt.Errorf("relay: list ready: %w", err)
		}
		if len(ready) == 0 {
			n, err := r.deps.Pending.Len(ctx)
			if err != nil {
				return fmt.Errorf("relay: pending len: %w", err)
			}
			r.deps.Metrics.pending(n)
			if n == 0 {
				return nil
			}
			earliest, ok, err := r.deps.Pending.EarliestTimestamp(ctx)
			if err != nil {
				return fmt.Errorf("relay: earliest: %w", err)
			}
			if !ok {
				return nil
			}
			wait := max(cfg.PendingWait-r.deps.Clock.Now().Sub(earliest), 0) + settleSlack
			if err := r.deps.Clock.Sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		sortIDs(ready)
		for _, id := range ready {
			if err := r.processOne(ctx, id); err != nil {
				return err
			}
		}
	}
}

// processOne handles one ready entry. It returns only cancellation errors;
// everything else is logged and the entry is resolved.
func (r *Relay) processOne(ctx context.Context, id string) error {
	cfg, _ := r.config()
	log := r.log.With(logx.String("message_id", id))

	entry, _, err := r.deps.Pending.Get(ctx, id)
	if err != nil {
		log.Warn("pending entry unreadable", logx.Err(err))
	}

	detail, err := r.deps.Source.FetchMessageDetail(ctx, id)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Warn("message detail fetch failed; dropping", logx.Err(err))
		r.drop(ctx, id, entry.OriginGroup, "fetch_failed", err)
		return nil
	}

	now := r.deps.Clock.Now()
	if detail.Time < now.Add(-cfg.MaxCacheAge).Unix() || len(detail.Segments) == 0 {
		log.Debug("dropping stale or empty message", logx.Int64("time", detail.Time), logx.Int("segments", len(detail.Segments)))
		r.drop(ctx, id, entry.OriginGroup, "stale_or_empty", nil)
		return nil
	}

	origin := firstNonEmpty(detail.GroupID, entry.OriginGroup, detail.Sender.GroupID)
	groupID := firstNonEmpty(origin, UnknownGroup)
	groupName := UnknownGroupName
	if origin != "" {
		if name, err := r.deps.Source.FetchGroupDisplayName(ctx, origin); err != nil {
			log.Debug("group name lookup failed", logx.String("group", origin), logx.Err(err))
		} else if strings.TrimSpace(name) != "" {
			groupName = strings.TrimSpace(name)
		}
	}

	who := Attribution{
		SenderName: firstNonEmpty(detail.Sender.Card, detail.Sender.Nickname, UnknownUser),
		SenderID:   firstNonEmpty(detail.Sender.UserID, UnknownUserID),
		Time:       FormatMessageTime(detail.Time, "", cfg.Location),
	}
	expander := &Expander{Fetcher: r.deps.Source, Location: cfg.Location, Log: log}
	units := expander.Expand(ctx, detail.Segments, who, 0)

	dests := r.destinations()
	relayOn := cfg.RelayEnabled && !entry.SuppressRelay && len(dests) > 0
	if cfg.RelayEnabled && !entry.SuppressRelay && len(dests) == 0 {
		log.Warn("relay enabled but no destinations configured")
	}

	archiveKey := groupID + ":" + id
	archiveOn := cfg.ArchiveEnabled && r.deps.Archive != nil && r.deps.Index != nil
	if archiveOn {
		done, err := r.deps.Index.HasProcessed(ctx, archiveKey)
		if err != nil {
			log.Warn("archive index lookup failed", logx.Err(err))
			archiveOn = false
		} else if done {
			archiveOn = false
		}
	}

	day := dayBucket(detail.Time, now, cfg.Location)
	renderer := &Renderer{
		Files:          r.deps.Source,
		Downloader:     r.deps.Downloader,
		UploadFiles:    cfg.UploadFiles,
		UploadMaxBytes: cfg.UploadMaxBytes,
		Log:            log,
	}
	archiver := &ArchiveRenderer{Files: r.deps.Source, Assets: r.deps.Archive, SaveAssets: cfg.SaveAssets}
	var doc strings.Builder

	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		if relayOn {
			parts, temps := renderer.RenderForRelay(ctx, unit.Segments, origin)
			header := Header{GroupName: groupName, GroupID: groupID, Attribution: unit.Attribution}
			err := r.dispatchAll(ctx, log, id, origin, dests, Payload{Header: header.Format(), Parts: parts})
			RemoveTemps(log, temps)
			if err != nil {
				return err
			}
		}
		if archiveOn {
			doc.WriteString(archiver.Render(ctx, ArchiveEntry{
				Day:         day,
				MessageID:   id,
				GroupID:     groupID,
				GroupName:   groupName,
				Suppressed:  entry.SuppressRelay,
				OriginGroup: origin,
				Unit:        unit,
			}))
		}
	}

	if archiveOn && doc.Len() > 0 {
		r.appendArchive(ctx, log, archiveKey, doc.String(), storage.ArchiveMeta{
			GroupID:   groupID,
			MessageID: id,
			Day:       day,
			Time:      who.Time,
		})
	}

	if _, err := r.deps.Pending.Remove(ctx, id); err != nil {
		log.Warn("pending remove failed", logx.Err(err))
	}

	interval := cfg.Cooldown.Interval(r.deps.Clock.Now().In(cfg.Location))
	log.Debug("message processed; cooling down", logx.Int("units", len(units)), logx.Duration("cooldown", interval))
	return r.deps.Clock.Sleep(ctx, interval)
}

func (r *Relay) dispatchAll(ctx context.Context, log logx.Logger, id, group string, dests []string, p Payload) error {
	_, pacer := r.config()
	for _, dest := range dests {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return err
			}
		}
		err := r.deps.Sink.Dispatch(ctx, dest, p)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			r.failed.Add(1)
			r.lastErr.Store(dest + ": " + err.Error())
			r.deps.Metrics.dispatch("failed")
			log.Warn("dispatch failed", logx.String("destination", dest), logx.Err(err))
			r.publish(eventbus.RelayFailed, eventbus.Delivery{MessageID: id, Group: group, Destination: dest, Err: err})
			continue
		}
		r.sent.Add(1)
		r.deps.Metrics.dispatch("sent")
		log.Info("relayed", logx.String("destination", dest))
		r.publish(eventbus.RelaySent, eventbus.Delivery{MessageID: id, Group: group, Destination: dest})
	}
	return nil
}

func (r *Relay) appendArchive(ctx context.Context, log logx.Logger, key, content string, meta storage.ArchiveMeta) {
	id, group, day := meta.MessageID, meta.GroupID, meta.Day
	if err := r.deps.Archive.Append(ctx, day, content); err != nil {
		r.lastErr.Store("archive: " + err.Error())
		r.deps.Metrics.archive("failed")
		log.Warn("archive append failed", logx.String("day", day), logx.Err(err))
		r.publish(eventbus.ArchiveFailed, eventbus.Delivery{MessageID: id, Group: group, Err: err})
		return
	}
	meta.At = r.deps.Clock.Now().Unix()
	if err := r.deps.Index.MarkProcessed(ctx, key, meta); err != nil {
		log.Warn("archive index update failed", logx.Err(err))
	}
	r.archived.Add(1)
	r.deps.Metrics.archive("appended")
	r.publish(eventbus.ArchiveAppended, eventbus.Delivery{MessageID: id, Group: group})
}

func (r *Relay) drop(ctx context.Context, id, group, reason string, cause error) {
	found, err := r.deps.Pending.Remove(ctx, id)
	if err != nil {
		r.log.Warn("pending remove failed", logx.String("message_id", id), logx.Err(err))
	}
	if !found && err == nil {
		return
	}
	r.dropped.Add(1)
	r.publish(eventbus.RelayDropped, eventbus.Delivery{MessageID: id, Group: group, Reason: reason, Err: cause})
}

func (r *Relay) publish(typ string, d eventbus.Delivery) {
	r.deps.Bus.Publish(eventbus.Event{Type: typ, Time: r.deps.Clock.Now(), Data: d})
}

// Status returns counters and the current queue state.
func (r *Relay) Status(ctx context.Context) Status {
	st := Status{
		Draining:     r.draining.Load(),
		Suppressed:   r.suppress.Groups(),
		Destinations: r.destinations(),
		Sent:         r.sent.Load(),
		Failed:       r.failed.Load(),
		Dropped:      r.dropped.Load(),
		Archived:     r.archived.Load(),
	}
	if n, err := r.deps.Pending.Len(ctx); err == nil {
		st.Pending = n
	}
	if s, ok := r.lastErr.Load().(string); ok {
		st.LastError = s
	}
	return st
}

func dayBucket(unix int64, now time.Time, loc *time.Location) string {
	t := now
	if unix > 0 {
		t = time.Unix(unix, 0)
	}
	return t.In(loc).Format("2006-01-02")
}

func isQueryableID(id string) bool {
	if id == "" {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.TrimSpace(s) == v {
			return true
		}
	}
	return false
}

// sortIDs orders message ids numerically. Non-numeric ids sort after numeric
// ones, by string.
func sortIDs(ids []string) {
	slices.SortFunc(ids, func(a, b string) int {
		na, errA := strconv.ParseInt(a, 10, 64)
		nb, errB := strconv.ParseInt(b, 10, 64)
		switch {
		case errA == nil && errB == nil:
			return cmp.Compare(na, nb)
		case errA == nil:
			return -1
		case errB == nil:
			return 1
		}
		return strings.Compare(a, b)
	})
}
