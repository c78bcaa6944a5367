// Package telegram is the destination side of the relay: it delivers
// payloads to chats and forum topics and serves the operator commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	tele "gopkg.in/telebot.v4"

	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	logx "relaybot/pkg/logx"
)

const (
	textLimit = 4000

	defaultBreakerFailures = 5
	defaultBreakerCooldown = time.Minute
)

// ErrDestinationPaused wraps breaker rejections so callers can tell a
// fast-fail apart from an API error.
var ErrDestinationPaused = errors.New("telegram: destination paused")

type Config struct {
	Token        string
	APIURL       string
	PollTimeout  time.Duration
	OwnerUserIDs []int64

	// consecutive failures that open a destination's breaker
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// Offline skips the getMe handshake in NewBot.
	Offline bool
}

// sender is the subset of *tele.Bot used for delivery.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Adapter owns the bot. It implements relay.Sink and logx.AlertSender.
type Adapter struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	send sender

	brMu     sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]

	ownMu  sync.RWMutex
	owners []int64

	ctrlMu sync.RWMutex
	ctrl   Controller

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := newAdapter(cfg, b, log)
	a.bot = b
	a.registerCommands()
	return a, nil
}

func newAdapter(cfg Config, s sender, log logx.Logger) *Adapter {
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaultBreakerCooldown
	}
	return &Adapter{
		cfg:      cfg,
		log:      log,
		send:     s,
		breakers: map[string]*gobreaker.CircuitBreaker[struct{}]{},
		owners:   append([]int64(nil), cfg.OwnerUserIDs...),
	}
}

// SetOwners replaces the user ids allowed to run commands.
func (a *Adapter) SetOwners(ids []int64) {
	a.ownMu.Lock()
	a.owners = append([]int64(nil), ids...)
	a.ownMu.Unlock()
}

func (a *Adapter) isOwner(id int64) bool {
	a.ownMu.RLock()
	defer a.ownMu.RUnlock()
	if len(a.owners) == 0 {
		return true
	}
	for _, o := range a.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Start begins long polling for commands under its own supervisor.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running || a.bot == nil {
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	bot := a.bot
	a.sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		bot.Stop()
		return nil
	})
	// telebot's Start blocks until Stop; rerun it if it returns early.
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		bot.Start()
		a.log.Info("polling stopped")
		return nil
	}, rtsup.WithBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithRestartOnCleanExit())
	a.setMenu()
	return nil
}

// Stop ends polling. It waits at most two seconds for the long poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) breaker(dest string) *gobreaker.CircuitBreaker[struct{}] {
	a.brMu.Lock()
	defer a.brMu.Unlock()
	if cb, ok := a.breakers[dest]; ok {
		return cb
	}
	failures := a.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        dest,
		MaxRequests: 1,
		Timeout:     a.cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.log.Warn("destination breaker state changed", logx.String("destination", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	a.breakers[dest] = cb
	return cb
}

// Dispatch sends one payload: the text message first, then photos by URL,
// then documents from local files. An open breaker fails fast.
func (a *Adapter) Dispatch(ctx context.Context, dest string, p relay.Payload) error {
	target, err := ParseDestination(dest)
	if err != nil {
		return err
	}
	_, err = a.breaker(dest).Execute(func() (struct{}, error) {
		return struct{}{}, a.deliver(ctx, target, p)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrDestinationPaused, dest, err)
	}
	return err
}

func (a *Adapter) deliver(ctx context.Context, t Target, p relay.Payload) error {
	if err := a.sendText(ctx, t, ComposeText(p), tele.ModeMarkdownV2); err != nil {
		return err
	}
	opts := &tele.SendOptions{ThreadID: t.ThreadID}
	for _, part := range p.Parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		var what interface{}
		switch part.Kind {
		case relay.PartImage:
			what = &tele.Photo{File: tele.FromURL(part.URL)}
		case relay.PartFile:
			what = &tele.Document{File: tele.FromDisk(part.Path), FileName: part.Name}
		default:
			continue
		}
		if _, err := a.send.Send(t.chat(), what, opts); err != nil {
			return fmt.Errorf("telegram: send %s: %w", part.Kind, err)
		}
	}
	return nil
}

// ComposeText is the MarkdownV2 body of a payload: the header, a blank
// line, then the escaped text parts.
func ComposeText(p relay.Payload) string {
	body := relay.EscapeMarkdownV2Text(p.TextParts())
	if p.Header == "" {
		return body
	}
	if body == "" {
		return p.Header
	}
	return p.Header + "\n\n" + body
}

// SendAlert delivers a plain-text log alert.
func (a *Adapter) SendAlert(ctx context.Context, destination, text string) error {
	t, err := ParseDestination(destination)
	if err != nil {
		return err
	}
	return a.sendText(ctx, t, text, "")
}

func (a *Adapter) sendText(ctx context.Context, t Target, text, mode string) error {
	for _, chunk := range splitText(text, textLimit, mode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := &tele.SendOptions{
			ParseMode:             tele.ParseMode(mode),
			DisableWebPagePreview: true,
			ThreadID:              t.ThreadID,
		}
		if _, err := a.send.Send(t.chat(), chunk, opts); err != nil {
			return fmt.Errorf("telegram: send text: %w", err)
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries. In MarkdownV2 a chunk never ends on an escaping backslash.
func splitText(s string, limit int, mode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	markdown := mode == tele.ModeMarkdownV2
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if markdown {
				n := 0
				for i := end - 1; i >= start && rs[i] == '\\'; i-- {
					n++
				}
				if n%2 == 1 {
					end--
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
