// Package supervisor runs named goroutines under one cancelable context
// with panic recovery and restart backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// Supervisor owns a group of long-running tasks. Stop cancels them all and
// waits for them to return.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	errOnce     sync.Once
	firstErr    error
	wg          sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*TaskStats
}

// TaskStats is the operator view of one named task.
type TaskStats struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Starts    int       `json:"starts"`
	Panics    int       `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastErr   string    `json:"last_err,omitempty"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels every task when any task returns an error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop(), tasks: map[string]*TaskStats{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first task error, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) setErr(err error) {
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.firstErr = err
		s.mu.Unlock()
	})
	if s.cancelOnErr {
		s.cancel()
	}
}

// Snapshot lists task stats sorted by name.
func (s *Supervisor) Snapshot() []TaskStats {
	s.mu.Lock()
	out := make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) begin(name string) {
	s.mu.Lock()
	t := s.tasks[name]
	if t == nil {
		t = &TaskStats{Name: name}
		s.tasks[name] = t
	}
	t.Running = true
	t.Starts++
	t.LastStart = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) end(name string, err error, panicked bool) {
	s.mu.Lock()
	if t := s.tasks[name]; t != nil {
		t.Running = false
		if panicked {
			t.Panics++
		}
		if err != nil {
			t.LastErr = err.Error()
		}
	}
	s.mu.Unlock()
}

// run executes fn once, converting a panic into an error.
func (s *Supervisor) run(name string, fn func(context.Context) error) (err error) {
	s.begin(name)
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
			err = nil
		}
		s.end(name, err, panicked)
	}()
	return fn(s.ctx)
}

// Go runs fn once. A non-nil error other than cancellation is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("task started", logx.String("task", name))
		if err := s.run(name, fn); err != nil {
			s.log.Warn("task failed", logx.String("task", name), logx.Err(err))
			s.setErr(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("task stopped", logx.String("task", name))
	}()
}

type restartCfg struct {
	min, max time.Duration
	// restart after a nil return too
	always bool
}

type RestartOption func(*restartCfg)

// WithBackoff bounds the jittered exponential delay between restarts.
func WithBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.min = min
		}
		if max > 0 {
			c.max = max
		}
	}
}

// WithRestartOnCleanExit restarts fn when it returns nil while the
// supervisor is still running.
func WithRestartOnCleanExit() RestartOption {
	return func(c *restartCfg) { c.always = true }
}

// GoRestart runs fn until the supervisor stops, restarting it after errors
// and panics. A run that lasted 30s or more resets the backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	cfg := restartCfg{min: 500 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.max < cfg.min {
		cfg.max = cfg.min
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.min
		for s.ctx.Err() == nil {
			started := time.Now()
			err := s.run(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			if err == nil {
				if !cfg.always {
					return
				}
				err = errors.New("exited")
			}
			if time.Since(started) >= 30*time.Second {
				backoff = cfg.min
			}
			wait := backoff + time.Duration(rand.Int64N(int64(backoff)/5+1))
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.max)
		}
	}()
}

// Stop cancels all tasks and waits until they return or ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
