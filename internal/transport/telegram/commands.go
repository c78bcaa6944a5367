package telegram

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

const commandTimeout = 10 * time.Second

// Controller is the relay surface the commands operate on.
type Controller interface {
	Status(ctx context.Context) relay.Status
	BindDestination(dest string) bool
}

// SetController attaches the relay. Commands answer "not ready" until set.
func (a *Adapter) SetController(c Controller) {
	a.ctrlMu.Lock()
	a.ctrl = c
	a.ctrlMu.Unlock()
}

func (a *Adapter) controller() Controller {
	a.ctrlMu.RLock()
	defer a.ctrlMu.RUnlock()
	return a.ctrl
}

// Request is one command invocation.
type Request struct {
	Command string
	Target  Target
	FromID  int64
	Log     logx.Logger
}

type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (reply string, err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					reply, err = "", fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []logx.Field{
				logx.String("cmd", req.Command),
				logx.Int64("chat_id", req.Target.ChatID),
				logx.Int("thread_id", req.Target.ThreadID),
				logx.Int64("from_id", req.FromID),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				req.Log.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				req.Log.Debug("command ok", fields...)
			}
			return reply, err
		}
	}
}

type command struct {
	name        string
	description string
	handle      HandlerFunc
}

func (a *Adapter) commands() []command {
	return []command{
		{"relay_status", "Show relay queue and delivery counters", a.cmdStatus},
		{"relay_bind", "Relay into this chat until restart", a.cmdBind},
		{"relay_where", "Show this chat's destination id", a.cmdWhere},
	}
}

func (a *Adapter) registerCommands() {
	for _, cmd := range a.commands() {
		h := Chain(cmd.handle, MWPanicRecover(), MWRequestLog(), MWTimeout(commandTimeout))
		name := cmd.name
		a.bot.Handle("/"+name, func(c tele.Context) error {
			reply := a.runCommand(name, targetOf(c.Message()), senderID(c), h)
			if reply == "" {
				return nil
			}
			return c.Send(reply, &tele.SendOptions{DisableWebPagePreview: true, ThreadID: c.Message().ThreadID})
		})
	}
}

// runCommand applies owner checks and turns handler errors into a reply.
func (a *Adapter) runCommand(name string, t Target, from int64, h HandlerFunc) string {
	if !a.isOwner(from) {
		return "unauthorized"
	}
	req := &Request{Command: name, Target: t, FromID: from, Log: a.log}
	reply, err := h(context.Background(), req)
	if err != nil {
		return "error: " + err.Error()
	}
	return reply
}

func senderID(c tele.Context) int64 {
	if u := c.Sender(); u != nil {
		return u.ID
	}
	return 0
}

func (a *Adapter) setMenu() {
	cmds := make([]tele.Command, 0, 3)
	for _, c := range a.commands() {
		cmds = append(cmds, tele.Command{Text: c.name, Description: c.description})
	}
	if err := a.bot.SetCommands(cmds); err != nil {
		a.log.Warn("set bot commands failed", logx.Err(err))
	}
}

func (a *Adapter) cmdStatus(ctx context.Context, _ *Request) (string, error) {
	ctrl := a.controller()
	if ctrl == nil {
		return "relay not ready", nil
	}
	return FormatStatus(ctrl.Status(ctx)), nil
}

func (a *Adapter) cmdBind(_ context.Context, req *Request) (string, error) {
	ctrl := a.controller()
	if ctrl == nil {
		return "relay not ready", nil
	}
	dest := req.Target.String()
	added := ctrl.BindDestination(dest)
	return BindReply(dest, added), nil
}

func (a *Adapter) cmdWhere(_ context.Context, req *Request) (string, error) {
	return fmt.Sprintf("chat_id: %d\nthread_id: %d\ndestination: %s", req.Target.ChatID, req.Target.ThreadID, req.Target), nil
}

// FormatStatus renders a status snapshot as plain text.
func FormatStatus(st relay.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pending: %d\n", st.Pending)
	fmt.Fprintf(&b, "draining: %t\n", st.Draining)
	fmt.Fprintf(&b, "destinations: %s\n", listOrNone(st.Destinations))
	fmt.Fprintf(&b, "suppressed groups: %s\n", listOrNone(st.Suppressed))
	fmt.Fprintf(&b, "sent: %d  failed: %d  dropped: %d  archived: %d", st.Sent, st.Failed, st.Dropped, st.Archived)
	if st.LastError != "" {
		b.WriteString("\nlast error: " + st.LastError)
	}
	return b.String()
}

// BindReply tells the operator how to make a runtime binding permanent.
func BindReply(dest string, added bool) string {
	if !added {
		return "already relaying here: " + dest
	}
	return "bound " + dest + " for this run.\nto keep it, add to relay.destinations:\n  - \"" + dest + "\""
}

func listOrNone(xs []string) string {
	if len(xs) == 0 {
		return "none"
	}
	return strings.Join(xs, ", ")
}
