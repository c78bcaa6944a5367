package onebot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

const (
	handshakeTimeout = 10 * time.Second
	readIdleTimeout  = 90 * time.Second
)

// ErrNoEndpoint is returned by Listen when no websocket URL is configured.
var ErrNoEndpoint = errors.New("onebot: websocket url not configured")

// Handler receives group message events in arrival order.
type Handler func(ctx context.Context, msg relay.InboundMessage)

// Listener reads the OneBot forward websocket.
type Listener struct {
	url    string
	token  string
	dialer websocket.Dialer
	log    logx.Logger
}

func NewListener(cfg Config, log logx.Logger) *Listener {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Listener{
		url:    strings.TrimSpace(cfg.WSURL),
		token:  strings.TrimSpace(cfg.AccessToken),
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		log:    log,
	}
}

// Listen connects once and delivers events until the connection drops or
// ctx ends. It always returns a non-nil error; reconnects belong to the
// caller.
func (l *Listener) Listen(ctx context.Context, handle Handler) error {
	if l.url == "" {
		return ErrNoEndpoint
	}
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}
	conn, resp, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("onebot websocket dial (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("onebot websocket dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	l.log.Info("onebot websocket connected", logx.String("url", l.url))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("onebot websocket read: %w", err)
		}
		msg, ok, err := ParseEvent(data)
		if err != nil {
			l.log.Debug("skipping undecodable event", logx.Err(err))
			continue
		}
		if ok {
			handle(ctx, msg)
		}
	}
}

type event struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	MessageID   any    `json:"message_id"`
	GroupID     any    `json:"group_id"`
	Message     any    `json:"message"`
	RawMessage  string `json:"raw_message"`
}

// ParseEvent decodes one frame and reports whether it is a group message.
// Heartbeats, notices and action echoes report ok=false.
func ParseEvent(data []byte) (relay.InboundMessage, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var ev event
	if err := dec.Decode(&ev); err != nil {
		return relay.InboundMessage{}, false, err
	}
	if ev.PostType != "message" || ev.MessageType != "group" {
		return relay.InboundMessage{}, false, nil
	}
	segs := relay.NormalizeSegments(ev.Message)
	if len(segs) == 0 && ev.RawMessage != "" {
		segs = relay.NormalizeSegments(ev.RawMessage)
	}
	return relay.InboundMessage{
		MessageID: firstString(ev.MessageID),
		GroupID:   firstString(ev.GroupID),
		Segments:  segs,
	}, true, nil
}
