// Package onebot talks to a OneBot v11 implementation: HTTP actions for
// lookups and a forward websocket for group message events.
package onebot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

// ErrAction is returned when the implementation answers with a failed status.
var ErrAction = errors.New("onebot: action failed")

const (
	DefaultTimeout = 15 * time.Second
	maxResponse    = 8 << 20
)

// Config addresses the OneBot endpoints.
type Config struct {
	APIURL      string
	WSURL       string
	AccessToken string
	Timeout     time.Duration
}

// Client implements relay.Source over the OneBot HTTP action API.
type Client struct {
	apiURL string
	token  string
	http   *http.Client
	log    logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		apiURL: strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		token:  strings.TrimSpace(cfg.AccessToken),
		http:   &http.Client{Timeout: timeout},
		log:    log,
	}
}

type actionResponse struct {
	Status  string `json:"status"`
	RetCode int    `json:"retcode"`
	Message string `json:"message"`
	Wording string `json:"wording"`
	Data    any    `json:"data"`
}

// Call posts params to /{action} and returns the unwrapped data field.
func (c *Client) Call(ctx context.Context, action string, params map[string]any) (any, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onebot %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("onebot %s: http %s", action, resp.Status)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponse))
	dec.UseNumber()
	var out actionResponse
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("onebot %s: decode: %w", action, err)
	}
	if st := strings.ToLower(out.Status); (st != "" && st != "ok" && st != "async") || out.RetCode != 0 {
		msg := out.Wording
		if msg == "" {
			msg = out.Message
		}
		return nil, fmt.Errorf("%w: %s retcode=%d %s", ErrAction, action, out.RetCode, msg)
	}
	return out.Data, nil
}

// FetchMessageDetail calls get_msg.
func (c *Client) FetchMessageDetail(ctx context.Context, id string) (relay.MessageDetail, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return relay.MessageDetail{}, fmt.Errorf("onebot get_msg: non-numeric id %q", id)
	}
	data, err := c.Call(ctx, "get_msg", map[string]any{"message_id": n})
	if err != nil {
		return relay.MessageDetail{}, err
	}
	m, ok := data.(map[string]any)
	if !ok || m == nil {
		return relay.MessageDetail{}, relay.ErrNotFound
	}
	return detailFromMap(id, m), nil
}

func detailFromMap(id string, m map[string]any) relay.MessageDetail {
	sender, _ := m["sender"].(map[string]any)
	ts, _ := asInt64(m["time"])
	d := relay.MessageDetail{
		MessageID: firstString(m["message_id"], id),
		GroupID:   firstString(m["group_id"]),
		Time:      ts,
		Segments:  relay.NormalizeSegments(m["message"]),
	}
	if sender != nil {
		d.Sender = relay.SenderInfo{
			UserID:   firstString(sender["user_id"]),
			Nickname: firstString(sender["nickname"]),
			Card:     firstString(sender["card"]),
			GroupID:  firstString(sender["group_id"]),
		}
	}
	return d
}

// FetchForwardBundle calls get_forward_msg. An empty answer is not an error.
func (c *Client) FetchForwardBundle(ctx context.Context, id string) ([]relay.BundleNode, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	data, err := c.Call(ctx, "get_forward_msg", map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	var list []any
	switch v := data.(type) {
	case map[string]any:
		list, _ = v["messages"].([]any)
		if list == nil {
			list, _ = v["message"].([]any)
		}
	case []any:
		list = v
	}
	nodes := make([]relay.BundleNode, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			if inner, ok := m["data"].(map[string]any); ok && m["type"] == "node" {
				m = inner
			}
			nodes = append(nodes, relay.BundleNode(m))
		}
	}
	return nodes, nil
}

// ResolveFileURL prefers an http(s) url already present on the segment and
// otherwise asks get_group_file_url. Failures resolve to "".
func (c *Client) ResolveFileURL(ctx context.Context, group string, data map[string]any) string {
	direct := firstString(data["url"], data["file"])
	if isHTTP(direct) {
		return direct
	}
	fileID := firstString(data["file_id"], data["id"], data["fid"])
	gid, err := strconv.ParseInt(strings.TrimSpace(group), 10, 64)
	if fileID == "" || err != nil {
		return ""
	}
	params := map[string]any{"group_id": gid, "file_id": fileID}
	if busid := firstString(data["busid"], data["bus_id"]); busid != "" {
		if n, err := strconv.ParseInt(busid, 10, 64); err == nil && n >= 0 {
			params["busid"] = n
		}
	}
	resp, err := c.Call(ctx, "get_group_file_url", params)
	if err != nil {
		c.log.Debug("get_group_file_url failed", logx.String("group", group), logx.String("file_id", fileID), logx.Err(err))
		return ""
	}
	m, _ := resp.(map[string]any)
	if u := firstString(m["url"], m["file_url"]); isHTTP(u) {
		return u
	}
	return ""
}

// FetchGroupDisplayName calls get_group_info.
func (c *Client) FetchGroupDisplayName(ctx context.Context, group string) (string, error) {
	gid, err := strconv.ParseInt(strings.TrimSpace(group), 10, 64)
	if err != nil {
		return "", fmt.Errorf("onebot get_group_info: non-numeric group %q", group)
	}
	data, err := c.Call(ctx, "get_group_info", map[string]any{"group_id": gid, "no_cache": false})
	if err != nil {
		return "", err
	}
	m, _ := data.(map[string]any)
	name := firstString(m["group_name"])
	if name == "" {
		return "", relay.ErrNotFound
	}
	return name, nil
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func firstString(vals ...any) string {
	for _, v := range vals {
		var s string
		switch x := v.(type) {
		case nil:
		case string:
			s = x
		case json.Number:
			s = x.String()
		case float64:
			s = strconv.FormatFloat(x, 'f', -1, 64)
		case int64:
			s = strconv.FormatInt(x, 10)
		case int:
			s = strconv.Itoa(x)
		default:
			s = fmt.Sprint(x)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		if f, err := x.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	}
	return 0, false
}
