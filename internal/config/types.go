package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	OneBot   OneBotConfig   `json:"onebot"`
	Relay    RelayConfig    `json:"relay"`
	Archive  ArchiveConfig  `json:"archive"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Ops      OpsConfig      `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	APIURL       string  `json:"api_url,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// LogChat receives log alerts; "<chat_id>" or "<chat_id>:<thread_id>".
	LogChat string `json:"log_chat,omitempty"`
}

// OneBotConfig addresses the QQ side (a OneBot v11 implementation).
type OneBotConfig struct {
	APIURL      string `json:"api_url"`
	WSURL       string `json:"ws_url"`
	AccessToken string `json:"access_token,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// RelayConfig controls the relay pipeline. Second-valued fields use 0 for
// "default".
//
// Example:
//
//	"relay": {
//	  "source_groups": [123456],
//	  "destinations": ["-1001234567890", "-1001234567890:42"],
//	  "cooldown_day_start": "09:00",
//	  "cooldown_night_start": "01:00"
//	}
type RelayConfig struct {
	SourceGroups []IDString `json:"source_groups"`
	Destinations []string   `json:"destinations"`

	// RelayEnabled is a pointer so an omitted key means enabled.
	RelayEnabled *bool `json:"relay_enabled,omitempty"`
	UploadFiles  *bool `json:"upload_files,omitempty"`
	UploadMaxMB  int   `json:"upload_max_mb,omitempty"`

	PendingWaitSeconds   int `json:"pending_wait_seconds,omitempty"`
	MaxCacheAgeSeconds   int `json:"max_cache_age_seconds,omitempty"`
	CooldownDaySeconds   int `json:"cooldown_day_seconds,omitempty"`
	CooldownNightSeconds int `json:"cooldown_night_seconds,omitempty"`

	CooldownDayStart   string `json:"cooldown_day_start,omitempty"`
	CooldownNightStart string `json:"cooldown_night_start,omitempty"`

	BlockPrefixes       []string `json:"block_prefixes,omitempty"`
	BlockSourceMessages bool     `json:"block_source_messages,omitempty"`

	// DestinationPacing is a Go duration string; default "200ms".
	DestinationPacing string `json:"destination_pacing,omitempty"`
	// SweepSchedule is a cron spec; default "@every 1m".
	SweepSchedule string `json:"sweep_schedule,omitempty"`
	// Timezone names the IANA zone for cooldown and archive days.
	Timezone string `json:"timezone,omitempty"`
}

type ArchiveConfig struct {
	Enabled    bool   `json:"enabled"`
	Root       string `json:"root,omitempty"`
	SaveAssets bool   `json:"save_assets,omitempty"`
	AssetMaxMB int    `json:"asset_max_mb,omitempty"`
	HTMLMirror bool   `json:"html_mirror,omitempty"`
}

// StorageConfig selects the pending-set and dedup-index backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/relay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// OpsConfig controls the operator HTTP server (/healthz, /metrics, pprof).
//
// Security note: prefer a loopback address. A non-loopback address needs a
// token unless allow_insecure is set.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// IDString is an id written as either a JSON number or a string.
type IDString string

func (s *IDString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = IDString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a number or string: %s", b)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("id must be an integer: %s", b)
	}
	*s = IDString(n.String())
	return nil
}

// Strings returns the ids as plain strings, skipping blanks.
func Strings(ids []IDString) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if v := strings.TrimSpace(string(id)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Enabled resolves an optional toggle.
func Enabled(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
