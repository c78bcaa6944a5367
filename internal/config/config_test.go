package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
onebot:
  api_url: http://127.0.0.1:3000
  ws_url: ws://127.0.0.1:3001
relay:
  source_groups: [100, "200"]
  destinations: ["-1001", "-1002:7"]
  cooldown_day_start: "09:00"
  block_prefixes: ["!!"]
archive:
  enabled: true
  root: ./archive
storage:
  driver: sqlite
  path: ./relay.db
logging:
  level: info
  console: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := Strings(cfg.Relay.SourceGroups); len(got) != 2 || got[0] != "100" || got[1] != "200" {
		t.Fatalf("source_groups=%v", got)
	}
	if cfg.Storage.Driver != "sqlite" || !cfg.Archive.Enabled || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if !Enabled(cfg.Relay.RelayEnabled, true) {
		t.Fatalf("relay_enabled should default to true")
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit")
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     `{"onebot":{"api_url":"http://x"},"bogus":1}`,
		"trailing data":   `{"onebot":{"api_url":"http://x"}}{}`,
		"missing api":     `{}`,
		"bad driver":      `{"onebot":{"api_url":"http://x"},"storage":{"driver":"redis"}}`,
		"bad duration":    `{"onebot":{"api_url":"http://x","timeout":"soon"}}`,
		"negative":        `{"onebot":{"api_url":"http://x"},"relay":{"pending_wait_seconds":-1}}`,
		"bad timezone":    `{"onebot":{"api_url":"http://x"},"relay":{"timezone":"Mars/Base"}}`,
		"token required":  `{"onebot":{"api_url":"http://x"},"relay":{"destinations":["-1"]}}`,
		"float id":        `{"onebot":{"api_url":"http://x"},"relay":{"source_groups":[1.5]}}`,
		"alert needs log": `{"onebot":{"api_url":"http://x"},"logging":{"telegram":{"enabled":true}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode("config.json", []byte(body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDecodeRelayDisabledNeedsNoToken(t *testing.T) {
	body := `{"onebot":{"api_url":"http://x"},"relay":{"relay_enabled":false,"destinations":["-1"]}}`
	if _, err := Decode("config.json", []byte(body)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	newCfg.Relay.CooldownDaySeconds = 30
	newCfg.Storage.Path = "./other.db"
	newCfg.Telegram.Token = "999:zzz"

	ch := SummarizeConfigChange(oldCfg, newCfg)
	joined := strings.Join(ch.Sections, ",")
	if joined != "telegram,relay,storage" {
		t.Fatalf("sections=%q", joined)
	}
	if r := strings.Join(ch.RestartRequired, ","); r != "telegram,storage" {
		t.Fatalf("restart=%q", r)
	}

	if ch := SummarizeConfigChange(oldCfg, oldCfg); len(ch.Sections) != 0 {
		t.Fatalf("no-op change reported %v", ch.Sections)
	}
}

func TestDurationHelpers(t *testing.T) {
	if got := DurationOr("", time.Second); got != time.Second {
		t.Fatalf("DurationOr empty=%v", got)
	}
	if got := DurationOr("250ms", time.Second); got != 250*time.Millisecond {
		t.Fatalf("DurationOr=%v", got)
	}
	if got := SecondsOr(0, time.Hour); got != time.Hour {
		t.Fatalf("SecondsOr=%v", got)
	}
	if got := MegabytesOr(2, 0); got != 2<<20 {
		t.Fatalf("MegabytesOr=%v", got)
	}
}

func TestWatchPublishesValidChange(t *testing.T) {
	path := writeFile(t, "config.json", `{"onebot":{"api_url":"http://a"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return nil })
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	// the watcher may not be registered yet; rewrite until a publish lands
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.OneBot.APIURL != "http://b" {
				t.Fatalf("published api_url=%q", cfg.OneBot.APIURL)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte(`{"onebot":{"api_url":"http://b"}}`), 0o644); err != nil {
				t.Fatalf("rewrite: %v", err)
			}
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}
