package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/relay"
	logx "relaybot/pkg/logx"
)

func decode(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("config.json", []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return cfg
}

func TestMapRelayConfigDefaults(t *testing.T) {
	cfg := decode(t, `{"onebot":{"api_url":"http://x"},"relay":{"source_groups":[100]}}`)
	rc, err := mapRelayConfig(cfg)
	if err != nil {
		t.Fatalf("mapRelayConfig: %v", err)
	}
	if rc.PendingWait != time.Second || rc.MaxCacheAge != time.Hour {
		t.Fatalf("wait=%v age=%v", rc.PendingWait, rc.MaxCacheAge)
	}
	if rc.UploadMaxBytes != 10<<20 || !rc.UploadFiles || !rc.RelayEnabled {
		t.Fatalf("upload=%d files=%v relay=%v", rc.UploadMaxBytes, rc.UploadFiles, rc.RelayEnabled)
	}
	if rc.Cooldown != relay.DefaultCooldownWindow() {
		t.Fatalf("cooldown=%+v", rc.Cooldown)
	}
	if rc.DestinationPacing != 200*time.Millisecond || rc.Location != time.Local {
		t.Fatalf("pacing=%v loc=%v", rc.DestinationPacing, rc.Location)
	}
	if len(rc.SourceGroups) != 1 || rc.SourceGroups[0] != "100" {
		t.Fatalf("groups=%v", rc.SourceGroups)
	}
}

func TestMapRelayConfigOverrides(t *testing.T) {
	cfg := decode(t, `{
		"telegram":{"token":"1:a"},
		"onebot":{"api_url":"http://x"},
		"relay":{
			"destinations":[" -1001 "],
			"upload_files":false,
			"upload_max_mb":3,
			"cooldown_day_seconds":5,
			"cooldown_night_start":"02:30",
			"destination_pacing":"1s",
			"timezone":"UTC"
		}
	}`)
	rc, err := mapRelayConfig(cfg)
	if err != nil {
		t.Fatalf("mapRelayConfig: %v", err)
	}
	if len(rc.Destinations) != 1 || rc.Destinations[0] != "-1001" {
		t.Fatalf("destinations=%q", rc.Destinations)
	}
	if rc.UploadFiles || rc.UploadMaxBytes != 3<<20 {
		t.Fatalf("upload files=%v max=%d", rc.UploadFiles, rc.UploadMaxBytes)
	}
	if rc.Cooldown.Day != 5*time.Second || rc.Cooldown.NightStart != relay.ClockTime(150) {
		t.Fatalf("cooldown=%+v", rc.Cooldown)
	}
	if rc.DestinationPacing != time.Second || rc.Location.String() != "UTC" {
		t.Fatalf("pacing=%v loc=%v", rc.DestinationPacing, rc.Location)
	}
}

func TestMapArchiveConfig(t *testing.T) {
	cfg := decode(t, `{"onebot":{"api_url":"http://x"},"archive":{"enabled":true}}`)
	ac := mapArchiveConfig(cfg)
	if ac.Root != "./archive" || ac.AssetMaxBytes != 20<<20 {
		t.Fatalf("archive=%+v", ac)
	}
	cfg.Archive.Enabled = false
	if ac := mapArchiveConfig(cfg); ac.Root != "" {
		t.Fatalf("disabled archive root=%q", ac.Root)
	}
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name, driver, path string
		wantDriver         string
		wantErr            bool
	}{
		{name: "default", wantDriver: "file"},
		{name: "sqlite", driver: "sqlite", path: "x.db", wantDriver: "sqlite"},
		{name: "sqlite no path", driver: "sqlite", wantErr: true},
		{name: "badger", driver: "Badger", path: "dir", wantDriver: "badger"},
		{name: "unknown", driver: "redis", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{Storage: config.StorageConfig{Driver: tc.driver, Path: tc.path}}
			sc, err := mapStorageConfig(cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("mapStorageConfig: %v", err)
			}
			if sc.Driver != tc.wantDriver || sc.Path == "" {
				t.Fatalf("storage=%+v", sc)
			}
		})
	}
}

func TestMapLogConfigUsesLogChat(t *testing.T) {
	cfg := decode(t, `{"telegram":{"log_chat":"-100:5"},"onebot":{"api_url":"http://x"},"logging":{"level":"debug","telegram":{"enabled":true}}}`)
	lc := mapLogConfig(cfg)
	if lc.Level != "debug" || !lc.Telegram.Enabled || lc.Telegram.Destination != "-100:5" {
		t.Fatalf("log=%+v", lc)
	}
}

func TestValidate(t *testing.T) {
	bad := map[string]string{
		"sweep":       `{"onebot":{"api_url":"http://x"},"relay":{"sweep_schedule":"every now and then"}}`,
		"destination": `{"telegram":{"token":"1:a"},"onebot":{"api_url":"http://x"},"relay":{"destinations":["chan"]}}`,
		"log chat":    `{"telegram":{"log_chat":"x"},"onebot":{"api_url":"http://x"}}`,
		"ops bind":    `{"onebot":{"api_url":"http://x"},"ops":{"enabled":true,"addr":"0.0.0.0:9464"}}`,
	}
	for name, body := range bad {
		t.Run(name, func(t *testing.T) {
			if err := validate(decode(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	good := decode(t, `{"onebot":{"api_url":"http://x"},"relay":{"sweep_schedule":"*/30 * * * * *"},"ops":{"enabled":true,"addr":"0.0.0.0:9464","token":"t"}}`)
	if err := validate(good); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

type fakeSweepTarget struct {
	pruneErr  error
	pruned    atomic.Int32
	triggered atomic.Int32
}

func (f *fakeSweepTarget) PruneExpired(context.Context) (int, error) {
	f.pruned.Add(1)
	return 0, f.pruneErr
}

func (f *fakeSweepTarget) Trigger() bool {
	f.triggered.Add(1)
	return true
}

type fakeProbe struct {
	has bool
	err error
}

func (f fakeProbe) HasAny(context.Context) (bool, error) { return f.has, f.err }

func TestSweepTriggersOnlyWhenPending(t *testing.T) {
	target := &fakeSweepTarget{}
	s := newSweeper("@every 1m", nil, target, fakeProbe{}, logx.Nop())
	s.sweep(context.Background())
	if target.pruned.Load() != 1 || target.triggered.Load() != 0 {
		t.Fatalf("empty: pruned=%d triggered=%d", target.pruned.Load(), target.triggered.Load())
	}

	s.probe = fakeProbe{has: true}
	target.pruneErr = errors.New("disk")
	s.sweep(context.Background())
	if target.pruned.Load() != 2 || target.triggered.Load() != 1 {
		t.Fatalf("pending: pruned=%d triggered=%d", target.pruned.Load(), target.triggered.Load())
	}

	s.probe = fakeProbe{err: errors.New("boom")}
	s.sweep(context.Background())
	if target.triggered.Load() != 1 {
		t.Fatalf("probe error must not trigger")
	}
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	target := &fakeSweepTarget{}
	s := newSweeper("@every 1s", time.UTC, target, fakeProbe{has: true}, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for target.triggered.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweep never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := s.Apply("bogus", time.UTC); err == nil {
		t.Fatalf("Apply accepted a bad schedule")
	}
	if err := s.Apply("@every 2s", time.UTC); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}
