package app

import (
	"fmt"
	"strings"
	"time"

	"relaybot/internal/archive"
	"relaybot/internal/config"
	"relaybot/internal/observability/ops"
	"relaybot/internal/relay"
	"relaybot/internal/storage"
	"relaybot/internal/transport/onebot"
	"relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

const (
	defaultPendingWait    = 1 * time.Second
	defaultMaxCacheAge    = 3600 * time.Second
	defaultUploadMaxBytes = 10 << 20
	defaultAssetMaxBytes  = 20 << 20
	defaultPacing         = 200 * time.Millisecond
	defaultSweepSchedule  = "@every 1m"
	defaultArchiveRoot    = "./archive"
	defaultStoragePath    = "./data/relay.json"
	defaultBusyTimeout    = 1 * time.Second
	defaultPollTimeout    = 10 * time.Second
)

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("relay.timezone: invalid %q: %w", name, err)
	}
	return loc, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	rc := cfg.Relay
	loc, err := loadLocation(rc.Timezone)
	if err != nil {
		return relay.Config{}, err
	}
	def := relay.DefaultCooldownWindow()
	return relay.Config{
		SourceGroups:        config.Strings(rc.SourceGroups),
		Destinations:        trimAll(rc.Destinations),
		RelayEnabled:        config.Enabled(rc.RelayEnabled, true),
		ArchiveEnabled:      cfg.Archive.Enabled,
		UploadFiles:         config.Enabled(rc.UploadFiles, true),
		UploadMaxBytes:      config.MegabytesOr(rc.UploadMaxMB, defaultUploadMaxBytes),
		SaveAssets:          cfg.Archive.SaveAssets,
		PendingWait:         config.SecondsOr(rc.PendingWaitSeconds, defaultPendingWait),
		MaxCacheAge:         config.SecondsOr(rc.MaxCacheAgeSeconds, defaultMaxCacheAge),
		BlockPrefixes:       rc.BlockPrefixes,
		BlockSourceMessages: rc.BlockSourceMessages,
		DestinationPacing:   config.DurationOr(rc.DestinationPacing, defaultPacing),
		Location:            loc,
		Cooldown: relay.CooldownWindow{
			Day:        config.SecondsOr(rc.CooldownDaySeconds, def.Day),
			Night:      config.SecondsOr(rc.CooldownNightSeconds, def.Night),
			DayStart:   relay.ParseClock(rc.CooldownDayStart, def.DayStart),
			NightStart: relay.ParseClock(rc.CooldownNightStart, def.NightStart),
		},
	}, nil
}

func mapArchiveConfig(cfg *config.Config) archive.Config {
	ac := cfg.Archive
	root := strings.TrimSpace(ac.Root)
	if root == "" {
		root = defaultArchiveRoot
	}
	if !ac.Enabled {
		root = ""
	}
	return archive.Config{
		Root:          root,
		AssetMaxBytes: config.MegabytesOr(ac.AssetMaxMB, defaultAssetMaxBytes),
		HTMLMirror:    ac.HTMLMirror,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = defaultStoragePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		if busy == 0 {
			busy = defaultBusyTimeout
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "badger":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=badger")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	tc := cfg.Telegram
	return telegram.Config{
		Token:        strings.TrimSpace(tc.Token),
		APIURL:       strings.TrimSpace(tc.APIURL),
		PollTimeout:  config.DurationOr(tc.PollTimeout, defaultPollTimeout),
		OwnerUserIDs: tc.OwnerUserIDs,
	}
}

func mapOneBotConfig(cfg *config.Config) onebot.Config {
	oc := cfg.OneBot
	return onebot.Config{
		APIURL:      strings.TrimSpace(oc.APIURL),
		WSURL:       strings.TrimSpace(oc.WSURL),
		AccessToken: strings.TrimSpace(oc.AccessToken),
		Timeout:     config.DurationOr(oc.Timeout, onebot.DefaultTimeout),
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.AlertConfig{
			Enabled:     lc.Telegram.Enabled,
			Destination: strings.TrimSpace(cfg.Telegram.LogChat),
			MinLevel:    lc.Telegram.MinLevel,
			RatePerSec:  lc.Telegram.RatePerSec,
		},
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	oc := cfg.Ops
	return ops.Config{
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
}

func sweepSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Relay.SweepSchedule); s != "" {
		return s
	}
	return defaultSweepSchedule
}

// validate runs the checks that need packages config cannot import.
func validate(cfg *config.Config) error {
	if _, err := mapRelayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := parseSchedule(sweepSchedule(cfg)); err != nil {
		return fmt.Errorf("relay.sweep_schedule: %w", err)
	}
	for _, d := range cfg.Relay.Destinations {
		if _, err := telegram.ParseDestination(d); err != nil {
			return fmt.Errorf("relay.destinations: %w", err)
		}
	}
	if cfg.Ops.Enabled {
		if err := mapOpsConfig(cfg).Validate(); err != nil {
			return err
		}
	}
	if lc := strings.TrimSpace(cfg.Telegram.LogChat); lc != "" {
		if _, err := telegram.ParseDestination(lc); err != nil {
			return fmt.Errorf("telegram.log_chat: %w", err)
		}
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
