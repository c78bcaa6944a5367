package config

import (
	"reflect"
	"strings"

	logx "relaybot/pkg/logx"
)

// Change summarizes a reload. Fields never include secrets.
type Change struct {
	Sections []string
	Fields   []logx.Field
	// RestartRequired lists sections whose new values only apply after a
	// restart (connections and storage opened at boot).
	RestartRequired []string
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token) || ot.APIURL != nt.APIURL
	if tokenChanged || ot.PollTimeout != nt.PollTimeout || ot.LogChat != nt.LogChat || !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		mark("telegram", tokenChanged || ot.PollTimeout != nt.PollTimeout,
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(nt.LogChat) != ""),
		)
	}

	oo, no := oldCfg.OneBot, newCfg.OneBot
	if oo.APIURL != no.APIURL || oo.WSURL != no.WSURL || oo.Timeout != no.Timeout || oo.AccessToken != no.AccessToken {
		mark("onebot", true,
			logx.String("onebot.api_url", no.APIURL),
			logx.String("onebot.ws_url", no.WSURL),
			logx.Bool("onebot.token_set", no.AccessToken != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		nr := newCfg.Relay
		mark("relay", false,
			logx.Strings("relay.source_groups", Strings(nr.SourceGroups)),
			logx.Int("relay.destination_count", len(nr.Destinations)),
			logx.Bool("relay.enabled", Enabled(nr.RelayEnabled, true)),
			logx.Int("relay.cooldown_day_seconds", nr.CooldownDaySeconds),
			logx.Int("relay.cooldown_night_seconds", nr.CooldownNightSeconds),
			logx.String("relay.cooldown_day_start", nr.CooldownDayStart),
			logx.String("relay.cooldown_night_start", nr.CooldownNightStart),
			logx.String("relay.sweep_schedule", nr.SweepSchedule),
		)
	}

	if oldCfg.Archive != newCfg.Archive {
		na := newCfg.Archive
		mark("archive", false,
			logx.Bool("archive.enabled", na.Enabled),
			logx.String("archive.root", na.Root),
			logx.Bool("archive.save_assets", na.SaveAssets),
			logx.Bool("archive.html_mirror", na.HTMLMirror),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		nl := newCfg.Logging
		mark("logging", false,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.telegram_enabled", nl.Telegram.Enabled),
		)
	}

	if nops := newCfg.Ops; oldCfg.Ops != nops {
		mark("ops", true,
			logx.Bool("ops.enabled", nops.Enabled),
			logx.String("ops.addr", nops.Addr),
			logx.Bool("ops.pprof", nops.Pprof),
			logx.Bool("ops.token_set", nops.Token != ""),
		)
	}
	return ch
}
