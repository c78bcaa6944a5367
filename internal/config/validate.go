package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks what can be checked without touching the network.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.OneBot.APIURL) == "" {
		add(errors.New("onebot.api_url is required"))
	}
	if Enabled(c.Relay.RelayEnabled, true) && len(c.Relay.Destinations) > 0 && strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required when relaying to destinations"))
	}
	if c.Logging.Telegram.Enabled && strings.TrimSpace(c.Telegram.LogChat) == "" {
		add(errors.New("logging.telegram.enabled needs telegram.log_chat"))
	}

	_, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout)
	add(err)
	_, err = ParseDurationField("onebot.timeout", c.OneBot.Timeout)
	add(err)
	_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)
	_, err = ParseDurationField("relay.destination_pacing", c.Relay.DestinationPacing)
	add(err)

	for name, v := range map[string]int{
		"relay.upload_max_mb":          c.Relay.UploadMaxMB,
		"relay.pending_wait_seconds":   c.Relay.PendingWaitSeconds,
		"relay.max_cache_age_seconds":  c.Relay.MaxCacheAgeSeconds,
		"relay.cooldown_day_seconds":   c.Relay.CooldownDaySeconds,
		"relay.cooldown_night_seconds": c.Relay.CooldownNightSeconds,
		"archive.asset_max_mb":         c.Archive.AssetMaxMB,
	} {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", name))
		}
	}

	if tz := strings.TrimSpace(c.Relay.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("relay.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3", "badger":
	default:
		add(fmt.Errorf("storage.driver %q is not one of file, sqlite, badger", c.Storage.Driver))
	}

	for i, d := range c.Relay.Destinations {
		if strings.TrimSpace(d) == "" {
			add(fmt.Errorf("relay.destinations[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}
