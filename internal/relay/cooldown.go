package relay

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a minute of the day.
type ClockTime int

// ParseClock parses "HH:MM" (24h); a bare "H" means minute zero. Invalid
// input returns def.
func ParseClock(s string, def ClockTime) ClockTime {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		mm = "0"
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return def
	}
	return ClockTime(h*60 + m)
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60) }

func clockOf(t time.Time) ClockTime { return ClockTime(t.Hour()*60 + t.Minute()) }

var (
	DefaultDayStart   = ClockTime(9 * 60)
	DefaultNightStart = ClockTime(1 * 60)
)

// CooldownWindow picks the pause between relayed messages by time of day.
// Night runs from NightStart up to DayStart and may wrap midnight.
type CooldownWindow struct {
	Day        time.Duration
	Night      time.Duration
	DayStart   ClockTime
	NightStart ClockTime
}

func DefaultCooldownWindow() CooldownWindow {
	return CooldownWindow{
		Day:        600 * time.Second,
		Night:      3600 * time.Second,
		DayStart:   DefaultDayStart,
		NightStart: DefaultNightStart,
	}
}

// IsNight reports whether now's local clock falls in the night window.
// Equal boundaries mean there is no night.
func (w CooldownWindow) IsNight(now time.Time) bool {
	c := clockOf(now)
	switch {
	case w.NightStart == w.DayStart:
		return false
	case w.NightStart < w.DayStart:
		return c >= w.NightStart && c < w.DayStart
	default:
		return c >= w.NightStart || c < w.DayStart
	}
}

// Interval returns the cooldown for now. Negative values clamp to zero.
func (w CooldownWindow) Interval(now time.Time) time.Duration {
	d := w.Day
	if w.IsNight(now) {
		d = w.Night
	}
	if d < 0 {
		return 0
	}
	return d
}
