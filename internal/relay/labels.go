package relay

import (
	"strings"
	"time"
)

// Placeholder text for content that cannot be carried as-is.
const (
	LabelEmpty        = "[empty message]"
	LabelTooDeep      = "[nesting too deep]"
	LabelImage        = "[image]"
	LabelVoice        = "[voice]"
	LabelVideo        = "[video]"
	LabelReaction     = "[reaction]"
	LabelReply        = "[reply]"
	LabelForward      = "[forwarded bundle]"
	LabelCard         = "[JSON card]"
	LabelUnknown      = "[unsupported]"
	UnknownUser       = "unknown user"
	UnknownUserID     = "unknown id"
	UnknownTime       = "unknown time"
	UnknownGroup      = "unknown group"
	UnknownGroupName  = "unknown group name"
	UnknownFileName   = "unknown_file"
	messageTimeLayout = "2006-01-02 15:04:05"
)

func forwardLabel(id string) string {
	if id == "" {
		id = "unknown"
	}
	return "[forwarded bundle:" + id + "]"
}

func fileLabel(name string) string { return "[file:" + name + "]" }

func typeLabel(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return LabelUnknown
	}
	return "[" + t + "]"
}

// FormatMessageTime renders a unix-seconds value in loc, passes through a
// non-empty string, and otherwise returns fallback or UnknownTime.
func FormatMessageTime(raw any, fallback string, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	if s, ok := raw.(string); ok {
		if s = strings.TrimSpace(s); s != "" {
			if n, ok := int64Of(s); ok && n > 0 {
				return time.Unix(n, 0).In(loc).Format(messageTimeLayout)
			}
			return s
		}
	} else if n, ok := int64Of(raw); ok && n > 0 {
		return time.Unix(n, 0).In(loc).Format(messageTimeLayout)
	}
	if fallback != "" {
		return fallback
	}
	return UnknownTime
}
