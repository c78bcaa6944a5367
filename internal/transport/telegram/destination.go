package telegram

import (
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Target is a chat plus an optional forum topic.
type Target struct {
	ChatID   int64
	ThreadID int
}

// ParseDestination accepts "<chat_id>" or "<chat_id>:<thread_id>".
func ParseDestination(s string) (Target, error) {
	s = strings.TrimSpace(s)
	chat, thread, hasThread := strings.Cut(s, ":")
	id, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil || id == 0 {
		return Target{}, fmt.Errorf("telegram: invalid destination %q", s)
	}
	t := Target{ChatID: id}
	if hasThread {
		n, err := strconv.Atoi(strings.TrimSpace(thread))
		if err != nil || n < 0 {
			return Target{}, fmt.Errorf("telegram: invalid thread in destination %q", s)
		}
		t.ThreadID = n
	}
	return t, nil
}

// String is the canonical destination form accepted by ParseDestination.
func (t Target) String() string {
	if t.ThreadID > 0 {
		return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

func (t Target) chat() *tele.Chat { return &tele.Chat{ID: t.ChatID} }

func targetOf(m *tele.Message) Target {
	if m == nil || m.Chat == nil {
		return Target{}
	}
	return Target{ChatID: m.Chat.ID, ThreadID: m.ThreadID}
}
