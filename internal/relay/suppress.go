package relay

import (
	"sort"
	"strings"
	"sync"
)

// SuppressionSet tracks, per source group, whether relay is currently
// suppressed by a block-prefix message.
//
// A message whose text starts with a block prefix suppresses itself and
// everything after it. A later pure-text message without the prefix lifts
// suppression and is itself relayed. Media or mixed messages keep the
// current state.
type SuppressionSet struct {
	mu     sync.Mutex
	groups map[string]bool
}

func NewSuppressionSet() *SuppressionSet {
	return &SuppressionSet{groups: map[string]bool{}}
}

// Observe updates group's state for one incoming message and reports
// whether that message must be withheld from live relay.
func (s *SuppressionSet) Observe(group string, segs []Segment, prefixes []string) bool {
	text, pureText := messageText(segs)
	trimmed := strings.TrimSpace(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	if hasAnyPrefix(trimmed, prefixes) {
		s.groups[group] = true
		return true
	}
	if !s.groups[group] {
		return false
	}
	if pureText && trimmed != "" {
		delete(s.groups, group)
		return false
	}
	return true
}

// Active reports whether group is currently suppressed.
func (s *SuppressionSet) Active(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[group]
}

func messageText(segs []Segment) (string, bool) {
	var b strings.Builder
	pure := len(segs) > 0
	for _, seg := range segs {
		if seg.Kind() != KindText {
			pure = false
			continue
		}
		if t, ok := seg.Data["text"].(string); ok {
			b.WriteString(t)
		}
	}
	return b.String(), pure
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Groups lists the currently suppressed groups in sorted order.
func (s *SuppressionSet) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.groups))
	for g, on := range s.groups {
		if on {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}
