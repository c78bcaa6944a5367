package relay

import "strings"

const markdownV2Reserved = "_*[]()~`>#+-=|{}.!"

// EscapeMarkdownV2 prefixes every Telegram MarkdownV2 reserved character
// with a backslash. Other characters pass through unchanged.
func EscapeMarkdownV2(s string) string {
	if !strings.ContainsAny(s, markdownV2Reserved) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(markdownV2Reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EscapeMarkdownV2Text escapes free message text. Unlike EscapeMarkdownV2
// it also escapes backslashes, so user text can never open an entity.
func EscapeMarkdownV2Text(s string) string {
	return EscapeMarkdownV2(strings.ReplaceAll(s, `\`, `\\`))
}
