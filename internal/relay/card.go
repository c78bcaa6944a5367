package relay

import (
	"html"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

var (
	cardTitleKeys = []string{"title", "prompt", "source", "name"}
	cardDescKeys  = []string{"desc", "description", "summary", "text", "content"}
	cardURLKeys   = []string{"url", "jumpurl", "qqdocurl", "newsurl", "docurl", "target", "link"}
)

const cardPreviewMax = 160

// CardSummary renders a structured-card segment as one line:
// "[JSON card] | title: T | summary: D | link: U". The card payload may be
// an object, a JSON string, a doubly-encoded JSON string or an HTML-escaped
// JSON string. Payloads that do not parse fall back to a truncated preview.
func CardSummary(data map[string]any) string {
	raw := data["data"]
	obj := decodeCard(raw)
	if obj == nil {
		preview := ""
		switch v := raw.(type) {
		case nil:
		case string:
			preview = strings.TrimSpace(v)
		default:
			preview = stringOf(v)
		}
		if len([]rune(preview)) > cardPreviewMax {
			preview = string([]rune(preview)[:cardPreviewMax-3]) + "..."
		}
		if preview == "" {
			return LabelCard
		}
		return LabelCard + " " + preview
	}

	title := findFirstByKeys(obj, cardTitleKeys)
	desc := findFirstByKeys(obj, cardDescKeys)
	link := findFirstByKeys(obj, cardURLKeys)

	parts := []string{LabelCard}
	if title != "" {
		parts = append(parts, "title: "+title)
	}
	if desc != "" && desc != title {
		parts = append(parts, "summary: "+desc)
	}
	if link != "" {
		parts = append(parts, "link: "+link)
	}
	return strings.Join(parts, " | ")
}

func decodeCard(raw any) any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case []any:
		return v
	case string:
		payload := strings.TrimSpace(v)
		if payload == "" {
			return nil
		}
		for _, candidate := range []string{payload, html.UnescapeString(payload)} {
			var parsed any
			if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
				continue
			}
			if inner, ok := parsed.(string); ok {
				parsed = nil
				if err := json.Unmarshal([]byte(inner), &parsed); err != nil {
					continue
				}
			}
			switch parsed.(type) {
			case map[string]any, []any:
				return parsed
			}
		}
	}
	return nil
}

// findFirstByKeys searches obj depth-first for the first non-empty scalar
// under any of keys, compared case-insensitively. At each level keys are
// tried in the given priority order before descending.
func findFirstByKeys(obj any, keys []string) string {
	switch v := obj.(type) {
	case map[string]any:
		lowered := make(map[string]any, len(v))
		names := make([]string, 0, len(v))
		for k, val := range v {
			lowered[strings.ToLower(k)] = val
			names = append(names, k)
		}
		for _, k := range keys {
			if val, ok := lowered[k]; ok {
				switch val.(type) {
				case map[string]any, []any, nil, bool:
				default:
					if s := stringOf(val); s != "" {
						return s
					}
				}
			}
		}
		sort.Strings(names)
		for _, k := range names {
			if found := findFirstByKeys(v[k], keys); found != "" {
				return found
			}
		}
	case []any:
		for _, item := range v {
			if found := findFirstByKeys(item, keys); found != "" {
				return found
			}
		}
	}
	return ""
}
