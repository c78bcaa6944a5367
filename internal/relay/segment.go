package relay

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a message segment by its OneBot "type" field.
type Kind string

const (
	KindText     Kind = "text"
	KindMention  Kind = "at"
	KindReply    Kind = "reply"
	KindImage    Kind = "image"
	KindFile     Kind = "file"
	KindVoice    Kind = "record"
	KindVideo    Kind = "video"
	KindReaction Kind = "face"
	KindForward  Kind = "forward"
	KindCard     Kind = "json"
)

// Segment is one typed unit of message content. Data carries the raw
// attribute map; unknown types are preserved with Type as received.
type Segment struct {
	Type string
	Data map[string]any
}

func (s Segment) Kind() Kind { return Kind(strings.ToLower(strings.TrimSpace(s.Type))) }

// Str returns the first non-empty attribute among keys, stringified.
func (s Segment) Str(keys ...string) string {
	for _, k := range keys {
		if v := stringOf(s.Data[k]); v != "" {
			return v
		}
	}
	return ""
}

// Text builds a text segment.
func Text(t string) Segment {
	return Segment{Type: string(KindText), Data: map[string]any{"text": t}}
}

// NormalizeSegments converts the shapes a message payload may take into a
// segment list. Shapes are tried in order: a segment list, a list of
// {type,data} maps, a plain string, a single {type,data} map. Anything else
// yields an empty list. List items that are not maps degrade to text.
func NormalizeSegments(raw any) []Segment {
	switch v := raw.(type) {
	case nil:
		return nil
	case []Segment:
		return v
	case []map[string]any:
		out := make([]Segment, 0, len(v))
		for _, m := range v {
			out = append(out, segmentFromMap(m))
		}
		return out
	case []any:
		out := make([]Segment, 0, len(v))
		for _, item := range v {
			switch it := item.(type) {
			case map[string]any:
				out = append(out, segmentFromMap(it))
			case Segment:
				out = append(out, it)
			case nil:
			default:
				out = append(out, Text(stringOf(it)))
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []Segment{Text(v)}
	case map[string]any:
		if _, ok := v["type"]; ok {
			return []Segment{segmentFromMap(v)}
		}
	}
	return nil
}

func segmentFromMap(m map[string]any) Segment {
	seg := Segment{Type: stringOf(m["type"])}
	if data, ok := m["data"].(map[string]any); ok {
		seg.Data = data
	} else {
		seg.Data = map[string]any{}
	}
	return seg
}

// stringOf renders scalar JSON values as strings. Numbers decoded with
// UseNumber, floats holding integers and plain strings are all accepted.
func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return strings.TrimSpace(x.String())
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// int64Of extracts a whole number from a JSON scalar.
func int64Of(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		return int64(x), true
	case int:
		return int64(x), true
	case int64:
		return x, true
	case interface{ Int64() (int64, error) }:
		n, err := x.Int64()
		if err != nil {
			if f, ok := x.(interface{ Float64() (float64, error) }); ok {
				if fv, ferr := f.Float64(); ferr == nil {
					return int64(fv), true
				}
			}
			return 0, false
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func mapOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
