package relay

import (
	"net/url"
	"strings"
)

// placeholderFileNames are values some clients put in "name" when the real
// name is unknown.
var placeholderFileNames = map[string]struct{}{
	"拓展名":      {},
	"扩展名":      {},
	"unknown":  {},
	"file.bin": {},
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// PickFileName chooses a display name for a file segment: "name" unless it
// is a known placeholder, then a non-URL "file", then UnknownFileName.
func PickFileName(data map[string]any) string {
	if name := stringOf(data["name"]); name != "" {
		if _, placeholder := placeholderFileNames[name]; !placeholder {
			return name
		}
	}
	if f := stringOf(data["file"]); f != "" && !isHTTPURL(f) {
		return f
	}
	return UnknownFileName
}

// EnsureFilenameParam makes sure an http(s) URL carries a non-empty "fname"
// query parameter so downstream clients save the file under its real name.
// Existing parameter order is kept. Non-http URLs and unparsable input are
// returned unchanged.
func EnsureFilenameParam(rawURL, name string) string {
	if !isHTTPURL(rawURL) {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	var (
		pairs    []string
		hasFname bool
	)
	if u.RawQuery != "" {
		for _, item := range strings.Split(u.RawQuery, "&") {
			if item == "" {
				continue
			}
			k, v, _ := strings.Cut(item, "=")
			key, err := url.QueryUnescape(k)
			if err != nil {
				return rawURL
			}
			val, err := url.QueryUnescape(v)
			if err != nil {
				return rawURL
			}
			if key == "fname" {
				hasFname = true
				if val == "" {
					val = name
				}
			}
			pairs = append(pairs, queryEscape(key)+"="+queryEscape(val))
		}
	}
	if !hasFname {
		pairs = append(pairs, "fname="+queryEscape(name))
	}
	u.RawQuery = strings.Join(pairs, "&")
	return u.String()
}

func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
