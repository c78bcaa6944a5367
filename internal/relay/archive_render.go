package relay

import (
	"context"
	"strings"
)

// ArchiveEntry carries everything one archive fragment records.
type ArchiveEntry struct {
	Day         string
	MessageID   string
	GroupID     string
	GroupName   string
	Suppressed  bool
	OriginGroup string
	Unit        DeliveryUnit
}

// ArchiveRenderer renders delivery units into archive Markdown.
type ArchiveRenderer struct {
	Files      FileResolver
	Assets     AssetSaver
	SaveAssets bool
}

type archiveLink struct {
	label  string
	name   string
	target string
}

// Render produces one Markdown fragment. Media links point at the saved
// local copy when asset saving succeeds and at the remote URL otherwise.
func (r *ArchiveRenderer) Render(ctx context.Context, e ArchiveEntry) string {
	var links []archiveLink
	for _, seg := range e.Unit.Segments {
		switch seg.Kind() {
		case KindImage:
			u := seg.Str("url", "file")
			if !isHTTPURL(u) {
				continue
			}
			name := firstNonEmpty(seg.Str("name"), guessNameFromURL(u, "image"))
			links = append(links, archiveLink{label: LabelImage, name: name, target: r.assetTarget(ctx, e.Day, "images", u, name)})
		case KindVideo:
			u := seg.Str("url", "file")
			if !isHTTPURL(u) {
				continue
			}
			name := guessNameFromURL(u, "video")
			links = append(links, archiveLink{label: LabelVideo, name: name, target: r.assetTarget(ctx, e.Day, "videos", u, name)})
		case KindFile:
			name := PickFileName(seg.Data)
			var u string
			if r.Files != nil {
				u = r.Files.ResolveFileURL(ctx, e.OriginGroup, seg.Data)
			}
			if !isHTTPURL(u) {
				continue
			}
			links = append(links, archiveLink{label: fileLabel(name), name: name, target: r.assetTarget(ctx, e.Day, "files", EnsureFilenameParam(u, name), name)})
		}
	}

	var b strings.Builder
	b.WriteString("### " + e.Unit.Time)
	if e.Suppressed {
		b.WriteString(" (not relayed)")
	}
	b.WriteString("\n\n")
	b.WriteString("- Group: " + e.GroupName + " (" + e.GroupID + ")\n")
	b.WriteString("- Sender: " + e.Unit.SenderName + " (" + e.Unit.SenderID + ")\n")
	b.WriteString("- Message: " + e.MessageID + "\n\n")
	b.WriteString(quoteBlock(PlainText(e.Unit.Segments)))
	b.WriteString("\n")
	if len(links) > 0 {
		b.WriteString("\n")
		for _, l := range links {
			b.WriteString("- " + l.label + " [" + escapeLinkText(l.name) + "](" + l.target + ")\n")
		}
	}
	b.WriteString("\n---\n\n")
	return b.String()
}

func (r *ArchiveRenderer) assetTarget(ctx context.Context, day, category, u, name string) string {
	if r.SaveAssets && r.Assets != nil {
		if rel, ok := r.Assets.SaveAsset(ctx, day, category, u, name); ok {
			return rel
		}
	}
	return u
}

func quoteBlock(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

func escapeLinkText(s string) string {
	return strings.NewReplacer("[", "\\[", "]", "\\]").Replace(s)
}

// guessNameFromURL returns the last path element of u, or fallback.
func guessNameFromURL(u, fallback string) string {
	path := u
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if i := strings.Index(path, "://"); i >= 0 {
		path = path[i+3:]
	}
	if i := strings.Index(path, "/"); i >= 0 {
		path = path[i+1:]
	} else {
		return fallback
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	if strings.TrimSpace(path) == "" {
		return fallback
	}
	return path
}
