package relay

import (
	"context"
	"errors"
	"os"
	"strings"

	logx "relaybot/pkg/logx"
)

// PartKind tags the content of a payload part.
type PartKind int

const (
	PartText PartKind = iota
	PartImage
	PartFile
)

func (k PartKind) String() string {
	switch k {
	case PartImage:
		return "image"
	case PartFile:
		return "file"
	default:
		return "text"
	}
}

// Part is one deliverable element. Text parts hold raw (unescaped) text;
// image parts a URL; file parts a local path plus display name.
type Part struct {
	Kind PartKind
	Text string
	URL  string
	Path string
	Name string
}

// Payload is what a Sink receives for one delivery unit. Header is already
// MarkdownV2-formatted; Parts are raw and escaped by the sink.
type Payload struct {
	Header string
	Parts  []Part
}

// TextParts joins the text parts with a single space.
func (p Payload) TextParts() string {
	var texts []string
	for _, part := range p.Parts {
		if part.Kind == PartText && strings.TrimSpace(part.Text) != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, " ")
}

// Header names the origin and author of a delivery unit.
type Header struct {
	GroupName string
	GroupID   string
	Attribution
}

// Format renders the header block as MarkdownV2 with every value escaped.
func (h Header) Format() string {
	var b strings.Builder
	b.WriteString("*QQ relay*\n")
	b.WriteString("*Group:* " + EscapeMarkdownV2(h.GroupName) + " \\(" + EscapeMarkdownV2(h.GroupID) + "\\)\n")
	b.WriteString("*Sender:* " + EscapeMarkdownV2(h.SenderName) + " \\(" + EscapeMarkdownV2(h.SenderID) + "\\)\n")
	b.WriteString("*Time:* " + EscapeMarkdownV2(h.Time))
	return b.String()
}

// Renderer turns delivery-unit segments into sink payload parts.
type Renderer struct {
	Files          FileResolver
	Downloader     Downloader
	UploadFiles    bool
	UploadMaxBytes int64
	Log            logx.Logger
}

// RenderForRelay maps segs to payload parts in order and returns the
// temporary files it created. The caller must remove them after dispatch.
// A unit with no visible content yields a single LabelEmpty text part.
func (r *Renderer) RenderForRelay(ctx context.Context, segs []Segment, originGroup string) ([]Part, []string) {
	var (
		parts []Part
		temps []string
	)
	addText := func(s string) {
		if s != "" {
			parts = append(parts, Part{Kind: PartText, Text: s})
		}
	}

	for _, seg := range segs {
		switch seg.Kind() {
		case KindText:
			if t, ok := seg.Data["text"].(string); ok && strings.TrimSpace(t) != "" {
				addText(t)
			}
		case KindMention:
			addText("@" + firstNonEmpty(seg.Str("qq"), "unknown"))
		case KindReply:
			addText(LabelReply)
		case KindImage:
			if u := seg.Str("url", "file"); isHTTPURL(u) {
				parts = append(parts, Part{Kind: PartImage, URL: u})
			} else {
				addText(LabelImage)
			}
		case KindFile:
			part, tmp := r.renderFile(ctx, seg, originGroup)
			parts = append(parts, part)
			if tmp != "" {
				temps = append(temps, tmp)
			}
		case KindVoice:
			addText(LabelVoice)
		case KindVideo:
			addText(LabelVideo)
		case KindReaction:
			addText(LabelReaction)
		case KindForward:
			addText(LabelForward)
		case KindCard:
			addText(CardSummary(seg.Data))
		default:
			addText(typeLabel(seg.Type))
		}
	}

	if len(parts) == 0 {
		parts = append(parts, Part{Kind: PartText, Text: LabelEmpty})
	}
	return parts, temps
}

func (r *Renderer) renderFile(ctx context.Context, seg Segment, originGroup string) (Part, string) {
	name := PickFileName(seg.Data)
	var fileURL string
	if r.Files != nil {
		fileURL = r.Files.ResolveFileURL(ctx, originGroup, seg.Data)
	}
	if !isHTTPURL(fileURL) {
		return Part{Kind: PartText, Text: fileLabel(name)}, ""
	}

	fixed := EnsureFilenameParam(fileURL, name)
	if r.UploadFiles && r.Downloader != nil {
		path, err := r.Downloader.DownloadTemp(ctx, fixed, name, r.UploadMaxBytes)
		if err == nil && path != "" {
			return Part{Kind: PartFile, Path: path, Name: name}, path
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			r.Log.Debug("file upload skipped", logx.String("name", name), logx.Err(err))
		}
	}
	return Part{Kind: PartText, Text: fileLabel(name) + " " + fixed}, ""
}

// RemoveTemps deletes temporary files, ignoring ones already gone.
func RemoveTemps(log logx.Logger, paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn("temp file cleanup failed", logx.String("path", p), logx.Err(err))
		}
	}
}

// PlainText flattens segments to the single-line summary used in archive
// bodies and status output.
func PlainText(segs []Segment) string {
	var parts []string
	for _, seg := range segs {
		switch seg.Kind() {
		case KindText:
			if t, ok := seg.Data["text"].(string); ok {
				parts = append(parts, t)
			}
		case KindMention:
			parts = append(parts, "@"+firstNonEmpty(seg.Str("qq"), "unknown"))
		case KindImage:
			parts = append(parts, LabelImage)
		case KindReaction:
			parts = append(parts, LabelReaction)
		case KindReply:
			parts = append(parts, LabelReply)
		case KindFile:
			parts = append(parts, fileLabel(firstNonEmpty(seg.Str("name", "file"), "unknown")))
		case KindVoice:
			parts = append(parts, LabelVoice)
		case KindVideo:
			parts = append(parts, LabelVideo)
		case KindForward:
			parts = append(parts, LabelForward)
		case KindCard:
			parts = append(parts, CardSummary(seg.Data))
		default:
			parts = append(parts, typeLabel(seg.Type))
		}
	}
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	text := strings.TrimSpace(strings.Join(kept, " "))
	if text == "" {
		return LabelEmpty
	}
	return text
}
