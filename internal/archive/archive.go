// Package archive keeps the per-day Markdown record of relayed traffic and
// the media saved next to it.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"relaybot/internal/fetch"
	logx "relaybot/pkg/logx"
)

const (
	documentName = "messages.md"
	mirrorName   = "messages.html"
)

// ErrDisabled is returned by Append when no root directory is configured.
var ErrDisabled = errors.New("archive: no root directory")

// Config is the hot-reloadable part of the archive.
type Config struct {
	Root          string
	AssetMaxBytes int64
	HTMLMirror    bool
}

// Fetcher copies a remote URL into dst with a size cap.
type Fetcher interface {
	Fetch(ctx context.Context, url, dst string, maxBytes int64) error
}

// Archive writes day documents under Root. Appends are serialized so two
// fragments never interleave.
type Archive struct {
	mu      sync.Mutex
	cfg     Config
	fetcher Fetcher
	log     logx.Logger
	md      goldmark.Markdown
}

func New(cfg Config, fetcher Fetcher, log logx.Logger) *Archive {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Archive{
		cfg:     cfg,
		fetcher: fetcher,
		log:     log,
		md:      goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// Apply swaps the configuration. Later appends and saves use the new root.
func (a *Archive) Apply(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *Archive) config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// DayDir returns the directory holding the document for day.
func (a *Archive) DayDir(day string) string {
	return filepath.Join(a.config().Root, day)
}

// Append adds content to the day's document, creating it when missing.
func (a *Archive) Append(_ context.Context, day, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if strings.TrimSpace(a.cfg.Root) == "" {
		return ErrDisabled
	}
	dir := filepath.Join(a.cfg.Root, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archive: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, documentName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("archive: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("archive: close %s: %w", path, err)
	}
	if a.cfg.HTMLMirror {
		if err := a.renderMirror(dir); err != nil {
			// the Markdown document is the record; the mirror is best effort
			a.log.Warn("html mirror render failed", logx.String("day", day), logx.Err(err))
		}
	}
	return nil
}

func (a *Archive) renderMirror(dir string) error {
	src, err := os.ReadFile(filepath.Join(dir, documentName))
	if err != nil {
		return err
	}
	var body bytes.Buffer
	if err := a.md.Convert(src, &body); err != nil {
		return err
	}
	var page bytes.Buffer
	page.WriteString("<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>")
	page.WriteString(filepath.Base(dir))
	page.WriteString("</title></head><body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")

	tmp := filepath.Join(dir, mirrorName+".tmp")
	if err := os.WriteFile(tmp, page.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, mirrorName))
}

// SaveAsset downloads url into <day>/<category>/ and returns the path
// relative to the day directory. Any failure leaves nothing on disk and
// reports ok=false so the caller links the remote URL instead.
func (a *Archive) SaveAsset(ctx context.Context, day, category, url, name string) (string, bool) {
	cfg := a.config()
	if a.fetcher == nil || strings.TrimSpace(cfg.Root) == "" {
		return "", false
	}
	dir := filepath.Join(cfg.Root, day, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.log.Warn("asset dir create failed", logx.String("dir", dir), logx.Err(err))
		return "", false
	}
	file := strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + "_" + fetch.SafeName(name, "unknown_file")
	dst := filepath.Join(dir, file)
	if err := a.fetcher.Fetch(ctx, url, dst, cfg.AssetMaxBytes); err != nil {
		if errors.Is(err, fetch.ErrTooLarge) {
			a.log.Info("asset exceeds archive cap; linking remote", logx.String("name", name), logx.Int64("max_bytes", cfg.AssetMaxBytes))
		} else {
			a.log.Warn("asset save failed; linking remote", logx.String("name", name), logx.Err(err))
		}
		return "", false
	}
	return category + "/" + file, true
}
