// Package fetch downloads remote media into local files with a size cap.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "relaybot/pkg/logx"
)

var (
	// ErrTooLarge is returned when a body exceeds the caller's size cap.
	ErrTooLarge = errors.New("fetch: file too large")
	// ErrEmpty is returned when the server sent zero bytes.
	ErrEmpty = errors.New("fetch: empty body")
)

const (
	chunkSize      = 64 * 1024
	DefaultTimeout = 25 * time.Second
	maxNameLen     = 180
	userAgent      = "Mozilla/5.0"
)

var unsafeNameChars = regexp.MustCompile(`[\\/:*?"<>|]+`)

// SafeName flattens line breaks, replaces path-hostile characters and
// truncates to 180 bytes on a rune boundary. Empty input returns fallback.
func SafeName(name, fallback string) string {
	name = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(name))
	if name == "" {
		name = fallback
	}
	name = unsafeNameChars.ReplaceAllString(name, "_")
	if len(name) > maxNameLen {
		cut := maxNameLen
		for cut > 0 && !utf8Start(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	if name == "" {
		return fallback
	}
	return name
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// Config tunes the downloader.
type Config struct {
	TempDir string
	Timeout time.Duration
}

type Downloader struct {
	client  *http.Client
	tempDir string
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Downloader {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dir := strings.TrimSpace(cfg.TempDir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "relaybot_files")
	}
	return &Downloader{
		client:  &http.Client{Timeout: timeout},
		tempDir: dir,
		log:     log,
	}
}

// Fetch streams url into dst. On any failure, including ErrTooLarge, the
// partial file is removed. maxBytes <= 0 disables the cap.
func (d *Downloader) Fetch(ctx context.Context, url, dst string, maxBytes int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch: unexpected status %s", resp.Status)
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return ErrTooLarge
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	total, err := copyCapped(f, resp.Body, maxBytes)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && total == 0 {
		err = ErrEmpty
	}
	if err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}

func copyCapped(w io.Writer, r io.Reader, maxBytes int64) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if maxBytes > 0 && total > maxBytes {
				return total, ErrTooLarge
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return total, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// DownloadTemp fetches url into the temp dir as "<hex>_<safe name>" and
// returns the local path. The caller owns the file.
func (d *Downloader) DownloadTemp(ctx context.Context, url, name string, maxBytes int64) (string, error) {
	prefix := strings.ReplaceAll(uuid.NewString(), "-", "")
	dst := filepath.Join(d.tempDir, prefix+"_"+SafeName(name, "unknown_file"))
	if err := d.Fetch(ctx, url, dst, maxBytes); err != nil {
		if errors.Is(err, ErrTooLarge) {
			d.log.Info("file exceeds upload cap; falling back to link", logx.String("name", name), logx.Int64("max_bytes", maxBytes))
		} else {
			d.log.Warn("file download failed; falling back to link", logx.String("name", name), logx.Err(err))
		}
		return "", err
	}
	return dst, nil
}
