// Package debugdump writes artifacts that help diagnose a session started in
// debug mode: compressed page snapshots and login QR codes.
package debugdump

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/nrednav/cuid2"
	"github.com/skip2/go-qrcode"
)

// CompressionLevel represents the zstd compression level.
type CompressionLevel string

const (
	LevelFastest CompressionLevel = "fastest"
	LevelDefault CompressionLevel = "default"
	LevelBest    CompressionLevel = "best"
)

func (l CompressionLevel) zstdLevel() zstd.EncoderLevel {
	switch l {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Dumper writes files under Dir/<user>/. It implements session.Dumper.
type Dumper struct {
	Dir   string
	Level CompressionLevel
	Now   func() time.Time
}

func New(dir string) *Dumper {
	return &Dumper{Dir: dir, Level: LevelDefault, Now: time.Now}
}

func (d *Dumper) path(user, kind, ext string) (string, error) {
	dir := filepath.Join(d.Dir, unsafeChars.ReplaceAllString(user, "_"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create dump dir: %w", err)
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	name := fmt.Sprintf("%s-%s-%s%s", now().UTC().Format("20060102T150405Z"),
		unsafeChars.ReplaceAllString(kind, "_"), cuid2.Generate(), ext)
	return filepath.Join(dir, name), nil
}

// DumpPage writes html zstd-compressed and returns the file path.
func (d *Dumper) DumpPage(user, reason, html string) (string, error) {
	path, err := d.path(user, reason, ".html.zst")
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create page dump: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f,
		zstd.WithEncoderLevel(d.Level.zstdLevel()),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return "", fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := io.WriteString(zw, html); err != nil {
		zw.Close()
		return "", fmt.Errorf("write page dump: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finish page dump: %w", err)
	}
	return path, nil
}

// ReadPage decompresses a page dump.
func ReadPage(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("create zstd decoder: %w", err)
	}
	defer zr.Close()
	b, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("read page dump: %w", err)
	}
	return string(b), nil
}

// DumpQR renders the login QR url as a PNG so it can be scanned off disk.
func (d *Dumper) DumpQR(user, url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("empty QR url")
	}
	path, err := d.path(user, "qr", ".png")
	if err != nil {
		return "", err
	}
	if err := qrcode.WriteFile(url, qrcode.Medium, 256, path); err != nil {
		return "", fmt.Errorf("write QR image: %w", err)
	}
	return path, nil
}
