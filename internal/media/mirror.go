// Package media copies note assets into object storage so persisted
// records never point at the platform's ephemeral CDN URLs.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// knownExts are the extensions preserved from source URLs; anything
// else becomes .jpg.
var knownExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Config tunes asset downloads.
type Config struct {
	// Timeout bounds one asset download.
	Timeout time.Duration
	// MaxBytes caps one asset; larger downloads are abandoned.
	MaxBytes int64
	// Referer is sent with every download. The CDN rejects requests
	// without one.
	Referer string
	// Prefix namespaces object keys within the blob store.
	Prefix string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 32 << 20
	}
	if c.Referer == "" {
		c.Referer = "https://www.xiaohongshu.com/"
	}
	if c.Prefix == "" {
		c.Prefix = "notes"
	}
	return c
}

// Mirror downloads a note's media and rewrites the note to point at
// the stored copies. Asset failures surface as errors so the caller
// can retry or dead-letter the note instead of persisting ephemeral
// URLs.
type Mirror struct {
	blobs  spider.BlobStore
	client *http.Client
	cfg    Config
	logger *zap.Logger
}

// New builds a mirror over the given blob store.
func New(blobs spider.BlobStore, cfg Config, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Mirror{
		blobs:  blobs,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger.Named("media"),
	}
}

// MirrorNote stores the note's images and video under keys derived
// from the note id and returns the note with rewritten locations. All
// assets are attempted; if any fails the partially-rewritten note is
// returned together with a non-nil error and must not be persisted.
// Re-running after a partial failure is safe, object writes overwrite.
func (m *Mirror) MirrorNote(ctx context.Context, note spider.Note) (spider.Note, error) {
	var errs []error
	if len(note.Images) > 0 {
		mirrored := make([]string, len(note.Images))
		copy(mirrored, note.Images)
		for i, src := range note.Images {
			key := fmt.Sprintf("%s/%s/%02d%s", m.cfg.Prefix, note.NoteID, i, extFor(src))
			location, err := m.mirrorAsset(ctx, src, key)
			if err != nil {
				m.logger.Warn("image mirror failed",
					zap.String("note_id", note.NoteID),
					zap.String("url", src),
					zap.Error(err))
				errs = append(errs, fmt.Errorf("image %d: %w", i, err))
				continue
			}
			mirrored[i] = location
		}
		note.Images = mirrored
	}

	if note.VideoURL != "" {
		key := fmt.Sprintf("%s/%s/video.mp4", m.cfg.Prefix, note.NoteID)
		location, err := m.mirrorAsset(ctx, note.VideoURL, key)
		if err != nil {
			m.logger.Warn("video mirror failed",
				zap.String("note_id", note.NoteID),
				zap.String("url", note.VideoURL),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("video: %w", err))
		} else {
			note.VideoURL = location
		}
	}
	return note, errors.Join(errs...)
}

func (m *Mirror) mirrorAsset(ctx context.Context, src, key string) (string, error) {
	data, contentType, err := m.download(ctx, src)
	if err != nil {
		return "", err
	}
	location, err := m.blobs.PutObject(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	return location, nil
}

func (m *Mirror) download(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/*,video/*;q=0.9,*/*;q=0.8")
	req.Header.Set("Referer", m.cfg.Referer)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("asset status %d", resp.StatusCode)
	}
	if resp.ContentLength > m.cfg.MaxBytes {
		return nil, "", fmt.Errorf("asset exceeds max size (%d > %d)", resp.ContentLength, m.cfg.MaxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, m.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read asset: %w", err)
	}
	if int64(len(data)) > m.cfg.MaxBytes {
		return nil, "", fmt.Errorf("asset exceeds max size (%d > %d)", len(data), m.cfg.MaxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// extFor keeps a recognized extension from the source path and falls
// back to .jpg, matching how keys were laid out historically.
func extFor(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return ".jpg"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if knownExts[ext] {
		return ext
	}
	return ".jpg"
}
