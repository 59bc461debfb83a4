// Package deliver pushes an acquired file to the messaging endpoint, picking
// the attachment kind from its media type.
package deliver

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mediabeam/internal/fileutil"
	"mediabeam/internal/mediainfo"
	"mediabeam/internal/progress"
	"mediabeam/internal/task"
)

const captionLimit = 1024

// VideoMeta carries stream attributes for video attachments.
type VideoMeta struct {
	Duration int
	Width    int
	Height   int
}

// Sender is the messaging transport. Implementations report upload progress
// through onProgress with absolute byte counts.
type Sender interface {
	SendVideo(ctx context.Context, dest, path, caption, thumb string, meta VideoMeta, onProgress func(sent, total int64)) error
	SendAudio(ctx context.Context, dest, path, caption, thumb string, onProgress func(sent, total int64)) error
	SendPhoto(ctx context.Context, dest, path, caption string, onProgress func(sent, total int64)) error
	SendDocument(ctx context.Context, dest, path, caption, thumb string, onProgress func(sent, total int64)) error
}

// Delivery describes one outgoing file.
type Delivery struct {
	RequesterID string
	Dest        string
	Path        string
	Mime        string
	Mode        task.Mode
	// Caption falls back to the file's base name when empty.
	Caption string
	// ThumbURL is the requester's stored thumbnail image, fetched and
	// normalized per delivery.
	ThumbURL string
}

type Service struct {
	sender  Sender
	prober  *mediainfo.Prober
	tracker *progress.Tracker
	httpc   *http.Client
	tmpDir  string
}

func NewService(sender Sender, prober *mediainfo.Prober, tracker *progress.Tracker, tmpDir string) *Service {
	return &Service{
		sender:  sender,
		prober:  prober,
		tracker: tracker,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		tmpDir:  tmpDir,
	}
}

// Deliver uploads the file. Temporary thumbnails are always removed; the
// source file is the caller's to clean up.
func (s *Service) Deliver(ctx context.Context, d Delivery) error {
	kind := kindFor(d.Mime, d.Mode)
	caption := Caption(d.Caption, d.Path)

	s.tracker.Set(d.RequesterID, progress.Snapshot{Action: "Uploading...", Total: progress.Bytes(fileSize(d.Path))})

	onProgress := func(sent, total int64) {
		pct := 0.0
		if total > 0 {
			pct = float64(sent) / float64(total) * 100
		}
		s.tracker.Set(d.RequesterID, progress.Snapshot{
			Action:     "Uploading...",
			Percentage: pct,
			Current:    progress.Bytes(sent),
			Total:      progress.Bytes(total),
		})
	}

	var thumb string
	if kind != "photo" {
		thumb = s.resolveThumb(ctx, d, kind)
		if thumb != "" {
			defer func() { _ = fileutil.RemoveIfExists(thumb) }()
		}
	}

	var meta VideoMeta
	var err error
	switch kind {
	case "video":
		meta = VideoMeta(s.prober.Probe(ctx, d.Path))
		err = s.sender.SendVideo(ctx, d.Dest, d.Path, caption, thumb, meta, onProgress)
	case "audio":
		err = s.sender.SendAudio(ctx, d.Dest, d.Path, caption, thumb, onProgress)
	case "photo":
		err = s.sender.SendPhoto(ctx, d.Dest, d.Path, caption, onProgress)
	default:
		err = s.sender.SendDocument(ctx, d.Dest, d.Path, caption, thumb, onProgress)
	}
	if err != nil {
		log.Error().Err(err).
			Str("kind", kind).
			Str("mime", d.Mime).
			Str("size", progress.Bytes(fileSize(d.Path))).
			Int("duration", meta.Duration).
			Int("caption_len", len([]rune(caption))).
			Bool("thumbnail", thumb != "").
			Msg("delivery failed")
		return fmt.Errorf("delivery of %s (%s, %s) failed: %w", kind, d.Mime, progress.Bytes(fileSize(d.Path)), err)
	}
	return nil
}

// kindFor maps the media type onto an attachment kind. A document request
// always wins.
func kindFor(mimeType string, mode task.Mode) string {
	if mode == task.ModeDocument {
		return "document"
	}
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "image/"):
		return "photo"
	default:
		return "document"
	}
}

// Caption returns the delivery caption, defaulting to the file name and
// truncated to the endpoint's limit.
func Caption(caption, path string) string {
	if caption == "" {
		caption = filepath.Base(path)
	}
	runes := []rune(caption)
	if len(runes) <= captionLimit {
		return caption
	}
	return string(runes[:captionLimit-3]) + "..."
}

// resolveThumb produces a thumbnail file for the delivery: the requester's
// stored image when set, else a generated frame for videos. Photos never
// get one. Returns an empty path when nothing could be produced.
func (s *Service) resolveThumb(ctx context.Context, d Delivery, kind string) string {
	out := filepath.Join(s.tmpDir, uuid.NewString()+".jpg")

	if d.ThumbURL != "" {
		src, err := s.fetchThumb(ctx, d.ThumbURL)
		if err == nil {
			defer func() { _ = fileutil.RemoveIfExists(src) }()
			if err := s.prober.Normalize(ctx, src, out); err == nil {
				return out
			}
		}
		log.Debug().Str("url", d.ThumbURL).Msg("stored thumbnail unusable")
	}

	if kind == "video" {
		if err := s.prober.Thumbnail(ctx, d.Path, out); err == nil {
			return out
		}
	}
	return ""
}

func (s *Service) fetchThumb(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("thumbnail fetch: status %d", resp.StatusCode)
	}

	tmp := filepath.Join(s.tmpDir, uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = fileutil.RemoveIfExists(tmp)
		return "", fmt.Errorf("thumbnail fetch failed")
	}
	return tmp, nil
}

// MimeFor guesses a media type from the file extension, defaulting to a
// generic binary stream. Common media extensions are mapped directly; the
// system table misses several of them.
func MimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
