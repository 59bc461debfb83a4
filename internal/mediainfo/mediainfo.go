// Package mediainfo probes local files with ffprobe and renders thumbnails
// with ffmpeg.
package mediainfo

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog/log"

	"mediabeam/internal/fileutil"
)

// Meta carries the stream attributes attached to a video delivery. All
// fields default to zero when probing fails; delivery proceeds without them.
type Meta struct {
	Duration int
	Width    int
	Height   int
}

type Prober struct {
	ffprobePath string
	ffmpegPath  string
}

func NewProber(ffprobePath, ffmpegPath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Prober{ffprobePath: ffprobePath, ffmpegPath: ffmpegPath}
}

// Available reports whether the named binary can actually be executed.
// Format merging and thumbnailing degrade gracefully when it cannot.
func Available(path string) bool {
	if path == "" {
		return false
	}
	_, err := exec.LookPath(path)
	return err == nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe extracts duration and dimensions. Never returns an error; failures
// yield a zero Meta.
func (p *Prober) Probe(ctx context.Context, path string) Meta {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type,width,height",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		log.Debug().Str("path", path).Err(err).Msg("probe failed")
		return Meta{}
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Meta{}
	}

	var meta Meta
	if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		meta.Duration = int(d)
	}
	for _, s := range parsed.Streams {
		if s.CodecType == "video" && s.Width > 0 {
			meta.Width = s.Width
			meta.Height = s.Height
			break
		}
	}
	return meta
}

// Thumbnail renders the first frame scaled to 320px wide as a JPEG at
// outPath. The file is removed when rendering produced nothing usable.
func (p *Prober) Thumbnail(ctx context.Context, videoPath, outPath string) error {
	cmd := exec.CommandContext(ctx, p.ffmpegPath,
		"-y",
		"-ss", "1",
		"-i", videoPath,
		"-vframes", "1",
		"-vf", "scale=320:-1",
		outPath,
	)
	if err := cmd.Run(); err != nil {
		_ = fileutil.RemoveIfExists(outPath)
		return fmt.Errorf("thumbnail render: %w", err)
	}
	if fileutil.IsZeroByte(outPath) {
		_ = fileutil.RemoveIfExists(outPath)
		return fmt.Errorf("thumbnail render produced an empty file")
	}
	return nil
}

// Normalize re-encodes an arbitrary user image into the 320px JPEG the
// messaging API accepts as a thumbnail.
func (p *Prober) Normalize(ctx context.Context, imagePath, outPath string) error {
	cmd := exec.CommandContext(ctx, p.ffmpegPath,
		"-y",
		"-i", imagePath,
		"-vf", "scale=320:-1",
		outPath,
	)
	if err := cmd.Run(); err != nil {
		_ = fileutil.RemoveIfExists(outPath)
		return fmt.Errorf("thumbnail normalize: %w", err)
	}
	if fileutil.IsZeroByte(outPath) {
		_ = fileutil.RemoveIfExists(outPath)
		return fmt.Errorf("thumbnail normalize produced an empty file")
	}
	return nil
}
