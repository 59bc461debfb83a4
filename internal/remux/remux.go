package remux

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grafov/m3u8"
	"github.com/rs/zerolog/log"

	"mediabeam/internal/fileutil"
	"mediabeam/internal/progress"
	"mediabeam/internal/task"
)

const (
	// Live or duration-less manifests get a synthetic sawtooth so the client
	// still sees movement. Never reaches 100.
	sawtoothWindow = 10 * time.Second
	sawtoothCap    = 99.9
)

// Fetcher pulls a streaming manifest and remuxes its segments into a single
// MP4 without re-encoding.
type Fetcher struct {
	ffmpegPath string
	httpc      *http.Client
	tracker    *progress.Tracker
}

func NewFetcher(ffmpegPath string, tracker *progress.Tracker) *Fetcher {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Fetcher{
		ffmpegPath: ffmpegPath,
		httpc:      &http.Client{Timeout: 10 * time.Second},
		tracker:    tracker,
	}
}

// Job describes one manifest fetch.
type Job struct {
	RequesterID string
	URL         string
	Dir         string
	Filename    string
}

// Fetch runs the remux to completion and returns the output path. Partial
// output is removed on cancellation and on failure.
func (f *Fetcher) Fetch(ctx context.Context, tok *task.Token, job Job) (string, error) {
	if err := fileutil.EnsureDir(job.Dir); err != nil {
		return "", err
	}
	outPath := filepath.Join(job.Dir, job.Filename)

	runCtx := ctx
	if tok != nil {
		runCtx = tok.Context()
	}

	duration := f.probeDuration(ctx, job.URL)

	// aac_adtstoasc converts the ADTS audio framing used in transport
	// streams into the format MP4 expects.
	cmd := exec.CommandContext(runCtx, f.ffmpegPath,
		"-y",
		"-i", job.URL,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-progress", "pipe:1",
		"-nostats",
		outPath,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start remux: %w", err)
	}

	var errMu sync.Mutex
	var lastErrLine string
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				errMu.Lock()
				lastErrLine = line
				errMu.Unlock()
			}
		}
	}()

	done := make(chan struct{})
	if duration <= 0 {
		go f.sawtooth(job.RequesterID, done)
	}

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "out_time_ms=") || duration <= 0 {
			continue
		}
		outMs, convErr := strconv.ParseFloat(strings.TrimPrefix(line, "out_time_ms="), 64)
		if convErr != nil {
			continue
		}
		pct := outMs / 1_000_000 / duration * 100
		if pct > sawtoothCap {
			pct = sawtoothCap
		}
		if pct < 0 {
			pct = 0
		}
		f.tracker.Set(job.RequesterID, progress.Snapshot{Action: "Downloading...", Percentage: pct})
	}
	close(done)

	waitErr := cmd.Wait()
	if tok != nil && tok.Cancelled() {
		f.cleanup(outPath)
		return "", task.ErrCancelled
	}
	if waitErr != nil {
		f.cleanup(outPath)
		errMu.Lock()
		tail := lastErrLine
		errMu.Unlock()
		if tail != "" {
			return "", fmt.Errorf("remux failed: %s", tail)
		}
		return "", fmt.Errorf("remux failed: %w", waitErr)
	}

	if fileutil.IsZeroByte(outPath) {
		f.cleanup(outPath)
		return "", fmt.Errorf("remux produced an empty file")
	}
	return outPath, nil
}

func (f *Fetcher) cleanup(outPath string) {
	if err := fileutil.RemoveIfExists(outPath); err != nil {
		log.Warn().Str("path", outPath).Err(err).Msg("partial removal failed")
	}
}

// sawtooth sweeps the reported percentage through a fixed window so clients
// see motion when total duration is unknown.
func (f *Fetcher) sawtooth(requesterID string, done <-chan struct{}) {
	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			f.tracker.Set(requesterID, progress.Snapshot{
				Action:     "Downloading...",
				Percentage: sawtoothPercent(time.Since(start)),
			})
		}
	}
}

func sawtoothPercent(elapsed time.Duration) float64 {
	pct := float64(elapsed%sawtoothWindow) / float64(sawtoothWindow) * 100
	if pct > sawtoothCap {
		pct = sawtoothCap
	}
	return pct
}

// probeDuration fetches the manifest and sums segment durations. Master
// playlists and live streams yield zero; progress then falls back to the
// sawtooth.
func (f *Fetcher) probeDuration(ctx context.Context, manifestURL string) float64 {
	if !strings.Contains(strings.ToLower(manifestURL), ".m3u") {
		return 0
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return 0
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}

	pl, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return 0
	}
	if listType != m3u8.MEDIA {
		return 0
	}
	media := pl.(*m3u8.MediaPlaylist)
	if !media.Closed {
		return 0
	}
	var total float64
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		total += seg.Duration
	}
	return total
}
