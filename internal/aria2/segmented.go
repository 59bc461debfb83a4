package aria2

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"mediabeam/internal/fileutil"
	"mediabeam/internal/progress"
	"mediabeam/internal/task"
)

const (
	pollInterval   = 200 * time.Millisecond
	notifyInterval = time.Second

	// Reported percentage is capped just under 100 until the caller confirms
	// true completion; merging/uploading may still follow.
	percentCap = 99.5
)

// Job describes one segmented download handed to the daemon.
type Job struct {
	RequesterID string
	URL         string
	Dir         string
	Filename    string
	// Extra request headers as "Name: value" strings (cookies, referer,
	// user-agent passed through from the extraction engine).
	Headers []string
}

// Downloader drives a high-concurrency download through the aria2 daemon,
// polling it and translating daemon state into the shared progress model.
type Downloader struct {
	client  *Client
	tracker *progress.Tracker
	// Notify pushes a human-facing status line at a coarser interval than the
	// tracker updates. Optional.
	Notify func(requesterID, text string)
}

func NewDownloader(client *Client, tracker *progress.Tracker) *Downloader {
	return &Downloader{client: client, tracker: tracker}
}

// Download runs the job to completion and returns the output path. On
// cancellation it force-removes the daemon job including partial files and
// returns task.ErrCancelled; on daemon-reported failure it removes partials
// and returns the daemon's error message.
func (d *Downloader) Download(ctx context.Context, tok *task.Token, job Job) (string, error) {
	outPath := filepath.Join(job.Dir, job.Filename)
	if err := fileutil.EnsureDir(job.Dir); err != nil {
		return "", err
	}

	gid, err := d.client.AddURI(ctx, job.URL, job.Dir, job.Filename, job.Headers)
	if err != nil {
		return "", fmt.Errorf("submit to daemon: %w", err)
	}
	log.Debug().Str("gid", gid).Str("out", outPath).Msg("segmented download submitted")

	lastNotify := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.abort(gid, outPath)
			if tok != nil && tok.Cancelled() {
				return "", task.ErrCancelled
			}
			return "", ctx.Err()
		case <-ticker.C:
		}

		if tok != nil && tok.Cancelled() {
			d.abort(gid, outPath)
			return "", task.ErrCancelled
		}

		st, err := d.client.TellStatus(ctx, gid)
		if err != nil {
			d.abort(gid, outPath)
			return "", err
		}

		switch st.State {
		case "complete":
			_ = d.client.RemoveDownloadResult(context.WithoutCancel(ctx), gid)
			return outPath, nil
		case "error":
			d.abort(gid, outPath)
			return "", fmt.Errorf("segmented download failed: %s", st.ErrorMessage)
		case "removed":
			d.removePartials(outPath)
			return "", task.ErrCancelled
		}

		pct := 0.0
		if st.TotalLength > 0 {
			pct = float64(st.CompletedLength) / float64(st.TotalLength) * 100
		}
		if pct >= 100 {
			pct = percentCap
		}
		d.tracker.Set(job.RequesterID, progress.Snapshot{
			Action:     "Downloading...",
			Percentage: pct,
			Current:    progress.Bytes(st.CompletedLength),
			Total:      progress.Bytes(st.TotalLength),
			Speed:      progress.Speed(st.DownloadSpeed),
		})

		if d.Notify != nil && time.Since(lastNotify) >= notifyInterval {
			lastNotify = time.Now()
			d.Notify(job.RequesterID, fmt.Sprintf("Downloading %s: %s / %s (%s)",
				job.Filename, progress.Bytes(st.CompletedLength), progress.Bytes(st.TotalLength), progress.Speed(st.DownloadSpeed)))
		}
	}
}

// abort force-removes the daemon job and any partial files it left behind.
func (d *Downloader) abort(gid, outPath string) {
	// The task context may already be cancelled; removal must still reach the
	// daemon.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.client.ForceRemove(ctx, gid); err != nil {
		log.Warn().Str("gid", gid).Err(err).Msg("force remove failed")
	}
	_ = d.client.RemoveDownloadResult(ctx, gid)
	d.removePartials(outPath)
}

func (d *Downloader) removePartials(outPath string) {
	if err := fileutil.RemoveIfExists(outPath); err != nil {
		log.Warn().Str("path", outPath).Err(err).Msg("partial removal failed")
	}
	// aria2 keeps resume state next to the output file.
	_ = os.Remove(outPath + ".aria2")
}
