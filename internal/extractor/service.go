package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/rs/zerolog/log"

	"mediabeam/internal/aria2"
	"mediabeam/internal/fileutil"
	"mediabeam/internal/progress"
	"mediabeam/internal/task"
)

// ErrNoMedia is returned when the engine resolves the page but finds nothing
// downloadable on it.
var ErrNoMedia = errors.New("no downloadable media found")

// ErrTooLarge is returned before any bytes move when the selection's reported
// size exceeds the configured ceiling.
var ErrTooLarge = errors.New("media exceeds the delivery size limit")

// Some CDNs reset connections from datacenter IPv6 ranges; a desktop UA and
// IPv4 keep them talking.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Sites whose CDNs reject plain segmented requests even with the extracted
// headers. These always download through the engine itself.
var trickyExtractors = map[string]bool{
	"facebook":  true,
	"instagram": true,
	"twitter":   true,
	"x":         true,
	"tiktok":    true,
}

// Options configures the extraction engine.
type Options struct {
	CookiesFile string
	Proxy       string
	// RemoteAPIURL, when set, is tried before local extraction. Some platforms
	// block datacenter IPs; the remote endpoint runs where they don't.
	RemoteAPIURL string
	// FFmpegAvailable widens format selection to merged video+audio streams.
	FFmpegAvailable bool
	// MaxFileSize caps downloads in bytes; 0 disables the cap.
	MaxFileSize int64
}

// Service wraps the yt-dlp engine: metadata dumps, format listings and
// full downloads with live progress.
type Service struct {
	opts    Options
	tracker *progress.Tracker
	httpc   *http.Client

	// Handoff, when set, runs single direct-stream downloads through the
	// segmented engine instead of the extractor process.
	Handoff func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error)

	inspect func(ctx context.Context, url, formatExpr string) (*Info, error)
	run     func(ctx context.Context, requesterID, url, formatExpr, outputTpl string) (string, error)
}

func NewService(opts Options, tracker *progress.Tracker) *Service {
	s := &Service{
		opts:    opts,
		tracker: tracker,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
	s.inspect = s.defaultInspect
	s.run = s.nativeRun
	return s
}

// UseInspector swaps the metadata-dump implementation.
func (s *Service) UseInspector(fn func(ctx context.Context, url, formatExpr string) (*Info, error)) {
	s.inspect = fn
}

// UseRunner swaps the native download implementation.
func (s *Service) UseRunner(fn func(ctx context.Context, requesterID, url, formatExpr, outputTpl string) (string, error)) {
	s.run = fn
}

// FormatExpression maps a requested format id onto the engine's selection
// language. Merged selections need a local ffmpeg; without one the expression
// falls back to single pre-muxed streams.
func FormatExpression(formatID string, ffmpegAvailable bool) string {
	switch {
	case formatID == "best":
		if ffmpegAvailable {
			return "bestvideo+bestaudio/best"
		}
		return "best"
	case formatID != "":
		if ffmpegAvailable {
			return formatID + "+bestaudio/" + formatID + "/best"
		}
		return formatID + "/best"
	default:
		if ffmpegAvailable {
			return "bestvideo[height<=1080]+bestaudio/best[height<=1080]/best"
		}
		return "best[height<=1080]/best"
	}
}

// Title returns the page title, empty on any failure.
func (s *Service) Title(ctx context.Context, url string) string {
	info, err := s.inspect(ctx, url, "")
	if err != nil {
		return ""
	}
	return info.Title
}

// Formats lists selectable qualities for the page. An empty list is a valid
// answer for pages with a single stream.
func (s *Service) Formats(ctx context.Context, url string) ([]FormatOption, error) {
	info, err := s.inspect(ctx, url, "")
	if err != nil {
		return nil, err
	}
	opts := BuildOptions(info)
	fillSizes(ctx, s.httpc, opts)
	return opts, nil
}

// Job describes one extraction download. Dir must be task-scoped; the caller
// owns its cleanup.
type Job struct {
	RequesterID string
	URL         string
	FormatID    string
	Dir         string
}

// Download acquires the page's media and returns the file path. When the
// selection resolves to a single direct stream on a cooperative site, the
// download is handed to the segmented engine with the extracted headers.
func (s *Service) Download(ctx context.Context, tok *task.Token, job Job) (string, error) {
	if err := fileutil.EnsureDir(job.Dir); err != nil {
		return "", err
	}
	expr := FormatExpression(job.FormatID, s.opts.FFmpegAvailable)

	info, err := s.inspect(ctx, job.URL, expr)
	if err != nil {
		if tok != nil && tok.Cancelled() {
			return "", task.ErrCancelled
		}
		return "", err
	}
	if size := info.KnownSize(); s.opts.MaxFileSize > 0 && size > s.opts.MaxFileSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	if s.Handoff != nil && handoffEligible(info) {
		name := fileutil.SanitizeName(info.Title)
		if info.Ext != "" {
			name += "." + info.Ext
		}
		log.Debug().Str("extractor", info.ExtractorKey).Str("out", name).Msg("direct stream handed to segmented engine")
		return s.Handoff(ctx, tok, aria2.Job{
			RequesterID: job.RequesterID,
			URL:         info.URL,
			Dir:         job.Dir,
			Filename:    name,
			Headers:     info.HeaderList(),
		})
	}

	outTpl := filepath.Join(job.Dir, "%(title)s.%(ext)s")
	path, err := s.run(ctx, job.RequesterID, job.URL, expr, outTpl)
	if err != nil {
		if tok != nil && tok.Cancelled() {
			return "", task.ErrCancelled
		}
		return "", err
	}
	if path == "" {
		path = locateOutput(job.Dir)
	}
	if path == "" {
		return "", ErrNoMedia
	}
	if fileutil.IsZeroByte(path) {
		_ = fileutil.RemoveIfExists(path)
		return "", fmt.Errorf("extraction produced an empty file")
	}
	return path, nil
}

func handoffEligible(info *Info) bool {
	if trickyExtractors[strings.ToLower(info.ExtractorKey)] {
		return false
	}
	if len(info.RequestedFormats) != 0 {
		return false
	}
	if info.URL == "" || info.Title == "" {
		return false
	}
	switch info.Protocol {
	case "http", "https", "":
		return true
	}
	return false
}

// defaultInspect dumps page metadata, trying the remote endpoint first when
// one is configured.
func (s *Service) defaultInspect(ctx context.Context, url, formatExpr string) (*Info, error) {
	if s.opts.RemoteAPIURL != "" {
		info, err := s.remoteInspect(ctx, url, formatExpr)
		if err == nil {
			return info, nil
		}
		log.Warn().Err(err).Msg("remote extraction failed, falling back to local")
	}
	return s.localInspect(ctx, url, formatExpr)
}

func (s *Service) remoteInspect(ctx context.Context, url, formatExpr string) (*Info, error) {
	body, err := json.Marshal(map[string]string{"url": url, "format": formatExpr})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.RemoteAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote extraction: status %d", resp.StatusCode)
	}
	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("remote extraction: %w", err)
	}
	return &info, nil
}

func (s *Service) localInspect(ctx context.Context, url, formatExpr string) (*Info, error) {
	dl := ytdlp.New().
		DumpSingleJSON().
		SkipDownload().
		NoPlaylist()
	if formatExpr != "" {
		dl = dl.Format(formatExpr)
	}
	s.applyCommon(dl)

	res, err := dl.Run(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	return parseInfo(res.Stdout)
}

// nativeRun downloads through the engine itself, streaming progress into the
// tracker. Returns the output path reported by the engine, empty when it
// did not report one.
func (s *Service) nativeRun(ctx context.Context, requesterID, url, formatExpr, outputTpl string) (string, error) {
	dl := ytdlp.New().
		Format(formatExpr).
		NoPlaylist().
		ForceOverwrites().
		Output(outputTpl)
	s.applyCommon(dl)

	dl.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
		if update.TotalBytes <= 0 {
			return
		}
		pct := float64(update.DownloadedBytes) / float64(update.TotalBytes) * 100
		if pct >= 100 {
			pct = 99.5
		}
		s.tracker.Set(requesterID, progress.Snapshot{
			Action:     "Downloading...",
			Percentage: pct,
			Current:    progress.Bytes(int64(update.DownloadedBytes)),
			Total:      progress.Bytes(int64(update.TotalBytes)),
		})
	})

	res, err := dl.Run(ctx, url)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	info, err := res.GetExtractedInfo()
	if err != nil || len(info) == 0 || info[0].Filename == nil {
		return "", nil
	}
	return *info[0].Filename, nil
}

func (s *Service) applyCommon(dl *ytdlp.Command) {
	dl.ForceIPv4()
	dl.UserAgent(browserUserAgent)
	if s.opts.MaxFileSize > 0 {
		dl.MaxFileSize(strconv.FormatInt(s.opts.MaxFileSize, 10))
	}
	if s.opts.CookiesFile != "" {
		dl.Cookies(s.opts.CookiesFile)
	}
	if s.opts.Proxy != "" {
		dl.Proxy(s.opts.Proxy)
	}
}

// locateOutput finds the engine's output when it did not report a path:
// the largest regular file in the task directory.
func locateOutput(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestSize int64
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.Size() > bestSize {
			bestSize = fi.Size()
			best = filepath.Join(dir, e.Name())
		}
	}
	return best
}
