// Package pipeline orchestrates one download request end to end: resolve,
// classify, acquire through one of four strategies, deliver. It is the only
// layer that decides fallback versus propagate, and the only writer of
// terminal progress snapshots.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mediabeam/internal/aria2"
	"mediabeam/internal/classify"
	"mediabeam/internal/cobalt"
	"mediabeam/internal/deliver"
	"mediabeam/internal/extractor"
	"mediabeam/internal/fileutil"
	"mediabeam/internal/progress"
	"mediabeam/internal/remux"
	"mediabeam/internal/resolver"
	"mediabeam/internal/store"
	"mediabeam/internal/task"
)

const defaultMaxFileSize = 2 << 30

// Accounts reads per-requester settings. The sqlite store implements it.
type Accounts interface {
	Get(ctx context.Context, id string) (store.Account, error)
	IsBanned(ctx context.Context, id string) bool
}

// Config carries the orchestrator's own knobs; strategy configuration lives
// with each strategy.
type Config struct {
	DownloadDir string
	// MaxFileSize is the delivery ceiling enforced before acquisition
	// wherever total size is knowable. Defaults to 2 GiB.
	MaxFileSize int64
}

type probeResult struct {
	Mime               string
	Length             int64
	ContentDisposition string
}

// Pipeline owns the per-request state machine. Strategy entry points are
// injectable for tests.
type Pipeline struct {
	cfg      Config
	tracker  *progress.Tracker
	registry *task.Registry
	resolver *resolver.Resolver
	fallback *cobalt.Client
	accounts Accounts
	httpc    *http.Client

	segmented    func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error)
	extract      func(ctx context.Context, tok *task.Token, job extractor.Job) (string, error)
	remuxFetch   func(ctx context.Context, tok *task.Token, job remux.Job) (string, error)
	listFormats  func(ctx context.Context, url string) ([]extractor.FormatOption, error)
	titleOf      func(ctx context.Context, url string) string
	deliverFile  func(ctx context.Context, d deliver.Delivery) error
	resolveMedia func(ctx context.Context, url string) (cobalt.Resolution, error)
}

func New(
	cfg Config,
	tracker *progress.Tracker,
	registry *task.Registry,
	res *resolver.Resolver,
	ext *extractor.Service,
	seg *aria2.Downloader,
	rem *remux.Fetcher,
	fb *cobalt.Client,
	del *deliver.Service,
	accounts Accounts,
) *Pipeline {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	p := &Pipeline{
		cfg:      cfg,
		tracker:  tracker,
		registry: registry,
		resolver: res,
		fallback: fb,
		accounts: accounts,
		httpc:    &http.Client{Timeout: 15 * time.Second},

		segmented:    seg.Download,
		extract:      ext.Download,
		remuxFetch:   rem.Fetch,
		listFormats:  ext.Formats,
		titleOf:      ext.Title,
		deliverFile:  del.Deliver,
		resolveMedia: fb.Resolve,
	}
	return p
}

// UseSegmented swaps the segmented download strategy.
func (p *Pipeline) UseSegmented(fn func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error)) {
	p.segmented = fn
}

// UseExtractor swaps the extraction strategy.
func (p *Pipeline) UseExtractor(fn func(ctx context.Context, tok *task.Token, job extractor.Job) (string, error)) {
	p.extract = fn
}

// UseRemux swaps the streaming remux strategy.
func (p *Pipeline) UseRemux(fn func(ctx context.Context, tok *task.Token, job remux.Job) (string, error)) {
	p.remuxFetch = fn
}

// UseFallbackResolver swaps the secondary resolution call.
func (p *Pipeline) UseFallbackResolver(fn func(ctx context.Context, url string) (cobalt.Resolution, error)) {
	p.resolveMedia = fn
}

// UseDeliverer swaps the delivery stage.
func (p *Pipeline) UseDeliverer(fn func(ctx context.Context, d deliver.Delivery) error) {
	p.deliverFile = fn
}

// UseFormatLister swaps the format probe.
func (p *Pipeline) UseFormatLister(list func(ctx context.Context, url string) ([]extractor.FormatOption, error), title func(ctx context.Context, url string) string) {
	p.listFormats = list
	p.titleOf = title
}

// Submit validates the request, claims the requester's task slot and starts
// the run. Returns task.ErrTaskActive while a previous run is in flight.
func (p *Pipeline) Submit(req task.Request) error {
	if err := validate(req); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if p.accounts != nil && p.accounts.IsBanned(ctx, req.RequesterID) {
		return ErrBanned
	}

	tok, err := p.registry.Begin(req.RequesterID)
	if err != nil {
		return err
	}
	p.tracker.Set(req.RequesterID, progress.Snapshot{Action: "Queued", Total: "Unknown"})

	go p.run(tok, req)
	return nil
}

func validate(req task.Request) error {
	if req.RequesterID == "" {
		return fmt.Errorf("%w: missing requester id", ErrInvalidRequest)
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: unsupported url", ErrInvalidRequest)
	}
	if req.Mode != "" && req.Mode != task.ModeMedia && req.Mode != task.ModeDocument {
		return fmt.Errorf("%w: unknown delivery mode %q", ErrInvalidRequest, req.Mode)
	}
	return nil
}

// Progress returns the requester's latest snapshot, the idle default when
// none exists.
func (p *Pipeline) Progress(requesterID string) progress.Snapshot {
	if snap, ok := p.tracker.Get(requesterID); ok {
		return snap
	}
	return progress.Idle()
}

// Cancel fires both cancellation signals. Reports false when no task was
// active; that is an outcome, not an error.
func (p *Pipeline) Cancel(requesterID string) bool {
	return p.registry.Cancel(requesterID)
}

// Formats lists selectable qualities and the display title. Non-extractor
// URLs yield an empty list so the caller skips quality selection.
func (p *Pipeline) Formats(ctx context.Context, rawURL string) ([]extractor.FormatOption, string, error) {
	resolved := p.resolver.Resolve(ctx, rawURL)
	switch classify.Classify(resolved, "") {
	case classify.KindExtractor, classify.KindFallbackOnly:
		opts, err := p.listFormats(ctx, resolved)
		if err != nil {
			return nil, "", err
		}
		return opts, p.titleOf(ctx, resolved), nil
	default:
		return nil, resolver.URLFilename(resolved), nil
	}
}

// run drives one request to a terminal state. All file cleanup funnels
// through the task directory removal here, on every exit path.
func (p *Pipeline) run(tok *task.Token, req task.Request) {
	ctx := tok.Context()
	taskDir := filepath.Join(p.cfg.DownloadDir, uuid.NewString())
	defer func() {
		p.registry.Finish(req.RequesterID, tok)
		if err := os.RemoveAll(taskDir); err != nil {
			log.Warn().Str("dir", taskDir).Err(err).Msg("task dir cleanup failed")
		}
	}()

	logger := log.With().Str("requester", req.RequesterID).Str("url", req.URL).Logger()
	logger.Info().Msg("request dispatched")

	path, err := p.acquire(ctx, tok, req, taskDir)
	if err == nil && fileutil.IsZeroByte(path) {
		err = fmt.Errorf("acquired file is empty")
	}
	if err != nil {
		p.finish(req.RequesterID, err, logger)
		return
	}

	acct := store.Account{}
	if p.accounts != nil {
		acct, _ = p.accounts.Get(ctx, req.RequesterID)
	}

	err = p.deliverFile(ctx, deliver.Delivery{
		RequesterID: req.RequesterID,
		Dest:        req.RequesterID,
		Path:        path,
		Mime:        deliver.MimeFor(path),
		Mode:        req.Mode,
		Caption:     acct.Caption,
		ThumbURL:    acct.ThumbURL,
	})
	if err == nil && tok.Cancelled() {
		err = task.ErrCancelled
	}
	if err != nil {
		p.finish(req.RequesterID, err, logger)
		return
	}

	logger.Info().Str("file", filepath.Base(path)).Msg("delivered")
	p.tracker.Set(req.RequesterID, progress.Snapshot{Action: "Complete", Percentage: 100})
}

// finish writes the terminal snapshot. Cancellation is an outcome, not an
// error.
func (p *Pipeline) finish(requesterID string, err error, logger zerolog.Logger) {
	if errors.Is(err, task.ErrCancelled) || errors.Is(err, context.Canceled) {
		logger.Info().Msg("request cancelled")
		p.tracker.Set(requesterID, progress.Snapshot{Action: "Cancelled"})
		return
	}
	logger.Error().Err(err).Msg("request failed")
	p.tracker.Set(requesterID, progress.Snapshot{Action: "Error: " + err.Error(), Error: err.Error()})
}

// acquire picks the strategy from the classification tag and runs it.
func (p *Pipeline) acquire(ctx context.Context, tok *task.Token, req task.Request, taskDir string) (string, error) {
	resolved := p.resolver.Resolve(ctx, req.URL)

	switch kind := classify.Classify(resolved, ""); kind {
	case classify.KindExtractor:
		return p.acquireExtractor(ctx, tok, req, resolved, taskDir)
	case classify.KindFallbackOnly:
		return p.acquireFallback(ctx, tok, req, resolved, taskDir)
	case classify.KindStreaming:
		return p.acquireStreaming(ctx, tok, req, resolved, taskDir)
	default:
		return p.acquireGeneric(ctx, tok, req, resolved, taskDir)
	}
}

func (p *Pipeline) acquireExtractor(ctx context.Context, tok *task.Token, req task.Request, resolved, taskDir string) (string, error) {
	path, err := p.extract(ctx, tok, extractor.Job{
		RequesterID: req.RequesterID,
		URL:         resolved,
		FormatID:    req.FormatID,
		Dir:         taskDir,
	})
	if err == nil {
		return path, nil
	}
	if errors.Is(err, task.ErrCancelled) {
		return "", err
	}
	// The generic path is never a fallback for extractor-classified URLs;
	// only the secondary resolver is, and only for its allow-list.
	if !classify.FallbackEligible(resolved) || !p.fallback.Configured() {
		return "", err
	}
	log.Warn().Str("url", resolved).Err(err).Msg("extraction failed, trying secondary resolver")
	path, fbErr := p.acquireFallback(ctx, tok, req, resolved, taskDir)
	if fbErr != nil {
		if errors.Is(fbErr, task.ErrCancelled) {
			return "", fbErr
		}
		return "", fmt.Errorf("extraction failed: %v; fallback failed: %v", err, fbErr)
	}
	return path, nil
}

func (p *Pipeline) acquireFallback(ctx context.Context, tok *task.Token, req task.Request, resolved, taskDir string) (string, error) {
	p.tracker.Set(req.RequesterID, progress.Snapshot{Action: "Requesting Extraction Server...", Percentage: 5, Total: "Unknown"})
	res, err := p.resolveMedia(ctx, resolved)
	if err != nil {
		return "", err
	}
	name := res.Filename
	if name == "" {
		name = p.outputName(req, resolved, "", "")
		if filepath.Ext(name) == "" {
			name += ".mp4"
		}
	}
	return p.segmented(ctx, tok, aria2.Job{
		RequesterID: req.RequesterID,
		URL:         res.URL,
		Dir:         taskDir,
		Filename:    fileutil.SanitizeName(name),
	})
}

func (p *Pipeline) acquireStreaming(ctx context.Context, tok *task.Token, req task.Request, resolved, taskDir string) (string, error) {
	name := p.outputName(req, resolved, "", "")
	return p.remuxFetch(ctx, tok, remux.Job{
		RequesterID: req.RequesterID,
		URL:         resolved,
		Dir:         taskDir,
		Filename:    name,
	})
}

func (p *Pipeline) acquireGeneric(ctx context.Context, tok *task.Token, req task.Request, resolved, taskDir string) (string, error) {
	probe := p.probe(ctx, resolved)

	// The URL alone did not look like a stream, but the served type might.
	if classify.IsStreaming(resolved, probe.Mime) {
		return p.acquireStreaming(ctx, tok, req, resolved, taskDir)
	}
	if probe.Length > p.cfg.MaxFileSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, probe.Length)
	}

	name := p.outputName(req, resolved, probe.ContentDisposition, probe.Mime)
	return p.segmented(ctx, tok, aria2.Job{
		RequesterID: req.RequesterID,
		URL:         resolved,
		Dir:         taskDir,
		Filename:    name,
	})
}

// outputName finalizes the output filename: requested stem or best derived
// name, sanitized, manifest extensions remapped.
func (p *Pipeline) outputName(req task.Request, resolved, contentDisposition, mime string) string {
	name := strings.TrimSpace(req.Filename)
	if name == "" {
		name = resolver.BestFilename(resolved, "downloaded_file", contentDisposition, mime)
	}
	return classify.SmartOutputName(fileutil.SanitizeName(name))
}

// probe HEADs the URL for type, size and server-suggested filename. Failures
// degrade to an empty result; the ceiling is only enforceable when the size
// is knowable.
func (p *Pipeline) probe(ctx context.Context, rawURL string) probeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return probeResult{}
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return probeResult{}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return probeResult{}
	}
	return probeResult{
		Mime:               resp.Header.Get("Content-Type"),
		Length:             resp.ContentLength,
		ContentDisposition: resp.Header.Get("Content-Disposition"),
	}
}
