package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mediabeam/internal/aria2"
	"mediabeam/internal/cobalt"
	"mediabeam/internal/deliver"
	"mediabeam/internal/extractor"
	"mediabeam/internal/mediainfo"
	"mediabeam/internal/progress"
	"mediabeam/internal/remux"
	"mediabeam/internal/resolver"
	"mediabeam/internal/store"
	"mediabeam/internal/task"
)

type bannedAccounts struct{ banned bool }

func (b bannedAccounts) Get(ctx context.Context, id string) (store.Account, error) {
	return store.Account{ID: id}, nil
}
func (b bannedAccounts) IsBanned(ctx context.Context, id string) bool { return b.banned }

func newTestPipeline(t *testing.T, accounts Accounts) *Pipeline {
	t.Helper()
	tracker := progress.NewTracker()
	ext := extractor.NewService(extractor.Options{}, tracker)
	seg := aria2.NewDownloader(aria2.NewClient("http://127.0.0.1:1/jsonrpc", ""), tracker)
	rem := remux.NewFetcher(filepath.Join(t.TempDir(), "noffmpeg"), tracker)
	prober := mediainfo.NewProber(filepath.Join(t.TempDir(), "noprobe"), filepath.Join(t.TempDir(), "noffmpeg"))
	del := deliver.NewService(nil, prober, tracker, t.TempDir())

	p := New(
		Config{DownloadDir: t.TempDir()},
		tracker,
		task.NewRegistry(),
		resolver.New(nil),
		ext,
		seg,
		rem,
		cobalt.NewClient("http://fallback.invalid"),
		del,
		accounts,
	)
	// Delivery is a no-op unless a test installs a recorder.
	p.UseDeliverer(func(ctx context.Context, d deliver.Delivery) error { return nil })
	return p
}

// seedingSegmented returns a strategy that writes a real file into the task
// directory, the way the daemon would.
func seedingSegmented(content string, captured *aria2.Job) func(context.Context, *task.Token, aria2.Job) (string, error) {
	return func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error) {
		if captured != nil {
			*captured = job
		}
		if err := os.MkdirAll(job.Dir, 0o750); err != nil {
			return "", err
		}
		out := filepath.Join(job.Dir, job.Filename)
		return out, os.WriteFile(out, []byte(content), 0o600)
	}
}

func waitForAction(t *testing.T, p *Pipeline, id, prefix string) progress.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := p.Progress(id)
		if strings.HasPrefix(snap.Action, prefix) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q snapshot for %s, last: %+v", prefix, id, p.Progress(id))
	return progress.Snapshot{}
}

func TestSubmitValidation(t *testing.T) {
	p := newTestPipeline(t, nil)
	cases := []task.Request{
		{RequesterID: "", URL: "https://example.com/f"},
		{RequesterID: "u1", URL: "not a url"},
		{RequesterID: "u1", URL: "ftp://example.com/f"},
		{RequesterID: "u1", URL: "https://example.com/f", Mode: "carrier-pigeon"},
	}
	for _, req := range cases {
		if err := p.Submit(req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("Submit(%+v) = %v, want ErrInvalidRequest", req, err)
		}
	}
}

func TestSubmitRejectsBanned(t *testing.T) {
	p := newTestPipeline(t, bannedAccounts{banned: true})
	err := p.Submit(task.Request{RequesterID: "u1", URL: "https://example.com/f.zip"})
	if !errors.Is(err, ErrBanned) {
		t.Fatalf("Submit = %v, want ErrBanned", err)
	}
}

func TestSubmitRejectsSecondTask(t *testing.T) {
	p := newTestPipeline(t, nil)
	release := make(chan struct{})
	p.UseSegmented(func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error) {
		<-release
		return "", errors.New("stopped")
	})
	defer close(release)

	if err := p.Submit(task.Request{RequesterID: "u1", URL: "https://cdn.example.com/a.zip"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	waitForAction(t, p, "u1", "Queued")

	err := p.Submit(task.Request{RequesterID: "u1", URL: "https://cdn.example.com/b.zip"})
	if !errors.Is(err, task.ErrTaskActive) {
		t.Fatalf("second submit = %v, want ErrTaskActive", err)
	}
}

func TestSuccessfulRunDeliversAndCleansUp(t *testing.T) {
	p := newTestPipeline(t, nil)
	var job aria2.Job
	p.UseSegmented(seedingSegmented("payload", &job))

	var delivered deliver.Delivery
	p.UseDeliverer(func(ctx context.Context, d deliver.Delivery) error {
		delivered = d
		return nil
	})

	if err := p.Submit(task.Request{RequesterID: "u1", URL: "https://cdn.example.com/archive.zip"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := waitForAction(t, p, "u1", "Complete")
	if snap.Percentage != 100 {
		t.Fatalf("terminal snapshot %+v, want 100%%", snap)
	}
	if job.Filename != "archive.zip" {
		t.Fatalf("output filename %q", job.Filename)
	}
	if delivered.Mime != "application/zip" {
		t.Fatalf("delivered mime %q", delivered.Mime)
	}
	// Cleanup runs after the terminal snapshot is written.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(filepath.Dir(delivered.Path)); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task dir not cleaned up")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamingURLGetsRemuxAndRenamedOutput(t *testing.T) {
	p := newTestPipeline(t, nil)
	var got remux.Job
	p.UseRemux(func(ctx context.Context, tok *task.Token, job remux.Job) (string, error) {
		got = job
		if err := os.MkdirAll(job.Dir, 0o750); err != nil {
			return "", err
		}
		out := filepath.Join(job.Dir, job.Filename)
		return out, os.WriteFile(out, []byte("x"), 0o600)
	})

	if err := p.Submit(task.Request{RequesterID: "u1", URL: "https://example.com/live/clip.m3u8"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForAction(t, p, "u1", "Complete")
	if got.Filename != "clip.mp4" {
		t.Fatalf("remux output %q, want clip.mp4", got.Filename)
	}
}

func TestGenericRejectsOversizeBeforeDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Length", "5000000000")
	}))
	defer srv.Close()

	p := newTestPipeline(t, nil)
	var started atomic.Bool
	p.UseSegmented(func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error) {
		started.Store(true)
		return "", errors.New("must not run")
	})

	if err := p.Submit(task.Request{RequesterID: "u1", URL: srv.URL + "/file.zip"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := waitForAction(t, p, "u1", "Error")
	if !strings.Contains(snap.Action, "size limit") {
		t.Fatalf("terminal snapshot %+v", snap)
	}
	if started.Load() {
		t.Fatal("download started despite known oversize")
	}
}

func TestGenericReroutesOnStreamingMime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegURL")
	}))
	defer srv.Close()

	p := newTestPipeline(t, nil)
	remuxed := make(chan remux.Job, 1)
	p.UseRemux(func(ctx context.Context, tok *task.Token, job remux.Job) (string, error) {
		remuxed <- job
		if err := os.MkdirAll(job.Dir, 0o750); err != nil {
			return "", err
		}
		out := filepath.Join(job.Dir, job.Filename)
		return out, os.WriteFile(out, []byte("x"), 0o600)
	})

	if err := p.Submit(task.Request{RequesterID: "u1", URL: srv.URL + "/stream"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForAction(t, p, "u1", "Complete")
	select {
	case <-remuxed:
	default:
		t.Fatal("streaming content type did not reroute to remux")
	}
}

func TestExtractorFailureCombinesFallbackError(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.UseExtractor(func(ctx context.Context, tok *task.Token, job extractor.Job) (string, error) {
		return "", errors.New("age gated")
	})
	p.UseFallbackResolver(func(ctx context.Context, url string) (cobalt.Resolution, error) {
		return cobalt.Resolution{}, errors.New("instance down")
	})

	if err := p.Submit(task.Request{RequesterID: "u1", URL: "https://reddit.com/r/videos/comments/abc"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := waitForAction(t, p, "u1", "Error")
	if !strings.Contains(snap.Action, "age gated") || !strings.Contains(snap.Action, "instance down") {
		t.Fatalf("combined error missing a cause: %q", snap.Action)
	}
	if snap.Error == "" || !strings.Contains(snap.Error, "age gated") {
		t.Fatalf("error field not populated: %+v", snap)
	}
}

func TestExtractorFailureWithoutFallbackPropagates(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.UseExtractor(func(ctx context.Context, tok *task.Token, job extractor.Job) (string, error) {
		return "", errors.New("not available")
	})
	var fellBack atomic.Bool
	p.UseFallbackResolver(func(ctx context.Context, url string) (cobalt.Resolution, error) {
		fellBack.Store(true)
		return cobalt.Resolution{}, nil
	})
	var segmentedRan atomic.Bool
	p.UseSegmented(func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error) {
		segmentedRan.Store(true)
		return "", nil
	})

	if err := p.Submit(task.Request{RequesterID: "u1", URL: "https://vimeo.com/12345"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForAction(t, p, "u1", "Error")
	if fellBack.Load() {
		t.Fatal("vimeo is not fallback eligible but the fallback ran")
	}
	if segmentedRan.Load() {
		t.Fatal("generic path used as silent fallback for an extractor URL")
	}
}

func TestFallbackOnlyDomainSkipsExtractor(t *testing.T) {
	p := newTestPipeline(t, nil)
	var extracted atomic.Bool
	p.UseExtractor(func(ctx context.Context, tok *task.Token, job extractor.Job) (string, error) {
		extracted.Store(true)
		return "", errors.New("must not run")
	})
	p.UseFallbackResolver(func(ctx context.Context, url string) (cobalt.Resolution, error) {
		return cobalt.Resolution{URL: "https://inst.example/t/1", Filename: "video.mp4"}, nil
	})
	var job aria2.Job
	p.UseSegmented(seedingSegmented("data", &job))

	if err := p.Submit(task.Request{RequesterID: "u1", URL: "https://youtube.com/watch?v=abc"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForAction(t, p, "u1", "Complete")
	if extracted.Load() {
		t.Fatal("extractor ran for an excluded domain")
	}
	if job.URL != "https://inst.example/t/1" || job.Filename != "video.mp4" {
		t.Fatalf("segmented job %+v", job)
	}
}

func TestZeroByteAcquisitionNeverDelivered(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.UseSegmented(seedingSegmented("", nil))
	var delivered atomic.Bool
	p.UseDeliverer(func(ctx context.Context, d deliver.Delivery) error {
		delivered.Store(true)
		return nil
	})

	if err := p.Submit(task.Request{RequesterID: "u1", URL: "https://cdn.example.com/empty.bin"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := waitForAction(t, p, "u1", "Error")
	if !strings.Contains(snap.Action, "empty") {
		t.Fatalf("terminal snapshot %+v", snap)
	}
	if delivered.Load() {
		t.Fatal("zero-byte file handed to delivery")
	}
}

func TestCancellationOutcome(t *testing.T) {
	p := newTestPipeline(t, nil)
	started := make(chan struct{})
	p.UseSegmented(func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error) {
		close(started)
		<-ctx.Done()
		return "", task.ErrCancelled
	})

	if err := p.Submit(task.Request{RequesterID: "u1", URL: "https://cdn.example.com/big.bin"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	if !p.Cancel("u1") {
		t.Fatal("cancel reported no active task")
	}
	snap := waitForAction(t, p, "u1", "Cancelled")
	if strings.HasPrefix(snap.Action, "Error") {
		t.Fatalf("cancellation reported as error: %+v", snap)
	}
}

func TestCancelWithoutTaskIsNotFound(t *testing.T) {
	p := newTestPipeline(t, nil)
	if p.Cancel("nobody") {
		t.Fatal("cancel invented a task")
	}
	if snap := p.Progress("nobody"); snap.Action != "idle" || snap.Percentage != 0 {
		t.Fatalf("idle default wrong: %+v", snap)
	}
}

func TestFormatsEmptyListIsValid(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.UseFormatLister(
		func(ctx context.Context, url string) ([]extractor.FormatOption, error) {
			return []extractor.FormatOption{}, nil
		},
		func(ctx context.Context, url string) string { return "some clip" },
	)
	opts, title, err := p.Formats(context.Background(), "https://vimeo.com/12345")
	if err != nil {
		t.Fatalf("formats: %v", err)
	}
	if len(opts) != 0 {
		t.Fatalf("expected empty list, got %+v", opts)
	}
	if title != "some clip" {
		t.Fatalf("title %q", title)
	}
}

func TestFormatsSkippedForGenericURLs(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.UseFormatLister(
		func(ctx context.Context, url string) ([]extractor.FormatOption, error) {
			t.Fatal("format probe ran for a generic URL")
			return nil, nil
		},
		func(ctx context.Context, url string) string { return "" },
	)
	opts, title, err := p.Formats(context.Background(), "https://cdn.example.com/file.zip")
	if err != nil {
		t.Fatalf("formats: %v", err)
	}
	if len(opts) != 0 || title != "file.zip" {
		t.Fatalf("got %v, %q", opts, title)
	}
}
