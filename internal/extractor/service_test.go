package extractor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"mediabeam/internal/aria2"
	"mediabeam/internal/progress"
	"mediabeam/internal/task"
)

func TestFormatExpression(t *testing.T) {
	cases := []struct {
		id     string
		ffmpeg bool
		want   string
	}{
		{"", true, "bestvideo[height<=1080]+bestaudio/best[height<=1080]/best"},
		{"", false, "best[height<=1080]/best"},
		{"best", true, "bestvideo+bestaudio/best"},
		{"best", false, "best"},
		{"137", true, "137+bestaudio/137/best"},
		{"137", false, "137/best"},
	}
	for _, tc := range cases {
		if got := FormatExpression(tc.id, tc.ffmpeg); got != tc.want {
			t.Fatalf("FormatExpression(%q, %v) = %q, want %q", tc.id, tc.ffmpeg, got, tc.want)
		}
	}
}

func newTestService(info *Info) *Service {
	s := NewService(Options{FFmpegAvailable: true}, progress.NewTracker())
	s.UseInspector(func(ctx context.Context, url, formatExpr string) (*Info, error) {
		return info, nil
	})
	return s
}

func TestDownloadHandsOffDirectStream(t *testing.T) {
	s := newTestService(&Info{
		Title:        "a clip",
		Ext:          "mp4",
		ExtractorKey: "Dailymotion",
		URL:          "https://cdn.example/stream.mp4",
		Protocol:     "https",
		HTTPHeaders:  map[string]string{"Referer": "https://dailymotion.com"},
	})

	var got aria2.Job
	s.Handoff = func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error) {
		got = job
		return filepath.Join(job.Dir, job.Filename), nil
	}

	out, err := s.Download(context.Background(), nil, Job{RequesterID: "u1", URL: "https://dailymotion.com/v", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if got.URL != "https://cdn.example/stream.mp4" {
		t.Fatalf("handoff got url %q", got.URL)
	}
	if got.Filename != "a clip.mp4" {
		t.Fatalf("handoff filename %q", got.Filename)
	}
	if len(got.Headers) != 1 || got.Headers[0] != "Referer: https://dailymotion.com" {
		t.Fatalf("handoff headers %v", got.Headers)
	}
	if out == "" {
		t.Fatal("no output path")
	}
}

func TestDownloadSkipsHandoffForTrickySites(t *testing.T) {
	s := newTestService(&Info{
		Title:        "reel",
		Ext:          "mp4",
		ExtractorKey: "Instagram",
		URL:          "https://cdn.example/reel.mp4",
		Protocol:     "https",
	})
	s.Handoff = func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error) {
		t.Fatal("tricky extractor must not be handed off")
		return "", nil
	}

	dir := t.TempDir()
	native := filepath.Join(dir, "reel.mp4")
	s.UseRunner(func(ctx context.Context, requesterID, url, formatExpr, outputTpl string) (string, error) {
		if err := os.WriteFile(native, []byte("data"), 0o600); err != nil {
			return "", err
		}
		return native, nil
	})

	out, err := s.Download(context.Background(), nil, Job{RequesterID: "u1", URL: "https://instagram.com/reel/x", Dir: dir})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if out != native {
		t.Fatalf("output %q, want %q", out, native)
	}
}

func TestDownloadSkipsHandoffWhenMergeNeeded(t *testing.T) {
	s := newTestService(&Info{
		Title:            "merged",
		Ext:              "mp4",
		ExtractorKey:     "Vimeo",
		RequestedFormats: []Format{{FormatID: "v"}, {FormatID: "a"}},
	})
	handedOff := false
	s.Handoff = func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error) {
		handedOff = true
		return "", nil
	}
	dir := t.TempDir()
	s.UseRunner(func(ctx context.Context, requesterID, url, formatExpr, outputTpl string) (string, error) {
		p := filepath.Join(dir, "merged.mp4")
		return p, os.WriteFile(p, []byte("x"), 0o600)
	})

	if _, err := s.Download(context.Background(), nil, Job{RequesterID: "u1", URL: "https://vimeo.com/1", Dir: dir}); err != nil {
		t.Fatalf("download: %v", err)
	}
	if handedOff {
		t.Fatal("merge selection must download natively")
	}
}

func TestDownloadRejectsOversizeSelection(t *testing.T) {
	s := newTestService(&Info{
		Title:        "huge",
		Ext:          "mp4",
		ExtractorKey: "Vimeo",
		RequestedFormats: []Format{
			{FormatID: "v", Filesize: 3_000_000_000},
			{FormatID: "a", Filesize: 50_000_000},
		},
	})
	s.opts.MaxFileSize = 2 << 30
	s.Handoff = func(ctx context.Context, tok *task.Token, job aria2.Job) (string, error) {
		t.Fatal("oversize selection must not start a download")
		return "", nil
	}
	s.UseRunner(func(ctx context.Context, requesterID, url, formatExpr, outputTpl string) (string, error) {
		t.Fatal("oversize selection must not start a download")
		return "", nil
	})

	_, err := s.Download(context.Background(), nil, Job{RequesterID: "u1", URL: "https://vimeo.com/1", Dir: t.TempDir()})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestDownloadAllowsUnknownSize(t *testing.T) {
	// One part without a reported size makes the total unknowable; the
	// download must proceed and rely on the engine's own cap.
	s := newTestService(&Info{
		Title:            "partial",
		Ext:              "mp4",
		ExtractorKey:     "Vimeo",
		RequestedFormats: []Format{{FormatID: "v", Filesize: 3_000_000_000}, {FormatID: "a"}},
	})
	s.opts.MaxFileSize = 2 << 30
	dir := t.TempDir()
	out := filepath.Join(dir, "partial.mp4")
	s.UseRunner(func(ctx context.Context, requesterID, url, formatExpr, outputTpl string) (string, error) {
		return out, os.WriteFile(out, []byte("x"), 0o600)
	})

	if _, err := s.Download(context.Background(), nil, Job{RequesterID: "u1", URL: "https://vimeo.com/1", Dir: dir}); err != nil {
		t.Fatalf("download: %v", err)
	}
}

func TestDownloadRejectsEmptyOutput(t *testing.T) {
	s := newTestService(&Info{Title: "t", ExtractorKey: "Vimeo"})
	dir := t.TempDir()
	empty := filepath.Join(dir, "t.mp4")
	s.UseRunner(func(ctx context.Context, requesterID, url, formatExpr, outputTpl string) (string, error) {
		return empty, os.WriteFile(empty, nil, 0o600)
	})

	_, err := s.Download(context.Background(), nil, Job{RequesterID: "u1", URL: "https://vimeo.com/1", Dir: dir})
	if err == nil {
		t.Fatal("zero-byte output must fail")
	}
	if _, statErr := os.Stat(empty); !os.IsNotExist(statErr) {
		t.Fatal("zero-byte output left on disk")
	}
}

func TestDownloadLocatesUnreportedOutput(t *testing.T) {
	s := newTestService(&Info{Title: "t", ExtractorKey: "Vimeo"})
	dir := t.TempDir()
	want := filepath.Join(dir, "big.mp4")
	s.UseRunner(func(ctx context.Context, requesterID, url, formatExpr, outputTpl string) (string, error) {
		if err := os.WriteFile(filepath.Join(dir, "small.part"), []byte("xx"), 0o600); err != nil {
			return "", err
		}
		return "", os.WriteFile(want, []byte("payload"), 0o600)
	})

	out, err := s.Download(context.Background(), nil, Job{RequesterID: "u1", URL: "https://vimeo.com/1", Dir: dir})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if out != want {
		t.Fatalf("located %q, want %q", out, want)
	}
}

func TestDownloadReportsCancellation(t *testing.T) {
	s := newTestService(&Info{Title: "t", ExtractorKey: "Vimeo"})
	reg := task.NewRegistry()
	tok, _ := reg.Begin("u1")
	s.UseRunner(func(ctx context.Context, requesterID, url, formatExpr, outputTpl string) (string, error) {
		tok.Cancel()
		return "", errors.New("process killed")
	})

	_, err := s.Download(context.Background(), tok, Job{RequesterID: "u1", URL: "https://vimeo.com/1", Dir: t.TempDir()})
	if !errors.Is(err, task.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}
