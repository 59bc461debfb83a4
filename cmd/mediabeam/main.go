package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mediabeam/internal/api"
	"mediabeam/internal/aria2"
	"mediabeam/internal/cobalt"
	"mediabeam/internal/config"
	"mediabeam/internal/deliver"
	"mediabeam/internal/extractor"
	"mediabeam/internal/fileutil"
	"mediabeam/internal/mediainfo"
	"mediabeam/internal/pipeline"
	"mediabeam/internal/progress"
	"mediabeam/internal/remux"
	"mediabeam/internal/resolver"
	"mediabeam/internal/store"
	"mediabeam/internal/task"
	"mediabeam/internal/telegram"
)

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Secrets may live in a local .env instead of config.yml.
	_ = godotenv.Load()

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := fileutil.EnsureDir(cfg.DownloadDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DownloadDir).Msg("ensure download dir")
	}

	accounts, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open account store")
	}
	defer accounts.Close()

	sender, err := telegram.New(cfg.TelegramToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram authorization failed")
	}

	registry := task.NewRegistry()
	tracker := progress.NewTracker()

	pipe := buildPipeline(cfg, tracker, registry, sender, accounts)

	router := setupRouter()
	api.NewAPI(pipe).RegisterRoutes(router)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	registry.SetBaseContext(baseCtx)
	go sweepLoop(baseCtx, tracker, cfg.SweepInterval, cfg.ProgressTTL)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, registry, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func buildPipeline(
	cfg config.Config,
	tracker *progress.Tracker,
	registry *task.Registry,
	sender *telegram.Sender,
	accounts *store.Store,
) *pipeline.Pipeline {
	downloader := aria2.NewDownloader(aria2.NewClient(cfg.Aria2.RPCURL, cfg.Aria2.Secret), tracker)
	downloader.Notify = sender.SendText

	ffmpegOK := mediainfo.Available(cfg.FFmpegPath)
	if !ffmpegOK {
		log.Warn().Str("path", cfg.FFmpegPath).Msg("ffmpeg not found, merged format selections disabled")
	}

	ext := extractor.NewService(extractor.Options{
		CookiesFile:     cfg.CookiesFile,
		Proxy:           cfg.Proxy,
		RemoteAPIURL:    cfg.RemoteAPIURL,
		FFmpegAvailable: ffmpegOK,
		MaxFileSize:     cfg.MaxFileSize,
	}, tracker)
	ext.Handoff = downloader.Download

	prober := mediainfo.NewProber(cfg.FFprobePath, cfg.FFmpegPath)

	return pipeline.New(
		pipeline.Config{DownloadDir: cfg.DownloadDir, MaxFileSize: cfg.MaxFileSize},
		tracker,
		registry,
		resolver.New(nil),
		ext,
		downloader,
		remux.NewFetcher(cfg.FFmpegPath, tracker),
		cobalt.NewClient(cfg.CobaltAPIURL),
		deliver.NewService(sender, prober, tracker, cfg.DownloadDir),
		accounts,
	)
}

// sweepLoop drops stale terminal snapshots so finished requesters do not
// accumulate forever.
func sweepLoop(ctx context.Context, tracker *progress.Tracker, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tracker.Sweep(ttl); n > 0 {
				log.Debug().Int("removed", n).Msg("swept stale progress snapshots")
			}
		}
	}
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, registry *task.Registry, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !registry.WaitAll(ctx) {
		log.Warn().Msg("active downloads did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
