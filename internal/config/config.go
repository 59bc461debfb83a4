package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = 8080
	defaultDownloadDir   = "downloads"
	defaultDBPath        = "data/accounts.db"
	defaultAria2RPCURL   = "http://127.0.0.1:6800/jsonrpc"
	defaultMaxFileSize   = 2 << 30
	defaultFFmpegPath    = "ffmpeg"
	defaultFFprobePath   = "ffprobe"
	defaultProgressTTL   = time.Hour
	defaultSweepInterval = 10 * time.Minute
)

// Aria2 holds the segmented-download daemon connection settings.
type Aria2 struct {
	RPCURL string `yaml:"rpc_url"`
	Secret string `yaml:"secret"`
}

// Config describes runtime configuration for the service.
type Config struct {
	Port        int    `yaml:"port"`
	DownloadDir string `yaml:"download_dir"`
	DBPath      string `yaml:"db_path"`
	MaxFileSize int64  `yaml:"max_file_size"`

	TelegramToken string `yaml:"telegram_token"`

	Aria2 Aria2 `yaml:"aria2"`

	CobaltAPIURL string `yaml:"cobalt_api_url"`
	RemoteAPIURL string `yaml:"remote_api_url"`
	CookiesFile  string `yaml:"cookies_file"`
	Proxy        string `yaml:"proxy"`

	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`

	ProgressTTL   time.Duration `yaml:"progress_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Port:          defaultPort,
		DownloadDir:   defaultDownloadDir,
		DBPath:        defaultDBPath,
		MaxFileSize:   defaultMaxFileSize,
		Aria2:         Aria2{RPCURL: defaultAria2RPCURL},
		FFmpegPath:    defaultFFmpegPath,
		FFprobePath:   defaultFFprobePath,
		ProgressTTL:   defaultProgressTTL,
		SweepInterval: defaultSweepInterval,
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error. Environment variables
// override the token and aria2 secret so they can stay out of the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnv(cfg), nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return applyEnv(cfg), nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	cfg = applyEnv(cfg)
	// basic normalization
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = defaultDownloadDir
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = defaultFFmpegPath
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = defaultFFprobePath
	}
	if cfg.ProgressTTL <= 0 {
		cfg.ProgressTTL = defaultProgressTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MaxFileSize < 0 {
		return cfg, fmt.Errorf("invalid max_file_size: %d (must be >= 0)", cfg.MaxFileSize)
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.Aria2.RPCURL == "" {
		cfg.Aria2.RPCURL = defaultAria2RPCURL
	}
	cfg.CobaltAPIURL = strings.TrimRight(cfg.CobaltAPIURL, "/")
	cfg.RemoteAPIURL = strings.TrimRight(cfg.RemoteAPIURL, "/")
	return cfg, nil
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
	if v := os.Getenv("ARIA2_SECRET"); v != "" {
		cfg.Aria2.Secret = v
	}
	return cfg
}
