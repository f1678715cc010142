package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/qqmusic_downloader/internal/music"
	"github.com/italolelis/qqmusic_downloader/internal/transfer"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const dirPerm = 0755

// ErrMissingCookie is returned when a command needs the vendor session and none is configured.
var ErrMissingCookie = errors.New("QQMUSIC_COOKIE is not set")

// Config struct for environment variables.
type Config struct {
	Cookie         string        `envconfig:"QQMUSIC_COOKIE"`
	DownloadDir    string        `envconfig:"DOWNLOAD_DIR" default:"~/Desktop/QQMusic"`
	DefaultQuality int           `envconfig:"DEFAULT_QUALITY" default:"1"`
	HTTPTimeout    time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	RetryTimes     int           `envconfig:"RETRY_TIMES" default:"3"`
	RetryDelay     time.Duration `envconfig:"RETRY_DELAY" default:"1s"`
	ChunkSize      int           `envconfig:"CHUNK_SIZE" default:"8192"`
	RateLimit      int           `envconfig:"RATE_LIMIT" default:"0"` // bytes per second, 0 disables
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat      string        `envconfig:"LOG_FORMAT"`
	DBPath         string        `envconfig:"DB_PATH" default:"downloads.db"`

	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	StaleTempAfter    time.Duration `envconfig:"STALE_TEMP_AFTER" default:"24h"`

	Crypto struct {
		NodePath   string        `split_words:"true" default:"node"`
		ScriptPath string        `split_words:"true" default:"node_tools/qq_api_crypto.js"`
		Timeout    time.Duration `split_words:"true" default:"15s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"false"`
		ServiceName  string `split_words:"true" default:"qqmusic_downloader"`
		OTLPEndpoint string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig loads an optional .env file, then reads environment variables.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	dir, err := expandHome(cfg.DownloadDir)
	if err != nil {
		return nil, err
	}

	cfg.DownloadDir = dir

	if !music.Quality(cfg.DefaultQuality).Valid() {
		return nil, fmt.Errorf("invalid DEFAULT_QUALITY %d: expected 1, 2 or 3", cfg.DefaultQuality)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) Quality() music.Quality {
	return music.Quality(c.DefaultQuality)
}

// RequireCookie fails when no session cookie is configured.
func (c *Config) RequireCookie() error {
	if strings.TrimSpace(c.Cookie) == "" {
		return ErrMissingCookie
	}

	return nil
}

func (c *Config) MusicDir() string {
	musicDir, _ := transfer.Layout(c.DownloadDir)

	return musicDir
}

func (c *Config) LyricsDir() string {
	_, lyricsDir := transfer.Layout(c.DownloadDir)

	return lyricsDir
}

// EnsureDirs creates the music and lyrics directories under DownloadDir.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.MusicDir(), c.LyricsDir()} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
