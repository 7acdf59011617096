package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir       string        `envconfig:"DOWNLOAD_DIR" default:"downloads"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"10m"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"5m"`
	JobTimeout        time.Duration `envconfig:"JOB_TIMEOUT" default:"8m"`
	RegistryBackend   string        `envconfig:"REGISTRY_BACKEND" default:"memory"`
	RegistryDSN       string        `envconfig:"REGISTRY_DSN" default:"file:songfetch?mode=memory&cache=shared"`
	RegistryTTL       time.Duration `envconfig:"REGISTRY_TTL" default:"1h"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	CookieFile        string        `envconfig:"COOKIE_FILE" default:"cookies.txt"`
	YoutubeCookies    string        `envconfig:"YOUTUBE_COOKIES"`
	AttachmentName    string        `envconfig:"ATTACHMENT_NAME" default:"song.m4a"`

	Fetch struct {
		PollInterval time.Duration `split_words:"true" default:"1s"`
		MaxWait      time.Duration `split_words:"true" default:"120s"`
	}

	Stream struct {
		PollInterval time.Duration `split_words:"true" default:"500ms"`
		MaxWait      time.Duration `split_words:"true" default:"60s"`
		MinBytes     int64         `split_words:"true" default:"2048"`
		ChunkSize    int           `split_words:"true" default:"65536"`
		TailInterval time.Duration `split_words:"true" default:"150ms"`
		IdleTimeout  time.Duration `split_words:"true" default:"120s"`
	}

	Extractor struct {
		Executable          string        `split_words:"true"`
		AutoInstall         bool          `split_words:"true" default:"false"`
		Format              string        `split_words:"true" default:"bestaudio[ext=m4a]/best"`
		SourceAddress       string        `split_words:"true" default:"0.0.0.0"`
		SocketTimeout       time.Duration `split_words:"true" default:"60s"`
		Retries             int           `split_words:"true" default:"30"`
		FragmentRetries     int           `split_words:"true" default:"30"`
		RetrySleep          time.Duration `split_words:"true" default:"5s"`
		HTTPChunkSize       string        `envconfig:"EXTRACTOR_HTTP_CHUNK_SIZE" default:"1M"`
		ConcurrentFragments int           `split_words:"true" default:"4"`
		LimitRate           string        `split_words:"true"`
		SearchLimit         int           `split_words:"true" default:"10"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"songfetch"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
		OTLPInsecure   bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:5000"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads an optional .env file, then environment variables, and
// populates the Config struct.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the tunables against each other. Files must outlive both
// the longest possible download and the longest blocking wait, or the reaper
// could delete a file that is still being written or served.
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"KEEP_DOWNLOADED_FOR":  c.KeepDownloadedFor,
		"CLEANUP_INTERVAL":     c.CleanupInterval,
		"JOB_TIMEOUT":          c.JobTimeout,
		"FETCH_POLL_INTERVAL":  c.Fetch.PollInterval,
		"FETCH_MAX_WAIT":       c.Fetch.MaxWait,
		"STREAM_POLL_INTERVAL": c.Stream.PollInterval,
		"STREAM_MAX_WAIT":      c.Stream.MaxWait,
		"STREAM_TAIL_INTERVAL": c.Stream.TailInterval,
		"STREAM_IDLE_TIMEOUT":  c.Stream.IdleTimeout,
		"WEB_SHUTDOWN_TIMEOUT": c.Web.ShutdownTimeout,
	}

	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.KeepDownloadedFor <= c.JobTimeout {
		errs = append(errs, fmt.Errorf("KEEP_DOWNLOADED_FOR (%s) must exceed JOB_TIMEOUT (%s)", c.KeepDownloadedFor, c.JobTimeout))
	}

	if c.KeepDownloadedFor <= c.Fetch.MaxWait {
		errs = append(errs, fmt.Errorf("KEEP_DOWNLOADED_FOR (%s) must exceed FETCH_MAX_WAIT (%s)", c.KeepDownloadedFor, c.Fetch.MaxWait))
	}

	if c.Stream.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("STREAM_CHUNK_SIZE must be positive, got %d", c.Stream.ChunkSize))
	}

	if c.Stream.MinBytes < 0 {
		errs = append(errs, fmt.Errorf("STREAM_MIN_BYTES must not be negative, got %d", c.Stream.MinBytes))
	}

	if c.Extractor.SearchLimit < 1 {
		errs = append(errs, fmt.Errorf("EXTRACTOR_SEARCH_LIMIT must be at least 1, got %d", c.Extractor.SearchLimit))
	}

	switch c.RegistryBackend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("invalid REGISTRY_BACKEND: %q", c.RegistryBackend))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
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
