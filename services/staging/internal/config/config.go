package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"buildstage/services/staging/downloader"
)

const (
	defaultStaticDir = "/var/lib/buildstage/static"
	defaultHTTPAddr  = ":8080"
	defaultPrefix    = "gs://chromeos-image-archive"
)

// Load reads the optional YAML file at path and then applies BUILDSTAGE_* environment
// overrides. A missing file is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Config{
		StaticDir:     defaultStaticDir,
		HTTPAddr:      defaultHTTPAddr,
		ArchivePrefix: defaultPrefix,
		Fetch: FetchConfig{
			Retries:        downloader.DefaultRetries,
			InitialBackoff: downloader.DefaultInitialBackoff,
			Timeout:        downloader.DefaultFetchTimeout,
		},
		Background: BackgroundConfig{Concurrency: downloader.DefaultBackgroundConcurrency},
	}

	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config file %s does not exist", path)
			}
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.StaticDir = getEnv("BUILDSTAGE_STATIC_DIR", cfg.StaticDir)
	cfg.HTTPAddr = getEnv("BUILDSTAGE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.ArchivePrefix = getEnv("BUILDSTAGE_ARCHIVE_PREFIX", cfg.ArchivePrefix)
	cfg.Android.APIBase = getEnv("BUILDSTAGE_ANDROID_API_BASE", cfg.Android.APIBase)
	cfg.Android.Token = getEnv("BUILDSTAGE_ANDROID_TOKEN", cfg.Android.Token)
	cfg.NATS.URL = getEnv("BUILDSTAGE_NATS_URL", cfg.NATS.URL)
	cfg.Database.URL = getEnv("BUILDSTAGE_DATABASE_URL", cfg.Database.URL)
	cfg.Fetch.Retries = getEnvInt("BUILDSTAGE_FETCH_RETRIES", cfg.Fetch.Retries)
	cfg.Background.Concurrency = getEnvInt("BUILDSTAGE_BACKGROUND_CONCURRENCY", cfg.Background.Concurrency)

	var err error
	if cfg.Fetch.InitialBackoff, err = getEnvDuration("BUILDSTAGE_FETCH_INITIAL_BACKOFF", cfg.Fetch.InitialBackoff); err != nil {
		return Config{}, err
	}
	if cfg.Fetch.Timeout, err = getEnvDuration("BUILDSTAGE_FETCH_TIMEOUT", cfg.Fetch.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.Fetch.WaitTimeout, err = getEnvDuration("BUILDSTAGE_FETCH_WAIT_TIMEOUT", cfg.Fetch.WaitTimeout); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.StaticDir) == "" {
		return errors.New("static_dir is required")
	}
	if c.Fetch.Retries < 0 {
		return fmt.Errorf("fetch.retries must be >= 0, got %d", c.Fetch.Retries)
	}
	if c.Fetch.InitialBackoff <= 0 {
		return fmt.Errorf("fetch.initial_backoff must be positive, got %s", c.Fetch.InitialBackoff)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive, got %s", c.Fetch.Timeout)
	}
	if c.Fetch.WaitTimeout < 0 {
		return fmt.Errorf("fetch.wait_timeout must be >= 0, got %s", c.Fetch.WaitTimeout)
	}
	if c.Background.Concurrency <= 0 {
		return fmt.Errorf("background.concurrency must be positive, got %d", c.Background.Concurrency)
	}
	if p := c.ArchivePrefix; p != "" && !strings.HasPrefix(p, "gs://") && !strings.HasPrefix(p, "s3://") {
		return fmt.Errorf("archive_prefix must start with gs:// or s3://, got %q", p)
	}
	return nil
}

// DownloaderOptions maps the fetch settings onto downloader options.
func (c Config) DownloaderOptions() downloader.Options {
	return downloader.Options{
		Retries:               c.Fetch.Retries,
		NoRetry:               c.Fetch.Retries == 0,
		InitialBackoff:        c.Fetch.InitialBackoff,
		FetchTimeout:          c.Fetch.Timeout,
		WaitTimeout:           c.Fetch.WaitTimeout,
		BackgroundConcurrency: c.Background.Concurrency,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
