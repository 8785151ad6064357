package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"powerthrough/internal/proxy"
)

// Config is the fully-resolved process configuration, loaded once at
// startup from the environment (and an optional .env file).
type Config struct {
	ListenAddr string

	CacheTTL time.Duration

	HeadlessEnabled bool
	HeadlessMax     int
	HeadlessTimeout time.Duration
	HeadlessUA      string
	FallbackUA      string

	Queue proxy.QueueConfig

	TLS TLSConfig

	LogDebug bool
}

// TLSConfig controls the optional self-signed HTTPS listener.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

const (
	defaultPort               = "8787"
	defaultCacheTTL            = 15 * time.Second
	defaultHeadlessMax         = 2
	defaultHeadlessTimeout     = 30 * time.Second
	defaultQueueMax            = 1024
	defaultQueueMaxConcurrent  = 128
	defaultQueueEnqueueTimeout = 2 * time.Second
)

// Load reads environment variables (after loading a .env file, if present)
// and returns the resolved Config. The error is always nil: every variable
// has a default, and an unparseable value falls back to it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port := getEnv("PORT", defaultPort)
	listen := ":" + strings.TrimPrefix(port, ":")

	cfg := &Config{
		ListenAddr: listen,
		CacheTTL:   getEnvDuration("POWERTHROUGH_CACHE_TTL", defaultCacheTTL),

		HeadlessEnabled: getEnvBool("POWERTHROUGH_HEADLESS", false),
		HeadlessMax:     getEnvInt("POWERTHROUGH_HEADLESS_MAX", defaultHeadlessMax),
		HeadlessTimeout: getEnvDuration("POWERTHROUGH_HEADLESS_TIMEOUT", defaultHeadlessTimeout),
		HeadlessUA:      getEnv("POWERTHROUGH_HEADLESS_UA", ""),
		FallbackUA:      getEnv("POWERTHROUGH_FALLBACK_UA", "Mozilla/5.0 (compatible; powerthrough/1.0)"),

		Queue: proxy.QueueConfig{
			MaxQueue:        getEnvInt("RP_MAX_QUEUE", defaultQueueMax),
			MaxConcurrent:   getEnvInt("RP_MAX_CONCURRENT", defaultQueueMaxConcurrent),
			EnqueueTimeout:  getEnvDuration("RP_ENQUEUE_TIMEOUT", defaultQueueEnqueueTimeout),
			QueueWaitHeader: getEnvBool("RP_QUEUE_WAIT_HEADER", true),
		},

		TLS: TLSConfig{
			Enabled:  getEnvBool("TLS_ENABLED", false),
			CertFile: getEnv("TLS_CERT_FILE", ""),
			KeyFile:  getEnv("TLS_KEY_FILE", ""),
		},

		LogDebug: getEnvBool("POWERTHROUGH_LOG_DEBUG", false),
	}

	// CacheTTL <= 0 disables the cache entirely, per spec; a negative env
	// value (e.g. "-1") is a deliberate way to express that, so it's left
	// as-is rather than clamped to the default.
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

// getEnvDuration parses a millisecond count (per spec.md's *_TTL/*_TIMEOUT
// variables, which are documented in ms) rather than a Go duration string.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
