package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envPollInterval       = "LLMCHAT_POLL_INTERVAL"
	envDockerHost         = "LLMCHAT_DOCKER_HOST"
	envAPITimeout         = "LLMCHAT_API_TIMEOUT"
	envPullTimeout        = "LLMCHAT_PULL_TIMEOUT"
	envDataDir            = "LLMCHAT_DATA_DIR"
	envAppFile            = "LLMCHAT_APP_FILE"
	envGroupsFile         = "LLMCHAT_GROUPS_FILE"
	envComposeFile        = "LLMCHAT_COMPOSE_FILE"
	envStateFile          = "LLMCHAT_STATE_FILE"
	envAutoStart          = "LLMCHAT_AUTO_START"
	envTeardownOnExit     = "LLMCHAT_TEARDOWN_ON_EXIT"
	envLogLevel           = "LLMCHAT_LOG_LEVEL"
	envLogFormat          = "LLMCHAT_LOG_FORMAT"
	envHealthPort         = "LLMCHAT_HEALTH_PORT"
	envMetricsPort        = "LLMCHAT_METRICS_PORT"
	envAPIAddr            = "LLMCHAT_API_ADDR"
	envProbeInterval      = "LLMCHAT_PROBE_INTERVAL"
	envProbeTimeout       = "LLMCHAT_PROBE_TIMEOUT"
	envHealthyThreshold   = "LLMCHAT_HEALTHY_THRESHOLD"
	envUnhealthyThreshold = "LLMCHAT_UNHEALTHY_THRESHOLD"
	envStartTimeout       = "LLMCHAT_START_TIMEOUT"
	envUnhealthyGrace     = "LLMCHAT_UNHEALTHY_GRACE"
	envMaxRetries         = "LLMCHAT_MAX_RETRIES"
	envInitialBackoff     = "LLMCHAT_INITIAL_BACKOFF"
	envMaxBackoff         = "LLMCHAT_MAX_BACKOFF"
	envStopGrace          = "LLMCHAT_STOP_GRACE"
	envMaxRestarts        = "LLMCHAT_MAX_RESTARTS"
	envDriftInterval      = "LLMCHAT_DRIFT_INTERVAL"
	envSlackWebhookURL    = "LLMCHAT_SLACK_WEBHOOK_URL"
	envWebhookURL         = "LLMCHAT_WEBHOOK_URL"
	envWebhookTemplate    = "LLMCHAT_WEBHOOK_TEMPLATE"
	envNotifyDryRun       = "LLMCHAT_NOTIFY_DRY_RUN"
)

const (
	defaultPollInterval       = 5 * time.Second
	defaultAPITimeout         = 10 * time.Second
	defaultPullTimeout        = 15 * time.Minute
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultAPIAddr            = "127.0.0.1:11691"
	defaultProbeInterval      = time.Second
	defaultProbeTimeout       = 2 * time.Second
	defaultHealthyThreshold   = 2
	defaultUnhealthyThreshold = 3
	defaultStartTimeout       = 120 * time.Second
	defaultUnhealthyGrace     = 30 * time.Second
	defaultMaxRetries         = 3
	defaultInitialBackoff     = 500 * time.Millisecond
	defaultMaxBackoff         = 10 * time.Second
	defaultStopGrace          = 10 * time.Second
	defaultMaxRestarts        = 3
	defaultDriftInterval      = 30 * time.Second
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	PollInterval time.Duration
	// DockerHost overrides DOCKER_HOST when set.
	DockerHost  string
	APITimeout  time.Duration
	PullTimeout time.Duration
	// DataDir is bind mounted into Open WebUI for its database and uploads.
	DataDir     string
	AppFile     string
	GroupsFile  string
	ComposeFile string
	// StateFile keeps the last notified snapshot per group. Empty disables
	// persistence.
	StateFile string

	AutoStart      bool
	TeardownOnExit bool

	LogLevel    string
	LogFormat   string
	HealthPort  int
	MetricsPort int
	APIAddr     string

	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	HealthyThreshold   int
	UnhealthyThreshold int
	StartTimeout       time.Duration
	UnhealthyGrace     time.Duration

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StopGrace      time.Duration
	MaxRestarts    int
	DriftInterval  time.Duration

	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
	NotifyDryRun    bool
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		PollInterval:       defaultPollInterval,
		APITimeout:         defaultAPITimeout,
		PullTimeout:        defaultPullTimeout,
		DataDir:            defaultDataDir(),
		AutoStart:          true,
		TeardownOnExit:     true,
		LogLevel:           defaultLogLevel,
		LogFormat:          defaultLogFormat,
		APIAddr:            defaultAPIAddr,
		ProbeInterval:      defaultProbeInterval,
		ProbeTimeout:       defaultProbeTimeout,
		HealthyThreshold:   defaultHealthyThreshold,
		UnhealthyThreshold: defaultUnhealthyThreshold,
		StartTimeout:       defaultStartTimeout,
		UnhealthyGrace:     defaultUnhealthyGrace,
		MaxRetries:         defaultMaxRetries,
		InitialBackoff:     defaultInitialBackoff,
		MaxBackoff:         defaultMaxBackoff,
		StopGrace:          defaultStopGrace,
		MaxRestarts:        defaultMaxRestarts,
		DriftInterval:      defaultDriftInterval,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envPollInterval, &cfg.PollInterval},
		{envAPITimeout, &cfg.APITimeout},
		{envPullTimeout, &cfg.PullTimeout},
		{envProbeInterval, &cfg.ProbeInterval},
		{envProbeTimeout, &cfg.ProbeTimeout},
		{envStartTimeout, &cfg.StartTimeout},
		{envUnhealthyGrace, &cfg.UnhealthyGrace},
		{envInitialBackoff, &cfg.InitialBackoff},
		{envMaxBackoff, &cfg.MaxBackoff},
		{envStopGrace, &cfg.StopGrace},
		{envDriftInterval, &cfg.DriftInterval},
	}
	for _, d := range durations {
		if err := parsePositiveDuration(d.key, d.dst); err != nil {
			return Config{}, err
		}
	}

	positives := []struct {
		key string
		dst *int
	}{
		{envHealthyThreshold, &cfg.HealthyThreshold},
		{envUnhealthyThreshold, &cfg.UnhealthyThreshold},
		{envMaxRestarts, &cfg.MaxRestarts},
	}
	for _, p := range positives {
		if err := parseInt(p.key, p.dst, 1); err != nil {
			return Config{}, err
		}
	}
	if err := parseInt(envMaxRetries, &cfg.MaxRetries, 0); err != nil {
		return Config{}, err
	}
	if err := parsePort(envHealthPort, &cfg.HealthPort); err != nil {
		return Config{}, err
	}
	if err := parsePort(envMetricsPort, &cfg.MetricsPort); err != nil {
		return Config{}, err
	}

	for _, b := range []struct {
		key string
		dst *bool
	}{
		{envAutoStart, &cfg.AutoStart},
		{envTeardownOnExit, &cfg.TeardownOnExit},
		{envNotifyDryRun, &cfg.NotifyDryRun},
	} {
		if err := parseBool(b.key, b.dst); err != nil {
			return Config{}, err
		}
	}

	strs := []struct {
		key string
		dst *string
	}{
		{envDockerHost, &cfg.DockerHost},
		{envDataDir, &cfg.DataDir},
		{envAppFile, &cfg.AppFile},
		{envGroupsFile, &cfg.GroupsFile},
		{envComposeFile, &cfg.ComposeFile},
		{envStateFile, &cfg.StateFile},
		{envLogLevel, &cfg.LogLevel},
		{envLogFormat, &cfg.LogFormat},
		{envAPIAddr, &cfg.APIAddr},
		{envSlackWebhookURL, &cfg.SlackWebhookURL},
		{envWebhookURL, &cfg.WebhookURL},
		{envWebhookTemplate, &cfg.WebhookTemplate},
	}
	for _, s := range strs {
		if value, ok := lookupTrimmed(s.key); ok {
			*s.dst = value
		}
	}

	if cfg.MaxBackoff < cfg.InitialBackoff {
		return Config{}, fmt.Errorf("%s must not be less than %s", envMaxBackoff, envInitialBackoff)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "console":
		cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	default:
		return Config{}, fmt.Errorf("invalid %s: must be json or console", envLogFormat)
	}
	if cfg.DockerHost != "" {
		if err := validateDockerHost(cfg.DockerHost); err != nil {
			return Config{}, err
		}
	}
	if cfg.APIAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.APIAddr); err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envAPIAddr, err)
		}
	}
	if cfg.SlackWebhookURL != "" {
		if err := validateURL(cfg.SlackWebhookURL, envSlackWebhookURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.WebhookURL != "" {
		if err := validateURL(cfg.WebhookURL, envWebhookURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("%s is required when no user data directory exists", envDataDir)
	}

	return cfg, nil
}

// defaultDataDir mirrors the desktop app's local data layout.
func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return ""
	}
	return filepath.Join(base, "localllm-chat", "openwebui", "data")
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func parsePositiveDuration(key string, dst *time.Duration) error {
	value, ok := lookupTrimmed(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be greater than zero", key)
	}
	*dst = d
	return nil
}

func parseInt(key string, dst *int, min int) error {
	value, ok := lookupTrimmed(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < min {
		return fmt.Errorf("%s must be at least %d", key, min)
	}
	*dst = n
	return nil
}

func parsePort(key string, dst *int) error {
	if err := parseInt(key, dst, 0); err != nil {
		return err
	}
	if *dst > 65535 {
		return fmt.Errorf("%s must be a valid port", key)
	}
	return nil
}

func parseBool(key string, dst *bool) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}

func validateDockerHost(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", envDockerHost, err)
	}
	switch parsed.Scheme {
	case "unix", "npipe":
		if parsed.Path == "" {
			return fmt.Errorf("invalid %s: socket path is required", envDockerHost)
		}
	case "tcp", "http", "https", "ssh":
		if parsed.Host == "" {
			return fmt.Errorf("invalid %s: host is required", envDockerHost)
		}
	default:
		return fmt.Errorf("invalid %s: unsupported scheme %q", envDockerHost, parsed.Scheme)
	}
	return nil
}
