package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/vkstream/internal/apiclient"
	"pkt.systems/vkstream/internal/views"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	API           APIConfig     `mapstructure:"api" yaml:"api"`
	Stream        StreamConfig  `mapstructure:"stream" yaml:"stream"`
	Poll          PollConfig    `mapstructure:"poll" yaml:"poll"`
	Views         ViewsConfig   `mapstructure:"views" yaml:"views"`
	Cache         CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Metrics       MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// APIConfig locates the backend.
type APIConfig struct {
	BaseURL               string `mapstructure:"base_url" yaml:"base_url"`
	ProcessesPath         string `mapstructure:"processes_path" yaml:"processes_path"`
	ProcessPath           string `mapstructure:"process_path" yaml:"process_path"`
	NormalizedLogsPath    string `mapstructure:"normalized_logs_path" yaml:"normalized_logs_path"`
	AttemptDiffPath       string `mapstructure:"attempt_diff_path" yaml:"attempt_diff_path"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// StreamConfig controls patch stream reconnects.
type StreamConfig struct {
	InitialBackoffMS int `mapstructure:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `mapstructure:"max_backoff_ms" yaml:"max_backoff_ms"`
}

// PollConfig controls the process list poller.
type PollConfig struct {
	IntervalMS int `mapstructure:"interval_ms" yaml:"interval_ms"`
}

// ViewsConfig controls the derived views.
type ViewsConfig struct {
	Cluster           ClusterConfig `mapstructure:"cluster" yaml:"cluster"`
	InlineDiffContext int           `mapstructure:"inline_diff_context" yaml:"inline_diff_context"`
}

// ClusterConfig controls assistant message clustering.
type ClusterConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	MaxChars    int  `mapstructure:"max_chars" yaml:"max_chars"`
	MaxMessages int  `mapstructure:"max_messages" yaml:"max_messages"`
	MinMessages int  `mapstructure:"min_messages" yaml:"min_messages"`
}

// CacheConfig bounds in-memory caches.
type CacheConfig struct {
	CompletedLogs int `mapstructure:"completed_logs" yaml:"completed_logs"`
}

// MetricsConfig configures the Prometheus listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	policy := views.DefaultClusterPolicy()
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".vkstream", "state"),
		API: APIConfig{
			BaseURL:               "http://127.0.0.1:3001",
			ProcessesPath:         apiclient.DefaultProcessesPath,
			ProcessPath:           apiclient.DefaultProcessPath,
			NormalizedLogsPath:    apiclient.DefaultNormalizedLogsPath,
			AttemptDiffPath:       apiclient.DefaultAttemptDiffPath,
			RequestTimeoutSeconds: 30,
		},
		Stream: StreamConfig{
			InitialBackoffMS: 1000,
			MaxBackoffMS:     30000,
		},
		Poll: PollConfig{
			IntervalMS: 1000,
		},
		Views: ViewsConfig{
			Cluster: ClusterConfig{
				Enabled:     false,
				MaxChars:    policy.MaxChars,
				MaxMessages: policy.MaxMessages,
				MinMessages: policy.MinMessages,
			},
			InlineDiffContext: views.DefaultDiffContext,
		},
		Cache: CacheConfig{
			CompletedLogs: apiclient.DefaultCacheSize,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".vkstream", "config.yaml"), nil
}

// ClientOptions maps the API section onto apiclient options.
func (c Config) ClientOptions() apiclient.Options {
	return apiclient.Options{
		BaseURL: c.API.BaseURL,
		Paths: apiclient.Paths{
			Processes:      c.API.ProcessesPath,
			Process:        c.API.ProcessPath,
			NormalizedLogs: c.API.NormalizedLogsPath,
			AttemptDiff:    c.API.AttemptDiffPath,
		},
		Timeout:   c.RequestTimeout(),
		CacheSize: c.Cache.CompletedLogs,
	}
}

// RequestTimeout is the REST request timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.RequestTimeoutSeconds) * time.Second
}

// InitialBackoff is the first reconnect delay.
func (c Config) InitialBackoff() time.Duration {
	return time.Duration(c.Stream.InitialBackoffMS) * time.Millisecond
}

// MaxBackoff caps the reconnect delay.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.Stream.MaxBackoffMS) * time.Millisecond
}

// PollInterval is the process list refresh interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMS) * time.Millisecond
}

// ClusterPolicy returns the configured clustering caps.
func (c Config) ClusterPolicy() views.ClusterPolicy {
	return views.ClusterPolicy{
		MaxChars:    c.Views.Cluster.MaxChars,
		MaxMessages: c.Views.Cluster.MaxMessages,
		MinMessages: c.Views.Cluster.MinMessages,
	}
}
