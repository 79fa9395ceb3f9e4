package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VKSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.processes_path", cfg.API.ProcessesPath)
	v.SetDefault("api.process_path", cfg.API.ProcessPath)
	v.SetDefault("api.normalized_logs_path", cfg.API.NormalizedLogsPath)
	v.SetDefault("api.attempt_diff_path", cfg.API.AttemptDiffPath)
	v.SetDefault("api.request_timeout_seconds", cfg.API.RequestTimeoutSeconds)
	v.SetDefault("stream.initial_backoff_ms", cfg.Stream.InitialBackoffMS)
	v.SetDefault("stream.max_backoff_ms", cfg.Stream.MaxBackoffMS)
	v.SetDefault("poll.interval_ms", cfg.Poll.IntervalMS)
	v.SetDefault("views.cluster.enabled", cfg.Views.Cluster.Enabled)
	v.SetDefault("views.cluster.max_chars", cfg.Views.Cluster.MaxChars)
	v.SetDefault("views.cluster.max_messages", cfg.Views.Cluster.MaxMessages)
	v.SetDefault("views.cluster.min_messages", cfg.Views.Cluster.MinMessages)
	v.SetDefault("views.inline_diff_context", cfg.Views.InlineDiffContext)
	v.SetDefault("cache.completed_logs", cfg.Cache.CompletedLogs)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a session.
func Validate(cfg Config) error {
	baseURL := strings.TrimSpace(cfg.API.BaseURL)
	parsed, err := url.Parse(baseURL)
	if baseURL == "" || err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("api.base_url must include http(s) scheme and host (e.g. http://127.0.0.1:3001)")
	}
	for key, path := range map[string]string{
		"api.processes_path":       cfg.API.ProcessesPath,
		"api.process_path":         cfg.API.ProcessPath,
		"api.normalized_logs_path": cfg.API.NormalizedLogsPath,
		"api.attempt_diff_path":    cfg.API.AttemptDiffPath,
	} {
		if strings.Contains(path, "://") || strings.ContainsAny(path, "?#") {
			return fmt.Errorf("%s must be a path template, not a URL", key)
		}
	}
	for key, path := range map[string]string{
		"api.process_path":         cfg.API.ProcessPath,
		"api.normalized_logs_path": cfg.API.NormalizedLogsPath,
		"api.attempt_diff_path":    cfg.API.AttemptDiffPath,
	} {
		if path != "" && !strings.Contains(path, "{id}") {
			return fmt.Errorf("%s must contain the {id} placeholder", key)
		}
	}
	if cfg.API.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("api.request_timeout_seconds must not be negative")
	}
	if cfg.Stream.InitialBackoffMS <= 0 || cfg.Stream.MaxBackoffMS <= 0 {
		return fmt.Errorf("stream backoff values must be positive")
	}
	if cfg.Stream.MaxBackoffMS < cfg.Stream.InitialBackoffMS {
		return fmt.Errorf("stream.max_backoff_ms must be >= stream.initial_backoff_ms")
	}
	if cfg.Poll.IntervalMS <= 0 {
		return fmt.Errorf("poll.interval_ms must be positive")
	}
	if cfg.Views.InlineDiffContext < 0 {
		return fmt.Errorf("views.inline_diff_context must not be negative")
	}
	c := cfg.Views.Cluster
	if c.MaxChars <= 0 || c.MaxMessages <= 0 || c.MinMessages <= 0 {
		return fmt.Errorf("views.cluster caps must be positive")
	}
	if c.MinMessages > c.MaxMessages {
		return fmt.Errorf("views.cluster.min_messages must be <= views.cluster.max_messages")
	}
	if cfg.Cache.CompletedLogs <= 0 {
		return fmt.Errorf("cache.completed_logs must be positive")
	}
	return nil
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// Marshal renders a config as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
