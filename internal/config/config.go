package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr   string
	DataDir    string
	DBPath     string
	AuthSecret string

	Push PushConfig
	Poll PollConfig

	// EvictionGrace is how long a completed session's log stays in
	// memory after its last subscriber leaves.
	EvictionGrace time.Duration
}

type PushConfig struct {
	ReconnectMaxAttempts int
	ReconnectDelay       time.Duration
	DialTimeout          time.Duration
	PingInterval         time.Duration
}

type PollConfig struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	MaxFailures    int
}

// fileConfig is the YAML shape. Durations are strings ("2s", "500ms")
// because yaml.v3 has no native time.Duration decoding; pointers keep
// "absent" distinguishable from zero.
type fileConfig struct {
	HTTPAddr   string `yaml:"http_addr"`
	DataDir    string `yaml:"data_dir"`
	DBPath     string `yaml:"db_path"`
	AuthSecret string `yaml:"auth_secret"`

	Push struct {
		ReconnectMaxAttempts *int   `yaml:"reconnect_max_attempts"`
		ReconnectDelay       string `yaml:"reconnect_delay"`
		DialTimeout          string `yaml:"dial_timeout"`
		PingInterval         string `yaml:"ping_interval"`
	} `yaml:"push"`

	Poll struct {
		Interval       string `yaml:"interval"`
		RequestTimeout string `yaml:"request_timeout"`
		MaxFailures    *int   `yaml:"max_failures"`
	} `yaml:"poll"`

	EvictionGrace string `yaml:"eviction_grace"`
}

func defaultConfig() Config {
	dataDir := "data"
	return Config{
		HTTPAddr: ":8080",
		DataDir:  dataDir,
		DBPath:   filepath.Join(dataDir, "go-sessions.db"),
		Push: PushConfig{
			ReconnectMaxAttempts: 10,
			ReconnectDelay:       2 * time.Second,
			DialTimeout:          30 * time.Second,
			PingInterval:         30 * time.Second,
		},
		Poll: PollConfig{
			Interval:       2 * time.Second,
			RequestTimeout: 10 * time.Second,
			MaxFailures:    5,
		},
		EvictionGrace: 5 * time.Minute,
	}
}

// Load builds the configuration from defaults, an optional YAML file
// (GO_SESSIONS_CONFIG or ./go-sessions.yaml), and environment
// variables, in that precedence order.
func Load() (Config, error) {
	loadDotEnv(".env")
	cfg := defaultConfig()

	path := getEnv("GO_SESSIONS_CONFIG", "go-sessions.yaml")
	if data, err := os.ReadFile(path); err == nil {
		var file fileConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := applyFile(&cfg, file); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.HTTPAddr = getEnv("GO_SESSIONS_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("GO_SESSIONS_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getEnv("GO_SESSIONS_DB_PATH", cfg.DBPath)
	cfg.AuthSecret = getEnv("GO_SESSIONS_AUTH_SECRET", cfg.AuthSecret)

	cfg.Push.ReconnectMaxAttempts = getEnvInt("GO_SESSIONS_PUSH_RECONNECT_MAX_ATTEMPTS", cfg.Push.ReconnectMaxAttempts)
	cfg.Push.ReconnectDelay = getEnvDuration("GO_SESSIONS_PUSH_RECONNECT_DELAY", cfg.Push.ReconnectDelay)
	cfg.Push.DialTimeout = getEnvDuration("GO_SESSIONS_PUSH_DIAL_TIMEOUT", cfg.Push.DialTimeout)
	cfg.Push.PingInterval = getEnvDuration("GO_SESSIONS_PUSH_PING_INTERVAL", cfg.Push.PingInterval)

	cfg.Poll.Interval = getEnvDuration("GO_SESSIONS_POLL_INTERVAL", cfg.Poll.Interval)
	cfg.Poll.RequestTimeout = getEnvDuration("GO_SESSIONS_POLL_REQUEST_TIMEOUT", cfg.Poll.RequestTimeout)
	cfg.Poll.MaxFailures = getEnvInt("GO_SESSIONS_POLL_MAX_FAILURES", cfg.Poll.MaxFailures)

	cfg.EvictionGrace = getEnvDuration("GO_SESSIONS_EVICTION_GRACE", cfg.EvictionGrace)

	return cfg, nil
}

func applyFile(cfg *Config, file fileConfig) error {
	if file.HTTPAddr != "" {
		cfg.HTTPAddr = file.HTTPAddr
	}
	if file.DataDir != "" {
		cfg.DataDir = file.DataDir
	}
	if file.DBPath != "" {
		cfg.DBPath = file.DBPath
	}
	if file.AuthSecret != "" {
		cfg.AuthSecret = file.AuthSecret
	}

	if file.Push.ReconnectMaxAttempts != nil {
		cfg.Push.ReconnectMaxAttempts = *file.Push.ReconnectMaxAttempts
	}
	if err := setDuration(&cfg.Push.ReconnectDelay, "push.reconnect_delay", file.Push.ReconnectDelay); err != nil {
		return err
	}
	if err := setDuration(&cfg.Push.DialTimeout, "push.dial_timeout", file.Push.DialTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.Push.PingInterval, "push.ping_interval", file.Push.PingInterval); err != nil {
		return err
	}

	if err := setDuration(&cfg.Poll.Interval, "poll.interval", file.Poll.Interval); err != nil {
		return err
	}
	if err := setDuration(&cfg.Poll.RequestTimeout, "poll.request_timeout", file.Poll.RequestTimeout); err != nil {
		return err
	}
	if file.Poll.MaxFailures != nil {
		cfg.Poll.MaxFailures = *file.Poll.MaxFailures
	}

	return setDuration(&cfg.EvictionGrace, "eviction_grace", file.EvictionGrace)
}

func setDuration(dest *time.Duration, key, value string) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dest = parsed
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
