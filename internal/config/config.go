package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Bind string

	DataRoot   string
	Backend    string // "dir" or "sqlite"
	SQLitePath string

	LogLevel  zerolog.Level
	LogFormat string // "console" or "json"

	EventLogPath string

	CredentialsPath string
	SessionsPath    string
	SecretPath      string
	SessionTTL      time.Duration
	SecureCookies   bool

	RateLoginPerWindow int
	RateLoginWindowSec int
	RatePath           string
	TrustProxy         bool

	ReconcileSchedule string
	MetricsEnabled    bool
}

// fileConfig mirrors the YAML layout; zero values mean "not set".
type fileConfig struct {
	HTTP struct {
		Bind string `yaml:"bind"`
	} `yaml:"http"`
	Data struct {
		Root       string `yaml:"root"`
		Backend    string `yaml:"backend"`
		SQLitePath string `yaml:"sqlitePath"`
	} `yaml:"data"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	EventLog struct {
		Path string `yaml:"path"`
	} `yaml:"eventLog"`
	Auth struct {
		CredentialsPath string `yaml:"credentialsPath"`
		SessionsPath    string `yaml:"sessionsPath"`
		SecretPath      string `yaml:"secretPath"`
		SessionTTL      string `yaml:"sessionTTL"`
		SecureCookies   *bool  `yaml:"secureCookies"`
	} `yaml:"auth"`
	Rate struct {
		LoginPerWindow int    `yaml:"loginPerWindow"`
		LoginWindowSec int    `yaml:"loginWindowSec"`
		Path           string `yaml:"path"`
	} `yaml:"rate"`
	TrustProxy *bool `yaml:"trustProxy"`
	Reconcile  struct {
		Schedule *string `yaml:"schedule"`
	} `yaml:"reconcile"`
	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Defaults returns the configuration used when nothing is set. All paths are
// relative to the working directory, like the original panel's layout.
func Defaults() Config {
	return Config{
		Bind:               "0.0.0.0:3000",
		DataRoot:           "data",
		Backend:            "dir",
		SQLitePath:         "data/registry.db",
		LogLevel:           zerolog.InfoLevel,
		LogFormat:          "console",
		EventLogPath:       "server.log",
		CredentialsPath:    "credentials.json",
		SessionsPath:       "state/sessions.json",
		SecretPath:         "state/session.key",
		SessionTTL:         12 * time.Hour,
		SecureCookies:      false,
		RateLoginPerWindow: 10,
		RateLoginWindowSec: 15 * 60,
		RatePath:           "state/ratelimit.json",
		ReconcileSchedule:  "@every 15m",
		MetricsEnabled:     true,
	}
}

// FromEnv loads the file named by DOSI_CONFIG (if any) and applies DOSI_*
// environment overrides.
func FromEnv() Config {
	return Load(os.Getenv("DOSI_CONFIG"))
}

// Load applies, in order: defaults, the YAML file at path (ignored when empty
// or unreadable), then environment overrides.
func Load(path string) Config {
	cfg := Defaults()
	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			var fc fileConfig
			if yaml.Unmarshal(b, &fc) == nil {
				applyFile(&cfg, fc)
			}
		}
	}
	applyEnv(&cfg)
	return cfg
}

func applyFile(cfg *Config, fc fileConfig) {
	setStr(&cfg.Bind, fc.HTTP.Bind)
	setStr(&cfg.DataRoot, fc.Data.Root)
	setStr(&cfg.Backend, fc.Data.Backend)
	setStr(&cfg.SQLitePath, fc.Data.SQLitePath)
	if l, err := zerolog.ParseLevel(fc.Logging.Level); err == nil && fc.Logging.Level != "" {
		cfg.LogLevel = l
	}
	setStr(&cfg.LogFormat, fc.Logging.Format)
	setStr(&cfg.EventLogPath, fc.EventLog.Path)
	setStr(&cfg.CredentialsPath, fc.Auth.CredentialsPath)
	setStr(&cfg.SessionsPath, fc.Auth.SessionsPath)
	setStr(&cfg.SecretPath, fc.Auth.SecretPath)
	if d, err := time.ParseDuration(fc.Auth.SessionTTL); err == nil && d > 0 {
		cfg.SessionTTL = d
	}
	if fc.Auth.SecureCookies != nil {
		cfg.SecureCookies = *fc.Auth.SecureCookies
	}
	if fc.Rate.LoginPerWindow > 0 {
		cfg.RateLoginPerWindow = fc.Rate.LoginPerWindow
	}
	if fc.Rate.LoginWindowSec > 0 {
		cfg.RateLoginWindowSec = fc.Rate.LoginWindowSec
	}
	setStr(&cfg.RatePath, fc.Rate.Path)
	if fc.TrustProxy != nil {
		cfg.TrustProxy = *fc.TrustProxy
	}
	if fc.Reconcile.Schedule != nil {
		cfg.ReconcileSchedule = strings.TrimSpace(*fc.Reconcile.Schedule)
	}
	if fc.Metrics.Enabled != nil {
		cfg.MetricsEnabled = *fc.Metrics.Enabled
	}
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Bind, os.Getenv("DOSI_HTTP_BIND"))
	setStr(&cfg.DataRoot, os.Getenv("DOSI_DATA_ROOT"))
	setStr(&cfg.Backend, os.Getenv("DOSI_DATA_BACKEND"))
	setStr(&cfg.SQLitePath, os.Getenv("DOSI_SQLITE_PATH"))
	if v := os.Getenv("DOSI_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}
	setStr(&cfg.LogFormat, os.Getenv("DOSI_LOG_FORMAT"))
	setStr(&cfg.EventLogPath, os.Getenv("DOSI_EVENT_LOG"))
	setStr(&cfg.CredentialsPath, os.Getenv("DOSI_CREDENTIALS_PATH"))
	setStr(&cfg.SessionsPath, os.Getenv("DOSI_SESSIONS_PATH"))
	setStr(&cfg.SecretPath, os.Getenv("DOSI_SECRET_PATH"))
	if v := os.Getenv("DOSI_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SessionTTL = d
		}
	}
	setBool(&cfg.SecureCookies, os.Getenv("DOSI_SECURE_COOKIES"))
	setInt(&cfg.RateLoginPerWindow, os.Getenv("DOSI_RATE_LOGIN_PER_WINDOW"))
	setInt(&cfg.RateLoginWindowSec, os.Getenv("DOSI_RATE_LOGIN_WINDOW_SEC"))
	setStr(&cfg.RatePath, os.Getenv("DOSI_RL_PATH"))
	setBool(&cfg.TrustProxy, os.Getenv("DOSI_TRUST_PROXY"))
	if v, ok := os.LookupEnv("DOSI_RECONCILE_SCHEDULE"); ok {
		cfg.ReconcileSchedule = strings.TrimSpace(v)
	}
	setBool(&cfg.MetricsEnabled, os.Getenv("DOSI_METRICS"))
}

// StorePath is the location the selected backend opens.
func (c Config) StorePath() string {
	if c.Backend == "sqlite" {
		return c.SQLitePath
	}
	return filepath.Clean(c.DataRoot)
}

func setStr(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
		*dst = n
	}
}

func setBool(dst *bool, v string) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
