package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	internalsettings "github.com/router-for-me/GuestGuard/internal/settings"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvRedisAddr    = "REDIS_ADDR"
	EnvLogLevel     = "LOG_LEVEL"
	EnvAdminToken   = "ADMIN_TOKEN"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// Config is the full service configuration file.
type Config struct {
	DatabaseDSN string         `yaml:"database-dsn"`
	Database    DatabaseConfig `yaml:"database"`
	Server      ServerConfig   `yaml:"server"`
	Redis       RedisConfig    `yaml:"redis"`
	Guard       GuardConfig    `yaml:"guard"`
	Quota       QuotaConfig    `yaml:"quota"`
	Log         LogConfig      `yaml:"log"`
	Admin       AdminConfig    `yaml:"admin"`
}

// DatabaseConfig holds the durable record store connection.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// RedisConfig holds the optional Redis record backend settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// GuardConfig holds admission and scoring thresholds.
type GuardConfig struct {
	MinInterval      time.Duration `yaml:"min-interval"`
	Window           time.Duration `yaml:"window"`
	MaxPerWindow     int           `yaml:"max-per-window"`
	MaxDuplicates    int           `yaml:"max-duplicates"`
	PromptHistoryCap int           `yaml:"prompt-history-cap"`
	EventRetention   time.Duration `yaml:"event-retention"`

	SuspicionThreshold float64       `yaml:"suspicion-threshold"`
	LockoutDuration    time.Duration `yaml:"lockout-duration"`
	Decay              float64       `yaml:"decay"`

	FingerprintPenalty float64 `yaml:"fingerprint-penalty"`
	FrequencyPenalty   float64 `yaml:"frequency-penalty"`
	DuplicatePenalty   float64 `yaml:"duplicate-penalty"`
	DetectorPenalty    float64 `yaml:"detector-penalty"`

	Detectors DetectorConfig `yaml:"detectors"`
}

// DetectorConfig holds pattern detector thresholds.
type DetectorConfig struct {
	BurstWindow       time.Duration `yaml:"burst-window"`
	BurstMaxEvents    int           `yaml:"burst-max-events"`
	ShortPromptLength int           `yaml:"short-prompt-length"`
	ShortPromptRatio  float64       `yaml:"short-prompt-ratio"`
	DuplicateRatio    float64       `yaml:"duplicate-ratio"`
	SequentialRatio   float64       `yaml:"sequential-ratio"`
	MinSample         int           `yaml:"min-sample"`
	RegularMinEvents  int           `yaml:"regular-min-events"`
	RegularMaxStdDev  time.Duration `yaml:"regular-max-stddev"`
	RegularMeanLow    time.Duration `yaml:"regular-mean-low"`
	RegularMeanHigh   time.Duration `yaml:"regular-mean-high"`
}

// QuotaConfig holds the daily allowance settings.
type QuotaConfig struct {
	MaxDaily int    `yaml:"max-daily"`
	Timezone string `yaml:"timezone"`
}

// LogConfig holds logrus output settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AdminConfig protects the operator endpoints.
type AdminConfig struct {
	Token string `yaml:"token"` // Bearer token; empty disables the admin routes.
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}
	if dsn := cfg.DSN(); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// Load reads the config file, applies env overrides and fills defaults.
// A missing file yields the defaults; a malformed file is an error.
func Load(configPath string) (Config, error) {
	var cfg Config
	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config file: %w", errRead)
	}

	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.Log.Level = level
	}
	if token := strings.TrimSpace(os.Getenv(EnvAdminToken)); token != "" {
		cfg.Admin.Token = token
	}

	cfg.normalize()
	return cfg, nil
}

// DSN returns the configured database DSN, preferring the flat key.
func (c Config) DSN() string {
	if dsn := strings.TrimSpace(c.DatabaseDSN); dsn != "" {
		return dsn
	}
	return strings.TrimSpace(c.Database.DSN)
}

// Location resolves the quota timezone, falling back to the local zone.
// Load has already dropped an unloadable name with a warning.
func (q QuotaConfig) Location() *time.Location {
	name := strings.TrimSpace(q.Timezone)
	if name == "" {
		return time.Local
	}
	loc, errLoad := time.LoadLocation(name)
	if errLoad != nil {
		return time.Local
	}
	return loc
}

// ListenAddr returns the HTTP listen address for the configured port.
func (s ServerConfig) ListenAddr() string {
	return ":" + strconv.Itoa(s.Port)
}

func (c *Config) normalize() {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		c.Server.Port = internalsettings.DefaultPort
	}

	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	c.Redis.Password = strings.TrimSpace(c.Redis.Password)
	c.Redis.Prefix = strings.TrimSpace(c.Redis.Prefix)
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = internalsettings.DefaultRedisPrefix
	}
	if c.Redis.DB < 0 {
		c.Redis.DB = 0
	}

	g := &c.Guard
	g.MinInterval = durationOr(g.MinInterval, internalsettings.DefaultMinInterval)
	g.Window = durationOr(g.Window, internalsettings.DefaultWindow)
	g.MaxPerWindow = intOr(g.MaxPerWindow, internalsettings.DefaultMaxPerWindow)
	g.MaxDuplicates = intOr(g.MaxDuplicates, internalsettings.DefaultMaxDuplicates)
	g.PromptHistoryCap = intOr(g.PromptHistoryCap, internalsettings.DefaultPromptHistoryCap)
	g.EventRetention = durationOr(g.EventRetention, internalsettings.DefaultEventRetention)
	g.SuspicionThreshold = floatOr(g.SuspicionThreshold, internalsettings.DefaultSuspicionThreshold)
	g.LockoutDuration = durationOr(g.LockoutDuration, internalsettings.DefaultLockoutDuration)
	g.Decay = floatOr(g.Decay, internalsettings.DefaultDecay)
	g.FingerprintPenalty = floatOr(g.FingerprintPenalty, internalsettings.DefaultFingerprintPenalty)
	g.FrequencyPenalty = floatOr(g.FrequencyPenalty, internalsettings.DefaultFrequencyPenalty)
	g.DuplicatePenalty = floatOr(g.DuplicatePenalty, internalsettings.DefaultDuplicatePenalty)
	g.DetectorPenalty = floatOr(g.DetectorPenalty, internalsettings.DefaultDetectorPenalty)

	d := &g.Detectors
	d.BurstWindow = durationOr(d.BurstWindow, internalsettings.DefaultBurstWindow)
	d.BurstMaxEvents = intOr(d.BurstMaxEvents, internalsettings.DefaultBurstMaxEvents)
	d.ShortPromptLength = intOr(d.ShortPromptLength, internalsettings.DefaultShortPromptLength)
	d.ShortPromptRatio = floatOr(d.ShortPromptRatio, internalsettings.DefaultShortPromptRatio)
	d.DuplicateRatio = floatOr(d.DuplicateRatio, internalsettings.DefaultDuplicateRatio)
	d.SequentialRatio = floatOr(d.SequentialRatio, internalsettings.DefaultSequentialRatio)
	d.MinSample = intOr(d.MinSample, internalsettings.DefaultMinSample)
	d.RegularMinEvents = intOr(d.RegularMinEvents, internalsettings.DefaultRegularMinEvents)
	d.RegularMaxStdDev = durationOr(d.RegularMaxStdDev, internalsettings.DefaultRegularMaxStdDev)
	d.RegularMeanLow = durationOr(d.RegularMeanLow, internalsettings.DefaultRegularMeanLow)
	d.RegularMeanHigh = durationOr(d.RegularMeanHigh, internalsettings.DefaultRegularMeanHigh)
	if d.RegularMeanHigh < d.RegularMeanLow {
		d.RegularMeanLow = internalsettings.DefaultRegularMeanLow
		d.RegularMeanHigh = internalsettings.DefaultRegularMeanHigh
	}

	c.Quota.MaxDaily = intOr(c.Quota.MaxDaily, internalsettings.DefaultMaxDaily)
	c.Quota.Timezone = strings.TrimSpace(c.Quota.Timezone)
	if c.Quota.Timezone != "" {
		if _, errLoad := time.LoadLocation(c.Quota.Timezone); errLoad != nil {
			log.WithError(errLoad).WithField("timezone", c.Quota.Timezone).Warn("config: invalid quota timezone, daily rollover uses local time")
			c.Quota.Timezone = ""
		}
	}

	c.Admin.Token = strings.TrimSpace(c.Admin.Token)

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = internalsettings.DefaultLogLevel
	}
}

func durationOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func floatOr(v, def float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return def
	}
	return v
}
