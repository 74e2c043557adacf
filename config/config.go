package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the reconciliation system
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Task       TaskConfig       `mapstructure:"task"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	History    HistoryConfig    `mapstructure:"history"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// TaskConfig describes the reconciliation workload: statement locations,
// participating banks and how strict execution is.
type TaskConfig struct {
	Name          string        `mapstructure:"name"`
	InputDir      string        `mapstructure:"input_dir"`
	OutputDir     string        `mapstructure:"output_dir"`
	StopOnError   bool          `mapstructure:"stop_on_error"`
	Tolerance     string        `mapstructure:"tolerance"`
	PeriodStart   string        `mapstructure:"period_start"`
	PeriodEnd     string        `mapstructure:"period_end"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	CacheMaxItems int           `mapstructure:"cache_max_items"`
	Banks         []BankConfig  `mapstructure:"banks"`
}

// BankConfig is one institution's statement layout and fee policy.
type BankConfig struct {
	Name          string   `mapstructure:"name"`
	StatementPath string   `mapstructure:"statement_path"`
	Categories    []string `mapstructure:"categories"`
	FeeRate       string   `mapstructure:"fee_rate"`
	FeeAccount    string   `mapstructure:"fee_account"`
}

// Normalize applies defaults for unset task values.
func (t TaskConfig) Normalize() TaskConfig {
	if strings.TrimSpace(t.Name) == "" {
		t.Name = "bank_recon"
	}
	if strings.TrimSpace(t.InputDir) == "" {
		t.InputDir = "./data/input"
	}
	if strings.TrimSpace(t.OutputDir) == "" {
		t.OutputDir = "./data/output"
	}
	if strings.TrimSpace(t.Tolerance) == "" {
		t.Tolerance = "0.01"
	}
	if t.CacheTTL <= 0 {
		t.CacheTTL = 5 * time.Minute
	}
	if t.CacheMaxItems <= 0 {
		t.CacheMaxItems = 10
	}
	t.Banks = normalizeBanks(t.Banks)
	return t
}

// Validate checks the task section.
func (t TaskConfig) Validate() error {
	if _, err := decimal.NewFromString(t.Tolerance); err != nil {
		return fmt.Errorf("task.tolerance %q is not a decimal", t.Tolerance)
	}
	for key, raw := range map[string]string{
		"task.period_start": t.PeriodStart,
		"task.period_end":   t.PeriodEnd,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", raw); err != nil {
			return fmt.Errorf("%s %q is not a YYYY-MM-DD date", key, raw)
		}
	}
	for i, b := range t.Banks {
		if b.FeeRate != "" {
			if _, err := decimal.NewFromString(b.FeeRate); err != nil {
				return fmt.Errorf("task.banks[%d] (%s): fee_rate %q is not a decimal", i, b.Name, b.FeeRate)
			}
		}
	}
	return validateBanks(t.Banks)
}

// ToleranceDecimal returns the parsed amount tolerance. Call after Validate.
func (t TaskConfig) ToleranceDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(t.Tolerance)
	if err != nil {
		return decimal.New(1, -2)
	}
	return d
}

// Bank returns the configuration for the named institution.
func (t TaskConfig) Bank(name string) (BankConfig, bool) {
	for _, b := range t.Banks {
		if strings.EqualFold(b.Name, name) {
			return b, true
		}
	}
	return BankConfig{}, false
}

// CheckpointConfig controls snapshot persistence.
type CheckpointConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Dir           string `mapstructure:"dir"`
	SigningSecret string `mapstructure:"signing_secret"`
	KeepLast      int    `mapstructure:"keep_last"`
}

// Normalize applies checkpoint defaults.
func (c CheckpointConfig) Normalize() CheckpointConfig {
	if strings.TrimSpace(c.Dir) == "" {
		c.Dir = "./checkpoints"
	}
	if c.KeepLast <= 0 {
		c.KeepLast = 3
	}
	return c
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// SchedulerConfig declares cron-driven runs.
type SchedulerConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

// ScheduleConfig is one recurring run: a task mode on a cron line.
type ScheduleConfig struct {
	Name string `mapstructure:"name"`
	Mode string `mapstructure:"mode"`
	Cron string `mapstructure:"cron"`
}

// WorkerConfig tunes the run-request consumer.
type WorkerConfig struct {
	Stream         string        `mapstructure:"stream"`
	ResultStream   string        `mapstructure:"result_stream"`
	Group          string        `mapstructure:"group"`
	Consumer       string        `mapstructure:"consumer"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// Normalize applies worker defaults. The consumer name falls back to the
// hostname so two workers on one box do not collide.
func (w WorkerConfig) Normalize() WorkerConfig {
	if strings.TrimSpace(w.Stream) == "" {
		w.Stream = "recon.runs"
	}
	if strings.TrimSpace(w.ResultStream) == "" {
		w.ResultStream = "recon.results"
	}
	if strings.TrimSpace(w.Group) == "" {
		w.Group = "recon-workers"
	}
	if strings.TrimSpace(w.Consumer) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		w.Consumer = host
	}
	if w.IdempotencyTTL <= 0 {
		w.IdempotencyTTL = 24 * time.Hour
	}
	return w
}

// HistoryConfig locates the searchable run index.
type HistoryConfig struct {
	IndexPath string `mapstructure:"index_path"`
}

// Normalize applies history defaults.
func (h HistoryConfig) Normalize() HistoryConfig {
	if strings.TrimSpace(h.IndexPath) == "" {
		h.IndexPath = "./data/history.bleve"
	}
	return h
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	File     FileConfig     `mapstructure:"file"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// FileConfig contains file storage settings
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
	LogDir  string `mapstructure:"log_dir"`
}

// Load reads config from a TOML file. With an empty path it searches
// ./config, the working directory and the executable's directory; a missing
// file is then not an error and defaults plus SPERECON_* environment
// variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "10m")
	v.SetDefault("task.stop_on_error", true)
	v.SetDefault("checkpoint.enabled", true)
	v.SetDefault("server.address", ":8787")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("telemetry.metrics_port", 9464)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SPERECON")
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)

	v.AutomaticEnv() // read in environment variables that match (SPERECON_*)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !(path == "" && errors.As(err, &notFound)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.Task = config.Task.Normalize()
	config.Checkpoint = config.Checkpoint.Normalize()
	config.Scheduler = config.Scheduler.Normalize()
	config.Worker = config.Worker.Normalize()
	config.History = config.History.Normalize()

	if err := config.Task.Validate(); err != nil {
		return nil, err
	}
	if err := config.Telemetry.Validate(); err != nil {
		return nil, err
	}
	if err := config.Scheduler.Validate(); err != nil {
		return nil, err
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// MustLoad is Load for program entry points.
func MustLoad(path string) *Config {
	config, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return config
}
