package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "TRIALGUARD"

// Config represents the complete application configuration
type Config struct {
	Trial     TrialConfig     `yaml:"trial" envconfig:"TRIAL"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// TrialConfig is the explicit configuration handed to the trial guard at
// construction time. Nothing in the guard reads global state.
type TrialConfig struct {
	AppName            string        `yaml:"app_name" envconfig:"APP_NAME" default:"TrialGuard" validate:"required,max=128"`
	Duration           time.Duration `yaml:"duration" envconfig:"DURATION" default:"72h" validate:"gt=0"`
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance" envconfig:"CLOCK_SKEW_TOLERANCE" default:"1h" validate:"gte=0"`
	BannerThreshold    time.Duration `yaml:"banner_threshold" envconfig:"BANNER_THRESHOLD" default:"48h" validate:"gte=0"`
	PurchaseContact    string        `yaml:"purchase_contact" envconfig:"PURCHASE_CONTACT" default:"sales@example.com"`
	StorageDirs        []string      `yaml:"storage_dirs" envconfig:"STORAGE_DIRS" validate:"max=8,dive,required"`
	ReadPolicy         string        `yaml:"read_policy" envconfig:"READ_POLICY" default:"first-valid" validate:"oneof=first-valid majority"`
	MinHardwareSources int           `yaml:"min_hardware_sources" envconfig:"MIN_HARDWARE_SOURCES" default:"1" validate:"gte=0"`
	KDF                KDFConfig     `yaml:"kdf" envconfig:"KDF"`
}

// KDFConfig holds the scrypt cost parameters used to derive storage keys.
type KDFConfig struct {
	N int `yaml:"n" envconfig:"N" default:"32768" validate:"gt=1"`
	R int `yaml:"r" envconfig:"R" default:"8" validate:"gte=1"`
	P int `yaml:"p" envconfig:"P" default:"1" validate:"gte=1"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/trialguard.log"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	ActivationRPS   float64       `yaml:"activation_rps" envconfig:"ACTIVATION_RPS" default:"0.2" validate:"gt=0"`
	ActivationBurst int           `yaml:"activation_burst" envconfig:"ACTIVATION_BURST" default:"3" validate:"gte=1"`
}

// TelemetryConfig controls OpenTelemetry setup
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	TraceExporter  string `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none" validate:"oneof=none stdout"`
	MetricExporter string `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus" validate:"oneof=none prometheus"`
}

// Load loads configuration from environment variables and an optional YAML
// file named by TRIALGUARD_CONFIG_FILE. Environment variables win over the file.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := getConfigFilePath(); configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// fileOverride copies one file value onto the env config when the matching
// environment variable was not set explicitly.
type fileOverride struct {
	env   string
	apply func(file, env *Config)
}

var fileOverrides = []fileOverride{
	{"TRIAL_APP_NAME", func(f, e *Config) {
		if f.Trial.AppName != "" {
			e.Trial.AppName = f.Trial.AppName
		}
	}},
	{"TRIAL_DURATION", func(f, e *Config) {
		if f.Trial.Duration != 0 {
			e.Trial.Duration = f.Trial.Duration
		}
	}},
	{"TRIAL_CLOCK_SKEW_TOLERANCE", func(f, e *Config) {
		if f.Trial.ClockSkewTolerance != 0 {
			e.Trial.ClockSkewTolerance = f.Trial.ClockSkewTolerance
		}
	}},
	{"TRIAL_BANNER_THRESHOLD", func(f, e *Config) {
		if f.Trial.BannerThreshold != 0 {
			e.Trial.BannerThreshold = f.Trial.BannerThreshold
		}
	}},
	{"TRIAL_PURCHASE_CONTACT", func(f, e *Config) {
		if f.Trial.PurchaseContact != "" {
			e.Trial.PurchaseContact = f.Trial.PurchaseContact
		}
	}},
	{"TRIAL_STORAGE_DIRS", func(f, e *Config) {
		if len(f.Trial.StorageDirs) > 0 {
			e.Trial.StorageDirs = f.Trial.StorageDirs
		}
	}},
	{"TRIAL_READ_POLICY", func(f, e *Config) {
		if f.Trial.ReadPolicy != "" {
			e.Trial.ReadPolicy = f.Trial.ReadPolicy
		}
	}},
	{"TRIAL_MIN_HARDWARE_SOURCES", func(f, e *Config) {
		if f.Trial.MinHardwareSources != 0 {
			e.Trial.MinHardwareSources = f.Trial.MinHardwareSources
		}
	}},
	{"TRIAL_KDF_N", func(f, e *Config) {
		if f.Trial.KDF.N != 0 {
			e.Trial.KDF.N = f.Trial.KDF.N
		}
	}},
	{"LOGGING_LEVEL", func(f, e *Config) {
		if f.Logging.Level != "" {
			e.Logging.Level = f.Logging.Level
		}
	}},
	{"LOGGING_OUTPUT", func(f, e *Config) {
		if f.Logging.Output != "" {
			e.Logging.Output = f.Logging.Output
		}
	}},
	{"LOGGING_FILE_PATH", func(f, e *Config) {
		if f.Logging.FilePath != "" {
			e.Logging.FilePath = f.Logging.FilePath
		}
	}},
	{"SERVER_PORT", func(f, e *Config) {
		if f.Server.Port != 0 {
			e.Server.Port = f.Server.Port
		}
	}},
	{"TELEMETRY_TRACE_EXPORTER", func(f, e *Config) {
		if f.Telemetry.TraceExporter != "" {
			e.Telemetry.TraceExporter = f.Telemetry.TraceExporter
		}
	}},
	{"TELEMETRY_METRIC_EXPORTER", func(f, e *Config) {
		if f.Telemetry.MetricExporter != "" {
			e.Telemetry.MetricExporter = f.Telemetry.MetricExporter
		}
	}},
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileConfig, envConfig Config) Config {
	for _, o := range fileOverrides {
		if _, set := os.LookupEnv(EnvPrefix + "_" + o.env); set {
			continue
		}
		o.apply(&fileConfig, &envConfig)
	}
	return envConfig
}

// Validate checks struct tags and normalizes values that have a single
// supported form.
func (c *Config) Validate() error {
	c.Logging.Format = "json"
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Trial.AppName = strings.TrimSpace(c.Trial.AppName)

	if err := validator.New().Struct(c); err != nil {
		return err
	}
	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG_FILE"); path != "" {
		return path
	}

	for _, location := range []string{"trialguard.yaml", "configs/trialguard.yaml"} {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Trial: DefaultTrialConfig(),
		Logging: LoggingConfig{
			Level:    DefaultLogLevel,
			Format:   "json",
			Output:   "console",
			FilePath: "logs/trialguard.log",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			ActivationRPS:   0.2,
			ActivationBurst: 3,
		},
		Telemetry: TelemetryConfig{
			Enabled:        true,
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
	}
}

// DefaultTrialConfig returns the trial configuration used when nothing is set.
func DefaultTrialConfig() TrialConfig {
	return TrialConfig{
		AppName:            DefaultAppName,
		Duration:           DefaultTrialDuration,
		ClockSkewTolerance: DefaultClockSkewTolerance,
		BannerThreshold:    DefaultBannerThreshold,
		PurchaseContact:    DefaultPurchaseContact,
		ReadPolicy:         ReadPolicyFirstValid,
		MinHardwareSources: DefaultMinHardwareSources,
		KDF: KDFConfig{
			N: DefaultKDFCostN,
			R: 8,
			P: 1,
		},
	}
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}
