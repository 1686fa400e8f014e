package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "UPLINE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "upline.db"
	defaultLogLevel      = "info"
	defaultWorkerMode    = "loop"
	defaultBurstRuns     = 1
	defaultWorkerCfgKey  = "level-worker"
	defaultRescueEveryMs = 15000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	OperatorKey  string
}

// WorkerProcessConfig captures runtime configuration for the worker binary.
// Operational queue parameters live in the stored worker config row; this
// only covers what the process needs before it can read that row.
type WorkerProcessConfig struct {
	DatabasePath  string
	LogLevel      string
	Mode          string
	BurstRuns     int
	ConfigKey     string
	RescueEveryMs int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("worker.mode", defaultWorkerMode)
	configViper.SetDefault("worker.burst_runs", defaultBurstRuns)
	configViper.SetDefault("worker.config_key", defaultWorkerCfgKey)
	configViper.SetDefault("worker.rescue_every_ms", defaultRescueEveryMs)
}

// Load parses API server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		OperatorKey:  configViper.GetString("operator.key"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadWorker parses worker process configuration from viper.
func LoadWorker(configViper *viper.Viper) (WorkerProcessConfig, error) {
	cfg := WorkerProcessConfig{
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		Mode:          strings.ToLower(strings.TrimSpace(configViper.GetString("worker.mode"))),
		BurstRuns:     configViper.GetInt("worker.burst_runs"),
		ConfigKey:     configViper.GetString("worker.config_key"),
		RescueEveryMs: configViper.GetInt64("worker.rescue_every_ms"),
	}

	if err := cfg.validate(); err != nil {
		return WorkerProcessConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.OperatorKey) == "" {
		return fmt.Errorf("operator.key is required")
	}
	return nil
}

func (c WorkerProcessConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Mode != "once" && c.Mode != "loop" {
		return fmt.Errorf("worker.mode must be once or loop")
	}
	if c.BurstRuns < 1 {
		return fmt.Errorf("worker.burst_runs must be at least 1")
	}
	return nil
}
