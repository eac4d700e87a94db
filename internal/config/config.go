// Package config provides configuration management for the code
// execution service.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Security SecurityConfig `mapstructure:"security"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// SandboxConfig holds per-sandbox execution limits and isolation mode.
type SandboxConfig struct {
	Mode          string        `mapstructure:"mode"` // "inprocess" or "process"
	MemoryLimitMB int           `mapstructure:"memory_limit_mb"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CPULimit      time.Duration `mapstructure:"cpu_limit"`
}

// PoolConfig holds sandbox pool sizing policy.
type PoolConfig struct {
	MinInstances int           `mapstructure:"min_instances"`
	MaxInstances int           `mapstructure:"max_instances"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// SecurityConfig holds code validation and rate limiting configuration.
type SecurityConfig struct {
	MaxCodeLength          int    `mapstructure:"max_code_length"`
	MaxExecutionsPerMinute int    `mapstructure:"max_executions_per_minute"`
	MaxResultSize          int    `mapstructure:"max_result_size"`
	RulesFile              string `mapstructure:"rules_file"`
}

// PostgresConfig holds the connection for the bound API provider. An
// empty DSN disables the provider.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// AuditConfig holds the optional audit sink configuration. The structured
// audit log line is always emitted; sinks are additive.
type AuditConfig struct {
	// File enables the JSONL file sink when non-empty.
	File string `mapstructure:"file"`

	// RedisAddr enables the Redis publish sink when non-empty.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// MongoURI enables the MongoDB archive sink when non-empty.
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("sandbox.mode", "inprocess")
	v.SetDefault("sandbox.memory_limit_mb", 128)
	v.SetDefault("sandbox.timeout", 5*time.Second)
	v.SetDefault("sandbox.cpu_limit", 5*time.Second)

	v.SetDefault("pool.min_instances", 1)
	v.SetDefault("pool.max_instances", 4)
	v.SetDefault("pool.idle_timeout", 60*time.Second)

	v.SetDefault("security.max_code_length", 10000)
	v.SetDefault("security.max_executions_per_minute", 60)
	v.SetDefault("security.max_result_size", 1024*1024)
	v.SetDefault("security.rules_file", "")

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("audit.file", "")
	v.SetDefault("audit.redis_addr", "")
	v.SetDefault("audit.redis_password", "")
	v.SetDefault("audit.redis_db", 0)
	v.SetDefault("audit.mongo_uri", "")
	v.SetDefault("audit.mongo_database", "pgmcp")

	// Environment variables: PGMCP_SANDBOX_MODE, PGMCP_SERVER_PORT, ...
	v.SetEnvPrefix("PGMCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("pgmcp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pgmcp")
		// Config file is optional; defaults plus env are enough.
		_ = v.ReadInConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
