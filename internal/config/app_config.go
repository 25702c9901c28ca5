package config

import (
	"time"
)

type AppConfig struct {
	Port           int           `yaml:"port" env:"VFS_PORT" env-default:"8080"`
	DefaultTimeout time.Duration `yaml:"default_timeout" env-default:"5s"`
	PrettyLogs     bool          `yaml:"pretty_logs" env:"VFS_PRETTY_LOGS"`
	LogLevel       string        `yaml:"log_level" env:"VFS_LOG_LEVEL" env-default:"info"`
}
