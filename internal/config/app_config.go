package config

import (
	"time"
)

type AppConfig struct {
	Port           int           `yaml:"port" env:"KCORE_PORT" env-default:"8080"`
	DefaultTimeout time.Duration `yaml:"default_timeout" env-default:"5s"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"KCORE_LOG_LEVEL" env-default:"debug"`
	Format string `yaml:"format" env:"KCORE_LOG_FORMAT" env-default:"pretty"`
}
