package config

import (
	"fmt"
	"net/url"
)

type DatabaseConfig struct {
	Host     string `yaml:"host" env:"KCORE_DB_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"KCORE_DB_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"KCORE_DB_USER" env-default:"postgres"`
	Password string `yaml:"password" env:"KCORE_DB_PASSWORD"`
	Name     string `yaml:"name" env:"KCORE_DB_NAME" env-default:"kcore"`
	Schema   string `yaml:"schema" env:"KCORE_DB_SCHEMA" env-default:"public"`
	SSLMode  string `yaml:"sslmode" env:"KCORE_DB_SSLMODE" env-default:"disable"`
}

func (c DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Name,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()

	return u.String()
}
