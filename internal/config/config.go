package config

import (
	"bytes"
	"errors"
	"io/fs"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Devices  []DeviceConfig `yaml:"devices"`
	Mounts   []MountConfig  `yaml:"mounts"`
}

func MustLoad(configPath string) *Config {
	if configPath == "" {
		panic("config path is empty")
	}

	// check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	// Optional .env next to the working directory
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic("cannot read .env file: " + err.Error())
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		panic("failed to read data from config file: " + configPath)
	}

	cfg, err := Parse(data)
	if err != nil {
		panic("cannot read config: " + err.Error())
	}

	return cfg
}

// Parse decodes YAML config bytes after ${VAR} expansion and applies env
// overrides.
func Parse(data []byte) (*Config, error) {
	// Enrich with env variables
	data = expandEnvVars(data)

	var cfg Config
	if err := cleanenv.ParseYAML(bytes.NewReader(data), &cfg); err != nil {
		return nil, err
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func expandEnvVars(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
