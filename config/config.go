package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is read from an optional YAML file, then overridden by environment
// variables (and a .env file when present).
type Config struct {
	Server     Server     `yaml:"server"`
	Postgres   Postgres   `yaml:"postgres"`
	Log        Log        `yaml:"log"`
	Allocation Allocation `yaml:"allocation"`
}

type Server struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Postgres struct {
	Conn           string `yaml:"conn"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Allocation configures the scheduled re-allocation job. An empty Schedule
// disables it.
type Allocation struct {
	Schedule string        `yaml:"schedule"`
	Timeout  time.Duration `yaml:"timeout"`
}

func Default() *Config {
	return &Config{
		Server: Server{
			Address:         "0.0.0.0:8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres:   Postgres{MaxOpenConns: 10, MigrateOnStart: true},
		Log:        Log{Level: "info"},
		Allocation: Allocation{Timeout: time.Minute},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	conf := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, conf); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	conf.Postgres.Conn = getEnv("POSTGRES_CONN", conf.Postgres.Conn)
	conf.Server.Address = getEnv("SERVER_ADDRESS", conf.Server.Address)
	conf.Log.Level = getEnv("LOG_LEVEL", conf.Log.Level)
	conf.Allocation.Schedule = getEnv("ALLOCATION_SCHEDULE", conf.Allocation.Schedule)
	conf.Postgres.MigrateOnStart = getEnvBool("MIGRATIONS_ON_START", conf.Postgres.MigrateOnStart)

	if conf.Server.Address == "" {
		return nil, errors.New("server address is empty")
	}
	return conf, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
