package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// MemoryDSN selects the in-memory repository instead of Postgres.
const MemoryDSN = "memory://"

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	RedisAddr      string
	ExecTimeout    time.Duration
	Workers        int
	QueueSize      int
	LanguagesFile  string
	LogLevel       zerolog.Level
}

type Params struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     string
	AllowedOrigins []string
	RedisAddr      string
	ExecTimeout    time.Duration
	Workers        int
	QueueSize      int
	LanguagesFile  string
	LogLevel       string
}

// LoadEnv reads variables from the given .env files into the process
// environment. Missing files are not an error.
func LoadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if p.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if p.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if p.ExecTimeout <= 0 {
		return nil, fmt.Errorf("execution timeout must be positive")
	}
	if p.Workers < 1 {
		return nil, fmt.Errorf("worker count must be at least 1")
	}
	if p.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be at least 1")
	}

	signingKey, err := decodeSigningSecret(p.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	level := zerolog.InfoLevel
	if p.LogLevel != "" {
		level, err = zerolog.ParseLevel(p.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
	}

	return &Config{
		ServerAddr:     p.ServerAddr,
		DatabaseDSN:    p.DatabaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: p.AllowedOrigins,
		RedisAddr:      p.RedisAddr,
		ExecTimeout:    p.ExecTimeout,
		Workers:        p.Workers,
		QueueSize:      p.QueueSize,
		LanguagesFile:  p.LanguagesFile,
		LogLevel:       level,
	}, nil
}

// UseMemoryStore reports whether the configured DSN selects the in-memory repository.
func (c *Config) UseMemoryStore() bool {
	return c.DatabaseDSN == MemoryDSN
}
