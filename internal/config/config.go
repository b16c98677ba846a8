package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DeckSplit is the objective/subjective question count of one scope level.
type DeckSplit struct {
	Objective  int `yaml:"objective"`
	Subjective int `yaml:"subjective"`
}

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// TTL bounds how long settlement tokens are remembered.
		TTL string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	RabbitMQ struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"rabbitmq"`
	Collaborators struct {
		GeneratorURL string `yaml:"generatorUrl"`
		EvaluatorURL string `yaml:"evaluatorUrl"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"collaborators"`
	Quiz struct {
		PoolTimeout string `yaml:"poolTimeout"`
		CacheTTL    string `yaml:"cacheTtl"`
		Decks       struct {
			Lesson DeckSplit `yaml:"lesson"`
			Module DeckSplit `yaml:"module"`
			Course DeckSplit `yaml:"course"`
		} `yaml:"decks"`
	} `yaml:"quiz"`
	Challenge struct {
		AcceptWindow     string `yaml:"acceptWindow"`
		CompletionWindow string `yaml:"completionWindow"`
		SweepInterval    string `yaml:"sweepInterval"`
	} `yaml:"challenge"`
}

// Load reads YAML config from path. A missing file yields the zero config so
// the service can start on in-memory defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// NewLogger builds the process logger. Production encoding is JSON with
// ISO8601 timestamps; development mode switches to the console encoder.
func (c Config) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if c.Log.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}
