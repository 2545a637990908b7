// Package config loads settings for the server and the terminal client.
// Values come from, in increasing priority: defaults, an optional YAML file,
// a .env file and the process environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	MessageCap  int    `yaml:"message_cap"`
	CSRFSecret  string `yaml:"csrf_secret"`
	// NotifyChannel is the Postgres channel for medical case updates.
	NotifyChannel string `yaml:"notify_channel"`
	LogLevel      string `yaml:"log_level"`

	OpenAI OpenAI `yaml:"openai"`
	Client Client `yaml:"client"`
}

type OpenAI struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	ChatModel    string `yaml:"chat_model"`
	SummaryModel string `yaml:"summary_model"`
}

// Client holds the terminal client's settings.
type Client struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:          "8080",
		MessageCap:    50,
		NotifyChannel: "case_updates",
		LogLevel:      "info",
		Client: Client{
			BaseURL: "http://localhost:8080",
			Timeout: 60 * time.Second,
		},
	}
}

// Load builds the configuration.  path names an optional YAML file; an empty
// path skips it.  A missing .env file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, errors.Wrap(err, "load .env")
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.CSRFSecret, "CSRF_SECRET")
	setString(&c.NotifyChannel, "POSTGRES_NOTIFY_CHANNEL")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.OpenAI.ChatModel, "OPENAI_MODEL_CHAT")
	setString(&c.OpenAI.SummaryModel, "OPENAI_MODEL_SUMMARY")
	setString(&c.Client.BaseURL, "INTAKE_BASE_URL")

	if v, ok := os.LookupEnv("MESSAGE_CAP"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "MESSAGE_CAP=%q", v)
		}
		c.MessageCap = n
	}
	if v, ok := os.LookupEnv("INTAKE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "INTAKE_TIMEOUT=%q", v)
		}
		c.Client.Timeout = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// ValidateServer checks the settings the server cannot start without.
func (c Config) ValidateServer() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL must be set")
	}
	if c.CSRFSecret == "" {
		return errors.New("CSRF_SECRET must be set")
	}
	if c.MessageCap <= 0 {
		return errors.Errorf("message cap must be positive, got %d", c.MessageCap)
	}
	if c.OpenAI.APIKey == "" {
		return errors.New("OPENAI_API_KEY must be set")
	}
	return nil
}

// UsesSQLite reports whether DatabaseURL names a SQLite file
// (sqlite://path or a path ending in .db).
func (c Config) UsesSQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, "sqlite://") || strings.HasSuffix(c.DatabaseURL, ".db")
}

// SQLitePath returns the file path for a SQLite DatabaseURL.
func (c Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

// Level parses LogLevel, defaulting to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
