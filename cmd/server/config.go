package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type config struct {
	Port          string      `yaml:"port"`
	BackendURL    string      `yaml:"backendURL"`
	Greeting      string      `yaml:"greeting"`
	ResetGreeting string      `yaml:"resetGreeting"`
	LogLevel      slog.Level  `yaml:"logLevel"`
	DBPath        string      `yaml:"dbPath"`
	Voice         voiceConfig `yaml:"voice"`
}

type voiceConfig struct {
	Language     string        `yaml:"language"`
	RestartDelay time.Duration `yaml:"restartDelay"`
}

const (
	defaultPort       = "8080"
	defaultBackendURL = "http://localhost:5000"
	defaultLanguage   = "en-US"

	backendURLEnv = "MEDWEBUI_BACKEND_URL"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string `yaml:"port"`
		BackendURL    string `yaml:"backendURL"`
		Greeting      string `yaml:"greeting"`
		ResetGreeting string `yaml:"resetGreeting"`
		LogLevel      string `yaml:"logLevel"`
		DBPath        string `yaml:"dbPath"`
		Voice         struct {
			Language     string `yaml:"language"`
			RestartDelay string `yaml:"restartDelay"`
		} `yaml:"voice"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.BackendURL = rawConfig.BackendURL
	c.Greeting = rawConfig.Greeting
	c.ResetGreeting = rawConfig.ResetGreeting
	c.DBPath = rawConfig.DBPath
	c.Voice.Language = rawConfig.Voice.Language

	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(rawConfig.LogLevel)); err != nil {
			return fmt.Errorf("invalid logLevel %q: %w", rawConfig.LogLevel, err)
		}
	}

	if rawConfig.Voice.RestartDelay != "" {
		d, err := time.ParseDuration(rawConfig.Voice.RestartDelay)
		if err != nil {
			return fmt.Errorf("invalid voice.restartDelay %q: %w", rawConfig.Voice.RestartDelay, err)
		}
		if d < 0 {
			return errors.New("voice.restartDelay must not be negative")
		}
		c.Voice.RestartDelay = d
	}

	return nil
}

// decodeConfig reads the configuration from r, which may be nil when there is no config file, and
// fills in the defaults.
func decodeConfig(r io.Reader) (config, error) {
	cfg := config{}
	if r != nil {
		if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && err != io.EOF {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	cfg.Port = strings.TrimPrefix(cfg.Port, ":")

	if cfg.BackendURL == "" {
		cfg.BackendURL = os.Getenv(backendURLEnv)
	}
	if cfg.BackendURL == "" {
		cfg.BackendURL = defaultBackendURL
	}

	if cfg.Voice.Language == "" {
		cfg.Voice.Language = defaultLanguage
	}

	return cfg, nil
}
