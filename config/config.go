// Package config loads the agent's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kleeedolinux/entrywatch/realtime"
)

const (
	DefaultBackendURL   = "http://localhost:8000"
	DefaultSendBuffer   = 100
	DefaultWriteTimeout = 10 * time.Second
	DefaultTokenFile    = "entrywatch-token.json"
	DefaultEmailRetries = 3
)

// Environment variables that override backend_url, highest priority first.
var backendURLEnv = []string{"ENTRYWATCH_BACKEND_URL", "BACKEND_URL"}

type Config struct {
	// BackendURL is the HTTP base of the access-control backend. The
	// realtime endpoint is derived from it.
	BackendURL string `yaml:"backend_url" validate:"required,url"`

	Realtime RealtimeConfig `yaml:"realtime"`
	Session  SessionConfig  `yaml:"session"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

type RealtimeConfig struct {
	// Path is appended to the backend URL. Defaults to /ws for the
	// websocket transport and /events for eventsource.
	Path string `yaml:"path"`

	// Transport is websocket or eventsource.
	Transport    string        `yaml:"transport" validate:"oneof=websocket eventsource"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
	SendBuffer   int           `yaml:"send_buffer" validate:"gt=0"`
	Compression  bool          `yaml:"compression"`

	Retry RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay" validate:"gt=0"`
	MaxDelay      time.Duration `yaml:"max_delay" validate:"gte=0"`
	Multiplier    float64       `yaml:"multiplier" validate:"gte=0"`
	Jitter        float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	MaxAttempts   int           `yaml:"max_attempts" validate:"gte=0"`
	RetryOnReject bool          `yaml:"retry_on_reject"`
}

// Policy converts the section into a client retry policy.
func (r RetryConfig) Policy() realtime.RetryPolicy {
	return realtime.RetryPolicy{
		InitialDelay:  r.InitialDelay,
		MaxDelay:      r.MaxDelay,
		Multiplier:    r.Multiplier,
		Jitter:        r.Jitter,
		MaxAttempts:   r.MaxAttempts,
		RetryOnReject: r.RetryOnReject,
	}
}

type SessionConfig struct {
	// TokenFile persists the bearer token between runs.
	TokenFile string `yaml:"token_file" validate:"required"`
}

type NotifyConfig struct {
	EmailRetries int `yaml:"email_retries" validate:"gte=1,lte=10"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// Endpoint returns the realtime URL derived from BackendURL.
func (c *Config) Endpoint() (string, error) {
	if c.Realtime.Transport == "eventsource" {
		return realtime.StreamURLFromBase(c.BackendURL, c.Realtime.Path)
	}
	return realtime.EndpointFromBase(c.BackendURL, c.Realtime.Path)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	retry := realtime.DefaultRetryPolicy()
	return &Config{
		BackendURL: DefaultBackendURL,
		Realtime: RealtimeConfig{
			Transport:    "websocket",
			WriteTimeout: DefaultWriteTimeout,
			SendBuffer:   DefaultSendBuffer,
			Retry: RetryConfig{
				InitialDelay: retry.InitialDelay,
				MaxDelay:     retry.MaxDelay,
				Multiplier:   retry.Multiplier,
				Jitter:       retry.Jitter,
			},
		},
		Session: SessionConfig{TokenFile: DefaultTokenFile},
		Notify:  NotifyConfig{EmailRetries: DefaultEmailRetries},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	for _, key := range backendURLEnv {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			cfg.BackendURL = v
			return
		}
	}
}

var validate = func() func(*Config) error {
	v := validator.New()
	return func(cfg *Config) error {
		err := v.Struct(cfg)
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
}()
