package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, loaded from environment variables.
type Config struct {
	DatabaseURL    string        `env:"DATABASE_URL,required"`
	HTTPAddr       string        `env:"HTTP_ADDR" envDefault:":8080"`
	TokenSecret    string        `env:"TOKEN_SECRET,required"`
	WebhookSecret  string        `env:"WEBHOOK_SECRET,required"`
	GatewayURL     string        `env:"GATEWAY_URL"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
