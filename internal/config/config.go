package config

import (
	"fmt"
	"net/url"
	"os"
)

type Config struct {
	// Stage URLs
	ProcessFunctionURL  string
	FinalizeFunctionURL string

	// Server
	Port        string
	Environment string
}

func Load() (*Config, error) {
	cfg := &Config{
		ProcessFunctionURL:  getEnv("PROCESS_FUNCTION_URL", ""),
		FinalizeFunctionURL: getEnv("FINALIZE_FUNCTION_URL", ""),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the stage URLs parse when set. They are not required at
// startup: the gateway and process stages report missing URLs per-request.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"PROCESS_FUNCTION_URL":  c.ProcessFunctionURL,
		"FINALIZE_FUNCTION_URL": c.FinalizeFunctionURL,
	} {
		if value == "" {
			continue
		}
		if _, err := url.ParseRequestURI(value); err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
