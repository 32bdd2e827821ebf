package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "OTPKEEPER_"

// parseEnv overlays OTPKEEPER_* variables. Unset variables leave the field alone.
func parseEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
