package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "MSGSCHED_"

// legacyEnv are the variable names older deployments used for Mongo.
type legacyEnv struct {
	MongoURI string `env:"MONGO_URI"`
	MongoDB  string `env:"MONGO_DB"`
}

// ApplyEnv overlays environment variables on cfg. Only variables that are set
// override; MSGSCHED_* wins over the legacy MONGO_URI / MONGO_DB names.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix})
}

func applyEnv(cfg *Config, opts env.Options) error {
	var legacy legacyEnv
	if err := env.ParseWithOptions(&legacy, env.Options{Environment: opts.Environment}); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if legacy.MongoURI != "" {
		cfg.Storage.MongoURI = legacy.MongoURI
	}
	if legacy.MongoDB != "" {
		cfg.Storage.MongoDB = legacy.MongoDB
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	return nil
}
