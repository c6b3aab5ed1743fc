package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults (Default()).
//  2. If configPath is non-empty, read and parse it as YAML, expanding
//     "${VAR}" secret placeholders first.
//  3. Merge the parsed overlay onto the defaults (mergo.WithOverride).
//  4. Resolve secret env vars (API keys) referenced by *_env fields.
//  5. Validate the result.
func Initialize(configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)
	log.Info("Initializing configuration")

	cfg := Default()

	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configPath)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		raw = ExpandEnv(raw)

		var overlay Config
		if err := yaml.Unmarshal(raw, &overlay); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}

		if err := mergo.Merge(cfg, &overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging configuration overlay: %w", err)
		}
	}

	resolveSecrets(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"llm_model", cfg.LLM.Model,
		"use_vertex", cfg.LLM.UseVertex,
		"object_store_bucket", cfg.ObjectStore.Bucket)

	return cfg, nil
}

// resolveSecrets resolves DATABASE_URL and API-key env indirections into
// their concrete values. A resolved secret is never logged.
func resolveSecrets(cfg *Config) {
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv("DATABASE_URL")
	}
	resolveClientSecret(&cfg.Terminology.RxNorm)
	resolveClientSecret(&cfg.Terminology.ICD10)
	resolveClientSecret(&cfg.Terminology.LOINC)
	resolveClientSecret(&cfg.Terminology.HPO)
	resolveClientSecret(&cfg.Terminology.UMLS)
}

func resolveClientSecret(c *TerminologyClientConfig) {
	if c.APIKey == "" {
		c.APIKey = secretFromEnv(c.APIKeyEnv)
	}
}
