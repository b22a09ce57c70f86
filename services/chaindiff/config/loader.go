// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHAINDIFF_"

// Load builds the configuration from defaults, the YAML file at path and
// the environment, then validates it.
//
// # Description
//
// A missing file is not an error; the defaults apply. An empty path skips
// the file layer entirely. A leading ~ in records.path is expanded.
//
// # Outputs
//
//   - Config: The merged configuration.
//   - error: Read, parse, override or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read the config file %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	expanded, err := expandHome(cfg.Records.Path)
	if err != nil {
		return Config{}, err
	}
	cfg.Records.Path = expanded

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal the default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write the default config: %w", err)
	}
	return nil
}

// =============================================================================
// Environment overrides
// =============================================================================

type override struct {
	name  string
	apply func(cfg *Config, v string) error
}

var overrides = []override{
	{"PORT", func(c *Config, v string) error { return setInt(&c.Server.Port, v) }},
	{"GIN_MODE", func(c *Config, v string) error { c.Server.GinMode = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = strings.ToLower(v); return nil }},
	{"LOG_DIR", func(c *Config, v string) error { c.Log.Dir = v; return nil }},
	{"LOG_JSON", func(c *Config, v string) error { return setBool(&c.Log.JSON, v) }},
	{"NETWORK", func(c *Config, v string) error { c.Network = strings.ToLower(v); return nil }},
	{"NODE_ADDRESS", func(c *Config, v string) error { c.Chain.NodeAddress = v; return nil }},
	{"REQUEST_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Chain.RequestTimeout, v) }},
	{"DIFF_STORE_PACKAGE", func(c *Config, v string) error { c.DiffStore.PackageHash = v; return nil }},
	{"SECRET_KEY_PATH", func(c *Config, v string) error { c.DiffStore.SecretKeyPath = v; return nil }},
	{"DIFF_TTL", func(c *Config, v string) error { return setDuration(&c.DiffStore.TTL, v) }},
	{"RECORDS_PATH", func(c *Config, v string) error { c.Records.Path = v; return nil }},
	{"RECORDS_IN_MEMORY", func(c *Config, v string) error { return setBool(&c.Records.InMemory, v) }},
	{"METADATA_ENDPOINT", func(c *Config, v string) error { c.Metadata.Endpoint = v; return nil }},
	{"LLM_MODEL", func(c *Config, v string) error { c.LLM.Model = v; return nil }},
	{"LLM_BASE_URL", func(c *Config, v string) error { c.LLM.BaseURL = v; return nil }},
	{"TRACE_EXPORTER", func(c *Config, v string) error { c.Telemetry.TraceExporter = v; return nil }},
	{"METRIC_EXPORTER", func(c *Config, v string) error { c.Telemetry.MetricExporter = v; return nil }},
	{"OTLP_ENDPOINT", func(c *Config, v string) error { c.Telemetry.OTLPEndpoint = v; return nil }},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve the home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
