// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the ChainDiff service configuration.
//
// # Description
//
// Configuration comes from three layers, later ones winning: built-in
// defaults, a YAML file, and CHAINDIFF_* environment variables. Validate
// checks the result with go-playground/validator tags plus the few rules
// tags cannot express.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chain"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Network   string          `yaml:"network" validate:"oneof=mainnet testnet localnet"`
	Chain     ChainConfig     `yaml:"chain"`
	DiffStore DiffStoreConfig `yaml:"diff_store"`
	Records   RecordsConfig   `yaml:"records"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	LLM       LLMConfig       `yaml:"llm"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	GinMode         string        `yaml:"gin_mode" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=1s"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// ChainConfig configures the node RPC client.
type ChainConfig struct {
	NodeAddress    string        `yaml:"node_address" validate:"required,url"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"min=1ms"`
	RateLimit      float64       `yaml:"rate_limit" validate:"gt=0"`
	Burst          int           `yaml:"burst" validate:"min=1"`
}

// DiffStoreConfig configures the on-chain diff cache.
type DiffStoreConfig struct {
	// PackageHash of the diff store contract. Empty disables the chain cache.
	PackageHash string `yaml:"package_hash"`

	// SecretKeyPath is the PKCS#8 PEM Ed25519 key of the store owner.
	// Empty makes the cache read-only.
	SecretKeyPath string `yaml:"secret_key_path"`

	TTL                 time.Duration `yaml:"ttl" validate:"min=1s"`
	PaymentAmount       uint64        `yaml:"payment_amount" validate:"gt=0"`
	MaxConcurrentWrites int64         `yaml:"max_concurrent_writes" validate:"min=1"`
	PersistTimeout      time.Duration `yaml:"persist_timeout" validate:"min=1s"`
	LookupTimeout       time.Duration `yaml:"lookup_timeout" validate:"min=1ms"`
	SeedCacheTTL        time.Duration `yaml:"seed_cache_ttl"`
}

// RecordsConfig configures the Badger record store.
type RecordsConfig struct {
	Path     string `yaml:"path" validate:"required_without=InMemory"`
	InMemory bool   `yaml:"in_memory"`
}

// MetadataConfig configures the explorer metadata client.
type MetadataConfig struct {
	// Endpoint overrides the network default. Empty with localnet disables
	// metadata enrichment.
	Endpoint  string        `yaml:"endpoint" validate:"omitempty,url"`
	Timeout   time.Duration `yaml:"timeout" validate:"min=1s"`
	Includes  string        `yaml:"includes"`
	APIKeyEnv string        `yaml:"api_key_env"`
}

// LLMConfig configures diff analysis.
type LLMConfig struct {
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	MaxTokens int    `yaml:"max_tokens" validate:"min=0"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			GinMode:         "release",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Network: chain.NetworkTestnet,
		Chain: ChainConfig{
			NodeAddress:    "http://localhost:7777",
			RequestTimeout: 10 * time.Second,
			RateLimit:      20,
			Burst:          10,
		},
		DiffStore: DiffStoreConfig{
			TTL:                 30 * time.Minute,
			PaymentAmount:       2_500_000_000,
			MaxConcurrentWrites: 4,
			PersistTimeout:      2 * time.Minute,
			LookupTimeout:       5 * time.Second,
			SeedCacheTTL:        10 * time.Minute,
		},
		Records: RecordsConfig{
			Path: "~/.chaindiff/records",
		},
		Metadata: MetadataConfig{
			Timeout:   15 * time.Second,
			APIKeyEnv: "CSPR_CLOUD_API_KEY",
		},
		LLM: LLMConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
		},
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.DiffStore.PackageHash != "" {
		if _, err := cachekey.ParsePackageRef(c.DiffStore.PackageHash); err != nil {
			return fmt.Errorf("invalid config: diff_store.package_hash: %w", err)
		}
	}
	return nil
}

// ChainName returns the chain identifier of the configured network.
func (c *Config) ChainName() string {
	name, err := chain.ChainName(c.Network)
	if err != nil {
		return ""
	}
	return name
}

// StorePackage returns the diff store package, or false when the chain
// cache is disabled.
func (c *Config) StorePackage() (cachekey.PackageRef, bool) {
	if c.DiffStore.PackageHash == "" {
		return cachekey.PackageRef{}, false
	}
	ref, err := cachekey.ParsePackageRef(c.DiffStore.PackageHash)
	if err != nil {
		return cachekey.PackageRef{}, false
	}
	return ref, true
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
