// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chaincache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/ChainDiff/pkg/logging"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/observability"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/telemetry"
)

// ErrEmptyKey is returned by Lookup for an empty cache key.
var ErrEmptyKey = errors.New("empty cache key")

// Default reader timings.
const (
	DefaultLookupTimeout = 5 * time.Second
	DefaultSeedTTL       = 10 * time.Minute
)

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// StorePackage is the package of the diff store contract.
	StorePackage cachekey.PackageRef

	// LookupTimeout bounds one Lookup. Zero means DefaultLookupTimeout.
	LookupTimeout time.Duration

	// SeedTTL is how long a resolved dictionary seed is reused. Zero means
	// DefaultSeedTTL; negative disables memoization.
	SeedTTL time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// Reader looks up cached diffs in the diff store.
//
// # Description
//
// A lookup takes the latest state checkpoint, resolves the store's "diffs"
// dictionary seed, reads the item named by the cache key, and decodes it.
// Transport failures, missing items, empty payloads, decode failures, and
// timeouts all come back as a miss. The seed is memoized for SeedTTL and
// dropped when a dictionary read fails for any reason other than a missing
// item.
//
// # Thread Safety
//
// Safe for concurrent use. No lock is held across endpoint calls.
type Reader struct {
	endpoint chain.Endpoint
	cfg      ReaderConfig
	logger   *slog.Logger

	mu       sync.Mutex
	seed     chain.URef
	seedTime time.Time
}

// NewReader creates a Reader over endpoint.
func NewReader(endpoint chain.Endpoint, cfg ReaderConfig) *Reader {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.SeedTTL == 0 {
		cfg.SeedTTL = DefaultSeedTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reader{
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logging.OrDefault(cfg.Logger).With("component", "chaincache_reader"),
	}
}

// Lookup returns the cached diff for key.
//
// # Inputs
//
//   - ctx: Bounds the lookup together with LookupTimeout.
//   - key: Cache key from cachekey.DeriveKey.
//
// # Outputs
//
//   - *datatypes.VersionDiff: The cached diff, or nil on a miss.
//   - error: Only ErrEmptyKey. Every chain or decode failure is a miss.
func (r *Reader) Lookup(ctx context.Context, key cachekey.CacheKey) (*datatypes.VersionDiff, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	ctx, span := telemetry.StartSpan(ctx, "ChainCache.Lookup", telemetry.AttrCacheKey.String(key.String()))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	defer cancel()

	payload, err := r.read(ctx, key)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		r.miss(key, observability.LookupMiss, "item not found")
		return nil, nil
	case err != nil:
		telemetry.RecordError(span, err)
		r.logger.Warn("Chain cache lookup failed, treating as miss",
			"cache_key", key.String(),
			"error", err)
		r.cfg.Metrics.RecordLookup(observability.LookupError)
		return nil, nil
	}

	diff, err := Decode(payload)
	switch {
	case errors.Is(err, ErrEmptyPayload):
		r.miss(key, observability.LookupMiss, "empty payload")
		return nil, nil
	case err != nil:
		telemetry.RecordError(span, err)
		r.logger.Warn("Cached diff does not decode, treating as miss",
			"cache_key", key.String(),
			"payload_bytes", len(payload),
			"error", err)
		r.cfg.Metrics.RecordLookup(observability.LookupDecodeError)
		return nil, nil
	}

	r.logger.Debug("Chain cache hit", "cache_key", key.String(), "payload_bytes", len(payload))
	r.cfg.Metrics.RecordLookup(observability.LookupHit)
	return diff, nil
}

func (r *Reader) miss(key cachekey.CacheKey, outcome, reason string) {
	r.logger.Debug("Chain cache miss", "cache_key", key.String(), "reason", reason)
	r.cfg.Metrics.RecordLookup(outcome)
}

func (r *Reader) read(ctx context.Context, key cachekey.CacheKey) (string, error) {
	checkpoint, err := r.endpoint.StateCheckpoint(ctx)
	if err != nil {
		return "", fmt.Errorf("state checkpoint: %w", err)
	}
	seed, err := r.resolveSeed(ctx, checkpoint)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			// A missing store is an error, not a missing item.
			return "", fmt.Errorf("resolve seed: %v", err)
		}
		return "", fmt.Errorf("resolve seed: %w", err)
	}
	value, err := r.endpoint.DictionaryLookup(ctx, checkpoint, seed, key.String())
	if err != nil {
		if !errors.Is(err, chain.ErrNotFound) {
			r.forgetSeed()
		}
		return "", err
	}
	return value.StringValue()
}

// resolveSeed returns the dictionary seed of the store's latest enabled
// contract version.
func (r *Reader) resolveSeed(ctx context.Context, checkpoint chain.Digest) (chain.URef, error) {
	if seed, ok := r.cachedSeed(); ok {
		return seed, nil
	}

	stored, err := r.endpoint.QueryState(ctx, checkpoint, r.cfg.StorePackage.HashKey())
	if err != nil {
		return "", fmt.Errorf("query store package: %w", err)
	}
	if stored.ContractPackage == nil {
		return "", fmt.Errorf("%s is not a contract package", r.cfg.StorePackage)
	}
	version, ok := stored.ContractPackage.LatestEnabled()
	if !ok {
		return "", fmt.Errorf("store package %s has no enabled version", r.cfg.StorePackage)
	}

	stored, err = r.endpoint.QueryState(ctx, checkpoint, version.ContractHash)
	if err != nil {
		return "", fmt.Errorf("query store contract: %w", err)
	}
	if stored.Contract == nil {
		return "", fmt.Errorf("%s is not a contract", version.ContractHash)
	}
	key, ok := stored.Contract.NamedKey(chain.DiffsNamedKey)
	if !ok {
		return "", fmt.Errorf("store contract %s has no %q named key", version.ContractHash, chain.DiffsNamedKey)
	}

	seed := chain.URef(key)
	r.rememberSeed(seed)
	r.logger.Info("Resolved diff store seed",
		"store_package", r.cfg.StorePackage.String(),
		"contract_hash", version.ContractHash,
		"seed", string(seed))
	return seed, nil
}

func (r *Reader) cachedSeed() (chain.URef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seed == "" || r.cfg.SeedTTL < 0 {
		return "", false
	}
	if r.cfg.Now().Sub(r.seedTime) >= r.cfg.SeedTTL {
		return "", false
	}
	return r.seed, true
}

func (r *Reader) rememberSeed(seed chain.URef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seed = seed
	r.seedTime = r.cfg.Now()
}

func (r *Reader) forgetSeed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seed = ""
}
