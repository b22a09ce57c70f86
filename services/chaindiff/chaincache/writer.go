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
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/AleutianAI/ChainDiff/pkg/logging"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/observability"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/telemetry"
)

// ErrNoSigner is returned by Persist when the writer has no signing key.
var ErrNoSigner = errors.New("diff store writer has no signing key")

// Default write parameters.
const (
	DefaultTTL           = 30 * time.Minute
	DefaultPaymentAmount = uint64(2_500_000_000)
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	// StorePackage is the package of the diff store contract.
	StorePackage cachekey.PackageRef

	// ChainName goes into every transaction header, see chain.ChainName.
	ChainName string

	// TTL is the transaction time-to-live. Zero means DefaultTTL.
	TTL time.Duration

	// PaymentAmount in motes. Zero means DefaultPaymentAmount.
	PaymentAmount uint64

	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// Writer submits computed diffs to the diff store.
//
// # Description
//
// Persist makes exactly one submission attempt. The payload ceiling is
// checked before any endpoint call. Outcomes are logged and counted by
// Persist itself so callers may discard the returned error.
//
// # Thread Safety
//
// Safe for concurrent use.
type Writer struct {
	endpoint chain.Endpoint
	signer   *chain.Signer
	cfg      WriterConfig
	logger   *slog.Logger
}

// NewWriter creates a Writer. A nil signer yields a writer whose Persist
// always fails with ErrNoSigner.
func NewWriter(endpoint chain.Endpoint, signer *chain.Signer, cfg WriterConfig) *Writer {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.PaymentAmount == 0 {
		cfg.PaymentAmount = DefaultPaymentAmount
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Writer{
		endpoint: endpoint,
		signer:   signer,
		cfg:      cfg,
		logger:   logging.OrDefault(cfg.Logger).With("component", "chaincache_writer"),
	}
}

// Persist stores diff under key.
//
// # Inputs
//
//   - ctx: Bounds the submission.
//   - key: Dictionary item key, from cachekey.DeriveKey.
//   - diff: The computed diff.
//
// # Outputs
//
//   - *chain.Receipt: The accepted transaction.
//   - error: *PayloadTooLargeError, ErrNoSigner, chain.ErrUnauthorized, or a
//     submission failure.
func (w *Writer) Persist(ctx context.Context, key cachekey.CacheKey, diff *datatypes.VersionDiff) (*chain.Receipt, error) {
	ctx, span := telemetry.StartSpan(ctx, "ChainCache.Persist", telemetry.AttrCacheKey.String(key.String()))
	defer span.End()

	receipt, size, err := w.persist(ctx, key, diff)
	span.SetAttributes(telemetry.AttrPayloadBytes.Int(size))
	telemetry.RecordError(span, err)
	w.cfg.Metrics.RecordPersist(persistOutcome(err), size)
	return receipt, err
}

func (w *Writer) persist(ctx context.Context, key cachekey.CacheKey, diff *datatypes.VersionDiff) (*chain.Receipt, int, error) {
	payload, err := Encode(diff)
	if err != nil {
		w.logger.Error("Cannot encode diff", "cache_key", key.String(), "error", err)
		return nil, 0, err
	}
	size := len(payload)
	payloadDigest := digest.FromString(payload)

	if size > MaxPayloadBytes {
		err := &PayloadTooLargeError{Size: size, Limit: MaxPayloadBytes}
		w.logger.Warn("Diff too large for chain cache",
			"cache_key", key.String(),
			"payload_bytes", size,
			"limit_bytes", MaxPayloadBytes)
		return nil, size, err
	}
	if w.signer == nil {
		w.logger.Warn("Skipping chain cache write, no signing key", "cache_key", key.String())
		return nil, size, ErrNoSigner
	}

	call := chain.Call{
		PackageHash: w.cfg.StorePackage.HashKey(),
		EntryPoint:  chain.StoreDiffEntryPoint,
		Args: []chain.Arg{
			chain.StringArg(chain.ArgVersionID, key.String()),
			chain.StringArg(chain.ArgDiff, payload),
		},
	}
	tx, err := w.signer.Sign(call, w.cfg.ChainName, w.cfg.TTL, w.cfg.PaymentAmount, w.cfg.Now())
	if err != nil {
		w.logger.Error("Cannot sign store_diff transaction", "cache_key", key.String(), "error", err)
		return nil, size, fmt.Errorf("sign store_diff: %w", err)
	}

	receipt, err := w.endpoint.SubmitTransaction(ctx, tx)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, chain.ErrUnauthorized) {
			level = slog.LevelWarn
		}
		w.logger.Log(ctx, level, "Chain cache write failed",
			"cache_key", key.String(),
			"payload_bytes", size,
			"payload_digest", payloadDigest.String(),
			"chain_name", w.cfg.ChainName,
			"error", err)
		return nil, size, fmt.Errorf("submit store_diff: %w", err)
	}

	w.logger.Info("Chain cache write submitted",
		"cache_key", key.String(),
		"payload_bytes", size,
		"payload_digest", payloadDigest.String(),
		"transaction_hash", receipt.TransactionHash,
		"chain_name", w.cfg.ChainName)
	return receipt, size, nil
}

func persistOutcome(err error) string {
	switch {
	case err == nil:
		return observability.PersistStored
	case errors.Is(err, ErrPayloadTooLarge):
		return observability.PersistTooLarge
	case errors.Is(err, chain.ErrUnauthorized):
		return observability.PersistUnauthorized
	default:
		return observability.PersistFailed
	}
}
