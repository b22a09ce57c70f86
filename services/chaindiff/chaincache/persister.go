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
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/ChainDiff/pkg/logging"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/observability"
)

// Default persister limits.
const (
	DefaultMaxConcurrentWrites = 4
	DefaultPersistTimeout      = 2 * time.Minute
)

// DiffWriter is the write side used by Persister. *Writer implements it.
type DiffWriter interface {
	Persist(ctx context.Context, key cachekey.CacheKey, diff *datatypes.VersionDiff) (*chain.Receipt, error)
}

// PersisterConfig configures a Persister.
type PersisterConfig struct {
	// MaxConcurrent bounds in-flight writes. Zero means
	// DefaultMaxConcurrentWrites.
	MaxConcurrent int64

	// Timeout bounds one write. Zero means DefaultPersistTimeout.
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Persister runs diff writes in the background.
//
// # Description
//
// Schedule starts the write on its own goroutine and returns at once. The
// write's context keeps the caller's values but not its cancellation, so a
// finished or abandoned request does not stop it. When MaxConcurrent writes
// are in flight, new ones are dropped: the next lookup of that key misses,
// recomputes, and schedules again.
//
// # Thread Safety
//
// Safe for concurrent use.
type Persister struct {
	writer DiffWriter
	cfg    PersisterConfig
	logger *slog.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewPersister creates a Persister around writer.
func NewPersister(writer DiffWriter, cfg PersisterConfig) *Persister {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentWrites
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPersistTimeout
	}
	return &Persister{
		writer: writer,
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger).With("component", "chaincache_persister"),
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Schedule starts a background write of diff under key.
//
// # Outputs
//
//   - bool: False if the write was dropped because the persister is closed
//     or at capacity.
func (p *Persister) Schedule(ctx context.Context, key cachekey.CacheKey, diff *datatypes.VersionDiff) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.drop(key, "persister closed")
		return false
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		p.drop(key, "too many writes in flight")
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.cfg.Metrics.PersistStarted()
	detached := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.cfg.Metrics.PersistFinished()

		writeCtx, cancel := context.WithTimeout(detached, p.cfg.Timeout)
		defer cancel()
		// Writer logs and counts the outcome.
		_, _ = p.writer.Persist(writeCtx, key, diff)
	}()
	return true
}

func (p *Persister) drop(key cachekey.CacheKey, reason string) {
	p.logger.Warn("Dropping chain cache write", "cache_key", key.String(), "reason", reason)
	p.cfg.Metrics.RecordPersist(observability.PersistDropped, 0)
}

// Close stops accepting writes and waits for in-flight ones.
//
// # Outputs
//
//   - error: ctx.Err() if ctx ends before every write finished.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("Persister closed with writes still in flight")
		return ctx.Err()
	}
}
