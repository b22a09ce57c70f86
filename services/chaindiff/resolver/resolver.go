// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver answers "what changed between two versions of a package".
//
// # Description
//
// Resolve first asks the chain cache. On a hit the cached diff is returned
// and nothing else happens. On a miss both version records are read from
// the record store, the diff is computed, a background write to the chain
// cache is scheduled, and the computed diff is returned without waiting
// for that write.
//
// Concurrent misses for the same cache key share one computation.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/ChainDiff/pkg/logging"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/diff"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/observability"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/records"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/telemetry"
)

var (
	// ErrInvalidPackageRef is returned for a package reference that does not parse.
	ErrInvalidPackageRef = cachekey.ErrInvalidPackageRef

	// ErrRecordNotFound is returned when either version record is missing.
	ErrRecordNotFound = errors.New("cannot resolve diff: version record not found")

	// ErrRecordStore is returned when the record store fails.
	ErrRecordStore = errors.New("cannot resolve diff: record store failure")
)

// Source says where a resolved diff came from.
type Source string

const (
	SourceChain    Source = "chain"
	SourceComputed Source = "computed"
)

// Resolution is the result of Resolve.
type Resolution struct {
	// Diff is shared between concurrent callers and must not be modified.
	Diff   *datatypes.VersionDiff
	Source Source
	Key    cachekey.CacheKey
}

// Cache is the read side of the chain cache. *chaincache.Reader implements it.
type Cache interface {
	Lookup(ctx context.Context, key cachekey.CacheKey) (*datatypes.VersionDiff, error)
}

// Scheduler starts background cache writes. *chaincache.Persister
// implements it.
type Scheduler interface {
	Schedule(ctx context.Context, key cachekey.CacheKey, diff *datatypes.VersionDiff) bool
}

// RecordSource reads version records. records.Store implements it.
type RecordSource interface {
	GetVersion(ctx context.Context, ref cachekey.PackageRef, version uint32) (*datatypes.VersionRecord, error)
}

// Config holds optional Resolver dependencies.
type Config struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Resolver implements the lookup, compute, and write-back sequence.
//
// # Thread Safety
//
// Safe for concurrent use.
type Resolver struct {
	cache     Cache
	records   RecordSource
	scheduler Scheduler
	logger    *slog.Logger
	metrics   *observability.Metrics
	group     singleflight.Group
}

// New creates a Resolver. A nil scheduler disables write-back.
func New(cache Cache, source RecordSource, scheduler Scheduler, cfg Config) *Resolver {
	return &Resolver{
		cache:     cache,
		records:   source,
		scheduler: scheduler,
		logger:    logging.OrDefault(cfg.Logger).With("component", "resolver"),
		metrics:   cfg.Metrics,
	}
}

// Resolve returns the diff between two versions of a package.
//
// # Inputs
//
//   - ctx: Bounds the lookup and the record reads. Cancelling it does not
//     cancel a write-back that was already scheduled.
//   - packageRef: Package reference in any form cachekey.ParsePackageRef accepts.
//   - older: Version number of the older side.
//   - newer: Version number of the newer side.
//
// # Outputs
//
//   - *Resolution: The diff and where it came from.
//   - error: ErrInvalidPackageRef, ErrRecordNotFound, ErrRecordStore, or a
//     *diff.ValidationError. Cache read and write failures never surface.
func (r *Resolver) Resolve(ctx context.Context, packageRef string, older, newer uint32) (*Resolution, error) {
	ref, err := cachekey.ParsePackageRef(packageRef)
	if err != nil {
		return nil, err
	}
	return r.ResolveRef(ctx, ref, older, newer)
}

// ResolveRef is Resolve for an already parsed reference.
func (r *Resolver) ResolveRef(ctx context.Context, ref cachekey.PackageRef, older, newer uint32) (*Resolution, error) {
	start := time.Now()
	key := cachekey.DeriveKey(ref, older, newer)

	ctx, span := telemetry.StartSpan(ctx, "Resolver.Resolve",
		telemetry.AttrPackageRef.String(ref.String()),
		telemetry.AttrCacheKey.String(key.String()),
		telemetry.AttrOlder.Int64(int64(older)),
		telemetry.AttrNewer.Int64(int64(newer)),
	)
	defer span.End()

	res, err := r.resolve(ctx, ref, key, older, newer)
	if err != nil {
		telemetry.RecordError(span, err)
		r.metrics.ObserveResolve("error", time.Since(start))
		return nil, err
	}
	span.SetAttributes(telemetry.AttrSource.String(string(res.Source)))
	r.metrics.ObserveResolve(string(res.Source), time.Since(start))
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, ref cachekey.PackageRef, key cachekey.CacheKey, older, newer uint32) (*Resolution, error) {
	// Lookup only fails for an empty key, which DeriveKey never returns.
	cached, err := r.cache.Lookup(ctx, key)
	if err == nil && cached != nil {
		r.logger.Debug("Diff served from chain cache", "cache_key", key.String())
		return &Resolution{Diff: cached, Source: SourceChain, Key: key}, nil
	}

	// The shared computation must not die with whichever caller started it.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key.String(), func() (any, error) {
		return r.compute(shared, ref, key, older, newer)
	})
	select {
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return &Resolution{Diff: result.Val.(*datatypes.VersionDiff), Source: SourceComputed, Key: key}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) compute(ctx context.Context, ref cachekey.PackageRef, key cachekey.CacheKey, older, newer uint32) (*datatypes.VersionDiff, error) {
	olderRec, err := r.fetch(ctx, ref, older)
	if err != nil {
		return nil, err
	}
	newerRec, err := r.fetch(ctx, ref, newer)
	if err != nil {
		return nil, err
	}

	result, err := diff.Compute(olderRec, newerRec)
	r.metrics.RecordComputation(err == nil)
	if err != nil {
		r.logger.Info("Diff request rejected",
			"cache_key", key.String(),
			"older_version", older,
			"newer_version", newer,
			"error", err)
		return nil, err
	}

	if r.scheduler != nil {
		r.scheduler.Schedule(ctx, key, result)
	}
	r.logger.Debug("Diff computed",
		"cache_key", key.String(),
		"entry_point_deltas", len(result.EntryPoints),
		"named_key_deltas", len(result.NamedKeys))
	return result, nil
}

func (r *Resolver) fetch(ctx context.Context, ref cachekey.PackageRef, version uint32) (*datatypes.VersionRecord, error) {
	rec, err := r.records.GetVersion(ctx, ref, version)
	switch {
	case errors.Is(err, records.ErrNotFound):
		return nil, fmt.Errorf("%w: %w", ErrRecordNotFound, err)
	case err != nil:
		r.logger.Error("Record store read failed",
			"package_ref", ref.String(),
			"version", version,
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrRecordStore, err)
	case rec == nil:
		return nil, fmt.Errorf("%w: version %d of %s", ErrRecordNotFound, version, ref)
	}
	return rec, nil
}
