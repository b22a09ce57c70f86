// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest registers contract packages and turns their on-chain
// versions into Version Records.
//
// # Description
//
// Tracker.Register records a package for tracking. Tracker.Sync reads the
// package and every contract version from global state, enriches them with
// explorer timestamps, and inserts the records that are not stored yet.
// Tracker.Warm resolves every consecutive version pair so the chain cache
// holds each step of the package's history.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/ChainDiff/pkg/logging"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/metadata"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/records"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/resolver"
)

var (
	// ErrNotPackage is returned when the hash does not name a contract package.
	ErrNotPackage = errors.New("hash does not correspond to a contract package")

	// ErrNotContract is returned when a version's hash does not name a contract.
	ErrNotContract = errors.New("hash does not correspond to a contract")
)

// MetadataSource supplies explorer metadata. *metadata.Client implements it.
type MetadataSource interface {
	Package(ctx context.Context, ref cachekey.PackageRef) (*metadata.PackageMeta, error)
	Contract(ctx context.Context, contractHash string) (*metadata.ContractMeta, error)
}

// Warmer resolves a version pair. *resolver.Resolver implements it.
type Warmer interface {
	ResolveRef(ctx context.Context, ref cachekey.PackageRef, older, newer uint32) (*resolver.Resolution, error)
}

// Config configures a Tracker.
type Config struct {
	// Network is recorded on registrations that do not name one.
	Network string

	// Metadata is optional. Without it records carry no timestamps and
	// registrations no owner.
	Metadata MetadataSource

	// Warmer is optional. Without it Warm is a no-op.
	Warmer Warmer

	Logger *slog.Logger

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// Tracker implements package registration, sync, and cache warming.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tracker struct {
	endpoint chain.Endpoint
	store    records.Store
	cfg      Config
	logger   *slog.Logger
}

// SyncResult reports one Sync.
type SyncResult struct {
	PackageRef string `json:"package_hash"`
	Versions   int    `json:"versions"`
	Inserted   int    `json:"inserted"`
	Locked     bool   `json:"lock_status"`
}

// WarmResult reports one Warm.
type WarmResult struct {
	Pairs    int `json:"pairs"`
	Cached   int `json:"cached"`
	Computed int `json:"computed"`
	Failed   int `json:"failed"`
}

// NewTracker creates a Tracker.
func NewTracker(endpoint chain.Endpoint, store records.Store, cfg Config) *Tracker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Network == "" {
		cfg.Network = chain.NetworkTestnet
	}
	return &Tracker{
		endpoint: endpoint,
		store:    store,
		cfg:      cfg,
		logger:   logging.OrDefault(cfg.Logger).With("component", "ingest"),
	}
}

// Register validates req, confirms the package exists on chain, and stores
// the registration.
//
// # Outputs
//
//   - *datatypes.Package: The stored registration.
//   - error: A validator.ValidationErrors, ErrNotPackage, or a chain or
//     store error.
func (t *Tracker) Register(ctx context.Context, req datatypes.RegisterPackageRequest) (*datatypes.Package, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ref, err := cachekey.ParsePackageRef(req.PackageHash)
	if err != nil {
		return nil, err
	}

	pkg, err := t.queryPackage(ctx, ref)
	if err != nil {
		return nil, err
	}

	network := req.Network
	if network == "" {
		network = t.cfg.Network
	}
	registered := &datatypes.Package{
		PackageRef:   ref.String(),
		Name:         req.PackageName,
		Network:      network,
		Locked:       pkg.Locked(),
		RegisteredAt: t.cfg.Now().UTC(),
	}
	if req.UserID != "" {
		if registered.RegisteredBy, err = uuid.Parse(req.UserID); err != nil {
			return nil, fmt.Errorf("user_id: %w", err)
		}
	}
	if t.cfg.Metadata != nil {
		meta, err := t.cfg.Metadata.Package(ctx, ref)
		if err != nil {
			t.logger.Warn("Package metadata unavailable", "package_ref", ref.String(), "error", err)
		} else {
			registered.OwnerID = meta.OwnerPublicKey
		}
	}

	if err := t.store.PutPackage(ctx, registered); err != nil {
		return nil, fmt.Errorf("store registration: %w", err)
	}
	t.logger.Info("Package registered",
		"package_ref", ref.String(),
		"package_name", req.PackageName,
		"network", network,
		"versions", len(pkg.Versions))
	return registered, nil
}

// Sync reads every contract version of ref and stores the missing records.
func (t *Tracker) Sync(ctx context.Context, ref cachekey.PackageRef) (*SyncResult, error) {
	checkpoint, err := t.endpoint.StateCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("state checkpoint: %w", err)
	}
	pkg, err := t.queryPackageAt(ctx, checkpoint, ref)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[uint32]*datatypes.VersionRecord, len(pkg.Versions))
	for _, v := range pkg.Versions {
		rec, err := t.buildRecord(ctx, checkpoint, ref, pkg, v)
		if err != nil {
			return nil, err
		}
		if prev, ok := byVersion[rec.VersionNumber]; ok && prev.ProtocolMajor > rec.ProtocolMajor {
			t.logger.Warn("Skipping contract version shadowed by a newer protocol major",
				"package_ref", ref.String(),
				"contract_version", rec.VersionNumber,
				"protocol_major", rec.ProtocolMajor)
			continue
		}
		byVersion[rec.VersionNumber] = rec
	}

	recs := make([]*datatypes.VersionRecord, 0, len(byVersion))
	for _, rec := range byVersion {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].VersionNumber < recs[j].VersionNumber })

	inserted, err := t.store.PutVersions(ctx, recs)
	if err != nil {
		return nil, fmt.Errorf("store versions: %w", err)
	}
	t.refreshLock(ctx, ref, pkg.Locked())

	t.logger.Info("Package synced",
		"package_ref", ref.String(),
		"versions", len(recs),
		"inserted", inserted)
	return &SyncResult{PackageRef: ref.String(), Versions: len(recs), Inserted: inserted, Locked: pkg.Locked()}, nil
}

// Warm resolves every consecutive pair of stored versions of ref.
// Failures are logged and counted, not returned.
func (t *Tracker) Warm(ctx context.Context, ref cachekey.PackageRef) (*WarmResult, error) {
	result := &WarmResult{}
	if t.cfg.Warmer == nil {
		return result, nil
	}
	recs, err := t.store.ListVersions(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	for i := 1; i < len(recs); i++ {
		older, newer := recs[i-1].VersionNumber, recs[i].VersionNumber
		result.Pairs++
		res, err := t.cfg.Warmer.ResolveRef(ctx, ref, older, newer)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed++
			t.logger.Warn("Cannot warm version pair",
				"package_ref", ref.String(),
				"older_version", older,
				"newer_version", newer,
				"error", err)
			continue
		}
		if res.Source == resolver.SourceChain {
			result.Cached++
		} else {
			result.Computed++
		}
	}
	t.logger.Info("Chain cache warmed",
		"package_ref", ref.String(),
		"pairs", result.Pairs,
		"computed", result.Computed,
		"failed", result.Failed)
	return result, nil
}

func (t *Tracker) queryPackage(ctx context.Context, ref cachekey.PackageRef) (*chain.ContractPackage, error) {
	checkpoint, err := t.endpoint.StateCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("state checkpoint: %w", err)
	}
	return t.queryPackageAt(ctx, checkpoint, ref)
}

func (t *Tracker) queryPackageAt(ctx context.Context, checkpoint chain.Digest, ref cachekey.PackageRef) (*chain.ContractPackage, error) {
	stored, err := t.endpoint.QueryState(ctx, checkpoint, ref.HashKey())
	if err != nil {
		return nil, fmt.Errorf("query package %s: %w", ref, err)
	}
	if stored.ContractPackage == nil {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotPackage)
	}
	return stored.ContractPackage, nil
}

func (t *Tracker) buildRecord(ctx context.Context, checkpoint chain.Digest, ref cachekey.PackageRef, pkg *chain.ContractPackage, v chain.ContractVersion) (*datatypes.VersionRecord, error) {
	stored, err := t.endpoint.QueryState(ctx, checkpoint, v.ContractHash)
	if err != nil {
		return nil, fmt.Errorf("query contract %s: %w", v.ContractHash, err)
	}
	if stored.Contract == nil {
		return nil, fmt.Errorf("%s: %w", v.ContractHash, ErrNotContract)
	}
	c := stored.Contract

	major := v.ProtocolVersionMajor
	if major == 0 {
		if m, ok := ProtocolMajor(c.ProtocolVersion); ok {
			major = m
		}
	}
	rec := &datatypes.VersionRecord{
		PackageIdentity:  ref.ContractPackageKey(),
		VersionNumber:    v.ContractVersion,
		ProtocolMajor:    major,
		ProtocolVersion:  c.ProtocolVersion,
		ContractIdentity: v.ContractHash,
		WasmHash:         c.ContractWasmHash,
		EntryPoints:      c.EntryPoints,
		NamedKeys:        c.NamedKeys,
		Disabled:         pkg.IsDisabled(v),
	}
	if rec.EntryPoints == nil {
		rec.EntryPoints = []datatypes.EntryPoint{}
	}
	if rec.NamedKeys == nil {
		rec.NamedKeys = []datatypes.NamedKey{}
	}

	if t.cfg.Metadata != nil {
		meta, err := t.cfg.Metadata.Contract(ctx, v.ContractHash)
		if err != nil {
			t.logger.Warn("Contract metadata unavailable",
				"contract_hash", v.ContractHash,
				"error", err)
		} else {
			rec.Timestamp = meta.Timestamp.UTC()
		}
	}
	return rec, nil
}

func (t *Tracker) refreshLock(ctx context.Context, ref cachekey.PackageRef, locked bool) {
	registered, err := t.store.GetPackage(ctx, ref)
	if err != nil {
		return
	}
	if registered.Locked == locked {
		return
	}
	registered.Locked = locked
	if err := t.store.PutPackage(ctx, registered); err != nil {
		t.logger.Warn("Cannot update lock status", "package_ref", ref.String(), "error", err)
	}
}

// ProtocolMajor extracts the major version of a protocol version string
// such as "2.0.0" or "v1.5.8".
func ProtocolMajor(protocolVersion string) (uint32, bool) {
	v := protocolVersion
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return 0, false
	}
	major, err := strconv.ParseUint(strings.TrimPrefix(semver.Major(v), "v"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(major), true
}
