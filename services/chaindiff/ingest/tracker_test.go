// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chaincache"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/metadata"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/records"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/resolver"
	badgerstore "github.com/AleutianAI/ChainDiff/services/chaindiff/storage/badger"
)

var (
	pkgHex   = strings.Repeat("ab", 32)
	pkgRef   = cachekey.MustParsePackageRef(pkgHex)
	storeHex = strings.Repeat("cd", 32)
	baseTime = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

type fakeMetadata struct {
	fail bool
}

func (f *fakeMetadata) Package(_ context.Context, ref cachekey.PackageRef) (*metadata.PackageMeta, error) {
	if f.fail {
		return nil, metadata.ErrNotFound
	}
	return &metadata.PackageMeta{ContractPackageHash: ref.Hex(), OwnerPublicKey: "01owner"}, nil
}

func (f *fakeMetadata) Contract(_ context.Context, contractHash string) (*metadata.ContractMeta, error) {
	if f.fail {
		return nil, metadata.ErrNotFound
	}
	n := contractHash[len(contractHash)-1] - '0'
	return &metadata.ContractMeta{ContractHash: contractHash, Timestamp: baseTime.Add(time.Duration(n) * time.Hour)}, nil
}

func contractHash(v uint32) string {
	return fmt.Sprintf("contract-%064d", v)
}

func entryPoint(name string) datatypes.EntryPoint {
	return datatypes.EntryPoint{
		Name:           name,
		Ret:            datatypes.MustOpaque(`"Unit"`),
		Access:         datatypes.MustOpaque(`"Public"`),
		EntryPointType: "Called",
	}
}

// seedPackage installs a package with three versions, the second disabled.
func seedPackage(mem *chain.MemoryEndpoint, locked bool) {
	versions := []chain.ContractVersion{}
	for v, eps := range map[uint32][]string{1: {"a", "b"}, 2: {"b", "c"}, 3: {"b", "c", "d"}} {
		entryPoints := make([]datatypes.EntryPoint, 0, len(eps))
		for _, name := range eps {
			entryPoints = append(entryPoints, entryPoint(name))
		}
		mem.PutContract(contractHash(v), chain.Contract{
			ContractPackageHash: "contract-package-" + pkgHex,
			ContractWasmHash:    fmt.Sprintf("contract-wasm-%064d", v),
			EntryPoints:         entryPoints,
			NamedKeys:           []datatypes.NamedKey{{Name: "k", Key: fmt.Sprintf("uref-%063d-007", v)}},
			ProtocolVersion:     "2.0.0",
		})
		versions = append(versions, chain.ContractVersion{ContractVersion: v, ContractHash: contractHash(v)})
	}
	status := chain.LockStatusUnlocked
	if locked {
		status = chain.LockStatusLocked
	}
	mem.PutPackage("hash-"+pkgHex, chain.ContractPackage{
		AccessKey:        "uref-00-007",
		Versions:         versions,
		DisabledVersions: []chain.VersionKey{{ProtocolVersionMajor: 0, ContractVersion: 2}},
		LockStatus:       status,
	})
}

func newStore(t *testing.T) *records.BadgerStore {
	t.Helper()
	store, err := records.OpenBadgerStore(badgerstore.InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTracker_Register(t *testing.T) {
	mem := chain.NewMemoryEndpoint("casper-test")
	seedPackage(mem, true)
	store := newStore(t)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tracker := NewTracker(mem, store, Config{Metadata: &fakeMetadata{}, Now: func() time.Time { return now }})

	pkg, err := tracker.Register(context.Background(), datatypes.RegisterPackageRequest{
		PackageHash: "hash-" + pkgHex,
		PackageName: "cep18",
		UserID:      "6f1c9a55-1d2b-4a8e-9c1d-2f0b6a7e8c90",
	})
	require.NoError(t, err)
	assert.Equal(t, pkgRef.String(), pkg.PackageRef)
	assert.Equal(t, "cep18", pkg.Name)
	assert.Equal(t, chain.NetworkTestnet, pkg.Network)
	assert.Equal(t, "01owner", pkg.OwnerID)
	assert.True(t, pkg.Locked)
	assert.Equal(t, now, pkg.RegisteredAt)
	assert.Equal(t, "6f1c9a55-1d2b-4a8e-9c1d-2f0b6a7e8c90", pkg.RegisteredBy.String())

	stored, err := store.GetPackage(context.Background(), pkgRef)
	require.NoError(t, err)
	assert.Equal(t, pkg, stored)
}

func TestTracker_RegisterRejects(t *testing.T) {
	mem := chain.NewMemoryEndpoint("casper-test")
	seedPackage(mem, false)
	tracker := NewTracker(mem, newStore(t), Config{})

	_, err := tracker.Register(context.Background(), datatypes.RegisterPackageRequest{PackageHash: "nope", PackageName: "x"})
	var verrs validator.ValidationErrors
	assert.ErrorAs(t, err, &verrs)

	_, err = tracker.Register(context.Background(), datatypes.RegisterPackageRequest{
		PackageHash: strings.Repeat("ef", 32),
		PackageName: "missing",
	})
	assert.ErrorIs(t, err, chain.ErrNotFound)

	_, err = tracker.Register(context.Background(), datatypes.RegisterPackageRequest{
		PackageHash: "hash-" + strings.Repeat("0", 63) + "1",
		PackageName: "contract not package",
	})
	assert.ErrorIs(t, err, ErrNotPackage)
}

func TestTracker_Sync(t *testing.T) {
	mem := chain.NewMemoryEndpoint("casper-test")
	seedPackage(mem, false)
	store := newStore(t)
	tracker := NewTracker(mem, store, Config{Metadata: &fakeMetadata{}})
	ctx := context.Background()

	res, err := tracker.Sync(ctx, pkgRef)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Versions)
	assert.Equal(t, 3, res.Inserted)

	recs, err := store.ListVersions(ctx, pkgRef)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		v := uint32(i + 1)
		assert.Equal(t, v, rec.VersionNumber)
		assert.Equal(t, pkgRef.ContractPackageKey(), rec.PackageIdentity)
		assert.Equal(t, contractHash(v), rec.ContractIdentity)
		assert.Equal(t, uint32(2), rec.ProtocolMajor, "major derived from protocol version")
		assert.Equal(t, baseTime.Add(time.Duration(v)*time.Hour), rec.Timestamp)
	}
	assert.False(t, recs[0].Disabled)
	assert.True(t, recs[1].Disabled)

	again, err := tracker.Sync(ctx, pkgRef)
	require.NoError(t, err)
	assert.Zero(t, again.Inserted)
}

func TestTracker_SyncWithoutMetadata(t *testing.T) {
	mem := chain.NewMemoryEndpoint("casper-test")
	seedPackage(mem, false)
	store := newStore(t)
	tracker := NewTracker(mem, store, Config{Metadata: &fakeMetadata{fail: true}})

	_, err := tracker.Sync(context.Background(), pkgRef)
	require.NoError(t, err)
	rec, err := store.GetVersion(context.Background(), pkgRef, 1)
	require.NoError(t, err)
	assert.True(t, rec.Timestamp.IsZero())
}

func TestTracker_SyncRefreshesLock(t *testing.T) {
	mem := chain.NewMemoryEndpoint("casper-test")
	seedPackage(mem, false)
	store := newStore(t)
	tracker := NewTracker(mem, store, Config{})
	ctx := context.Background()

	_, err := tracker.Register(ctx, datatypes.RegisterPackageRequest{PackageHash: pkgHex, PackageName: "cep18"})
	require.NoError(t, err)

	seedPackage(mem, true)
	res, err := tracker.Sync(ctx, pkgRef)
	require.NoError(t, err)
	assert.True(t, res.Locked)

	pkg, err := store.GetPackage(ctx, pkgRef)
	require.NoError(t, err)
	assert.True(t, pkg.Locked)
}

func TestTracker_SyncChainFailure(t *testing.T) {
	mem := chain.NewMemoryEndpoint("casper-test")
	seedPackage(mem, false)
	mem.FailCheckpoint(errors.New("node down"))
	tracker := NewTracker(mem, newStore(t), Config{})

	_, err := tracker.Sync(context.Background(), pkgRef)
	assert.ErrorContains(t, err, "node down")
}

func TestTracker_Warm(t *testing.T) {
	ctx := context.Background()
	signer, err := chain.GenerateSigner(rand.Reader)
	require.NoError(t, err)
	mem := chain.NewMemoryEndpoint("casper-test")
	seed := mem.InstallDiffStore(storeHex, signer.PublicKeyHex())
	seedPackage(mem, false)
	store := newStore(t)

	storeRef := cachekey.MustParsePackageRef(storeHex)
	reader := chaincache.NewReader(mem, chaincache.ReaderConfig{StorePackage: storeRef})
	writer := chaincache.NewWriter(mem, signer, chaincache.WriterConfig{StorePackage: storeRef, ChainName: "casper-test"})
	persister := chaincache.NewPersister(writer, chaincache.PersisterConfig{})
	warmer := resolver.New(reader, store, persister, resolver.Config{})

	tracker := NewTracker(mem, store, Config{Warmer: warmer})
	_, err = tracker.Sync(ctx, pkgRef)
	require.NoError(t, err)

	res, err := tracker.Warm(ctx, pkgRef)
	require.NoError(t, err)
	assert.Equal(t, &WarmResult{Pairs: 2, Computed: 2}, res)

	require.NoError(t, persister.Close(ctx))
	assert.Equal(t, 2, mem.DictionarySize(seed))
	_, ok := mem.DictionaryItem(seed, cachekey.DeriveKey(pkgRef, 1, 2).String())
	assert.True(t, ok)
	_, ok = mem.DictionaryItem(seed, cachekey.DeriveKey(pkgRef, 2, 3).String())
	assert.True(t, ok)

	persister2 := chaincache.NewPersister(writer, chaincache.PersisterConfig{})
	defer persister2.Close(ctx)
	tracker = NewTracker(mem, store, Config{Warmer: resolver.New(reader, store, persister2, resolver.Config{})})
	res, err = tracker.Warm(ctx, pkgRef)
	require.NoError(t, err)
	assert.Equal(t, &WarmResult{Pairs: 2, Cached: 2}, res)
}

func TestTracker_WarmWithoutWarmer(t *testing.T) {
	tracker := NewTracker(chain.NewMemoryEndpoint("casper-test"), newStore(t), Config{})
	res, err := tracker.Warm(context.Background(), pkgRef)
	require.NoError(t, err)
	assert.Zero(t, res.Pairs)
}

func TestProtocolMajor(t *testing.T) {
	tests := []struct {
		in    string
		want  uint32
		valid bool
	}{
		{"2.0.0", 2, true},
		{"v1.5.8", 1, true},
		{"1.4", 1, true},
		{"", 0, false},
		{"two", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ProtocolMajor(tt.in)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
