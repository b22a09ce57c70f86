// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package records

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	badgerstore "github.com/AleutianAI/ChainDiff/services/chaindiff/storage/badger"
)

var (
	refA = cachekey.MustParsePackageRef(strings.Repeat("aa", 32))
	refB = cachekey.MustParsePackageRef(strings.Repeat("bb", 32))
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenBadgerStore(badgerstore.InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func versionOf(ref cachekey.PackageRef, v uint32, wasm string) *datatypes.VersionRecord {
	return &datatypes.VersionRecord{
		PackageIdentity:  ref.ContractPackageKey(),
		VersionNumber:    v,
		ProtocolMajor:    2,
		ProtocolVersion:  "2.0.0",
		ContractIdentity: "contract-" + strings.Repeat("0", 63) + string(rune('0'+v%10)),
		WasmHash:         wasm,
		EntryPoints: []datatypes.EntryPoint{{
			Name:           "transfer",
			Args:           []datatypes.EntryArg{{Name: "amount", CLType: datatypes.MustOpaque(`"U512"`)}},
			Ret:            datatypes.MustOpaque(`"Unit"`),
			Access:         datatypes.MustOpaque(`"Public"`),
			EntryPointType: "Called",
		}},
		NamedKeys: []datatypes.NamedKey{{Name: "balances", Key: "uref-01-007"}},
		Timestamp: time.Date(2025, 2, 1, 0, 0, int(v), 0, time.UTC),
	}
}

func TestBadgerStore_PutAndGetVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := versionOf(refA, 3, "contract-wasm-03")
	n, err := store.PutVersions(ctx, []*datatypes.VersionRecord{want})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetVersion(ctx, refA, 3)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBadgerStore_HTMLCharactersInOpaqueValues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := versionOf(refA, 4, "contract-wasm-04")
	want.EntryPoints[0].Access = datatypes.MustOpaque(`{"Groups":["R&D <ops>"]}`)
	_, err := store.PutVersions(ctx, []*datatypes.VersionRecord{want})
	require.NoError(t, err)

	got, err := store.GetVersion(ctx, refA, 4)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, want.EntryPoints[0].Equal(got.EntryPoints[0]))
}

func TestBadgerStore_GetVersion_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetVersion(context.Background(), refA, 9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, uint32(9), nf.Version)
	assert.Equal(t, refA.String(), nf.PackageRef)
}

func TestBadgerStore_PutVersions_InsertIfAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutVersions(ctx, []*datatypes.VersionRecord{versionOf(refA, 1, "contract-wasm-first")})
	require.NoError(t, err)

	n, err := store.PutVersions(ctx, []*datatypes.VersionRecord{
		versionOf(refA, 1, "contract-wasm-second"),
		versionOf(refA, 2, "contract-wasm-02"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetVersion(ctx, refA, 1)
	require.NoError(t, err)
	assert.Equal(t, "contract-wasm-first", got.WasmHash)
}

func TestBadgerStore_PutVersions_RejectsBadIdentity(t *testing.T) {
	store := newTestStore(t)
	rec := versionOf(refA, 1, "w")
	rec.PackageIdentity = "not-a-package"

	_, err := store.PutVersions(context.Background(), []*datatypes.VersionRecord{rec})
	assert.ErrorIs(t, err, cachekey.ErrInvalidPackageRef)
}

func TestBadgerStore_ListVersions_OrderedAndScoped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutVersions(ctx, []*datatypes.VersionRecord{
		versionOf(refA, 10, "w10"),
		versionOf(refA, 2, "w2"),
		versionOf(refB, 1, "other"),
		versionOf(refA, 1, "w1"),
	})
	require.NoError(t, err)

	list, err := store.ListVersions(ctx, refA)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, uint32(1), list[0].VersionNumber)
	assert.Equal(t, uint32(2), list[1].VersionNumber)
	assert.Equal(t, uint32(10), list[2].VersionNumber)

	empty, err := store.ListVersions(ctx, cachekey.MustParsePackageRef(strings.Repeat("cc", 32)))
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestBadgerStore_PutVersions_ManyChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := make([]*datatypes.VersionRecord, 0, 300)
	for v := uint32(1); v <= 300; v++ {
		recs = append(recs, versionOf(refA, v, "w"))
	}
	n, err := store.PutVersions(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, 300, n)

	list, err := store.ListVersions(ctx, refA)
	require.NoError(t, err)
	assert.Len(t, list, 300)
}

func TestBadgerStore_ConcurrentPutSameVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.PutVersions(ctx, []*datatypes.VersionRecord{versionOf(refA, 1, "w")})
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestBadgerStore_Packages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	registrant := uuid.New()
	pkgB := &datatypes.Package{
		PackageRef:   refB.String(),
		Name:         "token",
		OwnerID:      "01" + strings.Repeat("ab", 32),
		Network:      "testnet",
		RegisteredBy: registrant,
		RegisteredAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	pkgA := &datatypes.Package{PackageRef: "hash-" + refA.Hex(), Name: "registry", Network: "mainnet", Locked: true}

	require.NoError(t, store.PutPackage(ctx, pkgB))
	require.NoError(t, store.PutPackage(ctx, pkgA))

	got, err := store.GetPackage(ctx, refB)
	require.NoError(t, err)
	assert.Equal(t, pkgB, got)

	list, err := store.ListPackages(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "registry", list[0].Name)
	assert.Equal(t, "token", list[1].Name)

	_, err = store.GetPackage(ctx, cachekey.MustParsePackageRef(strings.Repeat("dd", 32)))
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.PutPackage(ctx, &datatypes.Package{PackageRef: "bogus"})
	assert.ErrorIs(t, err, cachekey.ErrInvalidPackageRef)
}

func TestNotFoundError_Message(t *testing.T) {
	assert.Equal(t, "package package-aa not found", (&NotFoundError{PackageRef: "package-aa"}).Error())
	assert.Equal(t, "version 4 of package-aa not found", (&NotFoundError{PackageRef: "package-aa", Version: 4}).Error())
}
