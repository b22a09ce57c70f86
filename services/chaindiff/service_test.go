// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chaindiff

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ChainDiff/pkg/logging"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/config"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
)

var (
	storeRef = cachekey.MustParsePackageRef(strings.Repeat("5e", 32))
	pkgRef   = cachekey.MustParsePackageRef(strings.Repeat("c0", 32))
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Network = chain.NetworkLocalnet
	cfg.Server.GinMode = "test"
	cfg.Records.InMemory = true
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	cfg.DiffStore.PackageHash = storeRef.HashKey()
	return cfg
}

func testOptions(t *testing.T, mem *chain.MemoryEndpoint, signer *chain.Signer) Options {
	t.Helper()
	reg := prometheus.NewRegistry()
	return Options{
		Endpoint:   mem,
		Signer:     signer,
		Registerer: reg,
		Gatherer:   reg,
		Logger:     logging.New(logging.Config{Quiet: true}),
	}
}

func seedChain(t *testing.T) (*chain.MemoryEndpoint, *chain.Signer, chain.URef) {
	t.Helper()
	mem := chain.NewMemoryEndpoint("casper-net-1")
	signer, err := chain.GenerateSigner(rand.Reader)
	require.NoError(t, err)
	seed := mem.InstallDiffStore(storeRef.Hex(), signer.PublicKeyHex())

	versions := make([]chain.ContractVersion, 0, 2)
	for v, eps := range map[uint32][]string{1: {"transfer"}, 2: {"transfer", "pause"}} {
		hash := fmt.Sprintf("contract-%064d", v)
		entryPoints := make([]datatypes.EntryPoint, 0, len(eps))
		for _, name := range eps {
			entryPoints = append(entryPoints, datatypes.EntryPoint{Name: name, EntryPointType: "Called"})
		}
		mem.PutContract(hash, chain.Contract{
			ContractPackageHash: pkgRef.ContractPackageKey(),
			ContractWasmHash:    fmt.Sprintf("contract-wasm-%064d", v),
			EntryPoints:         entryPoints,
			ProtocolVersion:     "2.0.0",
		})
		versions = append(versions, chain.ContractVersion{ProtocolVersionMajor: 2, ContractVersion: v, ContractHash: hash})
	}
	mem.PutPackage(pkgRef.HashKey(), chain.ContractPackage{Versions: versions, LockStatus: chain.LockStatusUnlocked})
	return mem, signer, seed
}

func do(svc *Service, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	return w
}

func TestService_SyncWarmsChainCache(t *testing.T) {
	ctx := context.Background()
	mem, signer, seed := seedChain(t)

	svc, err := New(ctx, testConfig(), testOptions(t, mem, signer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	w := do(svc, http.MethodPost, "/v1/packages", `{"package_hash":"`+pkgRef.Hex()+`","package_name":"token"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(svc, http.MethodPost, "/v1/packages/"+pkgRef.Hex()+"/sync", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"computed":1`)

	key := cachekey.DeriveKey(pkgRef, 1, 2)
	require.Eventually(t, func() bool {
		_, ok := mem.DictionaryItem(seed, key.String())
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	w = do(svc, http.MethodGet, "/v1/packages/"+pkgRef.Hex()+"/diff?older=1&newer=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "chain", w.Header().Get("X-Diff-Source"))
	assert.Equal(t, key.String(), w.Header().Get("X-Cache-Key"))
}

func TestService_ReadOnlyWithoutKey(t *testing.T) {
	ctx := context.Background()
	mem, _, seed := seedChain(t)

	svc, err := New(ctx, testConfig(), testOptions(t, mem, nil))
	require.NoError(t, err)

	_, err = svc.Tracker().Sync(ctx, pkgRef)
	require.NoError(t, err)

	res, err := svc.Resolver().ResolveRef(ctx, pkgRef, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "computed", string(res.Source))

	require.NoError(t, svc.Close(ctx))
	assert.Zero(t, mem.DictionarySize(seed))
	assert.Empty(t, mem.Submitted())
}

func TestService_CacheDisabled(t *testing.T) {
	ctx := context.Background()
	mem, signer, _ := seedChain(t)
	cfg := testConfig()
	cfg.DiffStore.PackageHash = ""

	svc, err := New(ctx, cfg, testOptions(t, mem, signer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	_, err = svc.Tracker().Sync(ctx, pkgRef)
	require.NoError(t, err)

	before := mem.Counts()
	res, err := svc.Resolver().Resolve(ctx, pkgRef.String(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "computed", string(res.Source))
	assert.Equal(t, before, mem.Counts())
}

func TestService_AnalyzeDisabledWithoutKey(t *testing.T) {
	mem, signer, _ := seedChain(t)
	cfg := testConfig()
	cfg.LLM.APIKeyEnv = "CHAINDIFF_TEST_UNSET_KEY"

	svc, err := New(context.Background(), cfg, testOptions(t, mem, signer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	w := do(svc, http.MethodPost, "/v1/packages/"+pkgRef.Hex()+"/diff/analyze?older=1&newer=2", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestService_NewFailsOnBadKeyPath(t *testing.T) {
	mem, _, _ := seedChain(t)
	cfg := testConfig()
	cfg.DiffStore.SecretKeyPath = t.TempDir() + "/missing.pem"

	_, err := New(context.Background(), cfg, testOptions(t, mem, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load the diff store key")
}

func TestService_Run(t *testing.T) {
	mem, signer, _ := seedChain(t)
	cfg := testConfig()
	cfg.Server.Port = freePort(t)

	svc, err := New(context.Background(), cfg, testOptions(t, mem, signer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(string(body), "ok")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
