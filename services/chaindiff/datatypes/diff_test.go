// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntryPoint(name string) EntryPoint {
	return EntryPoint{
		Name:           name,
		Args:           []EntryArg{{Name: "amount", CLType: MustOpaque(`"U512"`)}},
		Ret:            MustOpaque(`"Unit"`),
		Access:         MustOpaque(`"Public"`),
		EntryPointType: "Contract",
	}
}

// =============================================================================
// Opaque Tests
// =============================================================================

func TestOpaque_CompactsAndCompares(t *testing.T) {
	a, err := NewOpaque([]byte(`{ "Map": { "key": "String", "value": "U8" } }`))
	require.NoError(t, err)
	b := MustOpaque(`{"Map":{"key":"String","value":"U8"}}`)

	assert.True(t, a.Equal(b))
	assert.Equal(t, `{"Map":{"key":"String","value":"U8"}}`, a.String())
}

func TestOpaque_NullAndEmpty(t *testing.T) {
	o, err := NewOpaque([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, o)

	data, err := json.Marshal(struct {
		V Opaque `json:"v"`
	}{})
	require.NoError(t, err)
	assert.Equal(t, `{"v":null}`, string(data))
}

func TestOpaque_FoldsHTMLEscapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"ampersand and angle brackets", `{"Groups":["R\u0026D \u003cops\u003e"]}`, `{"Groups":["R&D <ops>"]}`},
		{"upper case hex", `"a\u003Cb\u003E"`, `"a<b>"`},
		{"line separators", `"x\u2028y\u2029z"`, "\"x\u2028y\u2029z\""},
		{"escaped backslash kept", `"\\u0026"`, `"\\u0026"`},
		{"other escapes kept", `"tab\tquote\"\u00e9"`, `"tab\tquote\"\u00e9"`},
		{"literal characters unchanged", `{"Groups":["R&D <ops>"]}`, `{"Groups":["R&D <ops>"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := NewOpaque([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, o.String())
		})
	}
}

func TestOpaque_HTMLCharactersSurviveEncoding(t *testing.T) {
	ep := EntryPoint{
		Name:   "withdraw",
		Args:   []EntryArg{{Name: "memo", CLType: MustOpaque(`{"Option":"<String>"}`)}},
		Ret:    MustOpaque(`"Unit"`),
		Access: MustOpaque(`{"Groups":["R&D <ops>"]}`),
	}

	data, err := json.Marshal(ep)
	require.NoError(t, err)
	assert.Contains(t, string(data), `R\u0026D`)

	var decoded EntryPoint
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ep, decoded)
	assert.True(t, ep.Equal(decoded))
}

func TestOpaque_InvalidJSON(t *testing.T) {
	_, err := NewOpaque([]byte(`{"unterminated"`))
	assert.Error(t, err)
}

// =============================================================================
// EntryPoint Equality Tests
// =============================================================================

func TestEntryPoint_Equal(t *testing.T) {
	base := sampleEntryPoint("transfer")

	t.Run("identical", func(t *testing.T) {
		assert.True(t, base.Equal(sampleEntryPoint("transfer")))
	})

	t.Run("different arg type", func(t *testing.T) {
		other := sampleEntryPoint("transfer")
		other.Args = []EntryArg{{Name: "amount", CLType: MustOpaque(`"U256"`)}}
		assert.False(t, base.Equal(other))
	})

	t.Run("different access", func(t *testing.T) {
		other := sampleEntryPoint("transfer")
		other.Access = MustOpaque(`{"Groups":["admin"]}`)
		assert.False(t, base.Equal(other))
	})

	t.Run("nil and empty args", func(t *testing.T) {
		a := EntryPoint{Name: "ping"}
		b := EntryPoint{Name: "ping", Args: []EntryArg{}}
		assert.True(t, a.Equal(b))
	})
}

// =============================================================================
// Wire Format Tests
// =============================================================================

func TestEntryPointDelta_WireShape(t *testing.T) {
	data, err := json.Marshal(RemovedEntryPoint(EntryPoint{Name: "a", EntryPointType: "Contract"}))
	require.NoError(t, err)
	assert.Equal(t,
		`{"Removed":{"name":"a","args":null,"ret":null,"access":null,"entry_point_type":"Contract"}}`,
		string(data))

	data, err = json.Marshal(ModifiedEntryPoint(EntryPoint{Name: "a"}, EntryPoint{Name: "a", EntryPointType: "Session"}))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `{"Modified":{"from":{"name":"a"`))
}

func TestNamedKeyDelta_WireShape(t *testing.T) {
	data, err := json.Marshal(ModifiedNamedKey("k", "uref-01-007", "uref-02-007"))
	require.NoError(t, err)
	assert.Equal(t, `{"Modified":{"key":"k","from":"uref-01-007","to":"uref-02-007"}}`, string(data))

	data, err = json.Marshal(AddedNamedKey("owner", "account-hash-aa"))
	require.NoError(t, err)
	assert.Equal(t, `{"Added":{"key":"owner","value":"account-hash-aa"}}`, string(data))
}

func TestDelta_UnknownVariant(t *testing.T) {
	var ep EntryPointDelta
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"Renamed":{}}`), &ep), ErrUnknownDelta)

	var nk NamedKeyDelta
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"Added":{},"Removed":{}}`), &nk), ErrUnknownDelta)

	_, err := json.Marshal(EntryPointDelta{Kind: "Bogus"})
	assert.Error(t, err)
}

func TestVersionDiff_RoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	diff := &VersionDiff{
		Older: VersionDiffMeta{
			ContractIdentity: "contract-11", Timestamp: ts, VersionNumber: 1, WasmHash: "contract-wasm-11",
		},
		Newer: VersionDiffMeta{
			ContractIdentity: "contract-22", Timestamp: ts.Add(time.Hour), VersionNumber: 2,
			Disabled: true, WasmHash: "contract-wasm-22",
		},
		PackageIdentity: "contract-package-aa",
		EntryPoints: []EntryPointDelta{
			RemovedEntryPoint(sampleEntryPoint("a")),
			ModifiedEntryPoint(sampleEntryPoint("b"), EntryPoint{Name: "b", Args: []EntryArg{}}),
			AddedEntryPoint(sampleEntryPoint("c")),
		},
		NamedKeys: []NamedKeyDelta{
			RemovedNamedKey("gone", "uref-aa-007"),
			ModifiedNamedKey("k", "uref-01-007", "uref-02-007"),
			AddedNamedKey("new", "hash-bb"),
		},
	}

	data, err := json.Marshal(diff)
	require.NoError(t, err)

	var decoded VersionDiff
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *diff, decoded)

	again, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestVersionDiff_Empty(t *testing.T) {
	assert.True(t, (&VersionDiff{}).Empty())
	assert.False(t, (&VersionDiff{NamedKeys: []NamedKeyDelta{AddedNamedKey("k", "v")}}).Empty())
}

func TestMetaOf(t *testing.T) {
	local := time.FixedZone("UTC+2", 2*60*60)
	rec := &VersionRecord{
		ContractIdentity: "contract-11",
		WasmHash:         "contract-wasm-11",
		VersionNumber:    4,
		Disabled:         true,
		Timestamp:        time.Date(2025, 1, 1, 12, 0, 0, 0, local),
	}

	meta := MetaOf(rec)
	assert.Equal(t, "contract-11", meta.ContractIdentity)
	assert.Equal(t, uint32(4), meta.VersionNumber)
	assert.True(t, meta.Disabled)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), meta.Timestamp)
}

// =============================================================================
// Request Validation Tests
// =============================================================================

func TestRegisterPackageRequest_Validate(t *testing.T) {
	hex := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		req     RegisterPackageRequest
		wantErr bool
	}{
		{"raw hex", RegisterPackageRequest{PackageHash: hex, PackageName: "token"}, false},
		{"hash prefix", RegisterPackageRequest{PackageHash: "hash-" + hex, PackageName: "token", Network: "testnet"}, false},
		{"package prefix", RegisterPackageRequest{PackageHash: "package-" + hex, PackageName: "token"}, false},
		{"missing name", RegisterPackageRequest{PackageHash: hex}, true},
		{"short hash", RegisterPackageRequest{PackageHash: "hash-abcd", PackageName: "token"}, true},
		{"bad network", RegisterPackageRequest{PackageHash: hex, PackageName: "token", Network: "devnet"}, true},
		{"bad user id", RegisterPackageRequest{PackageHash: hex, PackageName: "token", UserID: "nope"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDiffQuery_Validate(t *testing.T) {
	assert.NoError(t, (&DiffQuery{Older: 1, Newer: 2}).Validate())
	assert.Error(t, (&DiffQuery{Older: 0, Newer: 2}).Validate())
	// Ordering is the diff computer's concern.
	assert.NoError(t, (&DiffQuery{Older: 5, Newer: 2}).Validate())
}
