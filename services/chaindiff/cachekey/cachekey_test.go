// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cachekey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHex = "5a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"

func TestParsePackageRef_AcceptedShapes(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"raw hex", testHex},
		{"hash prefix", "hash-" + testHex},
		{"package prefix", "package-" + testHex},
		{"contract-package prefix", "contract-package-" + testHex},
		{"upper case", "hash-" + strings.ToUpper(testHex)},
		{"surrounding whitespace", "  " + testHex + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParsePackageRef(tt.input)
			require.NoError(t, err)
			assert.Equal(t, testHex, ref.Hex())
			assert.Equal(t, "package-"+testHex, ref.String())
		})
	}
}

func TestParsePackageRef_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"short", "hash-abcd"},
		{"non hex", "package-" + strings.Repeat("zz", 32)},
		{"unknown prefix", "account-hash-" + testHex},
		{"too long", testHex + "00"},
		{"double prefix", "hash-package-" + testHex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePackageRef(tt.input)
			assert.ErrorIs(t, err, ErrInvalidPackageRef)
		})
	}
}

func TestPackageRef_Forms(t *testing.T) {
	ref := MustParsePackageRef(testHex)
	assert.False(t, ref.IsZero())
	assert.True(t, PackageRef{}.IsZero())
	assert.Equal(t, "hash-"+testHex, ref.HashKey())
	assert.Equal(t, "contract-package-"+testHex, ref.ContractPackageKey())
}

func TestDeriveKey_NewerThenOlder(t *testing.T) {
	ref := MustParsePackageRef("hash-" + testHex)
	key := DeriveKey(ref, 3, 7)
	assert.Equal(t, CacheKey("package-"+testHex+"-7-3"), key)
	assert.Equal(t, "package-"+testHex+"-7-3", key.String())
}

func TestDeriveKey_OrderMatters(t *testing.T) {
	ref := MustParsePackageRef(testHex)
	assert.NotEqual(t, DeriveKey(ref, 3, 7), DeriveKey(ref, 7, 3))
}

func TestDeriveKey_IndependentOfInputShape(t *testing.T) {
	a := DeriveKey(MustParsePackageRef(testHex), 1, 2)
	b := DeriveKey(MustParsePackageRef("contract-package-"+strings.ToUpper(testHex)), 1, 2)
	assert.Equal(t, a, b)
}

func TestDeriveKey_LargeVersions(t *testing.T) {
	ref := MustParsePackageRef(testHex)
	key := DeriveKey(ref, 4294967294, 4294967295)
	assert.True(t, strings.HasSuffix(key.String(), "-4294967295-4294967294"))
}
