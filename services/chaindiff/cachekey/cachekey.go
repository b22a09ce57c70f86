// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cachekey derives the lookup keys used by the chain-backed diff store.
//
// # Description
//
// A cache key is "<package-ref>-<newer>-<older>" where package-ref is always
// the canonical "package-<hex>" form. The key is a wire contract with the diff
// store contract: every writer and reader on every node must produce the same
// bytes for the same version pair.
package cachekey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HashLength is the byte length of a package hash.
const HashLength = 32

// Accepted textual prefixes of a package reference, longest first so that
// "contract-package-" is not mistaken for a shorter prefix.
const (
	prefixContractPackage = "contract-package-"
	prefixPackage         = "package-"
	prefixHash            = "hash-"
)

// ErrInvalidPackageRef is returned when a package reference cannot be parsed.
var ErrInvalidPackageRef = errors.New("invalid package reference")

// PackageRef is a normalized package hash (lower-case hex, no prefix).
type PackageRef struct {
	hex string
}

// ParsePackageRef canonicalizes a package reference.
//
// # Description
//
// Accepts raw hex, "hash-<hex>", "package-<hex>", and
// "contract-package-<hex>". The hex part must decode to exactly 32 bytes.
// Upper-case hex is accepted and lower-cased.
//
// # Inputs
//
//   - s: The textual reference. Surrounding whitespace is ignored.
//
// # Outputs
//
//   - PackageRef: The canonical reference.
//   - error: Wraps ErrInvalidPackageRef on any malformed input.
func ParsePackageRef(s string) (PackageRef, error) {
	raw := strings.TrimSpace(s)
	for _, prefix := range []string{prefixContractPackage, prefixPackage, prefixHash} {
		if strings.HasPrefix(raw, prefix) {
			raw = strings.TrimPrefix(raw, prefix)
			break
		}
	}
	if len(raw) != HashLength*2 {
		return PackageRef{}, fmt.Errorf("%w: %q: expected %d hex characters", ErrInvalidPackageRef, s, HashLength*2)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return PackageRef{}, fmt.Errorf("%w: %q: %v", ErrInvalidPackageRef, s, err)
	}
	return PackageRef{hex: strings.ToLower(raw)}, nil
}

// MustParsePackageRef is ParsePackageRef for literals. It panics on error.
func MustParsePackageRef(s string) PackageRef {
	ref, err := ParsePackageRef(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// IsZero reports whether the reference was never parsed.
func (r PackageRef) IsZero() bool {
	return r.hex == ""
}

// Hex returns the bare lower-case hex hash.
func (r PackageRef) Hex() string {
	return r.hex
}

// String returns the canonical "package-<hex>" form.
func (r PackageRef) String() string {
	return prefixPackage + r.hex
}

// HashKey returns the "hash-<hex>" form used for global state queries.
func (r PackageRef) HashKey() string {
	return prefixHash + r.hex
}

// ContractPackageKey returns the "contract-package-<hex>" form that appears
// in contract records.
func (r PackageRef) ContractPackageKey() string {
	return prefixContractPackage + r.hex
}

// CacheKey is the dictionary item key of one cached diff.
type CacheKey string

// DeriveKey builds the cache key for a version pair.
//
// # Description
//
// The newer version number comes first, then the older one. DeriveKey never
// fails; malformed references are rejected by ParsePackageRef.
//
// # Inputs
//
//   - ref: Canonical package reference.
//   - older: The older version number.
//   - newer: The newer version number.
//
// # Outputs
//
//   - CacheKey: "package-<hex>-<newer>-<older>".
func DeriveKey(ref PackageRef, older, newer uint32) CacheKey {
	var b strings.Builder
	b.Grow(len(prefixPackage) + len(ref.hex) + 22)
	b.WriteString(ref.String())
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(uint64(newer), 10))
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(uint64(older), 10))
	return CacheKey(b.String())
}

// String implements fmt.Stringer.
func (k CacheKey) String() string {
	return string(k)
}
