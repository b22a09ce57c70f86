// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diff computes structured differences between two contract versions.
//
// # Description
//
// Compute is pure and deterministic. Two nodes computing the diff of the same
// pair of records produce byte-identical JSON, which is what lets the on-chain
// store act as a shared cache: any node may write a key and any node may
// trust what it reads back.
package diff

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
)

var (
	// ErrPackageMismatch is returned when the two records belong to
	// different packages.
	ErrPackageMismatch = errors.New("versions do not belong to the same package")

	// ErrVersionOrder is returned when the older version number is not
	// strictly less than the newer one.
	ErrVersionOrder = errors.New("older version must precede newer version")
)

// ValidationError describes why two records cannot be diffed.
//
// Reason is ErrPackageMismatch or ErrVersionOrder; errors.Is matches either.
type ValidationError struct {
	Reason       error
	OlderPackage string
	NewerPackage string
	Older        uint32
	Newer        uint32
}

// Error implements error.
func (e *ValidationError) Error() string {
	if errors.Is(e.Reason, ErrPackageMismatch) {
		return fmt.Sprintf("%v: %s and %s", e.Reason, e.OlderPackage, e.NewerPackage)
	}
	if e.Older == e.Newer {
		return fmt.Sprintf("%v: version %d is the same as version %d", e.Reason, e.Older, e.Newer)
	}
	return fmt.Sprintf("%v: version %d is newer than version %d", e.Reason, e.Older, e.Newer)
}

// Unwrap returns the underlying sentinel.
func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// Validate checks that two records can be diffed.
//
// # Description
//
// Checks, in order, that both records share a package identity and that
// older.VersionNumber < newer.VersionNumber. Equal and reversed versions are
// both rejected; arguments are never swapped.
//
// # Outputs
//
//   - error: *ValidationError, or nil when the pair is comparable.
func Validate(older, newer *datatypes.VersionRecord) error {
	if older.PackageIdentity != newer.PackageIdentity {
		return &ValidationError{
			Reason:       ErrPackageMismatch,
			OlderPackage: older.PackageIdentity,
			NewerPackage: newer.PackageIdentity,
			Older:        older.VersionNumber,
			Newer:        newer.VersionNumber,
		}
	}
	if older.VersionNumber >= newer.VersionNumber {
		return &ValidationError{
			Reason:       ErrVersionOrder,
			OlderPackage: older.PackageIdentity,
			NewerPackage: newer.PackageIdentity,
			Older:        older.VersionNumber,
			Newer:        newer.VersionNumber,
		}
	}
	return nil
}

// Compute returns the diff from older to newer.
//
// # Description
//
// Entry points are compared by name and named keys by key. For each, the
// records are indexed by name and scanned in ascending name order: first the
// older index, emitting Removed for names missing from newer and Modified
// for names whose content differs, then the newer index, emitting Added for
// names missing from older. Duplicate names within one record resolve to
// the last occurrence.
//
// # Inputs
//
//   - older: The record with the lower version number.
//   - newer: The record with the higher version number.
//
// # Outputs
//
//   - *datatypes.VersionDiff: The diff. Delta slices are non-nil.
//   - error: *ValidationError when the pair fails Validate.
//
// # Thread Safety
//
// Safe for concurrent use. Inputs are not modified.
func Compute(older, newer *datatypes.VersionRecord) (*datatypes.VersionDiff, error) {
	if older == nil || newer == nil {
		return nil, errors.New("compute diff: nil version record")
	}
	if err := Validate(older, newer); err != nil {
		return nil, err
	}

	entryPoints := compare(
		indexBy(older.EntryPoints, func(e datatypes.EntryPoint) string { return e.Name }),
		indexBy(newer.EntryPoints, func(e datatypes.EntryPoint) string { return e.Name }),
		datatypes.EntryPoint.Equal,
		func(_ string, ep datatypes.EntryPoint) datatypes.EntryPointDelta { return datatypes.RemovedEntryPoint(ep) },
		func(_ string, from, to datatypes.EntryPoint) datatypes.EntryPointDelta {
			return datatypes.ModifiedEntryPoint(from, to)
		},
		func(_ string, ep datatypes.EntryPoint) datatypes.EntryPointDelta { return datatypes.AddedEntryPoint(ep) },
	)

	namedKeys := compare(
		indexBy(older.NamedKeys, func(k datatypes.NamedKey) string { return k.Name }),
		indexBy(newer.NamedKeys, func(k datatypes.NamedKey) string { return k.Name }),
		func(a, b datatypes.NamedKey) bool { return a.Key == b.Key },
		func(name string, k datatypes.NamedKey) datatypes.NamedKeyDelta {
			return datatypes.RemovedNamedKey(name, k.Key)
		},
		func(name string, from, to datatypes.NamedKey) datatypes.NamedKeyDelta {
			return datatypes.ModifiedNamedKey(name, from.Key, to.Key)
		},
		func(name string, k datatypes.NamedKey) datatypes.NamedKeyDelta {
			return datatypes.AddedNamedKey(name, k.Key)
		},
	)

	return &datatypes.VersionDiff{
		Older:           datatypes.MetaOf(older),
		Newer:           datatypes.MetaOf(newer),
		PackageIdentity: older.PackageIdentity,
		EntryPoints:     entryPoints,
		NamedKeys:       namedKeys,
	}, nil
}

// sortedIndex is a name-keyed index with its keys in ascending order.
type sortedIndex[V any] struct {
	keys   []string
	values map[string]V
}

func indexBy[V any](items []V, name func(V) string) sortedIndex[V] {
	idx := sortedIndex[V]{values: make(map[string]V, len(items))}
	for _, item := range items {
		n := name(item)
		if _, seen := idx.values[n]; !seen {
			idx.keys = append(idx.keys, n)
		}
		idx.values[n] = item
	}
	sort.Strings(idx.keys)
	return idx
}

// compare runs the three-pass scan shared by entry points and named keys.
func compare[V, D any](
	older, newer sortedIndex[V],
	equal func(a, b V) bool,
	removed func(name string, v V) D,
	modified func(name string, from, to V) D,
	added func(name string, v V) D,
) []D {
	deltas := make([]D, 0)
	for _, name := range older.keys {
		from := older.values[name]
		to, ok := newer.values[name]
		switch {
		case !ok:
			deltas = append(deltas, removed(name, from))
		case !equal(from, to):
			deltas = append(deltas, modified(name, from, to))
		}
	}
	for _, name := range newer.keys {
		if _, ok := older.values[name]; !ok {
			deltas = append(deltas, added(name, newer.values[name]))
		}
	}
	return deltas
}
