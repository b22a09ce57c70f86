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
	"errors"
	"fmt"
	"time"
)

// DeltaKind tags the variant of an entry point or named key delta.
type DeltaKind string

const (
	// DeltaAdded marks an item present only in the newer version.
	DeltaAdded DeltaKind = "Added"

	// DeltaRemoved marks an item present only in the older version.
	DeltaRemoved DeltaKind = "Removed"

	// DeltaModified marks an item present in both versions with different content.
	DeltaModified DeltaKind = "Modified"
)

// ErrUnknownDelta is returned when a cached payload carries an unknown variant tag.
var ErrUnknownDelta = errors.New("unknown delta variant")

// VersionDiffMeta is a snapshot of one side of a diff.
type VersionDiffMeta struct {
	ContractIdentity string    `json:"contract_hash"`
	Timestamp        time.Time `json:"timestamp"`
	VersionNumber    uint32    `json:"contract_version"`
	Disabled         bool      `json:"is_disabled"`
	WasmHash         string    `json:"wasm_hash"`
}

// MetaOf snapshots the diff-relevant fields of a record.
func MetaOf(r *VersionRecord) VersionDiffMeta {
	return VersionDiffMeta{
		ContractIdentity: r.ContractIdentity,
		Timestamp:        r.Timestamp.UTC(),
		VersionNumber:    r.VersionNumber,
		Disabled:         r.Disabled,
		WasmHash:         r.WasmHash,
	}
}

// VersionDiff is the structured difference between two versions of a package.
//
// # Description
//
// Older and Newer are encoded as "v1" and "v2" to match payloads already
// stored on chain. Delta slices are never nil on computed diffs so that the
// encoded form is always a JSON array.
type VersionDiff struct {
	Older           VersionDiffMeta   `json:"v1"`
	Newer           VersionDiffMeta   `json:"v2"`
	PackageIdentity string            `json:"contract_package_hash"`
	EntryPoints     []EntryPointDelta `json:"entry_points"`
	NamedKeys       []NamedKeyDelta   `json:"named_keys"`
}

// Empty reports whether the two versions have no entry point or named key changes.
func (d *VersionDiff) Empty() bool {
	return len(d.EntryPoints) == 0 && len(d.NamedKeys) == 0
}

// =============================================================================
// Entry Point Deltas
// =============================================================================

// EntryPointDelta is a tagged variant over Added, Removed, and Modified.
//
// Added and Removed carry EntryPoint. Modified carries From and To.
// On the wire each delta is an object with a single key naming the variant:
//
//	{"Added": {...}}
//	{"Removed": {...}}
//	{"Modified": {"from": {...}, "to": {...}}}
type EntryPointDelta struct {
	Kind       DeltaKind
	EntryPoint EntryPoint
	From       EntryPoint
	To         EntryPoint
}

// AddedEntryPoint builds an Added delta.
func AddedEntryPoint(ep EntryPoint) EntryPointDelta {
	return EntryPointDelta{Kind: DeltaAdded, EntryPoint: ep}
}

// RemovedEntryPoint builds a Removed delta.
func RemovedEntryPoint(ep EntryPoint) EntryPointDelta {
	return EntryPointDelta{Kind: DeltaRemoved, EntryPoint: ep}
}

// ModifiedEntryPoint builds a Modified delta.
func ModifiedEntryPoint(from, to EntryPoint) EntryPointDelta {
	return EntryPointDelta{Kind: DeltaModified, From: from, To: to}
}

// Name returns the entry point name the delta refers to.
func (d EntryPointDelta) Name() string {
	if d.Kind == DeltaModified {
		return d.To.Name
	}
	return d.EntryPoint.Name
}

type entryPointChange struct {
	From EntryPoint `json:"from"`
	To   EntryPoint `json:"to"`
}

// MarshalJSON implements json.Marshaler.
func (d EntryPointDelta) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case DeltaAdded, DeltaRemoved:
		return json.Marshal(map[DeltaKind]EntryPoint{d.Kind: d.EntryPoint})
	case DeltaModified:
		return json.Marshal(map[DeltaKind]entryPointChange{d.Kind: {From: d.From, To: d.To}})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDelta, d.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *EntryPointDelta) UnmarshalJSON(data []byte) error {
	kind, body, err := splitVariant(data)
	if err != nil {
		return err
	}
	switch kind {
	case DeltaAdded, DeltaRemoved:
		var ep EntryPoint
		if err := json.Unmarshal(body, &ep); err != nil {
			return err
		}
		*d = EntryPointDelta{Kind: kind, EntryPoint: ep}
	case DeltaModified:
		var change entryPointChange
		if err := json.Unmarshal(body, &change); err != nil {
			return err
		}
		*d = ModifiedEntryPoint(change.From, change.To)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDelta, kind)
	}
	return nil
}

// =============================================================================
// Named Key Deltas
// =============================================================================

// NamedKeyDelta is a tagged variant over Added, Removed, and Modified.
//
// Added and Removed carry Value. Modified carries From and To.
//
//	{"Added": {"key": "k", "value": "uref-..."}}
//	{"Modified": {"key": "k", "from": "uref-...", "to": "uref-..."}}
type NamedKeyDelta struct {
	Kind  DeltaKind
	Key   string
	Value string
	From  string
	To    string
}

// AddedNamedKey builds an Added delta.
func AddedNamedKey(key, value string) NamedKeyDelta {
	return NamedKeyDelta{Kind: DeltaAdded, Key: key, Value: value}
}

// RemovedNamedKey builds a Removed delta.
func RemovedNamedKey(key, value string) NamedKeyDelta {
	return NamedKeyDelta{Kind: DeltaRemoved, Key: key, Value: value}
}

// ModifiedNamedKey builds a Modified delta.
func ModifiedNamedKey(key, from, to string) NamedKeyDelta {
	return NamedKeyDelta{Kind: DeltaModified, Key: key, From: from, To: to}
}

type namedKeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type namedKeyChange struct {
	Key  string `json:"key"`
	From string `json:"from"`
	To   string `json:"to"`
}

// MarshalJSON implements json.Marshaler.
func (d NamedKeyDelta) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case DeltaAdded, DeltaRemoved:
		return json.Marshal(map[DeltaKind]namedKeyValue{d.Kind: {Key: d.Key, Value: d.Value}})
	case DeltaModified:
		return json.Marshal(map[DeltaKind]namedKeyChange{d.Kind: {Key: d.Key, From: d.From, To: d.To}})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDelta, d.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *NamedKeyDelta) UnmarshalJSON(data []byte) error {
	kind, body, err := splitVariant(data)
	if err != nil {
		return err
	}
	switch kind {
	case DeltaAdded, DeltaRemoved:
		var v namedKeyValue
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		*d = NamedKeyDelta{Kind: kind, Key: v.Key, Value: v.Value}
	case DeltaModified:
		var v namedKeyChange
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		*d = ModifiedNamedKey(v.Key, v.From, v.To)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDelta, kind)
	}
	return nil
}

// splitVariant decodes a single-key object into its tag and body.
func splitVariant(data []byte) (DeltaKind, json.RawMessage, error) {
	var wrapper map[DeltaKind]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return "", nil, err
	}
	if len(wrapper) != 1 {
		return "", nil, fmt.Errorf("%w: expected one variant, got %d", ErrUnknownDelta, len(wrapper))
	}
	for kind, body := range wrapper {
		return kind, body, nil
	}
	return "", nil, ErrUnknownDelta
}
