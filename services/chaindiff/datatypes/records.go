// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the data model shared by ChainDiff services.
//
// # Description
//
// Version records describe one deployed contract version as read from chain
// state. Version diffs are computed from two records and cached on chain as
// UTF-8 JSON, so the JSON field names here are a wire contract with the
// external diff store and with every other node that reads it.
//
// # Thread Safety
//
// All types are plain values. A VersionDiff is never mutated after it is
// constructed and may be shared between goroutines.
package datatypes

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Opaque JSON
// =============================================================================

// Opaque holds a compact JSON value that is compared byte for byte.
//
// # Description
//
// Contract type descriptors (argument types, return types, access rules)
// arrive as arbitrary JSON. Opaque keeps them verbatim in compact form so
// that structural equality is a byte comparison and re-encoding is stable.
// An empty Opaque encodes as JSON null and null decodes to an empty Opaque.
type Opaque []byte

// NewOpaque compacts raw JSON into an Opaque.
//
// # Description
//
// The \u0026, \u003c, \u003e, \u2028 and \u2029 escapes that encoding/json
// emits for HTML safety are folded back to the literal characters, so a
// value compares equal whichever encoder produced it.
//
// # Inputs
//
//   - raw: Any valid JSON text.
//
// # Outputs
//
//   - Opaque: Compact copy of raw, or nil for empty input and "null".
//   - error: Non-nil if raw is not valid JSON.
func NewOpaque(raw []byte) (Opaque, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	if buf.String() == "null" {
		return nil, nil
	}
	return Opaque(unescapeHTML(buf.Bytes())), nil
}

// htmlEscapes maps the four hex digits of each folded escape to its UTF-8 text.
var htmlEscapes = map[string]string{
	"0026": "&",
	"003c": "<",
	"003e": ">",
	"2028": "\u2028",
	"2029": "\u2029",
}

// unescapeHTML rewrites HTML-safety escapes in valid JSON. Other escapes,
// including an escaped backslash followed by "u0026", are copied unchanged.
func unescapeHTML(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != '\\' || i+1 >= len(data) {
			out = append(out, c)
			continue
		}
		if data[i+1] == 'u' && i+6 <= len(data) {
			if lit, ok := htmlEscapes[strings.ToLower(string(data[i+2:i+6]))]; ok {
				out = append(out, lit...)
				i += 5
				continue
			}
		}
		out = append(out, c, data[i+1])
		i++
	}
	return out
}

// MustOpaque is NewOpaque for literals in tests and fixtures. It panics on
// invalid JSON.
func MustOpaque(raw string) Opaque {
	o, err := NewOpaque([]byte(raw))
	if err != nil {
		panic(err)
	}
	return o
}

// MarshalJSON implements json.Marshaler.
func (o Opaque) MarshalJSON() ([]byte, error) {
	if len(o) == 0 {
		return []byte("null"), nil
	}
	return []byte(o), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Opaque) UnmarshalJSON(data []byte) error {
	v, err := NewOpaque(data)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Equal reports whether two values hold the same compact JSON.
func (o Opaque) Equal(other Opaque) bool {
	return bytes.Equal(o, other)
}

// String returns the JSON text, or "null" when empty.
func (o Opaque) String() string {
	if len(o) == 0 {
		return "null"
	}
	return string(o)
}

// =============================================================================
// Entry Points and Named Keys
// =============================================================================

// EntryArg is one named, typed argument of an entry point.
type EntryArg struct {
	Name   string `json:"name"`
	CLType Opaque `json:"cl_type"`
}

// EntryPoint is a callable function exposed by a deployed contract version.
//
// The JSON shape matches the node's contract representation so records can
// be decoded straight from query results.
type EntryPoint struct {
	Name           string     `json:"name"`
	Args           []EntryArg `json:"args"`
	Ret            Opaque     `json:"ret"`
	Access         Opaque     `json:"access"`
	EntryPointType string     `json:"entry_point_type"`
}

// Equal reports structural equality. Nil and empty argument lists are equal.
func (e EntryPoint) Equal(other EntryPoint) bool {
	if e.Name != other.Name || e.EntryPointType != other.EntryPointType {
		return false
	}
	if !e.Ret.Equal(other.Ret) || !e.Access.Equal(other.Access) {
		return false
	}
	if len(e.Args) != len(other.Args) {
		return false
	}
	for i := range e.Args {
		if e.Args[i].Name != other.Args[i].Name || !e.Args[i].CLType.Equal(other.Args[i].CLType) {
			return false
		}
	}
	return true
}

// NamedKey is a named reference inside a contract's storage. Key is the
// formatted key string (for example "uref-<hex>-007" or "hash-<hex>").
type NamedKey struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// =============================================================================
// Version Records
// =============================================================================

// VersionRecord is the canonical description of one deployed contract version.
//
// # Description
//
// PackageIdentity is stable across all versions of a package. VersionNumber
// increases with deployment order but may skip values. Records are read-only
// for the diff path; they are produced by the ingest tracker.
//
// # Fields
//
//   - EntryPoints: Unique by name.
//   - NamedKeys: Unique by name.
//   - Timestamp: Deployment time from the metadata API, UTC.
type VersionRecord struct {
	PackageIdentity  string       `json:"contract_package_hash"`
	VersionNumber    uint32       `json:"contract_version"`
	ProtocolMajor    uint32       `json:"protocol_major_version"`
	ProtocolVersion  string       `json:"protocol_version"`
	ContractIdentity string       `json:"contract_hash"`
	WasmHash         string       `json:"contract_wasm_hash"`
	EntryPoints      []EntryPoint `json:"entry_points"`
	NamedKeys        []NamedKey   `json:"named_keys"`
	Disabled         bool         `json:"disabled"`
	Timestamp        time.Time    `json:"age"`
}

// Package is a contract package registered for tracking.
type Package struct {
	PackageRef   string    `json:"package_hash"`
	Name         string    `json:"contract_name"`
	OwnerID      string    `json:"owner_id"`
	Network      string    `json:"network"`
	Locked       bool      `json:"lock_status"`
	RegisteredBy uuid.UUID `json:"user_id"`
	RegisteredAt time.Time `json:"age"`
}
