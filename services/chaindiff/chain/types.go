// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chain

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
)

// Digest is a hex-encoded state root hash.
type Digest string

// URef is a formatted unforgeable reference, "uref-<hex>-<access>".
type URef string

// Lock status values of a contract package.
const (
	LockStatusLocked   = "Locked"
	LockStatusUnlocked = "Unlocked"
)

// =============================================================================
// Stored Values
// =============================================================================

// StoredValue is the result of a global state query. Exactly one field is set.
type StoredValue struct {
	ContractPackage *ContractPackage `json:"ContractPackage,omitempty"`
	Contract        *Contract        `json:"Contract,omitempty"`
	CLValue         *CLValue         `json:"CLValue,omitempty"`
}

// ContractVersion is one entry of a package's version table.
type ContractVersion struct {
	ProtocolVersionMajor uint32 `json:"protocol_version_major"`
	ContractVersion      uint32 `json:"contract_version"`
	ContractHash         string `json:"contract_hash"`
}

// VersionKey identifies a contract version within a package.
type VersionKey struct {
	ProtocolVersionMajor uint32 `json:"protocol_version_major"`
	ContractVersion      uint32 `json:"contract_version"`
}

// ContractPackage is the on-chain record of a package and its versions.
type ContractPackage struct {
	AccessKey        string            `json:"access_key"`
	Versions         []ContractVersion `json:"versions"`
	DisabledVersions []VersionKey      `json:"disabled_versions"`
	LockStatus       string            `json:"lock_status"`
}

// IsDisabled reports whether a version is in the disabled set.
func (p *ContractPackage) IsDisabled(v ContractVersion) bool {
	for _, d := range p.DisabledVersions {
		if d.ProtocolVersionMajor == v.ProtocolVersionMajor && d.ContractVersion == v.ContractVersion {
			return true
		}
	}
	return false
}

// LatestEnabled returns the highest enabled version, ordered by protocol
// major then contract version.
func (p *ContractPackage) LatestEnabled() (ContractVersion, bool) {
	var (
		best  ContractVersion
		found bool
	)
	for _, v := range p.Versions {
		if p.IsDisabled(v) {
			continue
		}
		if !found || v.ProtocolVersionMajor > best.ProtocolVersionMajor ||
			(v.ProtocolVersionMajor == best.ProtocolVersionMajor && v.ContractVersion > best.ContractVersion) {
			best, found = v, true
		}
	}
	return best, found
}

// Locked reports whether the package no longer accepts new versions.
func (p *ContractPackage) Locked() bool {
	return p.LockStatus == LockStatusLocked
}

// Contract is one deployed contract version.
type Contract struct {
	ContractPackageHash string                 `json:"contract_package_hash"`
	ContractWasmHash    string                 `json:"contract_wasm_hash"`
	NamedKeys           []datatypes.NamedKey   `json:"named_keys"`
	EntryPoints         []datatypes.EntryPoint `json:"entry_points"`
	ProtocolVersion     string                 `json:"protocol_version"`
}

// NamedKey returns the key stored under name.
func (c *Contract) NamedKey(name string) (string, bool) {
	for _, nk := range c.NamedKeys {
		if nk.Name == name {
			return nk.Key, true
		}
	}
	return "", false
}

// =============================================================================
// CL Values
// =============================================================================

// ErrNotString is returned when a CLValue does not hold a String.
var ErrNotString = errors.New("cl value is not a string")

// CLValue is a typed value as returned by the node.
//
// Bytes is the hex of the serialized value. Parsed is the node's JSON
// rendering and may be absent.
type CLValue struct {
	CLType datatypes.Opaque `json:"cl_type"`
	Bytes  string           `json:"bytes"`
	Parsed json.RawMessage  `json:"parsed,omitempty"`
}

var clTypeString = datatypes.MustOpaque(`"String"`)

// NewStringCLValue builds a String CLValue with both encodings populated.
func NewStringCLValue(s string) *CLValue {
	buf := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(buf, uint32(len(s)))
	copy(buf[4:], s)
	parsed, _ := json.Marshal(s)
	return &CLValue{
		CLType: clTypeString,
		Bytes:  hex.EncodeToString(buf),
		Parsed: parsed,
	}
}

// StringValue returns the value of a String CLValue.
//
// # Description
//
// Prefers the parsed rendering. Falls back to the serialized bytes, a
// little-endian u32 length followed by UTF-8 data.
func (v *CLValue) StringValue() (string, error) {
	if !v.CLType.Equal(clTypeString) {
		return "", fmt.Errorf("%w: cl_type %s", ErrNotString, v.CLType)
	}
	if len(v.Parsed) > 0 {
		var s string
		if err := json.Unmarshal(v.Parsed, &s); err == nil {
			return s, nil
		}
	}
	raw, err := hex.DecodeString(v.Bytes)
	if err != nil {
		return "", fmt.Errorf("decode cl value bytes: %w", err)
	}
	if len(raw) < 4 {
		return "", fmt.Errorf("decode cl value bytes: %d bytes is too short", len(raw))
	}
	n := binary.LittleEndian.Uint32(raw)
	if uint64(n) != uint64(len(raw)-4) {
		return "", fmt.Errorf("decode cl value bytes: length prefix %d, have %d", n, len(raw)-4)
	}
	s := raw[4:]
	if !utf8.Valid(s) {
		return "", errors.New("decode cl value bytes: invalid utf-8")
	}
	return string(s), nil
}

// =============================================================================
// Transactions
// =============================================================================

// Arg is a named transaction argument. Only string arguments are used.
type Arg struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// StringArg builds a string argument.
func StringArg(name, value string) Arg {
	return Arg{Name: name, Type: "String", Value: value}
}

// Call targets a stored contract package entry point.
type Call struct {
	PackageHash string `json:"package_hash"`
	EntryPoint  string `json:"entry_point"`
	Args        []Arg  `json:"args"`
}

// Arg returns the value of the named argument.
func (c Call) Arg(name string) (string, bool) {
	for _, a := range c.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// TransactionHeader carries the chain-specific envelope of a call.
type TransactionHeader struct {
	ChainName     string `json:"chain_name"`
	Timestamp     string `json:"timestamp"`
	TTL           string `json:"ttl"`
	Initiator     string `json:"initiator_addr"`
	PaymentAmount uint64 `json:"payment_amount"`
	BodyHash      string `json:"body_hash"`
}

// Approval is a signature over a transaction hash.
type Approval struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

// SignedTransaction is a call ready for submission.
type SignedTransaction struct {
	Hash      string            `json:"hash"`
	Header    TransactionHeader `json:"header"`
	Body      Call              `json:"body"`
	Approvals []Approval        `json:"approvals"`
}

// Receipt acknowledges an accepted transaction.
type Receipt struct {
	TransactionHash string `json:"transaction_hash"`
}
