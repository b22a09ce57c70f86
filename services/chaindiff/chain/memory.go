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
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
)

// CallCounts reports how many times each Endpoint method was invoked.
type CallCounts struct {
	Checkpoint int
	Query      int
	Dictionary int
	Submit     int
}

// diffStore is one installed diff store contract.
type diffStore struct {
	owner string
	seed  URef
}

// MemoryEndpoint is an in-memory Endpoint.
//
// # Description
//
// Holds global state entries keyed by formatted key, dictionaries keyed by
// seed, and any number of installed diff store contracts. Submitting a
// store_diff transaction to an installed store verifies the signature,
// checks the chain name, rejects initiators other than the owner with
// ErrUnauthorized, and upserts the dictionary item. Each accepted write
// advances the state root.
//
// Failure hooks make a method return a fixed error, for exercising the
// miss path of callers.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryEndpoint struct {
	mu           sync.RWMutex
	chainName    string
	height       uint64
	state        map[string]*StoredValue
	dictionaries map[URef]map[string]string
	stores       map[string]diffStore
	submitted    []*SignedTransaction
	counts       CallCounts

	failCheckpoint error
	failQuery      error
	failDictionary error
	failSubmit     error
}

// NewMemoryEndpoint creates an empty endpoint for chainName.
func NewMemoryEndpoint(chainName string) *MemoryEndpoint {
	return &MemoryEndpoint{
		chainName:    chainName,
		state:        make(map[string]*StoredValue),
		dictionaries: make(map[URef]map[string]string),
		stores:       make(map[string]diffStore),
	}
}

// =============================================================================
// Setup
// =============================================================================

// PutPackage stores a contract package under "hash-<hex>".
func (m *MemoryEndpoint) PutPackage(hashKey string, pkg ContractPackage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[hashKey] = &StoredValue{ContractPackage: &pkg}
	m.height++
}

// PutContract stores a contract under its formatted hash. Both the
// "contract-<hex>" and "hash-<hex>" forms resolve to it.
func (m *MemoryEndpoint) PutContract(contractHash string, c Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := &StoredValue{Contract: &c}
	m.state[contractHash] = v
	m.state[asHashKey(contractHash)] = v
	m.height++
}

// InstallDiffStore deploys a diff store contract.
//
// # Inputs
//
//   - packageHex: Bare hex of the store's package hash.
//   - owner: Tagged public key hex of the only allowed writer.
//
// # Outputs
//
//   - URef: The seed of the store's "diffs" dictionary.
func (m *MemoryEndpoint) InstallDiffStore(packageHex, owner string) URef {
	seed := URef(fmt.Sprintf("uref-%s-007", derivedHex("diffs", packageHex)))
	contractHash := "contract-" + derivedHex("contract", packageHex)

	m.PutContract(contractHash, Contract{
		ContractPackageHash: "contract-package-" + packageHex,
		ContractWasmHash:    "contract-wasm-" + derivedHex("wasm", packageHex),
		NamedKeys:           []datatypes.NamedKey{{Name: DiffsNamedKey, Key: string(seed)}},
		ProtocolVersion:     "2.0.0",
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state["hash-"+packageHex] = &StoredValue{ContractPackage: &ContractPackage{
		AccessKey:  fmt.Sprintf("uref-%s-007", derivedHex("access", packageHex)),
		Versions:   []ContractVersion{{ProtocolVersionMajor: 2, ContractVersion: 1, ContractHash: contractHash}},
		LockStatus: LockStatusUnlocked,
	}}
	m.dictionaries[seed] = make(map[string]string)
	m.stores["hash-"+packageHex] = diffStore{owner: owner, seed: seed}
	return seed
}

// PutDictionaryItem writes a string item directly, bypassing the owner gate.
func (m *MemoryEndpoint) PutDictionaryItem(seed URef, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dictionaries[seed] == nil {
		m.dictionaries[seed] = make(map[string]string)
	}
	m.dictionaries[seed][key] = value
	m.height++
}

// DictionaryItem returns a stored item without counting a call.
func (m *MemoryEndpoint) DictionaryItem(seed URef, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.dictionaries[seed][key]
	return v, ok
}

// DictionarySize returns the number of items under seed.
func (m *MemoryEndpoint) DictionarySize(seed URef) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dictionaries[seed])
}

// FailCheckpoint makes StateCheckpoint return err. Nil clears the hook.
func (m *MemoryEndpoint) FailCheckpoint(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCheckpoint = err
}

// FailQuery makes QueryState return err. Nil clears the hook.
func (m *MemoryEndpoint) FailQuery(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failQuery = err
}

// FailDictionary makes DictionaryLookup return err. Nil clears the hook.
func (m *MemoryEndpoint) FailDictionary(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDictionary = err
}

// FailSubmit makes SubmitTransaction return err. Nil clears the hook.
func (m *MemoryEndpoint) FailSubmit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubmit = err
}

// Counts returns a snapshot of the call counters.
func (m *MemoryEndpoint) Counts() CallCounts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts
}

// Submitted returns the accepted transactions in submission order.
func (m *MemoryEndpoint) Submitted() []*SignedTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SignedTransaction, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// =============================================================================
// Endpoint
// =============================================================================

// StateCheckpoint implements Endpoint.
func (m *MemoryEndpoint) StateCheckpoint(ctx context.Context) (Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.Checkpoint++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.failCheckpoint != nil {
		return "", m.failCheckpoint
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], m.height)
	sum := blake2b.Sum256(buf[:])
	return Digest(hex.EncodeToString(sum[:])), nil
}

// QueryState implements Endpoint. Paths are not supported.
func (m *MemoryEndpoint) QueryState(ctx context.Context, checkpoint Digest, key string, path ...string) (*StoredValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.Query++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.failQuery != nil {
		return nil, m.failQuery
	}
	if checkpoint == "" {
		return nil, &TransportError{Method: methodQueryState, Err: fmt.Errorf("empty state root hash")}
	}
	if len(path) > 0 {
		return nil, &TransportError{Method: methodQueryState, Err: fmt.Errorf("paths are not supported")}
	}
	v, ok := m.state[key]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", methodQueryState, key, ErrNotFound)
	}
	return v, nil
}

// DictionaryLookup implements Endpoint.
func (m *MemoryEndpoint) DictionaryLookup(ctx context.Context, checkpoint Digest, seed URef, itemKey string) (*CLValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.Dictionary++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.failDictionary != nil {
		return nil, m.failDictionary
	}
	if checkpoint == "" {
		return nil, &TransportError{Method: methodDictionaryItem, Err: fmt.Errorf("empty state root hash")}
	}
	v, ok := m.dictionaries[seed][itemKey]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", methodDictionaryItem, itemKey, ErrNotFound)
	}
	return NewStringCLValue(v), nil
}

// SubmitTransaction implements Endpoint.
func (m *MemoryEndpoint) SubmitTransaction(ctx context.Context, tx *SignedTransaction) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.Submit++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.failSubmit != nil {
		return nil, m.failSubmit
	}
	if err := VerifyTransaction(tx); err != nil {
		return nil, err
	}
	if tx.Header.ChainName != m.chainName {
		return nil, fmt.Errorf("chain name %q does not match %q", tx.Header.ChainName, m.chainName)
	}

	store, ok := m.stores[tx.Body.PackageHash]
	if !ok {
		return nil, fmt.Errorf("package %s: %w", tx.Body.PackageHash, ErrNotFound)
	}
	if tx.Body.EntryPoint != StoreDiffEntryPoint {
		return nil, fmt.Errorf("entry point %q: %w", tx.Body.EntryPoint, ErrNotFound)
	}
	if tx.Header.Initiator != store.owner {
		return nil, fmt.Errorf("store_diff by %s: %w", tx.Header.Initiator, ErrUnauthorized)
	}
	key, ok := tx.Body.Arg(ArgVersionID)
	if !ok {
		return nil, fmt.Errorf("store_diff: missing %s argument", ArgVersionID)
	}
	value, ok := tx.Body.Arg(ArgDiff)
	if !ok {
		return nil, fmt.Errorf("store_diff: missing %s argument", ArgDiff)
	}

	m.dictionaries[store.seed][key] = value
	m.height++
	m.submitted = append(m.submitted, tx)
	return &Receipt{TransactionHash: tx.Hash}, nil
}

func derivedHex(label, seed string) string {
	sum := blake2b.Sum256([]byte(label + ":" + seed))
	return hex.EncodeToString(sum[:])
}

func asHashKey(formatted string) string {
	for _, prefix := range []string{"contract-package-", "contract-wasm-", "contract-"} {
		if len(formatted) > len(prefix) && formatted[:len(prefix)] == prefix {
			return "hash-" + formatted[len(prefix):]
		}
	}
	return formatted
}
