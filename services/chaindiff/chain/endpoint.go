// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chain is a narrow client for the Casper node capabilities ChainDiff
// needs: state checkpoints, global state and dictionary reads, and signed
// transaction submission.
//
// # Description
//
// Endpoint is the capability surface. RPCClient implements it over the
// node's JSON-RPC API; MemoryEndpoint implements it in memory with the same
// owner-gated store_diff semantics as the deployed diff store contract.
//
// Outcomes fall into three groups: found, not found (ErrNotFound), and
// everything else (*TransportError, *RPCError, ErrUnauthorized). Callers on
// the read path collapse the last two groups into a cache miss.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Diff store contract surface.
const (
	// StoreDiffEntryPoint is the owner-gated write entry point.
	StoreDiffEntryPoint = "store_diff"

	// DiffsNamedKey names the dictionary seed inside the store contract.
	DiffsNamedKey = "diffs"

	// ArgVersionID is the store_diff argument carrying the cache key.
	ArgVersionID = "version_id"

	// ArgDiff is the store_diff argument carrying the encoded diff.
	ArgDiff = "diff"
)

var (
	// ErrNotFound is returned when the queried key or dictionary item does
	// not exist at the given checkpoint.
	ErrNotFound = errors.New("not found on chain")

	// ErrUnauthorized is returned when the initiator is not allowed to call
	// the target entry point.
	ErrUnauthorized = errors.New("unauthorized caller")
)

// TransportError wraps a failure to reach the node or decode its reply.
type TransportError struct {
	Method string
	Err    error
}

// Error implements error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("chain rpc %s: %v", e.Method, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Endpoint is the chain capability interface.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Endpoint interface {
	// StateCheckpoint returns the latest committed state root hash.
	StateCheckpoint(ctx context.Context) (Digest, error)

	// QueryState reads the value at key (and optional path) under checkpoint.
	QueryState(ctx context.Context, checkpoint Digest, key string, path ...string) (*StoredValue, error)

	// DictionaryLookup reads one item of the dictionary rooted at seed.
	// Returns ErrNotFound when the item does not exist.
	DictionaryLookup(ctx context.Context, checkpoint Digest, seed URef, itemKey string) (*CLValue, error)

	// SubmitTransaction sends a signed transaction.
	SubmitTransaction(ctx context.Context, tx *SignedTransaction) (*Receipt, error)
}

// Network tiers and their chain names.
const (
	NetworkMainnet  = "mainnet"
	NetworkTestnet  = "testnet"
	NetworkLocalnet = "localnet"
)

// ErrUnknownNetwork is returned for a network tier with no chain name.
var ErrUnknownNetwork = errors.New("unknown network")

// ChainName maps a network tier to the chain identifier used in
// transaction headers.
func ChainName(network string) (string, error) {
	switch network {
	case NetworkMainnet:
		return "casper", nil
	case NetworkTestnet:
		return "casper-test", nil
	case NetworkLocalnet:
		return "casper-net-1", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
}

// FormatTTL renders a transaction time-to-live in the node's duration syntax.
func FormatTTL(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// ParseTTL parses a duration rendered by FormatTTL, or any time.Duration
// string.
func ParseTTL(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}
