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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/ChainDiff/pkg/logging"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultRPCTimeout bounds one JSON-RPC round trip.
	DefaultRPCTimeout = 10 * time.Second

	// DefaultRateLimit is the default sustained request rate per second.
	DefaultRateLimit = 20

	// DefaultBurst is the default request burst.
	DefaultBurst = 10

	// maxResponseBytes caps how much of a node reply is read.
	maxResponseBytes = 8 << 20
)

const (
	methodStateRootHash  = "chain_get_state_root_hash"
	methodQueryState     = "query_global_state"
	methodDictionaryItem = "state_get_dictionary_item"
	methodPutTransaction = "account_put_transaction"
)

// JSON-RPC error codes the node uses for absent values.
var notFoundCodes = map[int]bool{
	-32003: true, // query failed: value not found
	-32006: true, // dictionary item not found
	-32013: true, // no such state root
}

// JSON-RPC error codes for rejected approvals.
var unauthorizedCodes = map[int]bool{
	-32016: true, // invalid transaction approvals
}

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements error.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// =============================================================================
// Client
// =============================================================================

// RPCConfig configures an RPCClient.
type RPCConfig struct {
	// NodeAddress is the node's base URL. "/rpc" is appended if missing.
	NodeAddress string

	// Timeout bounds each call. Zero means DefaultRPCTimeout.
	Timeout time.Duration

	// RateLimit is requests per second. Zero means DefaultRateLimit.
	RateLimit float64

	// Burst is the limiter burst. Zero means DefaultBurst.
	Burst int

	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client

	// Logger receives debug logs of each call.
	Logger *slog.Logger
}

// RPCClient implements Endpoint over the node's JSON-RPC API.
//
// # Description
//
// The read methods follow the Casper node RPC. SubmitTransaction sends the
// JSON transaction envelope built by Signer, hashed over its JSON encoding
// rather than Casper's bytesrepr serialization. A stock Casper node rejects
// it; writes need a gateway that accepts this envelope and forwards it.
//
// Without RPCConfig.HTTPClient, requests go through an otelhttp transport.
//
// # Thread Safety
//
// Safe for concurrent use.
type RPCClient struct {
	url     string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRPCClient creates a client for the node at cfg.NodeAddress.
func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	addr := strings.TrimRight(strings.TrimSpace(cfg.NodeAddress), "/")
	if addr == "" {
		return nil, errors.New("chain rpc: node address is required")
	}
	if !strings.HasSuffix(addr, "/rpc") {
		addr += "/rpc"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRPCTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &RPCClient{
		url:     addr,
		timeout: cfg.Timeout,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logging.OrDefault(cfg.Logger),
	}, nil
}

// URL returns the JSON-RPC endpoint URL.
func (c *RPCClient) URL() string {
	return c.url
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// call performs one JSON-RPC request and decodes the result into out.
func (c *RPCClient) call(ctx context.Context, method string, params, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransportError{Method: method, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id := uuid.NewString()
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	c.logger.Debug("chain rpc call",
		"method", method,
		"request_id", id,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if resp.StatusCode != http.StatusOK {
		return &TransportError{Method: method, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	var decoded rpcResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return &TransportError{Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.Error != nil {
		switch {
		case notFoundCodes[decoded.Error.Code]:
			return fmt.Errorf("%s: %w: %s", method, ErrNotFound, decoded.Error.Message)
		case unauthorizedCodes[decoded.Error.Code]:
			return fmt.Errorf("%s: %w: %s", method, ErrUnauthorized, decoded.Error.Message)
		default:
			return fmt.Errorf("%s: %w", method, decoded.Error)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return &TransportError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// StateCheckpoint implements Endpoint.
func (c *RPCClient) StateCheckpoint(ctx context.Context) (Digest, error) {
	var result struct {
		StateRootHash *string `json:"state_root_hash"`
	}
	if err := c.call(ctx, methodStateRootHash, nil, &result); err != nil {
		return "", err
	}
	if result.StateRootHash == nil || len(*result.StateRootHash) != 64 {
		return "", &TransportError{Method: methodStateRootHash, Err: errors.New("missing or malformed state root hash")}
	}
	return Digest(strings.ToLower(*result.StateRootHash)), nil
}

// QueryState implements Endpoint.
func (c *RPCClient) QueryState(ctx context.Context, checkpoint Digest, key string, path ...string) (*StoredValue, error) {
	if path == nil {
		path = []string{}
	}
	params := map[string]any{
		"state_identifier": map[string]string{"StateRootHash": string(checkpoint)},
		"key":              key,
		"path":             path,
	}
	var result struct {
		StoredValue *StoredValue `json:"stored_value"`
	}
	if err := c.call(ctx, methodQueryState, params, &result); err != nil {
		return nil, err
	}
	if result.StoredValue == nil {
		return nil, fmt.Errorf("%s %s: %w", methodQueryState, key, ErrNotFound)
	}
	return result.StoredValue, nil
}

// DictionaryLookup implements Endpoint.
func (c *RPCClient) DictionaryLookup(ctx context.Context, checkpoint Digest, seed URef, itemKey string) (*CLValue, error) {
	params := map[string]any{
		"state_root_hash": string(checkpoint),
		"dictionary_identifier": map[string]any{
			"URef": map[string]string{
				"seed_uref":           string(seed),
				"dictionary_item_key": itemKey,
			},
		},
	}
	var result struct {
		StoredValue *StoredValue `json:"stored_value"`
	}
	if err := c.call(ctx, methodDictionaryItem, params, &result); err != nil {
		return nil, err
	}
	if result.StoredValue == nil || result.StoredValue.CLValue == nil {
		return nil, fmt.Errorf("%s %s: %w", methodDictionaryItem, itemKey, ErrNotFound)
	}
	return result.StoredValue.CLValue, nil
}

// SubmitTransaction implements Endpoint. The node address must accept the
// JSON envelope produced by Signer, see RPCClient.
func (c *RPCClient) SubmitTransaction(ctx context.Context, tx *SignedTransaction) (*Receipt, error) {
	var result struct {
		TransactionHash json.RawMessage `json:"transaction_hash"`
	}
	if err := c.call(ctx, methodPutTransaction, map[string]any{"transaction": tx}, &result); err != nil {
		return nil, err
	}
	hash, err := decodeTransactionHash(result.TransactionHash)
	if err != nil {
		return nil, &TransportError{Method: methodPutTransaction, Err: err}
	}
	return &Receipt{TransactionHash: hash}, nil
}

// decodeTransactionHash accepts either a bare hash or a {"Version1": hash}
// object.
func decodeTransactionHash(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("missing transaction hash")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var tagged map[string]string
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return "", fmt.Errorf("decode transaction hash: %w", err)
	}
	for _, v := range tagged {
		return v, nil
	}
	return "", errors.New("empty transaction hash")
}
