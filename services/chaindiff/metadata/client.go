// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metadata fetches package and contract metadata from a cspr.live
// style explorer API.
//
// The chain itself carries no deployment timestamps or package owner, so
// the ingest tracker reads them here.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chain"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 15 * time.Second

// Default explorer endpoints per network tier.
const (
	MainnetEndpoint = "https://api.cspr.live"
	TestnetEndpoint = "https://api.testnet.cspr.live"
)

var (
	// ErrNotFound is returned when the explorer has no record of the hash.
	ErrNotFound = errors.New("metadata not found")

	// ErrUnsupportedNetwork is returned for a network with no explorer.
	ErrUnsupportedNetwork = errors.New("no metadata endpoint for network")
)

// PackageMeta is the explorer's view of a contract package.
type PackageMeta struct {
	ContractPackageHash string `json:"contract_package_hash"`
	Name                string `json:"name"`
	Description         string `json:"description"`
	OwnerPublicKey      string `json:"owner_public_key"`
	OwnerHash           string `json:"owner_hash"`
	LatestContractHash  string `json:"latest_version_contract_hash"`
	Timestamp           string `json:"timestamp"`
}

// ContractMeta is the explorer's view of one contract version.
type ContractMeta struct {
	ContractHash        string    `json:"contract_hash"`
	ContractPackageHash string    `json:"contract_package_hash"`
	Timestamp           time.Time `json:"timestamp"`
	ContractVersion     uint32    `json:"contract_version"`
	IsDisabled          bool      `json:"is_disabled"`
}

type envelope[T any] struct {
	Data T `json:"data"`
}

// Config configures a Client.
type Config struct {
	// BaseURL overrides the endpoint derived from Network.
	BaseURL string

	// Network selects the default endpoint when BaseURL is empty.
	Network string

	// Includes is passed as the includes query parameter of package requests.
	Includes string

	// APIKey, when set, is sent in the Authorization header.
	APIKey string

	// Timeout per request. Zero means DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
}

// Client reads explorer metadata.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL    string
	includes   string
	apiKey     string
	httpClient *http.Client
}

// EndpointFor returns the default explorer endpoint of a network tier.
func EndpointFor(network string) (string, error) {
	switch network {
	case chain.NetworkMainnet:
		return MainnetEndpoint, nil
	case chain.NetworkTestnet:
		return TestnetEndpoint, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
}

// NewClient creates a Client.
//
// # Outputs
//
//   - *Client: The client.
//   - error: ErrUnsupportedNetwork when neither BaseURL nor a known Network is set.
func NewClient(cfg Config) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		var err error
		if base, err = EndpointFor(cfg.Network); err != nil {
			return nil, err
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		includes:   cfg.Includes,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Package returns metadata of a contract package.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - ref: The package. The explorer expects the bare hex.
//
// # Outputs
//
//   - *PackageMeta: The metadata.
//   - error: ErrNotFound on 404, or a transport or decode error.
func (c *Client) Package(ctx context.Context, ref cachekey.PackageRef) (*PackageMeta, error) {
	url := c.baseURL + "/contract-packages/" + ref.Hex()
	if c.includes != "" {
		url += "?includes=" + c.includes
	}
	var out envelope[PackageMeta]
	if err := c.get(ctx, url, &out); err != nil {
		return nil, fmt.Errorf("contract package %s: %w", ref.Hex(), err)
	}
	return &out.Data, nil
}

// Contract returns metadata of a contract version. contractHash may carry
// a "hash-" or "contract-" prefix.
func (c *Client) Contract(ctx context.Context, contractHash string) (*ContractMeta, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(contractHash, "hash-"), "contract-")
	var out envelope[ContractMeta]
	if err := c.get(ctx, c.baseURL+"/contracts/"+raw, &out); err != nil {
		return nil, fmt.Errorf("contract %s: %w", raw, err)
	}
	out.Data.Timestamp = out.Data.Timestamp.UTC()
	return &out.Data, nil
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("metadata service returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
