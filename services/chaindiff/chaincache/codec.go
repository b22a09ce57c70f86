// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chaincache reads and writes computed version diffs in the on-chain
// diff store.
//
// # Description
//
// The store is a deployed contract holding a dictionary named by its "diffs"
// named key. Items are keyed by cachekey.CacheKey and hold the diff as a
// UTF-8 JSON string. Reader looks items up and treats every failure as a
// miss. Writer submits store_diff transactions. Persister runs writes in the
// background, detached from the request that produced the diff.
package chaincache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
)

// MaxPayloadBytes is the largest encoded diff the store accepts.
const MaxPayloadBytes = 32000

var (
	// ErrEmptyPayload is returned by Decode for an empty string. Readers
	// treat it as absent.
	ErrEmptyPayload = errors.New("empty diff payload")

	// ErrPayloadTooLarge is matched by every PayloadTooLargeError.
	ErrPayloadTooLarge = errors.New("diff payload too large")
)

// PayloadTooLargeError reports an encoded diff over MaxPayloadBytes.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

// Error implements error.
func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("diff payload is %d bytes, limit is %d", e.Size, e.Limit)
}

// Is makes errors.Is(err, ErrPayloadTooLarge) true.
func (e *PayloadTooLargeError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}

// Encode renders diff as the stored JSON string. HTML characters are
// written literally. It does not enforce the size limit; Writer does.
func Encode(diff *datatypes.VersionDiff) (string, error) {
	if diff == nil {
		return "", errors.New("encode diff: nil diff")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(diff); err != nil {
		return "", fmt.Errorf("encode diff: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Decode parses a stored JSON string.
//
// # Outputs
//
//   - *datatypes.VersionDiff: The decoded diff.
//   - error: ErrEmptyPayload for "", or a decode error.
func Decode(payload string) (*datatypes.VersionDiff, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	var diff datatypes.VersionDiff
	if err := json.Unmarshal([]byte(payload), &diff); err != nil {
		return nil, fmt.Errorf("decode diff: %w", err)
	}
	if diff.EntryPoints == nil {
		diff.EntryPoints = []datatypes.EntryPointDelta{}
	}
	if diff.NamedKeys == nil {
		diff.NamedKeys = []datatypes.NamedKeyDelta{}
	}
	return &diff, nil
}
