// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package records persists version records and registered packages.
//
// # Description
//
// The record store is keyed by canonical package reference. Version records
// are unique per (package, version); PutVersions inserts records whose key is
// absent and leaves existing ones untouched, so replaying a sync is safe.
package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("record not found")

// NotFoundError reports a missing package or version.
type NotFoundError struct {
	PackageRef string
	// Version is zero when the package itself is missing.
	Version uint32
}

// Error implements error.
func (e *NotFoundError) Error() string {
	if e.Version == 0 {
		return fmt.Sprintf("package %s not found", e.PackageRef)
	}
	return fmt.Sprintf("version %d of %s not found", e.Version, e.PackageRef)
}

// Is makes errors.Is(err, ErrNotFound) true.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Store is the record store consumed by the resolver and written by ingest.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use and serialize concurrent
// writes to the same key.
type Store interface {
	// GetVersion returns one version record, or a *NotFoundError.
	GetVersion(ctx context.Context, ref cachekey.PackageRef, version uint32) (*datatypes.VersionRecord, error)

	// ListVersions returns all records of a package in version order.
	ListVersions(ctx context.Context, ref cachekey.PackageRef) ([]*datatypes.VersionRecord, error)

	// PutVersions inserts records that are not stored yet and returns how
	// many were inserted.
	PutVersions(ctx context.Context, records []*datatypes.VersionRecord) (int, error)

	// PutPackage creates or replaces a package registration.
	PutPackage(ctx context.Context, pkg *datatypes.Package) error

	// GetPackage returns a package registration, or a *NotFoundError.
	GetPackage(ctx context.Context, ref cachekey.PackageRef) (*datatypes.Package, error)

	// ListPackages returns all registrations ordered by package reference.
	ListPackages(ctx context.Context) ([]*datatypes.Package, error)

	// Close releases the store.
	Close() error
}
