// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the ChainDiff HTTP API on gin.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/chain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/diff"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/explain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/ingest"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/records"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/resolver"
)

// PackageService registers and syncs packages. *ingest.Tracker implements it.
type PackageService interface {
	Register(ctx context.Context, req datatypes.RegisterPackageRequest) (*datatypes.Package, error)
	Sync(ctx context.Context, ref cachekey.PackageRef) (*ingest.SyncResult, error)
	Warm(ctx context.Context, ref cachekey.PackageRef) (*ingest.WarmResult, error)
}

// RecordReader reads registrations and version records. records.Store
// implements it.
type RecordReader interface {
	GetPackage(ctx context.Context, ref cachekey.PackageRef) (*datatypes.Package, error)
	ListPackages(ctx context.Context) ([]*datatypes.Package, error)
	ListVersions(ctx context.Context, ref cachekey.PackageRef) ([]*datatypes.VersionRecord, error)
}

// DiffResolver resolves version diffs. *resolver.Resolver implements it.
type DiffResolver interface {
	ResolveRef(ctx context.Context, ref cachekey.PackageRef, older, newer uint32) (*resolver.Resolution, error)
}

// Analyzer explains diffs. *explain.Explainer implements it.
type Analyzer interface {
	Explain(ctx context.Context, diff *datatypes.VersionDiff) (*explain.Analysis, error)
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// =============================================================================
// Error mapping
// =============================================================================

// StatusFor maps an error to its HTTP status.
//
// # Description
//
// Request validation and malformed input are 400, missing packages or
// versions are 404, an expired request context is 504, and everything else,
// including record store failures, is 500.
func StatusFor(err error) int {
	var validationErrs validator.ValidationErrors
	var diffErr *diff.ValidationError
	switch {
	case errors.As(err, &validationErrs),
		errors.As(err, &diffErr),
		errors.Is(err, cachekey.ErrInvalidPackageRef):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrRecordNotFound),
		errors.Is(err, records.ErrNotFound),
		errors.Is(err, ingest.ErrNotPackage),
		errors.Is(err, chain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, msg string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, "path", c.FullPath(), "status", status, "error", err)
	} else {
		slog.Debug(msg, "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, datatypes.ErrorResponse{Error: msg, Detail: err.Error()})
}

func packageRefParam(c *gin.Context) (cachekey.PackageRef, bool) {
	ref, err := cachekey.ParsePackageRef(c.Param("packageRef"))
	if err != nil {
		abortWithError(c, "invalid package reference", err)
		return cachekey.PackageRef{}, false
	}
	return ref, true
}
