// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
)

// RegisterPackage handles POST /v1/packages.
func RegisterPackage(svc PackageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RegisterPackageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body", Detail: err.Error()})
			return
		}
		slog.Info("Received request to register a package", "package_ref", req.PackageHash, "package_name", req.PackageName)

		pkg, err := svc.Register(c.Request.Context(), req)
		if err != nil {
			abortWithError(c, "failed to register package", err)
			return
		}
		c.JSON(http.StatusCreated, pkg)
	}
}

// ListPackages handles GET /v1/packages.
func ListPackages(store RecordReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		pkgs, err := store.ListPackages(c.Request.Context())
		if err != nil {
			abortWithError(c, "failed to list packages", err)
			return
		}
		if pkgs == nil {
			pkgs = []*datatypes.Package{}
		}
		c.JSON(http.StatusOK, gin.H{"packages": pkgs, "count": len(pkgs)})
	}
}

// ListVersions handles GET /v1/packages/:packageRef/versions.
//
// An unknown package with no stored versions is 404. A package synced
// without registration still lists its versions.
func ListVersions(store RecordReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, ok := packageRefParam(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()

		versions, err := store.ListVersions(ctx, ref)
		if err != nil {
			abortWithError(c, "failed to list versions", err)
			return
		}
		if len(versions) == 0 {
			if _, err := store.GetPackage(ctx, ref); err != nil {
				abortWithError(c, "package not found", err)
				return
			}
			versions = []*datatypes.VersionRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"package_hash": ref.String(), "versions": versions, "count": len(versions)})
	}
}

// SyncPackage handles POST /v1/packages/:packageRef/sync.
//
// The chain cache is warmed after the sync unless ?warm=false. A warm
// failure is reported in the body; the sync itself already succeeded.
func SyncPackage(svc PackageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, ok := packageRefParam(c)
		if !ok {
			return
		}
		warm := true
		if raw := c.Query("warm"); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid warm parameter", Detail: err.Error()})
				return
			}
			warm = parsed
		}
		ctx := c.Request.Context()
		slog.Info("Received request to sync a package", "package_ref", ref.String(), "warm", warm)

		synced, err := svc.Sync(ctx, ref)
		if err != nil {
			abortWithError(c, "failed to sync package", err)
			return
		}
		body := gin.H{"sync": synced}
		if warm {
			warmed, err := svc.Warm(ctx, ref)
			if err != nil {
				slog.Warn("Chain cache warm failed", "package_ref", ref.String(), "error", err)
				body["warm_error"] = err.Error()
			}
			if warmed != nil {
				body["warm"] = warmed
			}
		}
		c.JSON(http.StatusOK, body)
	}
}
