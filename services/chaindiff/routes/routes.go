// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/handlers"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/telemetry"
)

// Dependencies are the services behind the HTTP API. Analyzer may be nil.
type Dependencies struct {
	Packages handlers.PackageService
	Records  handlers.RecordReader
	Resolver handlers.DiffResolver
	Analyzer handlers.Analyzer
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		packages := v1.Group("/packages")
		{
			packages.POST("", handlers.RegisterPackage(deps.Packages))
			packages.GET("", handlers.ListPackages(deps.Records))
			packages.GET("/:packageRef/versions", handlers.ListVersions(deps.Records))
			packages.POST("/:packageRef/sync", handlers.SyncPackage(deps.Packages))
			packages.GET("/:packageRef/diff", handlers.GetDiff(deps.Resolver))
			packages.POST("/:packageRef/diff/analyze", handlers.AnalyzeDiff(deps.Resolver, deps.Analyzer))
		}
	}
}
