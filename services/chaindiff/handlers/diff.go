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
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opencontainers/go-digest"

	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/explain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/resolver"
)

const (
	// HeaderDiffSource carries resolver.Source of a served diff.
	HeaderDiffSource = "X-Diff-Source"

	// HeaderCacheKey carries the chain cache key of a served diff.
	HeaderCacheKey = "X-Cache-Key"
)

// AnalysisResponse is the body of POST .../diff/analyze.
type AnalysisResponse struct {
	Source   resolver.Source        `json:"source"`
	Diff     *datatypes.VersionDiff `json:"diff"`
	Analysis *explain.Analysis      `json:"analysis"`
}

// GetDiff handles GET /v1/packages/:packageRef/diff?older=&newer=.
//
// # Description
//
// Resolves the diff, serves it with a strong ETag over the JSON body and
// answers a matching If-None-Match with 304. Diffs between two fixed
// versions never change, so the ETag is stable across chain and computed
// sources.
func GetDiff(r DiffResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, ok := resolveFromRequest(c, r)
		if !ok {
			return
		}
		body, err := json.Marshal(res.Diff)
		if err != nil {
			abortWithError(c, "failed to encode diff", err)
			return
		}
		etag := `"` + digest.FromBytes(body).Encoded() + `"`

		c.Header("ETag", etag)
		c.Header(HeaderDiffSource, string(res.Source))
		c.Header(HeaderCacheKey, res.Key.String())
		if c.GetHeader("If-None-Match") == etag {
			c.Status(http.StatusNotModified)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}

// AnalyzeDiff handles POST /v1/packages/:packageRef/diff/analyze. With no
// Analyzer configured it answers 503.
func AnalyzeDiff(r DiffResolver, analyzer Analyzer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if analyzer == nil {
			c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: "diff analysis is not configured"})
			return
		}
		res, ok := resolveFromRequest(c, r)
		if !ok {
			return
		}
		analysis, err := analyzer.Explain(c.Request.Context(), res.Diff)
		if err != nil {
			slog.Error("Diff analysis failed", "cache_key", res.Key.String(), "error", err)
			c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{Error: "diff analysis failed", Detail: err.Error()})
			return
		}
		c.Header(HeaderDiffSource, string(res.Source))
		c.JSON(http.StatusOK, AnalysisResponse{Source: res.Source, Diff: res.Diff, Analysis: analysis})
	}
}

func resolveFromRequest(c *gin.Context, r DiffResolver) (*resolver.Resolution, bool) {
	ref, ok := packageRefParam(c)
	if !ok {
		return nil, false
	}
	var q datatypes.DiffQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid version query", Detail: err.Error()})
		return nil, false
	}
	if err := q.Validate(); err != nil {
		abortWithError(c, "invalid version query", err)
		return nil, false
	}

	res, err := r.ResolveRef(c.Request.Context(), ref, q.Older, q.Newer)
	if err != nil {
		abortWithError(c, "failed to resolve diff", err)
		return nil, false
	}
	slog.Debug("Diff resolved",
		"cache_key", res.Key.String(),
		"source", string(res.Source))
	return res, true
}
