// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of ChainDiff spans.
const TracerName = "github.com/AleutianAI/ChainDiff"

// Span attribute keys.
const (
	AttrPackageRef   = attribute.Key("chaindiff.package_ref")
	AttrCacheKey     = attribute.Key("chaindiff.cache_key")
	AttrOlder        = attribute.Key("chaindiff.older_version")
	AttrNewer        = attribute.Key("chaindiff.newer_version")
	AttrSource       = attribute.Key("chaindiff.source")
	AttrPayloadBytes = attribute.Key("chaindiff.payload_bytes")
)

// StartSpan starts a span named spanName under the ChainDiff tracer.
// The caller must End the returned span.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
