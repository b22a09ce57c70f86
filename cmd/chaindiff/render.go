// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/AleutianAI/ChainDiff/pkg/ux"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/explain"
)

// renderDiff prints a diff for humans. Modified entry points are shown as a
// unified diff of their JSON.
func renderDiff(p *ux.Printer, d *datatypes.VersionDiff, source string) {
	p.Title(fmt.Sprintf("%s  v%d %s v%d", d.PackageIdentity, d.Older.VersionNumber, ux.IconArrow, d.Newer.VersionNumber))
	p.Muted(fmt.Sprintf("source: %s", source))

	if d.Empty() {
		p.Line("No entry point or named key changes.")
		return
	}

	var added, removed, modified int
	count := func(k datatypes.DeltaKind) {
		switch k {
		case datatypes.DeltaAdded:
			added++
		case datatypes.DeltaRemoved:
			removed++
		case datatypes.DeltaModified:
			modified++
		}
	}

	if len(d.EntryPoints) > 0 {
		p.Line("")
		p.Subtitle("Entry points")
		for _, delta := range d.EntryPoints {
			count(delta.Kind)
			switch delta.Kind {
			case datatypes.DeltaAdded:
				p.Change(ux.IconAdded, explain.Signature(delta.EntryPoint))
			case datatypes.DeltaRemoved:
				p.Change(ux.IconRemoved, explain.Signature(delta.EntryPoint))
			case datatypes.DeltaModified:
				p.Change(ux.IconModified, delta.Name())
				p.UnifiedDiff(explain.EntryPointDiff(delta.From, delta.To))
			}
		}
	}

	if len(d.NamedKeys) > 0 {
		p.Line("")
		p.Subtitle("Named keys")
		for _, delta := range d.NamedKeys {
			count(delta.Kind)
			switch delta.Kind {
			case datatypes.DeltaAdded:
				p.Change(ux.IconAdded, fmt.Sprintf("%s = %s", delta.Key, delta.Value))
			case datatypes.DeltaRemoved:
				p.Change(ux.IconRemoved, fmt.Sprintf("%s = %s", delta.Key, delta.Value))
			case datatypes.DeltaModified:
				p.Change(ux.IconModified, fmt.Sprintf("%s: %s %s %s", delta.Key, delta.From, ux.IconArrow, delta.To))
			}
		}
	}
	p.Summary(added, removed, modified)
}

func renderVersions(p *ux.Printer, ref cachekey.PackageRef, versions []*datatypes.VersionRecord) {
	p.Title(ref.String())
	if len(versions) == 0 {
		p.Muted("No stored versions. Run chaindiff sync first.")
		return
	}
	for _, v := range versions {
		line := fmt.Sprintf("v%-4d %s  protocol %s  %d entry points", v.VersionNumber, v.ContractIdentity, v.ProtocolVersion, len(v.EntryPoints))
		if v.Disabled {
			line += "  (disabled)"
		}
		if !v.Timestamp.IsZero() {
			line += "  " + v.Timestamp.Format("2006-01-02")
		}
		p.Line(line)
	}
}
