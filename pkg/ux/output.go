// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the ChainDiff CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette - deep ocean teals with standard semantic colors
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - headings
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text

	ColorAdded    = lipgloss.Color("#2CD7C7")
	ColorRemoved  = lipgloss.Color("#E74C3C")
	ColorModified = lipgloss.Color("#F4D03F")
)

// Styles are the pre-configured lipgloss styles.
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Added    lipgloss.Style
	Removed  lipgloss.Style
	Modified lipgloss.Style
	Box      lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle: lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:     lipgloss.NewStyle().Bold(true),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Added:    lipgloss.NewStyle().Foreground(ColorAdded),
	Removed:  lipgloss.NewStyle().Foreground(ColorRemoved),
	Modified: lipgloss.NewStyle().Foreground(ColorModified),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status marker.
type Icon string

const (
	IconAdded    Icon = "+"
	IconRemoved  Icon = "-"
	IconModified Icon = "~"
	IconSuccess  Icon = "✓"
	IconError    Icon = "✗"
	IconArrow    Icon = "→"
)

// Printer writes styled output to a terminal and plain output elsewhere.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Printer struct {
	w      io.Writer
	styled bool
}

// NewPrinter creates a Printer for w. Styling is enabled for terminals
// unless NO_COLOR is set.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, styled: IsTerminal(w) && os.Getenv("NO_COLOR") == ""}
}

// NewPlainPrinter creates a Printer that never styles.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Styled reports whether the printer emits styling.
func (p *Printer) Styled() bool { return p.styled }

func (p *Printer) render(style lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return style.Render(text)
}

// Title prints a heading.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.w, p.render(Styles.Title, text))
}

// Subtitle prints a secondary heading.
func (p *Printer) Subtitle(text string) {
	fmt.Fprintln(p.w, p.render(Styles.Subtitle, text))
}

// Muted prints secondary text.
func (p *Printer) Muted(text string) {
	fmt.Fprintln(p.w, p.render(Styles.Muted, text))
}

// Line prints text as is.
func (p *Printer) Line(text string) {
	fmt.Fprintln(p.w, text)
}

// Success prints a message with a checkmark.
func (p *Printer) Success(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.render(Styles.Added, string(IconSuccess)), text)
}

// Error prints a message with a cross.
func (p *Printer) Error(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.render(Styles.Removed, string(IconError)), text)
}

// Change prints one change line marked by icon.
func (p *Printer) Change(icon Icon, text string) {
	style := Styles.Bold
	switch icon {
	case IconAdded:
		style = Styles.Added
	case IconRemoved:
		style = Styles.Removed
	case IconModified:
		style = Styles.Modified
	}
	fmt.Fprintln(p.w, p.render(style, string(icon)+" "+text))
}

// UnifiedDiff prints a unified diff, coloring added and removed lines.
func (p *Printer) UnifiedDiff(text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Fprintln(p.w, "    "+p.render(Styles.Bold, line))
		case strings.HasPrefix(line, "@@"):
			fmt.Fprintln(p.w, "    "+p.render(Styles.Subtitle, line))
		case strings.HasPrefix(line, "+"):
			fmt.Fprintln(p.w, "    "+p.render(Styles.Added, line))
		case strings.HasPrefix(line, "-"):
			fmt.Fprintln(p.w, "    "+p.render(Styles.Removed, line))
		default:
			fmt.Fprintln(p.w, "    "+line)
		}
	}
}

// Box prints content in a rounded box. Plain output prints "title: content".
func (p *Printer) Box(title, content string) {
	if !p.styled {
		fmt.Fprintf(p.w, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}

// Summary prints change counts.
func (p *Printer) Summary(added, removed, modified int) {
	fmt.Fprintf(p.w, "\n%s %s  %s %s  %s %s\n",
		p.render(Styles.Added, fmt.Sprintf("%d", added)), p.render(Styles.Muted, "added"),
		p.render(Styles.Removed, fmt.Sprintf("%d", removed)), p.render(Styles.Muted, "removed"),
		p.render(Styles.Modified, fmt.Sprintf("%d", modified)), p.render(Styles.Muted, "modified"),
	)
}
