// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the AleutianHost CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconAnchor  Icon = "⚓"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Output Mode
// =============================================================================

var (
	plainMode bool
	plainMu   sync.RWMutex

	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetPlain switches to unstyled single-line output for scripting and logs.
func SetPlain(plain bool) {
	plainMu.Lock()
	defer plainMu.Unlock()
	plainMode = plain
}

// Plain reports whether plain output is active.
func Plain() bool {
	plainMu.RLock()
	defer plainMu.RUnlock()
	return plainMode
}

// SetWriters redirects output, primarily for tests.
func SetWriters(out, errOut io.Writer) {
	stdout = out
	stderr = errOut
}

// =============================================================================
// Print Helpers
// =============================================================================

// Title prints a styled title line.
func Title(text string) {
	if Plain() {
		fmt.Fprintln(stdout, text)
		return
	}
	fmt.Fprintln(stdout, Styles.Title.Render(text))
}

// Success prints a success message with a checkmark.
func Success(text string) {
	if Plain() {
		fmt.Fprintf(stdout, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(stdout, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message.
func Warning(text string) {
	if Plain() {
		fmt.Fprintf(stderr, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(stdout, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message.
func Error(text string) {
	if Plain() {
		fmt.Fprintf(stderr, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(stdout, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational message.
func Info(text string) {
	if Plain() {
		fmt.Fprintln(stdout, text)
		return
	}
	fmt.Fprintf(stdout, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text; silent in plain mode.
func Muted(text string) {
	if Plain() {
		return
	}
	fmt.Fprintln(stdout, Styles.Muted.Render(text))
}

// Step prints one pipeline step with its status icon.
func Step(icon Icon, text string) {
	if Plain() {
		fmt.Fprintf(stdout, "%s %s\n", icon, text)
		return
	}
	fmt.Fprintf(stdout, "  %s %s\n", icon.Render(), text)
}

// Box prints titled content in a rounded box.
func Box(title, content string) {
	if Plain() {
		fmt.Fprintf(stdout, "%s: %s\n", title, content)
		return
	}
	boxStyle := Styles.Box.Width(60)
	titleLine := Styles.Title.Render(title)
	fmt.Fprintln(stdout, boxStyle.Render(titleLine+"\n"+content))
}

// ErrorBox prints titled content in an error-styled box.
func ErrorBox(title, content string) {
	if Plain() {
		fmt.Fprintf(stderr, "ERROR %s: %s\n", title, content)
		return
	}
	boxStyle := Styles.ErrorBox.Width(60)
	titleLine := Styles.Error.Bold(true).Render(title)
	fmt.Fprintln(stdout, boxStyle.Render(titleLine+"\n"+content))
}
