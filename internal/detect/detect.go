// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package detect holds the heuristic byte/text scanners the supervisor uses
// to infer process state from raw terminal output: the waiting-for-input
// detector, the startup health judgment, and the confirmation-prompt scan
// used when recovering a multiplexed session. All of them are pure with
// respect to their input so they stay unit-testable in isolation.
package detect

import (
	"strings"
)

const bell = 0x07

// VisibleLen returns the number of bytes left after stripping ANSI escape
// sequences and non-printing control bytes. Redraw and status-line noise is
// mostly escape sequences, so visible length is a better "real output"
// signal than raw length.
func VisibleLen(b []byte) int {
	n := 0
	i := 0
	for i < len(b) {
		c := b[i]
		if c == 0x1b { // ESC
			i++
			if i >= len(b) {
				break
			}
			switch b[i] {
			case '[': // CSI: parameters then a final byte in 0x40-0x7e
				i++
				for i < len(b) && (b[i] < 0x40 || b[i] > 0x7e) {
					i++
				}
				if i < len(b) {
					i++
				}
			case ']': // OSC: terminated by BEL or ST
				i++
				for i < len(b) {
					if b[i] == bell {
						i++
						break
					}
					if b[i] == 0x1b && i+1 < len(b) && b[i+1] == '\\' {
						i += 2
						break
					}
					i++
				}
			default: // two-byte escape
				i++
			}
			continue
		}
		if c >= 0x20 && c != 0x7f {
			n++
		}
		i++
	}
	return n
}

// HasBell reports whether the chunk contains the terminal bell byte.
func HasBell(b []byte) bool {
	for _, c := range b {
		if c == bell {
			return true
		}
	}
	return false
}

// confirmPhrases are the interactive-confirmation strings agent CLIs render
// when they block on user approval. Matched case-insensitively against the
// tail of captured pane content during recovery, when no bell byte is
// available.
var confirmPhrases = []string{
	"do you want",
	"y/n",
	"(y/n)",
	"yes/no",
	"press enter",
	"esc to cancel",
	"waiting for your input",
	"allow this",
	"approve",
	"permission",
}

// promptMarkers match a rendered input prompt line.
var promptMarkers = []string{">", "❯", "$"}

// LooksLikeConfirmPrompt scans the last few non-empty lines of captured
// pane content for interactive-confirmation phrasing.
func LooksLikeConfirmPrompt(pane string) bool {
	lines := tailLines(pane, 8)
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, phrase := range confirmPhrases {
			if strings.Contains(lower, phrase) {
				return true
			}
		}
	}
	return false
}

// HasPromptLine reports whether any of the last lines looks like a rendered
// input prompt: a line starting with a prompt marker, or a shell-style line
// ending in $, #, or %.
func HasPromptLine(pane string) bool {
	for _, line := range tailLines(pane, 8) {
		trimmed := strings.TrimSpace(line)
		for _, m := range promptMarkers {
			if strings.HasPrefix(trimmed, m) {
				return true
			}
		}
		for _, suffix := range []string{"$", "#", "%"} {
			if strings.HasSuffix(trimmed, suffix) && len(trimmed) > 1 {
				return true
			}
		}
	}
	return false
}

// tailLines returns up to n trailing non-empty lines of s.
func tailLines(s string, n int) []string {
	all := strings.Split(s, "\n")
	var out []string
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(all[i]) == "" {
			continue
		}
		out = append(out, all[i])
	}
	return out
}

// startupMarkers are strings whose presence counts as a credible start even
// when output volume is still small.
var startupMarkers = []string{
	"claude",
	"welcome",
	"getting started",
	"?25", // cursor-visibility toggle, typical of a TUI taking over the screen
}

// HealthyOutput judges whether a session produced credible startup output:
// either enough visible bytes, or recognizable startup/prompt text. Catches
// silent spawn failures (missing binary, bad arguments) that never produce
// a prompt exit code.
func HealthyOutput(buf []byte, minVisible int) bool {
	if VisibleLen(buf) >= minVisible {
		return true
	}
	lower := strings.ToLower(string(buf))
	for _, m := range startupMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return HasPromptLine(string(buf))
}
