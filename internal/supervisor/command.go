// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package supervisor

import (
	"github.com/Hyper-Int/OrcaRelay/internal/pty"
	"github.com/Hyper-Int/OrcaRelay/internal/record"
)

// commandFor maps a permission profile to a concrete argv.
//
// Single-shot embeds the full prompt and requests machine-readable output;
// autonomous suppresses all interactive confirmation; interactive passes
// the prompt (if any) as the opening instruction; shell runs a plain
// interactive shell with no agent binary at all.
func commandFor(profile record.Profile, agentBin, prompt string) []string {
	switch profile {
	case record.ProfileSingleShot:
		return []string{agentBin, "-p", prompt, "--output-format", "json"}
	case record.ProfileAutonomous:
		argv := []string{agentBin, "--dangerously-skip-permissions"}
		if prompt != "" {
			argv = append(argv, prompt)
		}
		return argv
	case record.ProfileShell:
		return []string{pty.DefaultShell()}
	default: // interactive
		argv := []string{agentBin}
		if prompt != "" {
			argv = append(argv, prompt)
		}
		return argv
	}
}
