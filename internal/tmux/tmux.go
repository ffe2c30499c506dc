// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package tmux wraps the tmux CLI as the supervisor's optional persistence
// capability. A session hosted inside a named detached tmux session stays
// alive across supervisor restarts; the supervisor reattaches instead of
// respawning.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// SessionPrefix namespaces the tmux sessions this server owns.
const SessionPrefix = "orcarelay-"

// commandTimeout bounds every tmux CLI call; tmux is local, so anything
// slower than this is effectively hung.
const commandTimeout = 5 * time.Second

// Runner abstracts command execution for testability.
type Runner interface {
	Run(name string, args ...string) (string, error)
}

// ExecRunner implements Runner using os/exec with a per-command timeout.
type ExecRunner struct{}

// Run executes a command and returns its trimmed combined output.
func (ExecRunner) Run(name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Client drives a tmux binary.
type Client struct {
	bin    string
	runner Runner
}

// NewClient returns a Client for the given tmux binary (empty means "tmux"),
// or nil if the binary is not on PATH. A nil *Client is the "no multiplexer"
// capability and is safe to pass around.
func NewClient(bin string) *Client {
	if bin == "" {
		bin = "tmux"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil
	}
	return &Client{bin: bin, runner: ExecRunner{}}
}

// NewClientWithRunner wires a custom Runner, for tests.
func NewClientWithRunner(bin string, r Runner) *Client {
	if bin == "" {
		bin = "tmux"
	}
	return &Client{bin: bin, runner: r}
}

// SessionName returns the namespaced tmux session name for an id suffix.
func SessionName(suffix string) string {
	return SessionPrefix + suffix
}

// Has reports whether the named tmux session is currently alive.
func (c *Client) Has(name string) bool {
	_, err := c.runner.Run(c.bin, "has-session", "-t", "="+name)
	return err == nil
}

// NewSession creates a detached tmux session running argv in cwd. The
// session keeps running independent of this process's lifetime.
func (c *Client) NewSession(name, cwd string, argv []string) error {
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, argv...)
	if out, err := c.runner.Run(c.bin, args...); err != nil {
		return fmt.Errorf("tmux new-session: %w (%s)", err, out)
	}
	return nil
}

// CapturePane returns the current visible pane content of the session.
func (c *Client) CapturePane(name string) (string, error) {
	out, err := c.runner.Run(c.bin, "capture-pane", "-p", "-t", "="+name)
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	return out, nil
}

// KillSession destroys the named tmux session. Missing sessions are not an
// error; kill is idempotent.
func (c *Client) KillSession(name string) error {
	out, err := c.runner.Run(c.bin, "kill-session", "-t", "="+name)
	if err != nil {
		if strings.Contains(out, "can't find session") || strings.Contains(out, "no server running") {
			return nil
		}
		return fmt.Errorf("tmux kill-session: %w (%s)", err, out)
	}
	return nil
}

// ListSessions returns the names of live tmux sessions owned by this server
// (those carrying SessionPrefix).
func (c *Client) ListSessions() ([]string, error) {
	out, err := c.runner.Run(c.bin, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions, not a failure.
		if strings.Contains(out, "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, SessionPrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// AttachArgv returns the argv that attaches a terminal to the named tmux
// session. The supervisor runs this under its own PTY to stream the
// session's output.
func (c *Client) AttachArgv(name string) []string {
	return []string{c.bin, "attach-session", "-t", "=" + name}
}
