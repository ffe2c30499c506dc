// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package id

import (
	"crypto/rand"
	"fmt"
	"io"
)

// New generates a random 32-character hex ID using crypto/rand.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}

// Short generates a random 12-character hex ID, used where the full width
// would be unwieldy (tmux session names have a practical length limit).
func Short() (string, error) {
	b := make([]byte, 6)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}
