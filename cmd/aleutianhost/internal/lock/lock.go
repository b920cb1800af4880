// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides the single-writer deployment lock.
//
// Concurrent deployments racing on edge detection could both observe an
// absent edge and both try to build it. The DeployLock serializes the whole
// read-state, decide, publish sequence across processes.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrLockHeld is returned when another process holds the deploy lock.
	ErrLockHeld = errors.New("deployment lock held by another process")

	// ErrLockAcquireFailed is returned for lock failures other than contention.
	ErrLockAcquireFailed = errors.New("failed to acquire deployment lock")

	// ErrEmptyLockDir is returned when the lock directory is not provided.
	ErrEmptyLockDir = errors.New("lock directory cannot be empty")
)

// LockFileName is the deploy lock file name inside the fragment root.
const LockFileName = ".deploy.lock"

// StaleLockDuration is the time after which a lock is considered stale.
const StaleLockDuration = 1 * time.Hour

// =============================================================================
// DeployLock
// =============================================================================

// DeployLock provides advisory file locking for deployment operations.
//
// # Thread Safety
//
// DeployLock is NOT safe for concurrent use. Each goroutine should have its
// own instance; cross-process exclusion is what the flock provides.
//
// # Platform Support
//
// Uses flock(2). Advisory only: other processes can ignore it, but every
// mutating command in this CLI takes it.
type DeployLock struct {
	path string
	file *os.File
}

// NewDeployLock creates a DeployLock rooted in the given directory.
//
// # Description
//
// Creates a lock handle for {dir}/.deploy.lock. The directory is created
// on Acquire if it doesn't exist. The lock is not yet acquired.
//
// # Inputs
//
//   - dir: Directory holding the lock file, normally the fragment root.
//
// # Outputs
//
//   - *DeployLock: The lock instance (not yet acquired).
//   - error: ErrEmptyLockDir if dir is empty.
func NewDeployLock(dir string) (*DeployLock, error) {
	if dir == "" {
		return nil, ErrEmptyLockDir
	}
	return &DeployLock{path: filepath.Join(dir, LockFileName)}, nil
}

// Path returns the lock file path.
func (l *DeployLock) Path() string {
	return l.path
}

// Acquire attempts to acquire an exclusive lock.
//
// # Description
//
// Creates the lock file and attempts to acquire an exclusive advisory lock.
// If the lock is already held by another process, returns ErrLockHeld.
// The holder PID and acquisition time are written into the file for
// diagnostics and stale detection.
//
// # Outputs
//
//   - error: ErrLockHeld if lock is held, or other error on failure.
//
// # Limitations
//
//   - Advisory lock only - other processes can ignore it.
//   - Must call Release() to free the lock.
func (l *DeployLock) Acquire() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: creating lock directory: %v", ErrLockAcquireFailed, err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening lock file: %v", ErrLockAcquireFailed, err)
	}

	// Try to acquire exclusive lock (non-blocking)
	err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		file.Close()
		if err == syscall.EWOULDBLOCK {
			return ErrLockHeld
		}
		return fmt.Errorf("%w: flock: %v", ErrLockAcquireFailed, err)
	}

	// Write PID to lock file for debugging
	if err := file.Truncate(0); err != nil {
		// Non-fatal, continue
	}
	if _, err := file.Seek(0, 0); err != nil {
		// Non-fatal, continue
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		// Non-fatal, continue
	}

	l.file = file
	return nil
}

// Release releases the lock and removes the lock file.
//
// Safe to call multiple times or on an unacquired lock.
func (l *DeployLock) Release() error {
	if l.file == nil {
		return nil
	}

	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)

	err := l.file.Close()
	l.file = nil

	_ = os.Remove(l.path)

	return err
}

// IsHeld checks if the lock is currently held by another process.
//
// # Description
//
// Attempts to acquire the lock non-blocking. If successful, releases it
// immediately. This is a quick check without actually holding the lock.
func (l *DeployLock) IsHeld() (bool, error) {
	info, err := os.Stat(l.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if info.IsDir() {
		return false, fmt.Errorf("lock path is a directory")
	}

	file, err := os.OpenFile(l.path, os.O_RDWR, 0644)
	if err != nil {
		return false, err
	}
	defer file.Close()

	err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	// Lock was acquired, release it
	_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	return false, nil
}

// HolderPID returns the PID of the process holding the lock.
//
// Returns 0 if the lock file doesn't exist or is unparsable.
func (l *DeployLock) HolderPID() int {
	content, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}

	var pid int
	if _, err := fmt.Sscanf(string(content), "pid=%d", &pid); err != nil {
		return 0
	}

	return pid
}

// IsStale checks if the lock file appears to be stale.
//
// # Description
//
// A lock is considered stale if:
//   - The lock file is older than StaleLockDuration
//   - The holding process no longer exists
func (l *DeployLock) IsStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}

	if time.Since(info.ModTime()) > StaleLockDuration {
		return true
	}

	pid := l.HolderPID()
	if pid > 0 {
		// Check if process exists by sending signal 0
		process, err := os.FindProcess(pid)
		if err != nil {
			return true
		}
		if err := process.Signal(syscall.Signal(0)); err != nil {
			return true // Process doesn't exist
		}
	}

	return false
}

// ForceRelease removes a stale lock file.
//
// # Description
//
// Only call this after confirming the lock is stale via IsStale().
// This is a recovery mechanism for crashed processes.
//
// # Limitations
//
//   - Race condition: Another process could grab the lock between
//     IsStale() and ForceRelease().
func (l *DeployLock) ForceRelease() error {
	return os.Remove(l.path)
}
