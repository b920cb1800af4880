// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/runtime"
)

// =============================================================================
// Edge State
// =============================================================================

// State classifies the edge infrastructure at one point in time.
type State int

const (
	// StateAbsent means no edge container exists.
	StateAbsent State = iota

	// StateStopped means the edge container exists but is not running.
	StateStopped

	// StateRunningHealthy means the container runs, is attached to the
	// shared network, and the proxy workers are up.
	StateRunningHealthy

	// StateRunningCorrupted means the container runs but some expected
	// piece of the infrastructure is wrong or missing.
	StateRunningCorrupted
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStopped:
		return "stopped"
	case StateRunningHealthy:
		return "running-healthy"
	case StateRunningCorrupted:
		return "running-corrupted"
	default:
		return "unknown"
	}
}

// Report carries one detection result with supporting observations.
type Report struct {
	// State is the classification.
	State State

	// NetworkPresent reports whether the shared edge network exists.
	NetworkPresent bool

	// Attached reports whether the edge container is on the shared network.
	Attached bool

	// WorkersUp reports whether proxy worker processes were observed.
	WorkersUp bool

	// Notes lists the individual problems behind a corrupted state.
	Notes []string
}

// =============================================================================
// Interface Definition
// =============================================================================

// Detector classifies the edge infrastructure from live runtime queries.
//
// Detection never caches: deployments may run minutes or days apart and
// anything can change between invocations. A runtime query failure is not
// a classification, it aborts detection with an error wrapping
// runtime.ErrRuntimeUnavailable.
type Detector interface {
	Detect(ctx context.Context) (*Report, error)
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultDetector implements Detector against the container runtime.
type DefaultDetector struct {
	rt        runtime.Manager
	proxy     ProxyController
	container string
	network   string
	logger    *slog.Logger
}

// NewDefaultDetector creates a Detector for the configured edge.
func NewDefaultDetector(rt runtime.Manager, proxy ProxyController, container, network string, logger *slog.Logger) *DefaultDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultDetector{
		rt:        rt,
		proxy:     proxy,
		container: container,
		network:   network,
		logger:    logger,
	}
}

// Detect classifies the edge from live queries.
//
// # Outputs
//
//   - *Report: Classification with observations. Never nil on success.
//   - error: Wraps runtime.ErrRuntimeUnavailable when the runtime cannot
//     be queried; classification is impossible then, not "absent".
func (d *DefaultDetector) Detect(ctx context.Context) (*Report, error) {
	if err := d.rt.Ping(ctx); err != nil {
		return nil, err
	}

	st, err := d.rt.ContainerState(ctx, d.container)
	if err != nil {
		return nil, wrapUnavailable(err)
	}

	report := &Report{}

	netPresent, err := d.rt.NetworkExists(ctx, d.network)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	report.NetworkPresent = netPresent

	switch st {
	case runtime.StateAbsent:
		report.State = StateAbsent
		if netPresent {
			report.Notes = append(report.Notes, "shared network exists without edge container")
		}
		return report, nil

	case runtime.StateStopped:
		report.State = StateStopped
		return report, nil
	}

	// Container is running: check attachment and workers.
	if _, err := d.rt.ContainerAddress(ctx, d.container, d.network); err != nil {
		if errors.Is(err, runtime.ErrNoAddress) || errors.Is(err, runtime.ErrContainerNotFound) {
			report.Notes = append(report.Notes, fmt.Sprintf("edge container not attached to network %s", d.network))
		} else {
			return nil, wrapUnavailable(err)
		}
	} else {
		report.Attached = true
	}

	if !netPresent {
		report.Notes = append(report.Notes, fmt.Sprintf("shared network %s missing", d.network))
	}

	up, err := d.proxy.WorkersRunning(ctx)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	report.WorkersUp = up
	if !up {
		report.Notes = append(report.Notes, "proxy workers not running")
	}

	if report.NetworkPresent && report.Attached && report.WorkersUp {
		report.State = StateRunningHealthy
	} else {
		report.State = StateRunningCorrupted
	}

	d.logger.Debug("edge state detected",
		"state", report.State.String(),
		"network", report.NetworkPresent,
		"attached", report.Attached,
		"workers", report.WorkersUp,
	)
	return report, nil
}

// wrapUnavailable folds any runtime query failure into the unavailable
// sentinel: detection cannot distinguish a broken daemon from a flaky one,
// and both make classification meaningless.
func wrapUnavailable(err error) error {
	if errors.Is(err, runtime.ErrRuntimeUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", runtime.ErrRuntimeUnavailable, err)
}

// =============================================================================
// Mock Implementation for Testing
// =============================================================================

// MockDetector is a test double for Detector.
type MockDetector struct {
	DetectFunc func(ctx context.Context) (*Report, error)

	// Calls counts Detect invocations.
	Calls int

	mu sync.Mutex
}

// Detect delegates to DetectFunc.
func (m *MockDetector) Detect(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx)
	}
	return &Report{State: StateRunningHealthy, NetworkPresent: true, Attached: true, WorkersUp: true}, nil
}

// Compile-time interface compliance checks.
var (
	_ Detector = (*DefaultDetector)(nil)
	_ Detector = (*MockDetector)(nil)
)
