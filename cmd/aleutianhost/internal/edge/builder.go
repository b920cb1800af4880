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
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/certs"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/routes"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/runtime"
)

// ErrPartialBuild is returned when edge bootstrap fails partway. The build
// is not idempotent: retrying against half-built infrastructure can wedge
// the runtime, so callers must surface the failure for manual inspection
// instead of retrying.
var ErrPartialBuild = errors.New("edge infrastructure build incomplete")

// FallbackDomain is the reserved certificate name for the edge's default
// server. Deploy rejects tenant slugs with this name so the fallback
// material is never clobbered.
const FallbackDomain = "default"

// =============================================================================
// Builder
// =============================================================================

// BuildConfig describes the edge infrastructure to create.
type BuildConfig struct {
	// ContainerName is the edge container name.
	ContainerName string

	// Image is the proxy image reference.
	Image string

	// Network is the shared edge network name.
	Network string

	// HTTPPort and HTTPSPort are host ports published to the edge.
	HTTPPort  int
	HTTPSPort int

	// StateRoot is the host directory mounted at ContainerStateDir.
	StateRoot string

	// StartupTimeout bounds the post-start health wait.
	StartupTimeout time.Duration
}

// Builder creates the edge infrastructure from scratch.
//
// Build is invoked only when detection reports an absent edge. It is NOT
// idempotent and is never retried; any failure is wrapped in
// ErrPartialBuild and left for the operator.
type Builder interface {
	Build(ctx context.Context) (*Report, error)
}

// DefaultBuilder implements Builder.
type DefaultBuilder struct {
	rt       runtime.Manager
	detector Detector
	certMgr  certs.Manager
	cfg      BuildConfig
	logger   *slog.Logger
}

// NewDefaultBuilder creates a Builder.
func NewDefaultBuilder(rt runtime.Manager, detector Detector, certMgr certs.Manager, cfg BuildConfig, logger *slog.Logger) *DefaultBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &DefaultBuilder{rt: rt, detector: detector, certMgr: certMgr, cfg: cfg, logger: logger}
}

// Build creates the state directories, fallback TLS material, shared
// network, and edge container, then re-detects until healthy.
//
// # Outputs
//
//   - *Report: The post-build detection report (healthy on success).
//   - error: Wraps ErrPartialBuild on any failure after work has begun.
func (b *DefaultBuilder) Build(ctx context.Context) (*Report, error) {
	b.logger.Info("building edge infrastructure",
		"container", b.cfg.ContainerName,
		"network", b.cfg.Network,
	)

	if err := b.prepareStateDirs(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartialBuild, err)
	}

	// Fallback TLS for the default server; without it the proxy refuses
	// to start with the TLS default_server block.
	if _, err := b.certMgr.EnsureIssued(FallbackDomain); err != nil {
		return nil, fmt.Errorf("%w: fallback certificate: %v", ErrPartialBuild, err)
	}

	if err := b.writeMainConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartialBuild, err)
	}

	exists, err := b.rt.NetworkExists(ctx, b.cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("%w: checking network: %v", ErrPartialBuild, err)
	}
	if !exists {
		if err := b.rt.CreateNetwork(ctx, b.cfg.Network, false); err != nil {
			return nil, fmt.Errorf("%w: creating network %s: %v", ErrPartialBuild, b.cfg.Network, err)
		}
	}

	spec := runtime.ContainerSpec{
		Name:    b.cfg.ContainerName,
		Image:   b.cfg.Image,
		Network: b.cfg.Network,
		Restart: "unless-stopped",
		Ports: []string{
			fmt.Sprintf("%d:80", b.cfg.HTTPPort),
			fmt.Sprintf("%d:443", b.cfg.HTTPSPort),
		},
		Mounts: map[string]string{
			b.cfg.StateRoot: ContainerStateDir,
			filepath.Join(b.cfg.StateRoot, "nginx.conf"): ContainerMainConf,
		},
		Labels: map[string]string{
			"aleutianhost.role": "edge",
		},
	}
	if err := b.rt.RunContainer(ctx, spec); err != nil {
		return nil, fmt.Errorf("%w: starting edge container: %v", ErrPartialBuild, err)
	}

	report, err := b.awaitHealthy(ctx)
	if err != nil {
		return report, err
	}

	b.logger.Info("edge infrastructure built", "container", b.cfg.ContainerName)
	return report, nil
}

// prepareStateDirs creates the fragment, staging, and cert directories.
func (b *DefaultBuilder) prepareStateDirs() error {
	for _, dir := range []string{
		filepath.Join(b.cfg.StateRoot, "fragments"),
		filepath.Join(b.cfg.StateRoot, "staging"),
		filepath.Join(b.cfg.StateRoot, "certs"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// writeMainConfig renders the top-level proxy configuration to the state
// root, where the container mount picks it up.
func (b *DefaultBuilder) writeMainConfig() error {
	fallbackCert, fallbackKey := CertPathsFor(FallbackDomain)
	data, err := routes.RenderMain(routes.MainConfig{
		IncludeDir:       ContainerFragmentDir,
		FallbackCertPath: fallbackCert,
		FallbackKeyPath:  fallbackKey,
	})
	if err != nil {
		return err
	}
	path := filepath.Join(b.cfg.StateRoot, "nginx.conf")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// awaitHealthy re-detects until the edge is healthy or the startup window
// closes. Proxy workers need a moment to come up after container start.
func (b *DefaultBuilder) awaitHealthy(ctx context.Context) (*Report, error) {
	deadline := time.Now().Add(b.cfg.StartupTimeout)
	var report *Report

	for {
		r, err := b.detector.Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: post-build detection: %v", ErrPartialBuild, err)
		}
		report = r
		if r.State == StateRunningHealthy {
			return r, nil
		}
		if time.Now().After(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return report, fmt.Errorf("%w: %v", ErrPartialBuild, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}

	return report, fmt.Errorf("%w: edge is %s after start (%v)",
		ErrPartialBuild, report.State, report.Notes)
}

// =============================================================================
// Mock Implementation for Testing
// =============================================================================

// MockBuilder is a test double for Builder.
type MockBuilder struct {
	BuildFunc func(ctx context.Context) (*Report, error)

	// Calls counts Build invocations.
	Calls int
}

// Build delegates to BuildFunc.
func (m *MockBuilder) Build(ctx context.Context) (*Report, error) {
	m.Calls++
	if m.BuildFunc != nil {
		return m.BuildFunc(ctx)
	}
	return &Report{State: StateRunningHealthy, NetworkPresent: true, Attached: true, WorkersUp: true}, nil
}

// Compile-time interface compliance checks.
var (
	_ Builder = (*DefaultBuilder)(nil)
	_ Builder = (*MockBuilder)(nil)
)
