// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package tenant starts and removes per-tenant application containers.

Every tenant gets a private internal network of its own plus membership in
the shared edge network. The private network isolates tenants from each
other; the shared network is what lets the edge proxy reach the tenant by
container name.
*/
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/runtime"
	"github.com/AleutianAI/AleutianHost/pkg/validation"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrInvalidSpec indicates the deployment request failed validation.
	ErrInvalidSpec = errors.New("invalid tenant spec")

	// ErrAlreadyDeployed indicates a container with the tenant's name exists.
	ErrAlreadyDeployed = errors.New("tenant already deployed")

	// ErrNotDeployed indicates no container exists for the tenant.
	ErrNotDeployed = errors.New("tenant not deployed")
)

// =============================================================================
// Naming
// =============================================================================

// ContainerName returns the runtime container name for a tenant slug. The
// edge addresses upstreams by this name through the runtime's embedded DNS.
func ContainerName(slug string) string {
	return "tenant-" + slug
}

// NetworkName returns the tenant's private network name.
func NetworkName(slug string) string {
	return "aleutian-tenant-" + slug + "-net"
}

// =============================================================================
// Types
// =============================================================================

// Spec describes one tenant deployment.
type Spec struct {
	// Slug identifies the tenant. Must be a valid slug.
	Slug string

	// Image is the tenant application image reference.
	Image string

	// Port is the container port the application listens on.
	Port int

	// Env holds extra environment variables for the container.
	Env map[string]string

	// Volumes maps host paths to container paths.
	Volumes map[string]string
}

// Validate checks the spec before any runtime work starts.
func (s Spec) Validate() error {
	if err := validation.ValidateSlug(s.Slug); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if s.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidSpec)
	}
	if err := validation.ValidatePort(s.Port); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return nil
}

// Instance describes a deployed tenant container.
type Instance struct {
	// Slug is the tenant identifier.
	Slug string

	// ContainerName is the runtime container name, also the upstream host.
	ContainerName string

	// PrivateNetwork is the tenant's internal network.
	PrivateNetwork string

	// EdgeNetwork is the shared network joined for proxy reachability.
	EdgeNetwork string

	// Port is the application port inside the container.
	Port int
}

// =============================================================================
// Interface Definition
// =============================================================================

// Deployer manages tenant container lifecycle.
type Deployer interface {
	// Deploy creates the tenant's networks and container. It fails with
	// ErrAlreadyDeployed when the container already exists.
	Deploy(ctx context.Context, spec Spec) (*Instance, error)

	// Remove stops and removes the tenant container and its private
	// network. It fails with ErrNotDeployed when nothing exists.
	Remove(ctx context.Context, slug string) error

	// Status reports the tenant container's runtime state.
	Status(ctx context.Context, slug string) (runtime.ContainerState, error)
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultDeployer implements Deployer against the container runtime.
type DefaultDeployer struct {
	rt          runtime.Manager
	edgeNetwork string
	stopGrace   time.Duration
	logger      *slog.Logger
}

// NewDefaultDeployer creates a Deployer joining tenants to edgeNetwork.
func NewDefaultDeployer(rt runtime.Manager, edgeNetwork string, logger *slog.Logger) *DefaultDeployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultDeployer{
		rt:          rt,
		edgeNetwork: edgeNetwork,
		stopGrace:   10 * time.Second,
		logger:      logger,
	}
}

// SetStopGrace overrides the graceful stop window used by Remove.
func (d *DefaultDeployer) SetStopGrace(grace time.Duration) {
	if grace > 0 {
		d.stopGrace = grace
	}
}

// Deploy creates the private network, starts the container on it, then
// connects the container to the shared edge network.
//
// # Description
//
// The container's primary network is the tenant's own internal network, so
// tenant-to-tenant traffic is impossible by construction. Edge network
// membership is added second; the proxy resolves the container name on
// that network. A failure after the container started leaves partial state
// for the caller to compensate with Remove.
func (d *DefaultDeployer) Deploy(ctx context.Context, spec Spec) (*Instance, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	name := ContainerName(spec.Slug)
	privNet := NetworkName(spec.Slug)

	st, err := d.rt.ContainerState(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("checking tenant container: %w", err)
	}
	if st != runtime.StateAbsent {
		return nil, fmt.Errorf("%w: container %s is %s", ErrAlreadyDeployed, name, st)
	}

	exists, err := d.rt.NetworkExists(ctx, privNet)
	if err != nil {
		return nil, fmt.Errorf("checking private network: %w", err)
	}
	if !exists {
		if err := d.rt.CreateNetwork(ctx, privNet, true); err != nil {
			return nil, fmt.Errorf("creating private network %s: %w", privNet, err)
		}
	}

	rspec := runtime.ContainerSpec{
		Name:    name,
		Image:   spec.Image,
		Network: privNet,
		Env:     spec.Env,
		Mounts:  spec.Volumes,
		Restart: "unless-stopped",
		Labels: map[string]string{
			"aleutianhost.role":   "tenant",
			"aleutianhost.tenant": spec.Slug,
		},
	}
	if err := d.rt.RunContainer(ctx, rspec); err != nil {
		return nil, fmt.Errorf("starting tenant container %s: %w", name, err)
	}

	if err := d.rt.ConnectNetwork(ctx, d.edgeNetwork, name); err != nil {
		return nil, fmt.Errorf("joining edge network %s: %w", d.edgeNetwork, err)
	}

	d.logger.Info("tenant deployed",
		"tenant", spec.Slug,
		"container", name,
		"network", privNet,
	)
	return &Instance{
		Slug:           spec.Slug,
		ContainerName:  name,
		PrivateNetwork: privNet,
		EdgeNetwork:    d.edgeNetwork,
		Port:           spec.Port,
	}, nil
}

// Remove stops and removes the tenant container, then its private network.
//
// Removal is best-effort past the container: a private network that will
// not delete (a stray container attached to it) is logged, not fatal.
func (d *DefaultDeployer) Remove(ctx context.Context, slug string) error {
	if err := validation.ValidateSlug(slug); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	name := ContainerName(slug)
	privNet := NetworkName(slug)

	st, err := d.rt.ContainerState(ctx, name)
	if err != nil {
		return fmt.Errorf("checking tenant container: %w", err)
	}
	if st == runtime.StateAbsent {
		return fmt.Errorf("%w: %s", ErrNotDeployed, name)
	}

	if st == runtime.StateRunning {
		if err := d.rt.StopContainer(ctx, name, d.stopGrace); err != nil {
			return fmt.Errorf("stopping tenant container %s: %w", name, err)
		}
	}
	if err := d.rt.RemoveContainer(ctx, name, true); err != nil {
		return fmt.Errorf("removing tenant container %s: %w", name, err)
	}

	exists, err := d.rt.NetworkExists(ctx, privNet)
	if err == nil && exists {
		if err := d.rt.RemoveNetwork(ctx, privNet); err != nil {
			d.logger.Warn("private network left behind", "network", privNet, "error", err)
		}
	}

	d.logger.Info("tenant removed", "tenant", slug, "container", name)
	return nil
}

// Status reports the tenant container's runtime state.
func (d *DefaultDeployer) Status(ctx context.Context, slug string) (runtime.ContainerState, error) {
	if err := validation.ValidateSlug(slug); err != nil {
		return runtime.StateAbsent, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return d.rt.ContainerState(ctx, ContainerName(slug))
}

// =============================================================================
// Mock Implementation for Testing
// =============================================================================

// MockDeployer is a test double for Deployer.
type MockDeployer struct {
	DeployFunc func(ctx context.Context, spec Spec) (*Instance, error)
	RemoveFunc func(ctx context.Context, slug string) error
	StatusFunc func(ctx context.Context, slug string) (runtime.ContainerState, error)

	// Calls records method invocations as "Method:slug".
	Calls []string
}

// Deploy delegates to DeployFunc.
func (m *MockDeployer) Deploy(ctx context.Context, spec Spec) (*Instance, error) {
	m.Calls = append(m.Calls, "Deploy:"+spec.Slug)
	if m.DeployFunc != nil {
		return m.DeployFunc(ctx, spec)
	}
	return &Instance{
		Slug:           spec.Slug,
		ContainerName:  ContainerName(spec.Slug),
		PrivateNetwork: NetworkName(spec.Slug),
		Port:           spec.Port,
	}, nil
}

// Remove delegates to RemoveFunc.
func (m *MockDeployer) Remove(ctx context.Context, slug string) error {
	m.Calls = append(m.Calls, "Remove:"+slug)
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, slug)
	}
	return nil
}

// Status delegates to StatusFunc.
func (m *MockDeployer) Status(ctx context.Context, slug string) (runtime.ContainerState, error) {
	m.Calls = append(m.Calls, "Status:"+slug)
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, slug)
	}
	return runtime.StateRunning, nil
}

// Compile-time interface compliance checks.
var (
	_ Deployer = (*DefaultDeployer)(nil)
	_ Deployer = (*MockDeployer)(nil)
)
