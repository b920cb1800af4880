// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/certs"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/edge"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/resilience"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/routes"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/runtime"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/tenant"
	"github.com/AleutianAI/AleutianHost/pkg/validation"
)

// =============================================================================
// Consumer-Side Interfaces
// =============================================================================

// fragmentStore is the slice of the routes store the coordinator drives.
type fragmentStore interface {
	Publish(ctx context.Context, name string, content []byte) error
	Remove(ctx context.Context, name string) error
	List() ([]string, error)
	Has(name string) bool
	ReadLive(name string) ([]byte, error)
}

// deployLocker serializes deployments across processes.
type deployLocker interface {
	Acquire() error
	Release() error
}

// =============================================================================
// Requests and Reports
// =============================================================================

// DeployRequest describes one tenant deployment from the CLI.
type DeployRequest struct {
	Tenant string `validate:"required,slug"`
	Domain string `validate:"required,fqdn_strict"`
	Image  string `validate:"required"`
	Port   int    `validate:"required,min=1,max=65535"`
	Env    map[string]string
}

// TenantStatus is one row of the status report.
type TenantStatus struct {
	Tenant string
	Domain string
	State  runtime.ContainerState
}

// StatusReport aggregates everything the status command shows.
type StatusReport struct {
	Edge    *edge.Report
	Tenants []TenantStatus
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator sequences the full deployment pipeline and owns every
// retry/abort/rollback decision. Sub-components report outcomes; they
// never decide what happens next.
type Coordinator struct {
	rt       runtime.Manager
	detector edge.Detector
	builder  edge.Builder
	proxy    edge.ProxyController
	deployer tenant.Deployer
	verifier Verifier
	certMgr  certs.Manager
	store    fragmentStore
	lock     deployLocker
	policy   RetryPolicy
	edgeName string
	logger   *slog.Logger
}

// CoordinatorDeps bundles the coordinator's collaborators.
type CoordinatorDeps struct {
	Runtime  runtime.Manager
	Detector edge.Detector
	Builder  edge.Builder
	Proxy    edge.ProxyController
	Deployer tenant.Deployer
	Verifier Verifier
	CertMgr  certs.Manager
	Store    fragmentStore
	Lock     deployLocker
	Policy   RetryPolicy
	EdgeName string
	Logger   *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(deps CoordinatorDeps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rt:       deps.Runtime,
		detector: deps.Detector,
		builder:  deps.Builder,
		proxy:    deps.Proxy,
		deployer: deps.Deployer,
		verifier: deps.Verifier,
		certMgr:  deps.CertMgr,
		store:    deps.Store,
		lock:     deps.Lock,
		policy:   deps.Policy.normalized(),
		edgeName: deps.EdgeName,
		logger:   logger,
	}
}

// Deploy runs the full pipeline for one tenant.
//
// # Description
//
// Holds the deployment lock from edge detection through post-publish
// verification. Pipeline phases advance strictly in order; any failure
// freezes the attempt at the breaking phase and compensates completed
// steps in reverse (fragment out, container gone) so a failed deploy
// leaves no half-routed tenant behind.
//
// # Outputs
//
//   - *Attempt: Always returned once the request validates, including on
//     failure, so callers can show where the pipeline broke.
//   - error: A *DeployError carrying phase and kind for exit-code mapping.
func (c *Coordinator) Deploy(ctx context.Context, req DeployRequest) (*Attempt, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, NewDeployError(PhaseRequested, KindUsage, err)
	}

	attempt := NewAttempt(req.Tenant, req.Domain)

	if err := c.lock.Acquire(); err != nil {
		attempt.Fail(err)
		return attempt, FailDeploy(attempt.FailedAt, err)
	}
	defer c.lock.Release()

	if err := c.checkDomainAvailable(req); err != nil {
		attempt.Fail(err)
		return attempt, FailDeploy(attempt.FailedAt, err)
	}

	if err := c.ensureEdge(ctx); err != nil {
		attempt.Fail(err)
		return attempt, FailDeploy(attempt.FailedAt, err)
	}

	certPath, keyPath := edge.CertPathsFor(req.Domain)
	fragment := routes.Fragment{
		Tenant:       req.Tenant,
		Domain:       req.Domain,
		UpstreamHost: tenant.ContainerName(req.Tenant),
		UpstreamPort: req.Port,
		CertPath:     certPath,
		KeyPath:      keyPath,
	}

	saga := resilience.NewSaga(resilience.SagaConfig{
		StepTimeout: 2 * time.Minute,
		Logger:      c.logger,
	})

	saga.AddStep(resilience.SagaStep{
		Name: "start tenant runtime",
		Execute: func(ctx context.Context) error {
			if err := attempt.Advance(PhaseRuntimeStarting); err != nil {
				return err
			}
			_, err := c.deployer.Deploy(ctx, tenant.Spec{
				Slug:  req.Tenant,
				Image: req.Image,
				Port:  req.Port,
				Env:   req.Env,
			})
			return err
		},
		Compensate: func(ctx context.Context) error {
			err := c.deployer.Remove(ctx, req.Tenant)
			if errors.Is(err, tenant.ErrNotDeployed) {
				return nil
			}
			return err
		},
	})

	saga.AddStep(resilience.SagaStep{
		Name: "verify tenant connectivity",
		Execute: func(ctx context.Context) error {
			if err := attempt.Advance(PhaseRuntimeVerified); err != nil {
				return err
			}
			return c.verifier.Verify(ctx, VerifyTarget{
				Host: tenant.ContainerName(req.Tenant),
				Port: req.Port,
			}, c.policy)
		},
	})

	saga.AddStep(resilience.SagaStep{
		Name: "ensure certificate",
		Execute: func(ctx context.Context) error {
			if err := attempt.Advance(PhaseCertReady); err != nil {
				return err
			}
			_, err := c.certMgr.EnsureIssued(req.Domain)
			return err
		},
	})

	var rendered []byte
	saga.AddStep(resilience.SagaStep{
		Name: "build route fragment",
		Execute: func(ctx context.Context) error {
			if err := attempt.Advance(PhaseRouteValidated); err != nil {
				return err
			}
			out, err := routes.Render(fragment)
			if err != nil {
				return fmt.Errorf("%w: %v", routes.ErrValidationFailed, err)
			}
			rendered = out
			return nil
		},
	})

	saga.AddStep(resilience.SagaStep{
		Name: "publish route",
		Execute: func(ctx context.Context) error {
			if err := attempt.Advance(PhasePublished); err != nil {
				return err
			}
			return c.store.Publish(ctx, fragment.FileName(), rendered)
		},
		Compensate: func(ctx context.Context) error {
			err := c.store.Remove(ctx, fragment.FileName())
			if errors.Is(err, routes.ErrFragmentNotFound) {
				return nil
			}
			return err
		},
	})

	saga.AddStep(resilience.SagaStep{
		Name: "verify published route",
		Execute: func(ctx context.Context) error {
			if err := attempt.Advance(PhaseVerified); err != nil {
				return err
			}
			// The reload that published this fragment serves every
			// tenant, so a regression on an incumbent domain fails the
			// deploy too.
			domains, err := c.liveDomains(req.Domain)
			if err != nil {
				return err
			}
			for _, domain := range domains {
				if err := c.proxy.ProbeRoute(ctx, domain, 2); err != nil {
					return fmt.Errorf("%w: %v", ErrConnectivityUnverified, err)
				}
			}
			return nil
		},
	})

	if err := saga.Execute(ctx); err != nil {
		attempt.Fail(err)
		for _, cf := range saga.CompensationFailures() {
			c.logger.Error("rollback left residue",
				"step", cf.StepName,
				"error", cf.Err,
			)
		}
		return attempt, FailDeploy(attempt.FailedAt, err)
	}

	c.logger.Info("deployment complete",
		"attempt", attempt.ID,
		"tenant", req.Tenant,
		"domain", req.Domain,
		"duration", attempt.Duration(),
	)
	return attempt, nil
}

// Remove tears down a deployed tenant: route first so traffic stops, then
// the container and its network, then the certificate material.
func (c *Coordinator) Remove(ctx context.Context, slug string) error {
	if err := validation.ValidateSlug(slug); err != nil {
		return NewDeployError(PhaseRequested, KindUsage, err)
	}

	if err := c.lock.Acquire(); err != nil {
		return FailDeploy(PhaseRequested, err)
	}
	defer c.lock.Release()

	fragName := slug + ".conf"
	hadRoute := c.store.Has(fragName)

	// The unpublish reload needs a healthy edge. Without a route there is
	// nothing to reload and a dead edge should not block cleanup.
	var domain string
	if hadRoute {
		if err := c.ensureEdge(ctx); err != nil {
			return FailDeploy(PhasePublished, err)
		}
		domain = c.domainFromFragment(fragName)
		if err := c.store.Remove(ctx, fragName); err != nil {
			return FailDeploy(PhasePublished, err)
		}
	}

	if err := c.deployer.Remove(ctx, slug); err != nil && !errors.Is(err, tenant.ErrNotDeployed) {
		return FailDeploy(PhaseRuntimeStarting, err)
	}

	if domain != "" {
		if err := c.certMgr.Retire(domain); err != nil {
			c.logger.Warn("certificate material left in place", "domain", domain, "error", err)
		}
	}

	c.logger.Info("tenant removed", "tenant", slug, "had_route", hadRoute)
	return nil
}

// RotateCert rotates a domain's certificate and reloads the proxy so it
// picks up the swapped symlinks.
func (c *Coordinator) RotateCert(ctx context.Context, domain string) error {
	if err := validation.ValidateDomain(domain); err != nil {
		return NewDeployError(PhaseRequested, KindUsage, err)
	}

	if err := c.lock.Acquire(); err != nil {
		return FailDeploy(PhaseRequested, err)
	}
	defer c.lock.Release()

	if err := c.certMgr.Rotate(domain); err != nil {
		return NewDeployError(PhaseCertReady, KindCertificateInvalid, err)
	}

	// The route may not be published yet; rotation without an edge is
	// legitimate (pre-provisioning), so reload only a healthy edge.
	report, err := c.detector.Detect(ctx)
	if err != nil {
		return FailDeploy(PhaseCertReady, err)
	}
	if report.State != edge.StateRunningHealthy {
		c.logger.Info("edge not running, rotation applies on next start", "state", report.State.String())
		return nil
	}

	if err := c.proxy.Reload(ctx); err != nil {
		return NewDeployError(PhasePublished, KindReloadFailed,
			fmt.Errorf("%w: %v", routes.ErrReloadFailed, err))
	}
	up, err := c.proxy.WorkersRunning(ctx)
	if err != nil || !up {
		return NewDeployError(PhasePublished, KindReloadFailed,
			fmt.Errorf("%w: workers not running after rotate reload (%v)", routes.ErrReloadFailed, err))
	}

	c.logger.Info("certificate rotated", "domain", domain)
	return nil
}

// ScanCerts reports certificates expiring within the window.
func (c *Coordinator) ScanCerts(window time.Duration) ([]certs.ScanEntry, error) {
	return c.certMgr.Scan(window)
}

// Status reports the edge and every routed tenant.
func (c *Coordinator) Status(ctx context.Context) (*StatusReport, error) {
	report, err := c.detector.Detect(ctx)
	if err != nil {
		return nil, FailDeploy(PhaseRequested, err)
	}

	names, err := c.store.List()
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}

	out := &StatusReport{Edge: report}
	for _, name := range names {
		slug := strings.TrimSuffix(name, ".conf")
		st, err := c.deployer.Status(ctx, slug)
		if err != nil {
			st = runtime.StateAbsent
		}
		out.Tenants = append(out.Tenants, TenantStatus{
			Tenant: slug,
			Domain: c.domainFromFragment(name),
			State:  st,
		})
	}
	return out, nil
}

// InspectEdge returns the raw detection report for diagnostics.
func (c *Coordinator) InspectEdge(ctx context.Context) (*edge.Report, error) {
	report, err := c.detector.Detect(ctx)
	if err != nil {
		return nil, FailDeploy(PhaseRequested, err)
	}
	return report, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

// validateRequest checks the request before any work starts.
func (c *Coordinator) validateRequest(req DeployRequest) error {
	if req.Tenant == edge.FallbackDomain {
		return fmt.Errorf("tenant name %q is reserved", edge.FallbackDomain)
	}
	return validation.ValidateStruct(req)
}

// checkDomainAvailable rejects a deploy whose domain is already routed by
// another tenant. The proxy's config check only warns on a duplicate
// server_name, so without this guard the new tenant would go live but
// never receive traffic.
func (c *Coordinator) checkDomainAvailable(req DeployRequest) error {
	names, err := c.store.List()
	if err != nil {
		return fmt.Errorf("listing live fragments: %w", err)
	}
	for _, name := range names {
		if name == req.Tenant+".conf" {
			continue // republishing our own route
		}
		if c.domainFromFragment(name) == req.Domain {
			return fmt.Errorf("%w: domain %s is already routed by tenant %s",
				routes.ErrValidationFailed, req.Domain, strings.TrimSuffix(name, ".conf"))
		}
	}
	return nil
}

// liveDomains returns the new domain plus every domain currently routed by
// a live fragment, deduplicated, new domain first.
func (c *Coordinator) liveDomains(newDomain string) ([]string, error) {
	domains := []string{newDomain}
	seen := map[string]bool{newDomain: true}

	names, err := c.store.List()
	if err != nil {
		return nil, fmt.Errorf("listing live fragments: %w", err)
	}
	for _, name := range names {
		d := c.domainFromFragment(name)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	return domains, nil
}

// ensureEdge brings the edge to RunningHealthy or fails.
//
// Absent builds from scratch; Stopped restarts the existing container;
// Corrupted is fatal with the detector's notes attached. Build failures
// are never retried.
func (c *Coordinator) ensureEdge(ctx context.Context) error {
	report, err := c.detector.Detect(ctx)
	if err != nil {
		return err
	}

	switch report.State {
	case edge.StateRunningHealthy:
		return nil

	case edge.StateAbsent:
		c.logger.Info("edge absent, building infrastructure")
		_, err := c.builder.Build(ctx)
		return err

	case edge.StateStopped:
		c.logger.Info("edge stopped, restarting")
		if err := c.rt.StartContainer(ctx, c.edgeName); err != nil {
			return fmt.Errorf("%w: restarting edge: %v", runtime.ErrRuntimeUnavailable, err)
		}
		recheck, err := c.detector.Detect(ctx)
		if err != nil {
			return err
		}
		if recheck.State != edge.StateRunningHealthy {
			return fmt.Errorf("%w: edge %s after restart (%v)",
				runtime.ErrRuntimeUnavailable, recheck.State, recheck.Notes)
		}
		return nil

	default: // StateRunningCorrupted
		return fmt.Errorf("%w: edge corrupted: %s",
			runtime.ErrRuntimeUnavailable, strings.Join(report.Notes, "; "))
	}
}

// domainFromFragment extracts the server_name from a live fragment. Best
// effort: an unreadable or hand-edited fragment yields "".
func (c *Coordinator) domainFromFragment(name string) string {
	data, err := c.store.ReadLive(name)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "server_name "); ok {
			return strings.TrimSuffix(strings.TrimSpace(rest), ";")
		}
	}
	return ""
}
