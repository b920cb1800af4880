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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/config"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/certs"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/edge"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/lock"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/routes"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/runtime"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/util"
	"github.com/AleutianAI/AleutianHost/pkg/logging"
	"github.com/AleutianAI/AleutianHost/pkg/ux"
	"github.com/spf13/cobra"

	tenantpkg "github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/tenant"
)

// buildCoordinator wires the full dependency graph from the loaded config.
func buildCoordinator() (*Coordinator, error) {
	cfg := config.Global
	base := appLogger
	if base == nil {
		base = logging.Default()
	}
	logger := base.Slog()

	stateRoot := filepath.Dir(cfg.Paths.FragmentRoot)
	if err := os.MkdirAll(cfg.Paths.FragmentRoot, 0755); err != nil {
		return nil, fmt.Errorf("preparing fragment root: %w", err)
	}

	rt := runtime.NewDockerManager()
	rt.SetCallTimeout(configTimeouts().Runtime)
	proxy := edge.NewDefaultProxyController(rt, cfg.Edge.ContainerName, logger)
	detector := edge.NewDefaultDetector(rt, proxy, cfg.Edge.ContainerName, cfg.Edge.Network, logger)

	certMgr := certs.NewDefaultManager(
		cfg.Paths.CertRoot,
		cfg.Certs.Organization,
		time.Duration(cfg.Certs.ValidityDays)*24*time.Hour,
		logger,
	)

	builder := edge.NewDefaultBuilder(rt, detector, certMgr, edge.BuildConfig{
		ContainerName: cfg.Edge.ContainerName,
		Image:         cfg.Edge.Image,
		Network:       cfg.Edge.Network,
		HTTPPort:      cfg.Edge.HTTPPort,
		HTTPSPort:     cfg.Edge.HTTPSPort,
		StateRoot:     stateRoot,
	}, logger)

	fallbackCert, fallbackKey := edge.CertPathsFor(edge.FallbackDomain)
	store := routes.NewStore(routes.StoreConfig{
		LiveDir:             cfg.Paths.FragmentRoot,
		StagingDir:          filepath.Join(stateRoot, "staging"),
		ContainerStagingDir: edge.ContainerStagingDir,
		FallbackCertPath:    fallbackCert,
		FallbackKeyPath:     fallbackKey,
		ReloadTimeout:       configTimeouts().Reload,
	}, proxy, logger)

	lk, err := lock.NewDeployLock(cfg.Paths.FragmentRoot)
	if err != nil {
		return nil, fmt.Errorf("preparing deployment lock: %w", err)
	}

	deployer := tenantpkg.NewDefaultDeployer(rt, cfg.Edge.Network, logger)
	deployer.SetStopGrace(time.Duration(cfg.Timeouts.StopSeconds) * time.Second)

	return NewCoordinator(CoordinatorDeps{
		Runtime:  rt,
		Detector: detector,
		Builder:  builder,
		Proxy:    proxy,
		Deployer: deployer,
		Verifier: NewDefaultVerifier(proxy, logger),
		CertMgr:  certMgr,
		Store:    store,
		Lock:     &staleAwareLock{inner: lk, logger: logger},
		Policy: RetryPolicy{
			MaxAttempts:  cfg.Verify.MaxAttempts,
			Interval:     time.Duration(cfg.Verify.IntervalMS) * time.Millisecond,
			ProbeTimeout: configTimeouts().Probe,
		},
		EdgeName: cfg.Edge.ContainerName,
		Logger:   logger,
	}), nil
}

// staleAwareLock recovers locks left behind by crashed deployments: on
// contention it checks whether the holder is gone or the lock has aged out,
// force-releases, and retries once. A live holder still means ErrLockHeld.
type staleAwareLock struct {
	inner  *lock.DeployLock
	logger *slog.Logger
}

func (l *staleAwareLock) Acquire() error {
	err := l.inner.Acquire()
	if !errors.Is(err, lock.ErrLockHeld) {
		return err
	}
	if !l.inner.IsStale() {
		if pid := l.inner.HolderPID(); pid > 0 {
			return fmt.Errorf("%w (pid %d)", lock.ErrLockHeld, pid)
		}
		return err
	}
	l.logger.Warn("recovering stale deployment lock",
		"path", l.inner.Path(),
		"holder_pid", l.inner.HolderPID(),
	)
	if err := l.inner.ForceRelease(); err != nil {
		return fmt.Errorf("releasing stale lock: %w", err)
	}
	return l.inner.Acquire()
}

func (l *staleAwareLock) Release() error {
	return l.inner.Release()
}

// configTimeouts translates the config's second-granularity timeouts,
// with minimums enforced so a zeroed config cannot hang or spin.
func configTimeouts() util.TimeoutConfig {
	t := config.Global.Timeouts
	cfg := util.TimeoutConfig{
		Probe:   time.Duration(config.Global.Verify.TimeoutMS) * time.Millisecond,
		Runtime: time.Duration(t.RuntimeSeconds) * time.Second,
		Reload:  time.Duration(t.ReloadSeconds) * time.Second,
		Deploy:  time.Duration(t.DeploySeconds) * time.Second,
	}
	return cfg.Validated()
}

// deployContext returns the whole-deployment deadline from config.
func deployContext() (context.Context, context.CancelFunc) {
	deadline := util.EnforceDefaultTimeout(configTimeouts().Deploy, util.DefaultDeployTimeout)
	return context.WithTimeout(context.Background(), deadline)
}

// parseEnvFlags turns repeated k=v flags into a map.
func parseEnvFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want k=v", p)
		}
		env[k] = v
	}
	return env, nil
}

// exitWith prints the failure and terminates with its mapped code.
func exitWith(err error) {
	ux.Error(err.Error())
	os.Exit(ExitCodeFor(err))
}

// =============================================================================
// Command Handlers
// =============================================================================

func runDeploy(cmd *cobra.Command, args []string) {
	env, err := parseEnvFlags(deployEnv)
	if err != nil {
		ux.Error(err.Error())
		os.Exit(ExitUsage)
	}

	coord, err := buildCoordinator()
	if err != nil {
		exitWith(err)
	}

	ctx, cancel := deployContext()
	defer cancel()

	ux.Title(fmt.Sprintf("Deploying %s → %s", args[0], deployDomain))
	attempt, err := coord.Deploy(ctx, DeployRequest{
		Tenant: args[0],
		Domain: deployDomain,
		Image:  deployImage,
		Port:   deployPort,
		Env:    env,
	})
	if err != nil {
		if attempt != nil {
			renderAttempt(attempt)
		}
		exitWith(err)
	}

	renderAttempt(attempt)
	ux.Success(fmt.Sprintf("%s is live at https://%s (attempt %s, %s)",
		args[0], deployDomain, attempt.ID, attempt.Duration().Round(time.Millisecond)))
}

func runRemove(cmd *cobra.Command, args []string) {
	coord, err := buildCoordinator()
	if err != nil {
		exitWith(err)
	}

	ctx, cancel := deployContext()
	defer cancel()

	if err := coord.Remove(ctx, args[0]); err != nil {
		exitWith(err)
	}
	ux.Success(fmt.Sprintf("%s removed", args[0]))
}

func runRotateCert(cmd *cobra.Command, args []string) {
	coord, err := buildCoordinator()
	if err != nil {
		exitWith(err)
	}

	if scanOnly {
		days := scanWindow
		if days <= 0 {
			days = config.Global.Certs.RenewWithinDays
		}
		entries, err := coord.ScanCerts(time.Duration(days) * 24 * time.Hour)
		if err != nil {
			exitWith(err)
		}
		renderScan(entries, days)
		return
	}

	if len(args) != 1 {
		ux.Error("rotate-cert needs a domain (or --scan)")
		os.Exit(ExitUsage)
	}

	ctx, cancel := deployContext()
	defer cancel()

	if err := coord.RotateCert(ctx, args[0]); err != nil {
		exitWith(err)
	}
	ux.Success(fmt.Sprintf("certificate rotated for %s", args[0]))
}

func runStatus(cmd *cobra.Command, args []string) {
	coord, err := buildCoordinator()
	if err != nil {
		exitWith(err)
	}

	ctx, cancel := deployContext()
	defer cancel()

	report, err := coord.Status(ctx)
	if err != nil {
		exitWith(err)
	}
	renderStatus(report)
}

func runEdgeInspect(cmd *cobra.Command, args []string) {
	coord, err := buildCoordinator()
	if err != nil {
		exitWith(err)
	}

	ctx, cancel := deployContext()
	defer cancel()

	report, err := coord.InspectEdge(ctx)
	if err != nil {
		exitWith(err)
	}
	renderEdgeReport(report)
	if report.State != edge.StateRunningHealthy {
		os.Exit(ExitEnvironmentUnavailable)
	}
}

// =============================================================================
// Rendering
// =============================================================================

func renderAttempt(a *Attempt) {
	for _, p := range a.History {
		switch p {
		case PhaseFailed:
			ux.Step(ux.IconError, fmt.Sprintf("%s (at %s)", p, a.FailedAt))
		default:
			ux.Step(ux.IconSuccess, p.String())
		}
	}
}

func renderStatus(r *StatusReport) {
	ux.Title("AleutianHost Status")
	renderEdgeReport(r.Edge)

	if len(r.Tenants) == 0 {
		ux.Muted("no tenants routed")
		return
	}
	for _, t := range r.Tenants {
		icon := ux.IconSuccess
		if t.State != runtime.StateRunning {
			icon = ux.IconError
		}
		domain := t.Domain
		if domain == "" {
			domain = "(unknown domain)"
		}
		ux.Step(icon, fmt.Sprintf("%s → %s [%s]", t.Tenant, domain, t.State))
	}
}

func renderEdgeReport(r *edge.Report) {
	icon := ux.IconError
	if r.State == edge.StateRunningHealthy {
		icon = ux.IconSuccess
	}
	ux.Step(icon, fmt.Sprintf("edge: %s", r.State))
	if ux.Plain() || r.State == edge.StateRunningHealthy {
		for _, note := range r.Notes {
			ux.Info("  " + note)
		}
		return
	}
	detail := fmt.Sprintf("network present: %t\nattached: %t\nworkers up: %t",
		r.NetworkPresent, r.Attached, r.WorkersUp)
	if len(r.Notes) > 0 {
		detail += "\n" + strings.Join(r.Notes, "\n")
	}
	ux.Box("Edge Diagnostics", detail)
}

func renderScan(entries []certs.ScanEntry, windowDays int) {
	ux.Title(fmt.Sprintf("Certificates expiring within %d days", windowDays))
	due := 0
	for _, e := range entries {
		if !e.NeedsRenewal {
			ux.Step(ux.IconSuccess, fmt.Sprintf("%s valid until %s", e.Domain, e.NotAfter.Format("2006-01-02")))
			continue
		}
		due++
		icon := ux.IconWarning
		if e.Reason == "expired" {
			icon = ux.IconError
		}
		ux.Step(icon, fmt.Sprintf("%s needs rotation: %s", e.Domain, e.Reason))
	}
	if due == 0 {
		ux.Success("nothing due for rotation")
	}
}
