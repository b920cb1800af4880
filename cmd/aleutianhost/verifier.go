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
	"time"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/edge"
)

// ErrConnectivityUnverified means the tenant never answered within the
// probe budget. The TCP fallback result is folded into the message so the
// operator can tell a dead application from a broken network path.
var ErrConnectivityUnverified = errors.New("tenant connectivity unverified")

// =============================================================================
// Retry Policy
// =============================================================================

// RetryPolicy bounds connectivity probing. It is a plain value: campaigns
// are cheap to construct per call and never share state.
type RetryPolicy struct {
	// MaxAttempts is the probe budget. Must be at least 1.
	MaxAttempts int

	// Interval is the fixed delay between attempts.
	Interval time.Duration

	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
}

// DefaultRetryPolicy returns the standard probe budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  10,
		Interval:     500 * time.Millisecond,
		ProbeTimeout: 2 * time.Second,
	}
}

// normalized returns the policy with zero fields replaced by defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.ProbeTimeout <= 0 {
		p.ProbeTimeout = d.ProbeTimeout
	}
	return p
}

// =============================================================================
// Connectivity Verifier
// =============================================================================

// VerifyTarget names the upstream to probe.
type VerifyTarget struct {
	// Host is the tenant container name, resolvable from the edge.
	Host string

	// Port is the application port.
	Port int

	// Path is the HTTP path probed. Defaults to "/".
	Path string
}

// Verifier checks that a tenant answers HTTP from the edge's vantage.
//
// Probing from inside the edge container is the point: a host-side probe
// can succeed while the proxy's own network path is broken, and the proxy
// is the only client that matters.
type Verifier interface {
	Verify(ctx context.Context, target VerifyTarget, policy RetryPolicy) error
}

// DefaultVerifier implements Verifier over the edge proxy controller.
type DefaultVerifier struct {
	proxy  edge.ProxyController
	logger *slog.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDefaultVerifier creates a Verifier.
func NewDefaultVerifier(proxy edge.ProxyController, logger *slog.Logger) *DefaultVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultVerifier{
		proxy:  proxy,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Verify probes the target at a fixed interval until it answers or the
// budget runs out.
//
// # Description
//
// Each attempt is one HTTP GET exec'd inside the edge container. The
// interval is fixed, not backed off: the budget covers application startup
// measured in seconds, and a growing backoff just wastes the window.
// After the last failed attempt a single TCP connect distinguishes "port
// open, application broken" from "nothing listening".
//
// # Outputs
//
//   - error: Wraps ErrConnectivityUnverified on exhaustion, with the last
//     HTTP failure and the TCP fallback verdict in the message.
func (v *DefaultVerifier) Verify(ctx context.Context, target VerifyTarget, policy RetryPolicy) error {
	policy = policy.normalized()
	path := target.Path
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("http://%s:%d%s", target.Host, target.Port, path)
	timeoutSecs := int(policy.ProbeTimeout.Round(time.Second) / time.Second)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := v.proxy.ProbeHTTP(ctx, url, timeoutSecs); err == nil {
			v.logger.Info("tenant verified",
				"target", url,
				"attempt", attempt,
			)
			return nil
		} else {
			lastErr = err
			v.logger.Debug("probe failed",
				"target", url,
				"attempt", attempt,
				"of", policy.MaxAttempts,
				"error", err,
			)
		}

		if attempt < policy.MaxAttempts {
			if err := v.sleep(ctx, policy.Interval); err != nil {
				return fmt.Errorf("%w: %v", ErrConnectivityUnverified, err)
			}
		}
	}

	// Budget exhausted. One TCP connect to sharpen the diagnosis.
	verdict := "tcp fallback: port closed, nothing listening"
	if err := v.proxy.ProbeTCP(ctx, target.Host, target.Port, timeoutSecs); err == nil {
		verdict = "tcp fallback: port open, application not answering http"
	}

	return fmt.Errorf("%w: %d attempts against %s (last: %v; %s)",
		ErrConnectivityUnverified, policy.MaxAttempts, url, lastErr, verdict)
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// Mock Implementation for Testing
// =============================================================================

// MockVerifier is a test double for Verifier.
type MockVerifier struct {
	VerifyFunc func(ctx context.Context, target VerifyTarget, policy RetryPolicy) error

	// Calls records probed targets.
	Calls []VerifyTarget
}

// Verify delegates to VerifyFunc.
func (m *MockVerifier) Verify(ctx context.Context, target VerifyTarget, policy RetryPolicy) error {
	m.Calls = append(m.Calls, target)
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, target, policy)
	}
	return nil
}

// Compile-time interface compliance checks.
var (
	_ Verifier = (*DefaultVerifier)(nil)
	_ Verifier = (*MockVerifier)(nil)
)
