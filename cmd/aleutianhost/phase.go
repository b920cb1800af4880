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
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Phases
// =============================================================================

// Phase is one stage of the deployment pipeline. Phases advance strictly
// in order; a failure freezes the attempt at the phase that broke.
type Phase int

const (
	// PhaseRequested means the attempt was accepted but no work started.
	PhaseRequested Phase = iota

	// PhaseRuntimeStarting means the tenant container is being created.
	PhaseRuntimeStarting

	// PhaseRuntimeVerified means the tenant answered connectivity probes.
	PhaseRuntimeVerified

	// PhaseCertReady means certificate material exists for the domain.
	PhaseCertReady

	// PhaseRouteValidated means the candidate merged config passed checks.
	PhaseRouteValidated

	// PhasePublished means the fragment is live and the proxy reloaded.
	PhasePublished

	// PhaseVerified means the published route answered an end-to-end probe.
	PhaseVerified

	// PhaseFailed is terminal; FailedAt records where the pipeline broke.
	PhaseFailed
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseRequested:
		return "requested"
	case PhaseRuntimeStarting:
		return "runtime-starting"
	case PhaseRuntimeVerified:
		return "runtime-verified"
	case PhaseCertReady:
		return "cert-ready"
	case PhaseRouteValidated:
		return "route-validated"
	case PhasePublished:
		return "published"
	case PhaseVerified:
		return "verified"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// next returns the phase that legally follows p, or PhaseFailed when p is
// terminal.
func (p Phase) next() Phase {
	if p >= PhaseVerified {
		return PhaseFailed
	}
	return p + 1
}

// =============================================================================
// Deployment Attempt
// =============================================================================

// Attempt tracks one deployment run through the phase machine.
//
// # Limitations
//
//   - Not safe for concurrent mutation; the coordinator owns it.
type Attempt struct {
	// ID uniquely identifies this attempt in logs and output.
	ID string

	// Tenant is the tenant slug being deployed.
	Tenant string

	// Domain is the public domain being routed.
	Domain string

	// Phase is the current (or terminal) phase.
	Phase Phase

	// FailedAt records the phase that broke when Phase is PhaseFailed.
	FailedAt Phase

	// Err is the failure when Phase is PhaseFailed.
	Err error

	// StartedAt and FinishedAt bound the attempt.
	StartedAt  time.Time
	FinishedAt time.Time

	// History records every phase reached, in order.
	History []Phase
}

// NewAttempt creates an attempt in PhaseRequested.
func NewAttempt(tenant, domain string) *Attempt {
	return &Attempt{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Domain:    domain,
		Phase:     PhaseRequested,
		StartedAt: time.Now(),
		History:   []Phase{PhaseRequested},
	}
}

// Advance moves the attempt to the next phase.
//
// # Outputs
//
//   - error: When to is not the legal successor, or the attempt already
//     failed. Skipping a phase is a programming error, not a runtime one,
//     so the caller should treat this as a bug.
func (a *Attempt) Advance(to Phase) error {
	if a.Phase == PhaseFailed {
		return fmt.Errorf("attempt %s already failed at %s", a.ID, a.FailedAt)
	}
	if to != a.Phase.next() {
		return fmt.Errorf("illegal transition %s -> %s", a.Phase, to)
	}
	a.Phase = to
	a.History = append(a.History, to)
	if to == PhaseVerified {
		a.FinishedAt = time.Now()
	}
	return nil
}

// Fail marks the attempt terminally failed at its current phase.
func (a *Attempt) Fail(err error) {
	if a.Phase == PhaseFailed {
		return
	}
	a.FailedAt = a.Phase
	a.Phase = PhaseFailed
	a.Err = err
	a.FinishedAt = time.Now()
	a.History = append(a.History, PhaseFailed)
}

// Succeeded reports whether the attempt reached PhaseVerified.
func (a *Attempt) Succeeded() bool {
	return a.Phase == PhaseVerified
}

// Duration returns how long the attempt ran.
func (a *Attempt) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return time.Since(a.StartedAt)
	}
	return a.FinishedAt.Sub(a.StartedAt)
}
