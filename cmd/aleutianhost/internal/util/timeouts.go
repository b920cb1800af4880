// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import "time"

// =============================================================================
// Constants
// =============================================================================

// Timeout constants define minimum and default values for various operations.
//
// These constants prevent accidental infinite hangs by ensuring all
// operations have a reasonable timeout even if misconfigured.
const (
	// MinProbeTimeout is the absolute minimum for a connectivity probe.
	// Prevents accidental infinite hangs from zero timeouts.
	MinProbeTimeout = 500 * time.Millisecond

	// MinRuntimeTimeout is the absolute minimum for a runtime CLI call.
	MinRuntimeTimeout = 5 * time.Second

	// MinReloadTimeout is the absolute minimum for a proxy validate+reload.
	MinReloadTimeout = 2 * time.Second

	// DefaultProbeTimeout is the standard per-probe timeout.
	DefaultProbeTimeout = 2 * time.Second

	// DefaultRuntimeTimeout is the standard timeout for runtime CLI calls.
	DefaultRuntimeTimeout = 60 * time.Second

	// DefaultReloadTimeout is the standard proxy validate+reload timeout.
	DefaultReloadTimeout = 15 * time.Second

	// DefaultDeployTimeout is the ceiling for a whole deployment attempt.
	DefaultDeployTimeout = 5 * time.Minute
)

// =============================================================================
// TimeoutValidator Interface
// =============================================================================

// TimeoutValidator defines the contract for timeout configuration validation.
//
// # Description
//
// TimeoutValidator provides a standard interface for validating timeout
// configurations. Implementations should ensure all timeout values meet
// their respective minimums to prevent infinite hangs.
//
// # Thread Safety
//
// Implementations should be safe for concurrent use from multiple goroutines.
type TimeoutValidator interface {
	// Validated returns a copy with all timeouts at least at their minimums.
	Validated() TimeoutConfig
}

// =============================================================================
// TimeoutConfig Struct
// =============================================================================

// TimeoutConfig holds timeout settings with validation.
//
// # Description
//
// Provides a validated set of timeout configurations for the deployment
// pipeline. Use NewTimeoutConfig to create with proper defaults.
//
// # Example
//
//	cfg := util.NewTimeoutConfig()
//	cfg.Reload = 30 * time.Second  // Custom reload window
//	validCfg := cfg.Validated()    // Ensures minimums are met
//
// # Assumptions
//
//   - Consumers call Validated() before using values in production
type TimeoutConfig struct {
	// Probe is the timeout for a single connectivity probe.
	Probe time.Duration

	// Runtime is the timeout for individual runtime CLI calls.
	Runtime time.Duration

	// Reload is the timeout for proxy validate + reload.
	Reload time.Duration

	// Deploy is the ceiling for a whole deployment attempt.
	Deploy time.Duration
}

// Validated returns a copy with all timeouts at least at their minimums.
//
// # Description
//
// Returns a new TimeoutConfig where any value below its minimum has been
// raised to the minimum. The original config is not modified.
//
// # Outputs
//
//   - TimeoutConfig: A validated copy with enforced minimums
//
// # Assumptions
//
//   - The receiver is not nil
//   - Minimum constants are positive durations
func (c *TimeoutConfig) Validated() TimeoutConfig {
	return TimeoutConfig{
		Probe:   EnforceMinTimeout(c.Probe, MinProbeTimeout),
		Runtime: EnforceMinTimeout(c.Runtime, MinRuntimeTimeout),
		Reload:  EnforceMinTimeout(c.Reload, MinReloadTimeout),
		Deploy:  EnforceMinTimeout(c.Deploy, MinRuntimeTimeout),
	}
}

// Compile-time interface satisfaction check
var _ TimeoutValidator = (*TimeoutConfig)(nil)

// =============================================================================
// Constructor Functions
// =============================================================================

// NewTimeoutConfig creates a TimeoutConfig with sensible defaults.
//
// All values are guaranteed to be at least the minimum.
func NewTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Probe:   DefaultProbeTimeout,
		Runtime: DefaultRuntimeTimeout,
		Reload:  DefaultReloadTimeout,
		Deploy:  DefaultDeployTimeout,
	}
}

// =============================================================================
// Utility Functions
// =============================================================================

// EnforceMinTimeout returns at least the minimum timeout.
//
// # Description
//
// Ensures a timeout is never below the specified minimum. If the requested
// timeout is zero, negative, or below the minimum, returns the minimum
// instead. This prevents misconfiguration from causing infinite hangs.
//
// # Inputs
//
//   - requested: The timeout value requested by the caller
//   - minimum: The absolute minimum acceptable timeout
//
// # Outputs
//
//   - time.Duration: The requested timeout if valid, otherwise the minimum
//
// # Assumptions
//
//   - minimum is a positive duration
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns the default if the requested is zero or negative.
//
// # Description
//
// Unlike EnforceMinTimeout, this only applies the default when the value
// is explicitly zero or negative. Useful when you want to allow any
// positive value but provide a sensible default.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
