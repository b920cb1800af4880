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

import (
	"testing"
	"time"
)

func TestEnforceMinTimeout(t *testing.T) {
	tests := []struct {
		name      string
		requested time.Duration
		minimum   time.Duration
		want      time.Duration
	}{
		{"zero uses minimum", 0, time.Second, time.Second},
		{"negative uses minimum", -1 * time.Second, time.Second, time.Second},
		{"below minimum raised", 100 * time.Millisecond, time.Second, time.Second},
		{"at minimum kept", time.Second, time.Second, time.Second},
		{"above minimum kept", 5 * time.Second, time.Second, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EnforceMinTimeout(tt.requested, tt.minimum)
			if got != tt.want {
				t.Errorf("EnforceMinTimeout(%v, %v) = %v, want %v",
					tt.requested, tt.minimum, got, tt.want)
			}
		})
	}
}

func TestEnforceDefaultTimeout(t *testing.T) {
	tests := []struct {
		name       string
		requested  time.Duration
		defaultVal time.Duration
		want       time.Duration
	}{
		{"zero uses default", 0, 30 * time.Second, 30 * time.Second},
		{"negative uses default", -1, 30 * time.Second, 30 * time.Second},
		{"small positive kept", time.Millisecond, 30 * time.Second, time.Millisecond},
		{"large positive kept", time.Hour, 30 * time.Second, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EnforceDefaultTimeout(tt.requested, tt.defaultVal)
			if got != tt.want {
				t.Errorf("EnforceDefaultTimeout(%v, %v) = %v, want %v",
					tt.requested, tt.defaultVal, got, tt.want)
			}
		})
	}
}

func TestTimeoutConfig_Validated(t *testing.T) {
	t.Run("zero config raised to minimums", func(t *testing.T) {
		cfg := &TimeoutConfig{}
		v := cfg.Validated()

		if v.Probe != MinProbeTimeout {
			t.Errorf("Probe = %v, want %v", v.Probe, MinProbeTimeout)
		}
		if v.Runtime != MinRuntimeTimeout {
			t.Errorf("Runtime = %v, want %v", v.Runtime, MinRuntimeTimeout)
		}
		if v.Reload != MinReloadTimeout {
			t.Errorf("Reload = %v, want %v", v.Reload, MinReloadTimeout)
		}
		if v.Deploy != MinRuntimeTimeout {
			t.Errorf("Deploy = %v, want %v", v.Deploy, MinRuntimeTimeout)
		}
	})

	t.Run("valid values preserved", func(t *testing.T) {
		cfg := &TimeoutConfig{
			Probe:   3 * time.Second,
			Runtime: 90 * time.Second,
			Reload:  20 * time.Second,
			Deploy:  10 * time.Minute,
		}
		v := cfg.Validated()

		if v != *cfg {
			t.Errorf("Validated() = %+v, want %+v", v, *cfg)
		}
	})

	t.Run("original not modified", func(t *testing.T) {
		cfg := &TimeoutConfig{}
		_ = cfg.Validated()
		if cfg.Probe != 0 {
			t.Error("Validated() must not modify the receiver")
		}
	})
}

func TestNewTimeoutConfig(t *testing.T) {
	cfg := NewTimeoutConfig()

	if cfg.Probe != DefaultProbeTimeout {
		t.Errorf("Probe = %v, want %v", cfg.Probe, DefaultProbeTimeout)
	}
	if cfg.Runtime != DefaultRuntimeTimeout {
		t.Errorf("Runtime = %v, want %v", cfg.Runtime, DefaultRuntimeTimeout)
	}
	if cfg.Reload != DefaultReloadTimeout {
		t.Errorf("Reload = %v, want %v", cfg.Reload, DefaultReloadTimeout)
	}
	if cfg.Deploy != DefaultDeployTimeout {
		t.Errorf("Deploy = %v, want %v", cfg.Deploy, DefaultDeployTimeout)
	}

	// Defaults must satisfy their own minimums
	v := cfg.Validated()
	if v != cfg {
		t.Errorf("defaults changed by validation: %+v != %+v", v, cfg)
	}
}
