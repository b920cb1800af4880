// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
)

type HostConfig struct {
	// Edge: the shared reverse proxy container and its network
	Edge EdgeConfig `yaml:"edge"`

	// Paths: host directories holding fragments, certs, and logs
	Paths PathsConfig `yaml:"paths"`

	// Verify: connectivity verification retry policy
	Verify VerifyConfig `yaml:"verify"`

	// Certs: certificate issuance policy
	Certs CertsConfig `yaml:"certs"`

	// Timeouts: operation deadlines in seconds
	Timeouts TimeoutsConfig `yaml:"timeouts"`
}

type EdgeConfig struct {
	ContainerName string `yaml:"container_name"` // e.g. aleutian-edge
	Image         string `yaml:"image"`          // e.g. nginx:1.27-alpine
	Network       string `yaml:"network"`        // shared edge network name
	HTTPPort      int    `yaml:"http_port"`      // host port published to edge :80
	HTTPSPort     int    `yaml:"https_port"`     // host port published to edge :443
}

type PathsConfig struct {
	FragmentRoot string `yaml:"fragment_root"` // live route fragment directory
	CertRoot     string `yaml:"cert_root"`     // per-domain certificate directories
	LogDir       string `yaml:"log_dir"`       // CLI log files
}

type VerifyConfig struct {
	MaxAttempts int `yaml:"max_attempts"` // bounded poll attempts, e.g. 10
	IntervalMS  int `yaml:"interval_ms"`  // fixed interval between attempts
	TimeoutMS   int `yaml:"timeout_ms"`   // per-probe timeout
}

type CertsConfig struct {
	Organization    string `yaml:"organization"`      // certificate subject org
	ValidityDays    int    `yaml:"validity_days"`     // leaf cert lifetime
	RenewWithinDays int    `yaml:"renew_within_days"` // rotate-cert --scan window
}

type TimeoutsConfig struct {
	ReloadSeconds  int `yaml:"reload_seconds"`  // proxy validate + reload deadline
	StopSeconds    int `yaml:"stop_seconds"`    // graceful container stop window
	DeploySeconds  int `yaml:"deploy_seconds"`  // whole-deployment ceiling
	RuntimeSeconds int `yaml:"runtime_seconds"` // individual runtime CLI calls
}

// stateRoot returns the per-user state directory for AleutianHost.
func stateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/aleutianhost"
	}
	return filepath.Join(home, ".aleutianhost")
}

func DefaultConfig() HostConfig {
	root := stateRoot()
	return HostConfig{
		Edge: EdgeConfig{
			ContainerName: "aleutian-edge",
			Image:         "nginx:1.27-alpine",
			Network:       "aleutian-edge-net",
			HTTPPort:      80,
			HTTPSPort:     443,
		},
		Paths: PathsConfig{
			FragmentRoot: filepath.Join(root, "fragments"),
			CertRoot:     filepath.Join(root, "certs"),
			LogDir:       filepath.Join(root, "logs"),
		},
		Verify: VerifyConfig{
			MaxAttempts: 10,
			IntervalMS:  500,
			TimeoutMS:   2000,
		},
		Certs: CertsConfig{
			Organization:    "Aleutian Host",
			ValidityDays:    365,
			RenewWithinDays: 30,
		},
		Timeouts: TimeoutsConfig{
			ReloadSeconds:  15,
			StopSeconds:    10,
			DeploySeconds:  300,
			RuntimeSeconds: 60,
		},
	}
}
