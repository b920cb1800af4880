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
	"errors"
	"fmt"
	"testing"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/certs"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/edge"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/lock"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/routes"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError_Sentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
		exit int
	}{
		{"lock held", fmt.Errorf("acquiring: %w", lock.ErrLockHeld), KindLockHeld, ExitLockHeld},
		{"runtime down", fmt.Errorf("docker: %w", runtime.ErrRuntimeUnavailable), KindEnvironmentUnavailable, ExitEnvironmentUnavailable},
		{"partial build", fmt.Errorf("%w: network", edge.ErrPartialBuild), KindPartialBuild, ExitPartialBuild},
		{"validation", fmt.Errorf("%w: bad fragment", routes.ErrValidationFailed), KindValidationFailed, ExitValidationFailed},
		{"reload", fmt.Errorf("%w: signal lost", routes.ErrReloadFailed), KindReloadFailed, ExitReloadFailed},
		{"cert", fmt.Errorf("%w: expired", certs.ErrCertificateInvalid), KindCertificateInvalid, ExitCertificateInvalid},
		{"connectivity", fmt.Errorf("%w: no answer", ErrConnectivityUnverified), KindConnectivityUnverified, ExitConnectivityUnverified},
		{"unrecognized", errors.New("disk on fire"), KindUnknown, ExitUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
			assert.Equal(t, tc.exit, ExitCodeFor(tc.err))
		})
	}
}

func TestClassifyError_ExplicitKindWins(t *testing.T) {
	// A DeployError's explicit kind beats whatever sentinel it wraps.
	inner := fmt.Errorf("probe: %w", ErrConnectivityUnverified)
	err := NewDeployError(PhaseRouteValidated, KindReloadFailed, inner)

	wrapped := fmt.Errorf("deploy: %w", err)
	assert.Equal(t, KindReloadFailed, ClassifyError(wrapped))
	assert.Equal(t, ExitReloadFailed, ExitCodeFor(wrapped))

	// The original sentinel is still reachable for errors.Is callers.
	assert.ErrorIs(t, wrapped, ErrConnectivityUnverified)
}

func TestDeployError_Message(t *testing.T) {
	err := FailDeploy(PhaseRuntimeVerified, fmt.Errorf("probe: %w", ErrConnectivityUnverified))

	require.Error(t, err)
	assert.Equal(t, KindConnectivityUnverified, err.Kind)
	assert.Contains(t, err.Error(), "runtime-verified")
	assert.Contains(t, err.Error(), "connectivity-unverified")
}

func TestExitCodeFor_Nil(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCodeFor(nil))
}

func TestParseEnvFlags(t *testing.T) {
	env, err := parseEnvFlags([]string{"DB_HOST=localhost", "EMPTY=", "URL=http://x?a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"DB_HOST": "localhost",
		"EMPTY":   "",
		"URL":     "http://x?a=b",
	}, env)

	env, err = parseEnvFlags(nil)
	require.NoError(t, err)
	assert.Nil(t, env)

	_, err = parseEnvFlags([]string{"NOEQUALS"})
	assert.Error(t, err)

	_, err = parseEnvFlags([]string{"=value"})
	assert.Error(t, err)
}
