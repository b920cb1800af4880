package main

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/certs"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/edge"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/lock"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/routes"
	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/runtime"
)

// ErrorKind classifies a deployment failure for exit-code mapping.
type ErrorKind int

const (
	// KindUnknown is any failure outside the taxonomy.
	KindUnknown ErrorKind = iota

	// KindUsage is an input or validation error before any work started.
	KindUsage

	// KindEnvironmentUnavailable means the runtime or edge cannot serve.
	KindEnvironmentUnavailable

	// KindPartialBuild means edge bootstrap failed partway, never retried.
	KindPartialBuild

	// KindValidationFailed means a candidate route config was rejected.
	KindValidationFailed

	// KindConnectivityUnverified means the tenant never answered probes.
	KindConnectivityUnverified

	// KindReloadFailed means the proxy rejected a reload; rollback ran.
	KindReloadFailed

	// KindCertificateInvalid means certificate material failed validation.
	KindCertificateInvalid

	// KindLockHeld means another deployment holds the lock.
	KindLockHeld
)

// Exit codes, one per failure kind so scripts can branch on outcome.
const (
	ExitOK                     = 0
	ExitUsage                  = 1
	ExitEnvironmentUnavailable = 10
	ExitPartialBuild           = 11
	ExitValidationFailed       = 12
	ExitConnectivityUnverified = 13
	ExitReloadFailed           = 14
	ExitCertificateInvalid     = 15
	ExitLockHeld               = 16
	ExitUnknown                = 20
)

// String returns the kind's human-readable name.
func (k ErrorKind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindEnvironmentUnavailable:
		return "environment-unavailable"
	case KindPartialBuild:
		return "partial-build"
	case KindValidationFailed:
		return "validation-failed"
	case KindConnectivityUnverified:
		return "connectivity-unverified"
	case KindReloadFailed:
		return "reload-failed"
	case KindCertificateInvalid:
		return "certificate-invalid"
	case KindLockHeld:
		return "lock-held"
	default:
		return "unknown"
	}
}

// ExitCode maps the kind to the process exit code.
func (k ErrorKind) ExitCode() int {
	switch k {
	case KindUsage:
		return ExitUsage
	case KindEnvironmentUnavailable:
		return ExitEnvironmentUnavailable
	case KindPartialBuild:
		return ExitPartialBuild
	case KindValidationFailed:
		return ExitValidationFailed
	case KindConnectivityUnverified:
		return ExitConnectivityUnverified
	case KindReloadFailed:
		return ExitReloadFailed
	case KindCertificateInvalid:
		return ExitCertificateInvalid
	case KindLockHeld:
		return ExitLockHeld
	default:
		return ExitUnknown
	}
}

// DeployError records which phase of a deployment failed and how.
//
// Wraps the underlying cause so errors.Is still matches the package
// sentinels deeper in the chain.
type DeployError struct {
	// Phase is the pipeline phase that failed.
	Phase Phase

	// Kind classifies the failure for exit-code mapping.
	Kind ErrorKind

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns a formatted message naming phase and kind.
func (e *DeployError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s failed (%s): %v", e.Phase, e.Kind, e.Wrapped)
	}
	return fmt.Sprintf("%s failed (%s)", e.Phase, e.Kind)
}

// Unwrap returns the underlying error.
func (e *DeployError) Unwrap() error {
	return e.Wrapped
}

// NewDeployError wraps err with phase and kind context.
func NewDeployError(phase Phase, kind ErrorKind, err error) *DeployError {
	return &DeployError{Phase: phase, Kind: kind, Wrapped: err}
}

// FailDeploy classifies err automatically and wraps it for the phase.
func FailDeploy(phase Phase, err error) *DeployError {
	return NewDeployError(phase, ClassifyError(err), err)
}

// ClassifyError maps an error chain onto the failure taxonomy.
//
// A wrapped DeployError keeps its explicit kind; otherwise the package
// sentinels decide. Unrecognized errors are KindUnknown.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var de *DeployError
	if errors.As(err, &de) {
		return de.Kind
	}

	switch {
	case errors.Is(err, lock.ErrLockHeld):
		return KindLockHeld
	case errors.Is(err, runtime.ErrRuntimeUnavailable):
		return KindEnvironmentUnavailable
	case errors.Is(err, edge.ErrPartialBuild):
		return KindPartialBuild
	case errors.Is(err, routes.ErrValidationFailed):
		return KindValidationFailed
	case errors.Is(err, routes.ErrReloadFailed):
		return KindReloadFailed
	case errors.Is(err, certs.ErrCertificateInvalid):
		return KindCertificateInvalid
	case errors.Is(err, ErrConnectivityUnverified):
		return KindConnectivityUnverified
	}
	return KindUnknown
}

// ExitCodeFor returns the exit code for an arbitrary error.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	return ClassifyError(err).ExitCode()
}

// Compile-time error interface check.
var _ error = (*DeployError)(nil)
