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
Package certs manages per-domain TLS material for the shared edge proxy.

Each domain owns a directory under the certificate root:

	<root>/<domain>/
	    current -> 20250901T120000           (relative symlink, active version)
	    current.crt -> current/cert.crt      (stable, what fragments reference)
	    current.key -> current/cert.key
	    20250901T120000/cert.crt             (issued material)
	    20250901T120000/cert.key
	    20250901T120000.staged/              (mid-rotation staging, transient)

The proxy only ever references current.crt and current.key, so rotation is a
symlink swap and never requires touching route fragments. Symlink targets are
relative so the layout survives bind-mounting into the edge container.

# Crash Resumability

Rotate stages each issue under a <version>.staged directory, commits it with
a single directory rename, and activates it by swapping the current symlink.
Cert and key share one version directory and current.crt/current.key resolve
through the current symlink, so no interruption point can leave a mismatched
pair active. A re-run after a crash resumes where the protocol stopped: a
usable staged directory is committed, a committed but unactivated version is
activated, and only a torn or unusable stage is regenerated. Old version
directories are retained as backups.
*/
package certs

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrCertificateMissing is returned when a domain has no current material.
	ErrCertificateMissing = errors.New("certificate material missing")

	// ErrCertificateInvalid is returned when material exists but fails
	// validation (expired, wrong subject, or key mismatch).
	ErrCertificateInvalid = errors.New("certificate invalid")
)

// timestampLayout names issued version directories.
const timestampLayout = "20060102T150405"

const (
	currentCertName = "current.crt"
	currentKeyName  = "current.key"
	currentDirName  = "current"
	versionCertName = "cert.crt"
	versionKeyName  = "cert.key"
	stagedSuffix    = ".staged"
	retiredDirName  = ".retired"
)

// =============================================================================
// Types
// =============================================================================

// ScanEntry reports the state of one domain's certificate.
type ScanEntry struct {
	// Domain is the directory name under the certificate root.
	Domain string

	// NotAfter is the expiry of the current certificate (zero if unreadable).
	NotAfter time.Time

	// NeedsRenewal is true when the certificate is missing, invalid, or
	// expires within the scan window.
	NeedsRenewal bool

	// Reason explains why renewal is needed ("" when healthy).
	Reason string
}

// =============================================================================
// Interface Definition
// =============================================================================

// Manager handles certificate issuance, validation, and rotation.
//
// # Thread Safety
//
// Implementations serialize operations internally; callers additionally hold
// the deployment lock, so cross-process races are excluded there.
type Manager interface {
	// EnsureIssued guarantees the domain has valid current material,
	// rotating if it is missing or invalid. Reports whether a rotation
	// happened.
	EnsureIssued(domain string) (bool, error)

	// Validate checks the domain's current material: parsable, within its
	// validity window, covering the domain, and with a matching key.
	// Returns ErrCertificateMissing or a wrapped ErrCertificateInvalid.
	Validate(domain string) error

	// Rotate issues new material and atomically activates it. Resumes an
	// interrupted rotation after a crash instead of regenerating.
	Rotate(domain string) error

	// Scan walks the certificate root and reports domains whose material
	// is missing, invalid, or expiring within the window.
	Scan(window time.Duration) ([]ScanEntry, error)

	// Retire moves a domain's material into the retired area. Used when a
	// tenant is removed. Retiring an unknown domain is not an error.
	Retire(domain string) error

	// CurrentPaths returns the host paths of the domain's current cert and
	// key symlinks. The files may not exist yet.
	CurrentPaths(domain string) (certPath, keyPath string)
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultManager implements Manager on a local certificate root directory.
type DefaultManager struct {
	root     string
	org      string
	validity time.Duration
	logger   *slog.Logger

	// generate and now are swappable for deterministic tests.
	generate func(domain, org string, validity time.Duration) (*KeyPair, error)
	now      func() time.Time

	mu sync.Mutex
}

// NewDefaultManager creates a Manager rooted at the given directory.
//
// # Inputs
//
//   - root: Certificate root directory. Created on demand.
//   - org: Subject organization ("" uses DefaultOrganization).
//   - validity: Leaf lifetime (<= 0 uses DefaultValidity).
//   - logger: Structured logger (nil uses slog.Default()).
func NewDefaultManager(root, org string, validity time.Duration, logger *slog.Logger) *DefaultManager {
	if logger == nil {
		logger = slog.Default()
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &DefaultManager{
		root:     root,
		org:      org,
		validity: validity,
		logger:   logger,
		generate: GenerateSelfSigned,
		now:      time.Now,
	}
}

func (m *DefaultManager) domainDir(domain string) string {
	return filepath.Join(m.root, domain)
}

// CurrentPaths returns the host paths of the current cert and key symlinks.
func (m *DefaultManager) CurrentPaths(domain string) (string, string) {
	dir := m.domainDir(domain)
	return filepath.Join(dir, currentCertName), filepath.Join(dir, currentKeyName)
}

// EnsureIssued guarantees valid current material, rotating when needed.
func (m *DefaultManager) EnsureIssued(domain string) (bool, error) {
	err := m.Validate(domain)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrCertificateMissing) && !errors.Is(err, ErrCertificateInvalid) {
		return false, err
	}

	m.logger.Info("issuing certificate", "domain", domain, "reason", err.Error())
	if err := m.Rotate(domain); err != nil {
		return false, err
	}
	return true, nil
}

// Validate checks the domain's current material.
func (m *DefaultManager) Validate(domain string) error {
	certPath, keyPath := m.CurrentPaths(domain)

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrCertificateMissing, domain)
		}
		return fmt.Errorf("reading %s: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s has cert but no key", ErrCertificateMissing, domain)
		}
		return fmt.Errorf("reading %s: %w", keyPath, err)
	}

	return validatePair(certPEM, keyPEM, domain, m.now())
}

// validatePair runs the full validation over in-memory material.
func validatePair(certPEM, keyPEM []byte, domain string, now time.Time) error {
	cert, err := ParseCertPEM(certPEM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	key, err := ParseKeyPEM(keyPEM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}

	if now.Before(cert.NotBefore) {
		return fmt.Errorf("%w: not valid until %s", ErrCertificateInvalid, cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("%w: expired at %s", ErrCertificateInvalid, cert.NotAfter.Format(time.RFC3339))
	}

	if err := cert.VerifyHostname(domain); err != nil {
		return fmt.Errorf("%w: subject does not cover %q: %v", ErrCertificateInvalid, domain, err)
	}

	certPub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: unreadable public key: %v", ErrCertificateInvalid, err)
	}
	keyPub, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return fmt.Errorf("%w: unreadable private key: %v", ErrCertificateInvalid, err)
	}
	if !bytes.Equal(certPub, keyPub) {
		return fmt.Errorf("%w: certificate and key do not pair", ErrCertificateInvalid)
	}

	return nil
}

// Rotate issues new material and atomically activates it.
//
// # Description
//
// The rotation protocol, in order:
//
//  1. Resume any interrupted rotation: commit a usable staged directory,
//     or pick up a committed version that never went live. A torn or
//     unusable stage is discarded.
//  2. Otherwise generate a fresh pair into <version>.staged and commit it
//     by renaming the directory to <version>.
//  3. Swap the current symlink to the version directory.
//
// The symlink swap is the single activation point and cert and key share
// one version directory, so an interruption leaves either the old pair or
// the new pair fully active, never a mix. Previous version directories
// remain on disk as backups.
func (m *DefaultManager) Rotate(domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.domainDir(domain)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating cert directory: %w", err)
	}

	version, resumed, err := m.resumeVersion(dir, domain)
	if err != nil {
		return err
	}
	if resumed {
		m.logger.Info("resuming interrupted rotation", "domain", domain, "version", version)
	} else {
		version, err = m.issueVersion(dir, domain)
		if err != nil {
			return err
		}
	}

	if err := m.activate(dir, version); err != nil {
		return err
	}

	m.logger.Info("certificate rotated", "domain", domain, "issued", version)
	return nil
}

// resumeVersion picks up an interrupted rotation. It commits a usable
// staged directory (crash during staging), then reports the newest
// committed version when it is not the active one (crash before the
// symlink swap). Torn or unusable stages are discarded.
func (m *DefaultManager) resumeVersion(dir, domain string) (string, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false, fmt.Errorf("reading cert directory: %w", err)
	}

	var newest string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, stagedSuffix) {
			staged := filepath.Join(dir, name)
			if !m.usablePair(staged, domain) {
				m.logger.Warn("discarding unusable staged material", "domain", domain, "stage", name)
				_ = os.RemoveAll(staged)
				continue
			}
			version := strings.TrimSuffix(name, stagedSuffix)
			if err := os.Rename(staged, filepath.Join(dir, version)); err != nil {
				return "", false, fmt.Errorf("committing staged material: %w", err)
			}
			if version > newest {
				newest = version
			}
			continue
		}
		if e.IsDir() && name > newest {
			newest = name
		}
	}
	if newest == "" {
		return "", false, nil
	}

	active, _ := os.Readlink(filepath.Join(dir, currentDirName))
	if active == newest || !m.usablePair(filepath.Join(dir, newest), domain) {
		return "", false, nil
	}
	return newest, true, nil
}

// usablePair reports whether a version directory holds a complete pair
// that validates for the domain.
func (m *DefaultManager) usablePair(versionDir, domain string) bool {
	certPEM, certErr := os.ReadFile(filepath.Join(versionDir, versionCertName))
	keyPEM, keyErr := os.ReadFile(filepath.Join(versionDir, versionKeyName))
	if certErr != nil || keyErr != nil {
		return false
	}
	return validatePair(certPEM, keyPEM, domain, m.now()) == nil
}

// issueVersion generates a fresh pair, stages it under <version>.staged,
// and commits it with a single directory rename.
func (m *DefaultManager) issueVersion(dir, domain string) (string, error) {
	pair, err := m.generate(domain, m.org, m.validity)
	if err != nil {
		return "", fmt.Errorf("generating certificate for %s: %w", domain, err)
	}

	base := m.now().UTC().Format(timestampLayout)
	version := base
	for i := 2; m.pathExists(filepath.Join(dir, version)); i++ {
		// Same-second rotation; suffixed names still sort newest-last.
		version = fmt.Sprintf("%s-%d", base, i)
	}

	stage := filepath.Join(dir, version+stagedSuffix)
	if err := os.MkdirAll(stage, 0750); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stage, versionCertName), pair.CertPEM, 0644); err != nil {
		return "", fmt.Errorf("staging certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stage, versionKeyName), pair.KeyPEM, 0600); err != nil {
		return "", fmt.Errorf("staging key: %w", err)
	}

	if err := os.Rename(stage, filepath.Join(dir, version)); err != nil {
		return "", fmt.Errorf("committing %s: %w", version, err)
	}
	return version, nil
}

func (m *DefaultManager) pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// activate points current at the version directory, then ensures the
// stable file symlinks the proxy references. The directory swap is the
// only link whose target changes across rotations.
func (m *DefaultManager) activate(dir, version string) error {
	if err := swapSymlink(filepath.Join(dir, currentDirName), version); err != nil {
		return fmt.Errorf("activating %s: %w", version, err)
	}
	if err := swapSymlink(filepath.Join(dir, currentCertName), currentDirName+"/"+versionCertName); err != nil {
		return fmt.Errorf("linking current certificate: %w", err)
	}
	if err := swapSymlink(filepath.Join(dir, currentKeyName), currentDirName+"/"+versionKeyName); err != nil {
		return fmt.Errorf("linking current key: %w", err)
	}
	return nil
}

// swapSymlink atomically points linkPath at target via temp link + rename.
// The target is relative so the layout survives bind mounts.
func swapSymlink(linkPath, target string) error {
	tmp := linkPath + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Scan walks the certificate root and reports renewal needs.
func (m *DefaultManager) Scan(window time.Duration) ([]ScanEntry, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cert root: %w", err)
	}

	now := m.now()
	var out []ScanEntry
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		domain := e.Name()
		entry := ScanEntry{Domain: domain}

		certPath, _ := m.CurrentPaths(domain)
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			entry.NeedsRenewal = true
			entry.Reason = "missing current certificate"
			out = append(out, entry)
			continue
		}
		cert, err := ParseCertPEM(certPEM)
		if err != nil {
			entry.NeedsRenewal = true
			entry.Reason = "unparsable certificate"
			out = append(out, entry)
			continue
		}

		entry.NotAfter = cert.NotAfter
		switch {
		case now.After(cert.NotAfter):
			entry.NeedsRenewal = true
			entry.Reason = "expired"
		case cert.NotAfter.Sub(now) < window:
			entry.NeedsRenewal = true
			entry.Reason = fmt.Sprintf("expires in %s", cert.NotAfter.Sub(now).Round(time.Hour))
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// Retire moves a domain's material into the retired area.
func (m *DefaultManager) Retire(domain string) error {
	dir := m.domainDir(domain)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	retired := filepath.Join(m.root, retiredDirName)
	if err := os.MkdirAll(retired, 0750); err != nil {
		return fmt.Errorf("creating retired directory: %w", err)
	}

	dest := filepath.Join(retired, fmt.Sprintf("%s-%s", domain, m.now().UTC().Format(timestampLayout)))
	if err := os.Rename(dir, dest); err != nil {
		return fmt.Errorf("retiring %s: %w", domain, err)
	}

	m.logger.Info("certificate material retired", "domain", domain, "dest", dest)
	return nil
}

// =============================================================================
// Mock Implementation for Testing
// =============================================================================

// MockManager is a test double for Manager.
//
// Configure by setting function fields; unset fields succeed with zero
// values. All invocations are recorded in Calls.
type MockManager struct {
	EnsureIssuedFunc func(domain string) (bool, error)
	ValidateFunc     func(domain string) error
	RotateFunc       func(domain string) error
	ScanFunc         func(window time.Duration) ([]ScanEntry, error)
	RetireFunc       func(domain string) error
	CurrentPathsFunc func(domain string) (string, string)

	// Calls records method invocations as "Method:domain".
	Calls []string

	mu sync.Mutex
}

func (m *MockManager) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// EnsureIssued delegates to EnsureIssuedFunc.
func (m *MockManager) EnsureIssued(domain string) (bool, error) {
	m.record("EnsureIssued:" + domain)
	if m.EnsureIssuedFunc != nil {
		return m.EnsureIssuedFunc(domain)
	}
	return false, nil
}

// Validate delegates to ValidateFunc.
func (m *MockManager) Validate(domain string) error {
	m.record("Validate:" + domain)
	if m.ValidateFunc != nil {
		return m.ValidateFunc(domain)
	}
	return nil
}

// Rotate delegates to RotateFunc.
func (m *MockManager) Rotate(domain string) error {
	m.record("Rotate:" + domain)
	if m.RotateFunc != nil {
		return m.RotateFunc(domain)
	}
	return nil
}

// Scan delegates to ScanFunc.
func (m *MockManager) Scan(window time.Duration) ([]ScanEntry, error) {
	m.record("Scan")
	if m.ScanFunc != nil {
		return m.ScanFunc(window)
	}
	return nil, nil
}

// Retire delegates to RetireFunc.
func (m *MockManager) Retire(domain string) error {
	m.record("Retire:" + domain)
	if m.RetireFunc != nil {
		return m.RetireFunc(domain)
	}
	return nil
}

// CurrentPaths delegates to CurrentPathsFunc.
func (m *MockManager) CurrentPaths(domain string) (string, string) {
	m.record("CurrentPaths:" + domain)
	if m.CurrentPathsFunc != nil {
		return m.CurrentPathsFunc(domain)
	}
	return "/certs/" + domain + "/current.crt", "/certs/" + domain + "/current.key"
}

// Compile-time interface compliance checks.
var (
	_ Manager = (*DefaultManager)(nil)
	_ Manager = (*MockManager)(nil)
)
