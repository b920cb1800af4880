// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package certs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *DefaultManager {
	t.Helper()
	return NewDefaultManager(t.TempDir(), "Test Org", 24*time.Hour, nil)
}

// =============================================================================
// Generator Tests
// =============================================================================

func TestGenerateSelfSigned(t *testing.T) {
	pair, err := GenerateSelfSigned("blog.example.com", "Test Org", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned() error: %v", err)
	}

	cert, err := ParseCertPEM(pair.CertPEM)
	if err != nil {
		t.Fatalf("ParseCertPEM() error: %v", err)
	}
	if cert.Subject.CommonName != "blog.example.com" {
		t.Errorf("CommonName = %q", cert.Subject.CommonName)
	}
	if err := cert.VerifyHostname("blog.example.com"); err != nil {
		t.Errorf("VerifyHostname() error: %v", err)
	}

	key, err := ParseKeyPEM(pair.KeyPEM)
	if err != nil {
		t.Fatalf("ParseKeyPEM() error: %v", err)
	}
	if key == nil {
		t.Fatal("nil key")
	}

	// Pair must validate end to end
	if err := validatePair(pair.CertPEM, pair.KeyPEM, "blog.example.com", time.Now()); err != nil {
		t.Errorf("validatePair() error: %v", err)
	}
}

func TestGenerateSelfSigned_EmptyDomain(t *testing.T) {
	if _, err := GenerateSelfSigned("", "org", time.Hour); err == nil {
		t.Error("expected error for empty domain")
	}
}

func TestValidatePair_WrongDomain(t *testing.T) {
	pair, err := GenerateSelfSigned("blog.example.com", "", 0)
	if err != nil {
		t.Fatalf("GenerateSelfSigned() error: %v", err)
	}

	err = validatePair(pair.CertPEM, pair.KeyPEM, "other.example.com", time.Now())
	if !errors.Is(err, ErrCertificateInvalid) {
		t.Errorf("expected ErrCertificateInvalid, got %v", err)
	}
}

func TestValidatePair_Expired(t *testing.T) {
	pair, err := GenerateSelfSigned("blog.example.com", "", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned() error: %v", err)
	}

	future := time.Now().Add(48 * time.Hour)
	err = validatePair(pair.CertPEM, pair.KeyPEM, "blog.example.com", future)
	if !errors.Is(err, ErrCertificateInvalid) {
		t.Errorf("expected ErrCertificateInvalid for expired cert, got %v", err)
	}
}

func TestValidatePair_KeyMismatch(t *testing.T) {
	a, _ := GenerateSelfSigned("blog.example.com", "", time.Hour)
	b, _ := GenerateSelfSigned("blog.example.com", "", time.Hour)

	err := validatePair(a.CertPEM, b.KeyPEM, "blog.example.com", time.Now())
	if !errors.Is(err, ErrCertificateInvalid) {
		t.Errorf("expected ErrCertificateInvalid for key mismatch, got %v", err)
	}
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestManager_RotateAndValidate(t *testing.T) {
	m := newTestManager(t)

	if err := m.Rotate("blog.example.com"); err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}

	if err := m.Validate("blog.example.com"); err != nil {
		t.Errorf("Validate() after Rotate() error: %v", err)
	}

	// All three symlinks must be relative so the layout survives bind
	// mounts, and the active version must come through the current dir.
	certPath, keyPath := m.CurrentPaths("blog.example.com")
	target, err := os.Readlink(certPath)
	if err != nil {
		t.Fatalf("Readlink(%s) error: %v", certPath, err)
	}
	if filepath.IsAbs(target) {
		t.Errorf("cert symlink target should be relative, got %q", target)
	}
	if _, err := os.Readlink(keyPath); err != nil {
		t.Errorf("Readlink(%s) error: %v", keyPath, err)
	}
	dir := filepath.Dir(certPath)
	active, err := os.Readlink(filepath.Join(dir, currentDirName))
	if err != nil {
		t.Fatalf("Readlink(current) error: %v", err)
	}
	if filepath.IsAbs(active) {
		t.Errorf("current target should be relative, got %q", active)
	}

	// No staged leftovers after a clean rotation
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == stagedSuffix {
			t.Errorf("staging dir %s should not survive a completed rotation", e.Name())
		}
	}
}

func TestManager_Validate_Missing(t *testing.T) {
	m := newTestManager(t)

	err := m.Validate("nothing.example.com")
	if !errors.Is(err, ErrCertificateMissing) {
		t.Errorf("expected ErrCertificateMissing, got %v", err)
	}
}

func TestManager_EnsureIssued(t *testing.T) {
	m := newTestManager(t)

	rotated, err := m.EnsureIssued("blog.example.com")
	if err != nil {
		t.Fatalf("EnsureIssued() error: %v", err)
	}
	if !rotated {
		t.Error("first EnsureIssued() should rotate")
	}

	rotated, err = m.EnsureIssued("blog.example.com")
	if err != nil {
		t.Fatalf("second EnsureIssued() error: %v", err)
	}
	if rotated {
		t.Error("second EnsureIssued() should be a no-op")
	}
}

func TestManager_Rotate_KeepsBackups(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	m.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}

	if err := m.Rotate("blog.example.com"); err != nil {
		t.Fatalf("first Rotate() error: %v", err)
	}
	if err := m.Rotate("blog.example.com"); err != nil {
		t.Fatalf("second Rotate() error: %v", err)
	}

	dir := filepath.Join(m.root, "blog.example.com")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}

	var versions int
	for _, e := range entries {
		if e.IsDir() {
			versions++
		}
	}
	if versions != 2 {
		t.Errorf("expected 2 version dirs (1 live + 1 backup), got %d", versions)
	}

	if err := m.Validate("blog.example.com"); err != nil {
		t.Errorf("Validate() error after double rotation: %v", err)
	}
}

func TestManager_Rotate_ResumesStaged(t *testing.T) {
	m := newTestManager(t)
	dir := filepath.Join(m.root, "blog.example.com")
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash after staging: valid staged pair on disk.
	staged, err := GenerateSelfSigned("blog.example.com", "Test Org", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	stage := filepath.Join(dir, "20260801T115900"+stagedSuffix)
	if err := os.MkdirAll(stage, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stage, versionCertName), staged.CertPEM, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stage, versionKeyName), staged.KeyPEM, 0600); err != nil {
		t.Fatal(err)
	}

	generated := 0
	m.generate = func(domain, org string, validity time.Duration) (*KeyPair, error) {
		generated++
		return GenerateSelfSigned(domain, org, validity)
	}

	if err := m.Rotate("blog.example.com"); err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if generated != 0 {
		t.Errorf("Rotate() regenerated despite usable staged material (%d calls)", generated)
	}

	// The committed current material must be the staged bytes.
	certPath, _ := m.CurrentPaths("blog.example.com")
	got, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("reading current cert: %v", err)
	}
	if string(got) != string(staged.CertPEM) {
		t.Error("current cert should be the resumed staged material")
	}
}

func TestManager_Rotate_DiscardsTornStage(t *testing.T) {
	m := newTestManager(t)
	dir := filepath.Join(m.root, "blog.example.com")
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}

	// Only half the staged pair survived the crash.
	stage := filepath.Join(dir, "20260801T115900"+stagedSuffix)
	if err := os.MkdirAll(stage, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stage, versionCertName), []byte("torn"), 0644); err != nil {
		t.Fatal(err)
	}

	generated := 0
	m.generate = func(domain, org string, validity time.Duration) (*KeyPair, error) {
		generated++
		return GenerateSelfSigned(domain, org, validity)
	}

	if err := m.Rotate("blog.example.com"); err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if generated != 1 {
		t.Errorf("Rotate() should regenerate after torn stage, got %d calls", generated)
	}
	if err := m.Validate("blog.example.com"); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestManager_Rotate_ActivatesCommittedVersion(t *testing.T) {
	m := newTestManager(t)
	dir := filepath.Join(m.root, "blog.example.com")

	// Simulate a crash between the commit rename and the symlink swap:
	// a complete version directory exists but current points nowhere.
	committed, err := GenerateSelfSigned("blog.example.com", "Test Org", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	version := filepath.Join(dir, "20260801T115900")
	if err := os.MkdirAll(version, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(version, versionCertName), committed.CertPEM, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(version, versionKeyName), committed.KeyPEM, 0600); err != nil {
		t.Fatal(err)
	}

	generated := 0
	m.generate = func(domain, org string, validity time.Duration) (*KeyPair, error) {
		generated++
		return GenerateSelfSigned(domain, org, validity)
	}

	if err := m.Rotate("blog.example.com"); err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if generated != 0 {
		t.Errorf("Rotate() regenerated despite a committed version (%d calls)", generated)
	}

	active, err := os.Readlink(filepath.Join(dir, currentDirName))
	if err != nil {
		t.Fatalf("Readlink(current) error: %v", err)
	}
	if active != "20260801T115900" {
		t.Errorf("current -> %q, want the committed version", active)
	}
	if err := m.Validate("blog.example.com"); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestManager_Rotate_CurrentPairNeverMixesVersions(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 3; i++ {
		if err := m.Rotate("blog.example.com"); err != nil {
			t.Fatalf("Rotate() #%d error: %v", i+1, err)
		}

		// current.crt and current.key both resolve through the current
		// directory symlink, so they cannot name different versions.
		certPath, keyPath := m.CurrentPaths("blog.example.com")
		certTarget, err := os.Readlink(certPath)
		if err != nil {
			t.Fatal(err)
		}
		keyTarget, err := os.Readlink(keyPath)
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Dir(certTarget) != currentDirName || filepath.Dir(keyTarget) != currentDirName {
			t.Errorf("pair targets %q / %q, both must resolve through %s",
				certTarget, keyTarget, currentDirName)
		}
		if err := m.Validate("blog.example.com"); err != nil {
			t.Errorf("Validate() after rotation #%d: %v", i+1, err)
		}
	}
}

func TestManager_Scan(t *testing.T) {
	m := newTestManager(t)

	// Healthy long-lived cert
	if err := m.Rotate("healthy.example.com"); err != nil {
		t.Fatal(err)
	}

	// Cert expiring inside the window
	m.validity = 2 * time.Hour
	if err := m.Rotate("expiring.example.com"); err != nil {
		t.Fatal(err)
	}
	m.validity = 24 * time.Hour

	// Domain directory with no material
	if err := os.MkdirAll(filepath.Join(m.root, "broken.example.com"), 0750); err != nil {
		t.Fatal(err)
	}

	entries, err := m.Scan(12 * time.Hour)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Scan() returned %d entries, want 3", len(entries))
	}

	byDomain := make(map[string]ScanEntry)
	for _, e := range entries {
		byDomain[e.Domain] = e
	}

	if byDomain["healthy.example.com"].NeedsRenewal {
		t.Error("healthy cert flagged for renewal")
	}
	if !byDomain["expiring.example.com"].NeedsRenewal {
		t.Error("expiring cert not flagged for renewal")
	}
	if !byDomain["broken.example.com"].NeedsRenewal {
		t.Error("missing cert not flagged for renewal")
	}
}

func TestManager_Scan_EmptyRoot(t *testing.T) {
	m := NewDefaultManager(filepath.Join(t.TempDir(), "does-not-exist"), "", 0, nil)
	entries, err := m.Scan(time.Hour)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Scan() on missing root returned %d entries", len(entries))
	}
}

func TestManager_Retire(t *testing.T) {
	m := newTestManager(t)

	if err := m.Rotate("gone.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := m.Retire("gone.example.com"); err != nil {
		t.Fatalf("Retire() error: %v", err)
	}

	// Domain dir gone, retired copy exists
	if _, err := os.Stat(filepath.Join(m.root, "gone.example.com")); !os.IsNotExist(err) {
		t.Error("domain dir should be gone after Retire()")
	}
	retired, err := os.ReadDir(filepath.Join(m.root, retiredDirName))
	if err != nil || len(retired) != 1 {
		t.Errorf("expected 1 retired entry, got %d (err %v)", len(retired), err)
	}

	// Retired domains are excluded from Scan
	entries, err := m.Scan(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Scan() should skip retired material, got %d entries", len(entries))
	}
}

func TestManager_Retire_Unknown(t *testing.T) {
	m := newTestManager(t)
	if err := m.Retire("never-existed.example.com"); err != nil {
		t.Errorf("Retire() of unknown domain should be a no-op, got %v", err)
	}
}
