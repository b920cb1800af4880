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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

const (
	// DefaultOrganization is the subject organization used when the
	// configuration does not provide one.
	DefaultOrganization = "Aleutian Host"

	// DefaultValidity is the leaf certificate lifetime used when the
	// configuration does not provide one.
	DefaultValidity = 365 * 24 * time.Hour
)

// KeyPair holds PEM-encoded certificate material for one domain.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// GenerateSelfSigned creates a self-signed ECDSA P-256 certificate for the
// given domain.
//
// # Description
//
// The certificate is a leaf with no chain: this engine serves internal and
// development hosting where a trusted CA is out of scope. The domain is set
// as both CommonName and a DNS SAN; if the domain parses as an IP address it
// is added as an IP SAN instead.
//
// # Inputs
//
//   - domain: Subject CommonName and SAN. Must not be empty.
//   - org: Subject organization ("" uses DefaultOrganization).
//   - validity: Certificate lifetime (<= 0 uses DefaultValidity).
//
// # Outputs
//
//   - *KeyPair: PEM-encoded certificate and private key.
//   - error: Key generation or encoding failure.
func GenerateSelfSigned(domain, org string, validity time.Duration) (*KeyPair, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}
	if org == "" {
		org = DefaultOrganization
	}
	if validity <= 0 {
		validity = DefaultValidity
	}

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	// Large random serial; there is no issuing CA tracking uniqueness.
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   domain,
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(domain); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = append(template.DNSNames, domain)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	keyBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	return &KeyPair{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// ParseCertPEM decodes a PEM certificate into its x509 form.
func ParseCertPEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// ParseKeyPEM decodes a PEM private key, accepting EC and PKCS8 wrapping.
func ParseKeyPEM(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Fallback for PKCS8 wrapping
		if k, err2 := x509.ParsePKCS8PrivateKey(block.Bytes); err2 == nil {
			if ec, ok := k.(*ecdsa.PrivateKey); ok {
				return ec, nil
			}
			return nil, fmt.Errorf("non-ECDSA private key")
		}
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
