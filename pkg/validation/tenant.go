// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// file paths, container names, and subprocess calls. Using these validators
// prevents injection attacks (command injection, path traversal) and keeps
// derived resource names (networks, fragment files, cert directories) legal.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// slugPattern matches valid tenant slugs.
// A slug doubles as a container name, a network name suffix, and a fragment
// file stem, so it must be a single DNS-label-safe token.
// Allows: lowercase letters, digits, hyphens (not leading or trailing).
// Max length: 63 characters (DNS label limit).
var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// domainLabelPattern matches a single label of a fully qualified domain name.
var domainLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateSlug validates a tenant slug.
//
// Valid slugs:
//   - 1-63 characters
//   - Lowercase letters a-z
//   - Digits 0-9
//   - Hyphens (-), not leading or trailing
//
// Returns an error if the slug is invalid.
//
// Example:
//
//	if err := validation.ValidateSlug(name); err != nil {
//	    return fmt.Errorf("invalid tenant name: %w", err)
//	}
//	// Safe to use as container name, network suffix, fragment stem
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug cannot be empty")
	}

	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug format: %q (must be 1-63 lowercase alphanumeric chars or interior hyphens)", slug)
	}

	return nil
}

// ValidateDomain validates a fully qualified domain name.
//
// Valid domains:
//   - At least two labels ("example.com"), each 1-63 chars
//   - Lowercase alphanumerics and interior hyphens per label
//   - 253 characters total maximum
//
// Returns an error if the domain is invalid.
func ValidateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if len(domain) > 253 {
		return fmt.Errorf("domain too long: %d chars (max 253)", len(domain))
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return fmt.Errorf("invalid domain %q: must contain at least two labels", domain)
	}
	for _, label := range labels {
		if !domainLabelPattern.MatchString(label) {
			return fmt.Errorf("invalid domain %q: bad label %q", domain, label)
		}
	}

	return nil
}

// ValidatePort validates a TCP port number for a tenant application.
//
// Ports must be in the registered/dynamic range 1-65535. Port 0 is rejected
// because route targets must be concrete.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1-65535", port)
	}
	return nil
}

// SanitizeSlug normalizes and validates a tenant slug.
// Returns the lowercase slug if valid, or an error if invalid.
//
// Use this when you need both validation and normalization:
//
//	safeName, err := validation.SanitizeSlug(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeName is lowercase and validated
func SanitizeSlug(slug string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(slug))
	if err := ValidateSlug(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// =============================================================================
// Struct Validation
// =============================================================================

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// structValidator returns the shared validator instance with the custom
// "slug" and "fqdn" tags registered.
func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Registration errors only occur for blank tags or nil funcs,
		// which would be a programming error caught by any test run.
		_ = validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
			return ValidateSlug(fl.Field().String()) == nil
		})
		_ = validate.RegisterValidation("fqdn_strict", func(fl validator.FieldLevel) bool {
			return ValidateDomain(fl.Field().String()) == nil
		})
	})
	return validate
}

// ValidateStruct runs tag-based validation over a struct.
//
// Supported custom tags beyond the validator/v10 built-ins:
//   - slug: field must pass ValidateSlug
//   - fqdn_strict: field must pass ValidateDomain
//
// Returns the first validation error formatted with the offending field name,
// or nil if the struct is valid.
func ValidateStruct(s any) error {
	if err := structValidator().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("field %s failed %q validation (value %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return err
	}
	return nil
}
