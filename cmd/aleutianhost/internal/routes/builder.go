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
Package routes builds and publishes the edge proxy's route configuration.

Route configuration is never edited as raw text. Each tenant owns one typed
Fragment which is rendered through a single fixed template, and every
mutation of the live fragment directory goes through the Store's
snapshot-validate-rename-reload-verify transaction. Rendering the same
Fragment always yields byte-identical output, so fragment diffs only ever
reflect real configuration changes.
*/
package routes

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/AleutianAI/AleutianHost/pkg/validation"
)

// =============================================================================
// Fragment
// =============================================================================

// Fragment is the typed route description for one tenant.
//
// # Description
//
// A Fragment maps one public domain to one tenant container reachable from
// the edge proxy over the shared edge network. The upstream is addressed by
// container name: the runtime's embedded DNS keeps the route valid across
// container restarts that change addresses.
type Fragment struct {
	// Tenant is the tenant slug, also the fragment file stem.
	Tenant string

	// Domain is the public server name routed to the tenant.
	Domain string

	// UpstreamHost is the tenant container name on the edge network.
	UpstreamHost string

	// UpstreamPort is the port the tenant application listens on.
	UpstreamPort int

	// CertPath is the container path of the domain's current certificate.
	CertPath string

	// KeyPath is the container path of the domain's current private key.
	KeyPath string
}

// Validate checks the fragment fields before rendering.
func (f Fragment) Validate() error {
	if err := validation.ValidateSlug(f.Tenant); err != nil {
		return fmt.Errorf("tenant: %w", err)
	}
	if err := validation.ValidateDomain(f.Domain); err != nil {
		return fmt.Errorf("domain: %w", err)
	}
	if f.UpstreamHost == "" {
		return fmt.Errorf("upstream host cannot be empty")
	}
	if err := validation.ValidatePort(f.UpstreamPort); err != nil {
		return fmt.Errorf("upstream port: %w", err)
	}
	if f.CertPath == "" || f.KeyPath == "" {
		return fmt.Errorf("cert and key paths are required")
	}
	return nil
}

// FileName returns the fragment's file name in the live directory.
func (f Fragment) FileName() string {
	return f.Tenant + ".conf"
}

// =============================================================================
// Rendering
// =============================================================================

// fragmentTemplate renders one tenant's server blocks. Field order and
// whitespace are fixed: rendering must be deterministic.
var fragmentTemplate = template.Must(template.New("fragment").Parse(
	`# tenant: {{.Tenant}} (generated, do not edit)
server {
    listen 443 ssl;
    server_name {{.Domain}};

    ssl_certificate     {{.CertPath}};
    ssl_certificate_key {{.KeyPath}};

    location / {
        proxy_pass http://{{.UpstreamHost}}:{{.UpstreamPort}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}

server {
    listen 80;
    server_name {{.Domain}};
    return 301 https://$host$request_uri;
}
`))

// Render validates the fragment and produces its configuration bytes.
//
// Rendering the same Fragment twice yields identical bytes.
func Render(f Fragment) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fragment: %w", err)
	}

	var buf bytes.Buffer
	if err := fragmentTemplate.Execute(&buf, f); err != nil {
		return nil, fmt.Errorf("rendering fragment: %w", err)
	}
	return buf.Bytes(), nil
}

// =============================================================================
// Main Configuration
// =============================================================================

// MainConfig parameterizes the proxy's top-level configuration.
//
// The same template serves two purposes: the live nginx.conf the edge
// container runs with, and the candidate configuration the Store validates
// against a staged fragment tree. Only the include directory differs.
type MainConfig struct {
	// IncludeDir is the container directory whose *.conf files are merged.
	IncludeDir string

	// FallbackCertPath is the default server's certificate (reserved
	// "default" material, never a tenant's).
	FallbackCertPath string

	// FallbackKeyPath is the default server's private key.
	FallbackKeyPath string
}

var mainTemplate = template.Must(template.New("main").Parse(
	`# generated by aleutianhost, do not edit
worker_processes auto;
error_log /var/log/nginx/error.log notice;
pid /var/run/nginx.pid;

events {
    worker_connections 1024;
}

http {
    include /etc/nginx/mime.types;
    default_type application/octet-stream;
    sendfile on;
    keepalive_timeout 65;

    # Default servers: unknown names get a refusal, never another tenant.
    server {
        listen 80 default_server;
        server_name _;
        return 404;
    }

    server {
        listen 443 ssl default_server;
        server_name _;
        ssl_certificate     {{.FallbackCertPath}};
        ssl_certificate_key {{.FallbackKeyPath}};
        return 404;
    }

    include {{.IncludeDir}}/*.conf;
}
`))

// RenderMain produces the top-level proxy configuration.
func RenderMain(cfg MainConfig) ([]byte, error) {
	if cfg.IncludeDir == "" {
		return nil, fmt.Errorf("include dir cannot be empty")
	}
	if cfg.FallbackCertPath == "" || cfg.FallbackKeyPath == "" {
		return nil, fmt.Errorf("fallback cert and key paths are required")
	}

	var buf bytes.Buffer
	if err := mainTemplate.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("rendering main config: %w", err)
	}
	return buf.Bytes(), nil
}
