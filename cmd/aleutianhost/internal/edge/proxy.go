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
Package edge manages the shared reverse proxy: detecting its state,
building its infrastructure, and controlling the proxy process inside it.

The edge is one nginx container plus one shared network. Its host state
directory is bind-mounted into the container so fragment and certificate
changes made on the host are immediately visible to the proxy.
*/
package edge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/runtime"
)

// =============================================================================
// Container Filesystem Layout
// =============================================================================

// The host state root is mounted at ContainerStateDir. All container-side
// paths used in rendered configuration derive from these constants.
const (
	// ContainerStateDir is where the host state root is mounted.
	ContainerStateDir = "/etc/aleutianhost"

	// ContainerFragmentDir holds the live route fragments.
	ContainerFragmentDir = ContainerStateDir + "/fragments"

	// ContainerStagingDir holds candidate trees during validation.
	ContainerStagingDir = ContainerStateDir + "/staging"

	// ContainerCertDir holds per-domain certificate directories.
	ContainerCertDir = ContainerStateDir + "/certs"

	// ContainerMainConf is where the top-level config is mounted over
	// the image's default.
	ContainerMainConf = "/etc/nginx/nginx.conf"
)

// CertPathsFor returns the container-side current cert and key paths for a
// domain, for use inside rendered fragments.
func CertPathsFor(domain string) (certPath, keyPath string) {
	return ContainerCertDir + "/" + domain + "/current.crt",
		ContainerCertDir + "/" + domain + "/current.key"
}

// =============================================================================
// Interface Definition
// =============================================================================

// ProxyController drives the proxy process inside the edge container.
//
// All operations are exec'd inside the container, which gives two
// guarantees: configuration is validated against the exact tree the proxy
// sees, and connectivity probes observe the tenant from the edge's own
// network vantage rather than the host's.
type ProxyController interface {
	// ValidateConfig runs the proxy's config check (nginx -t) against the
	// given container-path configuration file.
	ValidateConfig(ctx context.Context, confPath string) error

	// Reload signals the proxy master to load the live configuration.
	Reload(ctx context.Context) error

	// WorkersRunning reports whether proxy worker processes exist.
	WorkersRunning(ctx context.Context) (bool, error)

	// ProbeHTTP issues an HTTP GET from inside the edge container.
	// A response with any status below 500 counts as reachable.
	ProbeHTTP(ctx context.Context, url string, timeoutSeconds int) error

	// ProbeTCP attempts a TCP connect from inside the edge container.
	ProbeTCP(ctx context.Context, host string, port int, timeoutSeconds int) error

	// ProbeRoute issues an HTTP GET against the proxy's own listener with
	// the given Host header, exercising the published route end to end.
	ProbeRoute(ctx context.Context, domain string, timeoutSeconds int) error
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultProxyController implements ProxyController over runtime exec.
type DefaultProxyController struct {
	rt        runtime.Manager
	container string
	logger    *slog.Logger
}

// NewDefaultProxyController creates a controller for the named container.
func NewDefaultProxyController(rt runtime.Manager, container string, logger *slog.Logger) *DefaultProxyController {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultProxyController{rt: rt, container: container, logger: logger}
}

// ValidateConfig runs nginx -t against the candidate configuration.
func (c *DefaultProxyController) ValidateConfig(ctx context.Context, confPath string) error {
	res, err := c.rt.Exec(ctx, c.container, "nginx", "-t", "-c", confPath)
	if err != nil {
		return fmt.Errorf("running config check: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("config check rejected %s (exit %d): %s", confPath, res.ExitCode, res.Stderr)
	}
	c.logger.Debug("config check passed", "conf", confPath)
	return nil
}

// Reload signals the proxy master process.
//
// nginx -s reload resolves the master through its pid file; images that
// relocate or truncate the pid file fail the exec even though the master
// is healthy. A HUP delivered to the container's main process reaches the
// same master, so that is the fallback.
func (c *DefaultProxyController) Reload(ctx context.Context) error {
	res, err := c.rt.Exec(ctx, c.container, "nginx", "-s", "reload")
	if err == nil && res.ExitCode == 0 {
		return nil
	}

	var detail string
	if err != nil {
		detail = err.Error()
	} else {
		detail = fmt.Sprintf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	c.logger.Warn("reload command failed, signaling master directly", "error", detail)

	if sigErr := c.rt.Signal(ctx, c.container, "HUP"); sigErr != nil {
		return fmt.Errorf("reload rejected (%s); HUP fallback failed: %w", detail, sigErr)
	}
	return nil
}

// WorkersRunning greps the container's process list for worker processes.
func (c *DefaultProxyController) WorkersRunning(ctx context.Context) (bool, error) {
	res, err := c.rt.Exec(ctx, c.container, "pgrep", "-f", "nginx: worker process")
	if err != nil {
		return false, fmt.Errorf("checking workers: %w", err)
	}
	// pgrep exits 0 on match, 1 on no match.
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("pgrep failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
}

// ProbeHTTP fetches the URL with the container's wget.
func (c *DefaultProxyController) ProbeHTTP(ctx context.Context, url string, timeoutSeconds int) error {
	if timeoutSeconds < 1 {
		timeoutSeconds = 1
	}
	res, err := c.rt.Exec(ctx, c.container,
		"wget", "-q", "-O", "/dev/null",
		"-T", strconv.Itoa(timeoutSeconds), "-t", "1",
		url)
	if err != nil {
		return fmt.Errorf("running http probe: %w", err)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit %d", res.ExitCode)
		}
		return fmt.Errorf("http probe of %s failed: %s", url, msg)
	}
	return nil
}

// ProbeRoute sends a raw request to the proxy's own port 80 listener with a
// Host header, so the request resolves the same server block tenant traffic
// will. A published route answers 301 (the HTTPS redirect); the default
// server answers 404, which means no fragment matched the domain.
func (c *DefaultProxyController) ProbeRoute(ctx context.Context, domain string, timeoutSeconds int) error {
	if timeoutSeconds < 1 {
		timeoutSeconds = 1
	}
	script := fmt.Sprintf(
		`printf 'GET / HTTP/1.0\r\nHost: %s\r\n\r\n' | nc -w %d 127.0.0.1 80 | head -n1`,
		domain, timeoutSeconds)
	res, err := c.rt.Exec(ctx, c.container, "sh", "-c", script)
	if err != nil {
		return fmt.Errorf("running route probe: %w", err)
	}
	status := strings.TrimSpace(res.Stdout)
	if status == "" {
		return fmt.Errorf("route probe for %s got no response", domain)
	}
	if strings.Contains(status, " 301") || strings.Contains(status, " 200") {
		return nil
	}
	return fmt.Errorf("route probe for %s answered %q", domain, status)
}

// ProbeTCP connects with the container's netcat.
func (c *DefaultProxyController) ProbeTCP(ctx context.Context, host string, port int, timeoutSeconds int) error {
	if timeoutSeconds < 1 {
		timeoutSeconds = 1
	}
	res, err := c.rt.Exec(ctx, c.container,
		"nc", "-z", "-w", strconv.Itoa(timeoutSeconds),
		host, strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("running tcp probe: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("tcp probe of %s:%d failed (exit %d)", host, port, res.ExitCode)
	}
	return nil
}

// =============================================================================
// Mock Implementation for Testing
// =============================================================================

// MockProxyController is a test double for ProxyController.
//
// Configure by setting function fields; unset fields succeed. Invocations
// are recorded in Calls.
type MockProxyController struct {
	ValidateConfigFunc func(ctx context.Context, confPath string) error
	ReloadFunc         func(ctx context.Context) error
	WorkersRunningFunc func(ctx context.Context) (bool, error)
	ProbeHTTPFunc      func(ctx context.Context, url string, timeoutSeconds int) error
	ProbeTCPFunc       func(ctx context.Context, host string, port int, timeoutSeconds int) error
	ProbeRouteFunc     func(ctx context.Context, domain string, timeoutSeconds int) error

	// Calls records method invocations.
	Calls []string

	mu sync.Mutex
}

func (m *MockProxyController) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// ValidateConfig delegates to ValidateConfigFunc.
func (m *MockProxyController) ValidateConfig(ctx context.Context, confPath string) error {
	m.record("ValidateConfig:" + confPath)
	if m.ValidateConfigFunc != nil {
		return m.ValidateConfigFunc(ctx, confPath)
	}
	return nil
}

// Reload delegates to ReloadFunc.
func (m *MockProxyController) Reload(ctx context.Context) error {
	m.record("Reload")
	if m.ReloadFunc != nil {
		return m.ReloadFunc(ctx)
	}
	return nil
}

// WorkersRunning delegates to WorkersRunningFunc.
func (m *MockProxyController) WorkersRunning(ctx context.Context) (bool, error) {
	m.record("WorkersRunning")
	if m.WorkersRunningFunc != nil {
		return m.WorkersRunningFunc(ctx)
	}
	return true, nil
}

// ProbeHTTP delegates to ProbeHTTPFunc.
func (m *MockProxyController) ProbeHTTP(ctx context.Context, url string, timeoutSeconds int) error {
	m.record("ProbeHTTP:" + url)
	if m.ProbeHTTPFunc != nil {
		return m.ProbeHTTPFunc(ctx, url, timeoutSeconds)
	}
	return nil
}

// ProbeTCP delegates to ProbeTCPFunc.
func (m *MockProxyController) ProbeTCP(ctx context.Context, host string, port int, timeoutSeconds int) error {
	m.record(fmt.Sprintf("ProbeTCP:%s:%d", host, port))
	if m.ProbeTCPFunc != nil {
		return m.ProbeTCPFunc(ctx, host, port, timeoutSeconds)
	}
	return nil
}

// ProbeRoute delegates to ProbeRouteFunc.
func (m *MockProxyController) ProbeRoute(ctx context.Context, domain string, timeoutSeconds int) error {
	m.record("ProbeRoute:" + domain)
	if m.ProbeRouteFunc != nil {
		return m.ProbeRouteFunc(ctx, domain, timeoutSeconds)
	}
	return nil
}

// Compile-time interface compliance checks.
var (
	_ ProxyController = (*DefaultProxyController)(nil)
	_ ProxyController = (*MockProxyController)(nil)
)
