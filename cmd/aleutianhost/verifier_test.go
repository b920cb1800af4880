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
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/edge"
)

func newTestVerifier(proxy *edge.MockProxyController) *DefaultVerifier {
	v := NewDefaultVerifier(proxy, nil)
	v.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return v
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  attempts,
		Interval:     time.Millisecond,
		ProbeTimeout: time.Second,
	}
}

func TestVerify_FirstAttemptSucceeds(t *testing.T) {
	proxy := &edge.MockProxyController{}
	v := newTestVerifier(proxy)

	err := v.Verify(context.Background(), VerifyTarget{Host: "tenant-blog", Port: 8080}, fastPolicy(5))
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if len(proxy.Calls) != 1 {
		t.Errorf("calls = %v, want one probe", proxy.Calls)
	}
	if proxy.Calls[0] != "ProbeHTTP:http://tenant-blog:8080/" {
		t.Errorf("probe target = %q", proxy.Calls[0])
	}
}

func TestVerify_EventualSuccess(t *testing.T) {
	attempts := 0
	proxy := &edge.MockProxyController{
		ProbeHTTPFunc: func(ctx context.Context, url string, timeoutSeconds int) error {
			attempts++
			if attempts < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
	}
	v := newTestVerifier(proxy)

	err := v.Verify(context.Background(), VerifyTarget{Host: "tenant-blog", Port: 8080}, fastPolicy(5))
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestVerify_ExhaustionWithOpenPort(t *testing.T) {
	proxy := &edge.MockProxyController{
		ProbeHTTPFunc: func(ctx context.Context, url string, timeoutSeconds int) error {
			return errors.New("500 internal error")
		},
		// TCP succeeds by default
	}
	v := newTestVerifier(proxy)

	err := v.Verify(context.Background(), VerifyTarget{Host: "tenant-blog", Port: 8080}, fastPolicy(3))
	if !errors.Is(err, ErrConnectivityUnverified) {
		t.Fatalf("expected ErrConnectivityUnverified, got %v", err)
	}
	if !strings.Contains(err.Error(), "port open") {
		t.Errorf("error %q should carry tcp fallback verdict", err)
	}

	// 3 HTTP probes then exactly one TCP fallback.
	httpProbes, tcpProbes := 0, 0
	for _, c := range proxy.Calls {
		if strings.HasPrefix(c, "ProbeHTTP:") {
			httpProbes++
		}
		if strings.HasPrefix(c, "ProbeTCP:") {
			tcpProbes++
		}
	}
	if httpProbes != 3 || tcpProbes != 1 {
		t.Errorf("probes = %d http, %d tcp, want 3 and 1", httpProbes, tcpProbes)
	}
}

func TestVerify_ExhaustionWithClosedPort(t *testing.T) {
	proxy := &edge.MockProxyController{
		ProbeHTTPFunc: func(ctx context.Context, url string, timeoutSeconds int) error {
			return errors.New("connection refused")
		},
		ProbeTCPFunc: func(ctx context.Context, host string, port, timeoutSeconds int) error {
			return errors.New("connection refused")
		},
	}
	v := newTestVerifier(proxy)

	err := v.Verify(context.Background(), VerifyTarget{Host: "tenant-blog", Port: 8080}, fastPolicy(2))
	if !errors.Is(err, ErrConnectivityUnverified) {
		t.Fatalf("expected ErrConnectivityUnverified, got %v", err)
	}
	if !strings.Contains(err.Error(), "nothing listening") {
		t.Errorf("error %q should report closed port", err)
	}
}

func TestVerify_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proxy := &edge.MockProxyController{
		ProbeHTTPFunc: func(ctx context.Context, url string, timeoutSeconds int) error {
			cancel()
			return errors.New("connection refused")
		},
	}
	v := NewDefaultVerifier(proxy, nil) // real sleep, honors context

	err := v.Verify(ctx, VerifyTarget{Host: "tenant-blog", Port: 8080}, RetryPolicy{
		MaxAttempts:  10,
		Interval:     time.Minute, // cancellation must cut this short
		ProbeTimeout: time.Second,
	})
	if !errors.Is(err, ErrConnectivityUnverified) {
		t.Fatalf("expected ErrConnectivityUnverified, got %v", err)
	}
	if len(proxy.Calls) != 1 {
		t.Errorf("calls after cancel = %v, want single probe", proxy.Calls)
	}
}

func TestVerify_CustomPath(t *testing.T) {
	proxy := &edge.MockProxyController{}
	v := newTestVerifier(proxy)

	err := v.Verify(context.Background(),
		VerifyTarget{Host: "tenant-api", Port: 3000, Path: "/healthz"}, fastPolicy(1))
	if err != nil {
		t.Fatal(err)
	}
	if proxy.Calls[0] != "ProbeHTTP:http://tenant-api:3000/healthz" {
		t.Errorf("probe target = %q", proxy.Calls[0])
	}
}

func TestRetryPolicy_Normalized(t *testing.T) {
	p := RetryPolicy{}.normalized()
	d := DefaultRetryPolicy()
	if p != d {
		t.Errorf("normalized zero policy = %+v, want defaults %+v", p, d)
	}

	custom := RetryPolicy{MaxAttempts: 3, Interval: time.Second, ProbeTimeout: time.Second}
	if got := custom.normalized(); got != custom {
		t.Errorf("normalized() changed a complete policy: %+v", got)
	}
}
