// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianHost/cmd/aleutianhost/internal/runtime"
)

const edgeNet = "aleutian-edge-net"

func validSpec() Spec {
	return Spec{
		Slug:  "blog",
		Image: "ghcr.io/example/blog:1.2",
		Port:  8080,
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr bool
	}{
		{"valid", func(s *Spec) {}, false},
		{"bad slug", func(s *Spec) { s.Slug = "Not A Slug" }, true},
		{"empty image", func(s *Spec) { s.Image = "" }, true},
		{"zero port", func(s *Spec) { s.Port = 0 }, true},
		{"port too large", func(s *Spec) { s.Port = 65536 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("validation errors must wrap ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func TestNaming(t *testing.T) {
	if got := ContainerName("blog"); got != "tenant-blog" {
		t.Errorf("ContainerName() = %q", got)
	}
	if got := NetworkName("blog"); got != "aleutian-tenant-blog-net" {
		t.Errorf("NetworkName() = %q", got)
	}
}

func TestDeploy_Success(t *testing.T) {
	rt := &runtime.MockManager{} // container absent, network absent
	d := NewDefaultDeployer(rt, edgeNet, nil)

	inst, err := d.Deploy(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Deploy() error: %v", err)
	}
	if inst.ContainerName != "tenant-blog" {
		t.Errorf("ContainerName = %q", inst.ContainerName)
	}
	if inst.PrivateNetwork != "aleutian-tenant-blog-net" {
		t.Errorf("PrivateNetwork = %q", inst.PrivateNetwork)
	}
	if inst.EdgeNetwork != edgeNet {
		t.Errorf("EdgeNetwork = %q", inst.EdgeNetwork)
	}

	// Private network must be internal.
	creates := rt.CallsTo("CreateNetwork")
	if len(creates) != 1 || creates[0].Args[1] != "internal=true" {
		t.Errorf("CreateNetwork calls = %v, want one internal network", creates)
	}

	// Edge network joined after the container started.
	connects := rt.CallsTo("ConnectNetwork")
	if len(connects) != 1 || connects[0].Args[0] != edgeNet || connects[0].Args[1] != "tenant-blog" {
		t.Errorf("ConnectNetwork calls = %v", connects)
	}
}

func TestDeploy_AlreadyDeployed(t *testing.T) {
	rt := &runtime.MockManager{
		ContainerStateFunc: func(ctx context.Context, name string) (runtime.ContainerState, error) {
			return runtime.StateRunning, nil
		},
	}
	d := NewDefaultDeployer(rt, edgeNet, nil)

	_, err := d.Deploy(context.Background(), validSpec())
	if !errors.Is(err, ErrAlreadyDeployed) {
		t.Fatalf("expected ErrAlreadyDeployed, got %v", err)
	}
	if calls := rt.CallsTo("RunContainer"); len(calls) != 0 {
		t.Errorf("no container should start, got %v", calls)
	}
}

func TestDeploy_InvalidSpecTouchesNothing(t *testing.T) {
	rt := &runtime.MockManager{}
	d := NewDefaultDeployer(rt, edgeNet, nil)

	spec := validSpec()
	spec.Slug = "UPPER"
	_, err := d.Deploy(context.Background(), spec)
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
	if len(rt.Calls) != 0 {
		t.Errorf("runtime touched on invalid spec: %v", rt.Calls)
	}
}

func TestDeploy_EdgeJoinFailureSurfaces(t *testing.T) {
	rt := &runtime.MockManager{
		ConnectNetworkFunc: func(ctx context.Context, network, container string) error {
			return errors.New("network gone")
		},
	}
	d := NewDefaultDeployer(rt, edgeNet, nil)

	_, err := d.Deploy(context.Background(), validSpec())
	if err == nil {
		t.Fatal("expected error when edge join fails")
	}
	// Container already started; caller compensates with Remove.
	if calls := rt.CallsTo("RunContainer"); len(calls) != 1 {
		t.Errorf("RunContainer calls = %v", calls)
	}
}

func TestRemove_Success(t *testing.T) {
	rt := &runtime.MockManager{
		ContainerStateFunc: func(ctx context.Context, name string) (runtime.ContainerState, error) {
			return runtime.StateRunning, nil
		},
		NetworkExistsFunc: func(ctx context.Context, name string) (bool, error) {
			return true, nil
		},
	}
	d := NewDefaultDeployer(rt, edgeNet, nil)

	if err := d.Remove(context.Background(), "blog"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	for _, method := range []string{"StopContainer", "RemoveContainer", "RemoveNetwork"} {
		if calls := rt.CallsTo(method); len(calls) != 1 {
			t.Errorf("%s calls = %v, want 1", method, calls)
		}
	}
}

func TestRemove_StoppedContainerSkipsStop(t *testing.T) {
	rt := &runtime.MockManager{
		ContainerStateFunc: func(ctx context.Context, name string) (runtime.ContainerState, error) {
			return runtime.StateStopped, nil
		},
	}
	d := NewDefaultDeployer(rt, edgeNet, nil)

	if err := d.Remove(context.Background(), "blog"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if calls := rt.CallsTo("StopContainer"); len(calls) != 0 {
		t.Errorf("stopped container should not be stopped again, got %v", calls)
	}
	if calls := rt.CallsTo("RemoveContainer"); len(calls) != 1 {
		t.Errorf("RemoveContainer calls = %v, want 1", calls)
	}
}

func TestRemove_NotDeployed(t *testing.T) {
	d := NewDefaultDeployer(&runtime.MockManager{}, edgeNet, nil)
	err := d.Remove(context.Background(), "ghost")
	if !errors.Is(err, ErrNotDeployed) {
		t.Fatalf("expected ErrNotDeployed, got %v", err)
	}
}

func TestRemove_NetworkFailureNotFatal(t *testing.T) {
	rt := &runtime.MockManager{
		ContainerStateFunc: func(ctx context.Context, name string) (runtime.ContainerState, error) {
			return runtime.StateRunning, nil
		},
		NetworkExistsFunc: func(ctx context.Context, name string) (bool, error) {
			return true, nil
		},
		RemoveNetworkFunc: func(ctx context.Context, name string) error {
			return errors.New("has active endpoints")
		},
	}
	d := NewDefaultDeployer(rt, edgeNet, nil)

	if err := d.Remove(context.Background(), "blog"); err != nil {
		t.Fatalf("Remove() should tolerate network removal failure, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	rt := &runtime.MockManager{
		ContainerStateFunc: func(ctx context.Context, name string) (runtime.ContainerState, error) {
			if name != "tenant-blog" {
				t.Errorf("Status queried %q, want tenant-blog", name)
			}
			return runtime.StateRunning, nil
		},
	}
	d := NewDefaultDeployer(rt, edgeNet, nil)

	st, err := d.Status(context.Background(), "blog")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if st != runtime.StateRunning {
		t.Errorf("Status() = %v, want running", st)
	}
}
