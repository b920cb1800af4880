// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T, plain bool, fn func()) (string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	SetWriters(&out, &errOut)
	SetPlain(plain)
	t.Cleanup(func() {
		SetWriters(os.Stdout, os.Stderr)
		SetPlain(false)
	})
	fn()
	return out.String(), errOut.String()
}

func TestPlainMode(t *testing.T) {
	out, errOut := capture(t, true, func() {
		Success("deployed")
		Warning("slow start")
		Error("broke")
		Info("detail")
	})

	if !strings.Contains(out, "OK: deployed") {
		t.Errorf("stdout = %q, want OK: prefix", out)
	}
	if !strings.Contains(out, "detail") {
		t.Errorf("stdout = %q, want info line", out)
	}
	if !strings.Contains(errOut, "WARN: slow start") || !strings.Contains(errOut, "ERROR: broke") {
		t.Errorf("stderr = %q, want WARN and ERROR lines", errOut)
	}
}

func TestStyledMode(t *testing.T) {
	out, _ := capture(t, false, func() {
		Success("deployed")
		Step(IconPending, "verifying")
	})

	if !strings.Contains(out, "deployed") {
		t.Errorf("stdout = %q, want message text", out)
	}
	if !strings.Contains(out, "verifying") {
		t.Errorf("stdout = %q, want step text", out)
	}
}

func TestMuted_SilentInPlainMode(t *testing.T) {
	out, _ := capture(t, true, func() {
		Muted("decorative")
	})
	if out != "" {
		t.Errorf("Muted in plain mode wrote %q, want nothing", out)
	}
}

func TestBox_PlainMode(t *testing.T) {
	out, _ := capture(t, true, func() {
		Box("Status", "all good")
	})
	if !strings.Contains(out, "Status: all good") {
		t.Errorf("Box plain output = %q", out)
	}
}

func TestErrorBox_PlainModeGoesToStderr(t *testing.T) {
	_, errOut := capture(t, true, func() {
		ErrorBox("Deploy Failed", "reload rejected")
	})
	if !strings.Contains(errOut, "ERROR Deploy Failed: reload rejected") {
		t.Errorf("ErrorBox plain output = %q", errOut)
	}
}

func TestIcon_RenderFallsBackToRaw(t *testing.T) {
	if got := IconArrow.Render(); got != string(IconArrow) {
		t.Errorf("unstyled icon Render() = %q, want raw icon", got)
	}
}
