package certs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
}

func TestScriptPath(t *testing.T) {
	got := ScriptPath("/srv/blog-deploy")
	want := "/srv/blog-deploy/execute_sh/deploy_certificates.sh"
	if got != want {
		t.Errorf("ScriptPath() = %q, want %q", got, want)
	}
}

func TestAvailable(t *testing.T) {
	worktree := t.TempDir()

	d := NewScriptDeployer(ScriptPath(worktree))
	if d.Available() {
		t.Error("Available() = true for missing script")
	}

	writeScript(t, ScriptPath(worktree), "#!/bin/sh\nexit 0\n")
	if !d.Available() {
		t.Error("Available() = false for existing script")
	}

	// A directory at the script path is not a runnable action.
	dirTree := t.TempDir()
	if err := os.MkdirAll(ScriptPath(dirTree), 0755); err != nil {
		t.Fatal(err)
	}
	if NewScriptDeployer(ScriptPath(dirTree)).Available() {
		t.Error("Available() = true for directory at script path")
	}
}

func TestDeploy_RunsScript(t *testing.T) {
	worktree := t.TempDir()
	marker := filepath.Join(worktree, "ran")
	writeScript(t, ScriptPath(worktree), "#!/bin/sh\necho 'certificates renewed'\ntouch "+marker+"\n")

	var out bytes.Buffer
	d := NewScriptDeployer(ScriptPath(worktree))
	d.Stdout = &out
	d.Stderr = &out

	if err := d.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("script did not run: %v", err)
	}
	if !strings.Contains(out.String(), "certificates renewed") {
		t.Errorf("script output not captured, got %q", out.String())
	}
}

func TestDeploy_PropagatesFailure(t *testing.T) {
	worktree := t.TempDir()
	writeScript(t, ScriptPath(worktree), "#!/bin/sh\necho 'dns challenge failed' >&2\nexit 3\n")

	var out bytes.Buffer
	d := NewScriptDeployer(ScriptPath(worktree))
	d.Stdout = &out
	d.Stderr = &out

	err := d.Deploy(context.Background())
	if err == nil {
		t.Fatal("expected error for failing script, got nil")
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T: %v", err, err)
	}
	if exitErr.ExitCode() != 3 {
		t.Errorf("exit code = %d, want 3", exitErr.ExitCode())
	}
	if !strings.Contains(out.String(), "dns challenge failed") {
		t.Errorf("script stderr not captured, got %q", out.String())
	}
}

func TestDeploy_InheritsEnvironment(t *testing.T) {
	t.Setenv("NGXDEPLOYD_TEST_SECRET", "from-trigger-env")

	worktree := t.TempDir()
	writeScript(t, ScriptPath(worktree), "#!/bin/sh\necho \"secret=$NGXDEPLOYD_TEST_SECRET\"\n")

	var out bytes.Buffer
	d := NewScriptDeployer(ScriptPath(worktree))
	d.Stdout = &out
	d.Stderr = &out

	if err := d.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !strings.Contains(out.String(), "secret=from-trigger-env") {
		t.Errorf("script should inherit the trigger environment, got %q", out.String())
	}
}
