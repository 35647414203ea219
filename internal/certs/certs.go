// Package certs runs the certificate deployment action a config
// repository may ship. The action is an opaque executable: it gets the
// trigger's environment and working directory, and only its exit status
// matters to the deployment.
package certs

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// ScriptRelPath is where the certificate action lives inside a checkout.
const ScriptRelPath = "execute_sh/deploy_certificates.sh"

// ScriptPath returns the absolute certificate script path for a worktree.
func ScriptPath(worktree string) string {
	return filepath.Join(worktree, ScriptRelPath)
}

// Deployer provides the certificate deployment capability
type Deployer interface {
	// Available reports whether the checkout ships a certificate action
	Available() bool
	// Deploy runs the certificate action, propagating pass/fail verbatim
	Deploy(ctx context.Context) error
}

// ScriptDeployer implements Deployer by executing the script at an
// absolute path. The path is absolute so the inherited working directory
// cannot change which script runs.
type ScriptDeployer struct {
	scriptPath string

	// Stdout and Stderr receive the script's output. Nil means the
	// parent's streams, which in hook mode reach the pusher.
	Stdout io.Writer
	Stderr io.Writer
}

// NewScriptDeployer creates a deployer for the script at scriptPath
func NewScriptDeployer(scriptPath string) *ScriptDeployer {
	return &ScriptDeployer{scriptPath: scriptPath}
}

// Available reports whether the script exists as a regular file
func (d *ScriptDeployer) Available() bool {
	info, err := os.Stat(d.scriptPath)
	return err == nil && info.Mode().IsRegular()
}

// Deploy executes the script synchronously with the inherited environment
// and working directory. A non-zero exit becomes an error; certbot and
// friends print their own diagnostics, which stream through unmodified.
func (d *ScriptDeployer) Deploy(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, d.scriptPath)
	cmd.Stdout = d.Stdout
	cmd.Stderr = d.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("certificate script %s failed: %w", d.scriptPath, err)
	}
	return nil
}

// Path returns the script path this deployer executes.
func (d *ScriptDeployer) Path() string {
	return d.scriptPath
}
