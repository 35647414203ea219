package nginx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"
)

// Nginx provides operations for validating and reloading the web server
type Nginx interface {
	// CheckConfig runs the syntax checker against the configuration tree
	// rooted at prefix (its nginx.conf plus everything it includes).
	CheckConfig(ctx context.Context, prefix string) error
	// Reload asks the running server to gracefully re-read its configuration
	Reload(ctx context.Context) error
	// IsAvailable checks if the configured checker binary is on PATH
	IsAvailable(ctx context.Context) (bool, error)
}

// ValidationError reports a failed configuration check. It carries the
// checker's combined output so callers can surface the diagnostics to
// whoever pushed the broken config.
type ValidationError struct {
	Prefix string
	Output string
	err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration check failed for %s: %v: %s", e.Prefix, e.err, strings.TrimSpace(e.Output))
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

// Client implements Nginx by shelling out to the configured commands.
// Commands are full strings ("nginx -t", "systemctl reload nginx") split
// into argv with shell-style quoting rules.
type Client struct {
	checkCommand  string
	reloadCommand string
}

// NewClient creates a new nginx client with the given check and reload commands
func NewClient(checkCommand, reloadCommand string) *Client {
	return &Client{
		checkCommand:  checkCommand,
		reloadCommand: reloadCommand,
	}
}

// CheckConfig validates the configuration tree rooted at prefix by running
// the check command with the prefix and its nginx.conf appended:
//
//	nginx -t -p <prefix> -c <prefix>/nginx.conf
//
// Pointing -p at the tree means relative include paths resolve inside it,
// so a staged copy validates the same way the live one does.
func (c *Client) CheckConfig(ctx context.Context, prefix string) error {
	argv, err := splitCommand(c.checkCommand)
	if err != nil {
		return fmt.Errorf("invalid check command %q: %w", c.checkCommand, err)
	}
	argv = append(argv, "-p", prefix, "-c", prefix+"/nginx.conf")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ValidationError{Prefix: prefix, Output: string(output), err: err}
	}
	return nil
}

// Reload gracefully reloads the running server
func (c *Client) Reload(ctx context.Context) error {
	argv, err := splitCommand(c.reloadCommand)
	if err != nil {
		return fmt.Errorf("invalid reload command %q: %w", c.reloadCommand, err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("reload failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// IsAvailable checks if the check command's binary can be found on PATH
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	argv, err := splitCommand(c.checkCommand)
	if err != nil {
		return false, fmt.Errorf("invalid check command %q: %w", c.checkCommand, err)
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return false, fmt.Errorf("%s not available: %w", argv[0], err)
	}
	return true, nil
}

// splitCommand turns a configured command string into argv
func splitCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}
