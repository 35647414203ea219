// Package hook implements the post-receive side of the deployment
// trigger: parsing the ref updates git hands the hook on stdin, deciding
// whether a push should deploy, deriving the project name from the bare
// repository, and installing the hook script itself.
package hook

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ZeroRev is the all-zeros revision git reports for ref creation and
// deletion in hook input.
const ZeroRev = "0000000000000000000000000000000000000000"

// RefUpdate is one line of post-receive stdin: "<old> <new> <ref>"
type RefUpdate struct {
	OldRev string
	NewRev string
	Ref    string
}

// IsDelete reports whether the update deletes its ref
func (u RefUpdate) IsDelete() bool {
	return u.NewRev == ZeroRev
}

// MatchesRef reports whether the update's full ref matches ref, which may
// be given in short form ("main") or full form ("refs/heads/main")
func (u RefUpdate) MatchesRef(ref string) bool {
	if u.Ref == ref {
		return true
	}
	return u.Ref == "refs/heads/"+ref || u.Ref == "refs/tags/"+ref
}

// ParseRefUpdates reads the ref update lines git writes to a
// post-receive hook's stdin. Blank lines are ignored; anything else that
// is not three fields is an error.
func ParseRefUpdates(r io.Reader) ([]RefUpdate, error) {
	var updates []RefUpdate

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ref update line %q", line)
		}
		updates = append(updates, RefUpdate{
			OldRev: fields[0],
			NewRev: fields[1],
			Ref:    fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ref updates: %w", err)
	}

	return updates, nil
}

// Decision is what a post-receive invocation should do
type Decision struct {
	Deploy   bool
	Revision string // commit to deploy; empty means the deploy ref's tip
	Reason   string // why the push is skipped when Deploy is false
}

// Decide turns parsed ref updates into a deployment decision for
// deployRef. No updates means a manual invocation, which deploys the
// current tip. Pushes that only touch other refs are skipped, as is a
// deletion of the deploy ref; the worktree and the live config are
// singletons, so only the deploy ref may drive them.
func Decide(updates []RefUpdate, deployRef string) Decision {
	if len(updates) == 0 {
		return Decision{Deploy: true}
	}

	for _, u := range updates {
		if !u.MatchesRef(deployRef) {
			continue
		}
		if u.IsDelete() {
			return Decision{Reason: fmt.Sprintf("deploy ref %s was deleted", u.Ref)}
		}
		// Deploy the pushed revision, not the ref's moving tip, so a
		// racing second push cannot change what this run deploys.
		return Decision{Deploy: true, Revision: u.NewRev}
	}

	return Decision{Reason: fmt.Sprintf("push did not touch deploy ref %s", deployRef)}
}

// ResolveBareDir returns the repository directory a post-receive hook is
// running in: GIT_DIR when set (resolved against the working directory),
// otherwise the working directory itself.
func ResolveBareDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to determine working directory: %w", err)
	}

	gitDir := os.Getenv("GIT_DIR")
	if gitDir == "" {
		return cwd, nil
	}
	if filepath.IsAbs(gitDir) {
		return filepath.Clean(gitDir), nil
	}
	return filepath.Join(cwd, gitDir), nil
}

// DeriveProject extracts the project name from a bare repository path.
// "/home/git/blog.git" yields "blog".
func DeriveProject(bareDir string) (string, error) {
	base := filepath.Base(filepath.Clean(bareDir))
	name := strings.TrimSuffix(base, ".git")
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("cannot derive project name from %q", bareDir)
	}
	return name, nil
}

// marker identifies hook scripts written by us, so reinstalling is safe
// but a hand-written hook is never clobbered.
const marker = "installed by ngxdeployd"

// Script renders the post-receive hook body. The binary re-reads its
// config on every push, so the script itself stays a one-liner.
func Script(binPath, configPath string) string {
	cmd := shellQuote(binPath) + " hook"
	if configPath != "" {
		cmd += " --config " + shellQuote(configPath)
	}
	return fmt.Sprintf("#!/bin/sh\n# %s, do not edit (rerun \"ngxdeployd init\" to regenerate)\nexec %s\n", marker, cmd)
}

// InstallScript writes the post-receive hook into the repository,
// creating hooks/ if needed. An existing hook is only replaced when a
// previous init wrote it; anything else stays untouched and errors.
func InstallScript(bareDir, binPath, configPath string) (string, error) {
	hookPath := filepath.Join(bareDir, "hooks", "post-receive")

	if existing, err := os.ReadFile(hookPath); err == nil {
		if !strings.Contains(string(existing), marker) {
			return "", fmt.Errorf("refusing to overwrite existing post-receive hook at %s", hookPath)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to inspect existing hook: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(hookPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create hooks directory: %w", err)
	}
	if err := os.WriteFile(hookPath, []byte(Script(binPath, configPath)), 0755); err != nil {
		return "", fmt.Errorf("failed to write hook script: %w", err)
	}

	return hookPath, nil
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
