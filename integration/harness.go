//go:build integration

package integration

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/ngxdeployd/internal/config"
	"github.com/schaermu/ngxdeployd/internal/deploy"
	"github.com/schaermu/ngxdeployd/internal/git"
	"github.com/schaermu/ngxdeployd/internal/testutil"
)

// Harness wires a complete deployment environment into a temp directory:
// a working clone, the bare repository deployments read from, a live
// nginx prefix, and a shim standing in for the nginx and reload commands.
// Every shim invocation is appended to a log so tests can assert what ran
// and in which order.
type Harness struct {
	t *testing.T

	Cfg     *config.Config
	SrcDir  string // working clone scenarios commit into
	BareDir string // bare repository the pipeline deploys from

	shimLogPath  string
	failMarkPath string
}

// NewHarness builds the environment and seeds the repository with an
// initial nginx tree plus a certificate action, so the first deployment
// has something real to activate.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	root := t.TempDir()

	h := &Harness{
		t:            t,
		SrcDir:       filepath.Join(root, "src"),
		shimLogPath:  filepath.Join(root, "shim.log"),
		failMarkPath: filepath.Join(root, "fail-checks"),
	}

	// The shim logs its argv the way the real commands would be invoked.
	// While the fail marker exists it rejects every invocation, which the
	// pipeline sees as a failed config check.
	shimPath := filepath.Join(root, "nginx-shim")
	shim := fmt.Sprintf(`#!/bin/sh
echo "$(date +%%Y-%%m-%%dT%%H:%%M:%%S%%z) $*" >> %s
if [ -f %s ]; then
  echo "nginx: [emerg] injected failure" >&2
  exit 1
fi
exit 0
`, h.shimLogPath, h.failMarkPath)
	if err := os.WriteFile(shimPath, []byte(shim), 0755); err != nil {
		t.Fatalf("write shim: %v", err)
	}

	h.Cfg = &config.Config{
		Project: "hello",
		Paths: config.PathsConfig{
			BareDir:     filepath.Join(root, "git"),
			Worktree:    filepath.Join(root, "worktree"),
			StateDir:    filepath.Join(root, "state"),
			NginxPrefix: filepath.Join(root, "nginx"),
		},
		Deploy: config.DeployConfig{Lock: config.LockWait},
		Nginx: config.NginxConfig{
			CheckCommand:  shimPath + " check",
			ReloadCommand: shimPath + " reload",
		},
	}
	if err := h.Cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	// A live prefix with a file the deployment does not manage. It has to
	// survive every scenario untouched.
	if err := os.MkdirAll(h.Cfg.Paths.NginxPrefix, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.Cfg.Paths.NginxPrefix, "mime.types"), []byte("types {}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	testutil.InitRepo(t, h.SrcDir, "main")
	testutil.CommitFile(t, h.SrcDir, "nginx_conf/nginx.conf", "events {}\ninclude sites/*.conf;\n", "Initial nginx config")
	testutil.CommitFile(t, h.SrcDir, "nginx_conf/sites/hello.conf", "server { listen 8080; }\n", "Add hello site")
	certAction := fmt.Sprintf("#!/bin/sh\necho \"$(date +%%Y-%%m-%%dT%%H:%%M:%%S%%z) cert-deploy\" >> %s\n", h.shimLogPath)
	testutil.CommitExecutable(t, h.SrcDir, "execute_sh/deploy_certificates.sh", certAction, "Add certificate action")

	if err := os.MkdirAll(h.Cfg.Paths.BareDir, 0755); err != nil {
		t.Fatal(err)
	}
	h.BareDir = h.Cfg.BareRepoPath()
	h.mustGit("clone", "--bare", h.SrcDir, h.BareDir)

	return h
}

// Deploy runs one full pipeline pass against the bare repository's tip.
func (h *Harness) Deploy(ctx context.Context, dryRun bool) (*deploy.Record, error) {
	h.t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	repo := git.NewRepository(h.BareDir)
	mat := deploy.NewArchiveMaterializer(repo, "main")
	return deploy.New(h.Cfg, mat, logger, dryRun).Run(ctx, "")
}

// MustDeploy runs Deploy and fails the test unless the run reloaded.
func (h *Harness) MustDeploy(ctx context.Context) *deploy.Record {
	h.t.Helper()
	record, err := h.Deploy(ctx, false)
	if err != nil {
		h.t.Fatalf("deploy: %v", err)
	}
	if record.Status != deploy.StatusReloaded {
		h.t.Fatalf("deploy ended in %s, want %s", record.Status, deploy.StatusReloaded)
	}
	return record
}

// CommitFile commits a file in the working clone and pushes it to the
// bare repository.
func (h *Harness) CommitFile(name, content, msg string) {
	h.t.Helper()
	testutil.CommitFile(h.t, h.SrcDir, name, content, msg)
	h.Push()
}

// RemoveFile removes a tracked file, commits the removal and pushes it.
func (h *Harness) RemoveFile(name, msg string) {
	h.t.Helper()
	h.mustGit("-C", h.SrcDir, "rm", "-q", name)
	h.mustGit("-C", h.SrcDir, "commit", "-q", "-m", msg)
	h.Push()
}

// Push forwards the working clone's main branch to the bare repository.
func (h *Harness) Push() {
	h.t.Helper()
	h.mustGit("-C", h.SrcDir, "push", "-q", h.BareDir, "main")
}

// FailChecks toggles the shim between passing and failing.
func (h *Harness) FailChecks(fail bool) {
	h.t.Helper()
	if fail {
		if err := os.WriteFile(h.failMarkPath, []byte("fail\n"), 0644); err != nil {
			h.t.Fatal(err)
		}
		return
	}
	if err := os.Remove(h.failMarkPath); err != nil && !os.IsNotExist(err) {
		h.t.Fatal(err)
	}
}

// LivePath returns a path below the live nginx prefix.
func (h *Harness) LivePath(rel string) string {
	return filepath.Join(h.Cfg.Paths.NginxPrefix, rel)
}

// ReadLive reads a file below the live nginx prefix.
func (h *Harness) ReadLive(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(h.LivePath(rel))
	if err != nil {
		h.t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

// ClearShimLog truncates the shim log
func (h *Harness) ClearShimLog() {
	h.t.Helper()
	if err := os.WriteFile(h.shimLogPath, nil, 0644); err != nil {
		h.t.Fatal(err)
	}
}

// ReadShimLog reads and parses the shim log. A log that was never
// written parses as empty.
func (h *Harness) ReadShimLog() []ShimLogEntry {
	h.t.Helper()
	data, err := os.ReadFile(h.shimLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		h.t.Fatalf("read shim log: %v", err)
	}

	var entries []ShimLogEntry
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		// Parse: "2024-01-01T12:00:00+0000 check -p /etc/nginx ..."
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}

		entries = append(entries, ShimLogEntry{
			Timestamp: parts[0],
			Args:      strings.Fields(parts[1]),
		})
	}
	if err := scanner.Err(); err != nil {
		h.t.Fatalf("scan shim log: %v", err)
	}
	return entries
}

func (h *Harness) mustGit(args ...string) {
	h.t.Helper()
	if out, err := exec.Command("git", args...).CombinedOutput(); err != nil {
		h.t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
}

// ShimLogEntry is one parsed shim invocation
type ShimLogEntry struct {
	Timestamp string
	Args      []string
}

// String returns a human-readable representation
func (e ShimLogEntry) String() string {
	return fmt.Sprintf("%s: %s", e.Timestamp, strings.Join(e.Args, " "))
}

// HasArgs checks if the entry starts with the given arguments
func (e ShimLogEntry) HasArgs(args ...string) bool {
	if len(e.Args) < len(args) {
		return false
	}
	for i, arg := range args {
		if e.Args[i] != arg {
			return false
		}
	}
	return true
}

// ContainsArg checks if the entry contains a specific argument anywhere
func (e ShimLogEntry) ContainsArg(arg string) bool {
	for _, a := range e.Args {
		if a == arg {
			return true
		}
	}
	return false
}
