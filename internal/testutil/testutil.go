// Package testutil holds fixtures shared by tests that need real git
// repositories or stand-in binaries on PATH.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// InitRepo creates a git repository on the given branch with a test
// identity configured.
func InitRepo(t *testing.T, dir, branch string) {
	t.Helper()
	cmds := [][]string{
		{"git", "init", "-b", branch, dir},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

// CommitFile creates or overwrites a file (parents included) and commits it.
func CommitFile(t *testing.T, repoDir, name, content, msg string) {
	t.Helper()
	path := filepath.Join(repoDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	Commit(t, repoDir, name, msg)
}

// CommitExecutable creates an executable file and commits it, preserving
// the executable bit in the tree.
func CommitExecutable(t *testing.T, repoDir, name, content, msg string) {
	t.Helper()
	path := filepath.Join(repoDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
	Commit(t, repoDir, name, msg)
}

// Commit stages one path and commits it.
func Commit(t *testing.T, repoDir, name, msg string) {
	t.Helper()
	for _, args := range [][]string{
		{"git", "-C", repoDir, "add", name},
		{"git", "-C", repoDir, "commit", "-m", msg},
	} {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

// BareClone produces a bare clone of srcDir, the shape pushes land in.
func BareClone(t *testing.T, srcDir string) string {
	t.Helper()
	bareDir := filepath.Join(t.TempDir(), "project.git")
	if out, err := exec.Command("git", "clone", "--bare", srcDir, bareDir).CombinedOutput(); err != nil {
		t.Fatalf("bare clone: %v: %s", err, out)
	}
	return bareDir
}

// HeadCommit returns the commit hash of HEAD.
func HeadCommit(t *testing.T, repoDir string) string {
	t.Helper()
	out, err := exec.Command("git", "-C", repoDir, "rev-parse", "HEAD").Output()
	if err != nil {
		t.Fatalf("rev-parse HEAD: %v", err)
	}
	return string(out[:40])
}

// WriteExecutable drops an executable script into dir.
func WriteExecutable(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// PrependPath puts dir first on PATH for the duration of the test, so
// scripts written with WriteExecutable shadow real binaries.
func PrependPath(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}
