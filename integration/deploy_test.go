//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/ngxdeployd/internal/deploy"
	"github.com/schaermu/ngxdeployd/internal/nginx"
)

const defaultTimeout = 2 * time.Minute

// TestDeployPipeline drives the real pipeline end to end: commits pushed
// into a bare repository, materialized, staged, validated through the
// shim and activated into a live prefix. The scenarios build on each
// other, so they run in order against one harness.
func TestDeployPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)

	t.Run("A_InitialDeploy", func(t *testing.T) {
		testInitialDeploy(t, h, ctx)
	})

	t.Run("B_NoOpDeploy", func(t *testing.T) {
		testNoOpDeploy(t, h, ctx)
	})

	t.Run("C_UpdateDeploy", func(t *testing.T) {
		testUpdateDeploy(t, h, ctx)
	})

	t.Run("D_ValidationFailureKeepsLive", func(t *testing.T) {
		testValidationFailureKeepsLive(t, h, ctx)
	})

	t.Run("E_RemovalPrunesManagedFile", func(t *testing.T) {
		testRemovalPrunesManagedFile(t, h, ctx)
	})

	t.Run("F_DryRunTouchesNothing", func(t *testing.T) {
		testDryRunTouchesNothing(t, h, ctx)
	})
}

// testInitialDeploy deploys the seeded revision into an empty prefix
func testInitialDeploy(t *testing.T, h *Harness, ctx context.Context) {
	h.ClearShimLog()

	record := h.MustDeploy(ctx)

	if record.Plan.Add != 2 {
		t.Errorf("Plan.Add = %d, want 2", record.Plan.Add)
	}
	if !record.CertAction {
		t.Error("certificate action did not run")
	}

	found := false
	for _, src := range record.SkippedSources {
		if src == "nginx_conf/conf.d" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing conf.d not reported as skipped: %v", record.SkippedSources)
	}

	if got := h.ReadLive("nginx.conf"); !strings.Contains(got, "include sites/*.conf;") {
		t.Errorf("live nginx.conf = %q", got)
	}
	if got := h.ReadLive("sites/hello.conf"); !strings.Contains(got, "listen 8080") {
		t.Errorf("live hello.conf = %q", got)
	}

	// The shim log pins the order: certificate action, staged check,
	// live check, reload.
	entries := h.ReadShimLog()
	for _, entry := range entries {
		t.Logf("shim: %s", entry)
	}

	certIdx := findEntry(entries, "cert-deploy")
	stageIdx := findEntry(entries, "check", "-p", h.Cfg.StagePath())
	liveIdx := findEntry(entries, "check", "-p", h.Cfg.Paths.NginxPrefix)
	reloadIdx := findEntry(entries, "reload")

	if certIdx < 0 || stageIdx < 0 || liveIdx < 0 || reloadIdx < 0 {
		t.Fatalf("shim log misses expected invocations: cert=%d stage=%d live=%d reload=%d",
			certIdx, stageIdx, liveIdx, reloadIdx)
	}
	if !(certIdx < stageIdx && stageIdx < liveIdx && liveIdx < reloadIdx) {
		t.Errorf("invocations out of order: cert=%d stage=%d live=%d reload=%d",
			certIdx, stageIdx, liveIdx, reloadIdx)
	}
}

// testNoOpDeploy re-deploys the unchanged revision
func testNoOpDeploy(t *testing.T, h *Harness, ctx context.Context) {
	h.ClearShimLog()

	record := h.MustDeploy(ctx)

	if record.Plan.Total() != 0 {
		t.Errorf("unchanged revision produced a plan: %+v", record.Plan)
	}

	// Even a no-op run revalidates and reloads, so a reload lost to a
	// crashed earlier run gets retried.
	entries := h.ReadShimLog()
	reloads := 0
	for _, entry := range entries {
		t.Logf("shim: %s", entry)
		if entry.ContainsArg("reload") {
			reloads++
		}
	}
	if reloads != 1 {
		t.Errorf("reload invoked %d times, want 1", reloads)
	}
}

// testUpdateDeploy changes a site and deploys the new revision
func testUpdateDeploy(t *testing.T, h *Harness, ctx context.Context) {
	h.CommitFile("nginx_conf/sites/hello.conf", "server { listen 9090; }\n", "Move hello to 9090")
	h.ClearShimLog()

	record := h.MustDeploy(ctx)

	if record.Plan.Update != 1 {
		t.Errorf("Plan.Update = %d, want 1", record.Plan.Update)
	}
	if got := h.ReadLive("sites/hello.conf"); !strings.Contains(got, "listen 9090") {
		t.Errorf("live hello.conf = %q", got)
	}
}

// testValidationFailureKeepsLive pushes a rejected revision
func testValidationFailureKeepsLive(t *testing.T, h *Harness, ctx context.Context) {
	h.CommitFile("nginx_conf/sites/hello.conf", "server { listen 9090\n", "Break hello site")
	h.ClearShimLog()
	h.FailChecks(true)
	defer h.FailChecks(false)

	record, err := h.Deploy(ctx, false)
	if err == nil {
		t.Fatal("expected deployment to fail")
	}
	var verr *nginx.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error is not a validation error: %v", err)
	}
	if record.Status != deploy.StatusValidationFailed {
		t.Errorf("Status = %s, want %s", record.Status, deploy.StatusValidationFailed)
	}

	// The staged check rejected the revision, so the live tree still
	// holds the previous one and no reload happened.
	if got := h.ReadLive("sites/hello.conf"); !strings.Contains(got, "listen 9090; }") {
		t.Errorf("live hello.conf changed: %q", got)
	}
	entries := h.ReadShimLog()
	for _, entry := range entries {
		t.Logf("shim: %s", entry)
		if entry.ContainsArg("reload") {
			t.Error("reload invoked after failed check")
		}
	}
	if idx := findEntry(entries, "check", "-p", h.Cfg.Paths.NginxPrefix); idx >= 0 {
		t.Error("live tree checked after staged check failed")
	}

	persisted, err := deploy.LoadRecord(h.Cfg.RecordPath())
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if persisted.Status != deploy.StatusValidationFailed {
		t.Errorf("persisted Status = %s, want %s", persisted.Status, deploy.StatusValidationFailed)
	}
}

// testRemovalPrunesManagedFile removes a site from the repository
func testRemovalPrunesManagedFile(t *testing.T, h *Harness, ctx context.Context) {
	h.RemoveFile("nginx_conf/sites/hello.conf", "Retire hello site")
	h.ClearShimLog()

	record := h.MustDeploy(ctx)

	if record.Plan.Delete != 1 {
		t.Errorf("Plan.Delete = %d, want 1", record.Plan.Delete)
	}
	if _, err := os.Stat(h.LivePath("sites/hello.conf")); !os.IsNotExist(err) {
		t.Errorf("removed site still live: %v", err)
	}

	// Only managed files are pruned.
	if got := h.ReadLive("mime.types"); got != "types {}\n" {
		t.Errorf("unmanaged mime.types = %q", got)
	}
	if got := h.ReadLive("nginx.conf"); !strings.Contains(got, "include sites/*.conf;") {
		t.Errorf("live nginx.conf = %q", got)
	}
}

// testDryRunTouchesNothing validates a new revision without activating it
func testDryRunTouchesNothing(t *testing.T, h *Harness, ctx context.Context) {
	h.CommitFile("nginx_conf/sites/hello.conf", "server { listen 7070; }\n", "Restore hello site")
	h.ClearShimLog()

	record, err := h.Deploy(ctx, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if record.Status != deploy.StatusValidated {
		t.Errorf("Status = %s, want %s", record.Status, deploy.StatusValidated)
	}
	if !record.DryRun {
		t.Error("record not marked dry-run")
	}
	if record.Plan.Add != 1 {
		t.Errorf("Plan.Add = %d, want 1", record.Plan.Add)
	}

	// The live tree keeps the previous revision's shape.
	if _, err := os.Stat(h.LivePath("sites/hello.conf")); !os.IsNotExist(err) {
		t.Errorf("dry run activated a file: %v", err)
	}

	// Only the staged check runs: no certificate action, no reload.
	entries := h.ReadShimLog()
	for _, entry := range entries {
		t.Logf("shim: %s", entry)
	}
	if len(entries) != 1 || !entries[0].HasArgs("check", "-p", h.Cfg.StagePath()) {
		t.Errorf("dry run invoked %d commands, want the staged check only", len(entries))
	}

	// The persisted record still describes the previous real run.
	persisted, err := deploy.LoadRecord(h.Cfg.RecordPath())
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if persisted.Revision == record.Revision {
		t.Error("dry run overwrote the deployment record")
	}
	if persisted.Status != deploy.StatusReloaded {
		t.Errorf("persisted Status = %s, want %s", persisted.Status, deploy.StatusReloaded)
	}
}

// findEntry returns the index of the first entry starting with args
func findEntry(entries []ShimLogEntry, args ...string) int {
	for i, entry := range entries {
		if entry.HasArgs(args...) {
			return i
		}
	}
	return -1
}
