// Package deploy orchestrates one deployment run: materialize the
// revision, stage and plan the configuration changes, run the optional
// certificate action, validate, activate, validate again, reload. The
// run is strictly sequential and fail fast; the live configuration is
// only touched after the staged tree passed the syntax checker, and the
// server is only reloaded after the live tree passed it too.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schaermu/ngxdeployd/internal/certs"
	"github.com/schaermu/ngxdeployd/internal/config"
	"github.com/schaermu/ngxdeployd/internal/lockfile"
	"github.com/schaermu/ngxdeployd/internal/nginx"
	"github.com/schaermu/ngxdeployd/internal/reconcile"
)

// Pipeline runs deployments for one project
type Pipeline struct {
	cfg    *config.Config
	mat    Materializer
	rec    *reconcile.Reconciler
	nginx  nginx.Nginx
	certs  certs.Deployer
	logger *slog.Logger
	dryRun bool
}

// NewPipeline creates a pipeline with explicit collaborators
func NewPipeline(cfg *config.Config, mat Materializer, rec *reconcile.Reconciler, ngx nginx.Nginx, certDeployer certs.Deployer, logger *slog.Logger, dryRun bool) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		mat:    mat,
		rec:    rec,
		nginx:  ngx,
		certs:  certDeployer,
		logger: logger,
		dryRun: dryRun,
	}
}

// New builds a pipeline for cfg with the standard collaborators
func New(cfg *config.Config, mat Materializer, logger *slog.Logger, dryRun bool) *Pipeline {
	rec := reconcile.NewReconciler(cfg.WorktreePath(), cfg.Paths.NginxPrefix, cfg.StagePath(), reconcile.NginxMappings(), logger)
	ngx := nginx.NewClient(cfg.Nginx.CheckCommand, cfg.Nginx.ReloadCommand)
	certDeployer := certs.NewScriptDeployer(certs.ScriptPath(cfg.WorktreePath()))
	return NewPipeline(cfg, mat, rec, ngx, certDeployer, logger, dryRun)
}

// Run executes one deployment of revision (empty means the deploy ref's
// tip). It returns the run's record alongside any error; the record is
// also persisted, including for failed runs, so the last attempt is
// always inspectable. Dry runs validate but never activate, reload, run
// the certificate action, or overwrite the persisted record.
func (p *Pipeline) Run(ctx context.Context, revision string) (*Record, error) {
	lock, err := lockfile.Acquire(p.cfg.LockPath(), p.cfg.Deploy.Lock == config.LockWait)
	if err != nil {
		if errors.Is(err, lockfile.ErrBusy) {
			return nil, fmt.Errorf("deployment already in progress: %w", err)
		}
		return nil, fmt.Errorf("failed to acquire deployment lock: %w", err)
	}
	defer func() {
		_ = lock.Release()
	}()

	record := &Record{
		Project:   p.cfg.Project,
		Revision:  revision,
		Status:    StatusReceived,
		StartedAt: time.Now().UTC(),
		DryRun:    p.dryRun,
	}

	runErr := p.run(ctx, record)
	record.FinishedAt = time.Now().UTC()

	if runErr != nil {
		record.Error = runErr.Error()
		var verr *nginx.ValidationError
		if errors.As(runErr, &verr) {
			record.Status = StatusValidationFailed
		} else {
			record.Status = StatusAborted
		}
	}

	if !p.dryRun {
		if err := SaveRecord(p.cfg.RecordPath(), record); err != nil {
			p.logger.Warn("failed to save deployment record", "error", err)
		}
	}

	return record, runErr
}

func (p *Pipeline) run(ctx context.Context, record *Record) error {
	p.logger.Info("starting deployment",
		"project", p.cfg.Project,
		"revision", record.Revision,
		"dry_run", p.dryRun)

	if err := os.MkdirAll(p.cfg.Paths.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	commit, err := p.mat.Materialize(ctx, record.Revision, p.cfg.WorktreePath())
	if err != nil {
		return fmt.Errorf("failed to materialize revision: %w", err)
	}
	record.Revision = commit
	record.Status = StatusCheckedOut
	p.logger.Info("revision checked out", "commit", commit, "worktree", p.cfg.WorktreePath())

	staged, err := p.rec.Stage()
	if err != nil {
		return fmt.Errorf("failed to stage configuration: %w", err)
	}
	for _, m := range staged.Skipped {
		record.SkippedSources = append(record.SkippedSources, m.Source)
	}

	plan, err := p.rec.BuildPlan(staged)
	if err != nil {
		return fmt.Errorf("failed to build activation plan: %w", err)
	}
	record.Plan = PlanSummary{Add: len(plan.Add), Update: len(plan.Update), Delete: len(plan.Delete)}
	record.Status = StatusReconciled
	p.logger.Info("activation plan",
		"add", len(plan.Add),
		"update", len(plan.Update),
		"delete", len(plan.Delete))

	if p.dryRun {
		p.logger.Info("[dry-run] skipping certificate action")
	} else if p.certs.Available() {
		p.logger.Info("running certificate action")
		if err := p.certs.Deploy(ctx); err != nil {
			return fmt.Errorf("certificate action failed: %w", err)
		}
		record.CertAction = true
	} else {
		p.logger.Warn("revision ships no certificate action, skipping")
	}
	record.Status = StatusCertDone

	if err := p.nginx.CheckConfig(ctx, p.rec.StageDir()); err != nil {
		return err
	}
	record.Status = StatusValidated
	p.logger.Info("staged configuration validated")

	if p.dryRun {
		p.rec.LogPlanDetails(plan)
		p.logger.Info("dry-run complete, no changes applied")
		return nil
	}

	if err := p.rec.Apply(plan); err != nil {
		return fmt.Errorf("failed to activate configuration: %w", err)
	}

	// The stage check covered the new files in isolation; this one covers
	// the tree nginx will actually load. It must pass before any reload.
	if err := p.nginx.CheckConfig(ctx, p.cfg.Paths.NginxPrefix); err != nil {
		return err
	}

	p.logger.Info("reloading server")
	if err := p.nginx.Reload(ctx); err != nil {
		return fmt.Errorf("failed to reload server: %w", err)
	}
	record.Status = StatusReloaded

	p.logger.Info("deployment complete",
		"revision", commit,
		"changes", plan.Total(),
		"duration", time.Since(record.StartedAt).Round(time.Millisecond).String())
	return nil
}
