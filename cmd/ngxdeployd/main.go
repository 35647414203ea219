package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/schaermu/ngxdeployd/internal/config"
	"github.com/schaermu/ngxdeployd/internal/deploy"
	"github.com/schaermu/ngxdeployd/internal/git"
	"github.com/schaermu/ngxdeployd/internal/hook"
	"github.com/schaermu/ngxdeployd/internal/nginx"
	"github.com/schaermu/ngxdeployd/internal/webhook"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/ngxdeployd/config.yaml"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile     string
	logLevel    string
	logFormat   string
	projectName string
	dryRun      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ngxdeployd",
	Short: "Deploy nginx configuration from Git pushes",
	Long: `ngxdeployd turns a push into a bare Git repository into a validated nginx
configuration deployment: it materializes the pushed revision, reconciles the
tracked configuration paths into the nginx directories, runs the repository's
certificate script if present, checks the result with nginx -t and gracefully
reloads the server.

It runs as the repository's post-receive hook (hook), as a oneshot command
(deploy) or as a long-running webhook daemon (serve).`,
	SilenceUsage: true,
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Run as the bare repository's post-receive hook",
	Long: `Hook reads the pushed ref updates from stdin, picks the update touching the
configured deploy ref and deploys exactly that revision.

Pushes that do not touch the deploy ref are acknowledged and skipped. Without
stdin input it deploys the deploy ref's current tip. The exit code tells git
whether the deployment reached the reloaded state; diagnostics reach the
pusher through the push transport.`,
	RunE: runHook,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy the current tip of the deploy ref once",
	Long: `Deploy runs the full pipeline for the deploy ref's current tip: materialize,
stage, certificate script, validate, activate, reload.

With --dry-run it stages and validates the revision and reports the activation
plan without touching the live configuration, running the certificate script
or reloading nginx.`,
	RunE: runDeploy,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the GitHub webhook daemon",
	Long: `Serve starts a long-running HTTP server that listens for GitHub push events,
fetches the configured remote repository and deploys its tip.

Events are verified against the configured webhook secret, debounced, and
deployed with single-flight semantics. The server exposes /healthz, /status
and Prometheus /metrics endpoints and supports systemd socket activation.`,
	RunE: runServe,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision the bare repository and deployment directories",
	Long: `Init prepares a project for push deployments: it creates the bare repository,
installs this binary as its post-receive hook and creates the working tree and
state directories.

It is idempotent and safe to re-run. A hook previously installed by ngxdeployd
is rewritten; a foreign post-receive hook is left alone and reported.`,
	RunE: runInit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last deployment for a project",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ngxdeployd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/ngxdeployd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&projectName, "project", "", "project name (default from config, or the repository the hook runs in)")

	// Deploy command flags
	deployCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and show the plan without changing the live configuration")

	// Add commands
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runHook(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	// The hook runs inside the repository the push landed in; that
	// repository decides the project, not the config file.
	bareDir, err := hook.ResolveBareDir()
	if err != nil {
		return fmt.Errorf("failed to resolve repository directory: %w", err)
	}

	project := projectName
	if project == "" {
		project, err = hook.DeriveProject(bareDir)
		if err != nil {
			return fmt.Errorf("failed to derive project name: %w", err)
		}
	}

	cfg, err := loadConfig(logger, project, false)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	updates, err := hook.ParseRefUpdates(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to parse ref updates: %w", err)
	}

	repo := git.NewRepository(bareDir)
	deployRef, err := resolveDeployRef(ctx, cfg, repo)
	if err != nil {
		return err
	}

	decision := hook.Decide(updates, deployRef)
	if !decision.Deploy {
		logger.Info("skipping deployment", "reason", decision.Reason)
		return nil
	}

	pipeline := deploy.New(cfg, deploy.NewArchiveMaterializer(repo, deployRef), logger, false)

	record, err := pipeline.Run(ctx, decision.Revision)
	if err != nil {
		reportFailure(logger, record, err)
		return err
	}

	logger.Info("deployment finished", "revision", record.Revision, "status", string(record.Status))
	return nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, projectName, false)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	repo := git.NewRepository(cfg.BareRepoPath())
	deployRef, err := resolveDeployRef(ctx, cfg, repo)
	if err != nil {
		return err
	}

	pipeline := deploy.New(cfg, deploy.NewArchiveMaterializer(repo, deployRef), logger, dryRun)

	record, err := pipeline.Run(ctx, "")
	if err != nil {
		reportFailure(logger, record, err)
		return err
	}

	if dryRun {
		logger.Info("dry-run finished", "revision", record.Revision, "planned_changes", record.Plan.Total())
		return nil
	}
	logger.Info("deployment finished", "revision", record.Revision, "status", string(record.Status))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	// Serve needs a config file: the remote repository and the webhook
	// secret have no defaults.
	cfg, err := loadConfig(logger, projectName, true)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Serve.Enabled = true
	if err := cfg.Validate(); err != nil {
		return err
	}

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	mat := deploy.NewCheckoutMaterializer(gitClient, cfg.Repo.URL, cfg.Repo.Ref, cfg.RemoteRepoPath())
	pipeline := deploy.New(cfg, mat, logger, false)

	server, err := webhook.NewServer(cfg, pipeline, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	return server.Start(ctx)
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, projectName, false)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	bareDir := cfg.BareRepoPath()
	if err := git.InitBare(ctx, bareDir); err != nil {
		return err
	}
	logger.Info("bare repository ready", "path", bareDir)

	binPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own binary path: %w", err)
	}
	hookPath, err := hook.InstallScript(bareDir, binPath, cfgFile)
	if err != nil {
		return fmt.Errorf("failed to install post-receive hook: %w", err)
	}
	logger.Info("post-receive hook installed", "path", hookPath)

	for _, dir := range []string{cfg.WorktreePath(), cfg.Paths.StateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	logger.Info("project initialized, push to deploy",
		"project", cfg.Project,
		"worktree", cfg.WorktreePath(),
		"state_dir", cfg.Paths.StateDir)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger, projectName, false)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	record, err := deploy.LoadRecord(cfg.RecordPath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no deployment on record for project %s", cfg.Project)
		}
		return err
	}

	printRecord(record)
	return nil
}

func printRecord(record *deploy.Record) {
	fmt.Printf("project:  %s\n", record.Project)
	fmt.Printf("revision: %s\n", record.Revision)
	fmt.Printf("status:   %s\n", record.Status)
	if record.DryRun {
		fmt.Printf("dry-run:  yes\n")
	}
	fmt.Printf("started:  %s\n", record.StartedAt.Format(time.RFC3339))
	fmt.Printf("finished: %s (took %s)\n", record.FinishedAt.Format(time.RFC3339), record.Duration().Round(time.Millisecond))
	fmt.Printf("changes:  %d added, %d updated, %d deleted\n", record.Plan.Add, record.Plan.Update, record.Plan.Delete)
	if len(record.SkippedSources) > 0 {
		fmt.Printf("skipped:  %s\n", strings.Join(record.SkippedSources, ", "))
	}
	if record.CertAction {
		fmt.Printf("certs:    deploy script ran\n")
	}
	if record.Error != "" {
		fmt.Printf("error:    %s\n", record.Error)
	}
}

// resolveDeployRef returns the ref deployments follow: the configured one,
// or the repository's HEAD when none is configured.
func resolveDeployRef(ctx context.Context, cfg *config.Config, repo *git.Repository) (string, error) {
	if cfg.Deploy.Ref != "" {
		return cfg.Deploy.Ref, nil
	}
	ref, err := repo.HeadRef(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve deploy ref: %w", err)
	}
	return ref, nil
}

// reportFailure logs the failed run and, for configuration check failures,
// prints the checker's output on stderr so the pusher sees the exact nginx
// diagnostics.
func reportFailure(logger *slog.Logger, record *deploy.Record, err error) {
	var verr *nginx.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprintln(os.Stderr, "configuration check failed, the previous configuration stays active:")
		fmt.Fprintln(os.Stderr, strings.TrimSpace(verr.Output))
	}
	if record != nil {
		logger.Error("deployment failed", "status", string(record.Status), "error", err)
		return
	}
	logger.Error("deployment failed", "error", err)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig loads the configuration and resolves the project. A missing
// file is only an error when requireFile is set or the path was given
// explicitly; hook and oneshot runs work with pure defaults.
func loadConfig(logger *slog.Logger, project string, requireFile bool) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	switch {
	case err == nil:
		logger.Debug("configuration loaded", "path", configPath)
	case !requireFile && cfgFile == "" && errors.Is(err, os.ErrNotExist):
		logger.Debug("no configuration file, using defaults", "path", configPath)
		cfg = &config.Config{}
	default:
		return nil, err
	}

	if err := cfg.Finalize(project); err != nil {
		return nil, err
	}

	logger.Debug("configuration ready",
		"project", cfg.Project,
		"bare_repo", cfg.BareRepoPath(),
		"worktree", cfg.WorktreePath(),
		"nginx_prefix", cfg.Paths.NginxPrefix)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
