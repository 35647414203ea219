package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LockMode defines how a deployment run behaves when another run already
// holds the deployment lock.
type LockMode string

const (
	// LockWait queues behind the running deployment (kernel flock order).
	LockWait LockMode = "wait"
	// LockReject fails immediately with a "deployment in progress" error.
	LockReject LockMode = "reject"
)

// Config represents the complete ngxdeployd configuration.
//
// Every field has a working default derived from the fixed filesystem
// contract (bare repo under /home/git, worktree under /srv, nginx under
// /etc/nginx), so the post-receive hook runs with no config file at all.
type Config struct {
	Project string       `yaml:"project"`
	Repo    RepoConfig   `yaml:"repo"`
	Paths   PathsConfig  `yaml:"paths"`
	Deploy  DeployConfig `yaml:"deploy"`
	Nginx   NginxConfig  `yaml:"nginx"`
	Auth    AuthConfig   `yaml:"auth"`
	Serve   ServeConfig  `yaml:"serve"`
}

// RepoConfig configures the remote Git repository source used by serve mode.
// Hook and deploy mode read the local bare repository instead and ignore
// this section.
type RepoConfig struct {
	URL string `yaml:"url"`
	Ref string `yaml:"ref"`
}

// PathsConfig configures local filesystem paths.
type PathsConfig struct {
	BareDir     string `yaml:"bare_dir"`     // parent of <project>.git
	Worktree    string `yaml:"worktree"`     // materialized checkout
	StateDir    string `yaml:"state_dir"`    // stage tree, deployment record
	NginxPrefix string `yaml:"nginx_prefix"` // live configuration root
}

// DeployConfig configures deployment behavior.
type DeployConfig struct {
	Ref  string   `yaml:"ref"`  // ref to deploy; empty means the repository HEAD
	Lock LockMode `yaml:"lock"` // wait or reject on lock contention
}

// NginxConfig configures the external nginx commands. Both values are
// parsed shell-style into argv; the check command additionally receives
// -p <prefix> -c <conf> for the tree under test.
type NginxConfig struct {
	CheckCommand  string `yaml:"check_command"`
	ReloadCommand string `yaml:"reload_command"`
}

// AuthConfig configures Git authentication for remote fetches (serve mode).
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server.
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Load reads and parses the configuration file. It does not resolve
// project-dependent defaults; callers must Finalize the returned config
// once the project name is known.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()

	return &cfg, nil
}

// Finalize applies the project name, fills project-dependent defaults and
// validates the result. The project argument wins over the config file;
// an empty argument keeps the file's value.
func (c *Config) Finalize(project string) error {
	if project != "" {
		c.Project = project
	}

	c.applyDefaults()

	return c.Validate()
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Project = os.ExpandEnv(c.Project)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Ref = os.ExpandEnv(c.Repo.Ref)
	c.Paths.BareDir = os.ExpandEnv(c.Paths.BareDir)
	c.Paths.Worktree = os.ExpandEnv(c.Paths.Worktree)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.NginxPrefix = os.ExpandEnv(c.Paths.NginxPrefix)
	c.Deploy.Ref = os.ExpandEnv(c.Deploy.Ref)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields from the fixed filesystem
// contract.
func (c *Config) applyDefaults() {
	if c.Paths.BareDir == "" {
		c.Paths.BareDir = "/home/git"
	}
	if c.Paths.NginxPrefix == "" {
		c.Paths.NginxPrefix = "/etc/nginx"
	}
	if c.Project != "" {
		if c.Paths.Worktree == "" {
			c.Paths.Worktree = fmt.Sprintf("/srv/%s-deploy", c.Project)
		}
		if c.Paths.StateDir == "" {
			c.Paths.StateDir = filepath.Join("/var/lib/ngxdeployd", c.Project)
		}
	}
	if c.Deploy.Lock == "" {
		c.Deploy.Lock = LockWait
	}
	if c.Nginx.CheckCommand == "" {
		c.Nginx.CheckCommand = "nginx -t"
	}
	if c.Nginx.ReloadCommand == "" {
		c.Nginx.ReloadCommand = "systemctl reload nginx"
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = ":9130"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Project == "" {
		return fmt.Errorf("project is required (set project: in the config or pass --project)")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Paths.BareDir) {
		return fmt.Errorf("paths.bare_dir must be an absolute path: %s", c.Paths.BareDir)
	}
	if !filepath.IsAbs(c.Paths.Worktree) {
		return fmt.Errorf("paths.worktree must be an absolute path: %s", c.Paths.Worktree)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if !filepath.IsAbs(c.Paths.NginxPrefix) {
		return fmt.Errorf("paths.nginx_prefix must be an absolute path: %s", c.Paths.NginxPrefix)
	}

	// Validate lock mode
	switch c.Deploy.Lock {
	case LockWait, LockReject:
		// valid
	default:
		return fmt.Errorf("invalid deploy.lock mode: %s (must be wait or reject)", c.Deploy.Lock)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Repo.URL == "" {
			return fmt.Errorf("repo.url is required when serve is enabled")
		}
		if c.Repo.Ref == "" {
			return fmt.Errorf("repo.ref is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// BareRepoPath returns the path of the bare repository pushes land in.
func (c *Config) BareRepoPath() string {
	return filepath.Join(c.Paths.BareDir, c.Project+".git")
}

// WorktreePath returns the path the pushed revision is materialized into.
func (c *Config) WorktreePath() string {
	return c.Paths.Worktree
}

// StagePath returns the directory the reconciler stages the destination
// layout in before validation.
func (c *Config) StagePath() string {
	return filepath.Join(c.Paths.StateDir, "stage")
}

// RecordPath returns the path of the last-deployment record.
func (c *Config) RecordPath() string {
	return filepath.Join(c.Paths.StateDir, "last-deploy.json")
}

// RemoteRepoPath returns the path serve mode clones the remote repository
// into.
func (c *Config) RemoteRepoPath() string {
	return filepath.Join(c.Paths.StateDir, "repo")
}

// LockPath returns the deployment lock file path, scoped to the worktree
// identity.
func (c *Config) LockPath() string {
	return c.Paths.Worktree + ".lock"
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
