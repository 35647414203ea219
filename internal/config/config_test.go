package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	content := `
project: blog

paths:
  bare_dir: "/home/git"
  worktree: "/srv/blog-deploy"
  state_dir: "/var/lib/ngxdeployd/blog"
  nginx_prefix: "/etc/nginx"

deploy:
  ref: "refs/heads/main"
  lock: "reject"

nginx:
  check_command: "nginx -t"
  reload_command: "systemctl reload nginx"
`

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Finalize(""); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	// Verify loaded values
	if cfg.Project != "blog" {
		t.Errorf("expected project blog, got %s", cfg.Project)
	}
	if cfg.Deploy.Ref != "refs/heads/main" {
		t.Errorf("expected deploy ref refs/heads/main, got %s", cfg.Deploy.Ref)
	}
	if cfg.Deploy.Lock != LockReject {
		t.Errorf("expected lock mode reject, got %s", cfg.Deploy.Lock)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestFinalize_ProjectOverride(t *testing.T) {
	cfg := &Config{Project: "fromfile"}
	if err := cfg.Finalize("fromflag"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if cfg.Project != "fromflag" {
		t.Errorf("project = %q, want flag value to win", cfg.Project)
	}

	cfg2 := &Config{Project: "fromfile"}
	if err := cfg2.Finalize(""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if cfg2.Project != "fromfile" {
		t.Errorf("project = %q, want file value kept", cfg2.Project)
	}
}

func TestValidate(t *testing.T) {
	// Valid baseline with the fixed contract resolved for project "blog".
	valid := func() Config {
		return Config{
			Project: "blog",
			Paths: PathsConfig{
				BareDir:     "/home/git",
				Worktree:    "/srv/blog-deploy",
				StateDir:    "/var/lib/ngxdeployd/blog",
				NginxPrefix: "/etc/nginx",
			},
			Deploy: DeployConfig{Lock: LockWait},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing project",
			mutate:  func(c *Config) { c.Project = "" },
			wantErr: true,
		},
		{
			name:    "relative worktree",
			mutate:  func(c *Config) { c.Paths.Worktree = "relative/path" },
			wantErr: true,
		},
		{
			name:    "relative state_dir",
			mutate:  func(c *Config) { c.Paths.StateDir = "relative/state" },
			wantErr: true,
		},
		{
			name:    "relative nginx_prefix",
			mutate:  func(c *Config) { c.Paths.NginxPrefix = "etc/nginx" },
			wantErr: true,
		},
		{
			name:    "invalid lock mode",
			mutate:  func(c *Config) { c.Deploy.Lock = "bogus" },
			wantErr: true,
		},
		{
			name: "both ssh key and https token set",
			mutate: func(c *Config) {
				c.Repo.URL = "git@github.com:test/repo.git"
				c.Auth.SSHKeyFile = "/key"
				c.Auth.HTTPSTokenFile = "/token"
			},
			wantErr: true,
		},
		{
			name: "ssh key with https url",
			mutate: func(c *Config) {
				c.Repo.URL = "https://github.com/test/repo.git"
				c.Auth.SSHKeyFile = "/key"
			},
			wantErr: true,
		},
		{
			name: "https token with ssh url",
			mutate: func(c *Config) {
				c.Repo.URL = "git@github.com:test/repo.git"
				c.Auth.HTTPSTokenFile = "/token"
			},
			wantErr: true,
		},
		{
			name: "no auth method is valid for public repos",
			mutate: func(c *Config) {
				c.Repo.URL = "https://github.com/test/repo.git"
				c.Repo.Ref = "main"
			},
			wantErr: false,
		},
		{
			name: "serve enabled missing repo url",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{
					Enabled:                 true,
					ListenAddr:              "127.0.0.1:9130",
					GitHubWebhookSecretFile: "/secret",
				}
			},
			wantErr: true,
		},
		{
			name: "serve enabled missing webhook secret file",
			mutate: func(c *Config) {
				c.Repo = RepoConfig{URL: "https://github.com/test/repo.git", Ref: "main"}
				c.Serve = ServeConfig{
					Enabled:    true,
					ListenAddr: "127.0.0.1:9130",
				}
			},
			wantErr: true,
		},
		{
			name: "serve enabled complete",
			mutate: func(c *Config) {
				c.Repo = RepoConfig{URL: "https://github.com/test/repo.git", Ref: "main"}
				c.Serve = ServeConfig{
					Enabled:                 true,
					ListenAddr:              "127.0.0.1:9130",
					GitHubWebhookSecretFile: "/secret",
				}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{Project: "blog"}
	cfg.applyDefaults()

	if cfg.Paths.BareDir != "/home/git" {
		t.Errorf("bare_dir default = %q, want /home/git", cfg.Paths.BareDir)
	}
	if cfg.Paths.Worktree != "/srv/blog-deploy" {
		t.Errorf("worktree default = %q, want /srv/blog-deploy", cfg.Paths.Worktree)
	}
	if cfg.Paths.StateDir != "/var/lib/ngxdeployd/blog" {
		t.Errorf("state_dir default = %q, want /var/lib/ngxdeployd/blog", cfg.Paths.StateDir)
	}
	if cfg.Paths.NginxPrefix != "/etc/nginx" {
		t.Errorf("nginx_prefix default = %q, want /etc/nginx", cfg.Paths.NginxPrefix)
	}
	if cfg.Deploy.Lock != LockWait {
		t.Errorf("lock default = %q, want wait", cfg.Deploy.Lock)
	}
	if cfg.Nginx.CheckCommand != "nginx -t" {
		t.Errorf("check_command default = %q, want nginx -t", cfg.Nginx.CheckCommand)
	}
	if cfg.Nginx.ReloadCommand != "systemctl reload nginx" {
		t.Errorf("reload_command default = %q, want systemctl reload nginx", cfg.Nginx.ReloadCommand)
	}

	// Explicit values must not be overwritten
	cfg2 := Config{
		Project: "blog",
		Paths:   PathsConfig{Worktree: "/opt/custom"},
		Deploy:  DeployConfig{Lock: LockReject},
	}
	cfg2.applyDefaults()

	if cfg2.Paths.Worktree != "/opt/custom" {
		t.Errorf("applyDefaults() overwrote explicit worktree, got %q", cfg2.Paths.Worktree)
	}
	if cfg2.Deploy.Lock != LockReject {
		t.Errorf("applyDefaults() overwrote explicit lock mode, got %q", cfg2.Deploy.Lock)
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := Config{
		Project: "blog",
		Paths: PathsConfig{
			BareDir:  "/home/git",
			Worktree: "/srv/blog-deploy",
			StateDir: "/var/lib/ngxdeployd/blog",
		},
	}

	if got := cfg.BareRepoPath(); got != "/home/git/blog.git" {
		t.Errorf("BareRepoPath() = %s, want /home/git/blog.git", got)
	}
	if got := cfg.StagePath(); got != filepath.Join(cfg.Paths.StateDir, "stage") {
		t.Errorf("StagePath() = %s, want %s", got, filepath.Join(cfg.Paths.StateDir, "stage"))
	}
	if got := cfg.RecordPath(); got != filepath.Join(cfg.Paths.StateDir, "last-deploy.json") {
		t.Errorf("RecordPath() = %s, want %s", got, filepath.Join(cfg.Paths.StateDir, "last-deploy.json"))
	}
	if got := cfg.RemoteRepoPath(); got != filepath.Join(cfg.Paths.StateDir, "repo") {
		t.Errorf("RemoteRepoPath() = %s, want %s", got, filepath.Join(cfg.Paths.StateDir, "repo"))
	}
	if got := cfg.LockPath(); got != "/srv/blog-deploy.lock" {
		t.Errorf("LockPath() = %s, want /srv/blog-deploy.lock", got)
	}
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		name string
		auth AuthConfig
		want string
	}{
		{
			name: "ssh key set",
			auth: AuthConfig{SSHKeyFile: "/key"},
			want: "ssh",
		},
		{
			name: "https token set",
			auth: AuthConfig{HTTPSTokenFile: "/token"},
			want: "https",
		},
		{
			name: "no auth",
			auth: AuthConfig{},
			want: "none",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Auth: tt.auth}
			if got := cfg.AuthMethod(); got != tt.want {
				t.Errorf("AuthMethod() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsSSHAndIsHTTPS(t *testing.T) {
	tests := []struct {
		url       string
		wantSSH   bool
		wantHTTPS bool
	}{
		{url: "git@github.com:test/repo.git", wantSSH: true},
		{url: "ssh://git@host/repo.git", wantSSH: true},
		{url: "https://github.com/test/repo.git", wantHTTPS: true},
		{url: "file:///tmp/repo"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			cfg := Config{Repo: RepoConfig{URL: tt.url}}
			if got := cfg.IsSSH(); got != tt.wantSSH {
				t.Errorf("IsSSH() = %v, want %v", got, tt.wantSSH)
			}
			if got := cfg.IsHTTPS(); got != tt.wantHTTPS {
				t.Errorf("IsHTTPS() = %v, want %v", got, tt.wantHTTPS)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("NGXDEPLOYD_TEST_PROJECT", "envproj")

	cfg := &Config{Project: "$NGXDEPLOYD_TEST_PROJECT"}
	cfg.expandEnv()

	if cfg.Project != "envproj" {
		t.Errorf("expandEnv() project = %q, want envproj", cfg.Project)
	}
}
