package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marc/cap-git-deploy/internal/deploy"
	"github.com/marc/cap-git-deploy/internal/remote"
)

const (
	DefaultConfigFile = "deploy.yml"

	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultCurrentDir     = "current"
	defaultSharedDir      = "shared"
	defaultKnownHosts     = "~/.ssh/known_hosts"
	defaultFallbackBranch = "master"
	defaultGitHubEnv      = "production"
	memoryJournal         = ":memory:"
)

// Config captures the deployment description read from the config file plus
// invocation-level settings taken from the environment.
type Config struct {
	Application    string       `yaml:"application"`
	Repository     string       `yaml:"repository"`
	DeployTo       string       `yaml:"deploy_to"`
	CurrentPath    string       `yaml:"current_path"`
	SharedPath     string       `yaml:"shared_path"`
	SharedChildren []string     `yaml:"shared_children"`
	Branch         string       `yaml:"branch"`
	DefaultBranch  string       `yaml:"default_branch"`
	Hosts          []string     `yaml:"hosts"`
	SSH            SSHConfig    `yaml:"ssh"`
	Hooks          HooksConfig  `yaml:"hooks"`
	Journal        string       `yaml:"journal"`
	GitHub         GitHubConfig `yaml:"github"`
	Log            LogConfig    `yaml:"log"`

	// BranchOverride comes from the branch/BRANCH environment variables or
	// the --branch flag. It is used only when Branch is empty.
	BranchOverride string `yaml:"-"`
	// User is the operator identity from DEPLOY_USER.
	User        string `yaml:"-"`
	GitHubToken string `yaml:"-"`
	// HostFilter restricts a run to a subset of Hosts.
	HostFilter []string `yaml:"-"`
}

type SSHConfig struct {
	User                  string        `yaml:"user"`
	Port                  int           `yaml:"port"`
	KeyFile               string        `yaml:"key_file"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	Timeout               time.Duration `yaml:"timeout"`
}

type HooksConfig struct {
	AfterUpdate []string `yaml:"after_update"`
}

// GitHubConfig enables deployment records on a GitHub repository.
type GitHubConfig struct {
	Owner       string `yaml:"owner"`
	Repo        string `yaml:"repo"`
	Environment string `yaml:"environment"`
	BaseURL     string `yaml:"base_url"`
	UploadURL   string `yaml:"upload_url"`
}

// Enabled reports whether deployment records were requested.
func (c GitHubConfig) Enabled() bool {
	return c.Owner != "" && c.Repo != ""
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads the config file, applies environment overrides and
// defaults, and performs validation.
func LoadConfig(file string) (Config, error) {
	if strings.TrimSpace(file) == "" {
		file = DefaultConfigFile
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", file, err)
	}
	return cfg, nil
}

// ParseConfig decodes a YAML deployment description and finishes it the same
// way LoadConfig does.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.BranchOverride = strings.TrimSpace(os.Getenv("branch"))
	if c.BranchOverride == "" {
		c.BranchOverride = strings.TrimSpace(os.Getenv("BRANCH"))
	}

	c.User = strings.TrimSpace(os.Getenv("DEPLOY_USER"))
	c.GitHubToken = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))

	if v := strings.TrimSpace(os.Getenv("DEPLOY_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("DEPLOY_LOG_FORMAT")); v != "" {
		c.Log.Format = v
	}
}

func (c *Config) finish() error {
	c.Application = strings.TrimSpace(c.Application)
	c.Repository = strings.TrimSpace(c.Repository)
	c.DeployTo = strings.TrimRight(strings.TrimSpace(c.DeployTo), "/")
	c.Branch = strings.TrimSpace(c.Branch)
	c.DefaultBranch = strings.TrimSpace(c.DefaultBranch)
	c.Hosts = cleanList(c.Hosts)
	c.SharedChildren = cleanList(c.SharedChildren)
	c.Hooks.AfterUpdate = cleanList(c.Hooks.AfterUpdate)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	if c.Repository == "" {
		return fmt.Errorf("repository is required")
	}
	if c.DeployTo == "" {
		return fmt.Errorf("deploy_to is required")
	}
	if !path.IsAbs(c.DeployTo) {
		return fmt.Errorf("deploy_to must be an absolute path, got %q", c.DeployTo)
	}
	if len(c.Hosts) == 0 {
		return fmt.Errorf("hosts must list at least one host")
	}
	if dup := firstDuplicate(c.Hosts); dup != "" {
		return fmt.Errorf("hosts lists %q more than once", dup)
	}

	if c.CurrentPath == "" {
		c.CurrentPath = path.Join(c.DeployTo, defaultCurrentDir)
	}
	if c.SharedPath == "" {
		c.SharedPath = path.Join(c.DeployTo, defaultSharedDir)
	}
	for _, child := range c.SharedChildren {
		if path.IsAbs(child) || strings.HasPrefix(path.Clean(child), "..") {
			return fmt.Errorf("shared_children entry %q must be relative to shared_path", child)
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	supportedFormats := map[string]struct{}{"text": {}, "json": {}}
	if _, ok := supportedFormats[c.Log.Format]; !ok {
		return fmt.Errorf("log.format: unsupported log format %q", c.Log.Format)
	}

	if err := c.finishSSH(); err != nil {
		return err
	}

	if c.Journal != "" && c.Journal != memoryJournal {
		c.Journal = expandHome(c.Journal)
	}

	if (c.GitHub.Owner == "") != (c.GitHub.Repo == "") {
		return fmt.Errorf("github.owner and github.repo must be set together")
	}
	if c.GitHub.BaseURL == "" && c.GitHub.UploadURL != "" {
		return fmt.Errorf("github.upload_url cannot be set without github.base_url")
	}
	if c.GitHub.Enabled() && c.GitHub.Environment == "" {
		c.GitHub.Environment = defaultGitHubEnv
	}

	return nil
}

func (c *Config) finishSSH() error {
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port %d is out of range", c.SSH.Port)
	}
	if c.SSH.Timeout < 0 {
		return fmt.Errorf("ssh.timeout must not be negative")
	}

	c.SSH.KeyFile = expandHome(strings.TrimSpace(c.SSH.KeyFile))
	if c.SSH.KnownHosts == "" && !c.SSH.InsecureIgnoreHostKey {
		c.SSH.KnownHosts = defaultKnownHosts
	}
	c.SSH.KnownHosts = expandHome(strings.TrimSpace(c.SSH.KnownHosts))

	if c.SSH.User == "" {
		for _, host := range c.Hosts {
			if !remote.IsLocalHost(host) {
				return fmt.Errorf("ssh.user is required for remote host %q", host)
			}
		}
	}
	return nil
}

// SelectedHosts returns the hosts a run operates on, in configuration order.
func (c Config) SelectedHosts() ([]string, error) {
	if len(c.HostFilter) == 0 {
		return c.Hosts, nil
	}

	wanted := make(map[string]struct{}, len(c.HostFilter))
	for _, h := range c.HostFilter {
		wanted[strings.TrimSpace(h)] = struct{}{}
	}

	var hosts []string
	for _, h := range c.Hosts {
		if _, ok := wanted[h]; ok {
			hosts = append(hosts, h)
			delete(wanted, h)
		}
	}
	if len(wanted) > 0 {
		unknown := make([]string, 0, len(wanted))
		for _, h := range c.HostFilter {
			if _, ok := wanted[strings.TrimSpace(h)]; ok {
				unknown = append(unknown, h)
			}
		}
		return nil, fmt.Errorf("unknown host(s): %s", strings.Join(unknown, ", "))
	}
	return hosts, nil
}

// Target describes the deployment target on host.
func (c Config) Target(host string) deploy.Target {
	return deploy.Target{
		Host:           host,
		Path:           c.CurrentPath,
		Repository:     c.Repository,
		DeployTo:       c.DeployTo,
		SharedPath:     c.SharedPath,
		SharedChildren: c.SharedChildren,
	}
}

// DeployHooks returns the configured post-update hooks in declared order.
func (c Config) DeployHooks() []deploy.Hook {
	hooks := make([]deploy.Hook, 0, len(c.Hooks.AfterUpdate))
	for _, command := range c.Hooks.AfterUpdate {
		hooks = append(hooks, deploy.CommandHook{Command: command})
	}
	return hooks
}

// RemoteSSH converts the ssh section for the remote package.
func (c Config) RemoteSSH() remote.SSHConfig {
	return remote.SSHConfig{
		User:                  c.SSH.User,
		Port:                  c.SSH.Port,
		KeyFile:               c.SSH.KeyFile,
		KeyPassphrase:         os.Getenv("DEPLOY_SSH_KEY_PASSPHRASE"),
		KnownHostsFile:        c.SSH.KnownHosts,
		InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
		Timeout:               c.SSH.Timeout,
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func cleanList(items []string) []string {
	cleaned := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func firstDuplicate(items []string) string {
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			return item
		}
		seen[item] = struct{}{}
	}
	return ""
}
