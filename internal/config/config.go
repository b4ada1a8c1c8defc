// Package config provides YAML-based configuration loading for Spindle.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5m" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level Spindle configuration, loaded from spindle.yaml.
type Config struct {
	DB         DBConfig         `yaml:"db"`
	Server     ServerConfig     `yaml:"server"`
	Tiers      map[string]int   `yaml:"tiers"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Queue      QueueConfig      `yaml:"queue"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Agent      AgentConfig      `yaml:"agent"`
	GitHub     GitHubConfig     `yaml:"github"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// DBConfig holds connection settings for the MySQL thread store.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ServerConfig holds settings for the internal HTTP server.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	SharedSecret string `yaml:"shared_secret"`
}

// RateLimitsConfig holds per-user token bucket settings.
type RateLimitsConfig struct {
	SandboxCreation BucketConfig `yaml:"sandbox_creation"`
	Agent           BucketConfig `yaml:"agent"`
}

// BucketConfig defines one replenishing token bucket.
type BucketConfig struct {
	Tokens int      `yaml:"tokens"`
	Window Duration `yaml:"window"`
}

// QueueConfig holds dequeuer batching settings.
type QueueConfig struct {
	BatchSize int `yaml:"batch_size"`
	Workers   int `yaml:"workers"`
}

// SweepConfig holds stall sweeper deadlines.
type SweepConfig struct {
	Interval           Duration `yaml:"interval"`
	BootingDeadline    Duration `yaml:"booting_deadline"`
	WorkingDeadline    Duration `yaml:"working_deadline"`
	StoppingDeadline   Duration `yaml:"stopping_deadline"`
	IdleHibernateAfter Duration `yaml:"idle_hibernate_after"`
}

// SandboxConfig selects and configures the sandbox provider.
type SandboxConfig struct {
	Provider    string            `yaml:"provider"` // "podapi" or "localdocker"
	PodAPI      PodAPIConfig      `yaml:"podapi"`
	LocalDocker LocalDockerConfig `yaml:"localdocker"`
}

// PodAPIConfig holds settings for the remote pod-host HTTP provider.
type PodAPIConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// LocalDockerConfig holds settings for the docker CLI provider.
type LocalDockerConfig struct {
	Image string `yaml:"image"`
}

// AgentConfig describes the agent commands run inside a sandbox.
type AgentConfig struct {
	Command           []string `yaml:"command"`
	CheckpointCommand []string `yaml:"checkpoint_command"`
	Timeout           Duration `yaml:"timeout"`
}

// GitHubConfig holds the token used for PR-state sync.
type GitHubConfig struct {
	Token string `yaml:"token"`
}

// NotifyConfig holds optional operational alert sinks.
type NotifyConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	DiscordToken     string `yaml:"discord_token"`
	DiscordChannelID string `yaml:"discord_channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. ${VAR} references
// are expanded from the environment before parsing so secrets can stay
// out of the file.
func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Database == "" {
		c.DB.Database = "spindle"
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Tiers == nil {
		c.Tiers = map[string]int{}
	}
	if _, ok := c.Tiers["free"]; !ok {
		c.Tiers["free"] = 3
	}
	if _, ok := c.Tiers["pro"]; !ok {
		c.Tiers["pro"] = 10
	}
	if c.RateLimits.SandboxCreation.Tokens == 0 {
		c.RateLimits.SandboxCreation.Tokens = 5
	}
	if c.RateLimits.SandboxCreation.Window == 0 {
		c.RateLimits.SandboxCreation.Window = Duration(time.Hour)
	}
	if c.RateLimits.Agent.Tokens == 0 {
		c.RateLimits.Agent.Tokens = 60
	}
	if c.RateLimits.Agent.Window == 0 {
		c.RateLimits.Agent.Window = Duration(time.Hour)
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Sweep.Interval == 0 {
		c.Sweep.Interval = Duration(5 * time.Minute)
	}
	if c.Sweep.BootingDeadline == 0 {
		c.Sweep.BootingDeadline = Duration(10 * time.Minute)
	}
	if c.Sweep.WorkingDeadline == 0 {
		c.Sweep.WorkingDeadline = Duration(60 * time.Minute)
	}
	if c.Sweep.StoppingDeadline == 0 {
		c.Sweep.StoppingDeadline = Duration(10 * time.Minute)
	}
	if c.Sweep.IdleHibernateAfter == 0 {
		c.Sweep.IdleHibernateAfter = Duration(30 * time.Minute)
	}
	if c.Sandbox.Provider == "" {
		c.Sandbox.Provider = "localdocker"
	}
	if c.Sandbox.LocalDocker.Image == "" {
		c.Sandbox.LocalDocker.Image = "spindle-agent:latest"
	}
	if len(c.Agent.Command) == 0 {
		c.Agent.Command = []string{"spindle-agent", "run"}
	}
	if len(c.Agent.CheckpointCommand) == 0 {
		c.Agent.CheckpointCommand = []string{"spindle-agent", "checkpoint"}
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = Duration(45 * time.Minute)
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.SharedSecret == "" {
		errs = append(errs, "server.shared_secret is required")
	}
	switch c.Sandbox.Provider {
	case "podapi":
		if c.Sandbox.PodAPI.BaseURL == "" {
			errs = append(errs, "sandbox.podapi.base_url is required for the podapi provider")
		}
	case "localdocker":
	default:
		errs = append(errs, fmt.Sprintf("sandbox.provider %q is not one of: podapi, localdocker", c.Sandbox.Provider))
	}
	for tier, max := range c.Tiers {
		if max <= 0 {
			errs = append(errs, fmt.Sprintf("tiers.%s must be positive", tier))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MaxConcurrentTasks returns the concurrency cap for a subscription tier.
// Unknown tiers fall back to the free tier.
func (c *Config) MaxConcurrentTasks(tier string) int {
	if max, ok := c.Tiers[tier]; ok {
		return max
	}
	return c.Tiers["free"]
}
