package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr    string          `yaml:"listen_addr"`
	DB            DBConfig        `yaml:"db"`
	PolicyPath    string          `yaml:"policy_path"`
	Log           LogConfig       `yaml:"log"`
	Auth          AuthConfig      `yaml:"auth"`
	Lawbook       LawbookConfig   `yaml:"lawbook"`
	RepoAllowlist []string        `yaml:"repo_allowlist"`
	Polling       PollingConfig   `yaml:"polling"`
	Redis         RedisConfig     `yaml:"redis"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	// TargetGroups maps load balancer target group ARNs to services.
	TargetGroups map[string]TargetConfig `yaml:"target_groups"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	DevToken string `yaml:"dev_token"`
}

// LawbookConfig lists the mutating actions that are permitted. Anything not
// listed is denied.
type LawbookConfig struct {
	Flags map[string]bool `yaml:"flags"`
}

type PollingConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

type TargetConfig struct {
	Cluster string `yaml:"cluster"`
	Service string `yaml:"service"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// Default is the configuration used when no file is given.
func Default() Config {
	cfg := Config{ListenAddr: ":8080"}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Polling.MaxAttempts == 0 {
		c.Polling.MaxAttempts = 30
	}
	if c.Polling.Interval == 0 {
		c.Polling.Interval = 10 * time.Second
	}
	if c.Redis.ClaimTTL == 0 {
		c.Redis.ClaimTTL = 24 * time.Hour
	}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch c.DB.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is set")
		}
	default:
		return fmt.Errorf("db.driver %q is not supported (memory, sqlite, postgres)", c.DB.Driver)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "auto", "json", "console":
	default:
		return fmt.Errorf("log.format %q is not supported (auto, json, console)", c.Log.Format)
	}

	if c.Polling.MaxAttempts < 0 || c.Polling.Interval < 0 {
		return fmt.Errorf("polling.max_attempts and polling.interval must not be negative")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit.rps and rate_limit.burst must not be negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate_limit.burst is required when rate_limit.rps is set")
	}
	for arn, t := range c.TargetGroups {
		if t.Cluster == "" || t.Service == "" {
			return fmt.Errorf("target_groups[%s] needs cluster and service", arn)
		}
	}
	for _, repo := range c.RepoAllowlist {
		if !strings.Contains(repo, "/") {
			return fmt.Errorf("repo_allowlist entry %q must be owner/name", repo)
		}
	}

	return nil
}

// AllowedRepos returns the allowlist as a set.
func (c Config) AllowedRepos() map[string]bool {
	out := make(map[string]bool, len(c.RepoAllowlist))
	for _, r := range c.RepoAllowlist {
		out[r] = true
	}
	return out
}
