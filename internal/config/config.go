package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all agendad configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Planner  PlannerConfig  `yaml:"planner"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PlannerConfig carries the engine's tunable constants. The defaults
// are the production values; deployments override them per file.
type PlannerConfig struct {
	StackLimit           int `yaml:"stack_limit"`            // default goals returned by stack reads
	CacheTTLMs           int `yaml:"cache_ttl_ms"`           // stack cache entry lifetime
	MaxActiveGoals       int `yaml:"max_active_goals"`       // hard cap on active planner goals per session
	StaleGoalHours       int `yaml:"stale_goal_hours"`       // idle hours before a goal is abandoned
	MaxPromptGoals       int `yaml:"max_prompt_goals"`       // goals rendered into the prompt block
	MaxPromptChars       int `yaml:"max_prompt_chars"`       // character budget of the prompt block
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"` // background stale-sweep cadence
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 38800,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Planner: PlannerConfig{
			StackLimit:           3,
			CacheTTLMs:           20000,
			MaxActiveGoals:       6,
			StaleGoalHours:       72,
			MaxPromptGoals:       3,
			MaxPromptChars:       600,
			SweepIntervalMinutes: 60,
		},
	}
}

// LoadFromFile overlays a YAML config file on top of the defaults.
// A missing file is not an error; the defaults apply.
func LoadFromFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Planner.MaxActiveGoals < 1 {
		return fmt.Errorf("planner.max_active_goals must be >= 1")
	}
	if c.Planner.StaleGoalHours < 1 {
		return fmt.Errorf("planner.stale_goal_hours must be >= 1")
	}
	if c.Planner.StackLimit < 1 {
		return fmt.Errorf("planner.stack_limit must be >= 1")
	}
	if c.Planner.CacheTTLMs < 0 {
		return fmt.Errorf("planner.cache_ttl_ms must be >= 0")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
