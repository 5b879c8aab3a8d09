// Package config loads the controller configuration from a YAML file,
// applies defaults, and allows environment overrides for the endpoints that
// differ between deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the scheduling constants shared with agents.
const (
	DefaultSlotSize     = 100 * time.Millisecond
	DefaultMaxTimeslots = 500
	DefaultGracePeriod  = 50 * time.Millisecond
)

// Default singleton plugin names.
const (
	DefaultScheduler = "BatchScheduler"
	DefaultRouter    = "PathFinder"
	DefaultMonitor   = "Monitor"
)

// MQ configures the message broker endpoint and the RPC topics.
type MQ struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RPCServerTopic is the topic this controller answers RPCs on.
	RPCServerTopic string `yaml:"rpc_server_topic"`
	// RPCClientTopic is the outbound topic prefix; the per-agent topic is
	// "<prefix>/<agentID>".
	RPCClientTopic string `yaml:"rpc_client_topic"`
}

// Addr returns the broker endpoint in host:port form.
func (m MQ) Addr() string { return fmt.Sprintf("%s:%d", m.Host, m.Port) }

// AgentTopic returns the RPC topic addressing a single agent.
func (m MQ) AgentTopic(agentID string) string {
	return m.RPCClientTopic + "/" + agentID
}

// ScheduleManager configures the time-slot reconciliation.
type ScheduleManager struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Named selects a singleton plugin implementation by name.
type Named struct {
	Name string `yaml:"name"`
}

// Pathed points at a file or directory used by a subsystem.
type Pathed struct {
	Path string `yaml:"path"`
}

// Database selects the persisted-state backend by connection URI.
type Database struct {
	Default string `yaml:"default"`
}

// Config is the full controller configuration.
type Config struct {
	MQ              MQ              `yaml:"mq"`
	ScheduleManager ScheduleManager `yaml:"schedule_manager"`
	Scheduling      Named           `yaml:"scheduling"`
	Routing         Named           `yaml:"routing"`
	Monitoring      Named           `yaml:"monitoring"`
	Plugins         Pathed          `yaml:"plugins"`
	Schemas         Pathed          `yaml:"schemas"`
	ExperimentDef   Pathed          `yaml:"experiment_definition"`
	Database        Database        `yaml:"database"`

	SlotSize     time.Duration `yaml:"slot_size"`
	MaxTimeslots int           `yaml:"max_timeslots"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		MQ: MQ{
			Host:           "localhost",
			Port:           1883,
			RPCServerTopic: "rpc/server",
			RPCClientTopic: "rpc",
		},
		ScheduleManager: ScheduleManager{GracePeriod: DefaultGracePeriod},
		Scheduling:      Named{Name: DefaultScheduler},
		Routing:         Named{Name: DefaultRouter},
		Monitoring:      Named{Name: DefaultMonitor},
		ExperimentDef:   Pathed{Path: "configs/exp_defs.yaml"},
		Database:        Database{Default: "redis://localhost:6379/0"},
		SlotSize:        DefaultSlotSize,
		MaxTimeslots:    DefaultMaxTimeslots,
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged. Environment variables QN_MQ_HOST, QN_MQ_PORT and
// QN_DATABASE_URI override the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if host := os.Getenv("QN_MQ_HOST"); host != "" {
		cfg.MQ.Host = host
	}
	if port := os.Getenv("QN_MQ_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.MQ.Port = p
		}
	}
	if uri := os.Getenv("QN_DATABASE_URI"); uri != "" {
		cfg.Database.Default = uri
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.MQ.Host == "" {
		c.MQ.Host = def.MQ.Host
	}
	if c.MQ.Port == 0 {
		c.MQ.Port = def.MQ.Port
	}
	if c.MQ.RPCServerTopic == "" {
		c.MQ.RPCServerTopic = def.MQ.RPCServerTopic
	}
	if c.MQ.RPCClientTopic == "" {
		c.MQ.RPCClientTopic = def.MQ.RPCClientTopic
	}
	if c.ScheduleManager.GracePeriod <= 0 {
		c.ScheduleManager.GracePeriod = def.ScheduleManager.GracePeriod
	}
	if c.Scheduling.Name == "" {
		c.Scheduling.Name = def.Scheduling.Name
	}
	if c.Routing.Name == "" {
		c.Routing.Name = def.Routing.Name
	}
	if c.Monitoring.Name == "" {
		c.Monitoring.Name = def.Monitoring.Name
	}
	if c.Database.Default == "" {
		c.Database.Default = def.Database.Default
	}
	if c.SlotSize <= 0 {
		c.SlotSize = def.SlotSize
	}
	if c.MaxTimeslots <= 0 {
		c.MaxTimeslots = def.MaxTimeslots
	}
}

func (c *Config) validate() error {
	// The grace period delays allocation start; past one full schedule
	// window it can never be satisfied.
	window := c.SlotSize * time.Duration(c.MaxTimeslots)
	if c.ScheduleManager.GracePeriod > window {
		return fmt.Errorf("schedule_manager.grace_period %s exceeds the schedule window %s",
			c.ScheduleManager.GracePeriod, window)
	}
	return nil
}

// PluginPaths splits the colon-separated plugin discovery roots.
func (c Config) PluginPaths() []string {
	if c.Plugins.Path == "" {
		return nil
	}
	var paths []string
	for _, p := range strings.Split(c.Plugins.Path, ":") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}
