package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine  EngineConfig  `yaml:"engine" json:"engine"`
	Cluster ClusterConfig `yaml:"cluster" json:"cluster"`
	Retry   RetryConfig   `yaml:"retry" json:"retry"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Archive ArchiveConfig `yaml:"archive" json:"archive"`
	Report  ReportConfig  `yaml:"report" json:"report"`
}

// Scheduler strategy names recognized by EngineConfig.Scheduler.
const (
	SchedulerDefault       = "default"
	SchedulerFiniteFault   = "finite-fault"
	SchedulerSingleSuccess = "single-success"
)

// Initial membership policies recognized by EngineConfig.InitialMembership.
const (
	MembershipAll   = "all"
	MembershipFirst = "first"
)

// Node restart policies applied between runs.
const (
	RestartNone   = "none"
	RestartFailed = "failed"
	RestartAll    = "all"
)

type EngineConfig struct {
	// SystemModel selects the system model adapter. Mandatory.
	SystemModel string `yaml:"system_model" json:"system_model"`
	// FaultModel selects the fault model adapter.
	FaultModel string `yaml:"fault_model" json:"fault_model"`
	// Scheduler selects the sequence transformation strategy.
	Scheduler string `yaml:"scheduler" json:"scheduler"`

	FaultInjection    bool   `yaml:"fault_injection" json:"fault_injection"`
	MembershipChanges bool   `yaml:"membership_changes" json:"membership_changes"`
	InitialMembership string `yaml:"initial_membership" json:"initial_membership"`

	Runs           int   `yaml:"runs" json:"runs"`
	SequenceLength int   `yaml:"sequence_length" json:"sequence_length"`
	Seed           int64 `yaml:"seed" json:"seed"`

	NodeRestart   string `yaml:"node_restart" json:"node_restart"`
	FullRecluster bool   `yaml:"full_recluster" json:"full_recluster"`

	// OpTimeout bounds every remote call a single command performs.
	OpTimeout time.Duration `yaml:"op_timeout" json:"op_timeout"`
}

type NodeSpec struct {
	ID   string `yaml:"id" json:"id"`
	Addr string `yaml:"addr" json:"addr"`
}

type ClusterConfig struct {
	Nodes []NodeSpec `yaml:"nodes" json:"nodes"`
	// Command is the node process launch command. When empty the cluster is
	// assumed to be externally managed and process-level faults are no-ops.
	Command        string        `yaml:"command" json:"command"`
	Args           []string      `yaml:"args" json:"args"`
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
}

type RetryConfig struct {
	MaxAttempts uint          `yaml:"max_attempts" json:"max_attempts"`
	Delay       time.Duration `yaml:"delay" json:"delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	InMemory bool   `yaml:"in_memory" json:"in_memory"`
}

type ReportConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			SystemModel:       "",
			FaultModel:        "crash",
			Scheduler:         SchedulerDefault,
			FaultInjection:    true,
			MembershipChanges: true,
			InitialMembership: MembershipAll,
			Runs:              25,
			SequenceLength:    40,
			Seed:              0, // 0 means derive from wall clock
			NodeRestart:       RestartFailed,
			FullRecluster:     false,
			OpTimeout:         5 * time.Second,
		},
		Cluster: ClusterConfig{
			Nodes: []NodeSpec{
				{ID: "node1", Addr: "localhost:7001"},
				{ID: "node2", Addr: "localhost:7002"},
				{ID: "node3", Addr: "localhost:7003"},
				{ID: "node4", Addr: "localhost:7004"},
			},
			Command:        "",
			Args:           nil,
			StartupTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 20,
			Delay:       500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Archive: ArchiveConfig{
			Enabled:  true,
			Path:     "./data/runs",
			InMemory: false,
		},
		Report: ReportConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    8080,
		},
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func loadFromEnvironment(config *Config) {
	// Engine configuration
	if model := os.Getenv("MC_SYSTEM_MODEL"); model != "" {
		config.Engine.SystemModel = model
	}
	if model := os.Getenv("MC_FAULT_MODEL"); model != "" {
		config.Engine.FaultModel = model
	}
	if scheduler := os.Getenv("MC_SCHEDULER"); scheduler != "" {
		config.Engine.Scheduler = scheduler
	}
	if faults := os.Getenv("MC_FAULT_INJECTION"); faults != "" {
		if b, err := strconv.ParseBool(faults); err == nil {
			config.Engine.FaultInjection = b
		}
	}
	if membership := os.Getenv("MC_MEMBERSHIP_CHANGES"); membership != "" {
		if b, err := strconv.ParseBool(membership); err == nil {
			config.Engine.MembershipChanges = b
		}
	}
	if initial := os.Getenv("MC_INITIAL_MEMBERSHIP"); initial != "" {
		config.Engine.InitialMembership = initial
	}
	if runs := os.Getenv("MC_RUNS"); runs != "" {
		if n, err := strconv.Atoi(runs); err == nil {
			config.Engine.Runs = n
		}
	}
	if length := os.Getenv("MC_SEQUENCE_LENGTH"); length != "" {
		if n, err := strconv.Atoi(length); err == nil {
			config.Engine.SequenceLength = n
		}
	}
	if seed := os.Getenv("MC_SEED"); seed != "" {
		if n, err := strconv.ParseInt(seed, 10, 64); err == nil {
			config.Engine.Seed = n
		}
	}
	if restart := os.Getenv("MC_NODE_RESTART"); restart != "" {
		config.Engine.NodeRestart = restart
	}
	if recluster := os.Getenv("MC_FULL_RECLUSTER"); recluster != "" {
		if b, err := strconv.ParseBool(recluster); err == nil {
			config.Engine.FullRecluster = b
		}
	}

	// Cluster configuration
	if nodes := os.Getenv("MC_CLUSTER_NODES"); nodes != "" {
		specs := make([]NodeSpec, 0)
		for i, addr := range strings.Split(nodes, ",") {
			specs = append(specs, NodeSpec{
				ID:   fmt.Sprintf("node%d", i+1),
				Addr: strings.TrimSpace(addr),
			})
		}
		config.Cluster.Nodes = specs
	}
	if command := os.Getenv("MC_CLUSTER_COMMAND"); command != "" {
		config.Cluster.Command = command
	}

	// Logging configuration
	if level := os.Getenv("MC_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("MC_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	// Archive configuration
	if enabled := os.Getenv("MC_ARCHIVE_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Archive.Enabled = b
		}
	}
	if path := os.Getenv("MC_ARCHIVE_PATH"); path != "" {
		config.Archive.Path = path
	}

	// Report configuration
	if enabled := os.Getenv("MC_REPORT_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Report.Enabled = b
		}
	}
	if port := os.Getenv("MC_REPORT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Report.Port = p
		}
	}
}

func (c *Config) Validate() error {
	// Engine validation. A missing system model is fatal before any run begins.
	if c.Engine.SystemModel == "" {
		return fmt.Errorf("system model must be specified")
	}
	validSchedulers := map[string]bool{
		SchedulerDefault: true, SchedulerFiniteFault: true, SchedulerSingleSuccess: true,
	}
	if !validSchedulers[c.Engine.Scheduler] {
		return fmt.Errorf("invalid scheduler strategy: %s", c.Engine.Scheduler)
	}
	if c.Engine.FaultInjection && c.Engine.FaultModel == "" {
		return fmt.Errorf("fault model must be specified when fault injection is enabled")
	}
	if c.Engine.Scheduler == SchedulerFiniteFault && c.Engine.FaultModel == "" {
		// The finite-fault strategy emits a resolution command even when
		// fault injection itself is disabled.
		return fmt.Errorf("fault model must be specified for the %s scheduler", SchedulerFiniteFault)
	}
	if c.Engine.InitialMembership != MembershipAll && c.Engine.InitialMembership != MembershipFirst {
		return fmt.Errorf("invalid initial membership policy: %s", c.Engine.InitialMembership)
	}
	if c.Engine.Runs <= 0 {
		return fmt.Errorf("run count must be positive")
	}
	if c.Engine.SequenceLength <= 0 {
		return fmt.Errorf("sequence length must be positive")
	}
	validRestarts := map[string]bool{
		RestartNone: true, RestartFailed: true, RestartAll: true,
	}
	if !validRestarts[c.Engine.NodeRestart] {
		return fmt.Errorf("invalid node restart policy: %s", c.Engine.NodeRestart)
	}
	if c.Engine.OpTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive")
	}

	// Cluster validation
	if len(c.Cluster.Nodes) == 0 {
		return fmt.Errorf("cluster must have at least one node")
	}
	seen := make(map[string]bool)
	for _, node := range c.Cluster.Nodes {
		if node.ID == "" {
			return fmt.Errorf("node ID cannot be empty")
		}
		if node.Addr == "" {
			return fmt.Errorf("node %s has no address", node.ID)
		}
		if seen[node.ID] {
			return fmt.Errorf("duplicate node ID: %s", node.ID)
		}
		seen[node.ID] = true
	}
	if c.Cluster.StartupTimeout <= 0 {
		return fmt.Errorf("startup timeout must be positive")
	}

	// Retry validation
	if c.Retry.MaxAttempts == 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.Retry.Delay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Archive validation
	if c.Archive.Enabled && !c.Archive.InMemory && c.Archive.Path == "" {
		return fmt.Errorf("archive path cannot be empty when archive is persistent")
	}

	// Report validation
	if c.Report.Enabled {
		if c.Report.Port <= 0 || c.Report.Port > 65535 {
			return fmt.Errorf("invalid report port: %d", c.Report.Port)
		}
	}

	return nil
}

// NodeIDs returns the configured node identities in declaration order.
func (c *Config) NodeIDs() []string {
	ids := make([]string, 0, len(c.Cluster.Nodes))
	for _, node := range c.Cluster.Nodes {
		ids = append(ids, node.ID)
	}
	return ids
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
