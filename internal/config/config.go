package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full typed configuration for the orchestrator process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Nexus     NexusConfig     `mapstructure:"nexus"`
	Sentinel  SentinelConfig  `mapstructure:"sentinel"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	LogLevel  string          `mapstructure:"log_level"`
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Addr          string `mapstructure:"addr"`
	AuthToken     string `mapstructure:"auth_token"`
	AdminPassword string `mapstructure:"admin_password"`
}

// DatabaseConfig covers the Postgres state store.
type DatabaseConfig struct {
	URL          string        `mapstructure:"url"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
	MaxConns     int32         `mapstructure:"max_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// LLMConfig covers the external model providers.
type LLMConfig struct {
	RouterBase    string `mapstructure:"router_base"`
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	FastModel     string `mapstructure:"fast_model"`
	VisionModel   string `mapstructure:"vision_model"`
	MaxToolSteps  int    `mapstructure:"max_tool_steps"`
	ContextTokens int    `mapstructure:"context_tokens"`
}

// SchedulerConfig covers the background task scheduler.
type SchedulerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	TaskDefDir  string `mapstructure:"task_def_dir"`
	ReloadEvery int    `mapstructure:"reload_every_seconds"`
}

// IngestConfig covers the ingestion pipeline.
type IngestConfig struct {
	IngestDir    string `mapstructure:"ingest_dir"`
	BrainDir     string `mapstructure:"brain_dir"`
	ProcessedDir string `mapstructure:"processed_dir"`
	RetrievalURL string `mapstructure:"retrieval_url"`
	PollSeconds  int    `mapstructure:"poll_seconds"`
	NightStart   int    `mapstructure:"night_start"`
	NightEnd     int    `mapstructure:"night_end"`
	Timezone     string `mapstructure:"timezone"`
	HashWorkers  int    `mapstructure:"hash_workers"`
}

// MCPConfig covers child MCP servers managed over stdio.
type MCPConfig struct {
	Servers []MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig describes one managed MCP server.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	URL     string            `mapstructure:"url"`
	Enabled bool              `mapstructure:"enabled"`
	Core    bool              `mapstructure:"core"`
}

// NexusConfig covers the input regulator.
type NexusConfig struct {
	TriggerFile string `mapstructure:"trigger_file"`
	Greeting    string `mapstructure:"greeting"`
}

// SentinelConfig covers the command-safety classifier.
type SentinelConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	AuditTimeout time.Duration `mapstructure:"audit_timeout"`
}

// MemoryConfig covers durable memory.
type MemoryConfig struct {
	SovereignDir string `mapstructure:"sovereign_dir"`
}

// Load reads configuration from an optional YAML file with environment
// variable overlay. Missing file is not an error; env alone is enough for a
// containerized deployment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANTIGRAVITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("server.addr", ":8088")
	v.SetDefault("database.ping_timeout", 5*time.Second)
	v.SetDefault("database.query_timeout", 30*time.Second)
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("llm.router_base", "http://localhost:8080/v1")
	v.SetDefault("llm.model", "default")
	v.SetDefault("llm.fast_model", "fast")
	v.SetDefault("llm.vision_model", "vision")
	v.SetDefault("llm.max_tool_steps", 10)
	v.SetDefault("llm.context_tokens", 32000)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.reload_every_seconds", 60)
	v.SetDefault("ingest.ingest_dir", "ingest")
	v.SetDefault("ingest.processed_dir", "processed")
	v.SetDefault("ingest.poll_seconds", 10)
	v.SetDefault("ingest.night_start", 1)
	v.SetDefault("ingest.night_end", 6)
	v.SetDefault("ingest.hash_workers", 4)
	v.SetDefault("sentinel.enabled", true)
	v.SetDefault("sentinel.audit_timeout", 3*time.Second)
	v.SetDefault("nexus.greeting", "Hello! How can I help you today?")
}

// bindEnvAliases maps the legacy deployment environment variables onto viper
// keys so existing installations keep working without the ANTIGRAVITY_ prefix.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string][]string{
		"server.admin_password": {"ADMIN_PASSWORD"},
		"ingest.ingest_dir":     {"RAG_INGEST_DIR"},
		"ingest.brain_dir":      {"BRAIN_DIR"},
		"ingest.night_start":    {"NIGHT_SHIFT_START"},
		"ingest.night_end":      {"NIGHT_SHIFT_END"},
		"ingest.timezone":       {"AGENT_TIMEZONE"},
		"llm.router_base":       {"ROUTER_BASE", "GATEWAY_BASE"},
	}
	for key, envs := range aliases {
		args := append([]string{key}, envs...)
		_ = v.BindEnv(args...)
	}
}
