package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable the engine reads at startup. All values have
// environment overrides so deployments configure the binary without files.
type Config struct {
	// Addr is the listen address of the HTTP server.
	Addr string

	// IsolatedRootPrefix is the required prefix of any workspace_path argument
	// arriving from untrusted callers. Workspace roots are created under it.
	IsolatedRootPrefix string

	// InternalServiceToken authenticates in-process tool bridge calls to the
	// editor service.
	InternalServiceToken string

	WorkflowCacheTTL time.Duration
	MaxFileSizeBytes int64
	TreeMaxDepth     int
	TreeMaxNodes     int
	SearchMaxHits    int
	WorkspaceGrace   time.Duration

	ToolCallTimeout  time.Duration
	AgentTurnTimeout time.Duration
	BlockTimeout     time.Duration
	ExecutionTimeout time.Duration

	// ToolCallConcurrency bounds concurrent tools/call dispatches per agent.
	ToolCallConcurrency int

	// StreamRingSize bounds the per-execution event buffer used for
	// snapshot-then-tail replay.
	StreamRingSize int

	// ExecutionRetention is how long finished executions stay queryable.
	ExecutionRetention time.Duration
}

// Load reads configuration from the environment.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("CONDUCTOR_ADDR", ":8080")
	v.SetDefault("ISOLATED_ROOT_PREFIX", "/tmp/orchestration_isolated_")
	v.SetDefault("INTERNAL_SERVICE_TOKEN", "")
	v.SetDefault("WORKFLOW_CACHE_TTL_SECONDS", 60)
	v.SetDefault("MAX_FILE_SIZE_BYTES", 10*1024*1024)
	v.SetDefault("TREE_MAX_DEPTH", 10)
	v.SetDefault("TREE_MAX_NODES", 50_000)
	v.SetDefault("SEARCH_MAX_HITS", 500)
	v.SetDefault("WORKSPACE_GRACE_SECONDS", 1800)
	v.SetDefault("TOOL_CALL_TIMEOUT", 60)
	v.SetDefault("AGENT_TURN_TIMEOUT", 600)
	v.SetDefault("BLOCK_TIMEOUT", 1800)
	v.SetDefault("EXECUTION_TIMEOUT", 3600)
	v.SetDefault("TOOL_CALL_CONCURRENCY", 8)
	v.SetDefault("STREAM_RING_SIZE", 2000)
	v.SetDefault("EXECUTION_RETENTION_SECONDS", 24*3600)

	return &Config{
		Addr:                 v.GetString("CONDUCTOR_ADDR"),
		IsolatedRootPrefix:   v.GetString("ISOLATED_ROOT_PREFIX"),
		InternalServiceToken: v.GetString("INTERNAL_SERVICE_TOKEN"),
		WorkflowCacheTTL:     time.Duration(v.GetInt("WORKFLOW_CACHE_TTL_SECONDS")) * time.Second,
		MaxFileSizeBytes:     v.GetInt64("MAX_FILE_SIZE_BYTES"),
		TreeMaxDepth:         v.GetInt("TREE_MAX_DEPTH"),
		TreeMaxNodes:         v.GetInt("TREE_MAX_NODES"),
		SearchMaxHits:        v.GetInt("SEARCH_MAX_HITS"),
		WorkspaceGrace:       time.Duration(v.GetInt("WORKSPACE_GRACE_SECONDS")) * time.Second,
		ToolCallTimeout:      time.Duration(v.GetInt("TOOL_CALL_TIMEOUT")) * time.Second,
		AgentTurnTimeout:     time.Duration(v.GetInt("AGENT_TURN_TIMEOUT")) * time.Second,
		BlockTimeout:         time.Duration(v.GetInt("BLOCK_TIMEOUT")) * time.Second,
		ExecutionTimeout:     time.Duration(v.GetInt("EXECUTION_TIMEOUT")) * time.Second,
		ToolCallConcurrency:  v.GetInt("TOOL_CALL_CONCURRENCY"),
		StreamRingSize:       v.GetInt("STREAM_RING_SIZE"),
		ExecutionRetention:   time.Duration(v.GetInt("EXECUTION_RETENTION_SECONDS")) * time.Second,
	}
}

// Default returns the built-in defaults without consulting the environment.
// Tests use it to avoid cross-test env leakage.
func Default() *Config {
	return &Config{
		Addr:                ":8080",
		IsolatedRootPrefix:  "/tmp/orchestration_isolated_",
		WorkflowCacheTTL:    60 * time.Second,
		MaxFileSizeBytes:    10 * 1024 * 1024,
		TreeMaxDepth:        10,
		TreeMaxNodes:        50_000,
		SearchMaxHits:       500,
		WorkspaceGrace:      30 * time.Minute,
		ToolCallTimeout:     60 * time.Second,
		AgentTurnTimeout:    600 * time.Second,
		BlockTimeout:        1800 * time.Second,
		ExecutionTimeout:    3600 * time.Second,
		ToolCallConcurrency: 8,
		StreamRingSize:      2000,
		ExecutionRetention:  24 * time.Hour,
	}
}
