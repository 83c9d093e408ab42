package config

import "github.com/spf13/viper"

// Config holds all runtime configuration for the legion daemon.
type Config struct {
	// DataDir is the root of the on-disk tree: sessions/<uuid>/ and
	// legions/<uuid>/ live directly under it.
	DataDir string

	// Queue processor pacing defaults (seconds); overridable per session
	// via the session's QueueConfig.
	MinWaitSeconds int
	MinIdleSeconds int

	// ActiveWaitTimeoutSeconds bounds how long the processor waits for a
	// session to reach ACTIVE before giving up on a queue item.
	ActiveWaitTimeoutSeconds int

	// AdapterCommand is the executable used to launch the upstream
	// assistant process.
	AdapterCommand string
	// AdapterProbeTimeoutSeconds bounds a container-mode availability probe.
	AdapterProbeTimeoutSeconds int

	// SummarizeModel, if non-empty, enables post-send summarization of
	// queue item results via the Anthropic API.
	SummarizeModel string

	// IndexPath is the SQLite file backing the rebuildable secondary index.
	// Empty disables the index.
	IndexPath string

	// MCPListen enables the stdio MCP tool server when true.
	MCPListen bool

	Verbose bool
}

// Load reads configuration from viper, which merges flag values, env vars
// (LEGION_* prefix), and defaults set up by the cobra command in
// cmd/legiond.
func Load() Config {
	return Config{
		DataDir:                    viper.GetString("data_dir"),
		MinWaitSeconds:             viper.GetInt("min_wait_seconds"),
		MinIdleSeconds:             viper.GetInt("min_idle_seconds"),
		ActiveWaitTimeoutSeconds:   viper.GetInt("active_wait_timeout_seconds"),
		AdapterCommand:             viper.GetString("adapter_command"),
		AdapterProbeTimeoutSeconds: viper.GetInt("adapter_probe_timeout_seconds"),
		SummarizeModel:             viper.GetString("summarize_model"),
		IndexPath:                  viper.GetString("index_path"),
		MCPListen:                  viper.GetBool("mcp_listen"),
		Verbose:                    viper.GetBool("verbose"),
	}
}
