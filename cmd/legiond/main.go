package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/legionforge/legion/internal/adapter"
	"github.com/legionforge/legion/internal/config"
	"github.com/legionforge/legion/internal/coordinator"
	"github.com/legionforge/legion/internal/index"
	"github.com/legionforge/legion/internal/legion"
	"github.com/legionforge/legion/internal/mcptools"
	"github.com/legionforge/legion/internal/parser"
	"github.com/legionforge/legion/internal/queue"
	"github.com/legionforge/legion/internal/session"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "legiond",
		Short: "Multi-agent session orchestrator for long-lived AI coding assistant sessions",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("data-dir", "./data", "root directory for session and legion state")
	f.Int("min-wait-seconds", 10, "default pacing: seconds to wait before sending a queued item")
	f.Int("min-idle-seconds", 10, "default pacing: seconds of idle required before marking an item sent")
	f.Int("active-wait-timeout-seconds", 120, "seconds to wait for a session to reach ACTIVE")
	f.String("adapter-command", "claude", "executable used to launch the upstream assistant process")
	f.Int("adapter-probe-timeout-seconds", 10, "seconds to wait for an adapter availability probe")
	f.String("summarize-model", "", "Anthropic model id for queue-item summarization; empty disables it")
	f.String("index-path", "", "path to the derived SQLite index; empty disables it")
	f.Bool("mcp-listen", false, "run the stdio MCP tool server instead of exiting after wiring")
	f.Bool("verbose", false, "enable verbose logging")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("data_dir", "data-dir")
	bindFlag("min_wait_seconds", "min-wait-seconds")
	bindFlag("min_idle_seconds", "min-idle-seconds")
	bindFlag("active_wait_timeout_seconds", "active-wait-timeout-seconds")
	bindFlag("adapter_command", "adapter-command")
	bindFlag("adapter_probe_timeout_seconds", "adapter-probe-timeout-seconds")
	bindFlag("summarize_model", "summarize-model")
	bindFlag("index_path", "index-path")
	bindFlag("mcp_listen", "mcp-listen")
	bindFlag("verbose", "verbose")

	// Bind LEGION_* environment variables. AutomaticEnv with the prefix maps
	// LEGION_DATA_DIR -> "data_dir", LEGION_ADAPTER_COMMAND -> "adapter_command", etc.
	viper.SetEnvPrefix("LEGION")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	if cfg.Verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	fmt.Println("legiond starting")
	fmt.Printf("  data dir: %s\n", cfg.DataDir)
	fmt.Printf("  adapter command: %s\n", cfg.AdapterCommand)
	fmt.Printf("  summarize model: %q\n", cfg.SummarizeModel)
	fmt.Printf("  index path: %q\n", cfg.IndexPath)
	fmt.Printf("  mcp listen: %t\n", cfg.MCPListen)
	fmt.Println()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	sessions := session.New(cfg.DataDir)
	if err := sessions.Initialize(); err != nil {
		return fmt.Errorf("session manager init: %w", err)
	}

	legions := legion.New(cfg.DataDir)
	if err := legions.Initialize(); err != nil {
		return fmt.Errorf("legion manager init: %w", err)
	}

	queues := queue.New()
	msgParser := parser.New()

	adapterFactory := func(sessionID string, onEvent adapter.EventCallback, delegation adapter.Delegation) adapter.Adapter {
		runner := adapter.ExecRunner{Command: cfg.AdapterCommand}
		if delegation.Command != "" {
			runner.Command = delegation.Command
		}
		for k, v := range delegation.Env {
			runner.Env = append(runner.Env, k+"="+v)
		}
		return adapter.NewCLIAdapter(runner, onEvent)
	}

	coord := coordinator.New(cfg.DataDir, sessions, queues, msgParser, legions, adapterFactory)
	if cfg.SummarizeModel != "" {
		coord.SetSummarizeModel(cfg.SummarizeModel)
	}
	coord.SetTuning(cfg.MinWaitSeconds, cfg.MinIdleSeconds, cfg.ActiveWaitTimeoutSeconds, cfg.AdapterProbeTimeoutSeconds)
	defer coord.Cleanup()

	var idx *index.Index
	if cfg.IndexPath != "" {
		var err error
		idx, err = index.Open(filepath.Join(cfg.DataDir, cfg.IndexPath), sessions, legions)
		if err != nil {
			return fmt.Errorf("opening index: %w", err)
		}
		defer idx.Close() //nolint:errcheck
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		cancel()
	}()

	if !cfg.MCPListen {
		<-ctx.Done()
		return nil
	}

	mcpServer := mcptools.NewServer(coord, idx)
	if err := mcpServer.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
