// Package cmd wires the command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rowanhq/foreman/internal/config"
	"github.com/rowanhq/foreman/internal/log"
	"github.com/rowanhq/foreman/internal/orchestrator"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "foreman",
	Short:   "Orchestrate a fleet of LLM worker agents",
	Long:    `Foreman runs a roster of LLM-driven worker processes against a shared assignment: it launches workers in dependency order, tracks their liveness through a local MCP coordination plane, and recovers or escalates the ones that stall.`,
	Version: orchestrator.Version,
	RunE:    runFleet,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./foreman.yaml, then ~/.foreman/config.yaml)")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "",
		"state directory (default: ~/.foreman/<project>)")
	rootCmd.Flags().StringP("roster", "r", "",
		"path to the roster file")
	rootCmd.Flags().String("work-dir", "",
		"directory workers run in (default: current directory)")
	rootCmd.Flags().Bool("verbose", false,
		"log debug detail")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("roster", rootCmd.Flags().Lookup("roster"))
	_ = viper.BindPFlag("work_dir", rootCmd.Flags().Lookup("work-dir"))

	rootCmd.AddCommand(statusCmd)
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("project_name", defaults.ProjectName)
	viper.SetDefault("supervisor.polling_interval", defaults.Supervisor.PollingInterval)
	viper.SetDefault("supervisor.heartbeat_interval", defaults.Supervisor.HeartbeatInterval)
	viper.SetDefault("supervisor.heartbeat_timeout", defaults.Supervisor.HeartbeatTimeout)
	viper.SetDefault("supervisor.spawning_grace", defaults.Supervisor.SpawningGrace)
	viper.SetDefault("supervisor.default_timeout", defaults.Supervisor.DefaultTimeout)
	viper.SetDefault("supervisor.max_retries", defaults.Supervisor.MaxRetries)
	viper.SetDefault("supervisor.max_concurrent", defaults.Supervisor.MaxConcurrent)
	viper.SetDefault("supervisor.graceful_shutdown_timeout", defaults.Supervisor.GracefulShutdownTimeout)
	viper.SetDefault("supervisor.safe_context_tokens", defaults.Supervisor.SafeContextTokens)
	viper.SetDefault("supervisor.tokens_per_file", defaults.Supervisor.TokensPerFile)
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.keepalive_interval", defaults.Server.KeepaliveInterval)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("notify.console", defaults.Notify.Console)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if _, err := os.Stat("foreman.yaml"); err == nil {
		viper.SetConfigFile("foreman.yaml")
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".foreman"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		// Running purely from flags and defaults is fine.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

func runFleet(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir(cfg.ProjectName)
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "file" && cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = config.DefaultTracesFilePath(dataDir)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	closeLog, err := log.Init(filepath.Join(dataDir, "foreman.log"))
	if err != nil {
		return fmt.Errorf("initializing log: %w", err)
	}
	defer closeLog()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		log.SetMinLevel(log.LevelDebug)
	}

	o, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("foreman %s: coordination plane at %s\n", orchestrator.Version, o.ServerURL)
	return o.Run(cmd.Context())
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command context so
// a live run tears down gracefully.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}
