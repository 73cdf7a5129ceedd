package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"flowforge/internal/config"
	"flowforge/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configFile string
	cfg        *config.Config
	logger     *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "flowforge",
	Short: "Flowforge - stage orchestration for multi-stage generative flows",
	Long: `Flowforge executes flows of generation stages against a shared
Postgres queue. Run "serve" for the control API, "worker" for the poll
loop, or both in one process with "serve --with-worker".`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ./config.yaml)")
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger = logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format).With("service", "flowforge", "command", cmd.Name())
	return nil
}

// Execute runs the root command with signal handling
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func main() {
	if err := Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
