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

var (
	configFile string
	cfg        *config.Config
	logger     *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed flows and secrets, and poke runs and jobs from the command line",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "keygen" {
			return nil
		}
		var err error
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ./config.yaml)")
	rootCmd.AddCommand(flowsCmd, secretCmd, runCmd, jobCmd, keygenCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
