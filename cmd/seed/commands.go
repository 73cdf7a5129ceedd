package main

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"flowforge/internal/bootstrap"
	"flowforge/internal/flowfile"
	"flowforge/internal/jobs"
	"flowforge/internal/repository"
	"flowforge/internal/services"
	"flowforge/internal/vault"
	"flowforge/pkg/models"
)

//go:embed default_flows.yaml
var defaultFlows []byte

func connect(ctx context.Context) (*pgxpool.Pool, *repository.PostgresStore, error) {
	pool, err := bootstrap.OpenDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return pool, repository.NewPostgresStore(pool, logger), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var flowsCmd = &cobra.Command{
	Use:   "flows [file.yaml]",
	Short: "Store flow definitions, skipping name/version pairs that already exist",
	Long:  "Store flow definitions from a YAML file. Without a file the built-in bossroom_default flow is seeded.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var (
			flows []*models.Flow
			err   error
		)
		if len(args) == 1 {
			flows, err = flowfile.LoadFile(args[0])
		} else {
			flows, err = flowfile.Load(bytes.NewReader(defaultFlows))
		}
		if err != nil {
			return err
		}

		pool, store, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}

		existing, err := store.ListFlows(ctx)
		if err != nil {
			return fmt.Errorf("failed to list existing flows: %w", err)
		}
		seen := make(map[string]bool, len(existing))
		for _, f := range existing {
			seen[fmt.Sprintf("%s@%d", f.Name, f.Version)] = true
		}

		for _, flow := range flows {
			if flow.Version == 0 {
				flow.Version = 1
			}
			if seen[fmt.Sprintf("%s@%d", flow.Name, flow.Version)] {
				logger.Info("Skipping existing flow", "name", flow.Name, "version", flow.Version)
				continue
			}
			if err := store.CreateFlow(ctx, flow); err != nil {
				return fmt.Errorf("failed to create flow %s: %w", flow.Name, err)
			}
			logger.Info("Seeded flow", "name", flow.Name, "version", flow.Version, "id", flow.ID, "stages", len(flow.Stages))
		}
		logger.Info("Seeding complete!")
		return nil
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted provider credentials",
}

var secretSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Encrypt and store one secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, closeFn, err := openVault(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if err := v.SetSecret(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		logger.Info("Secret stored", "key", args[0], "masked", vault.Mask(args[1]))
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known secrets with masked values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v, closeFn, err := openVault(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		statuses, err := v.ListSecrets(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, statuses)
	},
}

func openVault(ctx context.Context) (*vault.Vault, func(), error) {
	cipher, err := bootstrap.NewCipher(cfg)
	if err != nil {
		return nil, nil, err
	}
	pool, store, err := connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	return vault.New(store, cipher), pool.Close, nil
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new random master key for SECRETS_MASTER_KEY",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := vault.GenerateMasterKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var (
	runMode   string
	runSeed   int64
	runInputs string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create and control runs",
}

var runCreateCmd = &cobra.Command{
	Use:   "create FLOW_ID PROMPT",
	Short: "Queue a run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		req := services.CreateRunRequest{FlowID: args[0], UserPrompt: args[1], Mode: models.RunMode(runMode)}
		if cmd.Flags().Changed("seed") {
			req.Seed = &runSeed
		}
		if runInputs != "" {
			if err := json.Unmarshal([]byte(runInputs), &req.Inputs); err != nil {
				return fmt.Errorf("--inputs must be a JSON object: %w", err)
			}
		}
		run, err := svc.CreateRun(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(cmd, run)
	},
}

var runResumeCmd = &cobra.Command{
	Use:   "resume RUN_ID",
	Short: "Resume a run paused at a breakpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		run, err := svc.ResumeRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, run)
	},
}

var runEventsCmd = &cobra.Command{
	Use:   "events RUN_ID",
	Short: "Print the event log of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		events, err := svc.ListEvents(cmd.Context(), args[0], 0, 0)
		if err != nil {
			return err
		}
		return printJSON(cmd, events)
	},
}

var (
	testModel string
	testKind  string
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Enqueue background jobs",
}

var jobTestProviderCmd = &cobra.Command{
	Use:   "test-provider PROVIDER PROMPT",
	Short: "Queue a one-off provider call; a worker runs it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		job, err := svc.EnqueueProviderTest(cmd.Context(), jobs.TestProviderPayload{
			Provider: args[0],
			Prompt:   args[1],
			Model:    testModel,
			Kind:     models.StageKind(testKind),
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, job)
	},
}

func openService(ctx context.Context) (*services.RunService, func(), error) {
	pool, store, err := connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	return services.NewRunService(store, store, store, store, logger), pool.Close, nil
}

func init() {
	secretCmd.AddCommand(secretSetCmd, secretListCmd)

	runCreateCmd.Flags().StringVar(&runMode, "mode", string(models.RunModeExpress), "express or custom")
	runCreateCmd.Flags().Int64Var(&runSeed, "seed", 0, "generation seed (random when unset)")
	runCreateCmd.Flags().StringVar(&runInputs, "inputs", "", "JSON object stored as run inputs")
	runCmd.AddCommand(runCreateCmd, runResumeCmd, runEventsCmd)

	jobTestProviderCmd.Flags().StringVar(&testModel, "model", "", "model id passed to the provider")
	jobTestProviderCmd.Flags().StringVar(&testKind, "kind", "", "stage kind to simulate (default llm)")
	jobCmd.AddCommand(jobTestProviderCmd)
}
