package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	"settlement/internal/app/bootstrap"

	"github.com/spf13/cobra"
)

// Worker process entrypoint.
// Data flow:
// 1) Load config.
// 2) Build app wiring.
// 3) Run the control loop, or one operator command against the same wiring.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Epoch settlement worker",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context())
		},
	}
	root.AddCommand(
		newRunCommand(),
		newStartEpochCommand(),
		newRetrySweepCommand(),
		newRegenerateCommand(),
		newReconcileCommand(),
	)
	return root
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume scoring responses and drive the control loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func newStartEpochCommand() *cobra.Command {
	var (
		epochID int64
		date    string
	)
	cmd := &cobra.Command{
		Use:   "start-epoch",
		Short: "Create (or load) an epoch and dispatch its channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var parsed time.Time
			if date != "" {
				value, err := entities.ParseEpochDate(date)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
				parsed = value
			}
			return withWorker(func(app *bootstrap.WorkerApp) error {
				result, err := app.StartEpoch(cmd.Context(), epochID, parsed)
				if err != nil {
					return err
				}
				for _, dispatched := range result.Results {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: sent=%d failed=%d\n", dispatched.Channel, dispatched.Sent, dispatched.Failed)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "epoch %d (%s) created=%t\n", result.Epoch.ID, result.Epoch.DateKey(), result.Created)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&epochID, "epoch-id", 0, "existing epoch id")
	cmd.Flags().StringVar(&date, "date", "", "epoch date (YYYY-MM-DD), defaults to yesterday")
	return cmd
}

func newRetrySweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-sweep",
		Short: "Re-dispatch the next channel with missing responses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWorker(func(app *bootstrap.WorkerApp) error {
				retried, err := app.RetrySweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retried=%t\n", retried)
				return nil
			})
		},
	}
}

func newRegenerateCommand() *cobra.Command {
	var (
		epochID        int64
		regenerateType string
	)
	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Delete and recompute the rewards of an epoch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if epochID <= 0 {
				return fmt.Errorf("--epoch-id is required")
			}
			return withWorker(func(app *bootstrap.WorkerApp) error {
				epoch, ran, err := app.Regenerate(cmd.Context(), epochID, regenerateType)
				if err != nil {
					return err
				}
				if !ran {
					fmt.Fprintln(cmd.OutOrStdout(), "regeneration queued")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "epoch %d regeneration %s\n", epoch.ID, epoch.RegenerateStatus)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&epochID, "epoch-id", 0, "epoch id")
	cmd.Flags().StringVar(&regenerateType, "type", entities.RegenerateTypeBoth, "wUBI, wUPI or both")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild tracker state for in-flight epochs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWorker(func(app *bootstrap.WorkerApp) error {
				count, err := app.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reconciled=%d\n", count)
				return nil
			})
		},
	}
}

func runWorker(ctx context.Context) error {
	log.Println("settlement worker starting")
	return withWorker(func(app *bootstrap.WorkerApp) error {
		return app.Run(ctx)
	})
}

func withWorker(run func(app *bootstrap.WorkerApp) error) error {
	app, err := bootstrap.BuildWorker()
	if err != nil {
		return fmt.Errorf("bootstrap worker failed: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("worker shutdown close failed: %v", err)
		}
	}()
	return run(app)
}
