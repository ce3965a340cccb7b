package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcourtman/entitlement-sync/internal/logging"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/reconcile"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "entitlementd",
	Short:   "Subscription entitlement sync service",
	Long:    `entitlementd keeps per-user subscription entitlements in step with the billing authority.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, dispatcher and reconciliation scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return subscriptions.Run(cmd.Context(), Version)
	},
}

var sweepJob string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation job and print its report",
	Example: `  entitlementd sweep --job grace_sweep
  entitlementd sweep --job resync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := reconcile.ParseJob(sweepJob)
		if err != nil {
			return err
		}
		return runSweep(cmd.Context(), job)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("entitlementd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	sweepCmd.Flags().StringVar(&sweepJob, "job", string(reconcile.JobExpiration), "job to run: expiration_sweep, grace_sweep, resync or redrive")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSweep(ctx context.Context, job reconcile.Job) error {
	cfg, err := subscriptions.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlementd",
	})

	app, err := subscriptions.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Scheduler.RunOnce(ctx, job)
	if err != nil {
		return fmt.Errorf("%s: %w", job, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
