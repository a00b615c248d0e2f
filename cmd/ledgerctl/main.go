// ledgerctl runs the ledger's batch jobs and queries from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atmx/fill-ledger/internal/config"
	"github.com/atmx/fill-ledger/internal/jobs"
	"github.com/atmx/fill-ledger/internal/ledger"
	"github.com/atmx/fill-ledger/internal/reconcile"
	"github.com/atmx/fill-ledger/internal/store"
)

var cfg *config.Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Seed, reconcile and inspect the position ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(positionsCmd)
	rootCmd.AddCommand(breaksCmd)
}

// env is everything a command needs, opened from cfg.
type env struct {
	store  store.Store
	runner *jobs.Runner
	recon  *reconcile.Engine
	close  func()
}

func open(cmd *cobra.Command) (*env, error) {
	logger := cfg.Logging.Logger(os.Stderr)
	st, closeStore, err := store.Open(cmd.Context(), store.Options{
		DatabaseURL: cfg.Database.URL,
		Migrate:     cfg.Database.Migrate,
		RedisURL:    cfg.Redis.URL,
		RedisTTL:    cfg.Redis.TTL,
	}, logger)
	if err != nil {
		return nil, err
	}

	led := ledger.New(st, ledger.WithConfig(cfg.Ledger), ledger.WithLogger(logger))
	recon := reconcile.NewEngine(st, logger)

	e := &env{store: st, recon: recon, close: closeStore}
	snapshot, _ := cmd.Flags().GetString("snapshot")
	if snapshot == "" {
		snapshot = cfg.Broker.SnapshotPath
	}
	if snapshot != "" {
		e.runner = jobs.NewRunner(led, recon, st, jobs.NewFileSource(snapshot), cfg.Jobs, logger)
	}
	return e, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func finish(rep jobs.Report) error {
	if err := printJSON(rep); err != nil {
		return err
	}
	if rep.Status == jobs.StatusFailed {
		return fmt.Errorf("%s failed", rep.Job)
	}
	return nil
}

// --- Seed Command ---

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Open ledger positions from a broker snapshot",
	Long: `Seed opens a ledger position for every non-zero broker row whose symbol
the ledger does not hold yet. --force seeds held symbols too. Re-running a
seed over the same snapshot is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := open(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		if e.runner == nil {
			return fmt.Errorf("no broker snapshot: pass --snapshot or set broker.snapshot_path")
		}

		user, _ := cmd.Flags().GetString("user")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		force, _ := cmd.Flags().GetBool("force")
		return finish(e.runner.Seed(cmd.Context(), jobs.SeedRequest{UserID: user, DryRun: dryRun, Force: force}))
	},
}

func init() {
	seedCmd.Flags().String("user", "", "seed one user only")
	seedCmd.Flags().Bool("dry-run", false, "report what would be created without writing")
	seedCmd.Flags().Bool("force", false, "seed symbols the ledger already holds")
	seedCmd.Flags().String("snapshot", "", "broker snapshot JSON file (overrides broker.snapshot_path)")
}

// --- Reconcile Command ---

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Diff ledger positions against a broker snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := open(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		if e.runner == nil {
			return fmt.Errorf("no broker snapshot: pass --snapshot or set broker.snapshot_path")
		}

		user, _ := cmd.Flags().GetString("user")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return finish(e.runner.Reconcile(cmd.Context(), jobs.ReconcileRequest{UserID: user, DryRun: dryRun}))
	},
}

func init() {
	reconcileCmd.Flags().String("user", "", "reconcile one user only")
	reconcileCmd.Flags().Bool("dry-run", false, "compute breaks without persisting them")
	reconcileCmd.Flags().String("snapshot", "", "broker snapshot JSON file (overrides broker.snapshot_path)")
}

// --- Positions Command ---

var positionsCmd = &cobra.Command{
	Use:   "positions [user]",
	Short: "Print a user's net open quantity per symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := open(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		net, err := e.recon.LedgerPositions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(net)
	},
}

// --- Breaks Command ---

var breaksCmd = &cobra.Command{
	Use:   "breaks [run-id]",
	Short: "Print the breaks recorded by a reconciliation run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := open(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		breaks, err := e.store.ListBreaks(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(breaks)
	},
}
