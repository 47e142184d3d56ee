package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgden/pgden/internal/config"
	"github.com/pgden/pgden/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI flags
var (
	datadir        string
	database       string
	runtimeVersion string
	runtimeDir     string
	destroyAfter   bool
	verbosity      int

	// Timeout flags (advanced)
	lockTimeout     time.Duration
	startTimeout    time.Duration
	stopTimeout     time.Duration
	recoveryTimeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pgden",
		Short: "pgden - shared on-demand PostgreSQL clusters",
		Long: `pgden gives every process that asks for it a running PostgreSQL
cluster in a local directory, started on first use and stopped when the
last user departs. Without a subcommand it opens a psql shell.`,
		Args:          cobra.NoArgs,
		RunE:          runShell,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&datadir, "datadir", "D", "cluster", "Directory in which the cluster lives (or set PGDATA env var)")
	pf.StringVarP(&database, "database", "d", "postgres", "Database to connect to (or set PGDATABASE env var)")
	pf.StringVar(&runtimeVersion, "runtime-version", "", "Constrain the PostgreSQL runtime to a version, e.g. 14 or 9.6.24")
	pf.StringVar(&runtimeDir, "runtime-dir", "", "Prefer the PostgreSQL runtime in this bin directory")
	pf.CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	// Advanced timeout flags
	pf.DurationVar(&lockTimeout, "lock-timeout", 5*time.Minute, "Timeout for acquiring the coordination lock")
	pf.DurationVar(&startTimeout, "start-timeout", 60*time.Second, "Timeout for a launched server to accept connections")
	pf.DurationVar(&stopTimeout, "stop-timeout", 60*time.Second, "Timeout for graceful shutdown before escalating")
	pf.DurationVar(&recoveryTimeout, "recovery-timeout", 30*time.Minute, "Timeout for write-ahead-log replay during restore")

	rootCmd.Flags().BoolVar(&destroyAfter, "destroy", false, "DELETE THE DATA DIRECTORY after use, if no other user remains")

	rootCmd.AddCommand(
		shellCommand(),
		execCommand(),
		runtimesCommand(),
		backupCommand(),
		restoreCommand(),
		destroyCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("pgden %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		// A child process (psql, exec'd commands) that exited nonzero
		// speaks for itself; pass its exit code through.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

// setup applies environment fallbacks, logging, and global timeouts.
// Every subcommand that touches a cluster calls it first.
func setup() {
	if datadir == "cluster" {
		if env := os.Getenv("PGDATA"); env != "" {
			datadir = env
		}
	}
	if database == "postgres" {
		if env := os.Getenv("PGDATABASE"); env != "" {
			database = env
		}
	}

	logging.Apply(verbosity, logging.FilePathForDataDir(datadir))

	config.SetGlobalTimeouts(&config.TimeoutConfig{
		LockAcquire:    lockTimeout,
		StartReadiness: startTimeout,
		StopGrace:      stopTimeout,
		StopImmediate:  config.DefaultTimeoutConfig().StopImmediate,
		Recovery:       recoveryTimeout,
	})
}
