package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/pgden/pgden/internal/cluster"
	"github.com/pgden/pgden/internal/coordinate"
	"github.com/pgden/pgden/internal/lock"
	"github.com/pgden/pgden/internal/runtime"
)

// signalContext is the lifetime of one command invocation: Ctrl-C or
// SIGTERM cancels it, and the coordination teardown still runs.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// strategyFor builds the runtime discovery strategy from the CLI
// flags: an explicit bin directory is consulted first, and a version
// constraint narrows every source.
func strategyFor() (runtime.Strategy, error) {
	var strategy runtime.Strategy = runtime.Default()
	if runtimeDir != "" {
		strategy = runtime.Chain{runtime.Dir(runtimeDir), strategy}
	}
	if runtimeVersion != "" {
		constraint, err := runtime.VersionIs(runtimeVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid --runtime-version: %w", err)
		}
		strategy = runtime.Filtered{Strategy: strategy, Constraint: constraint}
	}
	return strategy, nil
}

func buildCluster() (*cluster.Cluster, error) {
	strategy, err := strategyFor()
	if err != nil {
		return nil, err
	}
	return cluster.New(datadir, strategy)
}

func openCluster() (*cluster.Cluster, *lock.Guard, error) {
	c, err := buildCluster()
	if err != nil {
		return nil, nil, err
	}
	lockPath, err := coordinate.FileFor(c.DataDir)
	if err != nil {
		return nil, nil, err
	}
	guard, err := lock.Open(lockPath)
	if err != nil {
		return nil, nil, err
	}
	return c, guard, nil
}

// runWith ensures the cluster is up, runs body while holding a share
// of it, and tears it down afterwards if this was the only user. The
// --destroy flag escalates the teardown from stop to destroy.
func runWith(body func(ctx context.Context, c *cluster.Cluster) error) error {
	setup()
	ctx, cancel := signalContext()
	defer cancel()

	c, guard, err := openCluster()
	if err != nil {
		return err
	}
	defer guard.Close()

	wrapped := func(ctx context.Context) error { return body(ctx, c) }
	if destroyAfter {
		return coordinate.RunAndDestroy(ctx, coordinate.ForCluster(c), guard, wrapped)
	}
	return coordinate.RunAndStop(ctx, coordinate.ForCluster(c), guard, wrapped)
}

// ensureDatabase creates the requested database if it is missing, so
// "pgden -d mydb" works on a fresh cluster.
func ensureDatabase(ctx context.Context, c *cluster.Cluster, name string) error {
	switch name {
	case "", cluster.DatabasePostgres, cluster.DatabaseTemplate0, cluster.DatabaseTemplate1:
		return nil
	}
	state, err := c.CreateDatabase(ctx, name)
	if err != nil {
		return err
	}
	if state == cluster.Modified {
		log.Info().Str("database", name).Msg("Database created")
	}
	return nil
}

// attach wires a child command into the cluster's environment with
// the terminal attached: PGHOST points at the data directory so every
// PostgreSQL client finds the Unix socket without further
// configuration, and the runtime's bin directory leads PATH.
func attach(cmd *exec.Cmd, c *cluster.Cluster, bindir string) {
	cmd.Env = append(os.Environ(),
		"PATH="+bindir+string(os.PathListSeparator)+os.Getenv("PATH"),
		"PGDATA="+c.DataDir,
		"PGHOST="+c.DataDir,
		"PGDATABASE="+database,
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
}
