package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgden/pgden/internal/backup"
	"github.com/pgden/pgden/internal/cluster"
	"github.com/pgden/pgden/internal/coordinate"
	"github.com/pgden/pgden/internal/runtime"
)

func shellCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Start a psql shell, creating and starting the cluster as necessary (DEFAULT)",
		Args:  cobra.NoArgs,
		RunE:  runShell,
	}
	cmd.Flags().BoolVar(&destroyAfter, "destroy", false, "DELETE THE DATA DIRECTORY after use, if no other user remains")
	return cmd
}

func runShell(cmd *cobra.Command, args []string) error {
	return runWith(func(ctx context.Context, c *cluster.Cluster) error {
		if err := ensureDatabase(ctx, c, database); err != nil {
			return err
		}
		rt, err := c.Runtime()
		if err != nil {
			return err
		}
		psql := rt.CommandContext(ctx, "psql")
		attach(psql, c, rt.BinDir)
		return psql.Run()
	})
}

func execCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [arguments...]",
		Short: "Execute an arbitrary command, creating and starting the cluster as necessary",
		Long: `Execute an arbitrary command with the cluster up and the PG* environment
variables pointing at it. Without a command, starts $SHELL.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := os.Getenv("SHELL")
			if len(args) > 0 {
				name = args[0]
				args = args[1:]
			} else {
				args = nil
			}
			if name == "" {
				return errors.New("no command given and SHELL is not set")
			}
			return runWith(func(ctx context.Context, c *cluster.Cluster) error {
				if err := ensureDatabase(ctx, c, database); err != nil {
					return err
				}
				rt, err := c.Runtime()
				if err != nil {
					return err
				}
				child := exec.CommandContext(ctx, name, args...)
				attach(child, c, rt.BinDir)
				return child.Run()
			})
		},
	}
	cmd.Flags().BoolVar(&destroyAfter, "destroy", false, "DELETE THE DATA DIRECTORY after use, if no other user remains")
	return cmd
}

func runtimesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "runtimes",
		Short: "List discovered PostgreSQL runtimes",
		Long: `List discovered PostgreSQL runtimes.

The runtime on the line beginning with => is the default, i.e. the one
that will be used when creating a new cluster.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setup()
			strategy, err := strategyFor()
			if err != nil {
				return err
			}
			runtimes := strategy.Runtimes()
			if len(runtimes) == 0 {
				return errors.New("no PostgreSQL runtimes found")
			}
			var preferred runtime.Runtime
			if selected, err := runtime.Select(strategy, nil); err == nil {
				preferred = selected
			}
			sort.SliceStable(runtimes, func(i, j int) bool {
				return runtimes[i].Version.Compare(runtimes[j].Version) < 0
			})
			for _, rt := range runtimes {
				marker := "  "
				if rt == preferred {
					marker = "=>"
				}
				fmt.Printf("%s %-10s %s\n", marker, rt.Version, rt.BinDir)
			}
			return nil
		},
	}
}

func backupCommand() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "backup --to BACKUP_DIR",
		Short: "Archive WAL continuously and take a base backup of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setup()
			ctx, cancel := signalContext()
			defer cancel()

			c, err := buildCluster()
			if err != nil {
				return err
			}
			b, err := backup.Prepare(dest)
			if err != nil {
				return err
			}
			slot, err := b.Run(ctx, c)
			if err != nil {
				return err
			}
			fmt.Printf("Base backup complete: %s\n", slot)
			return nil
		},
	}
	cmd.Flags().StringVar(&dest, "to", "", "Directory to back up into")
	cmd.MarkFlagRequired("to")
	return cmd
}

func restoreCommand() *cobra.Command {
	var from, to, targetTime string
	cmd := &cobra.Command{
		Use:   "restore --from BACKUP_DIR --to RESTORE_DIR",
		Short: "Restore a cluster from a backup, optionally to a point in time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setup()
			ctx, cancel := signalContext()
			defer cancel()

			opts := backup.RestoreOptions{BackupDir: from, TargetDir: to}
			if targetTime != "" {
				t, err := parseTargetTime(targetTime)
				if err != nil {
					return err
				}
				opts.TargetTime = t
			}
			strategy, err := strategyFor()
			if err != nil {
				return err
			}
			opts.Strategy = strategy

			c, err := backup.Restore(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Printf("Restore complete. Use pgden -D %s to start the cluster.\n", c.DataDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Directory holding backups written by the backup command")
	cmd.Flags().StringVar(&to, "to", "", "Directory to restore into; must be empty or absent")
	cmd.Flags().StringVar(&targetTime, "target-time", "", "Recover up to this time (RFC 3339 or '2006-01-02 15:04:05')")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func destroyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "DELETE THE DATA DIRECTORY, once no other user remains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setup()
			ctx, cancel := signalContext()
			defer cancel()

			c, guard, err := openCluster()
			if err != nil {
				return err
			}
			defer guard.Close()
			return coordinate.RunAndDestroy(ctx, coordinate.ForCluster(c), guard, func(ctx context.Context) error {
				return nil
			})
		},
	}
}

func parseTargetTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05 -0700", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse --target-time %q", s)
}
