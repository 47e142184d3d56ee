package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgden/pgden/internal/cluster"
	"github.com/pgden/pgden/internal/config"
	"github.com/pgden/pgden/internal/runtime"
)

// RestoreOptions configures a point-in-time restore.
type RestoreOptions struct {
	// BackupDir is a directory previously written by Backup.
	BackupDir string
	// TargetDir is where the restored cluster will live. It must not
	// exist, or must be empty.
	TargetDir string
	// TargetTime, when non-zero, is the moment to recover to. The zero
	// value means the earliest consistent point of the newest base
	// backup.
	TargetTime time.Time
	// Strategy locates the runtime driving the recovery. Nil means the
	// default strategy.
	Strategy runtime.Strategy
}

// Restore rebuilds a cluster from a base backup plus archived WAL. It
// copies the chosen base backup into the target directory, replays WAL
// up to the target under a recovery-mode server that shuts itself down
// on completion, and returns a handle on the restored, stopped
// cluster.
func Restore(ctx context.Context, opts RestoreOptions) (*cluster.Cluster, error) {
	b, err := Prepare(opts.BackupDir)
	if err != nil {
		return nil, &RestoreError{Reason: "open backup directory", Err: err}
	}
	base, err := b.pick(opts.TargetTime)
	if err != nil {
		return nil, err
	}

	target, err := prepareTarget(opts.TargetDir)
	if err != nil {
		return nil, err
	}
	log.Info().Str("base", base).Str("target", target).Msg("Copying base backup")
	if err := copyTree(base, target); err != nil {
		return nil, &RestoreError{Reason: "copy base backup", Err: err}
	}

	// The restored pg_wal contents belong to the backup's timeline;
	// recovery fetches what it needs through restore_command instead.
	if err := clearDir(filepath.Join(target, "pg_wal")); err != nil {
		return nil, &RestoreError{Reason: "clear restored pg_wal", Err: err}
	}
	signal := filepath.Join(target, "recovery.signal")
	if err := os.WriteFile(signal, nil, 0o600); err != nil {
		return nil, &RestoreError{Reason: "write recovery.signal", Err: err}
	}

	c, err := cluster.New(target, opts.Strategy)
	if err != nil {
		return nil, &RestoreError{Err: err}
	}
	options := []cluster.Option{
		{Parameter: "archive_mode", Value: "off"},
		{Parameter: "restore_command", Value: b.restoreCommand()},
		{Parameter: "recovery_target_action", Value: "shutdown"},
	}
	if opts.TargetTime.IsZero() {
		options = append(options, cluster.Option{Parameter: "recovery_target", Value: "immediate"})
	} else {
		options = append(options, cluster.Option{
			Parameter: "recovery_target_time",
			Value:     opts.TargetTime.Format("2006-01-02 15:04:05.999999-07"),
		})
	}

	// The recovery server replays WAL and then shuts itself down; it
	// may never reach the point of accepting connections, so launch
	// without a readiness wait and watch for it to exit instead.
	log.Info().Str("target", target).Msg("Replaying write-ahead log")
	if err := c.Launch(ctx, options...); err != nil {
		return nil, &RestoreError{Reason: "start recovery", Err: err}
	}
	if err := awaitShutdown(ctx, c); err != nil {
		return nil, err
	}

	if err := os.Remove(signal); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &RestoreError{Reason: "remove recovery.signal", Err: err}
	}
	log.Info().Str("target", target).Msg("Restore complete")
	return c, nil
}

// pick chooses the base backup to restore from: the newest one, or,
// for a point-in-time target, the newest one whose start time does not
// come after the target. WAL replay can only move forward from a base
// backup, never back.
func (b *Backup) pick(target time.Time) (string, error) {
	slots, err := b.slots()
	if err != nil {
		return "", &RestoreError{Err: err}
	}
	if len(slots) == 0 {
		return "", &RestoreError{Reason: fmt.Sprintf("no base backup found in %s", b.Dir)}
	}
	if target.IsZero() {
		return slots[len(slots)-1].path, nil
	}
	for i := len(slots) - 1; i >= 0; i-- {
		started, err := startTime(slots[i].path)
		if err != nil {
			return "", &RestoreError{Reason: "read " + slots[i].path, Err: err}
		}
		if !started.After(target) {
			return slots[i].path, nil
		}
	}
	return "", &RestoreError{Reason: fmt.Sprintf("no base backup starts at or before %s", target.Format(time.RFC3339))}
}

func prepareTarget(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", &RestoreError{Reason: "resolve target directory", Err: err}
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return "", &RestoreError{Reason: "create target directory", Err: err}
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", &RestoreError{Err: err}
	}
	if len(entries) > 0 {
		return "", &RestoreError{Reason: fmt.Sprintf("target directory %s is not empty", abs)}
	}
	// The server refuses a data directory with loose permissions.
	if err := os.Chmod(abs, 0o700); err != nil {
		return "", &RestoreError{Err: err}
	}
	return abs, nil
}

// awaitShutdown waits for the recovery server to exit of its own
// accord, which is how recovery_target_action=shutdown signals
// completion.
func awaitShutdown(ctx context.Context, c *cluster.Cluster) error {
	ctx, cancel := context.WithTimeout(ctx, config.GetTimeouts().Recovery)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		running, err := c.Running()
		if err != nil {
			return &RestoreError{Reason: "probe recovery", Err: err}
		}
		if !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return &RestoreError{Reason: "recovery did not finish", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// copyTree copies the directory tree at src into dst, which must
// exist. Permissions are preserved; symlinks (pg_tblspc entries in
// exotic setups) are recreated as links.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dest := filepath.Join(dst, rel)
		info, err := entry.Info()
		if err != nil {
			return err
		}
		switch {
		case entry.IsDir():
			return os.Mkdir(dest, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, dest)
		default:
			return copyFile(path, dest, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
