// Package backup implements continuous archiving and point-in-time
// recovery for a cluster: WAL archiving into a backup directory, base
// backups via pg_basebackup, and restores that replay the archived WAL
// up to a target.
//
// A backup directory has a fixed layout: numbered base backup
// directories (data.0000000001, data.0000000002, ...), a wal/
// directory that archive_command copies WAL segments into, and a .lock
// file that serializes slot allocation between concurrent backups.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/pgden/pgden/internal/cluster"
	"github.com/pgden/pgden/internal/coordinate"
	"github.com/pgden/pgden/internal/lock"
)

const (
	walDirName   = "wal"
	lockName     = ".lock"
	slotPrefix   = "data."
	tmpPrefix    = ".tmp." + slotPrefix
	labelName    = "backup_label"
	slotNumWidth = 10
)

// Parameters that archiving setup inspects and adjusts.
const (
	walLevel       = cluster.Parameter("wal_level")
	archiveMode    = cluster.Parameter("archive_mode")
	archiveCommand = cluster.Parameter("archive_command")
	archiveLibrary = cluster.Parameter("archive_library")
)

// Backup is a handle on one backup directory.
type Backup struct {
	Dir    string
	WALDir string
}

// Prepare creates (if necessary) the backup directory and its WAL
// archive subdirectory.
func Prepare(dir string) (*Backup, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &BackupError{Reason: "resolve backup directory", Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &BackupError{Reason: "create backup directory", Err: err}
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	walDir := filepath.Join(abs, walDirName)
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, &BackupError{Reason: "create WAL archive directory", Err: err}
	}
	return &Backup{Dir: abs, WALDir: walDir}, nil
}

// ArchiveCommand returns the command the server runs for each completed
// WAL segment, copying it into the WAL archive. See the continuous
// archiving chapter of the PostgreSQL manual for the %p and %f
// placeholders.
func (b *Backup) ArchiveCommand() string {
	return fmt.Sprintf("cp %%p %s/%%f", shQuote(b.WALDir))
}

// restoreCommand is ArchiveCommand's inverse, used during recovery.
func (b *Backup) restoreCommand() string {
	return fmt.Sprintf("cp %s/%%f %%p", shQuote(b.WALDir))
}

// ConfigureArchiving ensures the connected cluster archives its WAL
// into this backup directory: wal_level at replica or above,
// archive_mode on, and archive_command set to ArchiveCommand. Returns
// whether a restart is needed for the changes to take effect. A
// conflicting archive_library or a foreign archive_command is an
// error; this package will not silently take over someone else's
// archiving setup.
func (b *Backup) ConfigureArchiving(ctx context.Context, conn *pgx.Conn) (bool, error) {
	restart := false

	level, known, err := walLevel.Get(ctx, conn)
	if err != nil {
		return false, &BackupError{Reason: "read wal_level", Err: err}
	}
	switch {
	case !known:
		return false, &BackupError{Reason: "server does not support WAL archiving"}
	case level == "replica" || level == "logical":
	default:
		log.Info().Str("wal_level", level).Msg("Raising wal_level to replica")
		if err := walLevel.Set(ctx, conn, "replica"); err != nil {
			return false, &BackupError{Reason: "set wal_level", Err: err}
		}
		restart = true
	}

	mode, known, err := archiveMode.Get(ctx, conn)
	if err != nil {
		return false, &BackupError{Reason: "read archive_mode", Err: err}
	}
	switch {
	case !known:
		return false, &BackupError{Reason: "server does not support WAL archiving"}
	case mode == "on" || mode == "always":
	default:
		log.Info().Msg("Enabling archive_mode")
		if err := archiveMode.Set(ctx, conn, "on"); err != nil {
			return false, &BackupError{Reason: "set archive_mode", Err: err}
		}
		restart = true
	}

	// archive_library wins over archive_command when both are set, so
	// an existing library would silently defeat ours.
	library, known, err := archiveLibrary.Get(ctx, conn)
	if err != nil {
		return false, &BackupError{Reason: "read archive_library", Err: err}
	}
	if known && library != "" {
		return false, &BackupError{Reason: fmt.Sprintf("archive_library is already set to %q", library)}
	}

	command, known, err := archiveCommand.Get(ctx, conn)
	if err != nil {
		return false, &BackupError{Reason: "read archive_command", Err: err}
	}
	want := b.ArchiveCommand()
	switch {
	case !known:
		return false, &BackupError{Reason: "server does not support WAL archiving"}
	case command == want:
	// "(disabled)" is how the server displays an unset command when
	// archiving is off; see show_archive_command in xlog.c.
	case command == "" || command == "(disabled)":
		log.Info().Str("archive_command", want).Msg("Setting archive_command")
		if err := archiveCommand.Set(ctx, conn, want); err != nil {
			return false, &BackupError{Reason: "set archive_command", Err: err}
		}
	default:
		return false, &BackupError{Reason: fmt.Sprintf("archive_command is already set to %q", command)}
	}

	return restart, nil
}

// BaseBackup copies the running cluster into the next free slot in the
// backup directory via pg_basebackup, and returns the slot's path. The
// copy lands in a hidden temporary directory first and is renamed into
// its slot under the backup directory's lock, so a concurrent backup
// of the same directory never sees a half-written slot and never
// claims the same number.
func (b *Backup) BaseBackup(ctx context.Context, c *cluster.Cluster) (string, error) {
	rt, err := c.Runtime()
	if err != nil {
		return "", &BackupError{Reason: "select runtime", Err: err}
	}
	tmp, err := os.MkdirTemp(b.Dir, tmpPrefix)
	if err != nil {
		return "", &BackupError{Reason: "create staging directory", Err: err}
	}
	defer os.RemoveAll(tmp)

	cmd := rt.CommandContext(ctx, "pg_basebackup", "--pgdata", tmp, "--format", "plain")
	cmd.Env = append(os.Environ(), "PGHOST="+c.DataDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", &BackupError{Reason: strings.TrimSpace(string(out)), Err: err}
	}

	guard, err := lock.Open(filepath.Join(b.Dir, lockName))
	if err != nil {
		return "", &BackupError{Reason: "open backup lock", Err: err}
	}
	defer guard.Close()
	if err := guard.Acquire(ctx, lock.Exclusive); err != nil {
		return "", &BackupError{Reason: "lock backup directory", Err: err}
	}
	defer guard.Unlock()

	next, err := b.nextSlot()
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp, next); err != nil {
		return "", &BackupError{Reason: "move base backup into place", Err: err}
	}
	log.Info().Str("slot", next).Msg("Base backup complete")
	return next, nil
}

// Run performs a full backup of the cluster at c: join (or start) it
// under the usual coordination, configure archiving, restart if the
// configuration demands it and no one else is using the cluster, then
// take a base backup. The cluster is stopped afterwards if this was
// its only user.
func (b *Backup) Run(ctx context.Context, c *cluster.Cluster) (string, error) {
	lockPath, err := coordinate.FileFor(c.DataDir)
	if err != nil {
		return "", &BackupError{Reason: "derive lock path", Err: err}
	}
	guard, err := lock.Open(lockPath)
	if err != nil {
		return "", &BackupError{Reason: "open cluster lock", Err: err}
	}
	defer guard.Close()

	var slot string
	err = coordinate.RunAndStopIfExists(ctx, coordinate.ForCluster(c), guard, func(ctx context.Context) error {
		conn, err := c.Connect(ctx, cluster.DatabasePostgres)
		if err != nil {
			return err
		}
		restart, cerr := b.ConfigureArchiving(ctx, conn)
		conn.Close(ctx)
		if cerr != nil {
			return cerr
		}
		if restart {
			if err := b.restartSole(ctx, c, guard); err != nil {
				return err
			}
		}
		slot, err = b.BaseBackup(ctx, c)
		return err
	})
	return slot, err
}

// restartSole restarts the cluster so that archiving configuration
// takes effect. Restarting is only safe when this process is the sole
// user, which the lock upgrade proves; with other users active the
// caller has to retry after they depart.
func (b *Backup) restartSole(ctx context.Context, c *cluster.Cluster, guard *lock.Guard) error {
	ok, err := guard.TryExclusive()
	if err != nil {
		return &BackupError{Reason: "upgrade cluster lock", Err: err}
	}
	if !ok {
		return &BackupError{Reason: "archiving configuration needs a restart, but the cluster is in use"}
	}
	log.Info().Str("datadir", c.DataDir).Msg("Restarting cluster to apply archiving configuration")
	if _, err := c.Stop(ctx); err != nil {
		return err
	}
	if _, err := c.Start(ctx); err != nil {
		return err
	}
	return guard.Acquire(ctx, lock.Shared)
}

// slot is one base backup in the backup directory.
type slot struct {
	n    int
	path string
}

// slots lists the base backups, oldest first.
func (b *Backup) slots() ([]slot, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		return nil, &BackupError{Reason: "list backup directory", Err: err}
	}
	var found []slot
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, slotPrefix) {
			continue
		}
		n, err := strconv.Atoi(name[len(slotPrefix):])
		if err != nil || n < 0 {
			continue
		}
		found = append(found, slot{n: n, path: filepath.Join(b.Dir, name)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	return found, nil
}

func (b *Backup) nextSlot() (string, error) {
	existing, err := b.slots()
	if err != nil {
		return "", err
	}
	next := 1
	if len(existing) > 0 {
		next = existing[len(existing)-1].n + 1
	}
	name := fmt.Sprintf("%s%0*d", slotPrefix, slotNumWidth, next)
	return filepath.Join(b.Dir, name), nil
}

// startTime reads the base backup's start time from its backup_label
// file, which pg_basebackup writes at the root of every plain-format
// backup.
func startTime(slotDir string) (time.Time, error) {
	raw, err := os.ReadFile(filepath.Join(slotDir, labelName))
	if err != nil {
		return time.Time{}, err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		rest, ok := strings.CutPrefix(line, "START TIME:")
		if !ok {
			continue
		}
		t, err := time.Parse("2006-01-02 15:04:05 MST", strings.TrimSpace(rest))
		if err != nil {
			return time.Time{}, fmt.Errorf("parse backup start time: %w", err)
		}
		return t, nil
	}
	return time.Time{}, errors.New("backup_label has no START TIME line")
}

// shQuote escapes a string for the POSIX shell that runs
// archive_command and restore_command.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
