// Package cluster drives a PostgreSQL data directory through its
// lifecycle: Absent → Created → Stopped ⇄ Running → Destroyed.
//
// A Cluster is stateless between calls. Nothing — in particular not
// "is it running" — is cached in memory; every check re-reads the
// filesystem and probes the server process, so independently launched
// processes never disagree based on stale local state. Concurrent
// lifecycle changes are not guarded here; that is the coordinate
// package's job.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/pgden/pgden/internal/config"
	"github.com/pgden/pgden/internal/runtime"
	"github.com/pgden/pgden/internal/version"
)

const (
	versionFileName = "PG_VERSION"
	pidFileName     = "postmaster.pid"
	logFileName     = "postmaster.log"
)

// State reports whether a lifecycle call changed anything: Modified
// means this process performed the transition, Unmodified means the
// cluster was already in the requested state (or another process got
// there first).
type State int

const (
	Unmodified State = iota
	Modified
)

func (s State) String() string {
	if s == Modified {
		return "modified"
	}
	return "unmodified"
}

// Option is a server configuration parameter applied for the duration
// of one start, e.g. {"wal_level", "replica"}.
type Option struct {
	Parameter string
	Value     string
}

// Cluster is a handle on one PostgreSQL data directory plus the
// strategy for finding a runtime to drive it.
type Cluster struct {
	DataDir  string
	Strategy runtime.Strategy
}

// New returns a handle on the cluster at datadir, which need not exist
// yet. A nil strategy means runtime.Default().
func New(datadir string, strategy runtime.Strategy) (*Cluster, error) {
	abs, err := filepath.Abs(datadir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory %s: %w", datadir, err)
	}
	if strategy == nil {
		strategy = runtime.Default()
	}
	return &Cluster{DataDir: abs, Strategy: strategy}, nil
}

// Exists reports whether datadir looks like a PostgreSQL cluster: a
// directory containing a PG_VERSION file. Partial initdb output does
// not count.
func Exists(datadir string) bool {
	fi, err := os.Stat(filepath.Join(datadir, versionFileName))
	return err == nil && fi.Mode().IsRegular()
}

func (c *Cluster) Exists() bool { return Exists(c.DataDir) }

// RecordedVersion returns the version the data directory records in
// PG_VERSION, or nil if the cluster does not exist. This is the
// release line only ("14", "9.6"), never a patch level.
func RecordedVersion(datadir string) (*version.Version, error) {
	raw, err := os.ReadFile(filepath.Join(datadir, versionFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := version.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("read cluster version: %w", err)
	}
	return &v, nil
}

// Runtime selects the runtime to drive this cluster. An initialized
// data directory binds selection to its recorded version; otherwise
// the strategy's best runtime is used.
func (c *Cluster) Runtime() (runtime.Runtime, error) {
	existing, err := RecordedVersion(c.DataDir)
	if err != nil {
		return runtime.Runtime{}, err
	}
	return runtime.SelectFor(c.Strategy, nil, existing)
}

// PIDFile returns the path of the liveness marker. It only exists
// while a server owns the data directory.
func (c *Cluster) PIDFile() string { return filepath.Join(c.DataDir, pidFileName) }

// LogFile returns the path of the server log inside the data
// directory.
func (c *Cluster) LogFile() string { return filepath.Join(c.DataDir, logFileName) }

// Running reports whether a live server owns this data directory. The
// liveness marker plus a process probe answers the common cases; a
// marker naming a dead process falls back to pg_ctl status, because a
// crashed server leaves a stale marker behind.
func (c *Cluster) Running() (bool, error) {
	pm, err := ReadPostmaster(c.PIDFile())
	switch {
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	case err != nil:
		return c.statusProbe()
	case pm.Alive():
		return true, nil
	default:
		log.Debug().Str("datadir", c.DataDir).Int("pid", pm.PID).Msg("Stale liveness marker; falling back to pg_ctl status")
		return c.statusProbe()
	}
}

// statusProbe asks pg_ctl. Exit codes per pg_ctl(1) for PostgreSQL 10
// and later: 0 running, 3 stopped, 4 data directory missing or
// inaccessible.
func (c *Cluster) statusProbe() (bool, error) {
	rt, err := c.Runtime()
	if err != nil {
		return false, err
	}
	cmd := rt.Command("pg_ctl", "status")
	c.applyEnv(cmd)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false, fmt.Errorf("pg_ctl status: %w", err)
	}
	switch exitErr.ExitCode() {
	case 3:
		return false, nil
	case 4:
		if !c.Exists() {
			return false, nil
		}
	}
	return false, fmt.Errorf("pg_ctl status exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(out)))
}

// Create initializes the cluster: Absent → Created. It is a no-op on a
// valid existing cluster, and refuses a non-empty directory that is
// not one. A failed initdb removes what it created, so the next
// attempt starts from Absent again.
func (c *Cluster) Create(ctx context.Context) (State, error) {
	if c.Exists() {
		return Unmodified, nil
	}
	existed := true
	if entries, err := os.ReadDir(c.DataDir); err == nil {
		if len(entries) > 0 {
			return Unmodified, &AlreadyExistsError{DataDir: c.DataDir}
		}
	} else if errors.Is(err, os.ErrNotExist) {
		existed = false
	} else {
		return Unmodified, err
	}

	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return Unmodified, err
	}
	cmd, err := c.ctl(ctx, "init", "-s", "-o", "-E utf8 --locale C -A trust")
	if err != nil {
		return Unmodified, err
	}
	cmd.Env = append(cmd.Env, "TZ=UTC")
	out, err := cmd.CombinedOutput()
	if err != nil {
		// Partial output is not reusable; put the directory back the
		// way we found it.
		if existed {
			clearDir(c.DataDir)
		} else {
			os.RemoveAll(c.DataDir)
		}
		return Unmodified, &CreateError{Output: string(out), Err: err}
	}
	log.Info().Str("datadir", c.DataDir).Msg("Cluster created")
	return Modified, nil
}

// Start launches the server: Created|Stopped → Running. Already
// running is a no-op, in which case the given options are NOT applied.
// The server listens on a Unix socket inside the data directory only.
func (c *Cluster) Start(ctx context.Context, options ...Option) (State, error) {
	if _, err := c.Create(ctx); err != nil {
		return Unmodified, err
	}
	running, err := c.Running()
	if err != nil {
		return Unmodified, err
	}
	if running {
		return Unmodified, nil
	}
	if err := c.launch(ctx, options); err != nil {
		return Unmodified, err
	}
	if err := c.waitReady(ctx); err != nil {
		return Unmodified, err
	}
	log.Info().Str("datadir", c.DataDir).Msg("Cluster started")
	return Modified, nil
}

// Launch starts the server process without waiting for readiness. Used
// for recovery runs that replay the write-ahead log and shut
// themselves down; such a server may never accept a connection.
func (c *Cluster) Launch(ctx context.Context, options ...Option) error {
	running, err := c.Running()
	if err != nil {
		return err
	}
	if running {
		return &StartError{Err: errors.New("cluster is already running")}
	}
	return c.launch(ctx, options)
}

func (c *Cluster) launch(ctx context.Context, options []Option) error {
	cmd, err := c.ctl(ctx, "start", "-s", "-W", "-l", c.LogFile(), "-o", serverOptions(c.DataDir, options))
	if err != nil {
		return err
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &StartError{Output: joinOutput(string(out), c.logTail()), Err: err}
	}
	return nil
}

// waitReady waits for the launched server to accept connections. The
// liveness marker appearing wakes the wait early via fsnotify; a probe
// ticker covers hosts where the watch cannot be established.
func (c *Cluster) waitReady(ctx context.Context) error {
	timeouts := config.GetTimeouts()
	ctx, cancel := context.WithTimeout(ctx, timeouts.StartReadiness)
	defer cancel()

	var events chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(c.DataDir); err == nil {
			events = make(chan fsnotify.Event, 16)
			go func() {
				for ev := range watcher.Events {
					if filepath.Base(ev.Name) == pidFileName {
						select {
						case events <- ev:
						default:
						}
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ok := c.probe(ctx); ok {
			return nil
		}
		// A marker naming a dead process means the server exited
		// before reaching readiness.
		if pm, err := ReadPostmaster(c.PIDFile()); err == nil && !pm.Alive() {
			return &StartError{Output: c.logTail(), Err: errors.New("server process exited during startup")}
		}
		select {
		case <-ctx.Done():
			return &StartError{Output: c.logTail(), Err: fmt.Errorf("server not ready: %w", ctx.Err())}
		case <-events:
		case <-ticker.C:
		}
	}
}

func (c *Cluster) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, err := c.connect(ctx, DatabasePostgres)
	if err != nil {
		return false
	}
	conn.Close(ctx)
	return true
}

// Stop shuts the server down: Running → Stopped. Already stopped is a
// no-op. A graceful ("fast") shutdown that overruns its bounded wait
// escalates to "immediate".
func (c *Cluster) Stop(ctx context.Context) (State, error) {
	running, err := c.Running()
	if err != nil {
		return Unmodified, err
	}
	if !running {
		return Unmodified, nil
	}

	timeouts := config.GetTimeouts()
	fastOut, err := c.stopMode(ctx, "fast", timeouts.StopGrace)
	if err == nil {
		log.Info().Str("datadir", c.DataDir).Msg("Cluster stopped")
		return Modified, nil
	}
	log.Warn().Err(err).Str("datadir", c.DataDir).Msg("Graceful shutdown failed; escalating to immediate")
	immediateOut, err := c.stopMode(ctx, "immediate", timeouts.StopImmediate)
	if err != nil {
		return Unmodified, &StopError{Output: joinOutput(fastOut, immediateOut), Err: err}
	}
	log.Info().Str("datadir", c.DataDir).Msg("Cluster stopped (immediate)")
	return Modified, nil
}

func (c *Cluster) stopMode(ctx context.Context, mode string, wait time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	seconds := int(wait / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	cmd, err := c.ctl(ctx, "stop", "-s", "-w", "-m", mode, "-t", strconv.Itoa(seconds))
	if err != nil {
		return "", err
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Destroy stops the cluster and removes the data directory. The
// transition is irreversible, and destroying an already-destroyed
// cluster is an error, not a no-op.
func (c *Cluster) Destroy(ctx context.Context) (State, error) {
	if _, err := os.Stat(c.DataDir); errors.Is(err, os.ErrNotExist) {
		return Unmodified, &DestroyError{DataDir: c.DataDir, Err: ErrAbsent}
	} else if err != nil {
		return Unmodified, &DestroyError{DataDir: c.DataDir, Err: err}
	}
	if _, err := c.Stop(ctx); err != nil {
		return Unmodified, &DestroyError{DataDir: c.DataDir, Err: err}
	}
	if err := os.RemoveAll(c.DataDir); err != nil {
		return Unmodified, &DestroyError{DataDir: c.DataDir, Err: err}
	}
	log.Info().Str("datadir", c.DataDir).Msg("Cluster destroyed")
	return Modified, nil
}

// ctl builds a pg_ctl invocation with the environment referring to
// this cluster.
func (c *Cluster) ctl(ctx context.Context, args ...string) (*exec.Cmd, error) {
	rt, err := c.Runtime()
	if err != nil {
		return nil, err
	}
	cmd := rt.CommandContext(ctx, "pg_ctl", args...)
	c.applyEnv(cmd)
	return cmd, nil
}

func (c *Cluster) applyEnv(cmd *exec.Cmd) {
	cmd.Env = append(os.Environ(), "PGDATA="+c.DataDir, "PGHOST="+c.DataDir)
}

// serverOptions builds the string pg_ctl passes through to postgres:
// Unix socket only, socket directory inside the data directory, plus
// per-start configuration parameters. Escaped for sh.
func serverOptions(datadir string, options []Option) string {
	var b strings.Builder
	b.WriteString("-h '' -k ")
	b.WriteString(shQuote(datadir))
	for _, opt := range options {
		b.WriteString(" -c ")
		b.WriteString(shQuote(opt.Parameter + "=" + opt.Value))
	}
	return b.String()
}

// shQuote escapes a string for a POSIX shell.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// logTail returns the tail of the server log, for inclusion in errors.
func (c *Cluster) logTail() string {
	const tailBytes = 8192
	raw, err := os.ReadFile(c.LogFile())
	if err != nil {
		return ""
	}
	if len(raw) > tailBytes {
		raw = raw[len(raw)-tailBytes:]
	}
	return string(raw)
}

func joinOutput(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

func clearDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		os.RemoveAll(filepath.Join(dir, entry.Name()))
	}
}
