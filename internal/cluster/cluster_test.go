package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pgden/pgden/internal/runtime"
	"github.com/pgden/pgden/internal/version"
)

// fakeRuntime installs a pg_ctl stub that can init (writes PG_VERSION)
// and report status, so lifecycle paths can be exercised without a
// real PostgreSQL install. Every invocation is appended to calls.log
// beside the stub, so tests can assert a tool was never run.
func fakeRuntime(t *testing.T, initExit int) runtime.Single {
	t.Helper()
	dir := t.TempDir()
	script := fmt.Sprintf(`#!/bin/sh
echo "$1" >> "$(dirname "$0")/calls.log"
case "$1" in
  --version) echo 'pg_ctl (PostgreSQL) 14.2' ;;
  init) if [ %d -ne 0 ]; then echo 'initdb: error: fake failure' >&2; exit %d; fi
        printf '14\n' > "$PGDATA/PG_VERSION" ;;
  status) exit 3 ;;
  stop) exit 0 ;;
esac
`, initExit, initExit)
	if err := os.WriteFile(filepath.Join(dir, "pg_ctl"), []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write pg_ctl stub: %v", err)
	}
	v, _ := version.Parse("14.2")
	return runtime.Single{BinDir: dir, Version: v}
}

// toolCalls returns the pg_ctl subcommands the stub has run so far.
func toolCalls(t *testing.T, s runtime.Single) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(s.BinDir, "calls.log"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("failed to read stub call log: %v", err)
	}
	return strings.Fields(string(raw))
}

func newCluster(t *testing.T, datadir string, strategy runtime.Strategy) *Cluster {
	t.Helper()
	c, err := New(datadir, strategy)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if Exists(dir) {
		t.Error("empty directory should not exist as a cluster")
	}
	if Exists(filepath.Join(dir, "nope")) {
		t.Error("missing directory should not exist as a cluster")
	}
	if err := os.WriteFile(filepath.Join(dir, "PG_VERSION"), []byte("14\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !Exists(dir) {
		t.Error("directory with PG_VERSION should exist as a cluster")
	}
}

func TestRecordedVersion(t *testing.T) {
	dir := t.TempDir()
	v, err := RecordedVersion(dir)
	if err != nil || v != nil {
		t.Fatalf("RecordedVersion of absent cluster = %v, %v; want nil, nil", v, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "PG_VERSION"), []byte("9.6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	v, err = RecordedVersion(dir)
	if err != nil {
		t.Fatalf("RecordedVersion failed: %v", err)
	}
	if v.String() != "9.6" {
		t.Errorf("RecordedVersion = %s, want 9.6", v)
	}
}

func TestCreate(t *testing.T) {
	datadir := filepath.Join(t.TempDir(), "data")
	c := newCluster(t, datadir, fakeRuntime(t, 0))

	state, err := c.Create(context.Background())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if state != Modified {
		t.Errorf("first Create = %v, want modified", state)
	}
	if !c.Exists() {
		t.Error("cluster should exist after Create")
	}

	state, err = c.Create(context.Background())
	if err != nil {
		t.Fatalf("repeated Create failed: %v", err)
	}
	if state != Unmodified {
		t.Errorf("repeated Create = %v, want unmodified", state)
	}
}

func TestCreateRefusesNonEmptyDirectory(t *testing.T) {
	datadir := t.TempDir()
	if err := os.WriteFile(filepath.Join(datadir, "junk"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := newCluster(t, datadir, fakeRuntime(t, 0))

	_, err := c.Create(context.Background())
	var exists *AlreadyExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("Create returned %v, want AlreadyExistsError", err)
	}
}

func TestCreateFailureLeavesDirectoryAbsent(t *testing.T) {
	datadir := filepath.Join(t.TempDir(), "data")
	c := newCluster(t, datadir, fakeRuntime(t, 1))

	_, err := c.Create(context.Background())
	var cerr *CreateError
	if !errors.As(err, &cerr) {
		t.Fatalf("Create returned %v, want CreateError", err)
	}
	if cerr.Output == "" {
		t.Error("CreateError should carry captured output")
	}
	if _, err := os.Stat(datadir); !errors.Is(err, os.ErrNotExist) {
		t.Error("failed Create should remove the directory it created")
	}
	// A retry starts over from Absent.
	c2 := newCluster(t, datadir, fakeRuntime(t, 0))
	if state, err := c2.Create(context.Background()); err != nil || state != Modified {
		t.Errorf("retry after failed Create: state=%v err=%v", state, err)
	}
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	datadir := t.TempDir()
	single := fakeRuntime(t, 0)
	c := newCluster(t, datadir, single)
	if err := os.WriteFile(filepath.Join(datadir, "PG_VERSION"), []byte("14\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// A liveness marker naming our own process: the cluster is running.
	marker := fmt.Sprintf("%d\n%s\n", os.Getpid(), datadir)
	if err := os.WriteFile(c.PIDFile(), []byte(marker), 0o600); err != nil {
		t.Fatal(err)
	}

	state, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start on running cluster failed: %v", err)
	}
	if state != Unmodified {
		t.Errorf("Start on running cluster = %v, want unmodified", state)
	}
	for _, call := range toolCalls(t, single) {
		if call == "start" {
			t.Error("Start on a running cluster must not launch the server again")
		}
	}
}

func TestStopWhileStoppedIsNoOp(t *testing.T) {
	datadir := filepath.Join(t.TempDir(), "data")
	single := fakeRuntime(t, 0)
	c := newCluster(t, datadir, single)
	if _, err := c.Create(context.Background()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	state, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop on stopped cluster failed: %v", err)
	}
	if state != Unmodified {
		t.Errorf("Stop on stopped cluster = %v, want unmodified", state)
	}
	for _, call := range toolCalls(t, single) {
		if call == "stop" {
			t.Error("Stop on a stopped cluster must not invoke a shutdown")
		}
	}
}

func TestRunningWithoutLivenessMarker(t *testing.T) {
	datadir := t.TempDir()
	c := newCluster(t, datadir, fakeRuntime(t, 0))
	running, err := c.Running()
	if err != nil {
		t.Fatalf("Running failed: %v", err)
	}
	if running {
		t.Error("cluster without a liveness marker should not be running")
	}
}

func TestDestroy(t *testing.T) {
	datadir := filepath.Join(t.TempDir(), "data")
	c := newCluster(t, datadir, fakeRuntime(t, 0))

	if _, err := c.Create(context.Background()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	state, err := c.Destroy(context.Background())
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if state != Modified {
		t.Errorf("Destroy = %v, want modified", state)
	}
	if _, err := os.Stat(datadir); !errors.Is(err, os.ErrNotExist) {
		t.Error("data directory should be gone after Destroy")
	}

	// Destroying again is an error, not a crash or a no-op.
	_, err = c.Destroy(context.Background())
	var derr *DestroyError
	if !errors.As(err, &derr) {
		t.Fatalf("repeated Destroy returned %v, want DestroyError", err)
	}
	if !errors.Is(err, ErrAbsent) {
		t.Errorf("repeated Destroy should wrap ErrAbsent, got %v", derr.Err)
	}
}

func TestDatabasesRequiresRunning(t *testing.T) {
	datadir := filepath.Join(t.TempDir(), "data")
	c := newCluster(t, datadir, fakeRuntime(t, 0))
	if _, err := c.Create(context.Background()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_, err := c.Databases(context.Background())
	var nrErr *NotRunningError
	if !errors.As(err, &nrErr) {
		t.Fatalf("Databases on stopped cluster returned %v, want NotRunningError", err)
	}
	_, err = c.Connect(context.Background(), DatabasePostgres)
	if !errors.As(err, &nrErr) {
		t.Fatalf("Connect on stopped cluster returned %v, want NotRunningError", err)
	}
}

func TestServerOptions(t *testing.T) {
	got := serverOptions("/tmp/my data", []Option{{"wal_level", "replica"}})
	want := `-h '' -k '/tmp/my data' -c 'wal_level=replica'`
	if got != want {
		t.Errorf("serverOptions = %q, want %q", got, want)
	}
}

func TestShQuote(t *testing.T) {
	cases := map[string]string{
		"plain":     "'plain'",
		"has space": "'has space'",
		"it's":      `'it'\''s'`,
	}
	for in, want := range cases {
		if got := shQuote(in); got != want {
			t.Errorf("shQuote(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestRuntimeBindsRecordedVersion(t *testing.T) {
	datadir := t.TempDir()
	if err := os.WriteFile(filepath.Join(datadir, "PG_VERSION"), []byte("13\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Installed runtime is 14.2; the cluster records 13.
	c := newCluster(t, datadir, fakeRuntime(t, 0))
	_, err := c.Runtime()
	var serr *runtime.SelectionError
	if !errors.As(err, &serr) {
		t.Fatalf("Runtime returned %v, want SelectionError", err)
	}
}
