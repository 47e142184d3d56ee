package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func prepare(t *testing.T) *Backup {
	t.Helper()
	b, err := Prepare(filepath.Join(t.TempDir(), "backups"))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	return b
}

// addSlot writes an empty base backup slot with the given number and
// backup_label start time.
func addSlot(t *testing.T, b *Backup, n int, started string) string {
	t.Helper()
	dir := filepath.Join(b.Dir, fmt.Sprintf("data.%010d", n))
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	label := fmt.Sprintf("START WAL LOCATION: 0/2000028 (file 000000010000000000000002)\nSTART TIME: %s\n", started)
	if err := os.WriteFile(filepath.Join(dir, "backup_label"), []byte(label), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestPrepare(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	b, err := Prepare(dir)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if fi, err := os.Stat(b.WALDir); err != nil || !fi.IsDir() {
		t.Errorf("WAL directory not created: %v", err)
	}
	// Preparing again is a no-op.
	if _, err := Prepare(dir); err != nil {
		t.Errorf("repeated Prepare failed: %v", err)
	}
}

func TestArchiveCommand(t *testing.T) {
	b := &Backup{Dir: "/b", WALDir: "/b/wal"}
	if got, want := b.ArchiveCommand(), "cp %p '/b/wal'/%f"; got != want {
		t.Errorf("ArchiveCommand = %q, want %q", got, want)
	}
	if got, want := b.restoreCommand(), "cp '/b/wal'/%f %p"; got != want {
		t.Errorf("restoreCommand = %q, want %q", got, want)
	}
}

func TestNextSlot(t *testing.T) {
	b := prepare(t)

	next, err := b.nextSlot()
	if err != nil {
		t.Fatalf("nextSlot failed: %v", err)
	}
	if filepath.Base(next) != "data.0000000001" {
		t.Errorf("first slot = %s, want data.0000000001", filepath.Base(next))
	}

	addSlot(t, b, 1, "2026-08-01 10:00:00 UTC")
	addSlot(t, b, 7, "2026-08-02 10:00:00 UTC")
	// Noise that must not be counted.
	if err := os.Mkdir(filepath.Join(b.Dir, ".tmp.data.x"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(b.Dir, "data.notanumber"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	next, err = b.nextSlot()
	if err != nil {
		t.Fatalf("nextSlot failed: %v", err)
	}
	if filepath.Base(next) != "data.0000000008" {
		t.Errorf("next slot = %s, want data.0000000008", filepath.Base(next))
	}
}

func TestStartTime(t *testing.T) {
	b := prepare(t)
	dir := addSlot(t, b, 1, "2026-08-20 09:30:00 UTC")

	got, err := startTime(dir)
	if err != nil {
		t.Fatalf("startTime failed: %v", err)
	}
	want := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("startTime = %v, want %v", got, want)
	}
}

func TestPickNewest(t *testing.T) {
	b := prepare(t)
	addSlot(t, b, 1, "2026-08-01 10:00:00 UTC")
	newest := addSlot(t, b, 2, "2026-08-10 10:00:00 UTC")

	got, err := b.pick(time.Time{})
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	if got != newest {
		t.Errorf("pick = %s, want newest %s", got, newest)
	}
}

func TestPickForTargetTime(t *testing.T) {
	b := prepare(t)
	older := addSlot(t, b, 1, "2026-08-01 10:00:00 UTC")
	addSlot(t, b, 2, "2026-08-10 10:00:00 UTC")

	// A target between the two backups must come from the older one:
	// replay only moves forward.
	target := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)
	got, err := b.pick(target)
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	if got != older {
		t.Errorf("pick = %s, want %s", got, older)
	}

	// A target before every backup cannot be restored.
	_, err = b.pick(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	var rerr *RestoreError
	if !errors.As(err, &rerr) {
		t.Fatalf("pick of unreachable target returned %v, want RestoreError", err)
	}
}

func TestPickEmptyBackupDir(t *testing.T) {
	b := prepare(t)
	_, err := b.pick(time.Time{})
	var rerr *RestoreError
	if !errors.As(err, &rerr) {
		t.Fatalf("pick in empty directory returned %v, want RestoreError", err)
	}
}

func TestPrepareTargetRefusesNonEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "junk"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := prepareTarget(dir)
	var rerr *RestoreError
	if !errors.As(err, &rerr) {
		t.Fatalf("prepareTarget on non-empty directory returned %v, want RestoreError", err)
	}
}

func TestPrepareTargetTightensPermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "restore")
	got, err := prepareTarget(dir)
	if err != nil {
		t.Fatalf("prepareTarget failed: %v", err)
	}
	fi, err := os.Stat(got)
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o700 {
		t.Errorf("target permissions = %o, want 700", perm)
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "base", "1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "base", "1", "pg_filenode.map"), []byte("map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "PG_VERSION"), []byte("14\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	if err := copyTree(src, dst); err != nil {
		t.Fatalf("copyTree failed: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dst, "base", "1", "pg_filenode.map"))
	if err != nil || string(raw) != "map" {
		t.Errorf("copied file content = %q, %v", raw, err)
	}
	fi, err := os.Stat(filepath.Join(dst, "base", "1", "pg_filenode.map"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("copied file permissions = %o, want 600", perm)
	}
}
