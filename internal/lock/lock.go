// Package lock provides filesystem-scoped advisory locking on top of
// flock(2).
//
// A Guard wraps one open file description, so the kernel converts the
// lock in place when the mode changes: an Exclusive holder can
// downgrade to Shared without a window in which it holds nothing, and
// a Shared holder can attempt an upgrade to Exclusive. Locks are
// released automatically when the owning process dies, which is what
// makes them safe for coordinating independently launched processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Mode is a lock mode. Shared locks may interleave with each other but
// never with an Exclusive holder.
type Mode int

const (
	Unlocked Mode = iota
	Shared
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unlocked"
	}
}

// AcquireError reports a failed or timed-out lock acquisition. An
// abandoned wait leaves no partial lock state behind.
type AcquireError struct {
	Path string
	Mode Mode
	Err  error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire %s lock on %s: %v", e.Mode, e.Path, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// Guard is a lock on a single path. The zero value is not usable; call
// Open.
type Guard struct {
	path string
	file *os.File
	mode Mode
}

// Open opens (creating if necessary) the lock file at path. The
// returned guard holds no lock yet.
func Open(path string) (*Guard, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return &Guard{path: path, file: f}, nil
}

func (g *Guard) Path() string { return g.path }
func (g *Guard) Mode() Mode   { return g.mode }

// TryShared attempts a non-blocking shared lock (or downgrade).
func (g *Guard) TryShared() (bool, error) {
	return g.try(Shared, unix.LOCK_SH)
}

// TryExclusive attempts a non-blocking exclusive lock. When the guard
// holds a shared lock this is an upgrade attempt: it succeeds only if
// no other process holds the lock in any mode. Per flock(2) the
// conversion is not atomic, so a refused upgrade may have dropped the
// shared lock even though Mode still reports Shared; after a refusal,
// release or reacquire rather than relying on the previous mode.
func (g *Guard) TryExclusive() (bool, error) {
	return g.try(Exclusive, unix.LOCK_EX)
}

// Acquire blocks until the lock is held in the given mode or ctx is
// done. Blocking is implemented as a non-blocking attempt with
// jittered backoff so that an abandoned wait cannot leave a queued
// flock request behind.
func (g *Guard) Acquire(ctx context.Context, mode Mode) error {
	op := unix.LOCK_SH
	if mode == Exclusive {
		op = unix.LOCK_EX
	}
	for {
		ok, err := g.try(mode, op)
		if err != nil {
			return &AcquireError{Path: g.path, Mode: mode, Err: err}
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return &AcquireError{Path: g.path, Mode: mode, Err: ctx.Err()}
		case <-time.After(backoff()):
		}
	}
}

// Unlock releases the lock but keeps the file open for reuse.
func (g *Guard) Unlock() error {
	if g.mode == Unlocked {
		return nil
	}
	if err := flock(g.file, unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", g.path, err)
	}
	g.mode = Unlocked
	return nil
}

// Close releases the lock (the kernel drops it with the descriptor)
// and closes the file.
func (g *Guard) Close() error {
	g.mode = Unlocked
	return g.file.Close()
}

func (g *Guard) try(mode Mode, op int) (bool, error) {
	err := flock(g.file, op|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	g.mode = mode
	return true, nil
}

func flock(f *os.File, op int) error {
	for {
		err := unix.Flock(int(f.Fd()), op)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Contention backoff: 50–250ms keeps a briefly-held exclusive lock
// cycling through many waiters within a generous timeout.
func backoff() time.Duration {
	return time.Duration(50+rand.Intn(200)) * time.Millisecond
}
