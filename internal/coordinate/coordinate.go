// Package coordinate composes locking and cluster lifecycle into
// "ensure running, run body, tear down if last out" primitives.
//
// Many independent processes may call RunAndStop against the same data
// directory with overlapping lifetimes. The first arriver creates and
// starts the cluster, concurrent users share it under Shared locks,
// and the last departer stops it. The last departer is the one whose
// upgrade to Exclusive is not refused. No counter tracks the holders:
// the lock itself answers "is anyone else still here", and the
// operating system releases it even when a holder dies abruptly.
package coordinate

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgden/pgden/internal/cluster"
	"github.com/pgden/pgden/internal/config"
	"github.com/pgden/pgden/internal/lock"
)

// ErrDoesNotExist reports a RunAndStopIfExists against a data
// directory that holds no cluster.
var ErrDoesNotExist = errors.New("cluster does not exist")

// Subject is what the coordination primitives drive. *cluster.Cluster
// satisfies it via ForCluster.
type Subject interface {
	Exists() (bool, error)
	Running() (bool, error)
	Start(ctx context.Context) (cluster.State, error)
	Stop(ctx context.Context) (cluster.State, error)
	Destroy(ctx context.Context) (cluster.State, error)
}

// Body is the caller's work, performed while the cluster is running
// and held under a Shared lock.
type Body func(ctx context.Context) error

// RunAndStop ensures the cluster exists and is running, runs body
// under a Shared lock, then stops the cluster if no other user
// remains. A failing body still releases its lock and triggers
// teardown; its error propagates after teardown completes.
func RunAndStop(ctx context.Context, subject Subject, guard *lock.Guard, body Body) error {
	return run(ctx, subject, guard, body, true, (Subject).Stop)
}

// RunAndStopIfExists is RunAndStop, except that it fails with
// ErrDoesNotExist rather than creating a missing cluster.
func RunAndStopIfExists(ctx context.Context, subject Subject, guard *lock.Guard, body Body) error {
	return run(ctx, subject, guard, body, false, (Subject).Stop)
}

// RunAndDestroy is RunAndStop, except that the last departer destroys
// the data directory entirely. For ephemeral single-purpose instances
// where no state should outlive the group of users.
func RunAndDestroy(ctx context.Context, subject Subject, guard *lock.Guard, body Body) error {
	return run(ctx, subject, guard, body, true, (Subject).Destroy)
}

func run(ctx context.Context, subject Subject, guard *lock.Guard, body Body, create bool, teardown func(Subject, context.Context) (cluster.State, error)) (err error) {
	if err := startup(ctx, subject, guard, create); err != nil {
		return err
	}
	// The deferred shutdown runs on every exit path, panics included,
	// so the lock is always released and teardown always attempted.
	// A teardown error never masks the body's error.
	//
	// Teardown must still work when the body failed because ctx was
	// cancelled (Ctrl-C), so it runs detached from the body's
	// cancellation; the lifecycle timeouts still bound it.
	defer func() {
		terr := shutdown(context.WithoutCancel(ctx), subject, guard, teardown)
		if terr == nil {
			return
		}
		if err == nil {
			err = terr
		} else {
			log.Error().Err(terr).Msg("Teardown failed after body error")
		}
	}()
	return body(ctx)
}

// startup acquires a Shared lock on a running cluster, starting the
// cluster first if this process wins the Exclusive lock. On contention
// it takes a Shared lock optimistically: if the cluster turns out to
// be running, fine; otherwise it backs off for a random interval so
// that one of the competing processes rapidly acquires Exclusive and
// can do the work, then tries again.
func startup(ctx context.Context, subject Subject, guard *lock.Guard, create bool) error {
	acquireCtx, cancel := context.WithTimeout(ctx, config.GetTimeouts().LockAcquire)
	defer cancel()
	for {
		ok, err := guard.TryExclusive()
		if err != nil {
			return &lock.AcquireError{Path: guard.Path(), Mode: lock.Exclusive, Err: err}
		}
		if ok {
			if !create {
				exists, err := subject.Exists()
				if err != nil {
					return releaseAfter(guard, err)
				}
				if !exists {
					return releaseAfter(guard, ErrDoesNotExist)
				}
			}
			if _, err := subject.Start(ctx); err != nil {
				return releaseAfter(guard, err)
			}
			// Downgrade: the kernel converts the lock in place, so
			// there is no window in which we hold nothing.
			if err := guard.Acquire(acquireCtx, lock.Shared); err != nil {
				return releaseAfter(guard, err)
			}
			return nil
		}

		// Someone else holds Exclusive. Take Shared optimistically:
		// they may be starting the cluster for us right now.
		if err := guard.Acquire(acquireCtx, lock.Shared); err != nil {
			return err
		}
		running, err := subject.Running()
		if err != nil {
			return releaseAfter(guard, err)
		}
		if running {
			return nil
		}
		// Not running: the Exclusive holder was stopping, not
		// starting. Release everything and retry after a jittered
		// delay so the contenders don't convoy.
		if err := guard.Unlock(); err != nil {
			return err
		}
		select {
		case <-acquireCtx.Done():
			return &lock.AcquireError{Path: guard.Path(), Mode: lock.Exclusive, Err: acquireCtx.Err()}
		case <-time.After(startupJitter()):
		}
	}
}

// shutdown decides whether this process is the last one out. Upgrading
// the Shared lock to Exclusive succeeds only when no other holder of
// any kind remains; refusal means other users are still active and the
// cluster is left as it is.
func shutdown(ctx context.Context, subject Subject, guard *lock.Guard, teardown func(Subject, context.Context) (cluster.State, error)) error {
	ok, err := guard.TryExclusive()
	if err != nil {
		uerr := guard.Unlock()
		if uerr != nil {
			log.Error().Err(uerr).Str("lock", guard.Path()).Msg("Failed to release lock")
		}
		return &lock.AcquireError{Path: guard.Path(), Mode: lock.Exclusive, Err: err}
	}
	if !ok {
		log.Debug().Str("lock", guard.Path()).Msg("Other users remain; leaving cluster as is")
		return guard.Unlock()
	}
	_, terr := teardown(subject, ctx)
	uerr := guard.Unlock()
	if terr != nil {
		if uerr != nil {
			log.Error().Err(uerr).Str("lock", guard.Path()).Msg("Failed to release lock")
		}
		return terr
	}
	return uerr
}

func releaseAfter(guard *lock.Guard, err error) error {
	if uerr := guard.Unlock(); uerr != nil {
		log.Error().Err(uerr).Str("lock", guard.Path()).Msg("Failed to release lock")
	}
	return err
}

// 200 to 1000ms, a balance between retry latency and letting one
// contender win quickly.
func startupJitter() time.Duration {
	return time.Duration(200+rand.Intn(800)) * time.Millisecond
}
