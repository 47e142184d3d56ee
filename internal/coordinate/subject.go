package coordinate

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pgden/pgden/internal/cluster"
)

// clusterSubject adapts *cluster.Cluster to Subject, capturing the
// per-start server options so Start matches the interface.
type clusterSubject struct {
	cluster *cluster.Cluster
	options []cluster.Option
}

// ForCluster wraps a cluster for coordination. The options apply only
// when this process is the one that actually starts the server; a
// cluster started by someone else keeps whatever options it got.
func ForCluster(c *cluster.Cluster, options ...cluster.Option) Subject {
	return &clusterSubject{cluster: c, options: options}
}

func (s *clusterSubject) Exists() (bool, error)  { return s.cluster.Exists(), nil }
func (s *clusterSubject) Running() (bool, error) { return s.cluster.Running() }

func (s *clusterSubject) Start(ctx context.Context) (cluster.State, error) {
	return s.cluster.Start(ctx, s.options...)
}

func (s *clusterSubject) Stop(ctx context.Context) (cluster.State, error) {
	return s.cluster.Stop(ctx)
}

func (s *clusterSubject) Destroy(ctx context.Context) (cluster.State, error) {
	return s.cluster.Destroy(ctx)
}

// Lock file names are derived from a UUID so they cannot collide with
// anything else in the temporary directory.
var lockNamespace = uuid.MustParse("31415926-5358-9793-2384-626433832795")

// FileFor returns the lock file path guarding the cluster at datadir.
// Every process that names the same data directory gets the same path,
// so the file lives in the system temporary directory under a name
// derived from the canonical directory path. The canonical path is
// resolved through symlinks where possible, so two spellings of one
// directory share a lock.
func FileFor(datadir string) (string, error) {
	abs, err := filepath.Abs(datadir)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	id := uuid.NewSHA1(lockNamespace, []byte(abs))
	return filepath.Join(os.TempDir(), ".pgden."+id.String()), nil
}
