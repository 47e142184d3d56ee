package cluster

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Postmaster is the liveness marker a PostgreSQL server writes to
// postmaster.pid in its data directory: the owning process identity
// and connection endpoint. Its existence plus a live matching process
// is what defines "running".
//
// The file is line-oriented; servers older than 10 write fewer lines,
// so everything past the PID is optional.
type Postmaster struct {
	PID        int
	DataDir    string
	StartTime  time.Time
	Port       int
	SocketDir  string
	ListenAddr string
	Status     string
}

// ReadPostmaster parses the liveness marker at path. A missing file
// returns os.ErrNotExist (the server is not running); a file we cannot
// parse is an error, because a present-but-garbled marker means we
// cannot tell.
func ReadPostmaster(path string) (*Postmaster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("parse %s: empty liveness marker", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("parse %s: bad pid %q", path, lines[0])
	}
	pm := &Postmaster{PID: pid}

	line := func(i int) string {
		if i < len(lines) {
			return strings.TrimSpace(lines[i])
		}
		return ""
	}
	pm.DataDir = line(1)
	if epoch, err := strconv.ParseInt(line(2), 10, 64); err == nil {
		pm.StartTime = time.Unix(epoch, 0)
	}
	if port, err := strconv.Atoi(line(3)); err == nil {
		pm.Port = port
	}
	pm.SocketDir = line(4)
	pm.ListenAddr = line(5)
	// line 6 is the shared memory key; not needed here.
	pm.Status = line(7)
	return pm, nil
}

// Alive reports whether the marker's process still exists. EPERM means
// the process exists but belongs to someone else, which still counts
// as alive.
func (p *Postmaster) Alive() bool {
	err := unix.Kill(p.PID, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
