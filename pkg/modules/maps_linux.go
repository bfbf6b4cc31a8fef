package modules

import (
	"fmt"
	"io"
	"os"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/dlvsync/pkg/logflags"
)

// NewMaps returns a resolver for the memory map of process pid, loaded
// from /proc/<pid>/maps.
func NewMaps(pid int, log logflags.Logger) (*Maps, error) {
	if log == nil {
		log = logflags.ModulesLogger()
	}
	m := &Maps{pid: pid, read: readProcMaps, log: log.WithField("pid", pid)}
	if err := m.Refresh(); err != nil {
		return nil, err
	}
	return m, nil
}

func readProcMaps(pid int) (io.ReadCloser, error) {
	if err := sys.Kill(pid, 0); err != nil && err != sys.EPERM {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}
	return os.Open(fmt.Sprintf("/proc/%d/maps", pid))
}
