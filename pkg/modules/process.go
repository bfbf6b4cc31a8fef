package modules

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// FindPid returns the pid of the only running process called name.
func FindPid(name string) (int, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, fmt.Errorf("listing processes: %w", err)
	}
	var found []int32
	for _, p := range procs {
		n, err := p.Name()
		if err != nil {
			// exited or not ours to inspect
			continue
		}
		if n == name {
			found = append(found, p.Pid)
		}
	}
	switch len(found) {
	case 0:
		return 0, fmt.Errorf("no process named %q", name)
	case 1:
		return int(found[0]), nil
	}
	return 0, fmt.Errorf("%d processes named %q %v, use --pid", len(found), name, found)
}
