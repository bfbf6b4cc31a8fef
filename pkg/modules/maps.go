package modules

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-delve/dlvsync/pkg/logflags"
	"github.com/go-delve/dlvsync/pkg/proto"
)

// region is a single file backed mapping of the target.
type region struct {
	start, end uint64
	path       string
}

// Maps resolves addresses using the memory map of a live process. A
// module is the set of mappings of one file, its base is the lowest
// mapped address of that file.
type Maps struct {
	pid  int
	read func(pid int) (io.ReadCloser, error)
	log  logflags.Logger

	mu      sync.RWMutex
	regions []region
	mods    map[string]Module
}

// Resolve implements Resolver.
func (m *Maps) Resolve(addr proto.Address) (Module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a := uint64(addr)
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end > a })
	if i == len(m.regions) || m.regions[i].start > a {
		return Module{}, false
	}
	mod, ok := m.mods[m.regions[i].path]
	return mod, ok
}

// Modules implements Lister.
func (m *Maps) Modules() []Module {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := make([]Module, 0, len(m.mods))
	for _, mod := range m.mods {
		r = append(r, mod)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Base < r[j].Base })
	return r
}

// Pid returns the process whose memory map is used.
func (m *Maps) Pid() int {
	return m.pid
}

// Refresh reloads the memory map, picking up libraries loaded or unloaded
// since the last call.
func (m *Maps) Refresh() error {
	rc, err := m.read(m.pid)
	if err != nil {
		return err
	}
	defer rc.Close()
	regions, err := parseMaps(rc)
	if err != nil {
		return err
	}
	mods := groupRegions(regions)
	m.mu.Lock()
	m.regions = regions
	m.mods = mods
	m.mu.Unlock()
	m.log.Debugf("pid %d: %d regions in %d modules", m.pid, len(regions), len(mods))
	return nil
}

// parseMaps parses the /proc/<pid>/maps format, keeping only file backed
// mappings.
func parseMaps(r io.Reader) ([]region, error) {
	var regions []region
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for s.Scan() {
		lineno++
		line := s.Text()
		if line == "" {
			continue
		}
		start, end, filename, err := parseMapsLine(lineno, line)
		if err != nil {
			return nil, err
		}
		// anonymous mappings and pseudo files like [heap] or [vdso]
		if !strings.HasPrefix(filename, "/") {
			continue
		}
		regions = append(regions, region{start: start, end: end, path: filename})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })
	return regions, nil
}

func parseMapsLine(lineno int, in string) (start, end uint64, filename string, err error) {
	fields := strings.Fields(in)
	if len(fields) < 5 {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (wrong number of fields)", lineno, in)
		return
	}

	v := strings.Split(fields[0], "-")
	if len(v) != 2 {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (bad first field)", lineno, in)
		return
	}
	start, err = strconv.ParseUint(v[0], 16, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}
	end, err = strconv.ParseUint(v[1], 16, 64)
	if err != nil {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
		return
	}
	if end <= start {
		err = fmt.Errorf("malformed /proc/pid/maps on line %d: %q (empty range)", lineno, in)
		return
	}

	// fields[1..4] -> perms, offset, dev, inode; the path may contain spaces
	if len(fields) > 5 {
		filename = strings.Join(fields[5:], " ")
		filename = strings.TrimSuffix(filename, " (deleted)")
	}
	return
}

func groupRegions(regions []region) map[string]Module {
	mods := make(map[string]Module)
	for _, r := range regions {
		mod, ok := mods[r.path]
		if !ok {
			mods[r.path] = Module{Path: r.path, Base: proto.Address(r.start), Size: r.end - r.start}
			continue
		}
		end := uint64(mod.End())
		if r.end > end {
			end = r.end
		}
		if proto.Address(r.start) < mod.Base {
			mod.Base = proto.Address(r.start)
		}
		mod.Size = end - uint64(mod.Base)
		mods[r.path] = mod
	}
	return mods
}
