// Package modules maps addresses of the debugged process to the modules
// (executables and shared libraries) they belong to.
package modules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-delve/dlvsync/pkg/proto"
)

// ErrUnsupported is returned by resolvers that can not work on the
// current operating system.
var ErrUnsupported = errors.New("not supported on this platform")

// Module is a loaded code region.
type Module struct {
	Path string
	Base proto.Address
	Size uint64
}

// End returns the first address past the module.
func (m Module) End() proto.Address {
	return m.Base + proto.Address(m.Size)
}

// Contains returns true if addr belongs to the module.
func (m Module) Contains(addr proto.Address) bool {
	return addr >= m.Base && addr < m.End()
}

func (m Module) String() string {
	return fmt.Sprintf("%s [%#x-%#x]", m.Path, uint64(m.Base), uint64(m.End()))
}

// Resolver finds the module owning an address.
type Resolver interface {
	// Resolve returns the module containing addr, or false if addr is not
	// inside any known module.
	Resolve(addr proto.Address) (Module, bool)
}

// Lister is implemented by resolvers that can enumerate their modules.
type Lister interface {
	Modules() []Module
}

// Refresher is implemented by resolvers whose module list can change while
// the target runs.
type Refresher interface {
	Refresh() error
}

// Table is a fixed, sorted list of modules.
type Table struct {
	mods []Module
}

// NewTable returns a Table for mods. Modules with a zero size or
// overlapping a module with a lower base are rejected.
func NewTable(mods []Module) (*Table, error) {
	sorted := append([]Module(nil), mods...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	for i, m := range sorted {
		if m.Size == 0 {
			return nil, fmt.Errorf("module %s has zero size", m.Path)
		}
		if m.End() < m.Base {
			return nil, fmt.Errorf("module %s wraps around the address space", m.Path)
		}
		if i > 0 && sorted[i-1].End() > m.Base {
			return nil, fmt.Errorf("module %s overlaps %s", m, sorted[i-1])
		}
	}
	return &Table{mods: sorted}, nil
}

// Resolve implements Resolver with a binary search.
func (t *Table) Resolve(addr proto.Address) (Module, bool) {
	i := sort.Search(len(t.mods), func(i int) bool { return t.mods[i].End() > addr })
	if i < len(t.mods) && t.mods[i].Contains(addr) {
		return t.mods[i], true
	}
	return Module{}, false
}

// Modules returns the modules of the table sorted by base address.
func (t *Table) Modules() []Module {
	return append([]Module(nil), t.mods...)
}
