package modules

import (
	"io"
	"strings"
	"testing"

	"github.com/go-delve/dlvsync/pkg/logflags"
	"github.com/go-delve/dlvsync/pkg/proto"
)

func TestTableResolve(t *testing.T) {
	tbl, err := NewTable([]Module{
		{Path: "/lib/libc.so.6", Base: 0x7f0000000000, Size: 0x200000},
		{Path: "/bin/x", Base: 0x1000, Size: 0x1000},
		{Path: "/bin/y", Base: 0x4000, Size: 0x10},
	})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		addr proto.Address
		path string
	}{
		{0x1000, "/bin/x"},
		{0x1010, "/bin/x"},
		{0x1fff, "/bin/x"},
		{0x2000, ""},
		{0xfff, ""},
		{0x400f, "/bin/y"},
		{0x4010, ""},
		{0x7f0000001234, "/lib/libc.so.6"},
		{0xffffffffffffffff, ""},
	}
	for _, tc := range tests {
		mod, ok := tbl.Resolve(tc.addr)
		if tc.path == "" {
			if ok {
				t.Errorf("%#x: expected no module, got %v", tc.addr, mod)
			}
			continue
		}
		if !ok || mod.Path != tc.path {
			t.Errorf("%#x: expected %s, got %v (%v)", tc.addr, tc.path, mod, ok)
		}
	}
	if mods := tbl.Modules(); mods[0].Path != "/bin/x" || mods[2].Path != "/lib/libc.so.6" {
		t.Fatalf("modules not sorted: %v", mods)
	}
}

func TestNewTableRejectsBadModules(t *testing.T) {
	if _, err := NewTable([]Module{{Path: "/bin/x", Base: 0x1000}}); err == nil {
		t.Errorf("expected error for zero sized module")
	}
	if _, err := NewTable([]Module{
		{Path: "/bin/x", Base: 0x1000, Size: 0x1000},
		{Path: "/bin/y", Base: 0x1800, Size: 0x1000},
	}); err == nil {
		t.Errorf("expected error for overlapping modules")
	}
}

const sampleMaps = `55d0c2a00000-55d0c2a02000 r--p 00000000 08:01 1835011                    /usr/bin/cat
55d0c2a02000-55d0c2a07000 r-xp 00002000 08:01 1835011                    /usr/bin/cat
55d0c2a07000-55d0c2a0a000 r--p 00007000 08:01 1835011                    /usr/bin/cat
55d0c3e1e000-55d0c3e3f000 rw-p 00000000 00:00 0                          [heap]
7f3a1c200000-7f3a1c228000 r--p 00000000 08:01 1840012                    /usr/lib/x86_64-linux-gnu/libc.so.6
7f3a1c228000-7f3a1c3bd000 r-xp 00028000 08:01 1840012                    /usr/lib/x86_64-linux-gnu/libc.so.6
7f3a1c3d0000-7f3a1c3d2000 rw-p 00000000 00:00 0 
7f3a1c400000-7f3a1c401000 r-xp 00000000 00:2f 1234                       /tmp/my lib.so (deleted)
7ffd5e9e8000-7ffd5e9ea000 r-xp 00000000 00:00 0                          [vdso]
`

func TestParseMaps(t *testing.T) {
	regions, err := parseMaps(strings.NewReader(sampleMaps))
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 6 {
		t.Fatalf("expected 6 file backed regions, got %d: %v", len(regions), regions)
	}
	if last := regions[5]; last.path != "/tmp/my lib.so" {
		t.Fatalf("unexpected path %q", last.path)
	}

	mods := groupRegions(regions)
	if len(mods) != 3 {
		t.Fatalf("expected 3 modules, got %v", mods)
	}
	cat := mods["/usr/bin/cat"]
	if cat.Base != 0x55d0c2a00000 || cat.End() != 0x55d0c2a0a000 {
		t.Fatalf("unexpected module %v", cat)
	}
}

func TestParseMapsMalformed(t *testing.T) {
	for _, in := range []string{
		"zz-10 r--p 0 08:01 1 /bin/x\n",
		"1000 r--p 0 08:01 1 /bin/x\n",
		"2000-1000 r--p 0 08:01 1 /bin/x\n",
		"1000-2000 r--p\n",
	} {
		if _, err := parseMaps(strings.NewReader(in)); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func newTestMaps(t *testing.T, contents *string) *Maps {
	t.Helper()
	m := &Maps{
		pid:  42,
		read: func(pid int) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(*contents)), nil
		},
		log: logflags.ModulesLogger(),
	}
	if err := m.Refresh(); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMapsResolve(t *testing.T) {
	contents := sampleMaps
	m := newTestMaps(t, &contents)

	mod, ok := m.Resolve(0x55d0c2a03000)
	if !ok || mod.Path != "/usr/bin/cat" || mod.Base != 0x55d0c2a00000 {
		t.Fatalf("unexpected resolution %v %v", mod, ok)
	}
	if _, ok := m.Resolve(0x55d0c3e1e100); ok {
		t.Fatalf("heap address should not resolve")
	}
	if _, ok := m.Resolve(0x7f3a1c3d0000); ok {
		t.Fatalf("anonymous mapping should not resolve")
	}

	contents = sampleMaps + "7f3a1d000000-7f3a1d001000 r-xp 00000000 08:01 99 /usr/lib/libnew.so\n"
	if _, ok := m.Resolve(0x7f3a1d000010); ok {
		t.Fatalf("library resolved before refresh")
	}
	if err := m.Refresh(); err != nil {
		t.Fatal(err)
	}
	if mod, ok := m.Resolve(0x7f3a1d000010); !ok || mod.Path != "/usr/lib/libnew.so" {
		t.Fatalf("library not resolved after refresh: %v %v", mod, ok)
	}
	if n := len(m.Modules()); n != 4 {
		t.Fatalf("expected 4 modules, got %d", n)
	}
}

type countingResolver struct {
	Resolver
	calls int
}

func (c *countingResolver) Resolve(addr proto.Address) (Module, bool) {
	c.calls++
	return c.Resolver.Resolve(addr)
}

func TestCache(t *testing.T) {
	tbl, err := NewTable([]Module{
		{Path: "/bin/x", Base: 0x1000, Size: 0x800},
		{Path: "/bin/y", Base: 0x1800, Size: 0x800},
	})
	if err != nil {
		t.Fatal(err)
	}
	inner := &countingResolver{Resolver: tbl}
	c, err := NewCache(inner, 16)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if mod, ok := c.Resolve(0x1010); !ok || mod.Path != "/bin/x" {
			t.Fatalf("unexpected resolution %v", mod)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 inner call, got %d", inner.calls)
	}
	// same page, different module
	if mod, ok := c.Resolve(0x1810); !ok || mod.Path != "/bin/y" {
		t.Fatalf("unexpected resolution %v", mod)
	}
	if _, ok := c.Resolve(0x9000); ok {
		t.Fatalf("unexpected resolution")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 cached page, got %d", c.Len())
	}
	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Fatalf("refresh should purge the cache")
	}
	if len(c.Modules()) != 2 {
		t.Fatalf("expected modules of the wrapped table")
	}
}

func TestFindPidMissing(t *testing.T) {
	if _, err := FindPid("no-such-process-dlvsync"); err == nil {
		t.Fatalf("expected error")
	}
}
