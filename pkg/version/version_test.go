package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	if s := v.String(); s != "Version: 1.2.3-rc1\nBuild: abcdef" {
		t.Fatalf("unexpected version string %q", s)
	}
	if s := DlvsyncVersion.String(); !strings.HasPrefix(s, "Version: 0.3.0\nBuild: ") {
		t.Fatalf("unexpected version string %q", s)
	}
}

func TestBuildInfo(t *testing.T) {
	if s := BuildInfo(); !strings.HasPrefix(s, runtime.Version()+"\n") {
		t.Fatalf("build info does not start with the Go version: %q", s)
	}

	info := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/go-delve/dlvsync", Version: "(devel)"},
		Deps: []*debug.Module{
			{Path: "github.com/sirupsen/logrus", Version: "v1.9.3", Sum: "h1:a"},
			{Path: "github.com/google/go-dap", Version: "v0.9.1", Sum: "h1:b", Replace: &debug.Module{Path: "../go-dap", Version: ""}},
		},
	}
	expected := " mod\tgithub.com/go-delve/dlvsync\t(devel)\t\n" +
		" dep\tgithub.com/sirupsen/logrus\tv1.9.3\th1:a\n" +
		" dep\tgithub.com/google/go-dap\tv0.9.1\th1:b\t=> ../go-dap\t\t\n"
	if s := formatModules(info); s != expected {
		t.Fatalf("expected %q, got %q", expected, s)
	}
}
