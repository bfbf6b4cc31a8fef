package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeAppliesDefaults(t *testing.T) {
	c, err := decode(strings.NewReader("host: 10.0.0.2\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Host != "10.0.0.2" {
		t.Fatalf("expected host 10.0.0.2, got %q", c.Host)
	}
	if c.Port != DefaultPort || c.ClientID != DefaultClientID || c.Dialect != DefaultDialect {
		t.Fatalf("defaults not applied: %#v", c)
	}
	if c.QueryTimeout != DefaultQueryTimeout || c.ConnectTimeout != DefaultConnectTimeout {
		t.Fatalf("default timeouts not applied: %v %v", c.QueryTimeout, c.ConnectTimeout)
	}
}

func TestDecodeKeepsConnectBounded(t *testing.T) {
	for _, in := range []string{"connect-timeout: 0s\n", "connect-timeout: -1s\n"} {
		c, err := decode(strings.NewReader(in))
		if err != nil {
			t.Fatal(err)
		}
		if c.ConnectTimeout != DefaultConnectTimeout {
			t.Fatalf("%q: expected %v, got %v", in, DefaultConnectTimeout, c.ConnectTimeout)
		}
	}
}

func TestDecodeModulesAndDurations(t *testing.T) {
	in := `port: 9234
query-timeout: 250ms
modules:
  - {path: /bin/x, base: 0x1000, size: 0x100}
  - {path: /lib/libc.so.6, base: 0x7f0000000000, size: 0x1000}
aliases:
  report: ["r"]
`
	c, err := decode(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != 9234 {
		t.Fatalf("expected port 9234, got %d", c.Port)
	}
	if c.QueryTimeout != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", c.QueryTimeout)
	}
	if len(c.Modules) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(c.Modules))
	}
	if m := c.Modules[0]; m.Path != "/bin/x" || m.Base != 0x1000 || m.Size != 0x100 {
		t.Fatalf("unexpected module %#v", m)
	}
	if c.Modules[1].Base != 0x7f0000000000 {
		t.Fatalf("unexpected base %#x", c.Modules[1].Base)
	}
	if got := c.Aliases["report"]; len(got) != 1 || got[0] != "r" {
		t.Fatalf("unexpected aliases %v", c.Aliases)
	}
}

func TestDefaultConfigDecodes(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := decode(&buf)
	if err != nil {
		t.Fatalf("default config does not decode: %v", err)
	}
	if c.Host != DefaultHost || len(c.Modules) != 0 {
		t.Fatalf("unexpected config %#v", c)
	}
}

func TestLoadConfigCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	c := LoadConfig(path)
	if c.Port != DefaultPort {
		t.Fatalf("expected default port, got %d", c.Port)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config file to be written: %v", err)
	}
}
