package tracker

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-delve/dlvsync/pkg/modules"
	"github.com/go-delve/dlvsync/pkg/peer"
	"github.com/go-delve/dlvsync/pkg/proto"
	"github.com/go-delve/dlvsync/pkg/tunnel"
)

type fixture struct {
	peer    *peer.Peer
	tracker *Tracker
	dialer  *flakyDialer
	tunnels int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := peer.Listen("127.0.0.1:0", peer.Config{})
	if err != nil {
		t.Fatal(err)
	}
	go p.Serve()
	t.Cleanup(func() { p.Close() })

	tbl, err := modules.NewTable([]modules.Module{
		{Path: "/bin/x", Base: 0x1000, Size: 0x1000},
		{Path: "/lib/liby.so", Base: 0x10000, Size: 0x1000},
	})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{peer: p, dialer: &flakyDialer{}}
	host, port := p.HostPort()
	f.tracker = New(Config{
		Resolver: tbl,
		NewTunnel: func() *tunnel.Tunnel {
			f.tunnels++
			return tunnel.New(tunnel.Config{
				Endpoint:       tunnel.Endpoint{Host: host, Port: port},
				ClientID:       "ext_test",
				Dialect:        "gdb",
				ConnectTimeout: time.Second,
				Dialer:         f.dialer,
			})
		},
	})
	t.Cleanup(f.tracker.Close)
	return f
}

// lines waits for n lines and fails if more arrive shortly after.
func (f *fixture) lines(t *testing.T, n int) []string {
	t.Helper()
	lines, ok := f.peer.WaitLines(n, 2*time.Second)
	if !ok {
		t.Fatalf("expected %d lines, got %d: %q", n, len(lines), lines)
	}
	time.Sleep(50 * time.Millisecond)
	lines = f.peer.Lines()
	if len(lines) != n {
		t.Fatalf("expected %d lines, got %d: %q", n, len(lines), lines)
	}
	return lines
}

func checkLines(t *testing.T, got []string, expected ...string) {
	t.Helper()
	if len(got) != len(expected) {
		t.Fatalf("expected %q, got %q", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("line %d: expected %q, got %q", i, expected[i], got[i])
		}
	}
}

func TestReportSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// connect, module notice, location
	f.tracker.Report(ctx, 0x1000)
	checkLines(t, f.lines(t, 3),
		proto.NewSession("ext_test", "gdb"),
		`[notice]{"type":"module","path":"/bin/x"}`+"\n",
		`[sync]{"type":"loc","base":4096,"offset":4096}`+"\n")

	// same module: location only
	f.tracker.Report(ctx, 0x1010)
	lines := f.lines(t, 4)
	checkLines(t, lines[3:], `[sync]{"type":"loc","base":4096,"offset":4112}`+"\n")

	base, offset, ok := f.tracker.Location()
	if !ok || base != 0x1000 || offset != 0x1010 {
		t.Fatalf("unexpected location %#x %#x %v", base, offset, ok)
	}

	// outside of every module: nothing sent, location forgotten
	f.tracker.Report(ctx, 0x9999)
	f.lines(t, 4)
	if _, _, ok := f.tracker.Location(); ok {
		t.Fatalf("location should be cleared")
	}
	if f.tunnels != 1 {
		t.Fatalf("expected a single tunnel, got %d", f.tunnels)
	}
}

func TestModuleNotices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, addr := range []proto.Address{0x1000, 0x1004, 0x10000, 0x1008, 0x1008} {
		f.tracker.Report(ctx, addr)
	}
	lines := f.lines(t, 1+3+5)
	var notices, locs int
	for _, line := range lines[1:] {
		m, err := proto.Parse(line)
		if err != nil {
			t.Fatal(err)
		}
		switch m.Type {
		case proto.TypeModule:
			notices++
		case proto.TypeLocation:
			locs++
		}
	}
	if notices != 3 || locs != 5 {
		t.Fatalf("expected 3 module notices and 5 locations, got %d and %d: %q", notices, locs, lines)
	}
}

func TestReportAfterUnresolvedResendsNotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tracker.Report(ctx, 0x1000)
	f.tracker.Report(ctx, 0x50000)
	f.tracker.Report(ctx, 0x1000)
	lines := f.lines(t, 5)
	checkLines(t, lines[3:],
		proto.Module("/bin/x"),
		proto.Location(0x1000, 0x1000))
}

func TestReportNoAddress(t *testing.T) {
	f := newFixture(t)
	f.tracker.Report(context.Background(), proto.NoAddress)
	if f.tunnels != 0 || f.tracker.Tunnel() != nil {
		t.Fatalf("no session should be started for an unknown address")
	}
}

func TestReportUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	tbl, _ := modules.NewTable([]modules.Module{{Path: "/bin/x", Base: 0x1000, Size: 0x1000}})
	attempts := 0
	tr := New(Config{
		Resolver: tbl,
		NewTunnel: func() *tunnel.Tunnel {
			attempts++
			return tunnel.New(tunnel.Config{Endpoint: tunnel.Endpoint{Host: "127.0.0.1", Port: port}, ConnectTimeout: time.Second})
		},
	})
	tr.Report(context.Background(), 0x1000)
	tr.Report(context.Background(), 0x1000)
	if attempts != 2 {
		t.Fatalf("expected a fresh connect attempt per report, got %d", attempts)
	}
	if tr.Tunnel() != nil {
		t.Fatalf("failed tunnel should not be kept")
	}
	if _, _, ok := tr.Location(); ok {
		t.Fatalf("no location should be recorded")
	}
}

func TestReconnectAfterWriteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tracker.Report(ctx, 0x1000)
	f.lines(t, 3)

	f.dialer.fail.Store(true)
	f.tracker.Report(ctx, 0x1010)
	first := f.tracker.Tunnel()
	if first.IsUp() {
		t.Fatalf("tunnel should be down after a write failure")
	}
	if base, _, _ := f.tracker.Location(); base != 0x1000 {
		t.Fatalf("location should not change on a failed send")
	}
	if _, offset, _ := f.tracker.Location(); offset != 0x1000 {
		t.Fatalf("offset should not change on a failed send, got %#x", offset)
	}

	f.dialer.fail.Store(false)
	f.tracker.Report(ctx, 0x1010)
	if f.tunnels != 2 || f.tracker.Tunnel() == first {
		t.Fatalf("expected a fresh tunnel, got %d tunnels", f.tunnels)
	}
	lines := f.lines(t, 6)
	checkLines(t, lines[3:],
		proto.NewSession("ext_test", "gdb"),
		proto.Module("/bin/x"),
		proto.Location(0x1000, 0x1010))
	if f.peer.Sessions() != 2 {
		t.Fatalf("expected 2 sessions, got %d", f.peer.Sessions())
	}
}

func TestReconnectAfterHangup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tracker.Report(ctx, 0x1000)
	f.lines(t, 3)

	f.peer.Hangup()
	tun := f.tracker.Tunnel()
	deadline := time.Now().Add(2 * time.Second)
	for tun.IsUp() {
		if time.Now().After(deadline) {
			t.Fatalf("tunnel still up after hangup")
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.tracker.Report(ctx, 0x1000)
	lines := f.lines(t, 6)
	if !strings.Contains(lines[3], `"new_dbg"`) || lines[4] != proto.Module("/bin/x") {
		t.Fatalf("expected handshake and module notice on the new session, got %q", lines[3:])
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	f.tracker.Report(context.Background(), 0x1000)
	f.tracker.Close()
	f.tracker.Close()
	lines := f.lines(t, 4)
	if lines[3] != proto.Quit() {
		t.Fatalf("expected quit notice, got %q", lines[3])
	}
	if f.tracker.Tunnel() != nil {
		t.Fatalf("tunnel should be released")
	}
}

type flakyConn struct {
	net.Conn
	fail *atomic.Bool
}

func (c flakyConn) Write(b []byte) (int, error) {
	if c.fail.Load() {
		return 0, errors.New("broken pipe")
	}
	return c.Conn.Write(b)
}

type flakyDialer struct {
	fail atomic.Bool
}

func (d *flakyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return flakyConn{Conn: conn, fail: &d.fail}, nil
}
