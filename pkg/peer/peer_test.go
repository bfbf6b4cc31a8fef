package peer

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/go-delve/dlvsync/pkg/proto"
)

func dial(t *testing.T, p *Peer) net.Conn {
	t.Helper()
	host, port := p.HostPort()
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestRecordAndAnswer(t *testing.T) {
	var seen []int
	p, err := Listen("127.0.0.1:0", Config{
		Answer: func(raddr proto.Address) string {
			if raddr == 0x2000 {
				return ""
			}
			return "x!" + raddr.String()
		},
		OnLine: func(session int, line string) { seen = append(seen, session) },
	})
	if err != nil {
		t.Fatal(err)
	}
	go p.Serve()
	defer p.Close()

	conn := dial(t, p)
	defer conn.Close()
	io.WriteString(conn, proto.NewSession("ext_test", "gdb"))
	io.WriteString(conn, proto.Rln(0x2000))
	io.WriteString(conn, proto.Rln(0x1010))

	answer, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if answer != "x!0x1010\n" {
		t.Fatalf("unexpected answer %q", answer)
	}
	lines, ok := p.WaitLines(3, time.Second)
	if !ok || lines[0] != proto.NewSession("ext_test", "gdb") || lines[2] != proto.Rln(0x1010) {
		t.Fatalf("unexpected lines %q", lines)
	}
	if len(seen) != 3 || seen[0] != 1 {
		t.Fatalf("OnLine not called per line: %v", seen)
	}
}

func TestWaitLinesTimeout(t *testing.T) {
	p, err := Listen("127.0.0.1:0", Config{})
	if err != nil {
		t.Fatal(err)
	}
	go p.Serve()
	defer p.Close()

	start := time.Now()
	if lines, ok := p.WaitLines(1, 50*time.Millisecond); ok || len(lines) != 0 {
		t.Fatalf("expected timeout, got %q", lines)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("WaitLines returned early")
	}
}

func TestHangup(t *testing.T) {
	p, err := Listen("127.0.0.1:0", Config{})
	if err != nil {
		t.Fatal(err)
	}
	go p.Serve()
	defer p.Close()

	conn := dial(t, p)
	defer conn.Close()
	io.WriteString(conn, proto.Quit())
	if _, ok := p.WaitLines(1, time.Second); !ok {
		t.Fatalf("line not received")
	}
	p.Hangup()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF after hangup, got %v", err)
	}

	second := dial(t, p)
	defer second.Close()
	io.WriteString(second, proto.Quit())
	if _, ok := p.WaitLines(2, time.Second); !ok || p.Sessions() != 2 {
		t.Fatalf("peer should keep accepting after hangup, %d sessions", p.Sessions())
	}
}
