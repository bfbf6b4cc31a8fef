// Package peer implements a minimal stand-in for the analysis tool side of
// a sync session. It accepts sync sessions, records every line it receives
// and answers remote queries through a callback.
package peer

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-delve/dlvsync/pkg/logflags"
	"github.com/go-delve/dlvsync/pkg/proto"
)

// Config configures a Peer.
type Config struct {
	// Answer returns the reply to a rln query. An empty reply leaves the
	// query unanswered.
	Answer func(raddr proto.Address) string
	// OnLine is called for every received line, before it is recorded.
	OnLine func(session int, line string)
	// Log is used for structured logging, defaults to logflags.PeerLogger().
	Log logflags.Logger
}

// Peer is a listening analysis tool.
type Peer struct {
	config   Config
	listener net.Listener
	log      logflags.Logger

	mu       sync.Mutex
	lines    []string
	conns    []net.Conn
	changed  chan struct{}
	sessions int

	wg sync.WaitGroup
}

// Listen starts listening on addr. Serve must be called to accept sessions.
func Listen(addr string, config Config) (*Peer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	log := config.Log
	if log == nil {
		log = logflags.PeerLogger()
	}
	return &Peer{config: config, listener: l, log: log, changed: make(chan struct{})}, nil
}

// Addr returns the listening address.
func (p *Peer) Addr() net.Addr {
	return p.listener.Addr()
}

// HostPort returns the host and port the peer listens on.
func (p *Peer) HostPort() (string, int) {
	host, port, _ := net.SplitHostPort(p.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return host, n
}

// Serve accepts sessions until the peer is closed.
func (p *Peer) Serve() error {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		p.mu.Lock()
		p.sessions++
		session := p.sessions
		p.conns = append(p.conns, conn)
		p.mu.Unlock()
		p.log.Debugf("session %d from %s", session, conn.RemoteAddr())

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.serveConn(session, conn)
		}()
	}
}

func (p *Peer) serveConn(session int, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			p.record(session, line)
			p.answer(conn, line)
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				p.log.WithError(err).Warnf("session %d read error", session)
			}
			p.log.Debugf("session %d closed", session)
			return
		}
	}
}

func (p *Peer) record(session int, line string) {
	if p.config.OnLine != nil {
		p.config.OnLine(session, line)
	}
	p.mu.Lock()
	p.lines = append(p.lines, line)
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

func (p *Peer) answer(conn net.Conn, line string) {
	if p.config.Answer == nil {
		return
	}
	m, err := proto.Parse(line)
	if err != nil {
		p.log.WithError(err).Warn("unparsable line")
		return
	}
	if m.Type != proto.TypeRln {
		return
	}
	reply := p.config.Answer(m.Raddr)
	if reply == "" {
		return
	}
	if _, err := io.WriteString(conn, reply+"\n"); err != nil {
		p.log.WithError(err).Warn("could not answer rln")
	}
}

// Lines returns a copy of every line received so far, in arrival order.
func (p *Peer) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

// Sessions returns the number of sessions accepted so far.
func (p *Peer) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions
}

// WaitLines waits until at least n lines have been received or timeout
// expires, and returns the lines received so far.
func (p *Peer) WaitLines(n int, timeout time.Duration) ([]string, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		p.mu.Lock()
		if len(p.lines) >= n {
			lines := append([]string(nil), p.lines...)
			p.mu.Unlock()
			return lines, true
		}
		changed := p.changed
		p.mu.Unlock()
		select {
		case <-changed:
		case <-deadline.C:
			return p.Lines(), false
		}
	}
}

// Hangup closes every accepted session while continuing to listen.
func (p *Peer) Hangup() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// Close stops listening, hangs up every session and waits for the session
// goroutines to exit.
func (p *Peer) Close() error {
	err := p.listener.Close()
	p.Hangup()
	p.wg.Wait()
	return err
}
