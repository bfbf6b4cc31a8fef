// Package tunnel implements the sync session between the debugger and the
// analysis tool: a single TCP connection carrying newline terminated
// protocol lines.
//
// A Tunnel is used for exactly one session. Once it goes down, because of a
// connect, read or write failure or because it was closed, it stays down and
// a fresh Tunnel has to be created to sync again.
//
// No method of Tunnel panics or blocks indefinitely: failures are turned
// into a transition to Disconnected and a log entry. Errors are also
// returned for callers that care about them.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/dlvsync/pkg/logflags"
	"github.com/go-delve/dlvsync/pkg/proto"
)

const (
	defaultWriteTimeout = 2 * time.Second
	// inboundBacklog is the number of unread lines buffered before the
	// reader starts dropping them.
	inboundBacklog = 64
)

var (
	// ErrNotUp is returned by Send when no session is established.
	ErrNotUp = errors.New("tunnel is unavailable")
	// ErrNotIdle is returned by Connect on a tunnel that was already used.
	ErrNotIdle = errors.New("tunnel already used")
)

// State is the state of the sync session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Endpoint is the address of the analysis tool.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Dialer opens the transport, net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config configures a Tunnel.
type Config struct {
	Endpoint Endpoint
	// ClientID and Dialect are sent in the session handshake.
	ClientID string
	Dialect  string
	// ConnectTimeout bounds Connect, zero means only the context does.
	ConnectTimeout time.Duration
	// WriteTimeout bounds every Send, defaults to 2s.
	WriteTimeout time.Duration
	// Dialer defaults to a zero net.Dialer.
	Dialer Dialer
	// Log defaults to logflags.TunnelLogger().
	Log logflags.Logger
}

// Tunnel is a sync session.
type Tunnel struct {
	config Config
	log    logflags.Logger

	mu     sync.Mutex
	state  State
	dialed bool
	conn   net.Conn
	// lines receives inbound lines from the reader goroutine.
	lines chan string
	// down is closed when the session leaves the Connected state.
	down chan struct{}

	// sendingMu serializes writes so that lines are never interleaved.
	sendingMu sync.Mutex
}

// New returns a disconnected Tunnel for config.
func New(config Config) *Tunnel {
	if config.Dialer == nil {
		config.Dialer = &net.Dialer{}
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	log := config.Log
	if log == nil {
		log = logflags.TunnelLogger()
	}
	return &Tunnel{
		config: config,
		log:    log.WithField("host", config.Endpoint.String()),
	}
}

// Endpoint returns the address the tunnel connects to.
func (t *Tunnel) Endpoint() Endpoint {
	return t.config.Endpoint
}

// State returns the current state of the session.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsUp returns true if the session is established.
func (t *Tunnel) IsUp() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Connected && t.conn != nil
}

// Connect opens the session and sends the handshake notice.
// On failure the tunnel is left Disconnected.
func (t *Tunnel) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Disconnected || t.dialed {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrNotIdle, state)
	}
	t.dialed = true
	t.state = Connecting
	t.mu.Unlock()

	if t.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ConnectTimeout)
		defer cancel()
	}
	conn, err := t.config.Dialer.DialContext(ctx, "tcp", t.config.Endpoint.String())
	if err != nil {
		t.mu.Lock()
		t.state = Disconnected
		t.mu.Unlock()
		t.log.WithError(err).Error("tunnel initialization error")
		return fmt.Errorf("sync connect %s: %w", t.config.Endpoint, err)
	}

	lines := make(chan string, inboundBacklog)
	down := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.lines = lines
	t.down = down
	t.state = Connected
	t.mu.Unlock()
	t.log.Debug("connected")

	go t.readLoop(conn, lines)

	return t.Send(proto.NewSession(t.config.ClientID, t.config.Dialect))
}

// readLoop is the only reader of conn. It hands complete lines to Poll and
// takes the session down when the connection fails.
func (t *Tunnel) readLoop(conn net.Conn, lines chan<- string) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			select {
			case lines <- line:
			default:
				t.log.Warnf("inbound backlog full, dropping %q", strings.TrimRight(line, "\n"))
			}
		}
		if err != nil {
			if err == io.EOF {
				err = errors.New("connection closed by peer")
			}
			t.fail(conn, "poll", err)
			return
		}
	}
}

// fail takes the session down after an I/O error on conn. It does nothing
// if conn is no longer the live connection, which is the case when the
// error was caused by Close.
func (t *Tunnel) fail(conn net.Conn, op string, err error) {
	t.mu.Lock()
	if t.conn != conn || t.state != Connected {
		t.mu.Unlock()
		return
	}
	t.state = Disconnected
	t.conn = nil
	close(t.down)
	t.mu.Unlock()

	conn.Close()
	t.log.WithError(err).Errorf("tunnel %s error", op)
}

// liveConn returns the connection if the session is up.
func (t *Tunnel) liveConn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Connected {
		return nil
	}
	return t.conn
}

// Send writes line, which must be newline terminated, to the analysis
// tool. Sending on a tunnel that is not up does nothing.
func (t *Tunnel) Send(line string) error {
	t.sendingMu.Lock()
	defer t.sendingMu.Unlock()
	return t.send(line)
}

func (t *Tunnel) send(line string) error {
	conn := t.liveConn()
	if conn == nil {
		t.log.Warn("tunnel_send: tunnel is unavailable (did you forget to sync ?)")
		return ErrNotUp
	}
	if err := conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout)); err != nil {
		t.fail(conn, "send", err)
		return fmt.Errorf("sync send: %w", err)
	}
	// one Write per line: a line is never split between writes.
	if _, err := io.WriteString(conn, line); err != nil {
		t.fail(conn, "send", err)
		return fmt.Errorf("sync send: %w", err)
	}
	t.log.Debugf("-> %s", strings.TrimRight(line, "\n"))
	return nil
}

// Poll waits up to timeout for a line from the analysis tool. It returns
// false if the tunnel is down, goes down while waiting or nothing arrives in
// time; a timeout leaves the session untouched, use IsUp to tell the cases
// apart.
func (t *Tunnel) Poll(timeout time.Duration) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.PollContext(ctx)
}

// PollContext is like Poll but waits until ctx is done.
//
// Lines read before the session went down are still returned: an answer
// followed by a hangup is not lost.
func (t *Tunnel) PollContext(ctx context.Context) (string, bool) {
	t.mu.Lock()
	lines, down, state := t.lines, t.down, t.state
	t.mu.Unlock()

	if line, ok := t.buffered(lines); ok || state != Connected {
		return line, ok
	}
	select {
	case line := <-lines:
		t.log.Debugf("<- %s", strings.TrimRight(line, "\n"))
		return line, true
	case <-down:
		// readLoop queues its last line before taking the session down
		return t.buffered(lines)
	case <-ctx.Done():
		return "", false
	}
}

// buffered returns a line already read from the connection, if any.
func (t *Tunnel) buffered(lines <-chan string) (string, bool) {
	select {
	case line := <-lines:
		t.log.Debugf("<- %s", strings.TrimRight(line, "\n"))
		return line, true
	default:
		return "", false
	}
}

// Drain discards the inbound lines nobody polled for and returns how many
// were dropped.
func (t *Tunnel) Drain() int {
	t.mu.Lock()
	lines := t.lines
	t.mu.Unlock()
	n := 0
	for {
		select {
		case line := <-lines:
			t.log.Debugf("discarding stale line %q", strings.TrimRight(line, "\n"))
			n++
		default:
			return n
		}
	}
}

// Close sends the quit notice and closes the session. Closing a tunnel
// that is not up does nothing.
func (t *Tunnel) Close() {
	t.sendingMu.Lock()
	defer t.sendingMu.Unlock()

	if !t.IsUp() {
		return
	}
	if err := t.send(proto.Quit()); err != nil {
		// the failed write already took the session down
		return
	}

	t.mu.Lock()
	if t.state != Connected {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.state = Closing
	t.conn = nil
	close(t.down)
	t.mu.Unlock()

	if err := conn.Close(); err != nil {
		t.log.WithError(err).Error("tunnel_close error")
	}

	t.mu.Lock()
	t.state = Disconnected
	t.mu.Unlock()
	t.log.Debug("closed")
}
