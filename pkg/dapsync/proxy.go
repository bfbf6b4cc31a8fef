// Package dapsync keeps a sync session in step with a debugger driven over
// the Debug Adapter Protocol. It sits between an editor and a debug adapter,
// forwards every frame unchanged and reports the location of the top stack
// frame whenever the editor fetches a stack trace.
package dapsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"

	"github.com/go-delve/dlvsync/pkg/logflags"
	"github.com/go-delve/dlvsync/pkg/modules"
	"github.com/go-delve/dlvsync/pkg/proto"
	"github.com/go-delve/dlvsync/pkg/tracker"
)

// updateBacklog is the number of tracker updates queued behind a slow one
// before new ones are dropped.
const updateBacklog = 16

// Config configures a Proxy.
type Config struct {
	// Tracker receives the locations seen in stack traces.
	Tracker *tracker.Tracker
	// NewResolver returns the resolver for a process announced by the
	// adapter. If nil the tracker keeps its resolver.
	NewResolver func(pid int) (modules.Resolver, error)
	// Log defaults to logflags.DAPLogger().
	Log logflags.Logger
}

// Proxy forwards one editor session to a debug adapter.
type Proxy struct {
	config  Config
	log     logflags.Logger
	editor  io.ReadWriteCloser
	adapter io.ReadWriteCloser

	mu sync.Mutex
	// topFrames holds the seq of pending stackTrace requests that start at
	// the innermost frame.
	topFrames map[int]bool

	// updates carries the tracker calls out of the forwarding path, a
	// connect to the analysis tool must not hold back adapter messages.
	updates chan func(context.Context)

	closeOnce sync.Once
}

// NewProxy returns a Proxy between editor and adapter.
func NewProxy(editor, adapter io.ReadWriteCloser, config Config) *Proxy {
	log := config.Log
	if log == nil {
		log = logflags.DAPLogger()
	}
	return &Proxy{
		config:    config,
		log:       log,
		editor:    editor,
		adapter:   adapter,
		topFrames: make(map[int]bool),
		updates:   make(chan func(context.Context), updateBacklog),
	}
}

// Run forwards messages until either side disconnects or ctx is done. Both
// connections are closed when Run returns. Run is called at most once.
func (p *Proxy) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updated := make(chan struct{})
	go func() {
		defer close(updated)
		for update := range p.updates {
			update(ctx)
		}
	}()

	errc := make(chan error, 2)
	go func() {
		errc <- p.forward(p.editor, p.adapter, p.fromEditor, nil)
	}()
	go func() {
		errc <- p.forward(p.adapter, p.editor, nil, p.fromAdapter)
	}()

	var err error
	running := 2
	select {
	case err = <-errc:
		running--
	case <-ctx.Done():
	}
	p.Close()
	for ; running > 0; running-- {
		<-errc
	}
	cancel()
	close(p.updates)
	<-updated
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close closes both connections.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() {
		p.editor.Close()
		p.adapter.Close()
	})
}

// forward copies frames from src to dst. Each decoded message is handed to
// before, ahead of writing it, and to after once it was forwarded; either
// may be nil.
func (p *Proxy) forward(src io.Reader, dst io.Writer, before, after func(dap.Message)) error {
	r := bufio.NewReader(src)
	w := bufio.NewWriter(dst)
	for {
		content, err := dap.ReadBaseMessage(r)
		if err != nil {
			return err
		}
		msg, err := dap.DecodeProtocolMessage(content)
		if err != nil {
			// requests and events the library does not know still pass
			p.log.Debugf("not decoded: %v", err)
			msg = nil
		}
		if msg != nil && before != nil {
			before(msg)
		}
		if err := dap.WriteBaseMessage(w, content); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if msg != nil && after != nil {
			after(msg)
		}
	}
}

// update queues fn for the tracker goroutine. Updates are dropped while the
// queue is full rather than stalling the adapter.
func (p *Proxy) update(what string, fn func(context.Context)) {
	select {
	case p.updates <- fn:
	default:
		p.log.Warnf("tracker busy, dropping %s", what)
	}
}

// fromEditor runs before the request reaches the adapter, so the seq is known
// by the time the response comes back.
func (p *Proxy) fromEditor(msg dap.Message) {
	req, ok := msg.(*dap.StackTraceRequest)
	if !ok || req.Arguments.StartFrame != 0 {
		return
	}
	p.mu.Lock()
	p.topFrames[req.Seq] = true
	p.mu.Unlock()
}

func (p *Proxy) fromAdapter(msg dap.Message) {
	switch msg := msg.(type) {
	case *dap.StackTraceResponse:
		p.mu.Lock()
		top := p.topFrames[msg.RequestSeq]
		delete(p.topFrames, msg.RequestSeq)
		p.mu.Unlock()
		if !top || !msg.Success {
			return
		}
		frames := msg.Body.StackFrames
		p.update("location", func(ctx context.Context) { p.reportTopFrame(ctx, frames) })
	case *dap.ProcessEvent:
		pid := msg.Body.SystemProcessId
		p.update("process switch", func(context.Context) { p.switchProcess(pid) })
	case *dap.TerminatedEvent:
		p.log.Info("debuggee terminated")
		p.update("session close", func(context.Context) { p.config.Tracker.Close() })
	}
}

func (p *Proxy) reportTopFrame(ctx context.Context, frames []dap.StackFrame) {
	if len(frames) == 0 {
		return
	}
	ref := frames[0].InstructionPointerReference
	if ref == "" {
		p.config.Tracker.Report(ctx, proto.NoAddress)
		return
	}
	addr, err := proto.ParseAddress(ref)
	if err != nil {
		p.log.WithError(err).Warnf("frame %q", frames[0].Name)
		return
	}
	p.config.Tracker.Report(ctx, addr)
}

func (p *Proxy) switchProcess(pid int) {
	if pid == 0 || p.config.NewResolver == nil {
		return
	}
	r, err := p.config.NewResolver(pid)
	if err != nil {
		p.log.WithError(err).Warnf("no module map for process %d", pid)
		return
	}
	p.log.Infof("following process %d", pid)
	p.config.Tracker.SetResolver(r)
}

// Server accepts editor connections and proxies each to a fresh connection
// to the debug adapter. Sessions are served one at a time since they share
// the tracker.
type Server struct {
	listener net.Listener
	adapter  string
	config   Config
	log      logflags.Logger
}

// NewServer returns a Server accepting editors on l and proxying them to
// the adapter listening at adapterAddr.
func NewServer(l net.Listener, adapterAddr string, config Config) *Server {
	log := config.Log
	if log == nil {
		log = logflags.DAPLogger()
	}
	return &Server{listener: l, adapter: adapterAddr, config: config, log: log}
}

// Addr returns the address editors connect to.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts editors until ctx is done or the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	var d net.Dialer
	for {
		editor, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.log.Debugf("editor connected from %s", editor.RemoteAddr())
		adapter, err := d.DialContext(ctx, "tcp", s.adapter)
		if err != nil {
			editor.Close()
			s.log.WithError(err).Errorf("could not reach the debug adapter at %s", s.adapter)
			continue
		}
		if err := NewProxy(editor, adapter, s.config).Run(ctx); err != nil {
			s.log.WithError(err).Warn("session ended")
		}
		s.log.Debug("editor disconnected")
	}
}

func (s *Server) String() string {
	return fmt.Sprintf("%s -> %s", s.listener.Addr(), s.adapter)
}
