// Package tracker turns the addresses reported by a debugger into module
// and location messages on a sync session.
package tracker

import (
	"context"
	"sync"

	"github.com/go-delve/dlvsync/pkg/logflags"
	"github.com/go-delve/dlvsync/pkg/modules"
	"github.com/go-delve/dlvsync/pkg/proto"
	"github.com/go-delve/dlvsync/pkg/tunnel"
)

// Config configures a Tracker.
type Config struct {
	// Resolver maps reported addresses to modules.
	Resolver modules.Resolver
	// NewTunnel returns a fresh, unconnected tunnel. It is called on the
	// first report and after every loss of the session.
	NewTunnel func() *tunnel.Tunnel
	// Log defaults to logflags.TrackerLogger().
	Log logflags.Logger
}

// Tracker follows the location of the debugged process and mirrors it to
// the analysis tool. Calls are serialized, a Tracker can be shared by
// several goroutines.
type Tracker struct {
	config Config
	log    logflags.Logger

	mu  sync.Mutex
	tun *tunnel.Tunnel
	// known is false until a location was sent on the current session,
	// and after reporting an address outside of every module.
	known  bool
	base   proto.Address
	offset proto.Address
}

// New returns a Tracker for config.
func New(config Config) *Tracker {
	log := config.Log
	if log == nil {
		log = logflags.TrackerLogger()
	}
	return &Tracker{config: config, log: log}
}

// Report mirrors addr to the analysis tool, connecting first if there is
// no live session. A module notice precedes the location whenever addr is
// in a different module than the last reported location.
//
// Report never fails: problems are logged and the tunnel state reflects
// connection failures.
func (tr *Tracker) Report(ctx context.Context, addr proto.Address) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if addr == proto.NoAddress {
		tr.log.Info("<unknown offset>")
		return
	}
	tun := tr.ensureTunnel(ctx)
	if tun == nil {
		return
	}

	mod, ok := tr.config.Resolver.Resolve(addr)
	if !ok {
		tr.log.Debugf("%s: not in any module", addr)
		tr.known = false
		tr.base, tr.offset = proto.NoAddress, proto.NoAddress
		return
	}
	tr.log.Debugf("mod found: %s [%s]", mod.Path, mod.Base)

	if !tr.known || mod.Base != tr.base {
		if tun.Send(proto.Module(mod.Path)) != nil {
			return
		}
	}
	if tun.Send(proto.Location(mod.Base, addr)) != nil {
		return
	}
	tr.known = true
	tr.base, tr.offset = mod.Base, addr
}

// ensureTunnel returns a live tunnel, replacing the current one if it went
// down. It returns nil if no session could be established.
func (tr *Tracker) ensureTunnel(ctx context.Context) *tunnel.Tunnel {
	if tr.tun != nil {
		if tr.tun.IsUp() {
			tr.log.Debug("(update)")
			return tr.tun
		}
		tr.log.Debugf("dropping tunnel in state %s", tr.tun.State())
		tr.tun = nil
	}

	tun := tr.config.NewTunnel()
	if err := tun.Connect(ctx); err != nil {
		tr.log.WithError(err).Error("sync failed")
		return nil
	}
	tr.tun = tun
	// the analysis tool has no module context on a new session
	tr.known = false
	tr.log.Infof("sync is now enabled with host %s", tun.Endpoint())
	return tun
}

// Tunnel returns the current tunnel, nil before the first report. The
// returned tunnel may be down.
func (tr *Tracker) Tunnel() *tunnel.Tunnel {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.tun
}

// Location returns the last location sent to the analysis tool.
func (tr *Tracker) Location() (base, offset proto.Address, ok bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.base, tr.offset, tr.known
}

// SetResolver replaces the resolver, for example when the debugger
// switches to another process. The next location is sent with a module
// notice.
func (tr *Tracker) SetResolver(r modules.Resolver) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.config.Resolver = r
	tr.known = false
}

// Resolver returns the resolver in use.
func (tr *Tracker) Resolver() modules.Resolver {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.config.Resolver
}

// Close ends the sync session, if any. A later Report starts a new one.
func (tr *Tracker) Close() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.tun == nil {
		return
	}
	tr.tun.Close()
	tr.tun = nil
	tr.known = false
	tr.log.Info("sync is now disabled")
}
