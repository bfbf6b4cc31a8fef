// Package rln implements remote queries: asking the analysis tool for the
// symbolic name of an address and waiting a bounded time for the answer.
//
// The sync protocol does not tag answers with the query they belong to, an
// answer is simply the next line received after the query. Callers must not
// send anything else on the session while a query is in flight.
package rln

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/dlvsync/pkg/logflags"
	"github.com/go-delve/dlvsync/pkg/proto"
	"github.com/go-delve/dlvsync/pkg/tracker"
)

// Unknown is the answer of Invoke when the query could not be answered.
const Unknown = "-"

var (
	ErrNoAddress = errors.New("no address to query")
	ErrPending   = errors.New("a query is already pending")
	ErrDown      = errors.New("sync session is down")
	ErrTimeout   = errors.New("query timed out")
)

type pendingQuery struct {
	id       uint64
	raddr    proto.Address
	deadline time.Time
}

// Query sends rln queries through the session of a Tracker.
type Query struct {
	tracker *tracker.Tracker
	log     logflags.Logger

	mu      sync.Mutex
	nextID  uint64
	pending *pendingQuery
}

// New returns a Query using the session of tr. A nil log selects
// logflags.RlnLogger().
func New(tr *tracker.Tracker, log logflags.Logger) *Query {
	if log == nil {
		log = logflags.RlnLogger()
	}
	return &Query{tracker: tr, log: log}
}

// Invoke reports raddr, queries its symbolic name and returns the answer,
// or Unknown if there is none within timeout.
func (q *Query) Invoke(raddr proto.Address, timeout time.Duration) string {
	answer, err := q.Ask(context.Background(), raddr, timeout)
	if err != nil {
		q.log.WithError(err).Debugf("rln %s", raddr)
		return Unknown
	}
	return answer
}

// Ask is like Invoke but reports why there is no answer. It returns
// ErrPending if another query is in flight.
func (q *Query) Ask(ctx context.Context, raddr proto.Address, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	q.mu.Lock()
	if q.pending != nil {
		id := q.pending.id
		q.mu.Unlock()
		return "", fmt.Errorf("%w (query %d)", ErrPending, id)
	}
	q.nextID++
	p := &pendingQuery{id: q.nextID, raddr: raddr, deadline: deadline}
	q.pending = p
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.pending = nil
		q.mu.Unlock()
	}()

	q.tracker.Report(ctx, raddr)
	if raddr == proto.NoAddress {
		return "", ErrNoAddress
	}
	tun := q.tracker.Tunnel()
	if tun == nil || !tun.IsUp() {
		return "", ErrDown
	}
	if n := tun.Drain(); n > 0 {
		q.log.Warnf("query %d: discarded %d unsolicited lines", p.id, n)
	}
	if err := tun.Send(proto.Rln(raddr)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDown, err)
	}

	for {
		line, ok := tun.PollContext(ctx)
		if ok {
			if answer := strings.TrimSpace(line); answer != "" {
				q.log.Debugf("query %d: %s is %s", p.id, raddr, answer)
				return answer, nil
			}
			continue
		}
		switch {
		case !tun.IsUp():
			return "", ErrDown
		case errors.Is(ctx.Err(), context.Canceled):
			return "", ctx.Err()
		default:
			return "", ErrTimeout
		}
	}
}

// Pending returns true while a query is in flight.
func (q *Query) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending != nil
}
