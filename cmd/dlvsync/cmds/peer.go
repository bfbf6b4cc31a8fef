package cmds

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-delve/dlvsync/pkg/peer"
	"github.com/go-delve/dlvsync/pkg/proto"
)

// peerConfig prints every received line to w, prefixed with its session,
// and answers remote queries with the queried address.
func peerConfig(w io.Writer) peer.Config {
	var mu sync.Mutex
	return peer.Config{
		OnLine: func(session int, line string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(w, "%d> %s\n", session, strings.TrimRight(line, "\r\n"))
		},
		Answer: func(raddr proto.Address) string {
			return raddr.String()
		},
	}
}
