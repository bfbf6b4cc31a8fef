//go:build !linux

package modules

import (
	"fmt"

	"github.com/go-delve/dlvsync/pkg/logflags"
)

// NewMaps returns a resolver for the memory map of process pid.
// Only linux exposes the memory map this way.
func NewMaps(pid int, log logflags.Logger) (*Maps, error) {
	return nil, fmt.Errorf("memory map of process %d: %w", pid, ErrUnsupported)
}
