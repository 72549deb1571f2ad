// Package limits translates a server's declared resource envelope into
// runtime constraints and disk quotas. Translation is pure; only the quota
// backends touch the system.
package limits

import (
	"fmt"

	"github.com/p-arndt/spielwart/internal/config"
	"github.com/p-arndt/spielwart/internal/runtime"
)

// Translate converts declared limits into the opaque resource shape handed
// to the runtime driver. Zero values mean "no limit".
func Translate(l config.ServerLimits) (runtime.Resources, error) {
	mem, err := l.MemoryBytes()
	if err != nil {
		return runtime.Resources{}, fmt.Errorf("parse memory limit %q: %w", l.Memory, err)
	}
	swap, err := l.SwapBytes()
	if err != nil {
		return runtime.Resources{}, fmt.Errorf("parse swap limit %q: %w", l.Swap, err)
	}

	return runtime.Resources{
		MemoryBytes:    mem,
		SwapBytes:      swap,
		NanoCPUs:       int64(l.CPUs * 1e9),
		PidsLimit:      l.Pids,
		BlkioWeight:    l.IOWeight,
		OOMKillDisable: l.OOMDisabled,
	}, nil
}
