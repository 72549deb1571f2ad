package docker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p-arndt/spielwart/internal/runtime"
)

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify("op", nil))
}

func TestClassifyTimeoutIsUnavailable(t *testing.T) {
	err := classify("container start", context.DeadlineExceeded)
	assert.ErrorIs(t, err, runtime.ErrUnavailable)
	assert.Contains(t, err.Error(), "container start")
}

func TestClassifyUnknownErrorIsUnavailable(t *testing.T) {
	// Connection refused, EOF and friends are all retryable.
	err := classify("ping", errors.New("dial unix /var/run/docker.sock: connect: connection refused"))
	assert.ErrorIs(t, err, runtime.ErrUnavailable)
}

func TestSwapTotal(t *testing.T) {
	// No memory limit: leave the engine default alone.
	assert.Equal(t, int64(0), swapTotal(runtime.Resources{SwapBytes: 1024}))

	// Negative swap means unlimited.
	assert.Equal(t, int64(-1), swapTotal(runtime.Resources{MemoryBytes: 1024, SwapBytes: -1}))

	// Docker wants memory+swap combined.
	assert.Equal(t, int64(3072), swapTotal(runtime.Resources{MemoryBytes: 1024, SwapBytes: 2048}))

	// Memory limit without swap limit: no swap allowance.
	assert.Equal(t, int64(1024), swapTotal(runtime.Resources{MemoryBytes: 1024}))
}

func TestCPUPercent(t *testing.T) {
	assert.InDelta(t, 50.0, cpuPercent(500, 1000, 1), 0.01)
	assert.InDelta(t, 200.0, cpuPercent(1000, 1000, 2), 0.01)
	assert.Zero(t, cpuPercent(100, 0, 4))
}
