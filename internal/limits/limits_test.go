package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/spielwart/internal/config"
)

func TestTranslate(t *testing.T) {
	res, err := Translate(config.ServerLimits{
		Memory:      "2g",
		Swap:        "512m",
		CPUs:        1.5,
		Pids:        256,
		IOWeight:    500,
		OOMDisabled: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2*1024*1024*1024), res.MemoryBytes)
	assert.Equal(t, int64(512*1024*1024), res.SwapBytes)
	assert.Equal(t, int64(1_500_000_000), res.NanoCPUs)
	assert.Equal(t, int64(256), res.PidsLimit)
	assert.Equal(t, uint16(500), res.BlkioWeight)
	assert.True(t, res.OOMKillDisable)
}

func TestTranslateZeroMeansUnlimited(t *testing.T) {
	res, err := Translate(config.ServerLimits{})
	require.NoError(t, err)
	assert.Zero(t, res.MemoryBytes)
	assert.Zero(t, res.SwapBytes)
	assert.Zero(t, res.NanoCPUs)
	assert.Zero(t, res.PidsLimit)
}

func TestTranslateInvalidMemory(t *testing.T) {
	_, err := Translate(config.ServerLimits{Memory: "a-lot"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
}

func TestTranslateInvalidSwap(t *testing.T) {
	_, err := Translate(config.ServerLimits{Swap: "??"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "swap")
}
