// Package runtime defines the boundary between the server lifecycle core and
// the container engine. Implementations live in their own packages
// (internal/docker); the lifecycle core depends only on Driver.
package runtime

import (
	"context"
	"io"
	"time"
)

// Mount maps a host path into the container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// Spec describes a container to create. Resources is passed through opaquely
// from the limits translator; the driver does not interpret it beyond handing
// it to the engine.
type Spec struct {
	Name      string
	Image     string
	Cmd       []string
	Env       []string
	Mounts    []Mount
	Labels    map[string]string
	Resources Resources
}

// Resources is the runtime-facing shape of a server's resource envelope.
type Resources struct {
	MemoryBytes    int64
	SwapBytes      int64
	NanoCPUs       int64
	PidsLimit      int64
	BlkioWeight    uint16
	OOMKillDisable bool
}

// Signal kinds understood by Driver.Signal.
type Signal int

const (
	SignalTerminate Signal = iota // graceful stop (SIGTERM)
	SignalKill                    // immediate (SIGKILL)
)

// State is the engine's view of a container.
type State struct {
	Running    bool
	ExitCode   int
	OOMKilled  bool
	FinishedAt time.Time
}

// ExitResult is delivered by Wait when a container stops.
type ExitResult struct {
	ExitCode  int
	OOMKilled bool
	Err       error
}

// Conn is an attached console: stdin sink plus a demultiplexed
// stdout/stderr source.
type Conn struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

func (c *Conn) Close() error {
	if c.Stdin != nil {
		c.Stdin.Close()
	}
	if c.Stdout != nil {
		c.Stdout.Close()
	}
	if c.Stderr != nil {
		c.Stderr.Close()
	}
	return nil
}

// Usage is a point-in-time resource sample for a running container.
type Usage struct {
	MemoryBytes uint64    `json:"memory_bytes"`
	CPUPercent  float64   `json:"cpu_percent"`
	SampledAt   time.Time `json:"sampled_at"`
}

// Driver is the container runtime adapter. All calls are side-effecting and
// bounded by the caller's context; failures are classified as ErrUnavailable
// (transient) or ErrRejected (permanent) via errors.Is.
type Driver interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Signal(ctx context.Context, id string, sig Signal) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (State, error)
	Attach(ctx context.Context, id string) (*Conn, error)
	// Wait returns a channel that delivers exactly one ExitResult when the
	// container stops. The channel is owned by the driver.
	Wait(ctx context.Context, id string) (<-chan ExitResult, error)
	Stats(ctx context.Context, id string) (Usage, error)
	Ping(ctx context.Context) error
}
