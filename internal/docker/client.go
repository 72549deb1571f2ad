// Package docker implements runtime.Driver against the Docker Engine API.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/p-arndt/spielwart/internal/runtime"
)

// Client wraps the Docker engine client and bounds every call with a
// per-call timeout so a hung daemon cannot stall a server's command loop.
type Client struct {
	docker      *client.Client
	callTimeout time.Duration
}

func New(callTimeout time.Duration) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli, callTimeout: callTimeout}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// classify maps engine errors onto the runtime error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case client.IsErrNotFound(err):
		return fmt.Errorf("%s: %w: %v", op, runtime.ErrNotFound, err)
	case errdefs.IsInvalidParameter(err), errdefs.IsConflict(err), errdefs.IsNotImplemented(err):
		return fmt.Errorf("%s: %w: %v", op, runtime.ErrRejected, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: call timed out", op, runtime.ErrUnavailable)
	default:
		// Connection refused, EOF, daemon restarting: all retryable.
		return fmt.Errorf("%s: %w: %v", op, runtime.ErrUnavailable, err)
	}
}

func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	_, err := c.docker.Ping(ctx)
	return classify("ping", err)
}

func (c *Client) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	labels := map[string]string{
		runtime.LabelManaged: "true",
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	res := container.Resources{
		Memory:      spec.Resources.MemoryBytes,
		MemorySwap:  swapTotal(spec.Resources),
		NanoCPUs:    spec.Resources.NanoCPUs,
		BlkioWeight: spec.Resources.BlkioWeight,
	}
	if spec.Resources.PidsLimit > 0 {
		res.PidsLimit = int64Ptr(spec.Resources.PidsLimit)
	}
	if spec.Resources.OOMKillDisable {
		res.OomKillDisable = boolPtr(true)
	}

	hostCfg := &container.HostConfig{
		Resources:   res,
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		Mounts:      mounts,
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       labels,
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classify("container create", err)
	}
	return resp.ID, nil
}

// swapTotal converts the split memory/swap limits into Docker's combined
// MemorySwap field (-1 = unlimited swap, 0 = engine default).
func swapTotal(r runtime.Resources) int64 {
	if r.MemoryBytes <= 0 {
		return 0
	}
	if r.SwapBytes < 0 {
		return -1
	}
	return r.MemoryBytes + r.SwapBytes
}

func (c *Client) Start(ctx context.Context, id string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return classify("container start", c.docker.ContainerStart(ctx, id, container.StartOptions{}))
}

func (c *Client) Signal(ctx context.Context, id string, sig runtime.Signal) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	name := "SIGTERM"
	if sig == runtime.SignalKill {
		name = "SIGKILL"
	}
	return classify("container kill", c.docker.ContainerKill(ctx, id, name))
}

func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	err := c.docker.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return classify("container remove", err)
	}
	return nil
}

func (c *Client) Inspect(ctx context.Context, id string) (runtime.State, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	info, err := c.docker.ContainerInspect(ctx, id)
	if err != nil {
		return runtime.State{}, classify("container inspect", err)
	}
	st := runtime.State{}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
		st.OOMKilled = info.State.OOMKilled
		if t, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
			st.FinishedAt = t
		}
	}
	return st, nil
}

// Attach hijacks the container's stdio. Output is demultiplexed from
// Docker's 8-byte-header stream into separate stdout/stderr pipes.
func (c *Client) Attach(ctx context.Context, id string) (*runtime.Conn, error) {
	// No call timeout: the attach stream lives as long as the container.
	resp, err := c.docker.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, classify("container attach", err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, resp.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
		resp.Close()
	}()

	return &runtime.Conn{
		Stdin:  resp.Conn,
		Stdout: outR,
		Stderr: errR,
	}, nil
}

// Wait arms an exit watcher. The returned channel delivers exactly one
// result when the container leaves the running state.
func (c *Client) Wait(ctx context.Context, id string) (<-chan runtime.ExitResult, error) {
	waitCh, errCh := c.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	out := make(chan runtime.ExitResult, 1)

	go func() {
		select {
		case res := <-waitCh:
			exit := runtime.ExitResult{ExitCode: int(res.StatusCode)}
			// The wait API does not carry the OOM flag; pick it up
			// from a follow-up inspect, best effort.
			if st, err := c.Inspect(context.Background(), id); err == nil {
				exit.OOMKilled = st.OOMKilled
			}
			out <- exit
		case err := <-errCh:
			out <- runtime.ExitResult{Err: classify("container wait", err)}
		case <-ctx.Done():
			out <- runtime.ExitResult{Err: ctx.Err()}
		}
	}()

	return out, nil
}

func (c *Client) Stats(ctx context.Context, id string) (runtime.Usage, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	resp, err := c.docker.ContainerStats(ctx, id, false)
	if err != nil {
		return runtime.Usage{}, classify("container stats", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return runtime.Usage{}, classify("container stats decode", err)
	}

	usage := runtime.Usage{
		MemoryBytes: stats.MemoryStats.Usage,
		SampledAt:   time.Now().UTC(),
	}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	usage.CPUPercent = cpuPercent(cpuDelta, sysDelta, stats.CPUStats.OnlineCPUs)
	return usage, nil
}

func cpuPercent(cpuDelta, sysDelta float64, onlineCPUs uint32) float64 {
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	return cpuDelta / sysDelta * float64(onlineCPUs) * 100.0
}

// ContainerInfo holds basic info about a managed container.
type ContainerInfo struct {
	ContainerID string
	ServerID    string
	Running     bool
	Install     bool
}

// ListManaged returns all containers carrying spielwart labels, running or
// not. Used by the boot reconciler.
func (c *Client) ListManaged(ctx context.Context) ([]ContainerInfo, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	f := filters.NewArgs()
	f.Add("label", runtime.LabelManaged+"=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, classify("container list", err)
	}

	var result []ContainerInfo
	for _, ctr := range containers {
		serverID := ctr.Labels[runtime.LabelServerID]
		if serverID == "" {
			continue
		}
		result = append(result, ContainerInfo{
			ContainerID: ctr.ID,
			ServerID:    serverID,
			Running:     ctr.State == container.StateRunning,
			Install:     ctr.Labels[runtime.LabelInstall] == "true",
		})
	}
	return result, nil
}

var _ runtime.Driver = (*Client)(nil)

func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }
