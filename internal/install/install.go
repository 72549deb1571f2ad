// Package install runs a server's install script in one ephemeral
// container, captures its output into the console hub, and reports the
// outcome. Interrupted installs are not resumable; the caller re-runs them.
package install

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/p-arndt/spielwart/internal/console"
	"github.com/p-arndt/spielwart/internal/runtime"
)

// Sentinel errors
var (
	ErrTimeout = errors.New("install timed out")
)

// Outcome of one install run.
type Outcome struct {
	Success  bool
	ExitCode int
	Reason   string
	Duration time.Duration
}

// Request describes the ephemeral install container.
type Request struct {
	ServerID  string
	Image     string
	Cmd       []string
	Env       []string
	Mounts    []runtime.Mount
	Resources runtime.Resources
	Timeout   time.Duration // 0 = unlimited
}

type Pipeline struct {
	driver runtime.Driver
	logger *slog.Logger
}

func NewPipeline(driver runtime.Driver, logger *slog.Logger) *Pipeline {
	return &Pipeline{driver: driver, logger: logger}
}

// Run executes one install to completion. The ephemeral container is
// force-removed on every exit path, including timeout and cancellation.
func (p *Pipeline) Run(ctx context.Context, req Request, hub *console.Hub) (Outcome, error) {
	started := time.Now()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	hub.Publish(console.SourceDaemon, []byte("Starting install process..."))

	id, err := p.driver.Create(ctx, runtime.Spec{
		Name:      "spielwart-install-" + req.ServerID,
		Image:     req.Image,
		Cmd:       req.Cmd,
		Env:       req.Env,
		Mounts:    req.Mounts,
		Resources: req.Resources,
		Labels: map[string]string{
			runtime.LabelServerID: req.ServerID,
			runtime.LabelInstall:  "true",
		},
	})
	if err != nil {
		return Outcome{Reason: "create install container"}, err
	}
	// Removal happens regardless of how the run ends. A fresh context so
	// cleanup still works after timeout/cancellation.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.driver.Remove(rmCtx, id, true); err != nil {
			p.logger.Error("remove install container", "server_id", req.ServerID, "error", err)
		}
	}()

	conn, err := p.driver.Attach(ctx, id)
	if err != nil {
		return Outcome{Reason: "attach install container"}, err
	}
	defer conn.Close()

	if err := p.driver.Start(ctx, id); err != nil {
		return Outcome{Reason: "start install container"}, err
	}

	// Armed only after the container runs; waiting on a created container
	// resolves immediately with its current status.
	exitCh, err := p.driver.Wait(ctx, id)
	if err != nil {
		return Outcome{Reason: "watch install container"}, err
	}

	go pumpLines(conn.Stdout, hub, console.SourceStdout)
	go pumpLines(conn.Stderr, hub, console.SourceStderr)

	select {
	case res := <-exitCh:
		duration := time.Since(started)
		if res.Err != nil {
			return Outcome{Reason: "install wait failed", Duration: duration}, res.Err
		}
		if res.ExitCode != 0 {
			hub.Publish(console.SourceDaemon,
				[]byte(fmt.Sprintf("Install process exited with code %d.", res.ExitCode)))
			return Outcome{
				ExitCode: res.ExitCode,
				Reason:   fmt.Sprintf("install exited with code %d", res.ExitCode),
				Duration: duration,
			}, nil
		}
		hub.Publish(console.SourceDaemon, []byte("Install process completed."))
		return Outcome{Success: true, Duration: duration}, nil

	case <-ctx.Done():
		duration := time.Since(started)
		hub.Publish(console.SourceDaemon, []byte("Install process aborted."))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{Reason: "install timed out", Duration: duration}, ErrTimeout
		}
		return Outcome{Reason: "install cancelled", Duration: duration}, ctx.Err()
	}
}

// pumpLines copies a container output stream into the hub line by line.
func pumpLines(r io.Reader, hub *console.Hub, src console.Source) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		hub.Publish(src, line)
	}
}
