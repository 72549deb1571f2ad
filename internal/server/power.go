package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/p-arndt/spielwart/internal/console"
	"github.com/p-arndt/spielwart/internal/crash"
	"github.com/p-arndt/spielwart/internal/limits"
	"github.com/p-arndt/spielwart/internal/runtime"
)

// adapterAttempts bounds retries on transient runtime failures before the
// command is declared failed.
const adapterAttempts = 3

// withRetry retries fn on ErrUnavailable with doubling backoff. Permanent
// errors return immediately.
func (s *Server) withRetry(op string, fn func(ctx context.Context) error) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 0; attempt < adapterAttempts; attempt++ {
		err = fn(context.Background())
		if err == nil || !errors.Is(err, runtime.ErrUnavailable) {
			return err
		}
		s.log.Warn("runtime call failed, retrying", "op", op, "attempt", attempt+1, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

// buildSpec assembles the container spec from the server definition.
func (s *Server) buildSpec() (runtime.Spec, error) {
	res, err := limits.Translate(s.def.Limits)
	if err != nil {
		return runtime.Spec{}, err
	}

	env := make([]string, 0, len(s.def.Env))
	for k, v := range s.def.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	mounts := []runtime.Mount{{
		Source: s.deps.Cfg.ServerDataPath(s.def.UUID),
		Target: "/home/container",
	}}
	mounts = append(mounts, s.def.Mounts...)

	return runtime.Spec{
		Name:      "spielwart-" + s.def.UUID,
		Image:     s.def.Image,
		Cmd:       s.def.Startup,
		Env:       env,
		Mounts:    mounts,
		Resources: res,
		Labels: map[string]string{
			runtime.LabelServerID: s.def.UUID,
		},
	}, nil
}

// doStart drives Offline/Crashed -> Starting -> Running. Runs inside the
// loop; later commands queue behind it and observe whatever state it left.
func (s *Server) doStart(auto bool) {
	driver := s.deps.Driver
	s.setState(Starting)

	// A superseded container may still exist after a crash.
	if old := s.containerIDLocked(); old != "" {
		s.withRetry("remove stale container", func(ctx context.Context) error {
			return driver.Remove(ctx, old, true)
		})
		s.setContainerID("")
	}

	spec, err := s.buildSpec()
	if err != nil {
		s.failStart("invalid resource limits: "+err.Error(), auto)
		return
	}

	if disk, err := s.def.Limits.DiskBytes(); err == nil && disk > 0 {
		if err := s.deps.Quota.Apply(s.deps.Cfg.ServerDataPath(s.def.UUID), disk); err != nil {
			s.log.Error("apply disk quota", "error", err)
		}
	}

	var id string
	err = s.withRetry("create container", func(ctx context.Context) error {
		var cerr error
		id, cerr = driver.Create(ctx, spec)
		return cerr
	})
	if err != nil {
		s.failStart("create container: "+err.Error(), auto)
		return
	}

	s.setContainerID(id)
	s.watchGen = s.currentGeneration()

	conn, err := driver.Attach(context.Background(), id)
	if err != nil {
		// The server can run without an attached console; log and move on.
		s.log.Error("attach console", "error", err)
	} else {
		s.conn = conn
		go s.pump(conn.Stdout, console.SourceStdout)
		go s.pump(conn.Stderr, console.SourceStderr)
	}

	err = s.withRetry("start container", func(ctx context.Context) error {
		return driver.Start(ctx, id)
	})
	if err != nil {
		s.withRetry("remove failed container", func(ctx context.Context) error {
			return driver.Remove(ctx, id, true)
		})
		s.setContainerID("")
		s.failStart("start container: "+err.Error(), auto)
		return
	}

	// The watcher is armed only once the container runs: waiting on a
	// created container resolves immediately with its current status.
	s.armWatcher(id, s.watchGen)

	s.setState(Running)
	s.setLastError("")
	if !auto {
		// A successful manual start wipes the crash history.
		s.crashes.Clear()
	}
	s.startSampler(id)
}

// failStart converts a mid-start failure into Crashed.
func (s *Server) failStart(reason string, auto bool) {
	s.setLastError(reason)
	s.publishDaemon("Failed to start server: " + reason)
	s.setState(Crashed)
	if !auto {
		return
	}
	// An auto-restart that cannot even start counts as another crash so
	// the policy window eventually gives up.
	s.crashes.Add(crash.Entry{At: time.Now().UTC(), ExitCode: -1})
}

// doStop drives Starting/Running -> Stopping. The exit watcher finishes the
// job; a grace timer escalates to forced removal if the container lingers.
// revert is the state restored when the stop signal itself fails.
func (s *Server) doStop(forceful, user bool, revert PowerState) {
	s.stopRequested = user
	id := s.containerIDLocked()
	if id == "" {
		// Stopping something already gone is a success.
		s.setState(Stopping)
		s.finalizeStop()
		return
	}

	s.setState(Stopping)

	sig := runtime.SignalTerminate
	if forceful {
		sig = runtime.SignalKill
	}
	err := s.withRetry("signal container", func(ctx context.Context) error {
		return s.deps.Driver.Signal(ctx, id, sig)
	})
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			s.finalizeStop()
			return
		}
		// Mid-stop failure: restore the pre-stop state and surface the
		// error; the container is still there.
		s.setLastError("stop failed: " + err.Error())
		s.setState(revert)
		return
	}

	s.armStopEscalation(id, s.watchGen, s.deps.Cfg.Timeouts.StopGrace())
}

// doKill terminates the container with a short grace window before forced
// removal. Kills of activity states are resolved by the command handler.
func (s *Server) doKill() {
	s.stopRequested = true
	id := s.containerIDLocked()
	if id == "" {
		s.setState(Stopping)
		s.finalizeStop()
		return
	}

	s.setState(Stopping)
	s.withRetry("kill container", func(ctx context.Context) error {
		err := s.deps.Driver.Signal(ctx, id, runtime.SignalKill)
		if errors.Is(err, runtime.ErrNotFound) {
			return nil
		}
		return err
	})
	s.armStopEscalation(id, s.watchGen, s.deps.Cfg.Timeouts.KillGrace())
}

// armStopEscalation force-removes the container if it is still stopping
// after the grace period.
func (s *Server) armStopEscalation(id string, gen uint64, grace time.Duration) {
	time.AfterFunc(grace, func() {
		s.enqueue(func() {
			if s.state != Stopping || s.watchGen != gen {
				return
			}
			s.log.Warn("stop grace period exceeded, forcing removal", "container_id", id)
			s.withRetry("force remove container", func(ctx context.Context) error {
				return s.deps.Driver.Remove(ctx, id, true)
			})
			s.finalizeStop()
		})
	})
}

// finalizeStop lands the server in Offline and kicks a pending restart.
func (s *Server) finalizeStop() {
	if id := s.containerIDLocked(); id != "" {
		s.withRetry("remove container", func(ctx context.Context) error {
			return s.deps.Driver.Remove(ctx, id, true)
		})
	}
	s.teardownContainer()

	if s.stopRequested {
		s.crashes.Clear()
		s.stopRequested = false
	}
	s.setState(Offline)

	if s.restartPending {
		s.restartPending = false
		s.bumpGeneration()
		s.doStart(false)
		return
	}
	if s.transferPending != nil {
		cmd := *s.transferPending
		s.transferPending = nil
		s.startTransfer(cmd)
	}
}

// teardownContainer clears container-scoped resources after it is gone.
func (s *Server) teardownContainer() {
	s.stopSampler()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.setContainerID("")
}

// handleEvent applies one runtime event inside the loop. Events from a
// superseded container generation are dropped without any state change.
func (s *Server) handleEvent(ev runtime.Event) {
	if ev.Generation != s.watchGen {
		s.log.Debug("dropping stale runtime event",
			"event", ev.Kind.String(), "event_generation", ev.Generation, "watch_generation", s.watchGen)
		return
	}

	switch s.state {
	case Stopping:
		s.finalizeStop()
	case Starting, Running:
		s.onUnexpectedExit(ev)
	default:
		// Exits during activities are expected (the container was stopped
		// for the activity) and carry no lifecycle meaning.
	}
}

// onUnexpectedExit moves a live server to Crashed and consults the crash
// policy for an automatic restart.
func (s *Server) onUnexpectedExit(ev runtime.Event) {
	detail := fmt.Sprintf("exit code %d", ev.ExitCode)
	if ev.OOMKilled {
		detail = "out of memory"
	}
	s.publishDaemon(fmt.Sprintf("Server process exited unexpectedly (%s).", detail))
	s.setLastError("unexpected exit: " + detail)

	s.crashes.Add(crash.Entry{At: ev.At, ExitCode: ev.ExitCode, OOMKilled: ev.OOMKilled})
	if m := s.deps.Metrics; m != nil {
		m.Crashes.Inc()
	}

	if id := s.containerIDLocked(); id != "" {
		s.withRetry("remove crashed container", func(ctx context.Context) error {
			return s.deps.Driver.Remove(ctx, id, true)
		})
	}
	s.teardownContainer()
	s.setState(Crashed)

	decision := crash.Evaluate(s.crashes, s.deps.Cfg.CrashPolicy, time.Now().UTC())
	if !decision.AutoRestart {
		s.publishDaemon(fmt.Sprintf(
			"Server hit the crash limit (%d crashes in the window); not restarting automatically.",
			decision.Crashes))
		s.log.Warn("crash limit reached, staying crashed", "crashes", decision.Crashes)
		return
	}

	s.publishDaemon(fmt.Sprintf("Automatic restart in %s.", decision.Delay))
	gen := s.currentGeneration()
	time.AfterFunc(decision.Delay, func() {
		s.enqueue(func() {
			// A command in the meantime supersedes the auto-restart.
			if s.state != Crashed || s.currentGeneration() != gen {
				return
			}
			s.bumpGeneration()
			s.doStart(true)
		})
	})
}

// armWatcher arms an exit watcher for the container and feeds the result
// back as a generation-tagged event.
func (s *Server) armWatcher(id string, gen uint64) {
	ch, err := s.deps.Driver.Wait(context.Background(), id)
	if err != nil {
		s.log.Error("arm exit watcher", "container_id", id, "error", err)
		return
	}
	go func() {
		res := <-ch
		if res.Err != nil {
			s.log.Error("exit watcher failed", "container_id", id, "error", res.Err)
			return
		}
		kind := runtime.EventExited
		if res.OOMKilled {
			kind = runtime.EventOOMKilled
		}
		s.HandleEvent(runtime.Event{
			ServerID:    s.def.UUID,
			ContainerID: id,
			Generation:  gen,
			Kind:        kind,
			ExitCode:    res.ExitCode,
			OOMKilled:   res.OOMKilled,
			At:          time.Now().UTC(),
		})
	}()
}

// pump copies one attached output stream into the console hub.
func (s *Server) pump(r io.Reader, src console.Source) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		s.hub.Publish(src, line)
	}
}

// SendCommand writes a line to the server's stdin, if attached.
func (s *Server) SendCommand(ctx context.Context, text string) error {
	reply := make(chan error, 1)
	err := s.enqueue(func() {
		if s.state != Running || s.conn == nil {
			reply <- fmt.Errorf("%w: console not attached", ErrInvalidTransition)
			return
		}
		_, werr := s.conn.Stdin.Write([]byte(text + "\n"))
		reply <- werr
	})
	if err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyContainerGone reports that the server's container vanished outside
// the daemon's control (manual docker rm, engine restart). Delivered as a
// removal event tagged with the current watch generation.
func (s *Server) NotifyContainerGone(containerID string) {
	s.enqueue(func() {
		if s.containerIDLocked() != containerID {
			return
		}
		s.handleEvent(runtime.Event{
			ServerID:    s.def.UUID,
			ContainerID: containerID,
			Generation:  s.watchGen,
			Kind:        runtime.EventRemoved,
			ExitCode:    -1,
			At:          time.Now().UTC(),
		})
	})
}

func (s *Server) containerIDLocked() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containerID
}

// startSampler polls resource usage while the container runs.
func (s *Server) startSampler(id string) {
	stop := make(chan struct{})
	s.samplerStop = stop
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				usage, err := s.deps.Driver.Stats(context.Background(), id)
				if err != nil {
					if errors.Is(err, runtime.ErrNotFound) {
						return
					}
					continue
				}
				s.mu.Lock()
				s.usage = usage
				s.mu.Unlock()
			}
		}
	}()
}

func (s *Server) stopSampler() {
	if s.samplerStop != nil {
		close(s.samplerStop)
		s.samplerStop = nil
	}
}
