// Package server owns the per-server lifecycle state machine. Each Server
// runs a single command loop that serializes every command and runtime
// event, so state is never mutated by two writers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/p-arndt/spielwart/internal/backup"
	"github.com/p-arndt/spielwart/internal/config"
	"github.com/p-arndt/spielwart/internal/console"
	"github.com/p-arndt/spielwart/internal/crash"
	"github.com/p-arndt/spielwart/internal/install"
	"github.com/p-arndt/spielwart/internal/limits"
	"github.com/p-arndt/spielwart/internal/metrics"
	"github.com/p-arndt/spielwart/internal/runtime"
	"github.com/p-arndt/spielwart/internal/store"
	"github.com/p-arndt/spielwart/internal/transfer"
)

// Deps carries the collaborators a Server drives. All of them are shared
// across servers and must be safe for concurrent use.
type Deps struct {
	Cfg       *config.Config
	Driver    runtime.Driver
	Backups   backup.Driver
	Quota     limits.QuotaBackend
	Installer *install.Pipeline
	Transfers *transfer.Coordinator
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// OnInstalled is invoked (outside the command loop) after an install
	// run finishes so the registry can persist the outcome.
	OnInstalled func(serverID string, ok bool)
	// OnTransferred is invoked after a committed transfer; the registry
	// deregisters the server.
	OnTransferred func(serverID string)
}

type op func()

// Server is one managed instance. All fields below mu are written only from
// the command loop; Status reads them under the lock.
type Server struct {
	def  *store.ServerRecord
	deps Deps
	hub  *console.Hub
	log  *slog.Logger

	opsMu  sync.Mutex
	ops    chan op
	closed bool
	done   chan struct{}

	mu          sync.RWMutex
	state       PowerState
	generation  uint64
	containerID string
	usage       runtime.Usage
	lastError   string
	moved       bool

	// Loop-private state, never read outside the loop.
	crashes *crash.Record

	// watchGen is the generation of the accepted transition that created
	// the current container. Runtime events tagged with any other
	// generation belong to a superseded container and are dropped.
	watchGen uint64

	restartPending  bool
	stopRequested   bool // current Stopping was user-requested
	transferPending *Command
	preTransfer     PowerState
	activityCancel  context.CancelFunc
	samplerStop     chan struct{}
	conn            *runtime.Conn
}

// New creates the server handle and starts its command loop.
func New(def *store.ServerRecord, deps Deps) *Server {
	s := &Server{
		def:     def,
		deps:    deps,
		hub:     console.NewHub(deps.Cfg.Console.BacklogSize, deps.Cfg.Console.SubscriberSize),
		log:     deps.Logger.With("server_id", def.UUID),
		ops:     make(chan op, 32),
		done:    make(chan struct{}),
		state:   Offline,
		// One entry beyond the limit is enough for the window count to
		// exceed MaxCrashes.
		crashes: crash.NewRecord(deps.Cfg.CrashPolicy.MaxCrashes + 1),
	}
	if deps.Metrics != nil {
		deps.Metrics.Servers.WithLabelValues(Offline.String()).Inc()
	}
	go s.loop()
	return s
}

func (s *Server) loop() {
	for fn := range s.ops {
		fn()
	}
	close(s.done)
}

// enqueue hands fn to the command loop. Fails once the server is shut down.
func (s *Server) enqueue(fn op) error {
	s.opsMu.Lock()
	defer s.opsMu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	s.ops <- fn
	return nil
}

// ID returns the server uuid.
func (s *Server) ID() string {
	return s.def.UUID
}

// Definition returns the server's configured definition.
func (s *Server) Definition() store.ServerRecord {
	return *s.def
}

// Hub exposes the console stream for subscribers.
func (s *Server) Hub() *console.Hub {
	return s.hub
}

// Subscribe attaches a console subscriber with backlog replay.
func (s *Server) Subscribe() *console.Subscriber {
	return s.hub.Subscribe()
}

// Snapshot is a non-blocking read of the server's current state.
type Snapshot struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	State       string        `json:"state"`
	Generation  uint64        `json:"generation"`
	ContainerID string        `json:"container_id,omitempty"`
	Usage       runtime.Usage `json:"usage"`
	LastError   string        `json:"last_error,omitempty"`
	Installed   bool          `json:"installed"`
	Moved       bool          `json:"moved,omitempty"`
}

func (s *Server) Status() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:          s.def.UUID,
		Name:        s.def.Name,
		State:       s.state.String(),
		Generation:  s.generation,
		ContainerID: s.containerID,
		Usage:       s.usage,
		LastError:   s.lastError,
		Installed:   s.def.Installed,
		Moved:       s.moved,
	}
}

// State returns just the current power state.
func (s *Server) State() PowerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Request validates and applies one lifecycle command. The returned error
// reflects acceptance only: an accepted command has already bumped the
// generation and entered its transitional state when Request returns; the
// adapter work continues in the loop and later failures surface through
// status and the console stream.
func (s *Server) Request(ctx context.Context, cmd Command) error {
	reply := make(chan error, 1)
	err := s.enqueue(func() {
		next, err := s.handleCommand(cmd)
		reply <- err
		if next != nil {
			next()
		}
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

// HandleEvent feeds an asynchronous runtime event into the command loop.
func (s *Server) HandleEvent(ev runtime.Event) {
	s.enqueue(func() {
		s.handleEvent(ev)
	})
}

// handleCommand runs inside the loop: validate against the transition
// table, bump the generation, enter the transitional state. The returned
// continuation carries the adapter work; it runs in the loop after the
// caller has its answer, so Request never waits on the runtime.
func (s *Server) handleCommand(cmd Command) (op, error) {
	if s.moved {
		return nil, fmt.Errorf("%w: server was transferred away", ErrInvalidTransition)
	}
	if !CanTransition(s.state, cmd.Kind) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.Rejected.Inc()
		}
		return nil, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, cmd.Kind, s.state)
	}

	s.bumpGeneration()
	s.log.Info("command accepted", "command", cmd.Kind.String(), "state", s.state.String(), "generation", s.generation)

	switch cmd.Kind {
	case CmdStart:
		s.setState(Starting)
		return func() { s.doStart(false) }, nil
	case CmdStop:
		revert := s.state
		s.setState(Stopping)
		return func() { s.doStop(cmd.Forceful, true, revert) }, nil
	case CmdRestart:
		if s.containerID != "" && (s.state == Running || s.state == Starting) {
			revert := s.state
			s.restartPending = true
			s.setState(Stopping)
			return func() { s.doStop(cmd.Forceful, true, revert) }, nil
		}
		s.setState(Starting)
		return func() { s.doStart(false) }, nil
	case CmdKill:
		if s.state.IsActivity() {
			if s.activityCancel != nil {
				s.activityCancel()
			}
			return nil, nil
		}
		s.setState(Stopping)
		return func() { s.doKill() }, nil
	case CmdInstall:
		return func() { s.beginInstall() }, nil
	case CmdRestoreBackup:
		return func() { s.beginRestore(cmd.BackupRef) }, nil
	case CmdBeginTransfer:
		return func() { s.beginTransfer(cmd) }, nil
	case CmdCancelTransfer:
		if s.activityCancel != nil {
			s.publishDaemon("Cancelling transfer...")
			s.activityCancel()
		}
	}
	return nil, nil
}

// bumpGeneration marks one accepted transition.
func (s *Server) bumpGeneration() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

func (s *Server) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// setState flips the power state and publishes the change.
func (s *Server) setState(next PowerState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	if m := s.deps.Metrics; m != nil {
		m.Transitions.WithLabelValues(next.String()).Inc()
		m.Servers.WithLabelValues(prev.String()).Dec()
		m.Servers.WithLabelValues(next.String()).Inc()
	}
	s.log.Info("state changed", "from", prev.String(), "to", next.String())
	s.publishDaemon("Server marked as " + next.String() + ".")
}

func (s *Server) setContainerID(id string) {
	s.mu.Lock()
	s.containerID = id
	s.mu.Unlock()
}

func (s *Server) setLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *Server) publishDaemon(msg string) {
	s.hub.Publish(console.SourceDaemon, []byte(msg))
}

// Close drains the server for daemon shutdown: a graceful stop is attempted
// by the registry before calling this. Close only tears down the loop.
func (s *Server) Close() {
	s.opsMu.Lock()
	if s.closed {
		s.opsMu.Unlock()
		return
	}
	s.closed = true
	close(s.ops)
	s.opsMu.Unlock()
	<-s.done
	s.hub.Close()
}
