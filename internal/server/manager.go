package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/p-arndt/spielwart/internal/store"
)

// Manager is the process-wide registry mapping server uuids to their state
// machine handles. The map is read concurrently and mutated only under the
// write lock; each Server guards its own state.
type Manager struct {
	deps Deps
	st   *store.Store

	mu      sync.RWMutex
	servers map[string]*Server
}

func NewManager(deps Deps, st *store.Store) *Manager {
	m := &Manager{
		st:      st,
		servers: make(map[string]*Server),
	}
	deps.OnInstalled = m.onInstalled
	deps.OnTransferred = m.onTransferred
	m.deps = deps
	return m
}

// Boot loads every persisted server definition and spawns its handle.
func (m *Manager) Boot(ctx context.Context) error {
	records, err := m.st.ListServers()
	if err != nil {
		return fmt.Errorf("load server definitions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if err := os.MkdirAll(m.deps.Cfg.ServerDataPath(rec.UUID), 0o755); err != nil {
			return fmt.Errorf("create data dir for %s: %w", rec.UUID, err)
		}
		m.servers[rec.UUID] = New(rec, m.deps)
	}
	m.deps.Logger.Info("registry booted", "servers", len(records))
	return nil
}

// Get returns the handle for a server uuid.
func (m *Manager) Get(id string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return s, nil
}

// All returns the current handles in no particular order.
func (m *Manager) All() []*Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	return out
}

// Create provisions a new server: persists the definition, prepares its
// data directory and spawns the handle.
func (m *Manager) Create(rec *store.ServerRecord) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[rec.UUID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, rec.UUID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := m.st.CreateServer(rec); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.deps.Cfg.ServerDataPath(rec.UUID), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := New(rec, m.deps)
	m.servers[rec.UUID] = s
	return s, nil
}

// Delete removes a server. The machine is forced through a stop transition
// before the definition and data are discarded.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	if err := s.Request(ctx, Command{Kind: CmdKill}); err != nil && !isIgnorableStop(err) {
		return err
	}
	if err := waitForState(ctx, s, Offline, Crashed); err != nil {
		return err
	}

	m.detach(id)
	s.Close()

	dataDir := m.deps.Cfg.ServerDataPath(id)
	m.deps.Quota.Remove(dataDir)
	if err := os.RemoveAll(dataDir); err != nil {
		m.deps.Logger.Warn("remove server data", "server_id", id, "error", err)
	}
	if err := m.st.DeleteServer(id); err != nil && err != store.ErrNotFound {
		return err
	}
	m.deps.Logger.Info("server deleted", "server_id", id)
	return nil
}

// Shutdown stops every server gracefully and tears down the handles.
func (m *Manager) Shutdown(ctx context.Context) {
	servers := m.All()
	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			if err := s.Request(ctx, Command{Kind: CmdStop}); err != nil && !isIgnorableStop(err) {
				m.deps.Logger.Warn("shutdown stop failed", "server_id", s.ID(), "error", err)
			}
			if err := waitForState(ctx, s, Offline, Crashed); err != nil {
				s.Request(ctx, Command{Kind: CmdKill})
				waitForState(ctx, s, Offline, Crashed)
			}
			s.Close()
		}(s)
	}
	wg.Wait()

	m.mu.Lock()
	m.servers = make(map[string]*Server)
	m.mu.Unlock()
}

func (m *Manager) detach(id string) {
	m.mu.Lock()
	delete(m.servers, id)
	m.mu.Unlock()
}

func (m *Manager) onInstalled(id string, ok bool) {
	if err := m.st.SetInstalled(id, ok); err != nil {
		m.deps.Logger.Error("persist install outcome", "server_id", id, "error", err)
	}
}

// onTransferred deregisters a server whose data now lives on another node.
func (m *Manager) onTransferred(id string) {
	s, err := m.Get(id)
	if err != nil {
		return
	}
	m.detach(id)
	s.Close()
	if err := m.st.DeleteServer(id); err != nil && err != store.ErrNotFound {
		m.deps.Logger.Error("remove transferred server record", "server_id", id, "error", err)
	}
	m.deps.Logger.Info("server transferred away", "server_id", id)
}

// isIgnorableStop filters rejections that mean "already stopped".
func isIgnorableStop(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrShuttingDown)
}

// waitForState polls until the server reaches one of the given states.
func waitForState(ctx context.Context, s *Server, states ...PowerState) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		cur := s.State()
		for _, want := range states {
			if cur == want {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
