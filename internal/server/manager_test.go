package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/spielwart/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *MockDriver, *store.Store) {
	t.Helper()
	drv := &MockDriver{}
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := NewManager(testDeps(t, drv), st)
	return m, drv, st
}

func TestManagerCreateAndGet(t *testing.T) {
	m, _, st := newTestManager(t)

	s, err := m.Create(testDef())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, testUUID, s.ID())

	got, err := m.Get(testUUID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	// Definition was persisted and the data dir prepared.
	rec, err := st.GetServer(testUUID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	_, err = os.Stat(m.deps.Cfg.ServerDataPath(testUUID))
	assert.NoError(t, err)
}

func TestManagerCreateDuplicate(t *testing.T) {
	m, _, _ := newTestManager(t)

	s, err := m.Create(testDef())
	require.NoError(t, err)
	defer s.Close()

	_, err = m.Create(testDef())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestManagerGetUnknown(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestManagerBootLoadsPersistedServers(t *testing.T) {
	m, _, st := newTestManager(t)
	require.NoError(t, st.CreateServer(testDef()))

	require.NoError(t, m.Boot(context.Background()))
	s, err := m.Get(testUUID)
	require.NoError(t, err)
	assert.Equal(t, Offline, s.State())

	m.Shutdown(context.Background())
}

func TestManagerDeleteRemovesEverything(t *testing.T) {
	m, _, st := newTestManager(t)

	s, err := m.Create(testDef())
	require.NoError(t, err)
	dataDir := m.deps.Cfg.ServerDataPath(testUUID)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "world.dat"), []byte("x"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Delete(ctx, testUUID))

	_, err = m.Get(testUUID)
	assert.ErrorIs(t, err, ErrServerNotFound)
	rec, err := st.GetServer(testUUID)
	require.NoError(t, err)
	assert.Nil(t, rec)
	_, err = os.Stat(dataDir)
	assert.True(t, os.IsNotExist(err))

	// The handle is gone; further use reports shutdown.
	assert.ErrorIs(t, s.Request(ctx, Command{Kind: CmdStart}), ErrShuttingDown)
}

func TestManagerShutdownClosesAllServers(t *testing.T) {
	m, _, _ := newTestManager(t)

	a := testDef()
	b := testDef()
	b.UUID = "22222222-3333-4444-5555-666666666666"

	sa, err := m.Create(a)
	require.NoError(t, err)
	sb, err := m.Create(b)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	assert.ErrorIs(t, sa.Request(ctx, Command{Kind: CmdStart}), ErrShuttingDown)
	assert.ErrorIs(t, sb.Request(ctx, Command{Kind: CmdStart}), ErrShuttingDown)
	assert.Empty(t, m.All())
}

func TestWaitForState(t *testing.T) {
	drv := &MockDriver{}
	s := New(testDef(), testDeps(t, drv))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, waitForState(ctx, s, Offline))

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	assert.Error(t, waitForState(short, s, Running))
}
