package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/spielwart/internal/config"
	"github.com/p-arndt/spielwart/internal/runtime"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testRecord(uuid string) *ServerRecord {
	return &ServerRecord{
		UUID:         uuid,
		Name:         "survival",
		Image:        "ghcr.io/example/minecraft:latest",
		InstallImage: "ghcr.io/example/installer:latest",
		InstallCmd:   []string{"/bin/sh", "-c", "fetch-jar"},
		Startup:      []string{"java", "-jar", "server.jar"},
		Env:          map[string]string{"EULA": "true"},
		Mounts:       []runtime.Mount{{Source: "/srv/shared", Target: "/shared", ReadOnly: true}},
		Limits:       config.ServerLimits{Memory: "2g", CPUs: 2},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetServer(t *testing.T) {
	st := newTestStore(t)
	rec := testRecord("aaaa-1111")
	require.NoError(t, st.CreateServer(rec))

	got, err := st.GetServer("aaaa-1111")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Image, got.Image)
	assert.Equal(t, rec.InstallCmd, got.InstallCmd)
	assert.Equal(t, rec.Startup, got.Startup)
	assert.Equal(t, rec.Env, got.Env)
	assert.Equal(t, rec.Mounts, got.Mounts)
	assert.Equal(t, rec.Limits, got.Limits)
	assert.False(t, got.Installed)
}

func TestGetServerMissingReturnsNil(t *testing.T) {
	st := newTestStore(t)
	got, err := st.GetServer("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateServerDuplicateFails(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateServer(testRecord("dup")))
	assert.Error(t, st.CreateServer(testRecord("dup")))
}

func TestListServersOrderedByCreation(t *testing.T) {
	st := newTestStore(t)

	first := testRecord("one")
	first.CreatedAt = time.Now().UTC().Add(-time.Hour)
	second := testRecord("two")
	require.NoError(t, st.CreateServer(first))
	require.NoError(t, st.CreateServer(second))

	list, err := st.ListServers()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "one", list[0].UUID)
	assert.Equal(t, "two", list[1].UUID)
}

func TestSetInstalled(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateServer(testRecord("s")))

	require.NoError(t, st.SetInstalled("s", true))
	got, err := st.GetServer("s")
	require.NoError(t, err)
	assert.True(t, got.Installed)

	assert.ErrorIs(t, st.SetInstalled("ghost", true), ErrNotFound)
}

func TestDeleteServer(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateServer(testRecord("gone")))

	require.NoError(t, st.DeleteServer("gone"))
	got, err := st.GetServer("gone")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, st.DeleteServer("gone"), ErrNotFound)
}

func TestIsBusyLock(t *testing.T) {
	assert.False(t, isBusyLock(nil))
	assert.False(t, isBusyLock(assert.AnError))
	assert.True(t, isBusyLock(errors.New("database is locked (5) (SQLITE_BUSY)")))
}
