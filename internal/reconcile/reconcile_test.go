package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/spielwart/internal/docker"
	"github.com/p-arndt/spielwart/internal/runtime"
	"github.com/p-arndt/spielwart/internal/server"
)

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Get(id string) (*server.Server, error) {
	args := m.Called(id)
	if s := args.Get(0); s != nil {
		return s.(*server.Server), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRegistry) All() []*server.Server {
	args := m.Called()
	if s := args.Get(0); s != nil {
		return s.([]*server.Server)
	}
	return nil
}

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) ListManaged(ctx context.Context) ([]docker.ContainerInfo, error) {
	args := m.Called(ctx)
	if c := args.Get(0); c != nil {
		return c.([]docker.ContainerInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) Remove(ctx context.Context, id string, force bool) error {
	args := m.Called(ctx, id, force)
	return args.Error(0)
}

func (m *MockEngine) Inspect(ctx context.Context, id string) (runtime.State, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(runtime.State), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepBootRemovesAllLeftovers(t *testing.T) {
	reg := &MockRegistry{}
	eng := &MockEngine{}
	eng.On("ListManaged", mock.Anything).Return([]docker.ContainerInfo{
		{ContainerID: "aaa", ServerID: "s1", Running: true},
		{ContainerID: "bbb", ServerID: "s2", Install: true},
	}, nil)
	eng.On("Remove", mock.Anything, "aaa", true).Return(nil)
	eng.On("Remove", mock.Anything, "bbb", true).Return(nil)

	r := New(reg, eng, time.Minute, testLogger())
	r.sweepBoot(context.Background())

	eng.AssertExpectations(t)
}

func TestSweepRemovesOrphanedContainers(t *testing.T) {
	reg := &MockRegistry{}
	eng := &MockEngine{}

	eng.On("ListManaged", mock.Anything).Return([]docker.ContainerInfo{
		{ContainerID: "orphan-ctr", ServerID: "ghost"},
	}, nil)
	reg.On("Get", "ghost").Return(nil, server.ErrServerNotFound)
	reg.On("All").Return(nil)
	eng.On("Remove", mock.Anything, "orphan-ctr", true).Return(nil)

	r := New(reg, eng, time.Minute, testLogger())
	r.sweep(context.Background())

	eng.AssertCalled(t, "Remove", mock.Anything, "orphan-ctr", true)
}

func TestSweepKeepsRegisteredContainers(t *testing.T) {
	reg := &MockRegistry{}
	eng := &MockEngine{}

	eng.On("ListManaged", mock.Anything).Return([]docker.ContainerInfo{
		{ContainerID: "live-ctr", ServerID: "known"},
	}, nil)
	reg.On("Get", "known").Return(&server.Server{}, nil)
	reg.On("All").Return(nil)

	r := New(reg, eng, time.Minute, testLogger())
	r.sweep(context.Background())

	eng.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweepSurvivesEngineErrors(t *testing.T) {
	reg := &MockRegistry{}
	eng := &MockEngine{}
	eng.On("ListManaged", mock.Anything).Return(nil, assert.AnError)

	r := New(reg, eng, time.Minute, testLogger())
	r.sweep(context.Background())
	r.sweepBoot(context.Background())

	reg.AssertNotCalled(t, "All")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	reg := &MockRegistry{}
	eng := &MockEngine{}
	eng.On("ListManaged", mock.Anything).Return(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r := New(reg, eng, time.Hour, testLogger())
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", short("abc"))
	assert.Equal(t, "123456789012", short("1234567890123456"))
}
