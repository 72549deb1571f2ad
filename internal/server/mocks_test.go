package server

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/spielwart/internal/backup"
	"github.com/p-arndt/spielwart/internal/runtime"
)

type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Start(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDriver) Signal(ctx context.Context, id string, sig runtime.Signal) error {
	args := m.Called(ctx, id, sig)
	return args.Error(0)
}

func (m *MockDriver) Remove(ctx context.Context, id string, force bool) error {
	args := m.Called(ctx, id, force)
	return args.Error(0)
}

func (m *MockDriver) Inspect(ctx context.Context, id string) (runtime.State, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(runtime.State), args.Error(1)
}

func (m *MockDriver) Attach(ctx context.Context, id string) (*runtime.Conn, error) {
	args := m.Called(ctx, id)
	if conn := args.Get(0); conn != nil {
		return conn.(*runtime.Conn), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDriver) Wait(ctx context.Context, id string) (<-chan runtime.ExitResult, error) {
	args := m.Called(ctx, id)
	if ch := args.Get(0); ch != nil {
		return ch.(chan runtime.ExitResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDriver) Stats(ctx context.Context, id string) (runtime.Usage, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(runtime.Usage), args.Error(1)
}

func (m *MockDriver) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

var _ runtime.Driver = (*MockDriver)(nil)

type MockBackupDriver struct {
	mock.Mock
}

func (m *MockBackupDriver) Archive(ctx context.Context, srcDir, ref string) (backup.Handle, error) {
	args := m.Called(ctx, srcDir, ref)
	return args.Get(0).(backup.Handle), args.Error(1)
}

func (m *MockBackupDriver) Restore(ctx context.Context, h backup.Handle, dstDir string) error {
	args := m.Called(ctx, h, dstDir)
	return args.Error(0)
}

func (m *MockBackupDriver) Delete(ctx context.Context, h backup.Handle) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

var _ backup.Driver = (*MockBackupDriver)(nil)
