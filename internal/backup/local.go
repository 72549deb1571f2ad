package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/p-arndt/spielwart/internal/archive"
)

// LocalDriver keeps backups as tar.gz archives in a flat directory on the
// node itself.
type LocalDriver struct {
	dir string
}

func NewLocalDriver(dir string) (*LocalDriver, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &LocalDriver{dir: dir}, nil
}

func (d *LocalDriver) path(ref string) string {
	return filepath.Join(d.dir, ref+".tar.gz")
}

func (d *LocalDriver) Archive(ctx context.Context, srcDir, ref string) (Handle, error) {
	tmp := d.path(ref) + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return Handle{}, fmt.Errorf("create backup file: %w", err)
	}

	sum, err := archive.Stream(srcDir, archive.TarGz, f, nil)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		os.Remove(tmp)
		return Handle{}, fmt.Errorf("archive backup: %w", err)
	}

	if err := os.Rename(tmp, d.path(ref)); err != nil {
		os.Remove(tmp)
		return Handle{}, fmt.Errorf("finalize backup: %w", err)
	}

	info, err := os.Stat(d.path(ref))
	if err != nil {
		return Handle{}, err
	}

	return Handle{
		Ref:      ref,
		Adapter:  AdapterLocal,
		Size:     info.Size(),
		Checksum: sum,
	}, nil
}

func (d *LocalDriver) Restore(ctx context.Context, h Handle, dstDir string) error {
	f, err := os.Open(d.path(h.Ref))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, h.Ref)
		}
		return err
	}
	defer f.Close()

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	if err := archive.Extract(f, archive.TarGz, dstDir); err != nil {
		return fmt.Errorf("restore backup %s: %w", h.Ref, err)
	}
	return ctx.Err()
}

func (d *LocalDriver) Delete(ctx context.Context, h Handle) error {
	err := os.Remove(d.path(h.Ref))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

var _ Driver = (*LocalDriver)(nil)
