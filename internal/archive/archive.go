// Package archive produces transportable snapshots of a server's data
// directory as streamed tar archives, optionally compressed.
package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format selects the archive container and compression.
type Format int

const (
	Tar Format = iota
	TarGz
	TarZstd
)

func (f Format) Extension() string {
	switch f {
	case Tar:
		return "tar"
	case TarZstd:
		return "tar.zst"
	default:
		return "tar.gz"
	}
}

// ParseFormat derives the format from a file name suffix.
func ParseFormat(name string) (Format, error) {
	switch {
	case strings.HasSuffix(name, ".tar.gz"):
		return TarGz, nil
	case strings.HasSuffix(name, ".tar.zst"):
		return TarZstd, nil
	case strings.HasSuffix(name, ".tar"):
		return Tar, nil
	}
	return Tar, fmt.Errorf("unrecognized archive format: %s", name)
}

// Stream writes an archive of root to w and returns the hex sha256 of the
// bytes written. bytesRead, when non-nil, is advanced with the uncompressed
// size of every archived entry so callers can report progress.
func Stream(root string, format Format, w io.Writer, bytesRead *atomic.Uint64) (string, error) {
	hasher := sha256.New()
	out := io.MultiWriter(w, hasher)

	var compressed io.WriteCloser
	switch format {
	case Tar:
		compressed = nopWriteCloser{out}
	case TarZstd:
		zw, err := zstd.NewWriter(out)
		if err != nil {
			return "", fmt.Errorf("zstd writer: %w", err)
		}
		compressed = zw
	default:
		compressed = gzip.NewWriter(out)
	}

	tw := tar.NewWriter(compressed)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish mid-walk while a server writes files.
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			link, _ = os.Readlink(path)
		}

		hdr, hdrErr := tar.FileInfoHeader(info, link)
		if hdrErr != nil {
			return nil
		}
		hdr.Name = filepath.ToSlash(rel)

		switch {
		case info.IsDir():
			hdr.Name += "/"
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, openErr := os.Open(path)
			if openErr != nil {
				return nil
			}
			n, copyErr := io.Copy(tw, f)
			f.Close()
			if bytesRead != nil {
				bytesRead.Add(uint64(n))
			}
			if copyErr != nil {
				return copyErr
			}
		case link != "":
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		tw.Close()
		compressed.Close()
		return "", fmt.Errorf("archive %s: %w", root, err)
	}

	if err := tw.Close(); err != nil {
		compressed.Close()
		return "", fmt.Errorf("finalize archive: %w", err)
	}
	if err := compressed.Close(); err != nil {
		return "", fmt.Errorf("finalize compression: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Extract unpacks an archive produced by Stream into dir. Entries escaping
// dir are rejected.
func Extract(r io.Reader, format Format, dir string) error {
	var decompressed io.Reader
	switch format {
	case Tar:
		decompressed = r
	case TarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		decompressed = zr
	default:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer gr.Close()
		decompressed = gr
	}

	tr := tar.NewReader(decompressed)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		target := filepath.Join(dir, filepath.Clean("/"+hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		case tar.TypeSymlink:
			os.MkdirAll(filepath.Dir(target), 0o755)
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
