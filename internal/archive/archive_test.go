package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawTar builds hand-crafted archives for hostile-input tests.
type rawTar struct {
	tw *tar.Writer
	t  *testing.T
}

func newRawTar(w *bytes.Buffer, t *testing.T) *rawTar {
	return &rawTar{tw: tar.NewWriter(w), t: t}
}

func (r *rawTar) addFile(name string, data []byte) {
	require.NoError(r.t, r.tw.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(data)),
	}))
	_, err := r.tw.Write(data)
	require.NoError(r.t, err)
}

func (r *rawTar) close() {
	require.NoError(r.t, r.tw.Close())
}

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "world", "region"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "server.properties"), []byte("motd=hello\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "world", "level.dat"), bytes.Repeat([]byte{0xAB}, 4096), 0o600))
	require.NoError(t, os.Symlink("server.properties", filepath.Join(root, "props-link")))
}

func TestStreamExtractRoundTrip(t *testing.T) {
	for _, format := range []Format{Tar, TarGz, TarZstd} {
		t.Run(format.Extension(), func(t *testing.T) {
			src := t.TempDir()
			writeTree(t, src)

			var buf bytes.Buffer
			var counted atomic.Uint64
			sum, err := Stream(src, format, &buf, &counted)
			require.NoError(t, err)
			assert.Len(t, sum, 64)
			assert.Equal(t, uint64(len("motd=hello\n")+4096), counted.Load())

			dst := t.TempDir()
			require.NoError(t, Extract(bytes.NewReader(buf.Bytes()), format, dst))

			data, err := os.ReadFile(filepath.Join(dst, "server.properties"))
			require.NoError(t, err)
			assert.Equal(t, "motd=hello\n", string(data))

			level, err := os.ReadFile(filepath.Join(dst, "world", "level.dat"))
			require.NoError(t, err)
			assert.Len(t, level, 4096)

			link, err := os.Readlink(filepath.Join(dst, "props-link"))
			require.NoError(t, err)
			assert.Equal(t, "server.properties", link)
		})
	}
}

func TestStreamChecksumIsOverWrittenBytes(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	var a, b bytes.Buffer
	sumA, err := Stream(src, Tar, &a, nil)
	require.NoError(t, err)
	sumB, err := Stream(src, Tar, &b, nil)
	require.NoError(t, err)

	assert.Equal(t, sumA, sumB)
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestExtractNeutralizesTraversalEntries(t *testing.T) {
	var buf bytes.Buffer
	tw := newRawTar(&buf, t)
	tw.addFile("../../escape.txt", []byte("nope"))
	tw.close()

	parent := t.TempDir()
	dst := filepath.Join(parent, "data")
	require.NoError(t, os.MkdirAll(dst, 0o755))
	require.NoError(t, Extract(bytes.NewReader(buf.Bytes()), Tar, dst))

	// The entry must land inside dst, never beside it.
	_, err := os.Stat(filepath.Join(parent, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dst, "escape.txt"))
	assert.NoError(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("archive.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, TarGz, f)

	f, err = ParseFormat("archive.tar.zst")
	require.NoError(t, err)
	assert.Equal(t, TarZstd, f)

	f, err = ParseFormat("archive.tar")
	require.NoError(t, err)
	assert.Equal(t, Tar, f)

	_, err = ParseFormat("archive.zip")
	assert.Error(t, err)
}

func TestFormatExtension(t *testing.T) {
	assert.Equal(t, "tar", Tar.Extension())
	assert.Equal(t, "tar.gz", TarGz.Extension())
	assert.Equal(t, "tar.zst", TarZstd.Extension())
}
