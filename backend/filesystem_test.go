package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "cache")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	require.Equal(t, root, fs.Root())

	// Check directory was created
	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "webp/ab/cd/abcdef.webp"
	data := []byte("hello, world!")

	err := fs.Write(ctx, key, bytes.NewReader(data))
	require.NoError(t, err)

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)

	require.Equal(t, data, got)
}

func TestFilesystemWriteOverwrites(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "blob", bytes.NewReader([]byte("first"))))
	require.NoError(t, fs.Write(ctx, "blob", bytes.NewReader([]byte("second"))))

	rc, err := fs.Read(ctx, "blob")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Read(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExists(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	key := "exists/test.bin"

	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	err = fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	key := "delete/test.bin"

	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("data"))))
	require.NoError(t, fs.Delete(ctx, key))

	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	// Deleting a missing key is a no-op
	require.NoError(t, fs.Delete(ctx, key))
}

func TestFilesystemSize(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	data := []byte("twelve bytes")
	require.NoError(t, fs.Write(ctx, "sized", bytes.NewReader(data)))

	size, err := fs.Size(ctx, "sized")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	_, err = fs.Size(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemNoTempFilesLeftBehind(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "a/b/blob", bytes.NewReader([]byte("data"))))

	entries, err := os.ReadDir(filepath.Join(fs.Root(), "a", "b"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "blob", entries[0].Name())
}
