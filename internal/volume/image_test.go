package volume

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 64 * 1024

func mountedImage(t *testing.T) *Image {
	t.Helper()
	img := NewImage(filepath.Join(t.TempDir(), "disk", "storage.img"), testSize)
	require.NoError(t, img.Mount())
	return img
}

func TestMountFormatsMissingImage(t *testing.T) {
	img := mountedImage(t)
	st, err := os.Stat(img.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(testSize), st.Size())
	assert.True(t, img.Mounted())

	assert.ErrorIs(t, img.Mount(), ErrMounted)
}

func TestMountWithoutFormat(t *testing.T) {
	img := NewImage(filepath.Join(t.TempDir(), "none.img"), testSize, WithFormatIfMissing(false))
	assert.ErrorIs(t, img.Mount(), ErrNoImage)
	assert.False(t, img.Mounted())
}

func TestMountExistingImageKeepsSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	img := NewImage(path, testSize)
	require.NoError(t, img.Mount())
	total, _, err := img.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), total)
}

func TestOpenWriteSyncRead(t *testing.T) {
	img := mountedImage(t)

	w, err := img.Open(os.O_WRONLY | os.O_TRUNC)
	require.NoError(t, err)
	_, err = w.Seek(1024, io.SeekStart)
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte{0x5A}, 512))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	r, err := img.Open(os.O_RDONLY)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Seek(1024, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 512)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x5A}, 512), buf)

	// O_TRUNC 被忽略, 镜像大小不变
	st, err := os.Stat(img.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(testSize), st.Size())
}

func TestUnmountRemount(t *testing.T) {
	img := mountedImage(t)
	require.NoError(t, img.Unmount())
	require.NoError(t, img.Unmount())

	_, err := img.Open(os.O_RDONLY)
	assert.ErrorIs(t, err, ErrNotMounted)
	_, _, err = img.Stats()
	assert.ErrorIs(t, err, ErrNotMounted)

	require.NoError(t, img.Remount())
	require.NoError(t, img.Remount())
	h, err := img.Open(os.O_RDONLY)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestStats(t *testing.T) {
	img := mountedImage(t)
	total, free, err := img.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(testSize), total)
	assert.LessOrEqual(t, free, total)
}
