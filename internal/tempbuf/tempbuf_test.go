package tempbuf

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferInMemory(t *testing.T) {
	b, err := From(strings.NewReader("<feedback/>"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	assert.False(t, b.OnDisk())
	assert.Equal(t, int64(11), b.Size())

	for i := 0; i < 2; i++ {
		_, err := b.Seek(0, io.SeekStart)
		require.NoError(t, err)
		got, err := io.ReadAll(b)
		require.NoError(t, err)
		assert.Equal(t, "<feedback/>", string(got))
	}
}

func TestBufferSpillsAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("0123456789"), 100)

	b, err := From(bytes.NewReader(payload), WithThreshold(64), WithDir(dir))
	require.NoError(t, err)
	assert.True(t, b.OnDisk())
	assert.Equal(t, int64(len(payload)), b.Size())

	head := make([]byte, 10)
	n, err := b.ReadAt(head, 990)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(head[:n]))

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	spill := filepath.Join(dir, entries[0].Name())

	require.NoError(t, b.Close())
	_, err = os.Stat(spill)
	assert.True(t, os.IsNotExist(err), "spill file should be removed")

	_, err = b.Read(head)
	assert.Error(t, err)
	assert.NoError(t, b.Close())
}

func TestBufferSeekEnd(t *testing.T) {
	b := New()
	_, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)

	pos, err := b.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)

	rest, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(rest))

	_, err = b.Seek(-10, io.SeekCurrent)
	assert.Error(t, err)
}
