// pkg/voron/options_test.go
package voron

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voron/pkg/journal"
)

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voron.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
path: /var/lib/voron/data
page_size: 8192
journal:
  compression: zstd
  checkpoint_frames: 64
`), 0644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/voron/data", opts.Path)
	assert.Equal(t, 8192, opts.PageSize)
	assert.Equal(t, 4096, opts.CacheSize, "defaults survive")
	assert.Equal(t, journal.CompressionZstd, opts.Journal.Compression)
	assert.Equal(t, 64, opts.Journal.CheckpointFrames)
	assert.True(t, opts.Journal.SyncOnCommit)
	assert.False(t, opts.InMemory)
}

func TestLoadOptionsErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadOptions(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("journal:\n  compression: brotli\n"), 0644))
	_, err = LoadOptions(bad)
	assert.Error(t, err)

	noPath := filepath.Join(dir, "nopath.yaml")
	require.NoError(t, os.WriteFile(noPath, []byte("page_size: 4096\n"), 0644))
	_, err = LoadOptions(noPath)
	assert.ErrorIs(t, err, ErrUsage)

	mem := filepath.Join(dir, "mem.yaml")
	require.NoError(t, os.WriteFile(mem, []byte("in_memory: true\n"), 0644))
	opts, err := LoadOptions(mem)
	require.NoError(t, err)
	assert.True(t, opts.InMemory)
}

func TestOpenRejectsInvalidOptions(t *testing.T) {
	_, err := Open(Options{})
	assert.ErrorIs(t, err, ErrUsage)

	opts := InMemoryOptions()
	opts.PageSize = 3000
	_, err = Open(opts)
	assert.Error(t, err)
}

func TestInMemoryPageSizes(t *testing.T) {
	for _, size := range []int{1024, 8192} {
		opts := InMemoryOptions()
		opts.PageSize = size
		env, err := Open(opts)
		require.NoError(t, err)
		createTrees(t, env, "docs")
		kv := numbered(300, 50)
		putAll(t, env, "docs", kv)
		assert.Equal(t, kv, readTree(t, env, "docs"))
		assert.Equal(t, size, env.Stats().PageSize)
		require.NoError(t, env.Dispose())
	}
}
