// pkg/voron/environment_test.go
package voron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"voron/pkg/journal"
	"voron/pkg/slice"
)

func newMemoryEnv(t *testing.T) *Environment {
	t.Helper()
	env, err := Open(InMemoryOptions())
	require.NoError(t, err)
	t.Cleanup(func() { env.Dispose() })
	return env
}

func durableOptions(t *testing.T, path string) Options {
	opts := DefaultOptions(path)
	opts.Logger = zaptest.NewLogger(t)
	return opts
}

func createTrees(t *testing.T, env *Environment, names ...string) {
	t.Helper()
	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)
	defer tx.Close()
	for _, name := range names {
		_, err := env.CreateTree(tx, name)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

// putAll stores key/value pairs in one write transaction.
func putAll(t *testing.T, env *Environment, treeName string, kv map[string]string) {
	t.Helper()
	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)
	defer tx.Close()
	tr, err := tx.GetTree(treeName)
	require.NoError(t, err)
	for k, v := range kv {
		require.NoError(t, tr.Add(slice.FromString(k), []byte(v)))
	}
	require.NoError(t, tx.Commit())
}

func numbered(n int, valueSize int) map[string]string {
	kv := make(map[string]string, n)
	for i := 0; i < n; i++ {
		v := fmt.Sprintf("value-%05d-", i)
		for len(v) < valueSize {
			v += "x"
		}
		kv[fmt.Sprintf("key-%05d", i)] = v
	}
	return kv
}

// readTree returns every key/value pair of a tree as seen by a new read
// transaction.
func readTree(t *testing.T, env *Environment, treeName string) map[string]string {
	t.Helper()
	tx, err := env.NewTransaction(Read)
	require.NoError(t, err)
	defer tx.Close()
	tr, err := tx.GetTree(treeName)
	require.NoError(t, err)

	got := make(map[string]string)
	it := tr.Iterate()
	defer it.Close()
	for ok := it.Seek(slice.BeforeAllKeys); ok; ok = it.MoveNext() {
		got[it.CurrentKey().String()] = string(it.Value())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, uint64(len(got)), tr.State().EntriesCount)
	return got
}

func TestRoundTripInMemory(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs")

	kv := numbered(500, 120)
	putAll(t, env, "docs", kv)
	assert.Equal(t, kv, readTree(t, env, "docs"))

	tx, err := env.NewTransaction(Read)
	require.NoError(t, err)
	defer tx.Close()
	tr, err := tx.GetTree("docs")
	require.NoError(t, err)
	v, err := tr.Read(slice.FromString("key-00042"))
	require.NoError(t, err)
	assert.Equal(t, kv["key-00042"], string(v))
	require.NoError(t, tx.Validate())
}

func TestCreateTreeReturnsExisting(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs")
	putAll(t, env, "docs", map[string]string{"a": "1"})

	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)
	defer tx.Close()
	first, err := env.CreateTree(tx, "docs")
	require.NoError(t, err)
	second, err := env.CreateTree(tx, "docs")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, uint64(1), first.State().EntriesCount)
}

func TestTreeNameErrors(t *testing.T) {
	env := newMemoryEnv(t)
	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)
	defer tx.Close()

	_, err = tx.GetTree("missing")
	assert.ErrorIs(t, err, ErrTreeNotFound)
	assert.ErrorIs(t, err, ErrUsage)

	for _, name := range []string{"", rootTreeName, string(make([]byte, 4096))} {
		_, err = env.CreateTree(tx, name)
		assert.ErrorIs(t, err, ErrInvalidTreeName)
	}
	assert.ErrorIs(t, env.DeleteTree(tx, "missing"), ErrTreeNotFound)
}

func TestTreeNames(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "b", "a")

	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)
	defer tx.Close()
	names, err := tx.TreeNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, env.DeleteTree(tx, "a"))
	_, err = env.CreateTree(tx, "c")
	require.NoError(t, err)
	names, err = tx.TreeNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, names)
	require.NoError(t, tx.Commit())

	rtx, err := env.NewTransaction(Read)
	require.NoError(t, err)
	defer rtx.Close()
	names, err = rtx.TreeNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, names)
}

func TestDeleteTreeReleasesPages(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs", "keep")
	putAll(t, env, "docs", numbered(300, 200))
	before := env.Stats()

	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)
	require.NoError(t, env.DeleteTree(tx, "docs"))
	_, err = tx.GetTree("docs")
	assert.ErrorIs(t, err, ErrTreeNotFound)
	require.NoError(t, tx.Commit())

	after := env.Stats()
	assert.Equal(t, 1, after.Trees)
	assert.Greater(t, after.FreePages, before.FreePages+10)
	assert.Zero(t, after.RetiredPages)

	rtx, err := env.NewTransaction(Read)
	require.NoError(t, err)
	defer rtx.Close()
	_, err = rtx.GetTree("docs")
	assert.ErrorIs(t, err, ErrTreeNotFound)
}

func TestTransactionDone(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs")

	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.ErrorIs(t, tx.Commit(), ErrTxDone)
	assert.ErrorIs(t, tx.Rollback(), ErrTxDone)
	assert.NoError(t, tx.Close())
	_, err = tx.GetTree("docs")
	assert.ErrorIs(t, err, ErrTxDone)
	_, err = env.CreateTree(tx, "other")
	assert.ErrorIs(t, err, ErrTxDone)
}

func TestTreeHandleAfterCommit(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs")

	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)
	tr, err := tx.GetTree("docs")
	require.NoError(t, err)
	require.NoError(t, tr.Add(slice.FromString("b"), []byte("2")))
	require.NoError(t, tx.Commit())

	snap, err := env.CreateSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	assert.ErrorIs(t, tr.Add(slice.FromString("c"), []byte("3")), ErrTxDone)
	assert.ErrorIs(t, tr.Add(slice.FromString("b"), []byte("changed")), ErrTxDone)
	assert.ErrorIs(t, tr.Delete(slice.FromString("b")), ErrTxDone)
	assert.ErrorIs(t, tr.MultiAdd(slice.FromString("m"), []byte("v")), ErrTxDone)
	_, err = tr.Read(slice.FromString("b"))
	assert.ErrorIs(t, err, ErrTxDone)

	_, err = snap.Read("docs", slice.FromString("c"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	v, err := snap.Read("docs", slice.FromString("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
	assert.Equal(t, map[string]string{"b": "2"}, readTree(t, env, "docs"))
}

func TestTreeHandleAfterRollbackOrClose(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs")
	putAll(t, env, "docs", map[string]string{"a": "1"})

	for name, end := range map[string]func(*Transaction) error{
		"rollback": (*Transaction).Rollback,
		"close":    (*Transaction).Close,
	} {
		t.Run(name, func(t *testing.T) {
			tx, err := env.NewTransaction(ReadWrite)
			require.NoError(t, err)
			tr, err := tx.GetTree("docs")
			require.NoError(t, err)
			require.NoError(t, tr.Add(slice.FromString("x"), []byte("1")))
			require.NoError(t, end(tx))

			assert.ErrorIs(t, tr.Add(slice.FromString("x"), []byte("1")), ErrTxDone)
			assert.ErrorIs(t, tr.Delete(slice.FromString("a")), ErrTxDone)
			assert.ErrorIs(t, tr.MultiAdd(slice.FromString("m"), []byte("v")), ErrTxDone)
			assert.ErrorIs(t, tr.MultiDelete(slice.FromString("m"), []byte("v")), ErrTxDone)
			assert.Equal(t, map[string]string{"a": "1"}, readTree(t, env, "docs"))
		})
	}
}

func TestReadTransactionRejectsWrites(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs")

	tx, err := env.NewTransaction(Read)
	require.NoError(t, err)
	defer tx.Close()
	assert.False(t, tx.Writable())

	tr, err := tx.GetTree("docs")
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Add(slice.FromString("a"), []byte("1")), ErrReadOnly)
	assert.ErrorIs(t, tr.MultiAdd(slice.FromString("a"), []byte("1")), ErrReadOnly)
	_, err = env.CreateTree(tx, "other")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.NoError(t, tx.Commit())
}

func TestSingleWriter(t *testing.T) {
	env := newMemoryEnv(t)

	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)

	_, err = env.NewTransaction(ReadWrite)
	assert.ErrorIs(t, err, ErrWriterActive)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = env.NewTransactionContext(ctx, ReadWrite)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Readers are never blocked by the writer.
	rtx, err := env.NewTransaction(Read)
	require.NoError(t, err)
	require.NoError(t, rtx.Close())

	admitted := make(chan *Transaction, 1)
	go func() {
		next, err := env.NewTransactionContext(context.Background(), ReadWrite)
		if err != nil {
			admitted <- nil
			return
		}
		admitted <- next
	}()

	select {
	case <-admitted:
		t.Fatal("second writer admitted while the first is open")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, tx.Rollback())
	select {
	case next := <-admitted:
		require.NotNil(t, next)
		assert.Equal(t, ReadWrite, next.Flags())
		require.NoError(t, next.Close())
	case <-time.After(5 * time.Second):
		t.Fatal("waiting writer was not admitted")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs")
	putAll(t, env, "docs", map[string]string{"k1": "old"})

	snap, err := env.CreateSnapshot()
	require.NoError(t, err)

	putAll(t, env, "docs", map[string]string{"k1": "new", "k2": "added"})
	more := numbered(400, 100)
	putAll(t, env, "docs", more)

	v, err := snap.Read("docs", slice.FromString("k1"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(v))
	_, err = snap.Read("docs", slice.FromString("k2"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	it, err := snap.Iterate("docs")
	require.NoError(t, err)
	var keys []string
	for ok := it.Seek(slice.BeforeAllKeys); ok; ok = it.MoveNext() {
		keys = append(keys, it.CurrentKey().String())
	}
	require.NoError(t, it.Close())
	assert.Equal(t, []string{"k1"}, keys)
	assert.Positive(t, env.Stats().RetainedVersions)
	require.NoError(t, snap.Close())

	assert.Zero(t, env.Stats().RetainedVersions)
	got := readTree(t, env, "docs")
	assert.Equal(t, "new", got["k1"])
	assert.Equal(t, "added", got["k2"])
	assert.Len(t, got, 402)
}

func TestRetiredPagesWaitForReaders(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs")
	kv := numbered(500, 100)
	putAll(t, env, "docs", kv)

	snap, err := env.CreateSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, env.Stats().ActiveReaders)

	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)
	tr, err := tx.GetTree("docs")
	require.NoError(t, err)
	for k := range kv {
		require.NoError(t, tr.Delete(slice.FromString(k)))
	}
	require.NoError(t, tx.Commit())

	stats := env.Stats()
	assert.Positive(t, stats.RetiredPages)
	freeBefore := stats.FreePages

	it, err := snap.Iterate("docs")
	require.NoError(t, err)
	count := 0
	for ok := it.Seek(slice.BeforeAllKeys); ok; ok = it.MoveNext() {
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 500, count)
	require.NoError(t, snap.Close())

	stats = env.Stats()
	assert.Zero(t, stats.ActiveReaders)
	assert.Zero(t, stats.RetiredPages)
	assert.Greater(t, stats.FreePages, freeBefore)
	assert.Empty(t, readTree(t, env, "docs"))
}

func TestRollbackFreesAllocatedPages(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs")
	before := env.Stats()

	write := func() *Transaction {
		tx, err := env.NewTransaction(ReadWrite)
		require.NoError(t, err)
		tr, err := tx.GetTree("docs")
		require.NoError(t, err)
		for i := 0; i < 300; i++ {
			require.NoError(t, tr.Add(slice.FromString(fmt.Sprintf("key-%05d", i)), make([]byte, 100)))
		}
		return tx
	}

	require.NoError(t, write().Rollback())
	rolledBack := env.Stats()
	assert.Greater(t, rolledBack.PageCount, before.PageCount)
	assert.Equal(t, int(rolledBack.PageCount-before.PageCount), rolledBack.FreePages-before.FreePages)
	assert.Empty(t, readTree(t, env, "docs"))

	require.NoError(t, write().Commit())
	committed := env.Stats()
	assert.Equal(t, rolledBack.PageCount, committed.PageCount, "committed pages reuse the rolled back ones")
	assert.Equal(t, before.FreePages, committed.FreePages)
	assert.Len(t, readTree(t, env, "docs"), 300)
}

func TestFailedOperationKeepsTransactionUsable(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs")

	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)
	defer tx.Close()
	tr, err := tx.GetTree("docs")
	require.NoError(t, err)

	err = tr.Add(slice.FromString("big"), make([]byte, 8192))
	assert.ErrorIs(t, err, ErrValueTooLarge)
	assert.ErrorIs(t, err, ErrCapacity)
	err = tr.Add(slice.FromString(string(make([]byte, 2000))), []byte("v"))
	assert.ErrorIs(t, err, ErrKeyTooLarge)

	require.NoError(t, tr.Add(slice.FromString("small"), []byte("v")))
	require.NoError(t, tx.Commit())
	assert.Equal(t, map[string]string{"small": "v"}, readTree(t, env, "docs"))
}

func TestIdempotentDelete(t *testing.T) {
	env := newMemoryEnv(t)
	createTrees(t, env, "docs")
	putAll(t, env, "docs", map[string]string{"a": "1"})

	tx, err := env.NewTransaction(ReadWrite)
	require.NoError(t, err)
	tr, err := tx.GetTree("docs")
	require.NoError(t, err)
	before := tr.State()
	require.NoError(t, tr.Delete(slice.FromString("missing")))
	require.NoError(t, tr.MultiDelete(slice.FromString("missing"), []byte("v")))
	assert.Equal(t, before, tr.State())
	require.NoError(t, tx.Commit())
	assert.Equal(t, map[string]string{"a": "1"}, readTree(t, env, "docs"))
}

func TestDurableReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.voron")

	env, err := Open(durableOptions(t, path))
	require.NoError(t, err)
	createTrees(t, env, "docs", "index")
	kv := numbered(400, 150)
	putAll(t, env, "docs", kv)
	putAll(t, env, "index", map[string]string{"x": "y"})
	stats := env.Stats()
	require.NoError(t, env.Dispose())
	assert.ErrorIs(t, env.Dispose(), ErrEnvironmentClosed)

	env, err = Open(durableOptions(t, path))
	require.NoError(t, err)
	defer env.Dispose()

	reopened := env.Stats()
	assert.Equal(t, stats.EnvID, reopened.EnvID)
	assert.Equal(t, stats.LastTxID, reopened.LastTxID)
	assert.Equal(t, 2, reopened.Trees)
	assert.Zero(t, reopened.JournalFrames)
	assert.Equal(t, kv, readTree(t, env, "docs"))
	assert.Equal(t, map[string]string{"x": "y"}, readTree(t, env, "index"))

	// Writes continue with the next transaction id.
	putAll(t, env, "index", map[string]string{"z": "w"})
	assert.Equal(t, stats.LastTxID+1, env.Stats().LastTxID)
}

func TestEnvironmentLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.voron")
	env, err := Open(durableOptions(t, path))
	require.NoError(t, err)

	_, err = Open(durableOptions(t, path))
	assert.ErrorIs(t, err, ErrEnvironmentLocked)

	require.NoError(t, env.Dispose())
	env, err = Open(durableOptions(t, path))
	require.NoError(t, err)
	require.NoError(t, env.Dispose())
}

func copyFile(t *testing.T, from, to string) {
	t.Helper()
	data, err := os.ReadFile(from)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(to, data, 0644))
}

func TestRecoveryReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.voron")
	opts := durableOptions(t, path)
	opts.Journal.CheckpointFrames = 0

	env, err := Open(opts)
	require.NoError(t, err)
	createTrees(t, env, "docs")
	putAll(t, env, "docs", map[string]string{"before": "crash"})
	require.NoError(t, env.Dispose())
	copyFile(t, path, filepath.Join(dir, "data.saved"))

	// Commits after the saved data file only reach the journal.
	env, err = Open(opts)
	require.NoError(t, err)
	kv := numbered(300, 100)
	putAll(t, env, "docs", kv)
	createTrees(t, env, "later")
	putAll(t, env, "later", map[string]string{"a": "b"})
	assert.Positive(t, env.Stats().JournalFrames)
	copyFile(t, path+".journal", filepath.Join(dir, "journal.saved"))
	lastTx := env.Stats().LastTxID
	require.NoError(t, env.Dispose())

	// Put the files back as a crash would have left them.
	copyFile(t, filepath.Join(dir, "data.saved"), path)
	copyFile(t, filepath.Join(dir, "journal.saved"), path+".journal")

	env, err = Open(opts)
	require.NoError(t, err)
	defer env.Dispose()

	stats := env.Stats()
	assert.Equal(t, lastTx, stats.LastTxID)
	assert.Zero(t, stats.JournalFrames)
	kv["before"] = "crash"
	assert.Equal(t, kv, readTree(t, env, "docs"))
	assert.Equal(t, map[string]string{"a": "b"}, readTree(t, env, "later"))

	tx, err := env.NewTransaction(Read)
	require.NoError(t, err)
	defer tx.Close()
	require.NoError(t, tx.Validate())
}

func TestRecoveryRejectsForeignJournal(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.voron")
	second := filepath.Join(dir, "second.voron")

	for _, path := range []string{first, second} {
		env, err := Open(durableOptions(t, path))
		require.NoError(t, err)
		require.NoError(t, env.Dispose())
	}
	copyFile(t, first+".journal", second+".journal")

	_, err := Open(durableOptions(t, second))
	assert.ErrorIs(t, err, ErrConsistency)
	var cerr *journal.CorruptionError
	assert.True(t, errors.As(err, &cerr))
}

func TestJournalCompressionRoundTrip(t *testing.T) {
	for _, c := range []journal.Compression{
		journal.CompressionNone, journal.CompressionSnappy, journal.CompressionZstd, journal.CompressionLZ4,
	} {
		t.Run(c.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data.voron")
			opts := durableOptions(t, path)
			opts.Journal.Compression = c
			opts.Journal.CheckpointFrames = 0

			env, err := Open(opts)
			require.NoError(t, err)
			createTrees(t, env, "docs")
			kv := numbered(200, 300)
			putAll(t, env, "docs", kv)
			assert.Positive(t, env.Stats().JournalFrames)
			assert.Equal(t, path+".journal", env.Stats().JournalPath)
			require.NoError(t, env.Dispose())

			env, err = Open(opts)
			require.NoError(t, err)
			defer env.Dispose()
			assert.Equal(t, kv, readTree(t, env, "docs"))
		})
	}
}

func TestCheckpointEveryNFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.voron")
	opts := durableOptions(t, path)
	opts.Journal.CheckpointFrames = 8

	env, err := Open(opts)
	require.NoError(t, err)
	defer env.Dispose()
	createTrees(t, env, "docs")
	for i := 0; i < 20; i++ {
		putAll(t, env, "docs", map[string]string{fmt.Sprintf("k%02d", i): "v"})
		assert.Less(t, env.Stats().JournalFrames, 8)
	}
	require.NoError(t, env.Checkpoint(context.Background()))
	assert.Zero(t, env.Stats().JournalFrames)
	assert.Len(t, readTree(t, env, "docs"), 20)
}

func TestDisposedEnvironment(t *testing.T) {
	env, err := Open(InMemoryOptions())
	require.NoError(t, err)
	require.NoError(t, env.Dispose())

	_, err = env.NewTransaction(Read)
	assert.ErrorIs(t, err, ErrEnvironmentClosed)
	_, err = env.NewTransaction(ReadWrite)
	assert.ErrorIs(t, err, ErrEnvironmentClosed)
	_, err = env.CreateSnapshot()
	assert.ErrorIs(t, err, ErrEnvironmentClosed)
	assert.ErrorIs(t, env.Close(), ErrEnvironmentClosed)
}
