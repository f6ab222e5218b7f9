// pkg/tree/multi_test.go
package tree

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voron/pkg/slice"
)

func TestMultiAddPromotesToNestedTree(t *testing.T) {
	tr, _ := newTestTree(t, 4096)
	k := slice.FromString("color")

	require.NoError(t, tr.MultiAdd(k, []byte("red")))
	v, err := tr.Read(k)
	require.NoError(t, err)
	assert.Equal(t, "red", string(v), "a single value is stored inline")

	// Same value again is a no-op.
	require.NoError(t, tr.MultiAdd(k, []byte("red")))
	n, err := tr.MultiCount(k)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	require.NoError(t, tr.MultiAdd(k, []byte("blue")))
	require.NoError(t, tr.MultiAdd(k, []byte("green")))
	require.NoError(t, tr.MultiAdd(k, []byte("blue")))

	_, err = tr.Read(k)
	assert.ErrorIs(t, err, ErrMultiValue)

	it, err := tr.MultiRead(k)
	require.NoError(t, err)
	assert.Equal(t, []string{"blue", "green", "red"}, collect(t, it))
	n, err = tr.MultiCount(k)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	assert.Equal(t, uint64(1), tr.State().EntriesCount, "outer tree counts keys")
	require.NoError(t, tr.Validate())
}

func TestMultiReadMissingAndInline(t *testing.T) {
	tr, _ := newTestTree(t, 4096)

	it, err := tr.MultiRead(slice.FromString("nothing"))
	require.NoError(t, err)
	assert.False(t, it.Seek(slice.BeforeAllKeys))

	require.NoError(t, tr.MultiAdd(slice.FromString("one"), []byte("only")))
	it, err = tr.MultiRead(slice.FromString("one"))
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, collect(t, it))
}

func TestMultiDelete(t *testing.T) {
	tr, src := newTestTree(t, 4096)
	k := slice.FromString("k")

	// Absent key and absent member are no-ops.
	require.NoError(t, tr.MultiDelete(k, []byte("x")))
	require.NoError(t, tr.MultiAdd(k, []byte("a")))
	require.NoError(t, tr.MultiDelete(k, []byte("x")))
	assert.Equal(t, uint64(1), tr.State().EntriesCount)

	// Inline equal value removes the outer key.
	require.NoError(t, tr.MultiDelete(k, []byte("a")))
	assert.Zero(t, tr.State().EntriesCount)

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, tr.MultiAdd(k, []byte(v)))
	}
	pagesWithNested := len(src.pages)
	assert.Greater(t, pagesWithNested, 1)

	require.NoError(t, tr.MultiDelete(k, []byte("b")))
	require.NoError(t, tr.MultiDelete(k, []byte("b")))
	it, err := tr.MultiRead(k)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, collect(t, it))

	// Draining the nested tree deletes the key and frees its pages.
	require.NoError(t, tr.MultiDelete(k, []byte("a")))
	require.NoError(t, tr.MultiDelete(k, []byte("c")))
	_, err = tr.Read(k)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Len(t, src.pages, 1)
	require.NoError(t, tr.Validate())
}

func TestAddOverMultiValueFreesNestedTree(t *testing.T) {
	tr, src := newTestTree(t, 4096)
	k := slice.FromString("k")
	require.NoError(t, tr.MultiAdd(k, []byte("a")))
	require.NoError(t, tr.MultiAdd(k, []byte("b")))

	require.NoError(t, tr.Add(k, []byte("plain")))
	v, err := tr.Read(k)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(v))
	assert.Len(t, src.pages, 1)
}

func TestMultiValueMemberLimits(t *testing.T) {
	tr, _ := newTestTree(t, 4096)
	k := slice.FromString("k")

	assert.ErrorIs(t, tr.MultiAdd(k, nil), ErrEmptyKey)
	err := tr.MultiAdd(k, bytes.Repeat([]byte("v"), tr.MaxKeySize()+1))
	assert.ErrorIs(t, err, ErrValueTooLarge)
}

func TestMultiAddOverLargeInlineValueAllocatesNothing(t *testing.T) {
	tr, src := newTestTree(t, 4096)
	k := slice.FromString("k")
	large := bytes.Repeat([]byte("v"), tr.MaxKeySize()+1)
	require.NoError(t, tr.Add(k, large))

	pages, next := len(src.pages), src.next
	err := tr.MultiAdd(k, []byte("small"))
	assert.ErrorIs(t, err, ErrValueTooLarge)
	assert.Len(t, src.pages, pages)
	assert.Equal(t, next, src.next, "no page may be allocated for a promotion that fails")

	v, err := tr.Read(k)
	require.NoError(t, err)
	assert.Equal(t, large, v)
	require.NoError(t, tr.Validate())
}

// 250 values of 1000 bytes under one key split the nested tree several
// times; deleting them one by one must keep it valid throughout.
func TestMultiAddsAndDeletesAfterPageSplit(t *testing.T) {
	tr, src := newTestTree(t, 4096)
	r := rand.New(rand.NewSource(1234))
	k := slice.FromString("ChildTreeKey")

	input := make([][]byte, 250)
	for i := range input {
		input[i] = randomBytes(r, 1000)
	}
	for _, v := range input {
		require.NoError(t, tr.MultiAdd(k, v))
	}
	require.NoError(t, tr.Validate())

	count, err := tr.MultiCount(k)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), count)

	for i, v := range input {
		if i == 130 {
			var dump bytes.Buffer
			it, err := tr.MultiRead(k)
			require.NoError(t, err)
			nested := it.(*TreeIterator).tree
			require.NoError(t, nested.Render(&dump))
			require.NoError(t, nested.Validate())
			assert.NotEmpty(t, dump.String())
		}
		require.NoError(t, tr.MultiDelete(k, v), "delete %d", i)
	}

	_, err = tr.Read(k)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Len(t, src.pages, 1)
	require.NoError(t, tr.Validate())
}

// Ten sub-keys each receive one new value per round; after round n every
// sub-key holds n values.
func TestMultiValueRounds(t *testing.T) {
	tr, _ := newTestTree(t, 4096)
	const docs = 10
	subKeys := make([]slice.Slice, docs)
	for j := range subKeys {
		subKeys[j] = key("%d", j)
	}

	r := rand.New(rand.NewSource(5))
	want := make(map[int][]string)
	for round := 1; round <= 50; round++ {
		batch := string(randomBytes(r, 16))
		for i := 0; i < docs; i++ {
			v := "tree_multitree0_record_" + key("%d", i).String() + "_key_" + batch
			require.NoError(t, tr.MultiAdd(subKeys[i%10], []byte(v)))
			want[i%10] = append(want[i%10], v)
		}
		for j := 0; j < docs; j++ {
			it, err := tr.MultiRead(subKeys[j])
			require.NoError(t, err)
			got := collect(t, it)
			assert.Len(t, got, round*docs/10)
		}
	}

	require.NoError(t, tr.Validate())
	for j := 0; j < docs; j++ {
		sort.Strings(want[j])
		it, err := tr.MultiRead(subKeys[j])
		require.NoError(t, err)
		assert.Equal(t, want[j], collect(t, it))
	}
}
