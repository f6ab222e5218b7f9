// pkg/tree/node_test.go
package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voron/pkg/pager"
)

func newTestNode(t pager.PageType) node {
	return initNode(pager.NewPage(3, 1024, pager.PageTypeUnknown, 1), t)
}

func TestNodeInsertKeepsOrder(t *testing.T) {
	n := newTestNode(pager.PageTypeLeaf)
	for _, k := range []string{"delta", "alpha", "charlie", "bravo"} {
		i, found := n.leafSearch([]byte(k))
		require.False(t, found)
		require.True(t, n.insertCell(i, leafCell([]byte(k), valuePayload([]byte("v-"+k)))))
	}

	require.Equal(t, 4, n.count())
	for i, want := range []string{"alpha", "bravo", "charlie", "delta"} {
		k, p := decodeLeafCell(n.cell(i))
		assert.Equal(t, want, string(k))
		assert.Equal(t, "v-"+want, string(p.value))
	}

	i, found := n.leafSearch([]byte("charlie"))
	assert.True(t, found)
	assert.Equal(t, 2, i)
	i, found = n.leafSearch([]byte("zulu"))
	assert.False(t, found)
	assert.Equal(t, 4, i)
	assert.NoError(t, n.checkLayout())
}

func TestNodeRemoveAndCompact(t *testing.T) {
	n := newTestNode(pager.PageTypeLeaf)
	big := make([]byte, 300)

	require.True(t, n.insertCell(0, leafCell([]byte("a"), valuePayload(big))))
	require.True(t, n.insertCell(1, leafCell([]byte("b"), valuePayload(big))))
	require.True(t, n.insertCell(2, leafCell([]byte("c"), valuePayload(big))))
	require.False(t, n.insertCell(3, leafCell([]byte("d"), valuePayload(big))), "page is full")

	// Removing the middle entry leaves a hole that only compaction reclaims.
	n.removeCell(1)
	assert.Less(t, n.freeSpace(), 300)
	require.True(t, n.insertCell(2, leafCell([]byte("d"), valuePayload(big))))

	assert.Equal(t, "a", string(n.key(0)))
	assert.Equal(t, "c", string(n.key(1)))
	assert.Equal(t, "d", string(n.key(2)))
	assert.NoError(t, n.checkLayout())
}

func TestNodeBranchSearch(t *testing.T) {
	n := newTestNode(pager.PageTypeBranch)
	require.True(t, n.insertCell(0, branchCell(nil, 10)))
	require.True(t, n.insertCell(1, branchCell([]byte("m"), 11)))
	require.True(t, n.insertCell(2, branchCell([]byte("t"), 12)))

	cases := map[string]uint32{
		"":  10,
		"a": 10,
		"m": 11,
		"p": 11,
		"t": 12,
		"z": 12,
	}
	for k, want := range cases {
		assert.Equal(t, want, n.child(n.branchSearch([]byte(k))), "key %q", k)
	}
}

func TestSubtreeCellRoundTrip(t *testing.T) {
	st := State{RootPage: 9, EntriesCount: 1 << 40, Depth: 3, BranchPages: 4, LeafPages: 17, Flags: FlagMultiValueSet}
	cell := leafCell([]byte("k"), subtreePayload(st))
	assert.Equal(t, len(cell), entrySize(cell, true))

	k, p := decodeLeafCell(cell)
	assert.Equal(t, "k", string(k))
	assert.Equal(t, payloadSubtree, p.kind)
	assert.Equal(t, st, p.subtree)
}

func TestCheckLayoutDetectsDamage(t *testing.T) {
	n := newTestNode(pager.PageTypeLeaf)
	require.True(t, n.insertCell(0, leafCell([]byte("a"), valuePayload([]byte("x")))))
	n.setLower(n.lower() + slotSize)

	var cerr *ConsistencyError
	require.ErrorAs(t, n.checkLayout(), &cerr)
	assert.Equal(t, uint32(3), cerr.PageNo)
	assert.ErrorIs(t, cerr, ErrConsistency)
}
