// pkg/tree/source_test.go
package tree

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"voron/pkg/pager"
	"voron/pkg/slice"
)

// memSource is a PageSource over a plain map, used to test trees without
// transactions.
type memSource struct {
	pageSize int
	pages    map[uint32]*pager.Page
	next     uint32
	freed    int
	readOnly bool
}

func newMemSource(pageSize int) *memSource {
	return &memSource{
		pageSize: pageSize,
		pages:    make(map[uint32]*pager.Page),
		next:     1,
	}
}

func (s *memSource) PageSize() int  { return s.pageSize }
func (s *memSource) Writable() bool { return !s.readOnly }

func (s *memSource) GetPage(pageNo uint32) (*pager.Page, error) {
	page, ok := s.pages[pageNo]
	if !ok {
		return nil, fmt.Errorf("%w: %d", pager.ErrPageNotFound, pageNo)
	}
	return page, nil
}

func (s *memSource) ModifyPage(pageNo uint32) (*pager.Page, error) {
	return s.GetPage(pageNo)
}

func (s *memSource) AllocatePage() (*pager.Page, error) {
	page := pager.NewPage(s.next, s.pageSize, pager.PageTypeUnknown, 1)
	s.pages[s.next] = page
	s.next++
	return page, nil
}

func (s *memSource) FreePage(pageNo uint32) {
	delete(s.pages, pageNo)
	s.freed++
}

func newTestTree(t *testing.T, pageSize int) (*Tree, *memSource) {
	t.Helper()
	src := newMemSource(pageSize)
	tr, err := Create(src, "test", FlagNone)
	require.NoError(t, err)
	return tr, src
}

func key(format string, args ...any) slice.Slice {
	return slice.FromString(fmt.Sprintf(format, args...))
}

func randomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('A' + r.Intn(26))
	}
	return b
}

// collect returns every key of an iterator in order.
func collect(t *testing.T, it Iterator) []string {
	t.Helper()
	var keys []string
	if it.Seek(slice.BeforeAllKeys) {
		for {
			keys = append(keys, it.CurrentKey().String())
			if !it.MoveNext() {
				break
			}
		}
	}
	require.NoError(t, it.Err())
	return keys
}
