// pkg/pager/pager.go
package pager

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrInvalidHeader   = errors.New("invalid database header")
	ErrInvalidPageSize = errors.New("invalid page size")
	ErrPageNotFound    = errors.New("page not found")
	ErrPagerClosed     = errors.New("pager is closed")
	ErrRootTooLarge    = errors.New("root state too large for header")
)

// NoReaders is passed to Reclaim when no snapshot is pinned.
const NoReaders uint64 = math.MaxUint64

// Options configures the pager
type Options struct {
	PageSize  int      // Page size in bytes (default 4096)
	CacheSize int      // Number of committed pages kept decoded (default 4096)
	EnvID     [16]byte // Identity recorded in a newly created header
}

// Pager is the page store shared by every transaction of an environment.
//
// The latest committed version of each page lives in storage (and in the
// decoded cache). When a commit overwrites a page that an open snapshot may
// still read, the previous version is retained in memory, tagged with the
// id of the transaction that wrote it, until Reclaim decides that no pinned
// snapshot can see it any more.
type Pager struct {
	mu        sync.RWMutex
	storage   Storage
	inMemory  bool
	pageSize  int
	header    Header
	cache     map[uint32]*Page
	cacheSize int
	versions  map[uint32][]*Page
	freelist  *Freelist
	retired   []retiredPages
	closed    bool
}

// retiredPages are pages freed by the commit of txID. They become
// reusable once every snapshot older than txID is closed.
type retiredPages struct {
	txID  uint64
	pages []uint32
}

// Open opens or creates a memory-mapped page file.
func Open(path string, opts Options) (*Pager, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	if err := validatePageSize(pageSize); err != nil {
		return nil, err
	}

	mf, err := OpenMmapFile(path, int64(pageSize))
	if err != nil {
		return nil, err
	}

	p, err := newPager(mf, false, opts)
	if err != nil {
		mf.Close()
		return nil, err
	}
	return p, nil
}

// OpenInMemory creates a pager over a MemoryStorage.
func OpenInMemory(opts Options) (*Pager, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	if err := validatePageSize(pageSize); err != nil {
		return nil, err
	}
	return newPager(NewMemoryStorage(int64(pageSize)), true, opts)
}

// OpenWithStorage opens a pager over a caller-provided storage backend.
func OpenWithStorage(storage Storage, opts Options) (*Pager, error) {
	_, inMemory := storage.(*MemoryStorage)
	return newPager(storage, inMemory, opts)
}

func newPager(storage Storage, inMemory bool, opts Options) (*Pager, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	if err := validatePageSize(pageSize); err != nil {
		return nil, err
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}

	p := &Pager{
		storage:   storage,
		inMemory:  inMemory,
		pageSize:  pageSize,
		cache:     make(map[uint32]*Page),
		cacheSize: cacheSize,
		versions:  make(map[uint32][]*Page),
		freelist:  NewFreelist(),
	}

	first := storage.Slice(0, headerMinimumSize)
	if first == nil {
		return nil, fmt.Errorf("%w: storage smaller than a header", ErrInvalidHeader)
	}

	if hasMagic(first) {
		// The header may record a different page size than requested; the
		// file wins.
		h, err := DecodeHeader(storage.Slice(0, headerMinimumSize))
		if err != nil {
			return nil, err
		}
		p.header = h
		p.pageSize = int(h.PageSize)
		if err := p.loadFreelist(); err != nil {
			return nil, err
		}
		return p, nil
	}

	p.header = Header{
		PageSize:  uint32(pageSize),
		PageCount: 1,
		EnvID:     opts.EnvID,
	}
	if err := p.ensureCapacityLocked(1); err != nil {
		return nil, err
	}
	p.writeHeaderLocked()
	return p, nil
}

// PageSize returns the page size
func (p *Pager) PageSize() int {
	return p.pageSize
}

// IsInMemory reports whether pages are kept in process memory only.
func (p *Pager) IsInMemory() bool {
	return p.inMemory
}

// PageCount returns the number of pages ever allocated, header included.
func (p *Pager) PageCount() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.PageCount
}

// LastTxID returns the id of the last committed transaction.
func (p *Pager) LastTxID() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.LastTxID
}

// EnvID returns the environment identity stored in the header.
func (p *Pager) EnvID() [16]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.EnvID
}

// RootState returns the opaque root state recorded by the last commit.
func (p *Pager) RootState() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]byte(nil), p.header.RootState...)
}

// Read returns the version of pageNo visible to a snapshot taken after
// transaction snapshot committed. The returned page must not be modified.
func (p *Pager) Read(pageNo uint32, snapshot uint64) (*Page, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPagerClosed
	}
	current, cached := p.cache[pageNo]
	chain := p.versions[pageNo]
	p.mu.RUnlock()

	if !cached {
		p.mu.Lock()
		var err error
		current, err = p.loadLocked(pageNo)
		chain = p.versions[pageNo]
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	if current.TxID() <= snapshot {
		return current, nil
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].TxID() <= snapshot {
			return chain[i], nil
		}
	}
	return nil, fmt.Errorf("%w: page %d has no version visible to snapshot %d", ErrPageNotFound, pageNo, snapshot)
}

// loadLocked returns the latest committed version of pageNo, reading it
// from storage on a cache miss. Caller must hold p.mu for writing.
func (p *Pager) loadLocked(pageNo uint32) (*Page, error) {
	if p.closed {
		return nil, ErrPagerClosed
	}
	if page, ok := p.cache[pageNo]; ok {
		return page, nil
	}
	if pageNo == headerPageNo || pageNo >= p.header.PageCount {
		return nil, fmt.Errorf("%w: %d", ErrPageNotFound, pageNo)
	}

	raw := p.storage.Slice(int(pageNo)*p.pageSize, p.pageSize)
	if raw == nil {
		return nil, fmt.Errorf("%w: %d beyond storage", ErrPageNotFound, pageNo)
	}
	page := NewPageWithData(pageNo, append([]byte(nil), raw...))
	if cerr := verifyPage(pageNo, page); cerr != nil {
		return nil, cerr
	}

	p.evictLocked()
	p.cache[pageNo] = page
	return page, nil
}

// evictLocked drops cached pages once the cache is full. Storage always
// holds the latest version, so any cached page can be reloaded.
func (p *Pager) evictLocked() {
	if len(p.cache) < p.cacheSize {
		return
	}
	drop := len(p.cache) / 8
	if drop == 0 {
		drop = 1
	}
	for pageNo := range p.cache {
		delete(p.cache, pageNo)
		drop--
		if drop == 0 {
			return
		}
	}
}

// Allocate reserves a page number, reusing a free page when possible.
func (p *Pager) Allocate() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPagerClosed
	}
	if pageNo, ok := p.freelist.Allocate(); ok {
		return pageNo, nil
	}
	if p.header.PageCount == math.MaxUint32 {
		return 0, errors.New("page number space exhausted")
	}
	pageNo := p.header.PageCount
	p.header.PageCount++
	return pageNo, nil
}

// Free makes pages reusable immediately. Only pages no snapshot can reach
// (allocations of a rolled back transaction) may be passed here.
func (p *Pager) Free(pageNos ...uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pageNo := range pageNos {
		delete(p.cache, pageNo)
		p.freelist.Free(pageNo)
	}
}

// CommitBatch describes the pages published by one write transaction.
type CommitBatch struct {
	TxID uint64

	// Pages are the dirty pages, each stamped with TxID.
	Pages []*Page

	// Fresh holds pages allocated by the transaction; no snapshot can
	// reference their previous content.
	Fresh map[uint32]bool

	// Retired are pages the transaction stopped referencing.
	Retired []uint32

	// RootState is recorded in the header.
	RootState []byte

	// KeepVersions retains overwritten versions for pinned snapshots.
	KeepVersions bool
}

// HeaderFor encodes the header page the given commit will produce. The
// environment journals it together with the dirty pages.
func (p *Pager) HeaderFor(txID uint64, rootState []byte) ([]byte, error) {
	if len(rootState) > MaxRootStateSize {
		return nil, ErrRootTooLarge
	}
	p.mu.RLock()
	h := p.header
	p.mu.RUnlock()

	h.LastTxID = txID
	h.RootState = rootState
	h.FreelistHead = 0
	h.FreeCount = 0
	buf := make([]byte, p.pageSize)
	h.Encode(buf)
	return buf, nil
}

// Commit writes the batch into storage and makes it the latest version.
func (p *Pager) Commit(b *CommitBatch) error {
	if len(b.RootState) > MaxRootStateSize {
		return ErrRootTooLarge
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPagerClosed
	}
	if err := p.ensureCapacityLocked(p.header.PageCount); err != nil {
		return err
	}

	for _, page := range b.Pages {
		pageNo := page.PageNo()
		if b.KeepVersions && !b.Fresh[pageNo] {
			if old, err := p.loadLocked(pageNo); err == nil {
				chain := p.versions[pageNo]
				grown := make([]*Page, len(chain), len(chain)+1)
				copy(grown, chain)
				p.versions[pageNo] = append(grown, old)
			} else if !errors.Is(err, ErrPageNotFound) {
				return err
			}
		} else {
			delete(p.versions, pageNo)
		}

		dst := p.storage.Slice(int(pageNo)*p.pageSize, p.pageSize)
		if dst == nil {
			return fmt.Errorf("%w: %d beyond storage", ErrPageNotFound, pageNo)
		}
		copy(dst, page.Data())
		p.cache[pageNo] = page.Clone(page.TxID())
	}

	if len(b.Retired) > 0 {
		if b.KeepVersions {
			p.retired = append(p.retired, retiredPages{txID: b.TxID, pages: b.Retired})
		} else {
			for _, pageNo := range b.Retired {
				delete(p.cache, pageNo)
				delete(p.versions, pageNo)
				p.freelist.Free(pageNo)
			}
		}
	}

	p.header.LastTxID = b.TxID
	p.header.RootState = append([]byte(nil), b.RootState...)
	p.header.FreelistHead = 0
	p.header.FreeCount = 0
	p.writeHeaderLocked()
	return nil
}

// Reclaim drops retained versions and releases retired pages that no
// snapshot at or after oldest can observe. Pass NoReaders when nothing is
// pinned.
func (p *Pager) Reclaim(oldest uint64) (versions, pages int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for pageNo, chain := range p.versions {
		current, err := p.loadLocked(pageNo)
		if err != nil {
			continue
		}
		var kept []*Page
		for i, v := range chain {
			nextTx := current.TxID()
			if i+1 < len(chain) {
				nextTx = chain[i+1].TxID()
			}
			// v is needed by snapshots in [v.TxID, nextTx).
			if nextTx > oldest {
				kept = append(kept, v)
			} else {
				versions++
			}
		}
		if len(kept) == 0 {
			delete(p.versions, pageNo)
		} else if len(kept) != len(chain) {
			p.versions[pageNo] = kept
		}
	}

	remaining := p.retired[:0:0]
	for _, r := range p.retired {
		if r.txID > oldest {
			remaining = append(remaining, r)
			continue
		}
		for _, pageNo := range r.pages {
			delete(p.cache, pageNo)
			delete(p.versions, pageNo)
			p.freelist.Free(pageNo)
			pages++
		}
	}
	p.retired = remaining
	return versions, pages
}

// Restore writes raw page bytes recovered from the journal straight into
// storage. Page 0 also replaces the in-memory header.
func (p *Pager) Restore(pageNo uint32, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data) != p.pageSize {
		return fmt.Errorf("restore page %d: got %d bytes, page size is %d", pageNo, len(data), p.pageSize)
	}
	if pageNo == headerPageNo {
		h, err := DecodeHeader(data)
		if err != nil {
			return err
		}
		if err := p.ensureCapacityLocked(h.PageCount); err != nil {
			return err
		}
		// A freelist loaded from the data file predates the replayed
		// commits, which may have reused its pages.
		p.freelist = NewFreelist()
		p.retired = nil
		p.header = h
		p.writeHeaderLocked()
		return nil
	}

	if pageNo >= p.header.PageCount {
		p.header.PageCount = pageNo + 1
	}
	if err := p.ensureCapacityLocked(p.header.PageCount); err != nil {
		return err
	}
	copy(p.storage.Slice(int(pageNo)*p.pageSize, p.pageSize), data)
	delete(p.cache, pageNo)
	delete(p.versions, pageNo)
	return nil
}

// ensureCapacityLocked grows storage to hold pageCount pages.
func (p *Pager) ensureCapacityLocked(pageCount uint32) error {
	required := int64(pageCount) * int64(p.pageSize)
	size := p.storage.Size()
	if required <= size {
		return nil
	}
	// Grow by at least 10% to amortize remapping.
	newSize := size + size/10
	if newSize < required {
		newSize = required
	}
	if rem := newSize % int64(p.pageSize); rem != 0 {
		newSize += int64(p.pageSize) - rem
	}
	return p.storage.Grow(newSize)
}

func (p *Pager) writeHeaderLocked() {
	p.header.PageSize = uint32(p.pageSize)
	p.header.Encode(p.storage.Slice(0, p.pageSize))
}

// loadFreelist reads a freelist persisted by a clean Close. Once loaded
// the on-disk copy is considered consumed.
func (p *Pager) loadFreelist() error {
	next := p.header.FreelistHead
	seen := 0
	for next != 0 {
		if next >= p.header.PageCount || seen > int(p.header.PageCount) {
			return fmt.Errorf("%w: freelist trunk %d out of range", ErrInvalidHeader, next)
		}
		raw := p.storage.Slice(int(next)*p.pageSize, p.pageSize)
		page := NewPageWithData(next, raw)
		if page.Type() != PageTypeFreeList {
			return &CorruptionError{PageNo: next, PageType: page.Type(), Stored: page.storedPageNo(), Message: "expected freelist trunk"}
		}
		trunk, ok := DecodeFreelistTrunkPage(page.Body())
		if !ok {
			return &CorruptionError{PageNo: next, PageType: page.Type(), Stored: page.storedPageNo(), Message: "truncated freelist trunk"}
		}
		p.freelist.Free(next)
		for _, leaf := range trunk.LeafPages {
			p.freelist.Free(leaf)
		}
		next = trunk.NextTrunk
		seen++
	}
	p.freelist.Defragment()
	p.header.FreelistHead = 0
	p.header.FreeCount = 0
	return nil
}

// persistFreelistLocked writes the freelist into its own free pages so a
// clean reopen can reuse them.
func (p *Pager) persistFreelistLocked() {
	placements := p.freelist.splitForPersistence(p.pageSize)
	if len(placements) == 0 {
		p.header.FreelistHead = 0
		p.header.FreeCount = 0
		return
	}
	for _, pl := range placements {
		page := NewPage(pl.pageNo, p.pageSize, PageTypeFreeList, p.header.LastTxID)
		pl.trunk.Encode(page.Body())
		copy(p.storage.Slice(int(pl.pageNo)*p.pageSize, p.pageSize), page.Data())
	}
	p.header.FreelistHead = placements[0].pageNo
	p.header.FreeCount = uint32(p.freelist.Count())
}

// Sync flushes storage.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPagerClosed
	}
	p.writeHeaderLocked()
	return p.storage.Sync()
}

// Stats is a point-in-time view of the page store.
type Stats struct {
	PageSize         int
	PageCount        uint32
	FreePages        int
	CachedPages      int
	RetainedVersions int
	RetiredPages     int
	FreeRuns         []PageRun
}

// Stats returns page store statistics.
func (p *Pager) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{
		PageSize:    p.pageSize,
		PageCount:   p.header.PageCount,
		FreePages:   p.freelist.Count(),
		CachedPages: len(p.cache),
		FreeRuns:    p.freelist.ContiguousRuns(),
	}
	for _, chain := range p.versions {
		s.RetainedVersions += len(chain)
	}
	for _, r := range p.retired {
		s.RetiredPages += len(r.pages)
	}
	return s
}

// Close persists the freelist (durable storage only), syncs and releases
// the storage. Retired pages are considered free: no snapshot can outlive
// the environment.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPagerClosed
	}
	p.closed = true

	for _, r := range p.retired {
		for _, pageNo := range r.pages {
			p.freelist.Free(pageNo)
		}
	}
	p.retired = nil

	if !p.inMemory {
		p.persistFreelistLocked()
	}
	p.writeHeaderLocked()

	if err := p.storage.Sync(); err != nil {
		p.storage.Close()
		return err
	}
	return p.storage.Close()
}
