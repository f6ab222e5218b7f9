// pkg/voron/environment.go
// Package voron is a transactional key/value storage engine: named B+trees
// over a page store, one writer and any number of snapshot readers, made
// durable by a write-ahead journal.
package voron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"voron/pkg/journal"
	"voron/pkg/pager"
	"voron/pkg/slice"
	"voron/pkg/tree"
)

// envState is the published tree table. It is never modified; a commit
// replaces it.
type envState struct {
	txID  uint64
	root  tree.State
	trees map[string]tree.State
}

// Environment owns the page store, the journal and the published tree
// table, and admits transactions against them.
type Environment struct {
	// mu orders publication of a new state against readers pinning the
	// current one.
	mu     sync.RWMutex
	state  *envState
	closed bool

	opts     Options
	id       uuid.UUID
	log      *zap.Logger
	lockFile *os.File
	pager    *pager.Pager
	journal  *journal.Journal
	gate     writerGate
	readers  readerRegistry
	writer   *Writer
}

// Open opens or creates the environment described by opts and replays
// any transactions left in its journal.
func Open(opts Options) (*Environment, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	e := &Environment{opts: opts, gate: newWriterGate()}
	e.writer = &Writer{env: e}
	if err := e.open(log); err != nil {
		return nil, multierr.Append(err, e.release())
	}
	return e, nil
}

func (e *Environment) open(log *zap.Logger) error {
	pagerOpts := pager.Options{
		PageSize:  e.opts.PageSize,
		CacheSize: e.opts.CacheSize,
		EnvID:     uuid.New(),
	}

	var err error
	if e.opts.InMemory {
		e.pager, err = pager.OpenInMemory(pagerOpts)
		if err != nil {
			return err
		}
	} else {
		if e.lockFile, err = os.OpenFile(e.opts.Path+".lock", os.O_RDWR|os.O_CREATE, 0644); err != nil {
			return err
		}
		if err := lockFile(e.lockFile); err != nil {
			e.lockFile.Close()
			e.lockFile = nil
			return err
		}
		if e.pager, err = pager.Open(e.opts.Path, pagerOpts); err != nil {
			return err
		}
	}

	e.id = uuid.UUID(e.pager.EnvID())
	e.log = log.Named("voron").With(zap.String("env_id", e.id.String()))

	if !e.opts.InMemory {
		e.journal, err = journal.Open(e.opts.Path+".journal", journal.Options{
			PageSize:    e.pager.PageSize(),
			EnvID:       e.id,
			Compression: e.opts.Journal.Compression,
			Logger:      e.log.Named("journal").Sugar(),
		})
		if err != nil {
			return wrapJournalError(err)
		}
		if err := e.recover(); err != nil {
			return err
		}
	}

	if err := e.loadState(); err != nil {
		return err
	}
	e.log.Info("environment opened",
		zap.String("path", e.opts.Path),
		zap.Bool("in_memory", e.opts.InMemory),
		zap.Int("page_size", e.pager.PageSize()),
		zap.Uint32("page_count", e.pager.PageCount()),
		zap.Uint64("last_tx", e.state.txID),
		zap.Int("trees", len(e.state.trees)))
	return nil
}

// recover replays committed journal transactions into the data file,
// then empties the journal.
func (e *Environment) recover() error {
	stats, err := e.journal.Recover(e.pager.Restore)
	if err != nil {
		return wrapJournalError(err)
	}
	if err := e.pager.Sync(); err != nil {
		return err
	}
	if err := e.journal.Checkpoint(); err != nil {
		return err
	}
	if stats.Transactions > 0 {
		e.log.Info("recovered from journal",
			zap.Int("transactions", stats.Transactions),
			zap.Int("pages", stats.Pages),
			zap.Uint64("last_tx", stats.LastTxID))
	}
	return nil
}

func wrapJournalError(err error) error {
	var cerr *journal.CorruptionError
	if errors.As(err, &cerr) {
		return fmt.Errorf("%w: %w", ErrConsistency, err)
	}
	return err
}

// loadState reads the catalog of the last commit, or bootstraps the root
// tree of a new environment.
func (e *Environment) loadState() error {
	rootState := e.pager.RootState()
	if len(rootState) == 0 {
		return e.bootstrap()
	}

	state := &envState{txID: e.pager.LastTxID(), trees: make(map[string]tree.State)}
	if err := cbor.Unmarshal(rootState, &state.root); err != nil {
		return fmt.Errorf("%w: root tree state: %v", ErrConsistency, err)
	}

	root := tree.Open(newReadArena(e.pager, state.txID), rootTreeName, state.root)
	it := root.Iterate()
	defer it.Close()
	for ok := it.Seek(slice.BeforeAllKeys); ok; ok = it.MoveNext() {
		name := string(it.CurrentKey().Bytes())
		var s tree.State
		if err := cbor.Unmarshal(it.Value(), &s); err != nil {
			return fmt.Errorf("%w: catalog entry %q: %v", ErrConsistency, name, err)
		}
		state.trees[name] = s
	}
	if err := it.Err(); err != nil {
		return err
	}
	e.state = state
	return nil
}

func (e *Environment) bootstrap() error {
	e.state = &envState{txID: e.pager.LastTxID(), trees: map[string]tree.State{}}
	if !e.gate.tryAcquire() {
		return ErrWriterActive
	}
	tx := newWriteTransaction(e, e.state, e.gate.release)
	defer tx.Close()

	root, err := tree.Create(tx.arena, rootTreeName, tree.FlagNone)
	if err != nil {
		return err
	}
	tx.root = root
	return tx.Commit()
}

// NewTransaction begins a transaction. Only one ReadWrite transaction can
// be open at a time; a second one fails with ErrWriterActive.
func (e *Environment) NewTransaction(flags TransactionFlags) (*Transaction, error) {
	if flags == ReadWrite {
		if !e.gate.tryAcquire() {
			return nil, ErrWriterActive
		}
		return e.beginWrite()
	}
	return e.beginRead()
}

// NewTransactionContext is like NewTransaction but waits for the writer
// slot until ctx is done.
func (e *Environment) NewTransactionContext(ctx context.Context, flags TransactionFlags) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if flags == ReadWrite {
		if err := e.gate.acquire(ctx); err != nil {
			return nil, err
		}
		return e.beginWrite()
	}
	return e.beginRead()
}

// beginWrite starts the writer. The caller holds the writer slot.
func (e *Environment) beginWrite() (*Transaction, error) {
	e.mu.RLock()
	closed, state := e.closed, e.state
	e.mu.RUnlock()
	if closed {
		e.gate.release()
		return nil, ErrEnvironmentClosed
	}
	return newWriteTransaction(e, state, e.gate.release), nil
}

func (e *Environment) beginRead() (*Transaction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEnvironmentClosed
	}
	reader := e.readers.enter(e.state.txID)
	return newReadTransaction(e, e.state, reader), nil
}

// CreateTree returns the named tree, creating it when it does not exist.
func (e *Environment) CreateTree(tx *Transaction, name string) (*tree.Tree, error) {
	return tx.createTree(name)
}

// DeleteTree removes the named tree and releases its pages.
func (e *Environment) DeleteTree(tx *Transaction, name string) error {
	return tx.deleteTree(name)
}

// Writer returns the batch writer of the environment.
func (e *Environment) Writer() *Writer {
	return e.writer
}

// CreateSnapshot returns a read-only view of the last committed state.
func (e *Environment) CreateSnapshot() (*Snapshot, error) {
	tx, err := e.beginRead()
	if err != nil {
		return nil, err
	}
	return &Snapshot{tx: tx}, nil
}

// commit makes the pages of tx durable and publishes its tree table. It
// reports whether the state was published; an error after publication
// leaves the commit in place.
func (e *Environment) commit(tx *Transaction) (bool, error) {
	rootState, err := cbor.Marshal(tx.root.State())
	if err != nil {
		return false, fmt.Errorf("encode root state: %w", err)
	}
	pages := tx.arena.dirty()

	if e.journal != nil {
		header, err := e.pager.HeaderFor(tx.id, rootState)
		if err != nil {
			return false, err
		}
		images := make([]journal.PageImage, 0, len(pages)+1)
		for _, page := range pages {
			images = append(images, journal.PageImage{PageNo: page.PageNo(), Data: page.Data()})
		}
		images = append(images, journal.PageImage{PageNo: 0, Data: header})
		if err := e.journal.WriteTransaction(tx.id, images, e.opts.Journal.SyncOnCommit); err != nil {
			return false, fmt.Errorf("journal transaction %d: %w", tx.id, err)
		}
	}

	next := tx.nextState()
	e.mu.Lock()
	err = e.pager.Commit(&pager.CommitBatch{
		TxID:         tx.id,
		Pages:        pages,
		Fresh:        tx.arena.fresh,
		Retired:      tx.arena.retired,
		RootState:    rootState,
		KeepVersions: e.readers.count() > 0,
	})
	if err != nil {
		e.mu.Unlock()
		return false, fmt.Errorf("commit transaction %d: %w", tx.id, err)
	}
	e.state = next
	e.mu.Unlock()

	e.log.Debug("transaction committed",
		zap.Uint64("tx", tx.id),
		zap.Int("pages", len(pages)),
		zap.Int("retired", len(tx.arena.retired)))
	e.reclaim()

	if e.journal != nil && e.opts.Journal.CheckpointFrames > 0 &&
		e.journal.FrameCount() >= e.opts.Journal.CheckpointFrames {
		if err := e.checkpoint(); err != nil {
			return true, fmt.Errorf("transaction %d committed, checkpoint failed: %w", tx.id, err)
		}
	}
	return true, nil
}

// reclaim releases page versions no active reader can see.
func (e *Environment) reclaim() {
	versions, pages := e.pager.Reclaim(e.readers.oldest())
	if versions > 0 || pages > 0 {
		e.log.Debug("reclaimed pages", zap.Int("versions", versions), zap.Int("pages", pages))
	}
}

// checkpoint syncs the data file and empties the journal. The caller
// holds the writer slot.
func (e *Environment) checkpoint() error {
	frames := e.journal.FrameCount()
	if err := e.pager.Sync(); err != nil {
		return err
	}
	if err := e.journal.Checkpoint(); err != nil {
		return err
	}
	e.log.Info("checkpoint", zap.Int("frames", frames))
	return nil
}

// Checkpoint flushes committed pages to the data file and empties the
// journal. It waits for an active writer to finish.
func (e *Environment) Checkpoint(ctx context.Context) error {
	if err := e.gate.acquire(ctx); err != nil {
		return err
	}
	defer e.gate.release()
	if e.isClosed() {
		return ErrEnvironmentClosed
	}
	if e.journal == nil {
		return nil
	}
	return e.checkpoint()
}

func (e *Environment) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Stats is a point-in-time view of an environment.
type Stats struct {
	EnvID            uuid.UUID
	Path             string
	InMemory         bool
	LastTxID         uint64
	Trees            int
	PageSize         int
	PageCount        uint32
	FreePages        int
	RetainedVersions int
	RetiredPages     int
	ActiveReaders    int
	JournalPath      string
	JournalFrames    int
	JournalBytes     int64
}

// Stats returns environment statistics.
func (e *Environment) Stats() Stats {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()

	ps := e.pager.Stats()
	s := Stats{
		EnvID:            e.id,
		Path:             e.opts.Path,
		InMemory:         e.opts.InMemory,
		LastTxID:         state.txID,
		Trees:            len(state.trees),
		PageSize:         ps.PageSize,
		PageCount:        ps.PageCount,
		FreePages:        ps.FreePages,
		RetainedVersions: ps.RetainedVersions,
		RetiredPages:     ps.RetiredPages,
		ActiveReaders:    e.readers.count(),
	}
	if e.journal != nil {
		s.JournalPath = e.journal.Path()
		s.JournalFrames = e.journal.FrameCount()
		s.JournalBytes = e.journal.Size()
	}
	return s
}

// Dispose checkpoints the journal and releases every resource. It waits
// for an active writer to finish. Readers still open afterwards fail.
func (e *Environment) Dispose() error {
	e.gate.acquire(context.Background())
	defer e.gate.release()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEnvironmentClosed
	}
	e.closed = true
	e.mu.Unlock()

	var err error
	if e.journal != nil {
		err = multierr.Append(err, e.pager.Sync())
		if err == nil {
			err = multierr.Append(err, e.journal.Checkpoint())
		}
	}
	err = multierr.Append(err, e.release())
	e.log.Info("environment disposed", zap.Error(err))
	return err
}

// Close is an alias of Dispose.
func (e *Environment) Close() error {
	return e.Dispose()
}

// release closes whatever open managed to set up.
func (e *Environment) release() error {
	var err error
	if e.journal != nil {
		err = multierr.Append(err, e.journal.Close())
		e.journal = nil
	}
	if e.pager != nil {
		err = multierr.Append(err, e.pager.Close())
	}
	if e.lockFile != nil {
		err = multierr.Append(err, unlockFile(e.lockFile))
		err = multierr.Append(err, e.lockFile.Close())
		e.lockFile = nil
	}
	return err
}
