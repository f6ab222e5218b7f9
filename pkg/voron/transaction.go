// pkg/voron/transaction.go
package voron

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"voron/pkg/slice"
	"voron/pkg/tree"
)

// TransactionFlags selects the mode of a transaction.
type TransactionFlags uint8

const (
	Read TransactionFlags = iota
	ReadWrite
)

func (f TransactionFlags) String() string {
	if f == ReadWrite {
		return "read-write"
	}
	return "read"
}

type txStatus uint8

const (
	txOpen txStatus = iota
	txCommitted
	txRolledBack
)

// rootTreeName names the catalog tree. It maps tree names to their
// encoded tree.State.
const rootTreeName = "$root"

// Transaction is a view of the environment pinned to the tree table that
// was published when it began.
//
// A Transaction must end with Commit, Rollback or Close. After that every
// operation fails with ErrTxDone. A Transaction is not safe for concurrent
// use.
type Transaction struct {
	mu     sync.Mutex
	env    *Environment
	id     uint64
	flags  TransactionFlags
	state  *envState
	arena  *pageArena
	status txStatus

	reader  *readerGuard
	release func()

	trees   map[string]*tree.Tree
	dropped map[string]bool
	root    *tree.Tree
}

func newReadTransaction(env *Environment, state *envState, reader *readerGuard) *Transaction {
	return &Transaction{
		env:    env,
		id:     state.txID,
		flags:  Read,
		state:  state,
		arena:  newReadArena(env.pager, state.txID),
		reader: reader,
		trees:  make(map[string]*tree.Tree),
	}
}

// newWriteTransaction builds the writer. release hands the writer slot
// back and is called exactly once when the transaction ends.
func newWriteTransaction(env *Environment, state *envState, release func()) *Transaction {
	arena := newWriteArena(env.pager, state.txID, state.txID+1)
	return &Transaction{
		env:     env,
		id:      state.txID + 1,
		flags:   ReadWrite,
		state:   state,
		arena:   arena,
		release: release,
		trees:   make(map[string]*tree.Tree),
		dropped: make(map[string]bool),
		root:    tree.Open(arena, rootTreeName, state.root),
	}
}

// ID returns the id the transaction commits as (writers) or the id of the
// snapshot it reads (readers).
func (tx *Transaction) ID() uint64 {
	return tx.id
}

// Flags returns the transaction mode.
func (tx *Transaction) Flags() TransactionFlags {
	return tx.flags
}

// Writable reports whether the transaction may modify trees.
func (tx *Transaction) Writable() bool {
	return tx.flags == ReadWrite
}

// GetTree returns the named tree as this transaction sees it.
func (tx *Transaction) GetTree(name string) (*tree.Tree, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != txOpen {
		return nil, ErrTxDone
	}
	return tx.getTree(name)
}

func (tx *Transaction) getTree(name string) (*tree.Tree, error) {
	if t, ok := tx.trees[name]; ok {
		return t, nil
	}
	if tx.dropped[name] {
		return nil, fmt.Errorf("%w: %q", ErrTreeNotFound, name)
	}
	s, ok := tx.state.trees[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTreeNotFound, name)
	}
	t := tree.Open(tx.arena, name, s)
	tx.trees[name] = t
	return t, nil
}

// TreeNames returns the names of the trees visible to the transaction in
// ascending order.
func (tx *Transaction) TreeNames() ([]string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != txOpen {
		return nil, ErrTxDone
	}

	var names []string
	for name := range tx.state.trees {
		if !tx.dropped[name] {
			names = append(names, name)
		}
	}
	for name := range tx.trees {
		if _, ok := tx.state.trees[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (tx *Transaction) createTree(name string) (*tree.Tree, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != txOpen {
		return nil, ErrTxDone
	}
	if !tx.Writable() {
		return nil, ErrReadOnly
	}
	if name == "" || name == rootTreeName || len(name) > tree.MaxKeySize(tx.arena.PageSize()) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTreeName, name)
	}
	if t, err := tx.getTree(name); err == nil {
		return t, nil
	}

	t, err := tree.Create(tx.arena, name, tree.FlagNone)
	if err != nil {
		return nil, tx.arena.fail(err)
	}
	delete(tx.dropped, name)
	tx.trees[name] = t
	return t, nil
}

func (tx *Transaction) deleteTree(name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != txOpen {
		return ErrTxDone
	}
	if !tx.Writable() {
		return ErrReadOnly
	}
	t, err := tx.getTree(name)
	if err != nil {
		return err
	}
	if err := t.Drop(); err != nil {
		return tx.arena.fail(err)
	}
	delete(tx.trees, name)
	tx.dropped[name] = true
	return nil
}

// writeCatalog records the state of every changed tree in the root tree.
func (tx *Transaction) writeCatalog() error {
	names := make([]string, 0, len(tx.trees))
	for name, t := range tx.trees {
		if t.Dirty() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := cbor.Marshal(tx.trees[name].State())
		if err != nil {
			return fmt.Errorf("encode state of tree %q: %w", name, err)
		}
		if err := tx.root.Add(slice.FromString(name), data); err != nil {
			return fmt.Errorf("catalog entry %q: %w", name, err)
		}
	}
	for name := range tx.dropped {
		if _, ok := tx.state.trees[name]; !ok {
			continue
		}
		if err := tx.root.Delete(slice.FromString(name)); err != nil {
			return fmt.Errorf("catalog entry %q: %w", name, err)
		}
	}
	return nil
}

// nextState builds the tree table published by a successful commit.
func (tx *Transaction) nextState() *envState {
	trees := make(map[string]tree.State, len(tx.state.trees)+len(tx.trees))
	for name, s := range tx.state.trees {
		if !tx.dropped[name] {
			trees[name] = s
		}
	}
	for name, t := range tx.trees {
		trees[name] = t.State()
	}
	return &envState{txID: tx.id, root: tx.root.State(), trees: trees}
}

// Commit publishes the changes of a write transaction. A failed commit
// rolls the transaction back. Committing a read transaction closes it.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != txOpen {
		return ErrTxDone
	}
	if !tx.Writable() {
		tx.finish(txCommitted)
		return nil
	}

	if err := tx.arena.err; err != nil {
		tx.abort()
		return fmt.Errorf("transaction %d aborted: %w", tx.id, err)
	}
	if err := tx.writeCatalog(); err != nil {
		tx.abort()
		return err
	}
	if tx.arena.empty() {
		tx.finish(txCommitted)
		return nil
	}

	published, err := tx.env.commit(tx)
	if !published {
		tx.abort()
		return err
	}
	tx.finish(txCommitted)
	return err
}

// Rollback discards every change of the transaction.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != txOpen {
		return ErrTxDone
	}
	tx.abort()
	return nil
}

// Close rolls back a transaction that is still open. Closing a finished
// transaction is a no-op, so Close can always be deferred.
func (tx *Transaction) Close() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != txOpen {
		return nil
	}
	tx.abort()
	return nil
}

// Validate checks the structure of every tree visible to the transaction.
func (tx *Transaction) Validate() error {
	names, err := tx.TreeNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		t, err := tx.GetTree(name)
		if err != nil {
			return err
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tree %q: %w", name, err)
		}
	}
	return nil
}

func (tx *Transaction) abort() {
	if tx.Writable() {
		tx.arena.discard()
	}
	tx.finish(txRolledBack)
}

// finish releases the writer slot or the pinned snapshot.
func (tx *Transaction) finish(status txStatus) {
	tx.status = status
	tx.trees = nil
	tx.arena.seal()
	if tx.release != nil {
		tx.release()
		tx.release = nil
	}
	if tx.reader.leave() {
		tx.env.reclaim()
	}
}
