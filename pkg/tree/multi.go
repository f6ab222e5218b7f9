// pkg/tree/multi.go
package tree

import (
	"bytes"
	"fmt"

	"voron/pkg/slice"
)

// A multi-value key holds an ordered set of values. A single value is
// stored inline; adding a second distinct value moves the set into a
// nested tree whose keys are the values. The nested tree is never turned
// back into an inline value; once it is drained the key is removed.

func (t *Tree) checkMember(value []byte) error {
	if len(value) == 0 {
		return ErrEmptyKey
	}
	if max := t.MaxKeySize(); len(value) > max {
		return fmt.Errorf("%w: multi-value member of %d bytes, limit is %d", ErrValueTooLarge, len(value), max)
	}
	return nil
}

func (t *Tree) nestedName(key []byte) string {
	return t.name + "/" + string(key)
}

func (t *Tree) openNested(key []byte, s State) *Tree {
	return Open(t.src, t.nestedName(key), s)
}

// MultiAdd adds value to the set stored under key.
func (t *Tree) MultiAdd(key slice.Slice, value []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if err := t.checkKey(key); err != nil {
		return err
	}
	if err := t.checkMember(value); err != nil {
		return err
	}

	k := key.Bytes()
	p, found, err := t.lookup(k)
	if err != nil {
		return err
	}
	if !found {
		_, err := t.put(k, valuePayload(value))
		return err
	}

	var nested *Tree
	switch p.kind {
	case payloadValue:
		if bytes.Equal(p.value, value) {
			return nil
		}
		if err := t.checkMember(p.value); err != nil {
			return err
		}
		nested, err = Create(t.src, t.nestedName(k), FlagMultiValueSet)
		if err != nil {
			return err
		}
		if err := nested.addMember(p.value); err != nil {
			return err
		}
	case payloadSubtree:
		nested = t.openNested(k, p.subtree)
	default:
		return inconsistent(t.state.RootPage, "unknown payload kind %d under key %q", p.kind, k)
	}

	if err := nested.addMember(value); err != nil {
		return err
	}
	_, err = t.put(k, subtreePayload(nested.State()))
	return err
}

func (t *Tree) addMember(value []byte) error {
	if err := t.checkMember(value); err != nil {
		return err
	}
	_, err := t.put(value, valuePayload(nil))
	return err
}

// MultiDelete removes value from the set stored under key. Removing a
// value that is not present is a no-op.
func (t *Tree) MultiDelete(key slice.Slice, value []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if key.IsSentinel() || key.Len() == 0 {
		return ErrEmptyKey
	}

	k := key.Bytes()
	p, found, err := t.lookup(k)
	if err != nil || !found {
		return err
	}

	switch p.kind {
	case payloadValue:
		if !bytes.Equal(p.value, value) {
			return nil
		}
		return t.Delete(key)
	case payloadSubtree:
		if len(value) == 0 || len(value) > t.MaxKeySize() {
			return nil
		}
		nested := t.openNested(k, p.subtree)
		if err := nested.Delete(slice.Wrap(value)); err != nil {
			return err
		}
		if nested.State().EntriesCount == 0 {
			if err := t.freeNested(nested.State()); err != nil {
				return err
			}
			return t.remove(k, false)
		}
		_, err = t.put(k, subtreePayload(nested.State()))
		return err
	default:
		return inconsistent(t.state.RootPage, "unknown payload kind %d under key %q", p.kind, k)
	}
}

// MultiRead returns an iterator over the values stored under key. A
// missing key yields an empty iterator.
func (t *Tree) MultiRead(key slice.Slice) (Iterator, error) {
	if key.IsSentinel() {
		return newListIterator(), nil
	}
	p, found, err := t.lookup(key.Bytes())
	if err != nil {
		return nil, err
	}
	if !found {
		return newListIterator(), nil
	}
	switch p.kind {
	case payloadValue:
		return newListIterator(p.value), nil
	case payloadSubtree:
		return t.openNested(key.Bytes(), p.subtree).Iterate(), nil
	}
	return nil, inconsistent(t.state.RootPage, "unknown payload kind %d", p.kind)
}

// MultiCount returns the number of values stored under key.
func (t *Tree) MultiCount(key slice.Slice) (uint64, error) {
	if key.IsSentinel() {
		return 0, nil
	}
	p, found, err := t.lookup(key.Bytes())
	if err != nil || !found {
		return 0, err
	}
	if p.kind == payloadSubtree {
		return p.subtree.EntriesCount, nil
	}
	return 1, nil
}
