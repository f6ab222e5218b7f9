// pkg/tree/payload.go
package tree

import (
	"bytes"

	"voron/internal/encoding"
)

type payloadKind byte

const (
	payloadValue   payloadKind = 1
	payloadSubtree payloadKind = 2
)

// payload is what a leaf entry stores under its key: either an inline
// value or the state of a nested tree.
type payload struct {
	kind    payloadKind
	value   []byte
	subtree State
}

func valuePayload(v []byte) payload {
	return payload{kind: payloadValue, value: v}
}

func subtreePayload(s State) payload {
	return payload{kind: payloadSubtree, subtree: s}
}

func (p payload) size() int {
	switch p.kind {
	case payloadValue:
		return encoding.BytesLen(p.value)
	case payloadSubtree:
		return stateSize
	}
	panic("tree: unknown payload kind")
}

func leafCellSize(key []byte, p payload) int {
	return 1 + encoding.BytesLen(key) + p.size()
}

func leafCell(key []byte, p payload) []byte {
	cell := make([]byte, leafCellSize(key, p))
	cell[0] = byte(p.kind)
	pos := 1 + encoding.PutBytes(cell[1:], key)
	switch p.kind {
	case payloadValue:
		encoding.PutBytes(cell[pos:], p.value)
	case payloadSubtree:
		p.subtree.encode(cell[pos:])
	}
	return cell
}

// decodeLeafCell splits a leaf entry. The returned key and value alias
// cell.
func decodeLeafCell(cell []byte) ([]byte, payload) {
	key, n, _ := encoding.GetBytes(cell[1:])
	body := cell[1+n:]
	switch kind := payloadKind(cell[0]); kind {
	case payloadValue:
		v, _, _ := encoding.GetBytes(body)
		return key, valuePayload(v)
	case payloadSubtree:
		return key, subtreePayload(decodeState(body))
	default:
		return key, payload{kind: kind}
	}
}

// detach returns a copy of p that does not alias page memory.
func (p payload) detach() payload {
	if p.kind == payloadValue {
		p.value = bytes.Clone(p.value)
		if p.value == nil {
			p.value = []byte{}
		}
	}
	return p
}
