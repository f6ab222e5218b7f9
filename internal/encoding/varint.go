// internal/encoding/varint.go
package encoding

// Varints are big-endian groups of 7 bits, the high bit of every byte but
// the last one set. Small lengths (< 128) take a single byte, which keeps
// entry headers on tree pages compact.

// MaxVarintLen is the longest encoding of a uint64.
const MaxVarintLen = 10

// PutVarint writes v into buf and returns the number of bytes written.
func PutVarint(buf []byte, v uint64) int {
	n := VarintLen(v)
	for i := n - 1; i >= 0; i-- {
		b := byte(v & 0x7f)
		if i != n-1 {
			b |= 0x80
		}
		buf[i] = b
		v >>= 7
	}
	return n
}

// GetVarint decodes a varint from buf. It returns the value and the number
// of bytes consumed, or 0 bytes when buf ends before the last group.
func GetVarint(buf []byte) (uint64, int) {
	var v uint64
	for n := 0; n < len(buf) && n < MaxVarintLen; n++ {
		b := buf[n]
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, n + 1
		}
	}
	return 0, 0
}

// VarintLen returns the number of bytes PutVarint needs for v.
func VarintLen(v uint64) int {
	n := 1
	for v > 0x7f {
		v >>= 7
		n++
	}
	return n
}

// BytesLen is the encoded size of a length-prefixed byte string.
func BytesLen(b []byte) int {
	return VarintLen(uint64(len(b))) + len(b)
}

// PutBytes writes b prefixed with its varint length and returns the number
// of bytes written.
func PutBytes(buf []byte, b []byte) int {
	n := PutVarint(buf, uint64(len(b)))
	return n + copy(buf[n:], b)
}

// GetBytes reads a length-prefixed byte string. The returned slice aliases
// buf. ok is false when buf is truncated.
func GetBytes(buf []byte) (b []byte, n int, ok bool) {
	l, sz := GetVarint(buf)
	if sz == 0 || uint64(len(buf)-sz) < l {
		return nil, 0, false
	}
	end := sz + int(l)
	return buf[sz:end], end, true
}
