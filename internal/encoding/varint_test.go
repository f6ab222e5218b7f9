// internal/encoding/varint_test.go
package encoding

import "testing"

func TestPutVarint(t *testing.T) {
	tests := []struct {
		value    uint64
		expected []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x81, 0x00}},
		{255, []byte{0x81, 0x7f}},
		{16383, []byte{0xff, 0x7f}},
		{16384, []byte{0x81, 0x80, 0x00}},
	}
	for _, tt := range tests {
		buf := make([]byte, MaxVarintLen)
		n := PutVarint(buf, tt.value)
		if n != len(tt.expected) {
			t.Fatalf("PutVarint(%d): expected %d bytes, got %d", tt.value, len(tt.expected), n)
		}
		for i := 0; i < n; i++ {
			if buf[i] != tt.expected[i] {
				t.Errorf("PutVarint(%d): byte %d expected %02x, got %02x", tt.value, i, tt.expected[i], buf[i])
			}
		}
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 256, 16383, 16384, 1 << 20, 1 << 30, 1 << 40, 1<<63 + 5}
	for _, v := range values {
		buf := make([]byte, MaxVarintLen)
		n := PutVarint(buf, v)
		if n != VarintLen(v) {
			t.Errorf("VarintLen(%d) = %d, PutVarint wrote %d", v, VarintLen(v), n)
		}
		got, m := GetVarint(buf[:n])
		if got != v || m != n {
			t.Errorf("round trip %d: got %d (%d bytes), want %d bytes", v, got, m, n)
		}
	}
}

func TestGetVarintTruncated(t *testing.T) {
	if _, n := GetVarint([]byte{0x81, 0x80}); n != 0 {
		t.Errorf("expected truncated varint to consume 0 bytes, got %d", n)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := make([]byte, BytesLen(payload))
	if n := PutBytes(buf, payload); n != len(buf) {
		t.Fatalf("PutBytes wrote %d, want %d", n, len(buf))
	}
	got, n, ok := GetBytes(buf)
	if !ok || n != len(buf) || string(got) != string(payload) {
		t.Fatalf("GetBytes mismatch: ok=%v n=%d", ok, n)
	}
	if _, _, ok := GetBytes(buf[:len(buf)-1]); ok {
		t.Error("expected truncated byte string to fail")
	}
}
