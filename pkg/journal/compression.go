// pkg/journal/compression.go
package journal

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how page images are stored in journal frames.
type Compression uint8

const (
	CompressionNone   Compression = 0x0
	CompressionSnappy Compression = 0x1
	CompressionZstd   Compression = 0x2
	CompressionLZ4    Compression = 0x3
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a codec name as written in configuration files.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return CompressionNone, fmt.Errorf("unknown journal compression %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(text []byte) error {
	parsed, err := ParseCompression(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// codecs holds the zstd coders, which are expensive to create and safe
// for concurrent EncodeAll/DecodeAll calls.
type codecs struct {
	once    sync.Once
	err     error
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func (z *codecs) zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	z.once.Do(func() {
		z.encoder, z.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if z.err != nil {
			return
		}
		z.decoder, z.err = zstd.NewReader(nil)
	})
	return z.encoder, z.decoder, z.err
}

func (z *codecs) close() {
	if z.encoder != nil {
		z.encoder.Close()
	}
	if z.decoder != nil {
		z.decoder.Close()
	}
}

// compress encodes data with c. It falls back to CompressionNone when the
// codec does not make the page smaller.
func (z *codecs) compress(c Compression, data []byte) (Compression, []byte, error) {
	var out []byte
	switch c {
	case CompressionNone:
		return CompressionNone, data, nil
	case CompressionSnappy:
		out = snappy.Encode(nil, data)
	case CompressionZstd:
		enc, _, err := z.zstdCoders()
		if err != nil {
			return 0, nil, fmt.Errorf("zstd encoder: %w", err)
		}
		out = enc.EncodeAll(data, nil)
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if err := w.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
			return 0, nil, fmt.Errorf("lz4 apply level: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return 0, nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return 0, nil, fmt.Errorf("lz4 close: %w", err)
		}
		out = buf.Bytes()
	default:
		return 0, nil, fmt.Errorf("unsupported compression: %s", c)
	}
	if len(out) >= len(data) {
		return CompressionNone, data, nil
	}
	return c, out, nil
}

// decompress reverses compress and checks the decoded length.
func (z *codecs) decompress(c Compression, data []byte, rawLen int) ([]byte, error) {
	var out []byte
	var err error
	switch c {
	case CompressionNone:
		out = data
	case CompressionSnappy:
		out, err = snappy.Decode(nil, data)
	case CompressionZstd:
		_, dec, derr := z.zstdCoders()
		if derr != nil {
			return nil, fmt.Errorf("zstd decoder: %w", derr)
		}
		out, err = dec.DecodeAll(data, nil)
	case CompressionLZ4:
		out, err = io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c, err)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("%s decompress: got %d bytes, want %d", c, len(out), rawLen)
	}
	return out, nil
}
