// pkg/journal/journal.go
// Package journal implements the write-ahead journal that makes commits
// durable before their pages reach the data file.
//
// # JOURNAL FILE FORMAT
//
// The file starts with a 48-byte header (little-endian):
//
//	0-4:   Magic number (0x564a4e4c)
//	4-8:   Format version
//	8-12:  Page size
//	12-16: Reserved
//	16-32: Environment id
//	32-40: Salt (changed at every checkpoint)
//	40-48: xxh3 checksum of bytes 0-40
//
// Each frame holds one page image written by one transaction. The last
// frame of a transaction carries the commit flag; a transaction is durable
// once that frame is synced. Frame header (32 bytes):
//
//	0-4:   Page number
//	4-12:  Transaction id
//	12:    Flags (bit 0: commit)
//	13:    Compression codec
//	14-16: Reserved
//	16-20: Uncompressed length
//	20-24: Payload length
//	24-32: xxh3 checksum of salt, bytes 0-24 and the payload
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

const (
	// HeaderSize is the size of the journal header in bytes
	HeaderSize = 48

	// FrameHeaderSize is the size of each frame header in bytes
	FrameHeaderSize = 32

	// MagicNumber identifies a journal file
	MagicNumber = 0x564a4e4c

	// Version is the journal format version
	Version = 1

	flagCommit byte = 0x01
)

var (
	ErrJournalClosed = errors.New("journal is closed")
	ErrEmptyTx       = errors.New("transaction has no pages")
)

// CorruptionError reports a journal that cannot be used for recovery.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal %s: %s", e.Path, e.Reason)
}

// PageImage is the content of one page written by a transaction.
type PageImage struct {
	PageNo uint32
	Data   []byte
}

// Options configures the journal
type Options struct {
	PageSize    int
	EnvID       uuid.UUID
	Compression Compression
	Logger      *zap.SugaredLogger
}

// Journal is an append-only log of committed page images.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	envID    uuid.UUID
	salt     uint64
	codec    Compression
	codecs   codecs
	offset   int64
	frames   int
	log      *zap.SugaredLogger
	closed   bool
}

// Open opens or creates the journal at path. An existing journal written
// for another environment or page size is rejected; an unreadable header
// means nothing was ever committed to it and the file is reinitialized.
func Open(path string, opts Options) (*Journal, error) {
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("journal: invalid page size %d", opts.PageSize)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		file:     file,
		path:     path,
		pageSize: opts.PageSize,
		envID:    opts.EnvID,
		codec:    opts.Compression,
		log:      log,
	}

	err = j.readHeader()
	switch {
	case err == nil:
		// Recover positions the write offset after the last valid frame.
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, err
		}
		j.offset = info.Size()
		return j, nil
	case errors.Is(err, io.EOF) || errors.Is(err, errBadHeader):
		if err := j.reset(); err != nil {
			file.Close()
			return nil, err
		}
		return j, nil
	default:
		file.Close()
		return nil, err
	}
}

var errBadHeader = errors.New("bad journal header")

func (j *Journal) readHeader() error {
	header := make([]byte, HeaderSize)
	if _, err := j.file.ReadAt(header, 0); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(header[0:4]) != MagicNumber ||
		binary.LittleEndian.Uint32(header[4:8]) != Version ||
		binary.LittleEndian.Uint64(header[40:48]) != xxh3.Hash(header[0:40]) {
		return errBadHeader
	}

	pageSize := int(binary.LittleEndian.Uint32(header[8:12]))
	if pageSize != j.pageSize {
		return &CorruptionError{Path: j.path, Reason: fmt.Sprintf("page size %d, environment uses %d", pageSize, j.pageSize)}
	}
	var envID uuid.UUID
	copy(envID[:], header[16:32])
	if envID != j.envID {
		return &CorruptionError{Path: j.path, Reason: fmt.Sprintf("written by environment %s, not %s", envID, j.envID)}
	}
	j.salt = binary.LittleEndian.Uint64(header[32:40])
	return nil
}

func (j *Journal) writeHeader() error {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], MagicNumber)
	binary.LittleEndian.PutUint32(header[4:8], Version)
	binary.LittleEndian.PutUint32(header[8:12], uint32(j.pageSize))
	copy(header[16:32], j.envID[:])
	binary.LittleEndian.PutUint64(header[32:40], j.salt)
	binary.LittleEndian.PutUint64(header[40:48], xxh3.Hash(header[0:40]))
	_, err := j.file.WriteAt(header, 0)
	return err
}

// reset empties the journal and starts a new salt generation, so frames
// left over from before are never mistaken for new ones.
func (j *Journal) reset() error {
	j.salt = rand.Uint64()
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	if err := j.writeHeader(); err != nil {
		return err
	}
	j.offset = HeaderSize
	j.frames = 0
	return j.file.Sync()
}

func (j *Journal) frameChecksum(hdr, payload []byte) uint64 {
	h := xxh3.New()
	var salt [8]byte
	binary.LittleEndian.PutUint64(salt[:], j.salt)
	h.Write(salt[:])
	h.Write(hdr[0:24])
	h.Write(payload)
	return h.Sum64()
}

// WriteTransaction appends the page images of txID, marking the last one
// as the commit frame, and syncs the file when sync is set. On failure the
// journal is cut back to where the transaction started.
func (j *Journal) WriteTransaction(txID uint64, pages []PageImage, sync bool) error {
	if len(pages) == 0 {
		return ErrEmptyTx
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}

	start, startFrames := j.offset, j.frames
	err := j.appendFrames(txID, pages)
	if err == nil && sync {
		err = j.file.Sync()
	}
	if err != nil {
		j.offset, j.frames = start, startFrames
		if terr := j.file.Truncate(start); terr != nil {
			j.log.Warnw("cannot cut back journal after failed write", "offset", start, "error", terr)
		}
		return err
	}
	return nil
}

func (j *Journal) appendFrames(txID uint64, pages []PageImage) error {
	var buf []byte
	for i, img := range pages {
		if len(img.Data) != j.pageSize {
			return fmt.Errorf("journal: page %d has %d bytes, page size is %d", img.PageNo, len(img.Data), j.pageSize)
		}
		codec, payload, err := j.codecs.compress(j.codec, img.Data)
		if err != nil {
			return err
		}

		buf = append(buf[:0], make([]byte, FrameHeaderSize)...)
		hdr := buf[:FrameHeaderSize]
		binary.LittleEndian.PutUint32(hdr[0:4], img.PageNo)
		binary.LittleEndian.PutUint64(hdr[4:12], txID)
		if i == len(pages)-1 {
			hdr[12] = flagCommit
		}
		hdr[13] = byte(codec)
		binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(img.Data)))
		binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(payload)))
		binary.LittleEndian.PutUint64(hdr[24:32], j.frameChecksum(hdr, payload))
		buf = append(buf, payload...)

		if _, err := j.file.WriteAt(buf, j.offset); err != nil {
			return err
		}
		j.offset += int64(len(buf))
		j.frames++
	}
	return nil
}

// RecoveryStats summarizes a Recover run.
type RecoveryStats struct {
	Transactions int
	Pages        int
	LastTxID     uint64
	DiscardedAt  int64 // offset of a discarded tail, 0 when the journal ended cleanly
}

type pendingFrame struct {
	pageNo uint32
	data   []byte
}

// Recover replays the page images of every fully committed transaction in
// journal order. Scanning stops at the first torn or corrupt frame; frames
// of a transaction without its commit frame are skipped.
func (j *Journal) Recover(apply func(pageNo uint32, data []byte) error) (RecoveryStats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var stats RecoveryStats
	if j.closed {
		return stats, ErrJournalClosed
	}

	info, err := j.file.Stat()
	if err != nil {
		return stats, err
	}
	size := info.Size()

	var pending []pendingFrame
	var pendingTx uint64
	scanned, committedFrames := 0, 0
	offset := int64(HeaderSize)
	committedEnd := offset
	hdr := make([]byte, FrameHeaderSize)
	for offset < size {
		if _, err := j.file.ReadAt(hdr, offset); err != nil {
			stats.DiscardedAt = offset
			break
		}
		payloadLen := int64(binary.LittleEndian.Uint32(hdr[20:24]))
		rawLen := int(binary.LittleEndian.Uint32(hdr[16:20]))
		if rawLen != j.pageSize || payloadLen > int64(j.pageSize) || offset+FrameHeaderSize+payloadLen > size {
			stats.DiscardedAt = offset
			break
		}
		payload := make([]byte, payloadLen)
		if _, err := j.file.ReadAt(payload, offset+FrameHeaderSize); err != nil {
			stats.DiscardedAt = offset
			break
		}
		if binary.LittleEndian.Uint64(hdr[24:32]) != j.frameChecksum(hdr, payload) {
			stats.DiscardedAt = offset
			break
		}
		data, err := j.codecs.decompress(Compression(hdr[13]), payload, rawLen)
		if err != nil {
			stats.DiscardedAt = offset
			break
		}

		txID := binary.LittleEndian.Uint64(hdr[4:12])
		if len(pending) > 0 && txID != pendingTx {
			j.log.Warnw("skipping uncommitted journal frames", "tx", pendingTx, "frames", len(pending))
			pending = pending[:0]
		}
		pendingTx = txID
		pending = append(pending, pendingFrame{
			pageNo: binary.LittleEndian.Uint32(hdr[0:4]),
			data:   data,
		})
		offset += FrameHeaderSize + payloadLen
		scanned++

		if hdr[12]&flagCommit == 0 {
			continue
		}
		for _, f := range pending {
			if err := apply(f.pageNo, f.data); err != nil {
				return stats, fmt.Errorf("replay page %d of tx %d: %w", f.pageNo, txID, err)
			}
		}
		stats.Transactions++
		stats.Pages += len(pending)
		stats.LastTxID = txID
		pending = pending[:0]
		committedEnd, committedFrames = offset, scanned
	}

	if stats.DiscardedAt > 0 {
		j.log.Warnw("discarding torn journal tail", "offset", stats.DiscardedAt, "size", size)
	}
	if stats.Transactions > 0 {
		j.log.Infow("journal replayed", "transactions", stats.Transactions, "pages", stats.Pages, "last_tx", stats.LastTxID)
	}
	// Frames past the last commit are dropped so a reused transaction id
	// can never pick them up.
	if committedEnd < size {
		if err := j.file.Truncate(committedEnd); err != nil {
			return stats, err
		}
	}
	j.offset = committedEnd
	j.frames = committedFrames
	return stats, nil
}

// Checkpoint empties the journal. The caller must have synced every page
// the journal holds to the data file.
func (j *Journal) Checkpoint() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	frames := j.frames
	if err := j.reset(); err != nil {
		return err
	}
	j.log.Debugw("journal checkpoint", "frames", frames)
	return nil
}

// FrameCount returns the number of frames written since the last checkpoint.
func (j *Journal) FrameCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.frames
}

// Size returns the journal length in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.offset
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	j.closed = true
	j.codecs.close()
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}
