// Package buffer implements the bucketed, concurrent page cache: Buffer,
// BufferPool, and the DirtyPageCollector/PageWriter background roles that
// drain dirty pages to the journal (spec §4.2–§4.3).
package buffer

import (
	"github.com/dbeng/persistit/internal/claim"
	"github.com/dbeng/persistit/internal/volume"
)

// none is the sentinel for "no index" in arena-style linked lists, matching
// spec §9's "arena + index" guidance in place of nullable pointers.
const none = -1

// listKind records which of a bucket's lists a Buffer currently belongs to,
// so unlinking doesn't need to probe every list head.
type listKind uint8

const (
	listNone listKind = iota
	listInvalid
	listLRU
	listPerm
	listDirty
	listUrgent
)

// Journal is the narrow view of JournalManager a Buffer needs to durably
// write its page image. Defined here rather than imported from internal/
// journal to keep buffer decoupled from journal's own dependencies.
type Journal interface {
	WritePageImage(volumeHandle int32, pageAddr int64, buf []byte) (timestamp uint64, err error)
}

// Buffer is a fixed-size page image backed by a claim.Resource. Its
// identity — (volume, page) — is stable for the duration of any
// outstanding claim (spec Invariant 3).
type Buffer struct {
	Res *claim.Resource

	index int // stable slot in the pool's arena; never changes after alloc

	volumeID       int64
	volumeHandle   int32
	pageAddr       int64
	writeTimestamp uint64
	bytes          []byte

	bucket int

	// hash chain (singly linked, arena indices; int32 to match hashTable)
	hashNext int32

	// current list membership + doubly-linked arena links
	kind           listKind
	prev, next     int
}

func newBuffer(index, pageSize int) *Buffer {
	return &Buffer{
		Res:      claim.New(),
		index:    index,
		bytes:    make([]byte, pageSize),
		hashNext: none,
		prev:     none,
		next:     none,
		kind:     listInvalid,
	}
}

// Index returns the buffer's stable arena slot.
func (b *Buffer) Index() int { return b.index }

// VolumeID returns the identity of the volume currently occupying this
// buffer (meaningful only while Res tests ValidBit).
func (b *Buffer) VolumeID() int64 { return b.volumeID }

// PageAddr returns the page address currently occupying this buffer.
func (b *Buffer) PageAddr() int64 { return b.pageAddr }

// WriteTimestamp returns the timestamp of the last modification applied to
// this buffer.
func (b *Buffer) WriteTimestamp() uint64 { return b.writeTimestamp }

// Bytes exposes the page image. Callers must hold an appropriate claim.
func (b *Buffer) Bytes() []byte { return b.bytes }

// IsDirty reports the dirty bit.
func (b *Buffer) IsDirty() bool { return b.Res.TestBits(claim.DirtyBit) }

// IsValid reports the valid bit.
func (b *Buffer) IsValid() bool { return b.Res.TestBits(claim.ValidBit) }

// load reads the page from vol into the buffer. Caller must hold the
// writer claim. On failure the buffer is marked invalid.
func (b *Buffer) load(vol volume.Volume, volumeID int64, volumeHandle int32, pageAddr int64) error {
	if err := vol.ReadPage(pageAddr, b.bytes); err != nil {
		b.Res.ClearBits(claim.ValidBit)
		return err
	}
	b.volumeID = volumeID
	b.volumeHandle = volumeHandle
	b.pageAddr = pageAddr
	b.Res.SetBits(claim.ValidBit)
	return nil
}

// clearSlack zeroes the region [left, len-right) before journaling, for
// compressibility and determinism (spec §4.2 clear_slack).
func (b *Buffer) clearSlack(left, right int) {
	for i := left; i < len(b.bytes)-right; i++ {
		b.bytes[i] = 0
	}
}

// writeToJournal serializes the page image into a PA record. Requires the
// writer claim; success clears dirty atomically.
func (b *Buffer) writeToJournal(j Journal) error {
	ts, err := j.WritePageImage(b.volumeHandle, b.pageAddr, b.bytes)
	if err != nil {
		return err
	}
	b.writeTimestamp = ts
	b.Res.ClearBits(claim.DirtyBit)
	return nil
}

// copySnapshot returns an unsynchronized copy of the page bytes for
// diagnostics; it may be torn if concurrently written.
func (b *Buffer) copySnapshot() []byte {
	out := make([]byte, len(b.bytes))
	copy(out, b.bytes)
	return out
}
