// Package volume defines the Volume interface the core consumes for page
// I/O (spec §6.1) and a minimal os.File-backed reference implementation
// sufficient to exercise BufferPool and JournalManager in tests.
package volume

import (
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbeng/persistit/internal/perr"
)

// ValidPageSizes are the five page sizes the engine accepts (spec §6.4).
var ValidPageSizes = [5]int{1024, 2048, 4096, 8192, 16384}

// ValidPageSize reports whether size is one of ValidPageSizes.
func ValidPageSize(size int) bool {
	for _, s := range ValidPageSizes {
		if s == size {
			return true
		}
	}
	return false
}

// Volume is the external collaborator the core reads and writes pages
// through. Implementations are responsible for their own durability beyond
// the single write_page call (e.g. fsync policy).
type Volume interface {
	ReadPage(pageAddr int64, buf []byte) error
	WritePage(pageAddr int64, buf []byte) error
	Extend(toPages int64) error
	ID() int64
	Name() string
	Path() string
	NextAvailablePage() int64
	IsTemporary() bool
}

// crcTable is the CRC32-C table used for page checksums, matching the
// teacher's page-level checksum scheme.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC computes the CRC32-C of page, treating the 4 bytes at
// crcOffset as zero.
func ComputeCRC(page []byte, crcOffset int) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:crcOffset])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(page[crcOffset+4:])
	return h.Sum32()
}

// FileVolume is a reference Volume backed by a single os.File, pages laid
// out contiguously at pageAddr*pageSize. It is sufficient for tests and for
// small deployments; it does not implement its own free-space management
// beyond a monotonic high-water mark.
type FileVolume struct {
	mu       sync.Mutex
	file     *os.File
	id       int64
	name     string
	path     string
	pageSize int
	pages    int64
	temp     bool

	lastRead  time.Time
	lastWrite time.Time
	lastExt   time.Time
	writes    uint64
}

// OpenFileVolume opens or creates a file-backed volume at path.
func OpenFileVolume(path, name string, pageSize int, temporary bool) (*FileVolume, error) {
	if !ValidPageSize(pageSize) {
		return nil, perr.Wrapf(perr.ErrFatal, "invalid page size %d", pageSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, perr.IO(err, "open volume file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, perr.IO(err, "stat volume file")
	}
	v := &FileVolume{
		file:     f,
		id:       int64(uuid.New().ID()),
		name:     name,
		path:     path,
		pageSize: pageSize,
		pages:    info.Size() / int64(pageSize),
		temp:     temporary,
	}
	return v, nil
}

// ReadPage implements Volume.
func (v *FileVolume) ReadPage(pageAddr int64, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	off := pageAddr * int64(len(buf))
	if _, err := v.file.ReadAt(buf, off); err != nil {
		return perr.IO(err, "read page")
	}
	v.lastRead = time.Now()
	return nil
}

// WritePage implements Volume.
func (v *FileVolume) WritePage(pageAddr int64, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	off := pageAddr * int64(len(buf))
	if _, err := v.file.WriteAt(buf, off); err != nil {
		return perr.IO(err, "write page")
	}
	v.lastWrite = time.Now()
	v.writes++
	if pageAddr+1 > v.pages {
		v.pages = pageAddr + 1
	}
	return nil
}

// Extend implements Volume.
func (v *FileVolume) Extend(toPages int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if toPages <= v.pages {
		return nil
	}
	if err := v.file.Truncate(toPages * int64(v.pageSize)); err != nil {
		return perr.IO(err, "extend volume")
	}
	v.pages = toPages
	v.lastExt = time.Now()
	return nil
}

// ID implements Volume.
func (v *FileVolume) ID() int64 { return v.id }

// Name implements Volume.
func (v *FileVolume) Name() string { return v.name }

// Path implements Volume.
func (v *FileVolume) Path() string { return v.path }

// NextAvailablePage implements Volume.
func (v *FileVolume) NextAvailablePage() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pages
}

// IsTemporary implements Volume.
func (v *FileVolume) IsTemporary() bool { return v.temp }

// Sync fsyncs the underlying file.
func (v *FileVolume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.file.Sync(); err != nil {
		return perr.IO(err, "sync volume")
	}
	return nil
}

// Close closes the underlying file.
func (v *FileVolume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.file.Close()
}

// WriteCount returns the number of WritePage calls served by this volume.
// Journal bytes written (spec §6.3) are counted separately by the journal
// manager.
func (v *FileVolume) WriteCount() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writes
}
