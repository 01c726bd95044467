package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dbeng/persistit/internal/perr"
)

// defaultMaxFileSize bounds a single journal file before rollover (spec
// §4.4 "File rollover") when Config.MaxFileSizeBytes is not positive.
const defaultMaxFileSize = 64 << 20

// Manager is the append-only journal: record framing, file rollover, volume
// and tree handle bindings, and the force/checkpoint surface Transaction
// and BufferPool depend on.
type Manager struct {
	mu sync.Mutex

	dir    string
	prefix string
	maxSize int64

	file       *os.File
	generation uint64
	offset     int64

	control *ControlFile

	volumeHandles map[int32]volumeBinding
	nextVolume    int32
	treeHandles   map[int32]treeBinding
	nextTree      int32

	bytesWritten uint64

	joinTS uint64 // timestamp of the open TJ record, reused until its TC/TR

	clock func() uint64
	log   zerolog.Logger
}

type volumeBinding struct {
	volumeID int64
	path     string
}

type treeBinding struct {
	volumeHandle int32
	name         string
}

// Config configures a Manager (spec §6.4 journal path/size).
type Config struct {
	Dir              string
	Prefix           string
	MaxFileSizeBytes int64
	Logger           zerolog.Logger

	// Clock produces the next timestamp in the sequence shared with
	// txn.Allocator (spec §2 TimestampAllocator: one counter drives
	// transaction timestamps, page write timestamps, and checkpoint marks).
	// Defaults to a private counter when nil, for callers that only need
	// journal-local framing (e.g. tests).
	Clock func() uint64
}

// Open opens (creating if necessary) a journal directory, reading the
// control record to find the active generation, or starting generation 0.
func Open(cfg Config) (*Manager, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "journal"
	}
	maxSize := cfg.MaxFileSizeBytes
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, perr.IO(err, "create journal directory")
	}

	ctrl, err := OpenControlFile(filepath.Join(cfg.Dir, "CONTROL"))
	if err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		var private atomic.Uint64
		clock = func() uint64 { return private.Add(1) }
	}

	m := &Manager{
		dir:           cfg.Dir,
		prefix:        cfg.Prefix,
		maxSize:       maxSize,
		control:       ctrl,
		volumeHandles: make(map[int32]volumeBinding),
		treeHandles:   make(map[int32]treeBinding),
		generation:    ctrl.state.ActiveGeneration,
		clock:         clock,
		log:           cfg.Logger,
	}
	if err := m.openGenerationFile(m.generation); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) generationPath(gen uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.%016d", m.prefix, gen))
}

func (m *Manager) openGenerationFile(gen uint64) error {
	f, err := os.OpenFile(m.generationPath(gen), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return perr.IO(err, "open journal generation file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return perr.IO(err, "stat journal generation file")
	}
	m.file = f
	m.offset = info.Size()
	return nil
}

// BindVolume assigns a fresh volume handle and appends an IV record (spec
// §4.4, §9 "rebuild the mapping eagerly when a journal file is opened").
func (m *Manager) BindVolume(volumeID int64, path string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := m.nextVolume
	m.nextVolume++
	m.volumeHandles[handle] = volumeBinding{volumeID: volumeID, path: path}
	_, err := m.appendLocked(Record{Type: TypeIV, Payload: PayloadIV(volumeID, path)})
	return handle, err
}

// BindTree assigns a fresh tree handle and appends an IT record.
func (m *Manager) BindTree(volumeHandle int32, name string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := m.nextTree
	m.nextTree++
	m.treeHandles[handle] = treeBinding{volumeHandle: volumeHandle, name: name}
	_, err := m.appendLocked(Record{Type: TypeIT, Payload: PayloadIT(volumeHandle, name)})
	return handle, err
}

// WritePageImage appends a PA record holding the whole of buf as its left
// part; no slack region is elided. Implements buffer.Journal.
func (m *Manager) WritePageImage(volumeHandle int32, pageAddr int64, buf []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload := PayloadPA(volumeHandle, pageAddr, int32(len(buf)), int32(len(buf)), buf)
	ts, err := m.appendLocked(Record{Type: TypePA, Payload: payload})
	return ts, err
}

// AppendCheckpoint writes a CP record for the given wall-clock timestamp.
func (m *Manager) AppendCheckpoint(wallClockMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.appendLocked(Record{Type: TypeCP, Payload: PayloadCP(wallClockMS)})
	return err
}

// AppendTxStart writes a TS record and returns its assigned timestamp.
func (m *Manager) AppendTxStart() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(Record{Type: TypeTS})
}

// AppendTxJoin writes a TJ record linking this timestamp to priorTS.
func (m *Manager) AppendTxJoin(priorTS uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(Record{Type: TypeTJ, Payload: PayloadTJ(priorTS)})
}

// AppendTxCommit writes a TC record.
func (m *Manager) AppendTxCommit() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(Record{Type: TypeTC})
}

// AppendTxRollback writes a TR record.
func (m *Manager) AppendTxRollback() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(Record{Type: TypeTR})
}

// AppendWrite writes a WR record.
func (m *Manager) AppendWrite(treeHandle int32, key, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(Record{Type: TypeWR, Payload: PayloadWR(treeHandle, key, value)})
}

// AppendDeleteRange writes a DR record.
func (m *Manager) AppendDeleteRange(treeHandle int32, key1, key2 []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(Record{Type: TypeDR, Payload: PayloadDR(treeHandle, key1, key2)})
}

// AppendDeleteTree writes a DT record.
func (m *Manager) AppendDeleteTree(treeHandle int32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(Record{Type: TypeDT, Payload: PayloadDT(treeHandle)})
}

// appendLocked assigns the record a timestamp, frames it, rolls the file
// over if needed, and appends it. A TJ record gets a fresh tick that the
// WR/DR/DT/DV records after it and the closing TC/TR reuse, so recovery
// groups them with the joined transaction; other records get a fresh tick.
func (m *Manager) appendLocked(rec Record) (uint64, error) {
	ts := m.clock()
	switch rec.Type {
	case TypeTJ:
		m.joinTS = ts
	case TypeWR, TypeDR, TypeDT, TypeDV:
		if m.joinTS != 0 {
			ts = m.joinTS
		}
	case TypeTC, TypeTR:
		if m.joinTS != 0 {
			ts, m.joinTS = m.joinTS, 0
		}
	}
	rec.Timestamp = ts
	buf := Marshal(rec)

	if m.offset+int64(len(buf)) > m.maxSize {
		if err := m.rolloverLocked(); err != nil {
			return 0, err
		}
	}

	n, err := m.file.Write(buf)
	if err != nil {
		return 0, perr.IO(err, "journal append")
	}
	m.offset += int64(n)
	atomic.AddUint64(&m.bytesWritten, uint64(n))
	return ts, nil
}

func (m *Manager) rolloverLocked() error {
	if err := m.file.Sync(); err != nil {
		return perr.IO(err, "sync journal file before rollover")
	}
	if err := m.file.Close(); err != nil {
		return perr.IO(err, "close journal file before rollover")
	}
	m.generation++
	if err := m.openGenerationFile(m.generation); err != nil {
		return err
	}
	return m.control.Update(m.generation, m.control.state.BaseGeneration)
}

// Force fsyncs the active journal file, guaranteeing durability of
// everything appended so far.
func (m *Manager) Force() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Sync(); err != nil {
		return perr.IO(err, "force journal")
	}
	return nil
}

// BytesWritten returns the cumulative bytes appended, for §6.3.
func (m *Manager) BytesWritten() uint64 {
	return atomic.LoadUint64(&m.bytesWritten)
}

// AdvanceBaseGeneration records that generations older than gen are no
// longer required for recovery (copy-back has caught up).
func (m *Manager) AdvanceBaseGeneration(gen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.control.Update(m.control.state.ActiveGeneration, gen)
}

// Close fsyncs and closes the active journal file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Sync(); err != nil {
		return perr.IO(err, "sync journal on close")
	}
	return m.file.Close()
}

// ActiveGeneration returns the generation currently being appended to.
func (m *Manager) ActiveGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

