package journal

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/dbeng/persistit/internal/perr"
)

// controlMagic tags the control file format, guarding against reading a
// stray file as a control record.
const controlMagic = "PCTRL001"

// controlFileSize is fixed: magic(8) + active(8) + base(8) + crc(4).
const controlFileSize = 8 + 8 + 8 + 4

// ControlRecord is the small, fixed persistent header pointing at the head
// of the active journal generation (spec §6.2, Open Question resolved in
// SPEC_FULL.md).
type ControlRecord struct {
	ActiveGeneration uint64
	BaseGeneration   uint64
}

// ControlFile manages the on-disk control record, written via
// temp-file-then-rename for atomicity.
type ControlFile struct {
	path  string
	state ControlRecord
}

// OpenControlFile reads an existing control file or creates a fresh one at
// generation 0.
func OpenControlFile(path string) (*ControlFile, error) {
	cf := &ControlFile{path: path}
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if writeErr := cf.writeAtomic(ControlRecord{}); writeErr != nil {
			return nil, writeErr
		}
		return cf, nil
	}
	if err != nil {
		return nil, perr.IO(err, "read control file")
	}
	rec, err := unmarshalControl(buf)
	if err != nil {
		return nil, perr.Wrap(err, "parse control file")
	}
	cf.state = rec
	return cf, nil
}

// Update durably records a new active/base generation pair.
func (cf *ControlFile) Update(active, base uint64) error {
	rec := ControlRecord{ActiveGeneration: active, BaseGeneration: base}
	if err := cf.writeAtomic(rec); err != nil {
		return err
	}
	cf.state = rec
	return nil
}

// State returns the current in-memory control record.
func (cf *ControlFile) State() ControlRecord { return cf.state }

func (cf *ControlFile) writeAtomic(rec ControlRecord) error {
	buf := marshalControl(rec)
	tmp := cf.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return perr.IO(err, "write control temp file")
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0644)
	if err == nil {
		f.Sync()
		f.Close()
	}
	if err := os.Rename(tmp, cf.path); err != nil {
		return perr.IO(err, "rename control file")
	}
	return nil
}

func marshalControl(rec ControlRecord) []byte {
	buf := make([]byte, controlFileSize)
	copy(buf[0:8], controlMagic)
	binary.BigEndian.PutUint64(buf[8:16], rec.ActiveGeneration)
	binary.BigEndian.PutUint64(buf[16:24], rec.BaseGeneration)
	crc := crc32.ChecksumIEEE(buf[:24])
	binary.BigEndian.PutUint32(buf[24:28], crc)
	return buf
}

func unmarshalControl(buf []byte) (ControlRecord, error) {
	if len(buf) != controlFileSize || string(buf[0:8]) != controlMagic {
		return ControlRecord{}, perr.Wrap(perr.ErrCorrupt, "bad control file magic or size")
	}
	crc := binary.BigEndian.Uint32(buf[24:28])
	if crc32.ChecksumIEEE(buf[:24]) != crc {
		return ControlRecord{}, perr.Wrap(perr.ErrCorrupt, "control file CRC mismatch")
	}
	return ControlRecord{
		ActiveGeneration: binary.BigEndian.Uint64(buf[8:16]),
		BaseGeneration:   binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}
