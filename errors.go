package persistit

import "github.com/dbeng/persistit/internal/perr"

// Error taxonomy (spec §7), re-exported so callers never need to import
// internal/perr directly.
var (
	ErrInUse                = perr.ErrInUse
	ErrInterrupted          = perr.ErrInterrupted
	ErrInvalidPageAddress   = perr.ErrInvalidPageAddress
	ErrInvalidPageStructure = perr.ErrInvalidPageStructure
	ErrVolumeClosed         = perr.ErrVolumeClosed
	ErrVolumeNotFound       = perr.ErrVolumeNotFound
	ErrPersistitIO          = perr.ErrPersistitIO
	ErrRollback             = perr.ErrRollback
	ErrWWRetry              = perr.ErrWWRetry
	ErrCorrupt              = perr.ErrCorrupt
	ErrFatal                = perr.ErrFatal
)
