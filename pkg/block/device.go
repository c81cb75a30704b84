package block

import (
	"io"
)

type ErrBytesNotAvailable struct{}

func (ErrBytesNotAvailable) Error() string {
	return "The requested bytes are not available on the device"
}

// Device is a page-addressable local store. It backs the resident (PRESENT)
// frames of a region: reads/writes are always chunk-aligned and ReadRaw
// exposes the frame directly so the fault state machine can install it into
// the managed mapping without an extra copy.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() (int64, error)
	ReadRaw(off, length int64) ([]byte, func(), error)
	BlockSize() int64
	IsMarked(off, length int64) bool
}
