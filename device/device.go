// Package device provides the concrete volumes the VFS is tested and run
// against: an in-memory ramdisk and a disk image file.
package device

import (
	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

var (
	ErrBadCall  = errors.New("bad call")
	ErrReadOnly = errors.New("volume is read-only")
)

// checkRange validates a block-aligned transfer against a volume.
func checkRange(v common.Volume, first uint64, buf []byte) error {
	bs := uint64(v.BlockSize())
	if uint64(len(buf))%bs != 0 {
		return common.NewIoError(common.IoInvalidParameter, first,
			errors.Errorf("buffer length %d is not a multiple of %d", len(buf), bs))
	}
	if first+uint64(len(buf))/bs > v.Capacity() {
		return common.NewIoError(common.IoBadBlock, first,
			errors.Errorf("transfer past end of %s (%d blocks)", v.Name(), v.Capacity()))
	}
	return nil
}

type readOnly struct {
	common.Volume
}

// ReadOnly wraps a volume so that every write fails.
func ReadOnly(v common.Volume) common.Volume {
	return readOnly{v}
}

func (r readOnly) ReadOnly() bool { return true }

func (r readOnly) WriteBlocks(first uint64, buf []byte) error {
	return common.NewIoError(common.IoReadOnly, first, ErrReadOnly)
}
