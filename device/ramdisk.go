package device

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

type Ramdisk struct {
	name      string
	blockSize int
	mu        sync.RWMutex
	data      []byte
}

// NewRamdisk wraps data as a volume. The slice is used directly, so callers
// that keep a reference see writes land in it.
func NewRamdisk(name string, blockSize int, data []byte) (*Ramdisk, error) {
	if blockSize <= 0 || len(data)%blockSize != 0 {
		return nil, errors.Errorf("ramdisk %s: size %d is not a multiple of block size %d",
			name, len(data), blockSize)
	}
	return &Ramdisk{name: name, blockSize: blockSize, data: data}, nil
}

func (r *Ramdisk) Name() string     { return r.name }
func (r *Ramdisk) BlockSize() int   { return r.blockSize }
func (r *Ramdisk) Capacity() uint64 { return uint64(len(r.data) / r.blockSize) }
func (r *Ramdisk) Bytes() []byte    { return r.data }

func (r *Ramdisk) ReadBlocks(first uint64, buf []byte) error {
	if err := checkRange(r, first, buf); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	copy(buf, r.data[first*uint64(r.blockSize):])
	return nil
}

func (r *Ramdisk) WriteBlocks(first uint64, buf []byte) error {
	if err := checkRange(r, first, buf); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(r.data[first*uint64(r.blockSize):], buf)
	return nil
}

var _ common.Volume = (*Ramdisk)(nil)
