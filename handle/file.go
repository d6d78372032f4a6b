package handle

import (
	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/ncache"
)

// File is an open file. The handle holds the lock of its mode until Close.
type File struct {
	h    *ncache.Handle
	f    common.File
	mode Mode
	cow  *overlay // UniqueRW only
}

func (fh *File) MountId() common.MountId { return fh.h.MountId() }
func (fh *File) Inode() common.InodeId   { return fh.h.Inode() }
func (fh *File) Mode() Mode              { return fh.mode }

func (fh *File) Size() uint64 {
	if fh.cow != nil {
		return fh.cow.Size()
	}
	return fh.f.Size()
}

// Read fills buf from ofs. Reading at the end of the file returns 0; reading
// beyond it is an error.
func (fh *File) Read(ofs uint64, buf []byte) (int, error) {
	if fh.cow != nil {
		return fh.cow.Read(ofs, buf)
	}
	return fh.f.Read(ofs, buf)
}

// Write stores buf at ofs. In Append mode ofs is ignored and the data lands
// at the end of the file, which moves atomically with respect to other
// appenders.
func (fh *File) Write(ofs uint64, buf []byte) (int, error) {
	if !fh.mode.canWrite() {
		return 0, errors.Wrapf(common.ErrPermissionDenied, "write through a %s handle", fh.mode)
	}
	switch {
	case fh.cow != nil:
		return fh.cow.Write(ofs, buf)
	case fh.mode == Append:
		l := fh.h.AppendLock()
		l.Lock()
		defer l.Unlock()
		return fh.f.Write(fh.f.Size(), buf)
	}
	return fh.f.Write(ofs, buf)
}

// Truncate sets the file size and returns the size applied.
func (fh *File) Truncate(size uint64) (uint64, error) {
	if !fh.mode.canResize() {
		return 0, errors.Wrapf(common.ErrPermissionDenied, "truncate through a %s handle", fh.mode)
	}
	if fh.cow != nil {
		return fh.cow.Truncate(size), nil
	}
	return fh.f.Truncate(size)
}

// Clear zeroes [ofs, ofs+size) without changing the file size.
func (fh *File) Clear(ofs, size uint64) error {
	if !fh.mode.canResize() {
		return errors.Wrapf(common.ErrPermissionDenied, "clear through a %s handle", fh.mode)
	}
	if fh.cow != nil {
		return fh.cow.Clear(ofs, size)
	}
	return fh.f.Clear(ofs, size)
}

// Clone opens the file again in the same mode. An ExclRW handle cannot be
// cloned. A UniqueRW clone starts from a copy of this handle's private view.
func (fh *File) Clone() (*File, error) {
	class := fh.mode.lockClass()
	if err := fh.h.Lock(class); err != nil {
		return nil, errors.Wrapf(err, "cloning %s handle", fh.mode)
	}
	c := &File{h: fh.h.Clone(), f: fh.f, mode: fh.mode}
	if fh.cow != nil {
		c.cow = fh.cow.copy()
	}
	return c, nil
}

// Close drops the lock and the reference. Private UniqueRW data is lost.
func (fh *File) Close() {
	fh.cow = nil
	fh.h.Unlock(fh.mode.lockClass())
	fh.h.Release()
}
