package handle

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/ncache"
)

// Dir is an open directory.
type Dir struct {
	env *Env
	h   *ncache.Handle
	d   common.Dir
}

func (dh *Dir) MountId() common.MountId { return dh.h.MountId() }
func (dh *Dir) Inode() common.InodeId   { return dh.h.Inode() }

// Any returns an untyped handle to the same directory.
func (dh *Dir) Any() *Any {
	return dh.env.Wrap(dh.h.Clone())
}

func (dh *Dir) Clone() *Dir {
	return &Dir{env: dh.env, h: dh.h.Clone(), d: dh.d}
}

func (dh *Dir) Close() {
	dh.h.Release()
}

func (dh *Dir) readOnly() error {
	if dh.env.mounts.ReadOnly(dh.h.MountId()) {
		return errors.Wrapf(common.ErrReadOnlyFilesystem, "mount %d", dh.h.MountId())
	}
	return nil
}

// entryName checks a name given to a mutating operation.
func entryName(name []byte) error {
	switch {
	case len(name) == 0:
		return errors.Wrap(common.ErrInvalidParameter, "empty name")
	case bytes.IndexByte(name, '/') >= 0 || bytes.IndexByte(name, 0) >= 0:
		return errors.Wrapf(common.ErrInvalidParameter, "bad character in %q", name)
	case string(name) == "." || string(name) == "..":
		return errors.Wrapf(common.ErrInvalidParameter, "%q", name)
	}
	return nil
}

// Lookup opens the named entry. A directory with a filesystem mounted on it
// comes back as the root of that filesystem.
func (dh *Dir) Lookup(name []byte) (*Any, error) {
	ino, err := dh.d.Lookup(name)
	if err != nil {
		return nil, err
	}
	return dh.env.FromIds(dh.h.MountId(), ino)
}

// Read lists entries from the opaque offset start and returns the offset
// to resume from.
func (dh *Dir) Read(start int, cb common.ReadDirFunc) (int, error) {
	return dh.d.Read(start, cb)
}

// Create makes a new node and returns it opened.
func (dh *Dir) Create(name []byte, t common.NodeType) (*Any, error) {
	if err := entryName(name); err != nil {
		return nil, err
	}
	if err := dh.readOnly(); err != nil {
		return nil, err
	}
	ino, err := dh.d.Create(name, t)
	if err != nil {
		return nil, err
	}
	return dh.env.FromIds(dh.h.MountId(), ino)
}

func (dh *Dir) Mkdir(name []byte) (*Dir, error) {
	a, err := dh.Create(name, common.TypeDir)
	if err != nil {
		return nil, err
	}
	d, err := a.Dir()
	if err != nil {
		a.Close()
		return nil, err
	}
	return d, nil
}

func (dh *Dir) Symlink(name, target []byte) error {
	if len(target) == 0 {
		return errors.Wrap(common.ErrInvalidParameter, "empty symlink target")
	}
	a, err := dh.Create(name, common.TypeSymlink(target))
	if err != nil {
		return err
	}
	a.Close()
	return nil
}

// Link adds another name for target, which must live on the same mount.
func (dh *Dir) Link(name []byte, target *Any) error {
	if err := entryName(name); err != nil {
		return err
	}
	if target.MountId() != dh.h.MountId() {
		return errors.Wrapf(common.ErrInvalidParameter, "link across mounts %d and %d", target.MountId(), dh.h.MountId())
	}
	if err := dh.readOnly(); err != nil {
		return err
	}
	return dh.d.Link(name, target.h.Node().Base())
}

// Unlink removes a name. A directory something is mounted on stays.
func (dh *Dir) Unlink(name []byte) error {
	if err := entryName(name); err != nil {
		return err
	}
	if err := dh.readOnly(); err != nil {
		return err
	}
	ino, err := dh.d.Lookup(name)
	if err != nil {
		return err
	}
	// mountpoints are pinned by their mount, so an unreferenced node is not one
	if dh.env.cache.RefCount(dh.h.MountId(), ino) > 0 {
		h, err := dh.env.cache.FromIdsRaw(dh.h.MountId(), ino)
		if err != nil {
			return err
		}
		busy := h.MountHere() != common.NO_MOUNT
		h.Release()
		if busy {
			return errors.Wrapf(common.ErrLocked, "%q is a mountpoint", name)
		}
	}
	return dh.d.Unlink(name)
}
