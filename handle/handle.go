// Package handle projects node cache references into typed handles that
// only expose the operations of their node class, and enforces file open
// modes.
package handle

import (
	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/ncache"
)

// Mounts tells handles about the mount a node lives on.
type Mounts interface {
	ReadOnly(mount common.MountId) bool
}

// Env is what handles need to reach other nodes.
type Env struct {
	cache  *ncache.Cache
	mounts Mounts
}

func NewEnv(cache *ncache.Cache, mounts Mounts) *Env {
	return &Env{cache: cache, mounts: mounts}
}

// Wrap takes ownership of h.
func (env *Env) Wrap(h *ncache.Handle) *Any {
	return &Any{env: env, h: h}
}

// FromIds opens (mount, inode), crossing into a filesystem mounted on it.
func (env *Env) FromIds(mount common.MountId, inode common.InodeId) (*Any, error) {
	h, err := env.cache.FromIds(mount, inode)
	if err != nil {
		return nil, err
	}
	return env.Wrap(h), nil
}

// Any is an untyped node handle. The typed accessors take over the handle
// on success; on failure it still belongs to the caller.
type Any struct {
	env *Env
	h   *ncache.Handle
}

func (a *Any) MountId() common.MountId { return a.h.MountId() }
func (a *Any) Inode() common.InodeId   { return a.h.Inode() }
func (a *Any) Class() common.NodeClass { return a.h.Node().Class() }
func (a *Any) Cache() *ncache.Handle   { return a.h }
func (a *Any) readOnly() bool          { return a.env.mounts.ReadOnly(a.h.MountId()) }

func (a *Any) Clone() *Any {
	return &Any{env: a.env, h: a.h.Clone()}
}

func (a *Any) Close() {
	a.h.Release()
}

func (a *Any) mismatch(want common.NodeClass) error {
	return errors.Wrapf(common.ErrTypeMismatch, "inode %d of mount %d is a %s, not a %s",
		a.Inode(), a.MountId(), a.Class(), want)
}

func (a *Any) Dir() (*Dir, error) {
	d := a.h.Node().Dir()
	if d == nil {
		return nil, a.mismatch(common.ClassDir)
	}
	return &Dir{env: a.env, h: a.h, d: d}, nil
}

func (a *Any) Symlink() (*Symlink, error) {
	s := a.h.Node().Symlink()
	if s == nil {
		return nil, a.mismatch(common.ClassSymlink)
	}
	return &Symlink{h: a.h, s: s}, nil
}

// File opens the node as a file in the given mode, taking the mode's lock.
func (a *Any) File(mode Mode) (*File, error) {
	f := a.h.Node().File()
	if f == nil {
		return nil, a.mismatch(common.ClassFile)
	}
	if !mode.valid() {
		return nil, errors.Wrapf(common.ErrInvalidParameter, "open mode %d", int(mode))
	}
	if mode.writable() && a.readOnly() {
		return nil, errors.Wrapf(common.ErrReadOnlyFilesystem, "opening %s on mount %d", mode, a.MountId())
	}
	if err := a.h.Lock(mode.lockClass()); err != nil {
		return nil, errors.Wrapf(err, "opening %s", mode)
	}
	fh := &File{h: a.h, f: f, mode: mode}
	if mode == UniqueRW {
		fh.cow = newOverlay(f)
	}
	return fh, nil
}

// Symlink is a handle to a symbolic link.
type Symlink struct {
	h *ncache.Handle
	s common.Symlink
}

func (s *Symlink) MountId() common.MountId { return s.h.MountId() }
func (s *Symlink) Inode() common.InodeId   { return s.h.Inode() }

func (s *Symlink) Read() ([]byte, error) {
	return s.s.Read()
}

func (s *Symlink) Clone() *Symlink {
	return &Symlink{h: s.h.Clone(), s: s.s}
}

func (s *Symlink) Close() {
	s.h.Release()
}
