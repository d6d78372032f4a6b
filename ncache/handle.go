package ncache

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

// Handle is one counted reference to a cached node.
type Handle struct {
	c        *Cache
	e        *entry
	released atomic.Bool
}

// FromIds returns a handle to (mount, inode), asking the mount's driver for
// the node if it is not cached yet. A directory with a filesystem mounted on
// it is replaced by the root of that filesystem.
func (c *Cache) FromIds(mount common.MountId, inode common.InodeId) (*Handle, error) {
	h, err := c.FromIdsRaw(mount, inode)
	if err != nil {
		return nil, err
	}
	mh := h.MountHere()
	if mh == common.NO_MOUNT {
		return h, nil
	}
	h.Release()

	fs, err := c.mounts.Filesystem(mh)
	if err != nil {
		return nil, err
	}
	return c.FromIdsRaw(mh, fs.RootInode())
}

// FromIdsRaw is FromIds without crossing into mounted filesystems.
func (c *Cache) FromIdsRaw(mount common.MountId, inode common.InodeId) (*Handle, error) {
	if inode == common.NO_INODE {
		return nil, errors.Wrap(common.ErrInvalidParameter, "inode 0")
	}
	e, err := c.get(key{mount, inode})
	if err != nil {
		return nil, err
	}
	return &Handle{c: c, e: e}, nil
}

func (h *Handle) MountId() common.MountId {
	return h.e.key.mount
}

func (h *Handle) Inode() common.InodeId {
	return h.e.key.inode
}

func (h *Handle) Node() *common.Node {
	return h.e.node
}

func (h *Handle) Clone() *Handle {
	h.c.dup(h.e)
	return &Handle{c: h.c, e: h.e}
}

// Release drops the reference. When it was the last one the node is flushed
// and becomes eligible for eviction.
func (h *Handle) Release() {
	if h.released.Swap(true) {
		panic("ncache: handle released twice")
	}
	if !h.c.put(h.e) {
		return
	}
	node := h.e.node
	if err := node.Base().Flush(); err != nil {
		common.GetLogger().Error("flush of released node failed",
			"component", "ncache", "mount", h.e.key.mount, "inode", h.e.key.inode, "error", err)
	}
	d, ok := node.Base().(common.Dropper)
	if !ok {
		h.c.idle(h.e, false)
		return
	}
	// Dropped may free the inode, so nobody else may pick the node up
	// while it runs.
	if !h.c.claim(h.e) {
		return
	}
	h.c.idle(h.e, d.Dropped())
}

// MountHere is the mount whose root replaces this directory, or NO_MOUNT.
func (h *Handle) MountHere() common.MountId {
	return common.MountId(h.e.mountHere.Load())
}

// SetMountHere marks the directory as a mountpoint for id, or clears the
// mark when id is NO_MOUNT. The caller must keep the handle alive for as long
// as the mark is set, or the entry may be evicted and the mark lost.
func (h *Handle) SetMountHere(id common.MountId) error {
	if !h.e.node.IsDir() {
		return errors.Wrap(common.ErrTypeMismatch, "mountpoint is not a directory")
	}
	if id == common.NO_MOUNT {
		h.e.mountHere.Store(uint32(common.NO_MOUNT))
		return nil
	}
	if !h.e.mountHere.CompareAndSwap(uint32(common.NO_MOUNT), uint32(id)) {
		return errors.Wrap(common.ErrLocked, "directory is already a mountpoint")
	}
	return nil
}

// AppendLock serialises appends to the node.
func (h *Handle) AppendLock() sync.Locker {
	return &h.e.appendM
}

// Sync flushes every cached node of a mount.
func (c *Cache) Sync(mount common.MountId) error {
	var firstErr error
	for _, e := range c.live(mount) {
		h := &Handle{c: c, e: e}
		if err := e.node.Base().Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		h.Release()
	}
	return firstErr
}

// mountSelf lets a driver reach nodes of its own mount.
type mountSelf struct {
	c  *Cache
	id common.MountId
}

// MountSelf returns the view of the cache handed to a driver at mount time.
func (c *Cache) MountSelf(id common.MountId) common.MountSelf {
	return mountSelf{c, id}
}

func (m mountSelf) MountId() common.MountId {
	return m.id
}

func (m mountSelf) GetNode(inode common.InodeId) (common.NodeRef, error) {
	return m.c.FromIdsRaw(m.id, inode)
}

var _ common.NodeRef = (*Handle)(nil)
