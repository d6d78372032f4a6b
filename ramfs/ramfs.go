// Package ramfs is an in-memory filesystem. The VFS mounts one at "/" while
// booting so that other volumes have directories to be mounted on.
package ramfs

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/bcache"
	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/mount"
)

const RootInode common.InodeId = 1

func init() {
	mount.MustRegisterDriver("ramfs", driver{})
}

type driver struct{}

// Detect never claims a volume; ramfs must be asked for by name.
func (driver) Detect(*bcache.Handle) (int, error) {
	return 0, nil
}

func (driver) Mount(*bcache.Handle, common.MountSelf, common.Config) (common.Filesystem, error) {
	return New(), nil
}

type ramNode struct {
	fs    *FS
	inode common.InodeId
	class common.NodeClass
	links int

	mu      sync.RWMutex
	names   []string // directory entries in creation order
	entries map[string]common.InodeId
	target  []byte // symlink target
	data    []byte // file contents
}

type FS struct {
	mu    sync.Mutex
	nodes map[common.InodeId]*ramNode
	next  common.InodeId
}

func New() *FS {
	fs := &FS{
		nodes: make(map[common.InodeId]*ramNode),
		next:  RootInode,
	}
	root := fs.alloc(common.TypeDir)
	root.links = 1
	return fs
}

func (fs *FS) alloc(t common.NodeType) *ramNode {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := &ramNode{fs: fs, inode: fs.next, class: t.Class}
	switch t.Class {
	case common.ClassDir:
		n.entries = make(map[string]common.InodeId)
	case common.ClassSymlink:
		n.target = append([]byte(nil), t.Target...)
	}
	fs.nodes[n.inode] = n
	fs.next++
	return n
}

func (fs *FS) RootInode() common.InodeId { return RootInode }
func (fs *FS) ReadOnly() bool            { return false }
func (fs *FS) Sync() error               { return nil }
func (fs *FS) Unmount() error            { return nil }

func (fs *FS) GetNode(inode common.InodeId) (*common.Node, error) {
	fs.mu.Lock()
	n, ok := fs.nodes[inode]
	fs.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(common.ErrNotFound, "ramfs inode %d", inode)
	}
	switch n.class {
	case common.ClassDir:
		return common.NewDirNode(n), nil
	case common.ClassSymlink:
		return common.NewSymlinkNode(symlinkView{n}), nil
	default:
		return common.NewFileNode(fileView{n}), nil
	}
}

func (n *ramNode) Inode() common.InodeId { return n.inode }
func (n *ramNode) Flush() error          { return nil }

// Dropped frees nodes that no directory refers to any more.
func (n *ramNode) Dropped() bool {
	n.mu.RLock()
	dead := n.links == 0
	n.mu.RUnlock()
	if dead {
		n.fs.mu.Lock()
		delete(n.fs.nodes, n.inode)
		n.fs.mu.Unlock()
	}
	return dead
}

func (n *ramNode) Lookup(name []byte) (common.InodeId, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if ino, ok := n.entries[string(name)]; ok {
		return ino, nil
	}
	return 0, errors.Wrapf(common.ErrNotFound, "%q", name)
}

// Read uses the index into the creation-ordered name list as its offset.
func (n *ramNode) Read(start int, cb common.ReadDirFunc) (int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	i := start
	for ; i < len(n.names); i++ {
		name := n.names[i]
		if !cb(n.entries[name], []byte(name)) {
			return i + 1, nil
		}
	}
	return i, nil
}

func (n *ramNode) Create(name []byte, t common.NodeType) (common.InodeId, error) {
	if len(name) == 0 {
		return 0, errors.Wrap(common.ErrInvalidParameter, "empty name")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.entries[string(name)]; ok {
		return 0, errors.Wrapf(common.ErrAlreadyExists, "%q", name)
	}
	child := n.fs.alloc(t)
	child.links = 1
	n.names = append(n.names, string(name))
	n.entries[string(name)] = child.inode
	return child.inode, nil
}

func (n *ramNode) Link(name []byte, target common.NodeBase) error {
	var other *ramNode
	switch t := target.(type) {
	case *ramNode:
		other = t
	case fileView:
		other = t.ramNode
	case symlinkView:
		other = t.ramNode
	}
	if other == nil || other.fs != n.fs {
		return errors.Wrap(common.ErrInvalidParameter, "link target is on another filesystem")
	}
	if other.class == common.ClassDir {
		return errors.Wrap(common.ErrTypeMismatch, "cannot hard-link a directory")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.entries[string(name)]; ok {
		return errors.Wrapf(common.ErrAlreadyExists, "%q", name)
	}
	other.mu.Lock()
	other.links++
	other.mu.Unlock()
	n.names = append(n.names, string(name))
	n.entries[string(name)] = other.inode
	return nil
}

func (n *ramNode) Unlink(name []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ino, ok := n.entries[string(name)]
	if !ok {
		return errors.Wrapf(common.ErrNotFound, "%q", name)
	}
	n.fs.mu.Lock()
	child := n.fs.nodes[ino]
	n.fs.mu.Unlock()

	child.mu.Lock()
	if child.class == common.ClassDir && len(child.entries) > 0 {
		child.mu.Unlock()
		return errors.Wrapf(common.ErrNotEmpty, "%q", name)
	}
	child.links--
	child.mu.Unlock()

	delete(n.entries, string(name))
	for i, s := range n.names {
		if s == string(name) {
			n.names = append(n.names[:i], n.names[i+1:]...)
			break
		}
	}
	return nil
}

func (n *ramNode) Size() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.class == common.ClassSymlink {
		return uint64(len(n.target))
	}
	return uint64(len(n.data))
}

func (n *ramNode) Truncate(size uint64) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if size <= uint64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		n.data = append(n.data, make([]byte, size-uint64(len(n.data)))...)
	}
	return size, nil
}

func (n *ramNode) Clear(ofs, size uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ofs+size > uint64(len(n.data)) {
		return errors.Wrap(common.ErrInvalidParameter, "clear past end of file")
	}
	clear(n.data[ofs : ofs+size])
	return nil
}

func (n *ramNode) ReadAt(ofs uint64, buf []byte) (int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if ofs >= uint64(len(n.data)) {
		return 0, nil
	}
	return copy(buf, n.data[ofs:]), nil
}

func (n *ramNode) Write(ofs uint64, buf []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if end := ofs + uint64(len(buf)); end > uint64(len(n.data)) {
		n.data = append(n.data, make([]byte, end-uint64(len(n.data)))...)
	}
	return copy(n.data[ofs:], buf), nil
}

type fileView struct{ *ramNode }
type symlinkView struct{ *ramNode }

func (f fileView) Read(ofs uint64, buf []byte) (int, error) { return f.ReadAt(ofs, buf) }

func (s symlinkView) Read() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.target...), nil
}
