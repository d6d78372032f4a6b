package common

// NodeBase is the part of every node the caches need to see.
type NodeBase interface {
	Inode() InodeId
	// Flush writes back any dirty in-memory state. It is called when the
	// last handle to the node is dropped.
	Flush() error
}

type File interface {
	NodeBase
	Size() uint64
	// Truncate sets the size and returns the size actually applied, which is
	// capped by the filesystem's maximum file size.
	Truncate(size uint64) (uint64, error)
	// Clear zeroes a byte range without changing the size.
	Clear(ofs, size uint64) error
	Read(ofs uint64, buf []byte) (int, error)
	Write(ofs uint64, buf []byte) (int, error)
}

// ReadDirFunc receives one directory entry and returns false to stop.
type ReadDirFunc func(inode InodeId, name []byte) bool

type Dir interface {
	NodeBase
	Lookup(name []byte) (InodeId, error)
	// Read calls cb for each entry starting at the opaque offset start and
	// returns the offset to resume from.
	Read(start int, cb ReadDirFunc) (int, error)
	Create(name []byte, t NodeType) (InodeId, error)
	Link(name []byte, target NodeBase) error
	Unlink(name []byte) error
}

// Dropper is implemented by nodes that must leave the node cache as soon as
// they are unreferenced, such as nodes whose inode was freed on disk. Dropped
// is consulted after the last handle is gone, so a driver may release the
// on-disk resources of an unlinked node from it.
type Dropper interface {
	Dropped() bool
}

type Symlink interface {
	NodeBase
	Read() ([]byte, error)
}

type Special interface {
	NodeBase
	TypeName() string
}

// Node is the tagged variant handed out by drivers.
type Node struct {
	class NodeClass
	base  NodeBase
}

func NewFileNode(f File) *Node       { return &Node{ClassFile, f} }
func NewDirNode(d Dir) *Node         { return &Node{ClassDir, d} }
func NewSymlinkNode(s Symlink) *Node { return &Node{ClassSymlink, s} }
func NewSpecialNode(s Special) *Node { return &Node{ClassSpecial, s} }
func (n *Node) Class() NodeClass     { return n.class }
func (n *Node) Base() NodeBase       { return n.base }
func (n *Node) Inode() InodeId       { return n.base.Inode() }
func (n *Node) IsDir() bool          { return n.class == ClassDir }

func (n *Node) File() File {
	if n.class != ClassFile {
		return nil
	}
	return n.base.(File)
}

func (n *Node) Dir() Dir {
	if n.class != ClassDir {
		return nil
	}
	return n.base.(Dir)
}

func (n *Node) Symlink() Symlink {
	if n.class != ClassSymlink {
		return nil
	}
	return n.base.(Symlink)
}

func (n *Node) Special() Special {
	if n.class != ClassSpecial {
		return nil
	}
	return n.base.(Special)
}

// Filesystem is a mounted driver instance.
type Filesystem interface {
	RootInode() InodeId
	GetNode(inode InodeId) (*Node, error)
	ReadOnly() bool
	// Sync flushes filesystem-wide metadata (superblock, group tables).
	Sync() error
	// Unmount releases driver resources; no nodes are referenced by then.
	Unmount() error
}

// NodeRef is a counted reference to a cached node, as returned through
// MountSelf to drivers that need to reach other nodes of their own mount.
type NodeRef interface {
	Node() *Node
	Release()
}

// MountSelf lets a driver reach the node cache for its own mount.
type MountSelf interface {
	MountId() MountId
	GetNode(inode InodeId) (NodeRef, error)
}
