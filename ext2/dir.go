package ext2

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

// dir is a directory made of linear entry blocks. Mutations hold the
// directory's write lock for their whole duration.
type dir struct {
	*node
}

func errShortDirent(ofs int) error {
	return common.Inconsistent("directory record at %d overruns its block", ofs)
}

func errBadDirent(ofs, recLen, nameLen int) error {
	return common.Inconsistent("bad directory record at %d (rec_len %d, name_len %d)", ofs, recLen, nameLen)
}

func checkName(name []byte) error {
	switch {
	case len(name) == 0:
		return errors.Wrap(common.ErrInvalidParameter, "empty name")
	case len(name) > MAX_NAME_LEN:
		return errors.Wrapf(common.ErrInvalidParameter, "name of %d bytes is too long", len(name))
	case bytes.IndexByte(name, '/') >= 0 || bytes.IndexByte(name, 0) >= 0:
		return errors.Wrapf(common.ErrInvalidParameter, "bad character in %q", name)
	case string(name) == "." || string(name) == "..":
		return errors.Wrapf(common.ErrInvalidParameter, "%q is reserved", name)
	}
	return nil
}

func (fs *FS) fileTypeOf(mode uint16) uint8 {
	if !fs.fileType {
		return FT_UNKNOWN
	}
	switch mode & S_IFMT {
	case S_IFREG:
		return FT_REG
	case S_IFDIR:
		return FT_DIR
	case S_IFLNK:
		return FT_SYMLINK
	}
	return FT_UNKNOWN
}

// baseOf returns the ext2 node behind a cached node, or nil for nodes of
// another driver.
func baseOf(b common.NodeBase) *node {
	if n, ok := b.(interface{ base() *node }); ok {
		return n.base()
	}
	return nil
}

// eachDirBlock reads the directory blocks from index from on and passes
// each to fn until it returns false.
func (n *node) eachDirBlock(from uint64, fn func(idx uint64, addr uint32, blk []byte) (bool, error)) error {
	bs := uint64(n.fs.bs)
	count := n.od.FileSize() / bs
	buf := make([]byte, bs)
	for idx := from; idx < count; idx++ {
		addr, err := n.getBlockAddr(idx)
		if err != nil {
			return err
		}
		if addr == 0 {
			return common.Inconsistent("hole in directory %d at block %d", n.ino, idx)
		}
		if err := n.fs.readBlock(addr, buf); err != nil {
			return err
		}
		more, err := fn(idx, addr, buf)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// entryPos locates a record: the block holding it and the offset of the
// record before it in that block, or -1.
type entryPos struct {
	addr uint32
	d    dirent
	prev int
}

func (n *node) findEntry(name []byte) (entryPos, error) {
	var pos entryPos
	found := false
	err := n.eachDirBlock(0, func(idx uint64, addr uint32, blk []byte) (bool, error) {
		prev := -1
		err := walkBlock(blk, 0, func(e dirent) bool {
			if e.inode != 0 && bytes.Equal(e.name(blk), name) {
				pos = entryPos{addr: addr, d: e, prev: prev}
				found = true
				return false
			}
			prev = e.ofs
			return true
		})
		return !found, err
	})
	if err != nil {
		return pos, err
	}
	if !found {
		return pos, errors.Wrapf(common.ErrNotFound, "%q", name)
	}
	return pos, nil
}

// addEntry stores a record for name, reusing a free record or the slack
// after a live one, and grows the directory by a block when neither exists.
func (n *node) addEntry(name []byte, ino uint32, ftype uint8) error {
	need := direntLen(len(name))
	placed := false
	err := n.eachDirBlock(0, func(idx uint64, addr uint32, blk []byte) (bool, error) {
		slot, split := -1, false
		err := walkBlock(blk, 0, func(e dirent) bool {
			if e.inode == 0 && e.recLen >= need {
				slot = e.ofs
				return false
			}
			if e.inode != 0 && e.recLen-direntLen(e.nameLen) >= need {
				slot, split = e.ofs, true
				return false
			}
			return true
		})
		if err != nil {
			return false, err
		}
		if slot < 0 {
			return true, nil
		}
		err = n.fs.editBlock(addr, func(data []byte) error {
			recLen := int(binary.LittleEndian.Uint16(data[slot+4:]))
			if split {
				used := direntLen(int(data[slot+6]))
				binary.LittleEndian.PutUint16(data[slot+4:], uint16(used))
				putDirent(data, slot+used, ino, recLen-used, name, ftype)
			} else {
				putDirent(data, slot, ino, recLen, name, ftype)
			}
			return nil
		})
		placed = err == nil
		return false, err
	})
	if err != nil || placed {
		return err
	}

	idx := n.od.FileSize() / uint64(n.fs.bs)
	addr, err := n.bmap(idx, true)
	if err != nil {
		return err
	}
	err = n.fs.editBlock(addr, func(data []byte) error {
		putDirent(data, 0, ino, n.fs.bs, name, ftype)
		return nil
	})
	if err != nil {
		return err
	}
	n.od.SetFileSize((idx + 1) * uint64(n.fs.bs))
	n.touch()
	return nil
}

// removeEntry drops a record by merging it into the one before it, or by
// clearing it when it starts its block.
func (n *node) removeEntry(pos entryPos) error {
	return n.fs.editBlock(pos.addr, func(data []byte) error {
		ofs := pos.d.ofs
		if binary.LittleEndian.Uint32(data[ofs:]) != pos.d.inode {
			return common.Inconsistent("directory record at %d changed under us", ofs)
		}
		if pos.prev >= 0 {
			prevLen := int(binary.LittleEndian.Uint16(data[pos.prev+4:]))
			binary.LittleEndian.PutUint16(data[pos.prev+4:], uint16(prevLen+pos.d.recLen))
		}
		binary.LittleEndian.PutUint32(data[ofs:], 0)
		data[ofs+6] = 0
		return nil
	})
}

// dirEmpty reports whether only "." and ".." remain.
func (n *node) dirEmpty() (bool, error) {
	empty := true
	err := n.eachDirBlock(0, func(idx uint64, addr uint32, blk []byte) (bool, error) {
		err := walkBlock(blk, 0, func(e dirent) bool {
			if e.inode != 0 && !e.isDot(blk) {
				empty = false
			}
			return empty
		})
		return empty, err
	})
	return empty, err
}

func (d dir) Lookup(name []byte) (common.InodeId, error) {
	if len(name) == 0 || len(name) > MAX_NAME_LEN {
		return 0, errors.Wrapf(common.ErrNotFound, "%q", name)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	pos, err := d.findEntry(name)
	if err != nil {
		return 0, err
	}
	return common.InodeId(pos.d.inode), nil
}

// Read uses byte offsets into the directory as positions. The "." and ".."
// records are skipped.
func (d dir) Read(start int, cb common.ReadDirFunc) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	bs := uint64(d.fs.bs)
	first, inner := uint64(start)/bs, int(uint64(start)%bs)
	next := start
	stop := false
	err := d.eachDirBlock(first, func(idx uint64, addr uint32, blk []byte) (bool, error) {
		from := 0
		if idx == first {
			from = inner
		}
		err := walkBlock(blk, from, func(e dirent) bool {
			next = int(idx*bs) + e.ofs + e.recLen
			if e.inode == 0 || e.nameLen == 0 || e.isDot(blk) {
				return true
			}
			name := append([]byte(nil), e.name(blk)...)
			if !cb(common.InodeId(e.inode), name) {
				stop = true
			}
			return !stop
		})
		if err != nil {
			return false, err
		}
		if !stop {
			next = int((idx + 1) * bs)
		}
		return !stop, nil
	})
	return next, err
}

func (d dir) Create(name []byte, t common.NodeType) (common.InodeId, error) {
	if d.fs.readOnly {
		return 0, common.ErrReadOnlyFilesystem
	}
	if err := checkName(name); err != nil {
		return 0, err
	}
	var mode uint16
	switch t.Class {
	case common.ClassFile:
		mode = S_IFREG | 0644
	case common.ClassDir:
		mode = S_IFDIR | 0755
	case common.ClassSymlink:
		if len(t.Target) == 0 || len(t.Target) >= d.fs.bs {
			return 0, errors.Wrapf(common.ErrInvalidParameter, "symlink target of %d bytes", len(t.Target))
		}
		mode = S_IFLNK | 0777
	default:
		return 0, errors.Wrapf(common.ErrInvalidParameter, "cannot create %s nodes", t.Class)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.freed || d.od.LinksCount == 0 {
		return 0, errors.Wrap(common.ErrNotFound, "directory was removed")
	}
	if _, err := d.findEntry(name); err == nil {
		return 0, errors.Wrapf(common.ErrAlreadyExists, "%q", name)
	} else if !errors.Is(err, common.ErrNotFound) {
		return 0, err
	}

	ino, od, err := d.fs.allocInode(d.ino, mode)
	if err != nil {
		return 0, err
	}
	// Nothing can reach the new inode before its entry exists, so it is
	// set up without going through the node cache.
	child := &node{fs: d.fs, ino: ino, od: od}
	err = d.initChild(child, t)
	if err == nil {
		err = d.addEntry(name, ino, d.fs.fileTypeOf(mode))
	}
	if err != nil {
		child.od.LinksCount = 0
		if rerr := child.releaseLocked(); rerr != nil {
			d.fs.log.Error("releasing half-created inode failed", "inode", ino, "error", rerr)
		}
		return 0, err
	}
	if t.Class == common.ClassDir {
		d.od.LinksCount++
	}
	d.touch()
	return common.InodeId(ino), nil
}

func (d dir) initChild(child *node, t common.NodeType) error {
	switch t.Class {
	case common.ClassDir:
		addr, err := child.bmap(0, true)
		if err != nil {
			return err
		}
		ftype := d.fs.fileTypeOf(S_IFDIR)
		err = d.fs.editBlock(addr, func(data []byte) error {
			putDirent(data, 0, child.ino, direntLen(1), []byte("."), ftype)
			putDirent(data, direntLen(1), d.ino, d.fs.bs-direntLen(1), []byte(".."), ftype)
			return nil
		})
		if err != nil {
			return err
		}
		child.od.LinksCount = 2
		child.od.SetFileSize(uint64(d.fs.bs))
	case common.ClassSymlink:
		if len(t.Target) < FAST_SYMLINK_MAX {
			child.od.setBlockBytes(t.Target)
			child.od.SetFileSize(uint64(len(t.Target)))
		} else if _, err := child.writeData(0, t.Target); err != nil {
			return err
		}
	}
	child.dirty = true
	return child.flushLocked()
}

func (d dir) Link(name []byte, target common.NodeBase) error {
	if d.fs.readOnly {
		return common.ErrReadOnlyFilesystem
	}
	if err := checkName(name); err != nil {
		return err
	}
	t := baseOf(target)
	if t == nil || t.fs != d.fs {
		return errors.Wrap(common.ErrInvalidParameter, "link target is on another filesystem")
	}
	if _, ok := target.(dir); ok {
		return errors.Wrap(common.ErrTypeMismatch, "cannot hard-link a directory")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.findEntry(name); err == nil {
		return errors.Wrapf(common.ErrAlreadyExists, "%q", name)
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freed || t.od.LinksCount == 0 {
		return errors.Wrap(common.ErrNotFound, "link target was removed")
	}
	if t.od.LinksCount == ^uint16(0) {
		return errors.Wrap(common.ErrInvalidParameter, "too many links")
	}
	if err := d.addEntry(name, t.ino, d.fs.fileTypeOf(t.od.Mode)); err != nil {
		return err
	}
	t.od.LinksCount++
	t.od.Ctime = now()
	t.dirty = true
	d.touch()
	return nil
}

// Unlink removes the entry and drops a link from its inode. The inode itself
// is released once no handle refers to it any more.
func (d dir) Unlink(name []byte) error {
	if d.fs.readOnly {
		return common.ErrReadOnlyFilesystem
	}
	if err := checkName(name); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	pos, err := d.findEntry(name)
	if err != nil {
		return err
	}
	if pos.d.inode == d.ino {
		return common.Inconsistent("directory %d contains itself as %q", d.ino, name)
	}
	ref, err := d.fs.self.GetNode(common.InodeId(pos.d.inode))
	if err != nil {
		return err
	}
	defer ref.Release()
	child := baseOf(ref.Node().Base())
	if child == nil {
		return common.Inconsistent("entry %q is not an ext2 node", name)
	}

	child.mu.Lock()
	defer child.mu.Unlock()
	isDir := child.od.Format() == S_IFDIR
	if isDir {
		empty, err := child.dirEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return errors.Wrapf(common.ErrNotEmpty, "%q", name)
		}
	}
	if err := d.removeEntry(pos); err != nil {
		return err
	}
	if isDir {
		// The child's "." and our own ".." entry in it go with it.
		child.od.LinksCount = 0
		d.od.LinksCount--
	} else if child.od.LinksCount > 0 {
		child.od.LinksCount--
	}
	child.od.Ctime = now()
	child.dirty = true
	d.touch()
	return nil
}

var _ common.Dir = dir{}
